package mocks

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"darwin/pkg/forge"
)

// CreateBranchCall records the parameters of a CreateBranch call.
type CreateBranchCall struct {
	Branch string
	SHA    string
}

// GetFileCall records the parameters of a GetFile call.
type GetFileCall struct {
	Path string
	Ref  string
}

// AddLabelsCall records the parameters of an AddLabels call.
type AddLabelsCall struct {
	Number int
	Labels []string
}

// MockForgeClient implements forge.Client for testing.
// The default handlers behave like a tiny in-memory forge: files live on branches,
// every write bumps the file revision and pull requests are numbered from 1.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockForgeClient struct {
	// Function handlers for each method
	GetBranchSHAFunc func(ctx context.Context, branch string) (string, error)
	CreateBranchFunc func(ctx context.Context, branch, sha string) error
	GetFileFunc      func(ctx context.Context, path, ref string) (*forge.FileContent, error)
	UpdateFileFunc   func(ctx context.Context, update forge.FileUpdate) error
	CreatePRFunc     func(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error)
	AddLabelsFunc    func(ctx context.Context, number int, labels []string) error

	// Call tracking
	GetBranchSHACalls []string
	CreateBranchCalls []CreateBranchCall
	GetFileCalls      []GetFileCall
	UpdateFileCalls   []forge.FileUpdate
	CreatePRCalls     []forge.PRCreateOptions
	AddLabelsCalls    []AddLabelsCall

	// In-memory repository backing the defaults: branch -> path -> content.
	branches map[string]map[string]string
	revision int
	nextPR   int
	repoPath string

	mu sync.Mutex
}

// NewMockForgeClient creates a mock forge with a "main" branch holding files.
func NewMockForgeClient(files map[string]string) *MockForgeClient {
	m := &MockForgeClient{
		branches: map[string]map[string]string{"main": {}},
		revision: 1,
		nextPR:   1,
		repoPath: "mock-owner/mock-repo",
	}
	for path, content := range files {
		m.branches["main"][path] = content
	}

	// Default GetBranchSHA: branch name plus current revision
	m.GetBranchSHAFunc = func(_ context.Context, branch string) (string, error) {
		if _, ok := m.branches[branch]; !ok {
			return "", forge.NewAPIError("get branch", 404, []byte("branch not found"))
		}
		return fmt.Sprintf("%s-%d", branch, m.revision), nil
	}

	// Default CreateBranch: copy main, fail if present
	m.CreateBranchFunc = func(_ context.Context, branch, _ string) error {
		if _, ok := m.branches[branch]; ok {
			return &forge.APIError{Op: "create branch", StatusCode: 422, Body: "exists", Kind: forge.ErrBranchExists}
		}
		copied := make(map[string]string, len(m.branches["main"]))
		for path, content := range m.branches["main"] {
			copied[path] = content
		}
		m.branches[branch] = copied
		return nil
	}

	// Default GetFile: revision token is derived from the content
	m.GetFileFunc = func(_ context.Context, path, ref string) (*forge.FileContent, error) {
		content, ok := m.branches[ref][path]
		if !ok {
			return nil, &forge.APIError{Op: "get file", StatusCode: 404, Body: "Not Found", Kind: forge.ErrFileNotFound}
		}
		return &forge.FileContent{Path: path, Content: content, SHA: blobSHA(content)}, nil
	}

	// Default UpdateFile: conditional on the token matching the file in main
	m.UpdateFileFunc = func(_ context.Context, update forge.FileUpdate) error {
		files, ok := m.branches[update.Branch]
		if !ok {
			return forge.NewAPIError("update file", 404, []byte("branch not found"))
		}
		if current, exists := files[update.Path]; exists && blobSHA(current) != update.SHA {
			return &forge.APIError{Op: "update file", StatusCode: 409, Body: "sha mismatch", Kind: forge.ErrWriteConflict}
		}
		files[update.Path] = update.Content
		m.revision++
		return nil
	}

	// Default CreatePR: sequential numbers
	m.CreatePRFunc = func(_ context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
		n := m.nextPR
		m.nextPR++
		return &forge.PullRequest{
			Number:     n,
			URL:        fmt.Sprintf("https://github.com/%s/pull/%d", m.repoPath, n),
			Title:      opts.Title,
			State:      "open",
			HeadBranch: opts.Head,
			BaseBranch: opts.Base,
		}, nil
	}

	// Default AddLabels: succeed
	m.AddLabelsFunc = func(_ context.Context, _ int, _ []string) error {
		return nil
	}

	return m
}

func blobSHA(content string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("blob-%x", h.Sum32())
}

// File returns the content of path on branch in the in-memory repository.
func (m *MockForgeClient) File(branch, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.branches[branch][path]
	return content, ok
}

// SetFile overwrites path on branch, simulating a concurrent commit.
func (m *MockForgeClient) SetFile(branch, path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branches[branch] == nil {
		m.branches[branch] = map[string]string{}
	}
	m.branches[branch][path] = content
	m.revision++
}

// Provider implements forge.Client.
func (m *MockForgeClient) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath implements forge.Client.
func (m *MockForgeClient) RepoPath() string {
	return m.repoPath
}

// GetBranchSHA implements forge.Client.
func (m *MockForgeClient) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetBranchSHACalls = append(m.GetBranchSHACalls, branch)
	return m.GetBranchSHAFunc(ctx, branch)
}

// CreateBranch implements forge.Client.
func (m *MockForgeClient) CreateBranch(ctx context.Context, branch, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateBranchCalls = append(m.CreateBranchCalls, CreateBranchCall{Branch: branch, SHA: sha})
	return m.CreateBranchFunc(ctx, branch, sha)
}

// GetFile implements forge.Client.
func (m *MockForgeClient) GetFile(ctx context.Context, path, ref string) (*forge.FileContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetFileCalls = append(m.GetFileCalls, GetFileCall{Path: path, Ref: ref})
	return m.GetFileFunc(ctx, path, ref)
}

// UpdateFile implements forge.Client.
func (m *MockForgeClient) UpdateFile(ctx context.Context, update forge.FileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateFileCalls = append(m.UpdateFileCalls, update)
	return m.UpdateFileFunc(ctx, update)
}

// CreatePR implements forge.Client.
func (m *MockForgeClient) CreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatePRCalls = append(m.CreatePRCalls, opts)
	return m.CreatePRFunc(ctx, opts)
}

// AddLabels implements forge.Client.
func (m *MockForgeClient) AddLabels(ctx context.Context, number int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddLabelsCalls = append(m.AddLabelsCalls, AddLabelsCall{Number: number, Labels: labels})
	return m.AddLabelsFunc(ctx, number, labels)
}

var _ forge.Client = (*MockForgeClient)(nil)

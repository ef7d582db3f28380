// Package github implements forge.Client against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"darwin/pkg/forge"
	"darwin/pkg/logx"
)

// DefaultBaseURL is the public GitHub API root.
const DefaultBaseURL = "https://api.github.com"

const apiVersion = "2022-11-28"

// Client implements forge.Client for GitHub REST operations.
type Client struct {
	baseURL string
	token   string
	owner   string
	repo    string
	logger  *logx.Logger
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new GitHub API client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, token, owner, repo string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("github-client"),
		client:  &http.Client{Timeout: 30 * time.Second},
		// Stay well inside the secondary rate limit on content-creating requests.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// WithTimeout returns the client with a different per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.client = &http.Client{Timeout: timeout}
	return c
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

func (c *Client) repoURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, c.owner, c.repo, path)
}

// doRequest performs an authenticated request and decodes a 2xx JSON response into out.
// Non-2xx responses come back as *forge.APIError.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return forge.TransportError(op, err)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.repoURL(path), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("%s %s", method, req.URL.Path)

	resp, err := c.client.Do(req)
	if err != nil {
		return forge.TransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return forge.NewAPIError(op, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

type gitRef struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// GetBranchSHA resolves the head commit of a branch.
func (c *Client) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	var ref gitRef
	if err := c.doRequest(ctx, "get branch", http.MethodGet, "/git/ref/heads/"+escapePath(branch), nil, &ref); err != nil {
		return "", err
	}
	if ref.Object.SHA == "" {
		return "", fmt.Errorf("branch %s has no commit sha", branch)
	}
	return ref.Object.SHA, nil
}

// CreateBranch creates branch at sha.
func (c *Client) CreateBranch(ctx context.Context, branch, sha string) error {
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	err := c.doRequest(ctx, "create branch", http.MethodPost, "/git/refs", body, nil)
	if apiErr := asAPIError(err); apiErr != nil &&
		apiErr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(apiErr.Body, "already exists") {
		apiErr.Kind = forge.ErrBranchExists
	}
	return err
}

type contentResponse struct {
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Type     string `json:"type"`
}

// GetFile reads path at ref.
func (c *Client) GetFile(ctx context.Context, path, ref string) (*forge.FileContent, error) {
	var resp contentResponse
	endpoint := "/contents/" + escapePath(path) + "?ref=" + url.QueryEscape(ref)
	err := c.doRequest(ctx, "get file", http.MethodGet, endpoint, nil, &resp)
	if apiErr := asAPIError(err); apiErr != nil && apiErr.StatusCode == http.StatusNotFound {
		apiErr.Kind = forge.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	if resp.Type != "" && resp.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", path, resp.Type)
	}

	content, err := decodeContent(resp.Content, resp.Encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &forge.FileContent{Path: path, Content: content, SHA: resp.SHA}, nil
}

// UpdateFile commits new content conditioned on update.SHA.
func (c *Client) UpdateFile(ctx context.Context, update forge.FileUpdate) error {
	body := map[string]string{
		"message": update.Message,
		"content": base64.StdEncoding.EncodeToString([]byte(update.Content)),
		"sha":     update.SHA,
		"branch":  update.Branch,
	}
	err := c.doRequest(ctx, "update file", http.MethodPut, "/contents/"+escapePath(update.Path), body, nil)
	if apiErr := asAPIError(err); apiErr != nil &&
		(apiErr.StatusCode == http.StatusConflict ||
			(apiErr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(apiErr.Body, "sha"))) {
		apiErr.Kind = forge.ErrWriteConflict
	}
	return err
}

type githubPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	base := opts.Base
	if base == "" {
		base = "main"
	}
	body := map[string]any{
		"title": opts.Title,
		"body":  opts.Body,
		"head":  opts.Head,
		"base":  base,
		"draft": opts.Draft,
	}

	var pr githubPR
	if err := c.doRequest(ctx, "create pull request", http.MethodPost, "/pulls", body, &pr); err != nil {
		return nil, err
	}
	return &forge.PullRequest{
		Number:     pr.Number,
		URL:        pr.HTMLURL,
		Title:      pr.Title,
		State:      pr.State,
		HeadBranch: pr.Head.Ref,
		BaseBranch: pr.Base.Ref,
	}, nil
}

// AddLabels attaches labels to a pull request.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	body := map[string][]string{"labels": labels}
	return c.doRequest(ctx, "add labels", http.MethodPost, fmt.Sprintf("/issues/%d/labels", number), body, nil)
}

// ParseRepo accepts owner/repo, an HTTPS URL or an SSH remote and returns owner and repo.
func ParseRepo(s string) (owner, repo string, err error) {
	path := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(path, "git@github.com:"):
		path = strings.TrimPrefix(path, "git@github.com:")
	case strings.HasPrefix(path, "https://github.com/"):
		path = strings.TrimPrefix(path, "https://github.com/")
	case strings.Contains(path, "://"):
		return "", "", fmt.Errorf("unsupported GitHub URL format: %s", s)
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub repository %q, expected owner/repo", s)
	}
	return parts[0], parts[1], nil
}

func asAPIError(err error) *forge.APIError {
	apiErr, ok := err.(*forge.APIError) //nolint:errorlint // doRequest returns it unwrapped
	if !ok {
		return nil
	}
	return apiErr
}

func escapePath(p string) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func decodeContent(content, encoding string) (string, error) {
	if encoding != "" && encoding != "base64" {
		return content, nil
	}
	// GitHub wraps base64 payloads at 60 columns.
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("invalid base64 content: %w", err)
	}
	return string(data), nil
}

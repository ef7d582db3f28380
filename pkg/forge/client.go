// Package forge talks to the git host that receives fixes. It defines the small surface
// darwin needs from GitHub and Gitea and the publishing sequence that turns one fix into a
// branch, a commit and a pull request.
package forge

import (
	"context"
)

// Provider names a git host implementation.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitea  Provider = "gitea"
)

// FileContent is a file read from a branch along with its revision token.
type FileContent struct {
	Path    string
	Content string
	// SHA is the content-addressed blob revision, required for a conditional write.
	SHA string
}

// FileUpdate is a conditional write of one file on a branch.
type FileUpdate struct {
	Path    string
	Content string
	// SHA must equal the current blob revision on Branch or the write fails with ErrWriteConflict.
	SHA     string
	Branch  string
	Message string
}

// PullRequest is what the host reports back after a pull request is opened. State is the
// host's own word (open, closed, merged).
type PullRequest struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	State      string `json:"state"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// PRCreateOptions describes a pull request to open from Head into Base. Title and Head are
// required; an empty Base means "main".
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Client is the git host surface used by Publisher. github.Client and gitea.Client
// implement it.
type Client interface {
	Provider() Provider

	// RepoPath is "owner/repo".
	RepoPath() string

	// GetBranchSHA resolves the head commit of a branch.
	GetBranchSHA(ctx context.Context, branch string) (string, error)

	// CreateBranch creates branch at sha. Returns ErrBranchExists if it is already there.
	CreateBranch(ctx context.Context, branch, sha string) error

	// GetFile reads path at ref. Returns ErrFileNotFound if it does not exist.
	GetFile(ctx context.Context, path, ref string) (*FileContent, error)

	// UpdateFile commits new content conditioned on the revision token in update.SHA.
	UpdateFile(ctx context.Context, update FileUpdate) error

	// CreatePR opens a pull request.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error)

	// AddLabels attaches labels to a pull request.
	AddLabels(ctx context.Context, number int, labels []string) error
}

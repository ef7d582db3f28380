// Package gitea implements forge.Client against a self-hosted Gitea API (v1).
package gitea

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"darwin/pkg/forge"
	"darwin/pkg/logx"
)

// Client talks to one repository on a Gitea server.
type Client struct {
	baseURL string
	token   string
	owner   string
	repo    string
	logger  *logx.Logger
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, token, owner, repo string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("gitea"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 10),
	}
}

// WithTimeout replaces the per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.http = &http.Client{Timeout: timeout}
	return c
}

func (c *Client) Provider() forge.Provider { return forge.ProviderGitea }

func (c *Client) RepoPath() string { return c.owner + "/" + c.repo }

// BaseURL is the server root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// call sends payload (when non-nil) to a repository-relative path and decodes the reply into
// out (when non-nil). Any status outside ok becomes a *forge.APIError.
func (c *Client) call(ctx context.Context, op, method, path string, payload, out any, ok ...int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return forge.TransportError(op, err)
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + "/api/v1/repos/" + c.owner + "/" + c.repo + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.logger.Debug("%s %s", method, req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		return forge.TransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if !slices.Contains(ok, resp.StatusCode) {
		return forge.NewAPIError(op, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

// classify sets kind on err when it is an API error with one of the given statuses.
func classify(err error, kind error, statuses ...int) error {
	var apiErr *forge.APIError
	if errors.As(err, &apiErr) && slices.Contains(statuses, apiErr.StatusCode) {
		apiErr.Kind = kind
	}
	return err
}

type giteaPR struct {
	Number  int      `json:"number"`
	HTMLURL string   `json:"html_url"`
	Title   string   `json:"title"`
	State   string   `json:"state"`
	Head    giteaRef `json:"head"`
	Base    giteaRef `json:"base"`
}

type giteaRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func (c *Client) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	var reply struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	if err := c.call(ctx, "get branch", http.MethodGet, "/branches/"+url.PathEscape(branch), nil, &reply, http.StatusOK); err != nil {
		return "", err
	}
	return reply.Commit.ID, nil
}

// CreateBranch creates branch at sha. Gitea answers 409 when the branch exists.
func (c *Client) CreateBranch(ctx context.Context, branch, sha string) error {
	payload := map[string]string{
		"new_branch_name": branch,
		"old_ref_name":    sha,
	}
	err := c.call(ctx, "create branch", http.MethodPost, "/branches", payload, nil, http.StatusCreated)
	if err != nil {
		return classify(err, forge.ErrBranchExists, http.StatusConflict)
	}
	c.logger.Info("Created branch %s", branch)
	return nil
}

func (c *Client) GetFile(ctx context.Context, path, ref string) (*forge.FileContent, error) {
	var reply struct {
		SHA      string `json:"sha"`
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	endpoint := "/contents/" + strings.TrimPrefix(path, "/") + "?ref=" + url.QueryEscape(ref)
	if err := c.call(ctx, "get file", http.MethodGet, endpoint, nil, &reply, http.StatusOK); err != nil {
		return nil, classify(err, forge.ErrFileNotFound, http.StatusNotFound)
	}
	if reply.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", path, reply.Type)
	}

	content := reply.Content
	if reply.Encoding == "base64" {
		data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(reply.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		content = string(data)
	}
	return &forge.FileContent{Path: path, Content: content, SHA: reply.SHA}, nil
}

// UpdateFile commits new content conditioned on update.SHA. A stale SHA comes back as 409,
// or as 422 naming the sha on older servers.
func (c *Client) UpdateFile(ctx context.Context, update forge.FileUpdate) error {
	payload := map[string]string{
		"content": base64.StdEncoding.EncodeToString([]byte(update.Content)),
		"sha":     update.SHA,
		"branch":  update.Branch,
		"message": update.Message,
	}
	err := c.call(ctx, "update file", http.MethodPut, "/contents/"+strings.TrimPrefix(update.Path, "/"), payload, nil,
		http.StatusOK, http.StatusCreated)
	var apiErr *forge.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Body), "sha") {
		apiErr.Kind = forge.ErrWriteConflict
	}
	return classify(err, forge.ErrWriteConflict, http.StatusConflict)
}

func (c *Client) CreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	switch {
	case opts.Head == "":
		return nil, errors.New("create pull request: head branch is required")
	case opts.Title == "":
		return nil, errors.New("create pull request: title is required")
	}
	if opts.Base == "" {
		opts.Base = "main"
	}

	payload := map[string]string{
		"title": opts.Title,
		"head":  opts.Head,
		"base":  opts.Base,
	}
	if opts.Body != "" {
		payload["body"] = opts.Body
	}

	var pr giteaPR
	if err := c.call(ctx, "create pull request", http.MethodPost, "/pulls", payload, &pr, http.StatusCreated); err != nil {
		return nil, err
	}
	c.logger.Info("Opened pull request #%d on %s: %s", pr.Number, c.RepoPath(), pr.Title)
	return &forge.PullRequest{
		Number:     pr.Number,
		URL:        pr.HTMLURL,
		Title:      pr.Title,
		State:      pr.State,
		HeadBranch: pr.Head.Ref,
		BaseBranch: pr.Base.Ref,
	}, nil
}

// AddLabels attaches labels by name. Gitea resolves names to repository labels.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	payload := map[string][]string{"labels": labels}
	return c.call(ctx, "add labels", http.MethodPost, fmt.Sprintf("/issues/%d/labels", number), payload, nil, http.StatusOK)
}

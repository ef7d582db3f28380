package forge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"darwin/pkg/logx"
	"darwin/pkg/patch"
)

//nolint:gochecknoglobals // package tracer
var tracer = otel.Tracer("darwin.forge")

// DefaultLabels classify every pull request this system opens.
func DefaultLabels() []string {
	return []string{"darwin-fix", "auto-generated"}
}

// FixRequest describes one file mutation to publish as a pull request.
type FixRequest struct {
	FilePath      string
	OriginalCode  string
	SuggestedCode string
	Title         string
	Body          string
	// BaseBranch defaults to "main".
	BaseBranch string
	// Labels default to DefaultLabels when nil.
	Labels []string
}

// ChangeRequestRef identifies the pull request a publish produced.
type ChangeRequestRef struct {
	Number     int
	URL        string
	BranchName string
	BaseSHA    string
	Method     patch.Method
}

// Publisher runs the branch, commit and pull request sequence against a Client.
type Publisher struct {
	client Client
	logger *logx.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher over client.
func NewPublisher(client Client) *Publisher {
	return &Publisher{
		client: client,
		logger: logx.NewLogger("publisher"),
		now:    time.Now,
	}
}

// WithClock replaces the time source used for branch names.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// PublishFix applies req to the file on the base branch and opens a pull request with the result.
//
// The patch runs against the base revision before anything is written, so a snippet that does not
// match leaves the repository untouched. An existing branch is reused. The commit is conditioned on
// the revision token read from the base branch; if the file moved, ErrWriteConflict is returned.
// Label failures are logged and ignored.
func (p *Publisher) PublishFix(ctx context.Context, req FixRequest) (*ChangeRequestRef, error) {
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	if req.Labels == nil {
		req.Labels = DefaultLabels()
	}
	branch := BranchName(req.Title, p.now())

	ctx, span := tracer.Start(ctx, "forge.PublishFix",
		trace.WithAttributes(
			attribute.String("forge.provider", string(p.client.Provider())),
			attribute.String("forge.repo", p.client.RepoPath()),
			attribute.String("forge.file", req.FilePath),
			attribute.String("forge.branch", branch),
		),
	)
	defer span.End()

	ref, err := p.publish(ctx, req, branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("forge.pr_number", ref.Number))
	return ref, nil
}

func (p *Publisher) publish(ctx context.Context, req FixRequest, branch string) (*ChangeRequestRef, error) {
	baseSHA, err := p.client.GetBranchSHA(ctx, req.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve base branch %s: %w", req.BaseBranch, err)
	}

	file, err := p.client.GetFile(ctx, req.FilePath, req.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.FilePath, err)
	}

	result, err := patch.ApplyDetailed(file.Content, req.OriginalCode, req.SuggestedCode)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", req.FilePath, err)
	}
	logx.Debug(ctx, "forge", "patched %s at line %d (%s, %d lines)", req.FilePath, result.StartLine, result.Method, result.LinesReplaced)

	if err := p.client.CreateBranch(ctx, branch, baseSHA); err != nil {
		if !errors.Is(err, ErrBranchExists) {
			return nil, fmt.Errorf("create branch %s: %w", branch, err)
		}
		p.logger.Info("Branch %s already exists, reusing it", branch)
	}

	err = p.client.UpdateFile(ctx, FileUpdate{
		Path:    req.FilePath,
		Content: result.Text,
		SHA:     file.SHA,
		Branch:  branch,
		Message: "Darwin: " + req.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("commit %s to %s: %w", req.FilePath, branch, err)
	}

	pr, err := p.client.CreatePR(ctx, PRCreateOptions{
		Title: req.Title,
		Body:  req.Body,
		Head:  branch,
		Base:  req.BaseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("open pull request from %s: %w", branch, err)
	}
	p.logger.Info("Created PR #%d: %s", pr.Number, pr.URL)

	if len(req.Labels) > 0 {
		if err := p.client.AddLabels(ctx, pr.Number, req.Labels); err != nil {
			p.logger.Warn("Failed to label PR #%d: %v", pr.Number, err)
		}
	}

	return &ChangeRequestRef{
		Number:     pr.Number,
		URL:        pr.URL,
		BranchName: branch,
		BaseSHA:    baseSHA,
		Method:     result.Method,
	}, nil
}

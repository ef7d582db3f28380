// Package remediation turns approved issues into pull requests.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"darwin/pkg/forge"
	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/patch"
	"darwin/pkg/persistence"
)

// candidateWindow bounds how many approved issues one pass inspects while skipping issues it
// cannot publish.
const candidateWindow = 20

// Options configure an Engineer.
type Options struct {
	// BaseBranch is the branch pull requests target. Defaults to "main".
	BaseBranch string
	// Labels override forge.DefaultLabels when non-nil.
	Labels []string
}

// Outcome reports what one remediation pass did.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Outcome struct {
	// Issue is the issue acted on, nil when nothing was eligible.
	Issue *persistence.Issue
	// Task is the task that carried the fix, when the task queue is enabled.
	Task          *persistence.Task
	ChangeRequest *persistence.ChangeRequest
	// Skipped lists issues passed over because their fix was malformed.
	Skipped []*MalformedFixError
	// Unpatched lists issues whose fix did not apply to the file on the base branch.
	Unpatched []*UnpatchedError
	// Duplicates lists issues passed over because a pull request is already recorded for them.
	Duplicates []*AlreadyPublishedError
}

// Published reports whether the pass opened a pull request.
func (o *Outcome) Published() bool {
	return o != nil && o.ChangeRequest != nil
}

// Engineer applies recommended fixes through a forge publisher.
type Engineer struct {
	controller *lifecycle.Controller
	publisher  *forge.Publisher
	logger     *logx.Logger
	opts       Options
}

// NewEngineer creates an engineer.
func NewEngineer(controller *lifecycle.Controller, publisher *forge.Publisher, opts Options) *Engineer {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	return &Engineer{
		controller: controller,
		publisher:  publisher,
		logger:     logx.NewLogger("engineer"),
		opts:       opts,
	}
}

type candidate struct {
	issue *persistence.Issue
	task  *persistence.Task
	fix   persistence.RecommendedFix
}

// Remediate publishes at most one fix. Candidates are the pending tasks when the task queue is
// enabled, otherwise the remediable issues, most urgent first. Issues with malformed fixes, issues
// that already have a pull request, and issues whose snippet is not found in the live file are
// reported in the outcome and the pass moves on to the next candidate. Any other publish failure
// ends the pass and leaves the issue as it was, so the next pass retries it.
//
// The returned error is non-nil when nothing was published and at least one candidate failed.
func (e *Engineer) Remediate(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}

	var (
		candidates []*candidate
		err        error
	)
	if e.controller.Options().TaskQueue {
		candidates, err = e.taskCandidates(ctx, out)
	} else {
		candidates, err = e.issueCandidates(ctx, out)
	}
	if err != nil {
		return out, err
	}

	for _, c := range candidates {
		existing, err := e.existingChangeRequest(ctx, c.issue.ID)
		if err != nil {
			return out, err
		}
		if existing != nil {
			e.skipDuplicate(ctx, out, c, existing)
			continue
		}

		cr, err := e.publish(ctx, c)
		if err == nil {
			out.Issue, out.Task, out.ChangeRequest = c.issue, c.task, cr
			return out, nil
		}
		if !unpatchable(err) {
			out.Issue, out.Task = c.issue, c.task
			return out, err
		}
		e.logger.Warn("Issue %s: fix does not apply, trying the next candidate: %v", c.issue.ID, err)
		out.Unpatched = append(out.Unpatched, &UnpatchedError{IssueID: c.issue.ID, Err: err})
	}

	if len(out.Unpatched) > 0 {
		errs := make([]error, len(out.Unpatched))
		for i, u := range out.Unpatched {
			errs[i] = u
		}
		return out, errors.Join(errs...)
	}
	if len(candidates) == 0 {
		e.logger.Info("No approved issues to remediate")
	}
	return out, nil
}

// unpatchable reports publish failures tied to the fix itself rather than to the forge.
func unpatchable(err error) bool {
	return errors.Is(err, patch.ErrNoMatch) || errors.Is(err, forge.ErrFileNotFound)
}

// RemediateIssue publishes the primary fix of one issue regardless of queue order.
func (e *Engineer) RemediateIssue(ctx context.Context, issueID string) (*Outcome, error) {
	issue, err := e.controller.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	remediable := lifecycle.RemediableStatuses(e.controller.Options().AllowUnapproved)
	if !persistence.Contains(remediable, issue.Status) {
		return nil, &lifecycle.InvalidTransitionError{
			Entity:    "issue",
			ID:        issue.ID,
			Current:   string(issue.Status),
			Attempted: string(persistence.IssueStatusPRCreated),
		}
	}

	out := &Outcome{Issue: issue}
	existing, err := e.existingChangeRequest(ctx, issue.ID)
	if err != nil {
		return out, err
	}
	if existing != nil {
		dup := &AlreadyPublishedError{IssueID: issue.ID, Number: existing.Number, URL: existing.URL}
		out.Duplicates = append(out.Duplicates, dup)
		return out, dup
	}

	fix, ok := issue.RecommendedFixes.Primary()
	if err := validateFix(issue.ID, fix, ok); err != nil {
		var malformed *MalformedFixError
		errors.As(err, &malformed)
		out.Skipped = append(out.Skipped, malformed)
		return out, err
	}

	c := &candidate{issue: issue, fix: fix}
	if issue.TaskID != "" {
		if task, err := e.controller.GetTask(ctx, issue.TaskID); err == nil &&
			lifecycle.IsValidTaskTransition(task.Status, persistence.TaskStatusCompleted) {
			c.task = task
		}
	}
	cr, err := e.publish(ctx, c)
	if err != nil {
		return out, err
	}
	out.Task = c.task
	out.ChangeRequest = cr
	return out, nil
}

func (e *Engineer) issueCandidates(ctx context.Context, out *Outcome) ([]*candidate, error) {
	issues, err := e.controller.ApprovedIssues(ctx, candidateWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved issues: %w", err)
	}
	var candidates []*candidate
	for _, issue := range issues {
		fix, ok := issue.RecommendedFixes.Primary()
		if err := validateFix(issue.ID, fix, ok); err != nil {
			e.skip(ctx, out, err)
			continue
		}
		candidates = append(candidates, &candidate{issue: issue, fix: fix})
	}
	return candidates, nil
}

func (e *Engineer) taskCandidates(ctx context.Context, out *Outcome) ([]*candidate, error) {
	tasks, err := e.controller.PendingTasks(ctx, candidateWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	remediable := lifecycle.RemediableStatuses(e.controller.Options().AllowUnapproved)
	var candidates []*candidate
	for _, task := range tasks {
		issue, err := e.controller.GetIssue(ctx, task.IssueID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				e.logger.Warn("Task %s references missing issue %s", task.ID, task.IssueID)
				continue
			}
			return nil, err
		}
		if !persistence.Contains(remediable, issue.Status) {
			e.logger.Warn("Task %s: issue %s is %s, not remediable", task.ID, issue.ID, issue.Status)
			continue
		}

		fix := fixFromTask(task, issue)
		if err := validateFix(issue.ID, fix, true); err != nil {
			e.skip(ctx, out, err)
			continue
		}
		candidates = append(candidates, &candidate{issue: issue, task: task, fix: fix})
	}
	return candidates, nil
}

// existingChangeRequest returns the change request already recorded for issueID, if any.
func (e *Engineer) existingChangeRequest(ctx context.Context, issueID string) (*persistence.ChangeRequest, error) {
	crs, err := e.controller.ListChangeRequests(ctx, &persistence.ChangeRequestFilter{IssueID: &issueID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to look up pull requests for issue %s: %w", issueID, err)
	}
	if len(crs) == 0 {
		return nil, nil
	}
	return crs[0], nil
}

// skipDuplicate reports an issue that already has a PR. Its pending task, if any, is cancelled
// so it does not come back every pass.
func (e *Engineer) skipDuplicate(ctx context.Context, out *Outcome, c *candidate, existing *persistence.ChangeRequest) {
	dup := &AlreadyPublishedError{IssueID: c.issue.ID, Number: existing.Number, URL: existing.URL}
	e.logger.Warn("Skipping issue %s: already published as PR #%d", c.issue.ID, existing.Number)
	e.controller.LogActivity(ctx, "engineer", "warning", c.issue.ID, "Skipped: already published as %s", existing.URL)
	if c.task != nil {
		if err := e.controller.CancelTask(ctx, c.task.ID); err != nil {
			e.logger.Warn("Task %s not cancelled: %v", c.task.ID, err)
		}
	}
	out.Duplicates = append(out.Duplicates, dup)
}

func (e *Engineer) skip(ctx context.Context, out *Outcome, err error) {
	var malformed *MalformedFixError
	if !errors.As(err, &malformed) {
		return
	}
	e.logger.Warn("Skipping issue %s: %s", malformed.IssueID, malformed.Reason)
	e.controller.LogActivity(ctx, "engineer", "warning", malformed.IssueID, "Skipped: %s", malformed.Reason)
	out.Skipped = append(out.Skipped, malformed)
}

func (e *Engineer) publish(ctx context.Context, c *candidate) (*persistence.ChangeRequest, error) {
	issue, fix := c.issue, c.fix
	e.logger.Info("Remediating issue %s: %s", issue.ID, issue.Title)

	startLine := 1
	if fix.LineStart != nil {
		startLine = *fix.LineStart
	}
	diff, err := patch.UnifiedDiff(fix.FilePath, startLine, fix.OriginalCode, fix.SuggestedCode)
	if err != nil {
		e.logger.Warn("Issue %s: diff not rendered: %v", issue.ID, err)
		diff = ""
	}
	body, err := RenderPRBody(issue, &fix, diff)
	if err != nil {
		return nil, err
	}

	title := PRTitle(issue, &fix)
	ref, err := e.publisher.PublishFix(ctx, forge.FixRequest{
		FilePath:      fix.FilePath,
		OriginalCode:  fix.OriginalCode,
		SuggestedCode: fix.SuggestedCode,
		Title:         title,
		Body:          body,
		BaseBranch:    e.opts.BaseBranch,
		Labels:        e.opts.Labels,
	})
	if err != nil {
		e.controller.LogActivity(ctx, "engineer", "error", issue.ID, "Publish failed: %v", err)
		return nil, fmt.Errorf("issue %s: %w", issue.ID, err)
	}

	cr := &persistence.ChangeRequest{
		IssueID:    issue.ID,
		Number:     ref.Number,
		URL:        ref.URL,
		BranchName: ref.BranchName,
		FilePath:   fix.FilePath,
		Title:      title,
	}
	if c.task != nil {
		cr.TaskID = c.task.ID
	}
	if err := e.controller.RecordChangeRequest(ctx, cr); err != nil {
		e.controller.LogActivity(ctx, "engineer", "error", issue.ID, "PR #%d opened but not recorded: %v", ref.Number, err)
		return nil, fmt.Errorf("issue %s: PR %s opened but not recorded: %w", issue.ID, ref.URL, err)
	}
	e.controller.LogActivity(ctx, "engineer", "info", issue.ID, "Created PR #%d: %s (%s match)", ref.Number, ref.URL, ref.Method)
	return cr, nil
}

// validateFix rejects fixes the patch engine cannot act on.
func validateFix(issueID string, fix persistence.RecommendedFix, present bool) error {
	var reason string
	switch {
	case !present:
		reason = "no recommended fix"
	case strings.TrimSpace(fix.FilePath) == "":
		reason = "missing file_path"
	case strings.TrimSpace(fix.OriginalCode) == "":
		reason = "missing original_code"
	case strings.TrimSpace(fix.SuggestedCode) == "":
		reason = "missing suggested_code"
	case fix.OriginalCode == fix.SuggestedCode:
		reason = "suggested_code is identical to original_code"
	default:
		return nil
	}
	return &MalformedFixError{IssueID: issueID, Reason: reason}
}

// fixFromTask rebuilds the fix from a task so edits made to the task are honored.
func fixFromTask(task *persistence.Task, issue *persistence.Issue) persistence.RecommendedFix {
	fix, _ := issue.RecommendedFixes.Primary()
	fix.FilePath = task.FilePath
	fix.OriginalCode = task.OriginalCode
	fix.SuggestedCode = task.RecommendedFix
	if task.Title != "" {
		fix.Title = task.Title
	}
	if task.Description != "" {
		fix.Description = task.Description
	}
	return fix
}

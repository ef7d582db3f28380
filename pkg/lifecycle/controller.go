package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"darwin/pkg/logx"
	"darwin/pkg/persistence"
)

// Options select optional lifecycle behavior.
type Options struct {
	// AllowUnapproved lets remediation publish a diagnosed issue without review.
	AllowUnapproved bool
	// TaskQueue creates a pending task on approval and routes remediation through it.
	TaskQueue bool
}

// Controller owns every status change of signals, issues and tasks.
type Controller struct {
	store  persistence.Store
	logger *logx.Logger
	now    func() time.Time
	opts   Options
}

// NewController creates a controller over store.
func NewController(store persistence.Store, opts Options) *Controller {
	return &Controller{
		store:  store,
		logger: logx.NewLogger("lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
		opts:   opts,
	}
}

// WithClock replaces the time source used for timestamps.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Options returns the controller's options.
func (c *Controller) Options() Options {
	return c.opts
}

// Store returns the underlying record store.
func (c *Controller) Store() persistence.Store {
	return c.store
}

// RecordSignal stores a newly detected signal. An open signal of the same type on the same
// page and element suppresses the new one; recorded is false in that case.
func (c *Controller) RecordSignal(ctx context.Context, signal *persistence.Signal) (recorded bool, err error) {
	unprocessed := false
	open, err := c.store.ListSignals(ctx, &persistence.SignalFilter{
		Type:      &signal.Type,
		Page:      &signal.Page,
		Element:   &signal.Element,
		Processed: &unprocessed,
		Limit:     1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate signal: %w", err)
	}
	if len(open) > 0 {
		logx.Debug(ctx, "lifecycle", "signal %s on %s already open as %s", signal.Type, signal.Page, open[0].ID)
		return false, nil
	}

	signal.Status = persistence.SignalStatusNew
	signal.Processed = false
	signal.IssueID = ""
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = c.now()
	}
	if err := c.store.InsertSignal(ctx, signal); err != nil {
		return false, err
	}
	c.logger.Info("Recorded %s signal %s on %s (%s)", signal.Severity, signal.ID, signal.Page, signal.Type)
	return true, nil
}

// RecordDiagnosis stores issue for signalID and marks the signal analyzed and processed.
//
// The signal is claimed first so two diagnosers cannot both produce an issue for it. If the
// issue insert then fails, the signal stays processed with no issue; stages are resumable,
// not atomic across records.
func (c *Controller) RecordDiagnosis(ctx context.Context, signalID string, issue *persistence.Issue) (*persistence.Issue, error) {
	issue.SignalID = signalID
	issue.Status = persistence.IssueStatusDiagnosed
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = c.now()
	}
	if err := persistence.PrepareIssue(issue, c.now()); err != nil {
		return nil, err
	}

	previous, err := c.store.TransitionSignal(ctx, &persistence.SignalTransition{
		ID:            signalID,
		From:          signalPredecessors[persistence.SignalStatusAnalyzed],
		To:            persistence.SignalStatusAnalyzed,
		MarkProcessed: true,
		IssueID:       issue.ID,
	})
	if err != nil {
		return nil, translate(err, "signal", signalID, previous, persistence.SignalStatusAnalyzed)
	}

	if err := c.store.InsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("signal %s processed but issue not stored: %w", signalID, err)
	}
	c.logger.Info("Diagnosed signal %s as issue %s: %s", signalID, issue.ID, issue.Title)
	return issue, nil
}

// DismissSignal closes a signal without diagnosis. It is marked processed.
func (c *Controller) DismissSignal(ctx context.Context, id string) error {
	previous, err := c.store.TransitionSignal(ctx, &persistence.SignalTransition{
		ID:            id,
		From:          signalPredecessors[persistence.SignalStatusDismissed],
		To:            persistence.SignalStatusDismissed,
		MarkProcessed: true,
	})
	if err != nil {
		return translate(err, "signal", id, previous, persistence.SignalStatusDismissed)
	}
	c.logger.Info("Dismissed signal %s", id)
	return nil
}

// Approve moves an issue from diagnosed or rejected to approved and stamps approved_at.
// With the task queue enabled a pending task is created from the issue's primary fix.
func (c *Controller) Approve(ctx context.Context, id, approver string) (*persistence.Issue, error) {
	now := c.now()
	previous, err := c.store.TransitionIssue(ctx, &persistence.IssueTransition{
		ID:         id,
		From:       ReviewableStatuses(),
		To:         persistence.IssueStatusApproved,
		ApprovedAt: &now,
	})
	if err != nil {
		return nil, translate(err, "issue", id, previous, persistence.IssueStatusApproved)
	}
	c.logger.Info("Approved issue %s (was %s)", id, previous)

	if c.opts.TaskQueue {
		if err := c.createTask(ctx, id, approver, now); err != nil {
			return nil, err
		}
	}
	return c.store.GetIssue(ctx, id)
}

func (c *Controller) createTask(ctx context.Context, issueID, approver string, approvedAt time.Time) error {
	issue, err := c.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	fix, ok := issue.RecommendedFixes.Primary()
	if !ok {
		c.logger.Warn("Issue %s approved without a recommended fix, no task created", issueID)
		return nil
	}

	pending := persistence.TaskStatusPending
	existing, err := c.store.ListTasks(ctx, &persistence.TaskFilter{Status: &pending, IssueID: &issueID, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	task := &persistence.Task{
		IssueID:        issueID,
		SignalID:       issue.SignalID,
		Title:          firstNonEmpty(fix.Title, issue.Title),
		Description:    firstNonEmpty(fix.Description, issue.Description),
		Priority:       issue.Priority,
		FilePath:       firstNonEmpty(fix.FilePath, issue.FilePath),
		LineRange:      issue.LineRange,
		OriginalCode:   fix.OriginalCode,
		RecommendedFix: fix.SuggestedCode,
		ApprovedBy:     approver,
		ApprovedAt:     &approvedAt,
		CreatedAt:      approvedAt,
	}
	if err := c.store.InsertTask(ctx, task); err != nil {
		return fmt.Errorf("issue %s approved but task not created: %w", issueID, err)
	}

	// approved -> approved keeps the guard while linking the task
	if _, err := c.store.TransitionIssue(ctx, &persistence.IssueTransition{
		ID:     issueID,
		From:   []persistence.IssueStatus{persistence.IssueStatusApproved},
		To:     persistence.IssueStatusApproved,
		TaskID: &task.ID,
	}); err != nil {
		return fmt.Errorf("issue %s: failed to link task %s: %w", issueID, task.ID, err)
	}
	c.logger.Info("Created task %s for issue %s", task.ID, issueID)
	return nil
}

// Reject moves an issue to rejected from any status, stamping rejected_at and storing reason.
// Rejecting twice leaves the most recent reason. Pending or in-progress tasks are cancelled.
func (c *Controller) Reject(ctx context.Context, id, reason string) (*persistence.Issue, error) {
	now := c.now()
	previous, err := c.store.TransitionIssue(ctx, &persistence.IssueTransition{
		ID:              id,
		To:              persistence.IssueStatusRejected,
		RejectedAt:      &now,
		RejectionReason: &reason,
	})
	if err != nil {
		return nil, translate(err, "issue", id, previous, persistence.IssueStatusRejected)
	}
	c.logger.Info("Rejected issue %s (was %s): %s", id, previous, reason)

	tasks, err := c.store.ListTasks(ctx, &persistence.TaskFilter{IssueID: &id})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if !IsValidTaskTransition(task.Status, persistence.TaskStatusCancelled) {
			continue
		}
		if err := c.CancelTask(ctx, task.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	}
	return c.store.GetIssue(ctx, id)
}

// MarkPRCreated moves an issue to pr_created and records the pull request URL.
// Approved issues qualify; diagnosed ones too when unapproved remediation is allowed.
func (c *Controller) MarkPRCreated(ctx context.Context, id, prURL string) error {
	previous, err := c.store.TransitionIssue(ctx, &persistence.IssueTransition{
		ID:    id,
		From:  RemediableStatuses(c.opts.AllowUnapproved),
		To:    persistence.IssueStatusPRCreated,
		PRURL: &prURL,
	})
	if err != nil {
		return translate(err, "issue", id, previous, persistence.IssueStatusPRCreated)
	}
	return nil
}

// RecordChangeRequest marks the issue pr_created, stores cr, and completes the task that
// produced it, if any. At most one change request exists per issue.
func (c *Controller) RecordChangeRequest(ctx context.Context, cr *persistence.ChangeRequest) error {
	if err := persistence.PrepareChangeRequest(cr, c.now()); err != nil {
		return err
	}
	if err := c.MarkPRCreated(ctx, cr.IssueID, cr.URL); err != nil {
		return err
	}
	if err := c.store.InsertChangeRequest(ctx, cr); err != nil {
		return fmt.Errorf("issue %s marked pr_created but PR #%d not recorded: %w", cr.IssueID, cr.Number, err)
	}

	if cr.TaskID != "" {
		completed := c.now()
		previous, err := c.store.TransitionTask(ctx, &persistence.TaskTransition{
			ID:          cr.TaskID,
			From:        taskPredecessors[persistence.TaskStatusCompleted],
			To:          persistence.TaskStatusCompleted,
			PRURL:       &cr.URL,
			PRNumber:    &cr.Number,
			BranchName:  &cr.BranchName,
			CompletedAt: &completed,
		})
		if err != nil {
			return translate(err, "task", cr.TaskID, previous, persistence.TaskStatusCompleted)
		}
	}
	c.logger.Info("Recorded PR #%d for issue %s: %s", cr.Number, cr.IssueID, cr.URL)
	return nil
}

// StartTask moves a pending task to in_progress.
func (c *Controller) StartTask(ctx context.Context, id string) error {
	previous, err := c.store.TransitionTask(ctx, &persistence.TaskTransition{
		ID:   id,
		From: taskPredecessors[persistence.TaskStatusInProgress],
		To:   persistence.TaskStatusInProgress,
	})
	if err != nil {
		return translate(err, "task", id, previous, persistence.TaskStatusInProgress)
	}
	return nil
}

// CancelTask moves a pending or in-progress task to cancelled.
func (c *Controller) CancelTask(ctx context.Context, id string) error {
	previous, err := c.store.TransitionTask(ctx, &persistence.TaskTransition{
		ID:   id,
		From: taskPredecessors[persistence.TaskStatusCancelled],
		To:   persistence.TaskStatusCancelled,
	})
	if err != nil {
		return translate(err, "task", id, previous, persistence.TaskStatusCancelled)
	}
	c.logger.Info("Cancelled task %s", id)
	return nil
}

// UnprocessedSignals returns new, unprocessed signals, most severe first, then oldest first.
func (c *Controller) UnprocessedSignals(ctx context.Context, limit int) ([]*persistence.Signal, error) {
	status := persistence.SignalStatusNew
	processed := false
	return c.store.ListSignals(ctx, &persistence.SignalFilter{
		Status:    &status,
		Processed: &processed,
		Limit:     limit,
		Triage:    true,
	})
}

// PendingTasks returns pending tasks, most urgent first, then oldest first.
func (c *Controller) PendingTasks(ctx context.Context, limit int) ([]*persistence.Task, error) {
	status := persistence.TaskStatusPending
	return c.store.ListTasks(ctx, &persistence.TaskFilter{Status: &status, Limit: limit, Triage: true})
}

// PendingReview returns diagnosed issues in the order the review gate presents them.
func (c *Controller) PendingReview(ctx context.Context, limit int) ([]*persistence.Issue, error) {
	status := persistence.IssueStatusDiagnosed
	return c.store.ListIssues(ctx, &persistence.IssueFilter{Status: &status, Limit: limit, Triage: true})
}

// ApprovedIssues returns issues remediation may act on, most urgent first.
// Diagnosed issues are included only when unapproved remediation is allowed.
func (c *Controller) ApprovedIssues(ctx context.Context, limit int) ([]*persistence.Issue, error) {
	return c.store.ListIssues(ctx, &persistence.IssueFilter{
		Statuses: RemediableStatuses(c.opts.AllowUnapproved),
		Limit:    limit,
		Triage:   true,
	})
}

// GetSignal returns one signal.
func (c *Controller) GetSignal(ctx context.Context, id string) (*persistence.Signal, error) {
	return c.store.GetSignal(ctx, id)
}

// GetIssue returns one issue.
func (c *Controller) GetIssue(ctx context.Context, id string) (*persistence.Issue, error) {
	return c.store.GetIssue(ctx, id)
}

// GetTask returns one task.
func (c *Controller) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return c.store.GetTask(ctx, id)
}

// ListSignals returns signals matching filter.
func (c *Controller) ListSignals(ctx context.Context, filter *persistence.SignalFilter) ([]*persistence.Signal, error) {
	return c.store.ListSignals(ctx, filter)
}

// ListIssues returns issues matching filter.
func (c *Controller) ListIssues(ctx context.Context, filter *persistence.IssueFilter) ([]*persistence.Issue, error) {
	return c.store.ListIssues(ctx, filter)
}

// ListTasks returns tasks matching filter.
func (c *Controller) ListTasks(ctx context.Context, filter *persistence.TaskFilter) ([]*persistence.Task, error) {
	return c.store.ListTasks(ctx, filter)
}

// ListChangeRequests returns change requests matching filter.
func (c *Controller) ListChangeRequests(ctx context.Context, filter *persistence.ChangeRequestFilter) ([]*persistence.ChangeRequest, error) {
	return c.store.ListChangeRequests(ctx, filter)
}

// Stats summarizes the store.
func (c *Controller) Stats(ctx context.Context) (*persistence.Stats, error) {
	return c.store.Stats(ctx)
}

// ListAgentLogs returns the most recent activity lines, newest first.
func (c *Controller) ListAgentLogs(ctx context.Context, limit int) ([]*persistence.AgentLog, error) {
	return c.store.ListAgentLogs(ctx, limit)
}

// LogActivity persists an agent log line. Failures are logged, never returned.
func (c *Controller) LogActivity(ctx context.Context, agent, level, recordID, format string, args ...any) {
	entry := &persistence.AgentLog{
		Agent:     agent,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		RecordID:  recordID,
		CreatedAt: c.now(),
	}
	if err := c.store.InsertAgentLog(ctx, entry); err != nil {
		c.logger.Warn("Failed to persist %s log: %v", agent, err)
	}
}

// translate turns a store status conflict into an InvalidTransitionError carrying the
// record's current status. Other errors pass through.
func translate[T ~string](err error, entity, id string, current, attempted T) error {
	if errors.Is(err, persistence.ErrStatusConflict) {
		return invalidTransition(entity, id, current, attempted)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darwin/pkg/persistence"
)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "darwin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewController(store, opts).WithClock(clock.now)
}

func newSignal(severity persistence.Severity, page string) *persistence.Signal {
	return &persistence.Signal{
		Type:          persistence.SignalRageClick,
		Severity:      severity,
		Title:         "Rage clicks on " + page,
		MetricName:    "rage_click_count",
		MetricValue:   25,
		Confidence:    0.8,
		Page:          page,
		Element:       "button.submit",
		AffectedUsers: 12,
		SessionCount:  40,
	}
}

func newDiagnosis() *persistence.Issue {
	return &persistence.Issue{
		Title:      "Submit button ignores clicks while loading",
		Priority:   persistence.PriorityHigh,
		Severity:   persistence.SeverityHigh,
		RootCause:  "The handler returns early when a request is in flight",
		Confidence: 0.7,
		RecommendedFixes: persistence.Fixes{{
			Title:         "Show a spinner",
			FilePath:      "src/checkout.ts",
			OriginalCode:  "if (busy) return;",
			SuggestedCode: "if (busy) { showSpinner(); return; }",
			Confidence:    0.7,
		}},
	}
}

func diagnosedIssue(t *testing.T, c *Controller, page string) *persistence.Issue {
	t.Helper()
	ctx := context.Background()
	signal := newSignal(persistence.SeverityHigh, page)
	recorded, err := c.RecordSignal(ctx, signal)
	require.NoError(t, err)
	require.True(t, recorded)

	issue, err := c.RecordDiagnosis(ctx, signal.ID, newDiagnosis())
	require.NoError(t, err)
	return issue
}

func TestIssueTransitionTable(t *testing.T) {
	all := persistence.ValidIssueStatuses()
	for _, from := range all {
		wantApprove := from == persistence.IssueStatusDiagnosed || from == persistence.IssueStatusRejected
		assert.Equal(t, wantApprove, IsValidIssueTransition(from, persistence.IssueStatusApproved, false), "approve from %s", from)
		assert.True(t, IsValidIssueTransition(from, persistence.IssueStatusRejected, false), "reject from %s", from)

		assert.Equal(t, from == persistence.IssueStatusApproved,
			IsValidIssueTransition(from, persistence.IssueStatusPRCreated, false), "pr_created from %s", from)
		wantPermissive := from == persistence.IssueStatusApproved || from == persistence.IssueStatusDiagnosed
		assert.Equal(t, wantPermissive,
			IsValidIssueTransition(from, persistence.IssueStatusPRCreated, true), "permissive pr_created from %s", from)
	}
	assert.False(t, IsValidIssueTransition(persistence.IssueStatusDiagnosed, persistence.IssueStatusResolved, false))

	assert.True(t, IsValidSignalTransition(persistence.SignalStatusNew, persistence.SignalStatusAnalyzed))
	assert.False(t, IsValidSignalTransition(persistence.SignalStatusDismissed, persistence.SignalStatusAnalyzed))
	assert.True(t, IsValidTaskTransition(persistence.TaskStatusInProgress, persistence.TaskStatusCompleted))
	assert.False(t, IsValidTaskTransition(persistence.TaskStatusCompleted, persistence.TaskStatusCancelled))
}

func TestRecordSignalSuppressesOpenDuplicates(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	recorded, err := c.RecordSignal(ctx, newSignal(persistence.SeverityHigh, "/checkout"))
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = c.RecordSignal(ctx, newSignal(persistence.SeverityCritical, "/checkout"))
	require.NoError(t, err)
	assert.False(t, recorded, "open signal on the same page and element must suppress the new one")

	other := newSignal(persistence.SeverityHigh, "/checkout")
	other.Element = ""
	recorded, err = c.RecordSignal(ctx, other)
	require.NoError(t, err)
	assert.True(t, recorded)

	signals, err := c.UnprocessedSignals(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, signals, 2)
}

func TestUnprocessedSignalOrdering(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	for _, s := range []struct {
		severity persistence.Severity
		page     string
	}{
		{persistence.SeverityLow, "/a"},
		{persistence.SeverityCritical, "/b"},
		{persistence.SeverityHigh, "/c"},
	} {
		_, err := c.RecordSignal(ctx, newSignal(s.severity, s.page))
		require.NoError(t, err)
	}

	signals, err := c.UnprocessedSignals(ctx, 0)
	require.NoError(t, err)
	require.Len(t, signals, 3)
	assert.Equal(t, persistence.SeverityCritical, signals[0].Severity)
	assert.Equal(t, persistence.SeverityHigh, signals[1].Severity)
	assert.Equal(t, persistence.SeverityLow, signals[2].Severity)
}

func TestRecordDiagnosis(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	signal := newSignal(persistence.SeverityHigh, "/checkout")
	_, err := c.RecordSignal(ctx, signal)
	require.NoError(t, err)

	issue, err := c.RecordDiagnosis(ctx, signal.ID, newDiagnosis())
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusDiagnosed, issue.Status)
	assert.Equal(t, signal.ID, issue.SignalID)

	stored, err := c.Store().GetSignal(ctx, signal.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, persistence.SignalStatusAnalyzed, stored.Status)
	assert.Equal(t, issue.ID, stored.IssueID)

	unprocessed, err := c.UnprocessedSignals(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// A second diagnosis of the same signal loses.
	_, err = c.RecordDiagnosis(ctx, signal.ID, newDiagnosis())
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "analyzed", invalid.Current)

	issues, err := c.ListIssues(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, issues, 1)
}

func TestRecordDiagnosisRejectsInvalidIssue(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	signal := newSignal(persistence.SeverityHigh, "/checkout")
	_, err := c.RecordSignal(ctx, signal)
	require.NoError(t, err)

	bad := newDiagnosis()
	bad.Title = ""
	_, err = c.RecordDiagnosis(ctx, signal.ID, bad)
	require.ErrorIs(t, err, persistence.ErrInvalidRecord)

	// The signal is not consumed by a rejected diagnosis.
	stored, err := c.Store().GetSignal(ctx, signal.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
}

func TestDismissSignal(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	signal := newSignal(persistence.SeverityLow, "/faq")
	_, err := c.RecordSignal(ctx, signal)
	require.NoError(t, err)

	require.NoError(t, c.DismissSignal(ctx, signal.ID))
	stored, err := c.Store().GetSignal(ctx, signal.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, persistence.SignalStatusDismissed, stored.Status)

	err = c.DismissSignal(ctx, signal.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = c.DismissSignal(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestApprove(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()
	issue := diagnosedIssue(t, c, "/checkout")

	approved, err := c.Approve(ctx, issue.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	// approved is not a reviewable status
	_, err = c.Approve(ctx, issue.ID, "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "approved", invalid.Current)
	assert.Equal(t, "issue "+issue.ID+": cannot move from approved to approved", err.Error())

	_, err = c.Approve(ctx, "missing", "alice")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestApproveGuardLeavesStatusUnchanged(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()
	issue := diagnosedIssue(t, c, "/checkout")

	_, err := c.Approve(ctx, issue.ID, "")
	require.NoError(t, err)
	require.NoError(t, c.RecordChangeRequest(ctx, &persistence.ChangeRequest{
		IssueID:    issue.ID,
		Number:     7,
		URL:        "https://github.com/acme/web/pull/7",
		BranchName: "darwin/show-a-spinner-1",
		FilePath:   "src/checkout.ts",
	}))

	_, err = c.Approve(ctx, issue.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "cannot move from pr_created to approved")

	stored, err := c.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusPRCreated, stored.Status)
}

func TestRejectIsIdempotentAndReapprovable(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()
	issue := diagnosedIssue(t, c, "/checkout")

	rejected, err := c.Reject(ctx, issue.ID, "too risky")
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusRejected, rejected.Status)
	assert.Equal(t, "too risky", rejected.RejectionReason)
	require.NotNil(t, rejected.RejectedAt)

	rejected, err = c.Reject(ctx, issue.ID, "")
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusRejected, rejected.Status)
	assert.Equal(t, "", rejected.RejectionReason)

	approved, err := c.Approve(ctx, issue.ID, "")
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, approved.Status)

	_, err = c.Reject(ctx, "missing", "x")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestRecordChangeRequest(t *testing.T) {
	ctx := context.Background()
	cr := func(issueID string) *persistence.ChangeRequest {
		return &persistence.ChangeRequest{
			IssueID:    issueID,
			Number:     3,
			URL:        "https://github.com/acme/web/pull/3",
			BranchName: "darwin/show-a-spinner-1",
			FilePath:   "src/checkout.ts",
		}
	}

	t.Run("RequiresApproval", func(t *testing.T) {
		c := newTestController(t, Options{})
		issue := diagnosedIssue(t, c, "/checkout")

		err := c.RecordChangeRequest(ctx, cr(issue.ID))
		require.ErrorIs(t, err, ErrInvalidTransition)

		prs, err := c.ListChangeRequests(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, prs)
	})

	t.Run("Permissive", func(t *testing.T) {
		c := newTestController(t, Options{AllowUnapproved: true})
		issue := diagnosedIssue(t, c, "/checkout")

		remediable, err := c.ApprovedIssues(ctx, 0)
		require.NoError(t, err)
		require.Len(t, remediable, 1)

		require.NoError(t, c.RecordChangeRequest(ctx, cr(issue.ID)))
		stored, err := c.GetIssue(ctx, issue.ID)
		require.NoError(t, err)
		assert.Equal(t, persistence.IssueStatusPRCreated, stored.Status)
		assert.Equal(t, "https://github.com/acme/web/pull/3", stored.PRURL)
	})

	t.Run("OnePerIssue", func(t *testing.T) {
		c := newTestController(t, Options{})
		issue := diagnosedIssue(t, c, "/checkout")
		_, err := c.Approve(ctx, issue.ID, "")
		require.NoError(t, err)

		require.NoError(t, c.RecordChangeRequest(ctx, cr(issue.ID)))
		err = c.RecordChangeRequest(ctx, cr(issue.ID))
		require.ErrorIs(t, err, ErrInvalidTransition)

		prs, err := c.ListChangeRequests(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, prs, 1)
	})
}

func TestTaskQueue(t *testing.T) {
	c := newTestController(t, Options{TaskQueue: true})
	ctx := context.Background()
	issue := diagnosedIssue(t, c, "/checkout")

	approved, err := c.Approve(ctx, issue.ID, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, approved.TaskID)

	tasks, err := c.PendingTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, approved.TaskID, task.ID)
	assert.Equal(t, "src/checkout.ts", task.FilePath)
	assert.Equal(t, "if (busy) return;", task.OriginalCode)
	assert.Equal(t, "alice", task.ApprovedBy)

	require.NoError(t, c.StartTask(ctx, task.ID))
	assert.ErrorIs(t, c.StartTask(ctx, task.ID), ErrInvalidTransition)

	require.NoError(t, c.RecordChangeRequest(ctx, &persistence.ChangeRequest{
		IssueID:    issue.ID,
		TaskID:     task.ID,
		Number:     9,
		URL:        "https://github.com/acme/web/pull/9",
		BranchName: "darwin/show-a-spinner-9",
		FilePath:   task.FilePath,
	}))

	done, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCompleted, done.Status)
	assert.Equal(t, 9, done.PRNumber)
	assert.NotNil(t, done.CompletedAt)
}

func TestRejectCancelsPendingTask(t *testing.T) {
	c := newTestController(t, Options{TaskQueue: true})
	ctx := context.Background()
	issue := diagnosedIssue(t, c, "/checkout")

	approved, err := c.Approve(ctx, issue.ID, "")
	require.NoError(t, err)

	_, err = c.Reject(ctx, issue.ID, "changed my mind")
	require.NoError(t, err)

	task, err := c.GetTask(ctx, approved.TaskID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCancelled, task.Status)

	pending, err := c.PendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingReviewOrdering(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	low := diagnosedIssue(t, c, "/a")
	urgentSignal := newSignal(persistence.SeverityCritical, "/b")
	_, err := c.RecordSignal(ctx, urgentSignal)
	require.NoError(t, err)
	urgent := newDiagnosis()
	urgent.Priority = persistence.PriorityUrgent
	_, err = c.RecordDiagnosis(ctx, urgentSignal.ID, urgent)
	require.NoError(t, err)

	pending, err := c.PendingReview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, persistence.PriorityUrgent, pending[0].Priority)
	assert.Equal(t, low.ID, pending[1].ID)
}

func TestLogActivity(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	c.LogActivity(ctx, "watcher", "info", "", "recorded %d signals", 3)
	c.LogActivity(ctx, "engineer", "bogus", "", "invalid level is dropped")

	logs, err := c.Store().ListAgentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "recorded 3 signals", logs[0].Message)
}

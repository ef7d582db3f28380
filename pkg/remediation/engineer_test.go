package remediation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darwin/internal/mocks"
	"darwin/pkg/forge"
	"darwin/pkg/lifecycle"
	"darwin/pkg/patch"
	"darwin/pkg/persistence"
)

const checkoutSource = `package checkout

const MaxRetries = 1

func Pay() error { return charge(MaxRetries) }
`

type harness struct {
	controller *lifecycle.Controller
	forge      *mocks.MockForgeClient
	engineer   *Engineer
}

func newHarness(t *testing.T, opts lifecycle.Options) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "darwin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tick := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	controller := lifecycle.NewController(store, opts).WithClock(clock)
	client := mocks.NewMockForgeClient(map[string]string{"src/checkout.go": checkoutSource})
	publisher := forge.NewPublisher(client).WithClock(clock)
	return &harness{
		controller: controller,
		forge:      client,
		engineer:   NewEngineer(controller, publisher, Options{}),
	}
}

func retryFix() persistence.RecommendedFix {
	return persistence.RecommendedFix{
		Title:         "Raise checkout retry limit",
		Description:   "Retry the payment call three times",
		FilePath:      "src/checkout.go",
		OriginalCode:  "const MaxRetries = 1",
		SuggestedCode: "const MaxRetries = 3",
		Confidence:    0.8,
	}
}

// diagnose records a signal on page and an issue carrying fixes.
func (h *harness) diagnose(t *testing.T, page string, priority persistence.Priority, fixes ...persistence.RecommendedFix) *persistence.Issue {
	t.Helper()
	ctx := context.Background()
	signal := &persistence.Signal{
		Type:        persistence.SignalErrorSpike,
		Severity:    persistence.SeverityHigh,
		Title:       "Payment errors on " + page,
		MetricName:  "error_count",
		MetricValue: 40,
		Confidence:  0.9,
		Page:        page,
	}
	recorded, err := h.controller.RecordSignal(ctx, signal)
	require.NoError(t, err)
	require.True(t, recorded)

	issue, err := h.controller.RecordDiagnosis(ctx, signal.ID, &persistence.Issue{
		Title:            "Checkout retries give up too early on " + page,
		Priority:         priority,
		Severity:         persistence.SeverityHigh,
		Page:             page,
		RootCause:        "MaxRetries is set to 1",
		Confidence:       0.8,
		RecommendedFixes: fixes,
	})
	require.NoError(t, err)
	return issue
}

func (h *harness) approve(t *testing.T, page string, priority persistence.Priority, fixes ...persistence.RecommendedFix) *persistence.Issue {
	t.Helper()
	issue := h.diagnose(t, page, priority, fixes...)
	approved, err := h.controller.Approve(context.Background(), issue.ID, "tester")
	require.NoError(t, err)
	return approved
}

func TestRemediatePublishesApprovedIssue(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	issue := h.approve(t, "/checkout", persistence.PriorityHigh, retryFix())

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, out.Published())
	assert.Equal(t, issue.ID, out.Issue.ID)
	assert.Empty(t, out.Skipped)

	require.Len(t, h.forge.CreatePRCalls, 1)
	pr := h.forge.CreatePRCalls[0]
	assert.Equal(t, "Raise checkout retry limit", pr.Title)
	assert.Equal(t, "main", pr.Base)
	assert.True(t, strings.HasPrefix(pr.Head, forge.BranchPrefix))
	assert.Contains(t, pr.Body, "### Root Cause\nMaxRetries is set to 1")
	assert.Contains(t, pr.Body, "-const MaxRetries = 1\n+const MaxRetries = 3\n")

	content, ok := h.forge.File(pr.Head, "src/checkout.go")
	require.True(t, ok)
	assert.Contains(t, content, "const MaxRetries = 3")
	base, _ := h.forge.File("main", "src/checkout.go")
	assert.Equal(t, checkoutSource, base)

	stored, err := h.controller.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusPRCreated, stored.Status)
	assert.Equal(t, out.ChangeRequest.URL, stored.PRURL)

	crs, err := h.controller.ListChangeRequests(ctx, &persistence.ChangeRequestFilter{})
	require.NoError(t, err)
	require.Len(t, crs, 1)
	assert.Equal(t, persistence.ChangeRequestOpen, crs[0].Status)
	assert.Equal(t, pr.Head, crs[0].BranchName)
	assert.Equal(t, "src/checkout.go", crs[0].FilePath)
}

func TestRemediateNothingApproved(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	h.diagnose(t, "/checkout", persistence.PriorityUrgent, retryFix())

	out, err := h.engineer.Remediate(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Published())
	assert.Nil(t, out.Issue)
	assert.Empty(t, h.forge.GetBranchSHACalls)
}

func TestRemediateOneIssuePerPass(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	low := h.approve(t, "/cart", persistence.PriorityLow, retryFix())
	urgent := h.approve(t, "/checkout", persistence.PriorityUrgent, retryFix())

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, out.Issue.ID)
	assert.Len(t, h.forge.CreatePRCalls, 1)

	remaining, err := h.controller.GetIssue(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, remaining.Status)

	out, err = h.engineer.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, out.Issue.ID)
	assert.Len(t, h.forge.CreatePRCalls, 2)
}

func TestRemediateSkipsMalformedFixes(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()

	noSnippet := retryFix()
	noSnippet.OriginalCode = "  "
	broken := h.approve(t, "/checkout", persistence.PriorityUrgent, noSnippet)
	noFix := h.approve(t, "/cart", persistence.PriorityUrgent)
	good := h.approve(t, "/account", persistence.PriorityHigh, retryFix())

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, out.Published())
	assert.Equal(t, good.ID, out.Issue.ID)

	require.Len(t, out.Skipped, 2)
	reasons := map[string]string{}
	for _, s := range out.Skipped {
		assert.ErrorIs(t, s, ErrMalformedFix)
		reasons[s.IssueID] = s.Reason
	}
	assert.Equal(t, "missing original_code", reasons[broken.ID])
	assert.Equal(t, "no recommended fix", reasons[noFix.ID])

	stored, err := h.controller.GetIssue(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, stored.Status)
}

func TestRemediateUnmatchedSnippetLeavesIssueApproved(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	fix := retryFix()
	fix.OriginalCode = "const MaxRetries = 7"
	issue := h.approve(t, "/checkout", persistence.PriorityHigh, fix)

	out, err := h.engineer.Remediate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, patch.ErrNoMatch)
	assert.False(t, out.Published())
	assert.Empty(t, h.forge.CreateBranchCalls)

	stored, err := h.controller.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, stored.Status)

	crs, err := h.controller.ListChangeRequests(ctx, &persistence.ChangeRequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, crs)
}

func TestRemediateMovesPastUnmatchedSnippet(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	stale := retryFix()
	stale.OriginalCode = "const MaxRetries = 7"
	blocked := h.approve(t, "/checkout", persistence.PriorityHigh, stale)
	good := h.approve(t, "/cart", persistence.PriorityMedium, retryFix())

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, out.Published())
	assert.Equal(t, good.ID, out.Issue.ID)
	require.Len(t, out.Unpatched, 1)
	assert.Equal(t, blocked.ID, out.Unpatched[0].IssueID)
	assert.ErrorIs(t, out.Unpatched[0], patch.ErrNoMatch)
	assert.Len(t, h.forge.CreatePRCalls, 1)

	stored, err := h.controller.GetIssue(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusApproved, stored.Status)
	stored, err = h.controller.GetIssue(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueStatusPRCreated, stored.Status)
}

func TestRemediateReapprovedIssueIsNotPublishedTwice(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	issue := h.approve(t, "/checkout", persistence.PriorityHigh, retryFix())

	first, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, first.Published())

	_, err = h.controller.Reject(ctx, issue.ID, "reverted upstream")
	require.NoError(t, err)
	_, err = h.controller.Approve(ctx, issue.ID, "tester")
	require.NoError(t, err)

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	assert.False(t, out.Published())
	require.Len(t, out.Duplicates, 1)
	assert.Equal(t, issue.ID, out.Duplicates[0].IssueID)
	assert.Equal(t, first.ChangeRequest.URL, out.Duplicates[0].URL)
	assert.Len(t, h.forge.CreatePRCalls, 1)

	_, err = h.engineer.RemediateIssue(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrAlreadyPublished)
	assert.Len(t, h.forge.CreatePRCalls, 1)

	crs, err := h.controller.ListChangeRequests(ctx, &persistence.ChangeRequestFilter{IssueID: &issue.ID})
	require.NoError(t, err)
	assert.Len(t, crs, 1)
}

func TestRemediateForgeFailureIsRetriedNextPass(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	issue := h.approve(t, "/checkout", persistence.PriorityHigh, retryFix())

	create := h.forge.CreatePRFunc
	h.forge.CreatePRFunc = func(context.Context, forge.PRCreateOptions) (*forge.PullRequest, error) {
		return nil, forge.NewAPIError("create pull request", 401, []byte("Bad credentials"))
	}
	_, err := h.engineer.Remediate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, forge.ErrUnauthorized)

	h.forge.CreatePRFunc = create
	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, out.Published())
	assert.Equal(t, issue.ID, out.Issue.ID)
}

func TestRemediateDiagnosedRequiresPermissive(t *testing.T) {
	strict := newHarness(t, lifecycle.Options{})
	strict.diagnose(t, "/checkout", persistence.PriorityHigh, retryFix())
	out, err := strict.engineer.Remediate(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Published())

	permissive := newHarness(t, lifecycle.Options{AllowUnapproved: true})
	issue := permissive.diagnose(t, "/checkout", persistence.PriorityHigh, retryFix())
	out, err = permissive.engineer.Remediate(context.Background())
	require.NoError(t, err)
	require.True(t, out.Published())
	assert.Equal(t, issue.ID, out.Issue.ID)
}

func TestRemediateThroughTaskQueue(t *testing.T) {
	h := newHarness(t, lifecycle.Options{TaskQueue: true})
	ctx := context.Background()
	issue := h.approve(t, "/checkout", persistence.PriorityHigh, retryFix())
	require.NotEmpty(t, issue.TaskID)

	out, err := h.engineer.Remediate(ctx)
	require.NoError(t, err)
	require.True(t, out.Published())
	require.NotNil(t, out.Task)
	assert.Equal(t, issue.TaskID, out.Task.ID)
	assert.Equal(t, issue.TaskID, out.ChangeRequest.TaskID)

	task, err := h.controller.GetTask(ctx, issue.TaskID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCompleted, task.Status)
	assert.Equal(t, out.ChangeRequest.Number, task.PRNumber)
	assert.NotNil(t, task.CompletedAt)

	out, err = h.engineer.Remediate(ctx)
	require.NoError(t, err)
	assert.False(t, out.Published())
}

func TestRemediateIssue(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	ctx := context.Background()
	diagnosed := h.diagnose(t, "/cart", persistence.PriorityUrgent, retryFix())
	approved := h.approve(t, "/checkout", persistence.PriorityLow, retryFix())

	_, err := h.engineer.RemediateIssue(ctx, diagnosed.ID)
	var invalid *lifecycle.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "diagnosed", invalid.Current)

	out, err := h.engineer.RemediateIssue(ctx, approved.ID)
	require.NoError(t, err)
	assert.True(t, out.Published())

	_, err = h.engineer.RemediateIssue(ctx, approved.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestRenderPRBody(t *testing.T) {
	issue := &persistence.Issue{
		ID:         "issue-1",
		SignalID:   "signal-1",
		Title:      "Checkout retries give up too early",
		Severity:   persistence.SeverityHigh,
		Priority:   persistence.PriorityUrgent,
		Page:       "/checkout",
		RootCause:  "MaxRetries is set to 1",
		UserImpact: "Users see a failed payment after a single network blip",
	}
	fix := &persistence.RecommendedFix{
		Title:           "Raise checkout retry limit",
		Description:     "Retry the payment call three times",
		FilePath:        "src/config.go",
		EstimatedEffort: "small",
		Confidence:      0.85,
	}
	diff := "--- a/src/config.go\n+++ b/src/config.go\n@@ -3,1 +3,1 @@\n-const MaxRetries = 1\n+const MaxRetries = 3\n"

	body, err := RenderPRBody(issue, fix, diff)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "pr_body", []byte(body))
}

func TestPRTitle(t *testing.T) {
	issue := &persistence.Issue{Title: "Issue title"}
	assert.Equal(t, "Fix title", PRTitle(issue, &persistence.RecommendedFix{Title: "Fix title"}))
	assert.Equal(t, "Issue title", PRTitle(issue, &persistence.RecommendedFix{}))
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Helper function to create a new database for each test.
func createTestDB(t *testing.T) (*DatabaseOperations, func()) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	ops, err := Open(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	cleanup := func() {
		_ = ops.Close()
		_ = os.RemoveAll(tempDir)
	}
	return ops, cleanup
}

func newTestSignal(severity Severity, page string) *Signal {
	return &Signal{
		Type:        SignalRageClick,
		Severity:    severity,
		Title:       "Rage clicks on " + page,
		MetricName:  "rage_click_count",
		MetricValue: 42,
		Confidence:  0.8,
		Page:        page,
		Element:     "button.submit",
	}
}

func newTestIssue(signalID string, priority Priority) *Issue {
	return &Issue{
		SignalID:   signalID,
		Priority:   priority,
		Severity:   SeverityHigh,
		Title:      "Submit button unresponsive",
		RootCause:  "Click handler is attached after hydration",
		UserImpact: "Users cannot submit the form",
		FilePath:   "src/components/Form.tsx",
		Confidence: 0.9,
		RecommendedFixes: Fixes{{
			Title:         "Attach handler eagerly",
			FilePath:      "src/components/Form.tsx",
			OriginalCode:  "onClick={later}",
			SuggestedCode: "onClick={submit}",
			Confidence:    0.85,
		}},
	}
}

func TestSignalOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		threshold := 10.0
		signal := newTestSignal(SeverityHigh, "/checkout")
		signal.Threshold = &threshold
		signal.RecordingIDs = []string{"rec-1", "rec-2"}

		if err := ops.InsertSignal(ctx, signal); err != nil {
			t.Fatalf("Failed to insert signal: %v", err)
		}
		if signal.ID == "" {
			t.Fatal("Expected generated ID")
		}

		got, err := ops.GetSignal(ctx, signal.ID)
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if got.Status != SignalStatusNew {
			t.Errorf("Expected status new, got %s", got.Status)
		}
		if got.Processed {
			t.Error("New signal should not be processed")
		}
		if got.Threshold == nil || *got.Threshold != threshold {
			t.Errorf("Expected threshold %v, got %v", threshold, got.Threshold)
		}
		if len(got.RecordingIDs) != 2 {
			t.Errorf("Expected 2 recording IDs, got %v", got.RecordingIDs)
		}
		if !got.CreatedAt.Equal(signal.CreatedAt.UTC()) {
			t.Errorf("CreatedAt mismatch: %v vs %v", got.CreatedAt, signal.CreatedAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		_, err := ops.GetSignal(ctx, "does-not-exist")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		signal := newTestSignal("catastrophic", "/")
		err := ops.InsertSignal(ctx, signal)
		if !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Expected ErrInvalidRecord, got %v", err)
		}

		signal = newTestSignal(SeverityLow, "")
		if err := ops.InsertSignal(ctx, signal); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Expected ErrInvalidRecord for missing page, got %v", err)
		}
	})

	t.Run("TriageOrdering", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		for _, sev := range []Severity{SeverityLow, SeverityCritical, SeverityHigh} {
			if err := ops.InsertSignal(ctx, newTestSignal(sev, "/p")); err != nil {
				t.Fatalf("Failed to insert signal: %v", err)
			}
		}

		signals, err := ops.ListSignals(ctx, &SignalFilter{Triage: true})
		if err != nil {
			t.Fatalf("Failed to list signals: %v", err)
		}
		want := []Severity{SeverityCritical, SeverityHigh, SeverityLow}
		if len(signals) != len(want) {
			t.Fatalf("Expected %d signals, got %d", len(want), len(signals))
		}
		for i, s := range signals {
			if s.Severity != want[i] {
				t.Errorf("Position %d: expected %s, got %s", i, want[i], s.Severity)
			}
		}
	})

	t.Run("TriageTiesOldestFirst", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		newer := newTestSignal(SeverityHigh, "/newer")
		newer.CreatedAt = base.Add(time.Hour)
		older := newTestSignal(SeverityHigh, "/older")
		older.CreatedAt = base

		for _, s := range []*Signal{newer, older} {
			if err := ops.InsertSignal(ctx, s); err != nil {
				t.Fatalf("Failed to insert signal: %v", err)
			}
		}

		signals, err := ops.ListSignals(ctx, &SignalFilter{Triage: true, Limit: 1})
		if err != nil {
			t.Fatalf("Failed to list signals: %v", err)
		}
		if len(signals) != 1 || signals[0].Page != "/older" {
			t.Errorf("Expected oldest high signal first, got %+v", signals)
		}
	})

	t.Run("Filters", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		a := newTestSignal(SeverityHigh, "/a")
		b := newTestSignal(SeverityLow, "/b")
		b.Type = SignalDropOff
		for _, s := range []*Signal{a, b} {
			if err := ops.InsertSignal(ctx, s); err != nil {
				t.Fatalf("Failed to insert signal: %v", err)
			}
		}

		dropOff := SignalDropOff
		got, err := ops.ListSignals(ctx, &SignalFilter{Type: &dropOff})
		if err != nil {
			t.Fatalf("Failed to list signals: %v", err)
		}
		if len(got) != 1 || got[0].ID != b.ID {
			t.Errorf("Type filter returned %+v", got)
		}

		page := "/a"
		got, err = ops.ListSignals(ctx, &SignalFilter{Page: &page})
		if err != nil {
			t.Fatalf("Failed to list signals: %v", err)
		}
		if len(got) != 1 || got[0].ID != a.ID {
			t.Errorf("Page filter returned %+v", got)
		}
	})

	t.Run("ProcessedIsMonotonic", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		signal := newTestSignal(SeverityMedium, "/p")
		if err := ops.InsertSignal(ctx, signal); err != nil {
			t.Fatalf("Failed to insert signal: %v", err)
		}

		prev, err := ops.TransitionSignal(ctx, &SignalTransition{
			ID: signal.ID, From: []SignalStatus{SignalStatusNew}, To: SignalStatusAnalyzed,
			MarkProcessed: true, IssueID: "issue-1",
		})
		if err != nil {
			t.Fatalf("Failed to transition signal: %v", err)
		}
		if prev != SignalStatusNew {
			t.Errorf("Expected previous status new, got %s", prev)
		}

		// A later update without MarkProcessed must not reset the flag.
		if _, err := ops.TransitionSignal(ctx, &SignalTransition{ID: signal.ID, To: SignalStatusIssueCreated}); err != nil {
			t.Fatalf("Failed second transition: %v", err)
		}

		got, err := ops.GetSignal(ctx, signal.ID)
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if !got.Processed {
			t.Error("processed was reset")
		}
		if got.IssueID != "issue-1" {
			t.Errorf("Expected issue link to survive, got %q", got.IssueID)
		}

		processed := false
		unprocessed, err := ops.ListSignals(ctx, &SignalFilter{Processed: &processed})
		if err != nil {
			t.Fatalf("Failed to list signals: %v", err)
		}
		if len(unprocessed) != 0 {
			t.Errorf("Expected no unprocessed signals, got %d", len(unprocessed))
		}
	})

	t.Run("TransitionConflict", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		signal := newTestSignal(SeverityMedium, "/p")
		signal.Status = SignalStatusDismissed
		if err := ops.InsertSignal(ctx, signal); err != nil {
			t.Fatalf("Failed to insert signal: %v", err)
		}

		prev, err := ops.TransitionSignal(ctx, &SignalTransition{
			ID: signal.ID, From: []SignalStatus{SignalStatusNew}, To: SignalStatusAnalyzed,
		})
		if !errors.Is(err, ErrStatusConflict) {
			t.Fatalf("Expected ErrStatusConflict, got %v", err)
		}
		if prev != SignalStatusDismissed {
			t.Errorf("Expected current status reported, got %s", prev)
		}

		_, err = ops.TransitionSignal(ctx, &SignalTransition{ID: "missing", To: SignalStatusAnalyzed})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestIssueOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("InsertAndGetRoundTripsFixes", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		issue := newTestIssue("sig-1", PriorityHigh)
		if err := ops.InsertIssue(ctx, issue); err != nil {
			t.Fatalf("Failed to insert issue: %v", err)
		}

		got, err := ops.GetIssue(ctx, issue.ID)
		if err != nil {
			t.Fatalf("Failed to get issue: %v", err)
		}
		if got.Status != IssueStatusDiagnosed {
			t.Errorf("Expected default status diagnosed, got %s", got.Status)
		}
		fix, ok := got.RecommendedFixes.Primary()
		if !ok {
			t.Fatal("Expected a recommended fix")
		}
		if fix.SuggestedCode != "onClick={submit}" {
			t.Errorf("Unexpected suggested code %q", fix.SuggestedCode)
		}
		if got.ApprovedAt != nil {
			t.Error("ApprovedAt should be unset")
		}
	})

	t.Run("LegacySingleFixColumn", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		issue := newTestIssue("sig-1", PriorityLow)
		issue.RecommendedFixes = nil
		if err := ops.InsertIssue(ctx, issue); err != nil {
			t.Fatalf("Failed to insert issue: %v", err)
		}

		// Rows written by other producers may hold a single object rather than a list.
		if _, err := ops.DB().ExecContext(ctx, `UPDATE issues SET recommended_fix = ? WHERE id = ?`,
			`{"title":"one","file_path":"a.ts","original_code":"x","suggested_code":"y","confidence":0.5}`, issue.ID); err != nil {
			t.Fatalf("Failed to write legacy fix: %v", err)
		}

		got, err := ops.GetIssue(ctx, issue.ID)
		if err != nil {
			t.Fatalf("Failed to get issue: %v", err)
		}
		if len(got.RecommendedFixes) != 1 || got.RecommendedFixes[0].Title != "one" {
			t.Errorf("Expected single fix decoded as list, got %+v", got.RecommendedFixes)
		}
	})

	t.Run("PendingReviewOrdering", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		for _, p := range []Priority{PriorityLow, PriorityUrgent, PriorityMedium} {
			if err := ops.InsertIssue(ctx, newTestIssue("sig", p)); err != nil {
				t.Fatalf("Failed to insert issue: %v", err)
			}
		}
		approved := newTestIssue("sig", PriorityUrgent)
		approved.Status = IssueStatusApproved
		if err := ops.InsertIssue(ctx, approved); err != nil {
			t.Fatalf("Failed to insert issue: %v", err)
		}

		diagnosed := IssueStatusDiagnosed
		issues, err := ops.ListIssues(ctx, &IssueFilter{Status: &diagnosed, Triage: true})
		if err != nil {
			t.Fatalf("Failed to list issues: %v", err)
		}
		want := []Priority{PriorityUrgent, PriorityMedium, PriorityLow}
		if len(issues) != len(want) {
			t.Fatalf("Expected %d issues, got %d", len(want), len(issues))
		}
		for i, issue := range issues {
			if issue.Priority != want[i] {
				t.Errorf("Position %d: expected %s, got %s", i, want[i], issue.Priority)
			}
		}
	})

	t.Run("TransitionWritesFields", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		issue := newTestIssue("sig", PriorityHigh)
		if err := ops.InsertIssue(ctx, issue); err != nil {
			t.Fatalf("Failed to insert issue: %v", err)
		}

		now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
		prev, err := ops.TransitionIssue(ctx, &IssueTransition{
			ID: issue.ID, From: []IssueStatus{IssueStatusDiagnosed, IssueStatusRejected},
			To: IssueStatusApproved, ApprovedAt: &now,
		})
		if err != nil {
			t.Fatalf("Failed to approve: %v", err)
		}
		if prev != IssueStatusDiagnosed {
			t.Errorf("Expected previous diagnosed, got %s", prev)
		}

		url := "https://github.com/acme/web/pull/12"
		if _, err := ops.TransitionIssue(ctx, &IssueTransition{
			ID: issue.ID, From: []IssueStatus{IssueStatusApproved}, To: IssueStatusPRCreated, PRURL: &url,
		}); err != nil {
			t.Fatalf("Failed to mark PR created: %v", err)
		}

		got, err := ops.GetIssue(ctx, issue.ID)
		if err != nil {
			t.Fatalf("Failed to get issue: %v", err)
		}
		if got.Status != IssueStatusPRCreated || got.PRURL != url {
			t.Errorf("Unexpected issue state %s %q", got.Status, got.PRURL)
		}
		if got.ApprovedAt == nil || !got.ApprovedAt.Equal(now) {
			t.Errorf("ApprovedAt not preserved: %v", got.ApprovedAt)
		}
		if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
			t.Errorf("UpdatedAt %v precedes CreatedAt %v", got.UpdatedAt, got.CreatedAt)
		}

		_, err = ops.TransitionIssue(ctx, &IssueTransition{
			ID: issue.ID, From: []IssueStatus{IssueStatusApproved}, To: IssueStatusPRCreated,
		})
		if !errors.Is(err, ErrStatusConflict) {
			t.Errorf("Expected ErrStatusConflict, got %v", err)
		}
	})

	t.Run("ConcurrentTransitionsSingleWinner", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		issue := newTestIssue("sig", PriorityHigh)
		issue.Status = IssueStatusApproved
		if err := ops.InsertIssue(ctx, issue); err != nil {
			t.Fatalf("Failed to insert issue: %v", err)
		}

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ops.TransitionIssue(ctx, &IssueTransition{
					ID: issue.ID, From: []IssueStatus{IssueStatusApproved}, To: IssueStatusPRCreated,
				})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if successes != 1 {
			t.Errorf("Expected exactly one winner, got %d", successes)
		}
	})
}

func TestTaskOperations(t *testing.T) {
	ctx := context.Background()
	ops, cleanup := createTestDB(t)
	defer cleanup()

	task := &Task{
		IssueID:        "issue-1",
		Title:          "Fix submit button",
		Priority:       PriorityHigh,
		FilePath:       "src/Form.tsx",
		OriginalCode:   "a",
		RecommendedFix: "b",
	}
	if err := ops.InsertTask(ctx, task); err != nil {
		t.Fatalf("Failed to insert task: %v", err)
	}

	pending := TaskStatusPending
	tasks, err := ops.ListTasks(ctx, &TaskFilter{Status: &pending, Triage: true})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].AssignedTo != "engineer" {
		t.Fatalf("Unexpected pending tasks %+v", tasks)
	}

	prNumber := 7
	url := "https://github.com/acme/web/pull/7"
	branch := "darwin/fix-submit-button-1700000000"
	done := time.Now().UTC()
	if _, err := ops.TransitionTask(ctx, &TaskTransition{
		ID: task.ID, From: []TaskStatus{TaskStatusPending, TaskStatusInProgress}, To: TaskStatusCompleted,
		PRURL: &url, PRNumber: &prNumber, BranchName: &branch, CompletedAt: &done,
	}); err != nil {
		t.Fatalf("Failed to complete task: %v", err)
	}

	got, err := ops.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != TaskStatusCompleted || got.PRNumber != 7 || got.BranchName != branch {
		t.Errorf("Unexpected task after completion: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stored")
	}
}

func TestChangeRequestOperations(t *testing.T) {
	ctx := context.Background()
	ops, cleanup := createTestDB(t)
	defer cleanup()

	cr := &ChangeRequest{
		IssueID:    "issue-1",
		Number:     12,
		URL:        "https://github.com/acme/web/pull/12",
		BranchName: "darwin/x-1",
		FilePath:   "src/Form.tsx",
		Title:      "Fix submit",
	}
	if err := ops.InsertChangeRequest(ctx, cr); err != nil {
		t.Fatalf("Failed to insert change request: %v", err)
	}

	dup := *cr
	dup.ID = ""
	if err := ops.InsertChangeRequest(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second PR on same issue, got %v", err)
	}

	bad := &ChangeRequest{IssueID: "issue-2", Number: 0, URL: "not a url", BranchName: "b", FilePath: "f"}
	if err := ops.InsertChangeRequest(ctx, bad); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}

	list, err := ops.ListChangeRequests(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to list change requests: %v", err)
	}
	if len(list) != 1 || list[0].Status != ChangeRequestOpen {
		t.Errorf("Unexpected change requests %+v", list)
	}
}

func TestAgentLogsAndStats(t *testing.T) {
	ctx := context.Background()
	ops, cleanup := createTestDB(t)
	defer cleanup()

	for _, sev := range []Severity{SeverityHigh, SeverityHigh, SeverityLow} {
		if err := ops.InsertSignal(ctx, newTestSignal(sev, "/p")); err != nil {
			t.Fatalf("Failed to insert signal: %v", err)
		}
	}
	if err := ops.InsertIssue(ctx, newTestIssue("sig", PriorityHigh)); err != nil {
		t.Fatalf("Failed to insert issue: %v", err)
	}
	if err := ops.InsertAgentLog(ctx, &AgentLog{Agent: "analyst", Message: "diagnosed 1 issue"}); err != nil {
		t.Fatalf("Failed to insert agent log: %v", err)
	}

	logs, err := ops.ListAgentLogs(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list agent logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Level != "info" {
		t.Errorf("Unexpected logs %+v", logs)
	}

	st, err := ops.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if st.Totals["signals"] != 3 || st.Totals["ux_issues"] != 1 || st.Totals["agent_logs"] != 1 {
		t.Errorf("Unexpected totals %v", st.Totals)
	}
	if st.SignalsBySeverity["high"] != 2 || st.SignalsBySeverity["critical"] != 0 {
		t.Errorf("Unexpected severity breakdown %v", st.SignalsBySeverity)
	}
	if st.Pending.UnprocessedSignals != 3 || st.Pending.IssuesPendingReview != 1 {
		t.Errorf("Unexpected pending actions %+v", st.Pending)
	}
}

func TestMigrationFromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	raw, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("Failed to open raw database: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at TEXT)`,
		`INSERT INTO schema_version (version) VALUES (1)`,
		`CREATE TABLE issues (id TEXT PRIMARY KEY)`,
	} {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed v1 schema: %v", err)
		}
	}
	_ = raw.Close()

	db, err := InitializeDatabase(path)
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("Failed to read version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected version %d, got %d", CurrentSchemaVersion, version)
	}
	if _, err := db.Exec(`SELECT task_id FROM issues`); err != nil {
		t.Errorf("issues.task_id missing after migration: %v", err)
	}
	if _, err := db.Exec(`SELECT COUNT(*) FROM tasks`); err != nil {
		t.Errorf("tasks table missing after migration: %v", err)
	}
}

func TestFixesUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"object", `{"recommended_fix":{"title":"a"}}`, 1},
		{"list", `{"recommended_fix":[{"title":"a"},{"title":"b"}]}`, 2},
		{"null", `{"recommended_fix":null}`, 0},
		{"absent", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var issue Issue
			if err := json.Unmarshal([]byte(tt.input), &issue); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if len(issue.RecommendedFixes) != tt.want {
				t.Errorf("Expected %d fixes, got %d", tt.want, len(issue.RecommendedFixes))
			}
		})
	}
}

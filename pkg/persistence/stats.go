package persistence

import (
	"context"
	"fmt"
)

// Stats aggregates record counts for dashboards.
func (ops *DatabaseOperations) Stats(ctx context.Context) (*Stats, error) {
	st := NewStats()

	totals := map[string]string{
		"signals":       "signals",
		"ux_issues":     "issues",
		"tasks":         "tasks",
		"pull_requests": "change_requests",
		"agent_logs":    "agent_logs",
	}
	for key, table := range totals {
		var n int
		if err := ops.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		st.Totals[key] = n
	}

	groups := []struct {
		query string
		into  map[string]int
	}{
		{"SELECT severity, COUNT(*) FROM signals GROUP BY severity", st.SignalsBySeverity},
		{"SELECT type, COUNT(*) FROM signals GROUP BY type", st.SignalsByType},
		{"SELECT status, COUNT(*) FROM issues GROUP BY status", st.IssuesByStatus},
		{"SELECT status, COUNT(*) FROM change_requests GROUP BY status", st.ChangeRequestsByStatus},
	}
	for _, g := range groups {
		if err := ops.groupCounts(ctx, g.query, g.into); err != nil {
			return nil, err
		}
	}

	pending := []struct {
		query string
		args  []any
		into  *int
	}{
		{"SELECT COUNT(*) FROM signals WHERE processed = 0", nil, &st.Pending.UnprocessedSignals},
		{"SELECT COUNT(*) FROM issues WHERE status = ?", []any{string(IssueStatusDiagnosed)}, &st.Pending.IssuesPendingReview},
		{"SELECT COUNT(*) FROM issues WHERE status = ? AND (pr_url IS NULL OR pr_url = '')", []any{string(IssueStatusApproved)}, &st.Pending.IssuesApprovedNoPR},
		{"SELECT COUNT(*) FROM tasks WHERE status = ?", []any{string(TaskStatusPending)}, &st.Pending.TasksPending},
	}
	for _, p := range pending {
		if err := ops.db.QueryRowContext(ctx, p.query, p.args...).Scan(p.into); err != nil {
			return nil, fmt.Errorf("failed to count pending actions: %w", err)
		}
	}

	return st, nil
}

func (ops *DatabaseOperations) groupCounts(ctx context.Context, query string, into map[string]int) error {
	rows, err := ops.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run stats query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan stats row: %w", err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const issueColumns = `id, signal_id, status, priority, severity, title, description, page, component,
	file_path, line_range, root_cause, user_impact, business_impact, confidence, affected_users,
	recommended_fix, rejection_reason, approved_at, rejected_at, task_id, pr_url, created_at, updated_at`

// InsertIssue stores a new issue.
func (ops *DatabaseOperations) InsertIssue(ctx context.Context, issue *Issue) error {
	if err := PrepareIssue(issue, ops.now()); err != nil {
		return err
	}

	var fixes any
	if len(issue.RecommendedFixes) > 0 {
		enc, err := encodeJSON(issue.RecommendedFixes)
		if err != nil {
			return err
		}
		fixes = enc
	}

	query := `INSERT INTO issues (` + issueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ops.db.ExecContext(ctx, query,
		issue.ID, issue.SignalID, string(issue.Status), string(issue.Priority), string(issue.Severity),
		issue.Title, issue.Description, issue.Page, issue.Component,
		issue.FilePath, issue.LineRange, issue.RootCause, issue.UserImpact, issue.BusinessImpact,
		issue.Confidence, issue.AffectedUsers,
		fixes, nullString(issue.RejectionReason), formatTimePtr(issue.ApprovedAt), formatTimePtr(issue.RejectedAt),
		nullString(issue.TaskID), nullString(issue.PRURL),
		formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue retrieves an issue by ID.
func (ops *DatabaseOperations) GetIssue(ctx context.Context, id string) (*Issue, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("issue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns issues matching filter.
func (ops *DatabaseOperations) ListIssues(ctx context.Context, filter *IssueFilter) ([]*Issue, error) {
	if filter == nil {
		filter = &IssueFilter{}
	}

	var q queryBuilder
	if filter.Status != nil {
		q.add("status = ?", string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		q.add("status IN ("+placeholders(len(filter.Statuses))+")", toArgs(filter.Statuses)...)
	}
	if filter.Priority != nil {
		q.add("priority = ?", string(*filter.Priority))
	}
	if filter.SignalID != nil {
		q.add("signal_id = ?", *filter.SignalID)
	}

	order := " ORDER BY created_at DESC, rowid DESC"
	if filter.Triage {
		order = " ORDER BY " + rankExpr("priority", ValidPriorities()) + " DESC, created_at ASC, rowid ASC"
	}

	rows, err := ops.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues`+q.clause()+order+limitClause(filter.Limit), q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return issues, nil
}

// TransitionIssue applies req atomically and returns the status the issue held before.
func (ops *DatabaseOperations) TransitionIssue(ctx context.Context, req *IssueTransition) (IssueStatus, error) {
	var previous IssueStatus
	err := ops.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id = ?`, req.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFound("issue", req.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read issue %s: %w", req.ID, err)
		}
		previous = IssueStatus(current)
		if !Contains(req.From, previous) {
			return fmt.Errorf("issue %s is %s, cannot move to %s: %w", req.ID, previous, req.To, ErrStatusConflict)
		}

		_, err = tx.ExecContext(ctx, `UPDATE issues SET
				status = ?,
				approved_at = COALESCE(?, approved_at),
				rejected_at = COALESCE(?, rejected_at),
				rejection_reason = COALESCE(?, rejection_reason),
				task_id = COALESCE(?, task_id),
				pr_url = COALESCE(?, pr_url),
				updated_at = ?
			WHERE id = ?`,
			string(req.To), formatTimePtr(req.ApprovedAt), formatTimePtr(req.RejectedAt),
			stringPtrArg(req.RejectionReason), stringPtrArg(req.TaskID), stringPtrArg(req.PRURL),
			formatTime(ops.now()), req.ID)
		if err != nil {
			return fmt.Errorf("failed to update issue %s: %w", req.ID, err)
		}
		return nil
	})
	return previous, err
}

func scanIssue(row rowScanner) (*Issue, error) {
	var (
		i                                             Issue
		status, priority, severity                    string
		fixes, reason, approvedAt, rejectedAt, taskID sql.NullString
		prURL                                         sql.NullString
		createdAt, updatedAt                          string
	)
	err := row.Scan(&i.ID, &i.SignalID, &status, &priority, &severity, &i.Title, &i.Description, &i.Page, &i.Component,
		&i.FilePath, &i.LineRange, &i.RootCause, &i.UserImpact, &i.BusinessImpact, &i.Confidence, &i.AffectedUsers,
		&fixes, &reason, &approvedAt, &rejectedAt, &taskID, &prURL, &createdAt, &updatedAt)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}

	i.Status = IssueStatus(status)
	i.Priority = Priority(priority)
	i.Severity = Severity(severity)
	i.RejectionReason = reason.String
	i.TaskID = taskID.String
	i.PRURL = prURL.String

	if fixes.Valid && fixes.String != "" {
		if err := json.Unmarshal([]byte(fixes.String), &i.RecommendedFixes); err != nil {
			return nil, fmt.Errorf("invalid recommended_fix: %w", err)
		}
	}
	if i.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if i.RejectedAt, err = parseTimePtr(rejectedAt); err != nil {
		return nil, err
	}
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if i.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &i, nil
}

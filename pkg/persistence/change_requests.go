package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const changeRequestColumns = `id, issue_id, task_id, pr_number, pr_url, branch_name, file_path, title, status, created_at`

// InsertChangeRequest stores a published pull request. An issue has at most one.
func (ops *DatabaseOperations) InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	if err := PrepareChangeRequest(cr, ops.now()); err != nil {
		return err
	}

	query := `INSERT INTO change_requests (` + changeRequestColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ops.db.ExecContext(ctx, query,
		cr.ID, cr.IssueID, nullString(cr.TaskID), cr.Number, cr.URL, cr.BranchName, cr.FilePath,
		cr.Title, string(cr.Status), formatTime(cr.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("change request for issue %s: %w", cr.IssueID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert change request %s: %w", cr.ID, err)
	}
	return nil
}

// ListChangeRequests returns change requests matching filter, newest first.
func (ops *DatabaseOperations) ListChangeRequests(ctx context.Context, filter *ChangeRequestFilter) ([]*ChangeRequest, error) {
	if filter == nil {
		filter = &ChangeRequestFilter{}
	}

	var q queryBuilder
	if filter.Status != nil {
		q.add("status = ?", string(*filter.Status))
	}
	if filter.IssueID != nil {
		q.add("issue_id = ?", *filter.IssueID)
	}

	query := `SELECT ` + changeRequestColumns + ` FROM change_requests` + q.clause() +
		" ORDER BY created_at DESC, rowid DESC" + limitClause(filter.Limit)
	rows, err := ops.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ChangeRequest
	for rows.Next() {
		var (
			cr                ChangeRequest
			taskID            sql.NullString
			status, createdAt string
		)
		if err := rows.Scan(&cr.ID, &cr.IssueID, &taskID, &cr.Number, &cr.URL, &cr.BranchName, &cr.FilePath,
			&cr.Title, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan change request: %w", err)
		}
		cr.TaskID = taskID.String
		cr.Status = ChangeRequestStatus(status)
		if cr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change requests: %w", err)
	}
	return out, nil
}

// InsertAgentLog appends one activity entry.
func (ops *DatabaseOperations) InsertAgentLog(ctx context.Context, entry *AgentLog) error {
	if err := PrepareAgentLog(entry, ops.now()); err != nil {
		return err
	}
	_, err := ops.db.ExecContext(ctx,
		`INSERT INTO agent_logs (id, agent, level, message, record_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Agent, entry.Level, entry.Message, nullString(entry.RecordID), formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert agent log: %w", err)
	}
	return nil
}

// ListAgentLogs returns the most recent entries first.
func (ops *DatabaseOperations) ListAgentLogs(ctx context.Context, limit int) ([]*AgentLog, error) {
	rows, err := ops.db.QueryContext(ctx,
		`SELECT id, agent, level, message, record_id, created_at FROM agent_logs ORDER BY created_at DESC, rowid DESC`+limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentLog
	for rows.Next() {
		var (
			entry     AgentLog
			recordID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Agent, &entry.Level, &entry.Message, &recordID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		entry.RecordID = recordID.String
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent logs: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

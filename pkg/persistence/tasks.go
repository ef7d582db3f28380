package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, issue_id, signal_id, title, description, priority, status, assigned_to,
	file_path, line_range, original_code, recommended_fix, pr_url, pr_number, branch_name,
	approved_by, approved_at, created_at, updated_at, completed_at`

// InsertTask stores a new task.
func (ops *DatabaseOperations) InsertTask(ctx context.Context, task *Task) error {
	if err := PrepareTask(task, ops.now()); err != nil {
		return err
	}

	var prNumber any
	if task.PRNumber > 0 {
		prNumber = task.PRNumber
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ops.db.ExecContext(ctx, query,
		task.ID, task.IssueID, task.SignalID, task.Title, task.Description,
		string(task.Priority), string(task.Status), task.AssignedTo,
		task.FilePath, task.LineRange, task.OriginalCode, task.RecommendedFix,
		nullString(task.PRURL), prNumber, nullString(task.BranchName),
		task.ApprovedBy, formatTimePtr(task.ApprovedAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt), formatTimePtr(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (ops *DatabaseOperations) GetTask(ctx context.Context, id string) (*Task, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter.
func (ops *DatabaseOperations) ListTasks(ctx context.Context, filter *TaskFilter) ([]*Task, error) {
	if filter == nil {
		filter = &TaskFilter{}
	}

	var q queryBuilder
	if filter.Status != nil {
		q.add("status = ?", string(*filter.Status))
	}
	if filter.IssueID != nil {
		q.add("issue_id = ?", *filter.IssueID)
	}

	order := " ORDER BY created_at DESC, rowid DESC"
	if filter.Triage {
		order = " ORDER BY " + rankExpr("priority", ValidPriorities()) + " DESC, created_at ASC, rowid ASC"
	}

	rows, err := ops.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+q.clause()+order+limitClause(filter.Limit), q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// TransitionTask applies req atomically and returns the status the task held before.
func (ops *DatabaseOperations) TransitionTask(ctx context.Context, req *TaskTransition) (TaskStatus, error) {
	var previous TaskStatus
	err := ops.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, req.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFound("task", req.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read task %s: %w", req.ID, err)
		}
		previous = TaskStatus(current)
		if !Contains(req.From, previous) {
			return fmt.Errorf("task %s is %s, cannot move to %s: %w", req.ID, previous, req.To, ErrStatusConflict)
		}

		var prNumber any
		if req.PRNumber != nil {
			prNumber = *req.PRNumber
		}

		_, err = tx.ExecContext(ctx, `UPDATE tasks SET
				status = ?,
				pr_url = COALESCE(?, pr_url),
				pr_number = COALESCE(?, pr_number),
				branch_name = COALESCE(?, branch_name),
				completed_at = COALESCE(?, completed_at),
				updated_at = ?
			WHERE id = ?`,
			string(req.To), stringPtrArg(req.PRURL), prNumber, stringPtrArg(req.BranchName),
			formatTimePtr(req.CompletedAt), formatTime(ops.now()), req.ID)
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", req.ID, err)
		}
		return nil
	})
	return previous, err
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                       Task
		priority, status        string
		prURL, branch           sql.NullString
		prNumber                sql.NullInt64
		approvedAt, completedAt sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&t.ID, &t.IssueID, &t.SignalID, &t.Title, &t.Description, &priority, &status, &t.AssignedTo,
		&t.FilePath, &t.LineRange, &t.OriginalCode, &t.RecommendedFix, &prURL, &prNumber, &branch,
		&t.ApprovedBy, &approvedAt, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}

	t.Priority = Priority(priority)
	t.Status = TaskStatus(status)
	t.PRURL = prURL.String
	t.BranchName = branch.String
	t.PRNumber = int(prNumber.Int64)

	if t.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

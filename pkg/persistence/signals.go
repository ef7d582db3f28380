package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const signalColumns = `id, type, severity, status, title, description, metric_name, metric_value,
	threshold, confidence, page, element, affected_users, session_count, recording_ids,
	first_seen, last_seen, created_at, processed, issue_id`

// InsertSignal stores a new signal.
func (ops *DatabaseOperations) InsertSignal(ctx context.Context, signal *Signal) error {
	if err := PrepareSignal(signal, ops.now()); err != nil {
		return err
	}

	var recordings any
	if len(signal.RecordingIDs) > 0 {
		enc, err := encodeJSON(signal.RecordingIDs)
		if err != nil {
			return err
		}
		recordings = enc
	}

	query := `INSERT INTO signals (` + signalColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ops.db.ExecContext(ctx, query,
		signal.ID, string(signal.Type), string(signal.Severity), string(signal.Status),
		signal.Title, signal.Description, signal.MetricName, signal.MetricValue,
		signal.Threshold, signal.Confidence, signal.Page, signal.Element,
		signal.AffectedUsers, signal.SessionCount, recordings,
		formatTime(signal.FirstSeen), formatTime(signal.LastSeen), formatTime(signal.CreatedAt),
		signal.Processed, nullString(signal.IssueID), formatTime(signal.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", signal.ID, err)
	}
	return nil
}

// GetSignal retrieves a signal by ID.
func (ops *DatabaseOperations) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	signal, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("signal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %s: %w", id, err)
	}
	return signal, nil
}

// ListSignals returns signals matching filter.
func (ops *DatabaseOperations) ListSignals(ctx context.Context, filter *SignalFilter) ([]*Signal, error) {
	if filter == nil {
		filter = &SignalFilter{}
	}

	var q queryBuilder
	if filter.Status != nil {
		q.add("status = ?", string(*filter.Status))
	}
	if filter.Severity != nil {
		q.add("severity = ?", string(*filter.Severity))
	}
	if filter.Type != nil {
		q.add("type = ?", string(*filter.Type))
	}
	if filter.Page != nil {
		q.add("page = ?", *filter.Page)
	}
	if filter.Element != nil {
		q.add("element = ?", *filter.Element)
	}
	if filter.Processed != nil {
		q.add("processed = ?", *filter.Processed)
	}

	order := " ORDER BY created_at DESC, rowid DESC"
	if filter.Triage {
		order = " ORDER BY " + rankExpr("severity", ValidSeverities()) + " DESC, created_at ASC, rowid ASC"
	}

	rows, err := ops.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals`+q.clause()+order+limitClause(filter.Limit), q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var signals []*Signal
	for rows.Next() {
		signal, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, signal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}
	return signals, nil
}

// TransitionSignal applies req atomically and returns the status the signal held before.
// processed is only ever set, never cleared.
func (ops *DatabaseOperations) TransitionSignal(ctx context.Context, req *SignalTransition) (SignalStatus, error) {
	var previous SignalStatus
	err := ops.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM signals WHERE id = ?`, req.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFound("signal", req.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read signal %s: %w", req.ID, err)
		}
		previous = SignalStatus(current)
		if !Contains(req.From, previous) {
			return fmt.Errorf("signal %s is %s, cannot move to %s: %w", req.ID, previous, req.To, ErrStatusConflict)
		}

		_, err = tx.ExecContext(ctx, `UPDATE signals SET
				status = ?,
				processed = CASE WHEN ? THEN 1 ELSE processed END,
				issue_id = COALESCE(?, issue_id),
				updated_at = ?
			WHERE id = ?`,
			string(req.To), req.MarkProcessed, nullString(req.IssueID), formatTime(ops.now()), req.ID)
		if err != nil {
			return fmt.Errorf("failed to update signal %s: %w", req.ID, err)
		}
		return nil
	})
	return previous, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*Signal, error) {
	var (
		s                              Signal
		typ, severity, status          string
		threshold                      sql.NullFloat64
		recordings, issueID            sql.NullString
		firstSeen, lastSeen, createdAt string
	)
	err := row.Scan(&s.ID, &typ, &severity, &status, &s.Title, &s.Description, &s.MetricName, &s.MetricValue,
		&threshold, &s.Confidence, &s.Page, &s.Element, &s.AffectedUsers, &s.SessionCount, &recordings,
		&firstSeen, &lastSeen, &createdAt, &s.Processed, &issueID)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}

	s.Type = SignalType(typ)
	s.Severity = Severity(severity)
	s.Status = SignalStatus(status)
	s.IssueID = issueID.String
	if threshold.Valid {
		v := threshold.Float64
		s.Threshold = &v
	}
	if recordings.Valid && recordings.String != "" {
		if err := json.Unmarshal([]byte(recordings.String), &s.RecordingIDs); err != nil {
			return nil, fmt.Errorf("invalid recording_ids: %w", err)
		}
	}
	if s.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if s.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &s, nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"darwin/pkg/logx"
)

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DatabaseOperations is the SQLite implementation of Store.
type DatabaseOperations struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

var _ Store = (*DatabaseOperations)(nil)

// NewDatabaseOperations wraps an initialized database.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{
		db:     db,
		logger: logx.NewLogger("persistence"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open initializes the database at dbPath and returns a Store over it.
func Open(dbPath string) (*DatabaseOperations, error) {
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	ops := NewDatabaseOperations(db)
	ops.logger.Info("📦 Database initialized: %s (schema v%d)", dbPath, CurrentSchemaVersion)
	return ops, nil
}

// DB exposes the underlying handle for tooling and tests.
func (ops *DatabaseOperations) DB() *sql.DB {
	return ops.db
}

// Close closes the database connection.
func (ops *DatabaseOperations) Close() error {
	if err := ops.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (ops *DatabaseOperations) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := ops.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp is not an error
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// rankExpr ranks a column with a CASE expression following order, most significant first.
func rankExpr[T ~string](column string, order []T) string {
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(column)
	for i, v := range order {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", v, len(order)-i)
	}
	b.WriteString(" ELSE 0 END")
	return b.String()
}

// queryBuilder accumulates WHERE clauses and their arguments.
type queryBuilder struct {
	where []string
	args  []any
}

func (q *queryBuilder) add(clause string, args ...any) {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
}

func (q *queryBuilder) clause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs[T ~string](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = string(v)
	}
	return args
}

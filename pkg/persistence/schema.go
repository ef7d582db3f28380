// Package persistence is the record store for signals, issues, tasks, and change requests.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = 2

// migration upgrades a database from version-1 to version.
type migration struct {
	version    int
	statements []string
}

// Version 1 had signals, issues, change_requests and agent_logs. Version 2 added the task queue.
//
//nolint:gochecknoglobals
var migrations = []migration{
	{version: 2, statements: []string{
		"ALTER TABLE issues ADD COLUMN task_id TEXT",
		tasksTableDDL(),
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_issue ON tasks(issue_id)",
	}},
}

const schemaVersionDDL = `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
)`

// InitializeDatabase opens the SQLite database at dbPath and brings its schema up to
// CurrentSchemaVersion. Opening an up-to-date database changes nothing.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := upgrade(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func upgrade(db *sql.DB) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	switch {
	case current == 0:
		return createSchema(db)
	case current > CurrentSchemaVersion:
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", current, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migrate schema to v%d: %w", m.version, err)
		}
	}
	return nil
}

// applyMigration runs one step and records its version in a single transaction.
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// createSchema builds an empty database straight at CurrentSchemaVersion.
func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN (` + sqlList(ValidSignalTypes()) + `)),
			severity TEXT NOT NULL CHECK (severity IN (` + sqlList(ValidSeverities()) + `)),
			status TEXT NOT NULL CHECK (status IN (` + sqlList(ValidSignalStatuses()) + `)),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL DEFAULT 0,
			threshold REAL,
			confidence REAL NOT NULL DEFAULT 0,
			page TEXT NOT NULL,
			element TEXT NOT NULL DEFAULT '',
			affected_users INTEGER NOT NULL DEFAULT 0,
			session_count INTEGER NOT NULL DEFAULT 0,
			recording_ids TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			issue_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN (` + sqlList(ValidIssueStatuses()) + `)),
			priority TEXT NOT NULL CHECK (priority IN (` + sqlList(ValidPriorities()) + `)),
			severity TEXT NOT NULL CHECK (severity IN (` + sqlList(ValidSeverities()) + `)),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			page TEXT NOT NULL DEFAULT '',
			component TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			line_range TEXT NOT NULL DEFAULT '',
			root_cause TEXT NOT NULL DEFAULT '',
			user_impact TEXT NOT NULL DEFAULT '',
			business_impact TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			affected_users INTEGER NOT NULL DEFAULT 0,
			recommended_fix TEXT,
			rejection_reason TEXT,
			approved_at TEXT,
			rejected_at TEXT,
			task_id TEXT,
			pr_url TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		tasksTableDDL(),

		`CREATE TABLE IF NOT EXISTS change_requests (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL UNIQUE,
			task_id TEXT,
			pr_number INTEGER NOT NULL,
			pr_url TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN (` + sqlList(ValidChangeRequestStatuses()) + `)),
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agent_logs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			record_id TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status)",
		"CREATE INDEX IF NOT EXISTS idx_signals_processed ON signals(processed)",
		"CREATE INDEX IF NOT EXISTS idx_signals_page ON signals(page, element)",
		"CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status)",
		"CREATE INDEX IF NOT EXISTS idx_issues_signal ON issues(signal_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_issue ON tasks(issue_id)",
		"CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status)",
		"CREATE INDEX IF NOT EXISTS idx_agent_logs_created ON agent_logs(created_at)",
	}

	ddl := append(tables, indices...)
	return applyMigration(db, migration{version: CurrentSchemaVersion, statements: ddl})
}

func tasksTableDDL() string {
	return `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		signal_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL CHECK (priority IN (` + sqlList(ValidPriorities()) + `)),
		status TEXT NOT NULL CHECK (status IN (` + sqlList(ValidTaskStatuses()) + `)),
		assigned_to TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL,
		line_range TEXT NOT NULL DEFAULT '',
		original_code TEXT NOT NULL DEFAULT '',
		recommended_fix TEXT NOT NULL DEFAULT '',
		pr_url TEXT,
		pr_number INTEGER,
		branch_name TEXT,
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	)`
}

// sqlList renders values as a quoted SQL IN list.
func sqlList[T ~string](values []T) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + string(v) + "'"
	}
	return strings.Join(quoted, ", ")
}

// GetSchemaVersion returns the highest recorded schema version, or 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(schemaVersionDDL); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

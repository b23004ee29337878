// Package store owns the single embedded SQLite database file shared by the
// Audit Store and Backup Ingest (spec §6 "Persisted state: single embedded
// database file"). Grounded structurally on internal/store/bolt.go's single
// Store type + Open(path) constructor, ported from bbolt's bucket model to
// SQL because the audit query operation needs indexes on five columns and
// multi-column filtered pagination (see DESIGN.md).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared SQLite connection.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_name TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	error_message TEXT,
	metadata TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action_type ON audit_entries(action_type);
CREATE INDEX IF NOT EXISTS idx_audit_target_type ON audit_entries(target_type);
CREATE INDEX IF NOT EXISTS idx_audit_target_name ON audit_entries(target_name);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_entries(status);

CREATE TABLE IF NOT EXISTS backup_runs (
	id TEXT PRIMARY KEY,
	site TEXT NOT NULL,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	bytes_written INTEGER,
	backup_id TEXT,
	repo TEXT,
	error TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_site ON backup_runs(site);
CREATE INDEX IF NOT EXISTS idx_backup_job_type ON backup_runs(job_type);
CREATE INDEX IF NOT EXISTS idx_backup_ended_at ON backup_runs(ended_at);
`

// Open creates or opens the SQLite file at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; one conn avoids SQLITE_BUSY churn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying *sql.DB for the audit/backup packages, which
// each own their column-level SQL.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// FormatTime is the canonical timestamp format written to every row: UTC
// with a fixed nine-digit fraction, so text order matches time order.
func FormatTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

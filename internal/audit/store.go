// Package audit implements the Audit Store (spec §4.9): a durable,
// key-ordered, paginated and filterable log of every action the daemon
// takes, backed by the shared SQLite file in internal/store. Grounded
// structurally on internal/store/bolt.go's single-Store-type, per-concern
// method file layout, ported to SQL per DESIGN.md's indexing rationale.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/siteflowerr"
	"github.com/siteflow/siteflow/internal/store"
)

// Status is an audit entry's terminal or in-flight state.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// Entry is one audit log row (spec §3 "Audit entry").
type Entry struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	ActionType   string            `json:"action_type"`
	TargetType   string            `json:"target_type"`
	TargetName   string            `json:"target_name"`
	Status       Status            `json:"status"`
	Output       string            `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
}

// Patch finalizes a pending entry into a terminal status (spec §4.9:
// "update(id, patch) used only to finalize pending -> terminal").
type Patch struct {
	Status       Status
	Output       string
	ErrorMessage string
	DurationMs   int64
}

// Filter narrows a Query call.
type Filter struct {
	ActionType string
	TargetType string
	TargetName string
	Status     string
	StartDate  *time.Time
	EndDate    *time.Time
}

// Page is a single page of a filtered, total-ordered query.
type Page struct {
	Rows       []Entry `json:"rows"`
	Total      int     `json:"total"`
	PageNum    int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
}

// Store is the Audit Store.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// New builds a Store over the shared SQLite file.
func New(s *store.Store, log *logging.Logger) *Store {
	return &Store{db: s.DB(), log: log.Component("audit")}
}

// Append writes a new entry and returns its assigned id. Per spec §3
// invariant (iii), entries are append-only: Append never overwrites a row.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (timestamp, action_type, target_type, target_name, status, output, error_message, metadata, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		store.FormatTime(e.Timestamp), e.ActionType, e.TargetType, e.TargetName, string(e.Status),
		e.Output, e.ErrorMessage, string(meta), nullableInt64(e.DurationMs),
	)
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("failure").Inc()
		return 0, siteflowerr.Wrap(siteflowerr.KindFatal, "append audit entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("failure").Inc()
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	metrics.AuditWritesTotal.WithLabelValues("success").Inc()
	return id, nil
}

// Update finalizes a pending entry to a terminal status (spec §4.9).
func (s *Store) Update(ctx context.Context, id int64, patch Patch) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET status = ?, output = ?, error_message = ?, duration_ms = ? WHERE id = ?`,
		string(patch.Status), patch.Output, patch.ErrorMessage, patch.DurationMs, id,
	)
	if err != nil {
		return siteflowerr.Wrap(siteflowerr.KindFatal, "finalize audit entry", err)
	}
	return nil
}

// Query returns a filtered, paginated slice of the log, total-ordered by
// (timestamp desc, id desc) per spec §4.9.
func (s *Store) Query(ctx context.Context, f Filter, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where, args := buildWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_entries" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count audit entries: %w", err)
	}

	rowsQuery := "SELECT id, timestamp, action_type, target_type, target_name, status, output, error_message, metadata, duration_ms FROM audit_entries" +
		where + " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	rowArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, rowsQuery, rowArgs...)
	if err != nil {
		return Page{}, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate audit entries: %w", err)
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	return Page{Rows: entries, Total: total, PageNum: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

// Cleanup deletes entries older than olderThan and returns the count
// removed (spec §4.9 "pruned by retention policy, never mutated").
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE timestamp < ?", store.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}
	return n, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.ActionType != "" {
		clauses = append(clauses, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if f.TargetType != "" {
		clauses = append(clauses, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetName != "" {
		clauses = append(clauses, "target_name = ?")
		args = append(args, f.TargetName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.StartDate != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, store.FormatTime(*f.StartDate))
	}
	if f.EndDate != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, store.FormatTime(*f.EndDate))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var ts, meta string
	var output, errMsg sql.NullString
	var duration sql.NullInt64
	if err := rows.Scan(&e.ID, &ts, &e.ActionType, &e.TargetType, &e.TargetName, &e.Status, &output, &errMsg, &meta, &duration); err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	t, err := store.ParseTime(ts)
	if err != nil {
		return Entry{}, fmt.Errorf("parse audit timestamp: %w", err)
	}
	e.Timestamp = t
	e.Output = output.String
	e.ErrorMessage = errMsg.String
	if duration.Valid {
		d := duration.Int64
		e.DurationMs = &d
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

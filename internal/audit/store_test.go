package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logging.New(false))
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Append(ctx, Entry{
			Timestamp: time.Now(), ActionType: "site_start", TargetType: "site",
			TargetName: "blog", Status: StatusPending,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestUpdateFinalizesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, Entry{Timestamp: time.Now(), ActionType: "site_start", TargetType: "site", TargetName: "blog", Status: StatusPending})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Update(ctx, id, Patch{Status: StatusSuccess, Output: "ok", DurationMs: 42}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	page, err := s.Query(ctx, Filter{TargetName: "blog"}, 1, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Status != StatusSuccess {
		t.Fatalf("expected one finalized row, got %+v", page.Rows)
	}
	if page.Rows[0].DurationMs == nil || *page.Rows[0].DurationMs != 42 {
		t.Fatalf("expected duration_ms=42, got %+v", page.Rows[0].DurationMs)
	}
}

func TestQueryTotalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, Entry{
			Timestamp: base.Add(time.Duration(i) * time.Minute), ActionType: "site_start",
			TargetType: "site", TargetName: "blog", Status: StatusSuccess,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		lastID = id
	}

	page, err := s.Query(ctx, Filter{}, 1, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(page.Rows))
	}
	if page.Rows[0].ID != lastID {
		t.Fatalf("expected newest-first ordering, got id %d want %d", page.Rows[0].ID, lastID)
	}
	if page.Total != 5 || page.TotalPages != 1 {
		t.Fatalf("unexpected pagination: %+v", page)
	}
}

func TestQueryFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, Entry{Timestamp: time.Now(), ActionType: "a", TargetType: "site", TargetName: "x", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, Entry{Timestamp: time.Now(), ActionType: "a", TargetType: "site", TargetName: "x", Status: StatusFailure}); err != nil {
		t.Fatal(err)
	}

	page, err := s.Query(ctx, Filter{Status: string(StatusFailure)}, 1, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Status != StatusFailure {
		t.Fatalf("expected one failure row, got %+v", page.Rows)
	}
}

func TestCleanupPrunesOldEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now()

	if _, err := s.Append(ctx, Entry{Timestamp: old, ActionType: "a", TargetType: "site", TargetName: "x", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, Entry{Timestamp: recent, ActionType: "a", TargetType: "site", TargetName: "x", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Cleanup(ctx, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
}

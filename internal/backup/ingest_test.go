package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/store"
)

func newTestIngester(t *testing.T) *Ingester {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logging.New(false))
}

func TestRecordRejectsUnknownJobType(t *testing.T) {
	ig := newTestIngester(t)
	now := time.Now()
	err := ig.Record(context.Background(), Run{Site: "blog", JobType: "bogus", Status: RunOK, StartedAt: now, EndedAt: now})
	if err == nil {
		t.Fatal("expected error for unknown job_type")
	}
}

func TestRecordIsIdempotentForSameTuple(t *testing.T) {
	ig := newTestIngester(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run := Run{Site: "blog", JobType: JobDB, Status: RunOK, StartedAt: started, EndedAt: started.Add(time.Minute)}

	for i := 0; i < 3; i++ {
		if err := ig.Record(ctx, run); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	points, err := ig.RestorePoints(ctx, "blog")
	if err != nil {
		t.Fatalf("RestorePoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected exactly one effective row, got %d", len(points))
	}
}

func TestSiteStatusStaleWarn(t *testing.T) {
	ig := newTestIngester(t)
	ctx := context.Background()
	ended := time.Now().Add(-30 * time.Hour)

	if err := ig.Record(ctx, Run{Site: "blog", JobType: JobDB, Status: RunOK, StartedAt: ended.Add(-time.Minute), EndedAt: ended}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	st, err := ig.SiteStatus(ctx, "blog", Thresholds{JobDB: 26 * time.Hour})
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.OverallStatus != string(RunWarn) {
		t.Fatalf("expected warn, got %s", st.OverallStatus)
	}
	rpo := st.RPOSeconds[JobDB]
	if rpo == nil {
		t.Fatal("expected non-nil RPO for a recorded ok run")
	}
	wantSecs := int64(30 * time.Hour / time.Second)
	if diff := *rpo - wantSecs; diff < -5 || diff > 5 {
		t.Fatalf("rpo_seconds_db ~= %d, got %d", wantSecs, *rpo)
	}
}

func TestSiteStatusMissingJobIsFail(t *testing.T) {
	ig := newTestIngester(t)
	ctx := context.Background()
	if err := ig.Record(ctx, Run{Site: "blog", JobType: JobUploads, Status: RunOK, StartedAt: time.Now(), EndedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	st, err := ig.SiteStatus(ctx, "blog", Thresholds{JobDB: 26 * time.Hour, JobUploads: 30 * time.Hour})
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.OverallStatus != string(RunFail) {
		t.Fatalf("expected fail for missing db job, got %s", st.OverallStatus)
	}
	if st.RPOSeconds[JobDB] != nil {
		t.Fatal("expected nil RPO for a job with no successful run")
	}
}

func TestSiteStatusAllFreshIsOK(t *testing.T) {
	ig := newTestIngester(t)
	ctx := context.Background()
	now := time.Now()
	if err := ig.Record(ctx, Run{Site: "blog", JobType: JobDB, Status: RunOK, StartedAt: now.Add(-time.Hour), EndedAt: now}); err != nil {
		t.Fatal(err)
	}

	st, err := ig.SiteStatus(ctx, "blog", Thresholds{JobDB: 26 * time.Hour})
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.OverallStatus != string(RunOK) {
		t.Fatalf("expected ok, got %s", st.OverallStatus)
	}
}

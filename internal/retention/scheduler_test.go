package retention

import (
	"context"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
)

type fakeCleaner struct {
	calledWith time.Time
	deleted    int64
	err        error
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	f.calledWith = olderThan
	return f.deleted, f.err
}

func TestTriggerNowSweepsBothStores(t *testing.T) {
	audit := &fakeCleaner{deleted: 3}
	backups := &fakeCleaner{deleted: 7}
	s, err := New(audit, backups, logging.New(false), "0 3 * * *", func() time.Duration { return 24 * time.Hour }, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := time.Now()
	s.TriggerNow(context.Background())

	wantCutoff := before.Add(-24 * time.Hour)
	if audit.calledWith.Before(wantCutoff.Add(-time.Second)) || audit.calledWith.After(wantCutoff.Add(time.Second)) {
		t.Fatalf("audit cleanup cutoff = %v, want near %v", audit.calledWith, wantCutoff)
	}
	if backups.calledWith.IsZero() {
		t.Fatal("backup cleanup was not called")
	}
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	audit := &fakeCleaner{}
	backups := &fakeCleaner{}
	if _, err := New(audit, backups, logging.New(false), "not a cron spec", func() time.Duration { return time.Hour }, ""); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestNewDefaultsEmptySpec(t *testing.T) {
	audit := &fakeCleaner{}
	backups := &fakeCleaner{}
	s, err := New(audit, backups, logging.New(false), "", func() time.Duration { return time.Hour }, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s == nil {
		t.Fatal("expected non-nil scheduler")
	}
}

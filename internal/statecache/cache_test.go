package statecache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
)

// fakeClock implements clock.Clock for testing, grounded on the teacher's
// mockClock in internal/engine/mock_test.go.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}
func (c *fakeClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingDiscoverer struct {
	calls int32
	sites []discovery.Site
}

func (d *countingDiscoverer) Discover(ctx context.Context) ([]discovery.Site, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.sites, nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	clk := newFakeClock(time.Unix(0, 0))
	disc := &countingDiscoverer{sites: []discovery.Site{{Name: "blog"}}}
	c := New(disc, clk, logging.New(false), time.Minute)

	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if disc.calls != 1 {
		t.Fatalf("expected 1 discover call within TTL, got %d", disc.calls)
	}

	clk.Advance(2 * time.Minute)
	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if disc.calls != 2 {
		t.Fatalf("expected refresh after TTL expiry, got %d calls", disc.calls)
	}
}

func TestForceRefreshBypassesTTL(t *testing.T) {
	clk := newFakeClock(time.Unix(0, 0))
	disc := &countingDiscoverer{}
	c := New(disc, clk, logging.New(false), time.Hour)

	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), true); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if disc.calls != 2 {
		t.Fatalf("expected force refresh to bypass TTL, got %d calls", disc.calls)
	}
}

func TestInvalidateForcesNextRefresh(t *testing.T) {
	clk := newFakeClock(time.Unix(0, 0))
	disc := &countingDiscoverer{}
	c := New(disc, clk, logging.New(false), time.Hour)

	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate()
	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if disc.calls != 2 {
		t.Fatalf("expected invalidate to force a refresh, got %d calls", disc.calls)
	}
}

func TestSnapshotDoesNotRefresh(t *testing.T) {
	clk := newFakeClock(time.Unix(0, 0))
	disc := &countingDiscoverer{}
	c := New(disc, clk, logging.New(false), time.Hour)

	if _, ok := c.Snapshot(); ok {
		t.Fatal("expected no snapshot before first Get")
	}
	if _, err := c.Get(context.Background(), false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := c.Snapshot(); !ok {
		t.Fatal("expected snapshot after Get")
	}
	if disc.calls != 1 {
		t.Fatalf("expected Snapshot to not trigger a discover, got %d calls", disc.calls)
	}
}

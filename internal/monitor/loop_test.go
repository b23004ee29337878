package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/subscription"
	"github.com/siteflow/siteflow/internal/topology"
)

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	chs  []chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.chs = append(c.chs, ch)
	return ch
}
func (c *fakeClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.chs {
		select {
		case ch <- c.now:
		default:
		}
	}
	c.chs = nil
}

type fakeState struct {
	mu    sync.Mutex
	sites []discovery.Site
	calls int
}

func (f *fakeState) Get(_ context.Context, _ bool) ([]discovery.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.sites, nil
}

type fakeGraphs struct{}

func (fakeGraphs) Build(sites []discovery.Site) topology.Graph {
	return topology.Build(sites, topology.Options{})
}

type recordingPublisher struct {
	mu    sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(topic string, _ subscription.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestRunPublishesOnFirstCycle(t *testing.T) {
	clk := newFakeClock()
	state := &fakeState{sites: []discovery.Site{{Name: "blog", Status: discovery.StatusRunning}}}
	pub := &recordingPublisher{}
	l := New(state, fakeGraphs{}, pub, logging.New(false), clk, func() time.Duration { return time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, func() bool { return pub.count(subscription.MsgSitesUpdate) == 1 })
	waitFor(t, func() bool { return pub.count(subscription.MsgGraphUpdate) == 1 })
}

func TestRunSkipsPublishWhenUnchanged(t *testing.T) {
	clk := newFakeClock()
	state := &fakeState{sites: []discovery.Site{{Name: "blog", Status: discovery.StatusRunning}}}
	pub := &recordingPublisher{}
	l := New(state, fakeGraphs{}, pub, logging.New(false), clk, func() time.Duration { return time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, func() bool { return pub.count(subscription.MsgSitesUpdate) == 1 })

	clk.fire() // second cycle, same sites
	waitFor(t, func() bool {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.calls >= 2
	})
	time.Sleep(50 * time.Millisecond)
	if pub.count(subscription.MsgSitesUpdate) != 1 {
		t.Fatalf("expected no new publish for unchanged sites, got %d", pub.count(subscription.MsgSitesUpdate))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

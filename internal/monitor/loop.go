// Package monitor implements the Monitor Loop (spec §4.5): a cooperative
// ticker-driven task that periodically force-refreshes discovery, rebuilds
// the topology graph, and publishes to the Subscription Hub on change.
// Grounded directly on internal/engine/scheduler.go's Run() select-loop
// shape (ticker + resetCh + ctx.Done) and clock.Clock injection.
package monitor

import (
	"context"
	"time"

	"github.com/siteflow/siteflow/internal/canonical"
	"github.com/siteflow/siteflow/internal/clock"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/subscription"
	"github.com/siteflow/siteflow/internal/topology"
)

// StateGetter is the narrow slice of statecache.Cache the loop depends on.
type StateGetter interface {
	Get(ctx context.Context, forceRefresh bool) ([]discovery.Site, error)
}

// GraphBuilder builds the topology overlay for a discovered site list.
type GraphBuilder interface {
	Build(sites []discovery.Site) topology.Graph
}

// Publisher is the narrow slice of subscription.Hub the loop publishes to.
type Publisher interface {
	Publish(topic string, msg subscription.Outbound)
}

// Loop runs scan cycles at a configurable interval.
type Loop struct {
	state   StateGetter
	graphs  GraphBuilder
	pub     Publisher
	log     *logging.Logger
	clock   clock.Clock
	resetCh chan struct{}

	interval func() time.Duration

	lastSitesFP string
	lastGraphFP string
}

// New builds a Loop. interval is read fresh on every cycle so the poll
// period can be changed at runtime via config.
func New(state StateGetter, graphs GraphBuilder, pub Publisher, log *logging.Logger, clk clock.Clock, interval func() time.Duration) *Loop {
	return &Loop{
		state:    state,
		graphs:   graphs,
		pub:      pub,
		log:      log.Component("monitor"),
		clock:    clk,
		resetCh:  make(chan struct{}, 1),
		interval: interval,
	}
}

// ResetTimer wakes the loop up to re-read the interval immediately, used
// when the poll interval setting changes at runtime.
func (l *Loop) ResetTimer() {
	select {
	case l.resetCh <- struct{}{}:
	default:
	}
}

// Run executes an initial cycle immediately, then one every interval, until
// ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.runCycle(ctx)

	for {
		select {
		case <-l.clock.After(l.interval()):
			l.runCycle(ctx)
		case <-l.resetCh:
			l.log.Info("monitor interval changed, resetting timer", "interval", l.interval())
		case <-ctx.Done():
			l.log.Info("monitor loop stopped")
			return nil
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	sites, err := l.state.Get(ctx, true)
	if err != nil {
		l.log.Warn("monitor cycle: discovery refresh failed, retrying next cycle", "error", err)
		metrics.MonitorCyclesTotal.WithLabelValues("transport_error").Inc()
		return
	}

	sitesFP, err := canonical.Fingerprint(sites)
	if err != nil {
		l.log.Warn("monitor cycle: failed to fingerprint sites", "error", err)
		metrics.MonitorCyclesTotal.WithLabelValues("fingerprint_error").Inc()
		return
	}

	graph := l.graphs.Build(sites)
	graphFP, err := canonical.Fingerprint(graph)
	if err != nil {
		l.log.Warn("monitor cycle: failed to fingerprint graph", "error", err)
		metrics.MonitorCyclesTotal.WithLabelValues("fingerprint_error").Inc()
		return
	}

	if sitesFP != l.lastSitesFP {
		l.lastSitesFP = sitesFP
		l.pub.Publish(subscription.MsgSitesUpdate, subscription.Outbound{Payload: sites})
	}
	if graphFP != l.lastGraphFP {
		l.lastGraphFP = graphFP
		l.pub.Publish(subscription.MsgGraphUpdate, subscription.Outbound{Payload: graph})
	}
	metrics.MonitorCyclesTotal.WithLabelValues("ok").Inc()
}

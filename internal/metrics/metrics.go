// Package metrics exposes SiteFlow's own operational gauges and counters —
// the daemon's self-health, distinct from the non-goal of long-term *site*
// container metric storage (SPEC_FULL.md Supplemented Features). Grounded
// almost directly on internal/metrics/metrics.go's promauto var-block
// pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SSHSessionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siteflow_ssh_sessions_in_use",
		Help: "Number of SSH sessions currently checked out from the remote executor's pool.",
	})
	SSHCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "siteflow_ssh_command_duration_seconds",
		Help:    "Duration of remote command executions.",
		Buckets: prometheus.DefBuckets,
	})
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "siteflow_discovery_duration_seconds",
		Help:    "Duration of a full discovery pipeline run.",
		Buckets: prometheus.DefBuckets,
	})
	MonitorCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_monitor_cycles_total",
		Help: "Total monitor loop cycles, by outcome.",
	}, []string{"outcome"})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siteflow_ws_connections",
		Help: "Number of live websocket subscriber connections.",
	})
	WSSlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteflow_ws_slow_consumer_drops_total",
		Help: "Total websocket connections closed for failing to drain their outbound queue.",
	})
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_actions_total",
		Help: "Total lifecycle actions executed, by action type and terminal status.",
	}, []string{"action_type", "status"})
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "siteflow_action_duration_seconds",
		Help:    "Duration of lifecycle actions, by action type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action_type"})
	AuditWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_audit_writes_total",
		Help: "Total audit log writes, by outcome.",
	}, []string{"outcome"})
	ProvisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_provisions_total",
		Help: "Total provision attempts, by outcome.",
	}, []string{"outcome"})
	SitesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siteflow_sites_total",
		Help: "Number of sites discovered on the managed host.",
	})
)

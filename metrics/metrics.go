// Package metrics defines the Prometheus instrumentation for the
// pipeline controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the controller exports. Construct one
// per process with New; tests pass their own registry.
type Metrics struct {
	// ReconcileAttempts counts reconciliation attempts by outcome:
	// committed, rejected, rolled_back, stale.
	ReconcileAttempts *prometheus.CounterVec

	// ReconcileDuration observes end-to-end attempt latency.
	ReconcileDuration prometheus.Histogram

	// CommittedGeneration is the generation of the committed topology.
	CommittedGeneration prometheus.Gauge

	// CapacityAlerts counts pushes rejected for band or scratch
	// exhaustion. A provisioning limit, so operator-visible.
	CapacityAlerts prometheus.Counter

	// FlowOps counts flow lifecycle operations by op and outcome.
	FlowOps *prometheus.CounterVec

	// StatsExportFailures counts failed pushes to the usage collector.
	StatsExportFailures prometheus.Counter

	// StatsSamplesDropped counts samples lost to the bounded buffer.
	StatsSamplesDropped prometheus.Counter

	// CounterAnomalies counts unexplained backwards counter readings.
	CounterAnomalies prometheus.Counter
}

// New builds and registers the controller metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_reconcile_attempts_total",
			Help: "Reconciliation attempts by outcome.",
		}, []string{"outcome"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipelined_reconcile_duration_seconds",
			Help:    "End-to-end reconciliation attempt duration.",
			Buckets: prometheus.DefBuckets,
		}),
		CommittedGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelined_committed_generation",
			Help: "Configuration generation of the committed topology.",
		}),
		CapacityAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_capacity_alerts_total",
			Help: "Configuration pushes rejected for table capacity or scratch exhaustion.",
		}),
		FlowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_flow_operations_total",
			Help: "Flow lifecycle operations by op and outcome.",
		}, []string{"op", "outcome"}),
		StatsExportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_stats_export_failures_total",
			Help: "Failed usage batch pushes to the collector.",
		}),
		StatsSamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_stats_samples_dropped_total",
			Help: "Usage samples dropped from the bounded retry buffer.",
		}),
		CounterAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_counter_anomalies_total",
			Help: "Counter readings that went backwards without a rule replacement.",
		}),
	}
	reg.MustRegister(
		m.ReconcileAttempts,
		m.ReconcileDuration,
		m.CommittedGeneration,
		m.CapacityAlerts,
		m.FlowOps,
		m.StatsExportFailures,
		m.StatsSamplesDropped,
		m.CounterAnomalies,
	)
	return m
}

// NewUnregistered builds metrics on a private registry. For tests and
// library use where nothing scrapes them.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

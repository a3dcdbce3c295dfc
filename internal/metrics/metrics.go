// Package metrics defines Prometheus metrics for the orchestrator.
//
// All metrics are registered with the controller-runtime default registry
// so they are automatically served on the manager's metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - llmctl_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// RunsStartedTotal counts run claims by trigger kind.
	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_runs_started_total",
			Help: "Total flowchart runs claimed by the scheduler.",
		},
		[]string{"trigger"},
	)

	// RunsCompletedTotal counts runs reaching a terminal status.
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_runs_completed_total",
			Help: "Total flowchart runs finished, by terminal status.",
		},
		[]string{"status"},
	)

	// RunDurationSeconds is a histogram of run duration by terminal status.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmctl_run_duration_seconds",
			Help:    "Duration of flowchart runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"status"},
	)

	// NodeDispatchesTotal counts node dispatch outcomes by terminal
	// dispatch status (dispatch_confirmed, dispatch_failed, ...).
	NodeDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_node_dispatches_total",
			Help: "Total node dispatch attempts by terminal dispatch status.",
		},
		[]string{"dispatch_status"},
	)

	// DispatchConfirmLatencySeconds measures job submission to startup
	// marker observation.
	DispatchConfirmLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmctl_dispatch_confirm_latency_seconds",
			Help:    "Latency from Kubernetes Job submission to startup confirmation.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// NodesCompletedTotal counts node attempts by node type and status.
	NodesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_nodes_completed_total",
			Help: "Total node attempts finished, by node type and status.",
		},
		[]string{"node_type", "status"},
	)

	// OutboxPublishLagSeconds measures staging-to-publish delay for
	// realtime event envelopes.
	OutboxPublishLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmctl_outbox_publish_lag_seconds",
			Help:    "Delay between event staging and broker publication.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// ActiveRuns is the number of runs currently being driven.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmctl_active_runs",
			Help: "Number of flowchart runs currently executing.",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		RunsStartedTotal,
		RunsCompletedTotal,
		RunDurationSeconds,
		NodeDispatchesTotal,
		DispatchConfirmLatencySeconds,
		NodesCompletedTotal,
		OutboxPublishLagSeconds,
		ActiveRuns,
	)
}

// RecordRunComplete records metrics for a finished run.
func RecordRunComplete(status string, duration time.Duration) {
	RunsCompletedTotal.WithLabelValues(status).Inc()
	RunDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	ActiveRuns.Dec()
}

// RecordRunStart marks a run as claimed and active.
func RecordRunStart(trigger string) {
	RunsStartedTotal.WithLabelValues(trigger).Inc()
	ActiveRuns.Inc()
}

// RecordDispatch records one node dispatch outcome. confirmLatency is
// ignored when the dispatch never confirmed.
func RecordDispatch(dispatchStatus string, confirmLatency time.Duration) {
	NodeDispatchesTotal.WithLabelValues(dispatchStatus).Inc()
	if confirmLatency > 0 {
		DispatchConfirmLatencySeconds.Observe(confirmLatency.Seconds())
	}
}

// RecordNodeComplete records one finished node attempt.
func RecordNodeComplete(nodeType, status string) {
	NodesCompletedTotal.WithLabelValues(nodeType, status).Inc()
}

// RecordOutboxLag records staging-to-publish delay for one envelope.
func RecordOutboxLag(lag time.Duration) {
	if lag > 0 {
		OutboxPublishLagSeconds.Observe(lag.Seconds())
	}
}

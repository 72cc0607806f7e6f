// Package observability provides Prometheus metrics for kpitree.
//
// # Description
//
// Two metric sets are defined:
//   - TreeMetrics: decomposition-tree transitions and the queries they issue
//   - HTTPMetrics: the aggregation service's request counters and latencies
//
// Both are created against an explicit prometheus.Registerer so tests and
// embedding programs can use private registries. Exposed via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "kpitree"

const (
	treeSubsystem = "tree"
	httpSubsystem = "http"
)

// TreeMetrics holds the Prometheus collectors for tree.Manager.
//
// # Fields
//
//   - OperationsTotal: transitions by operation and outcome
//   - QueriesTotal: aggregation queries by kind (total, split) and outcome
//   - QueryDurationSeconds: aggregation query latency by kind
//   - RebuildDurationSeconds: full replay latency
//   - Depth: current number of non-root levels
//
// A nil *TreeMetrics is valid and records nothing.
type TreeMetrics struct {
	// OperationsTotal counts tree transitions.
	// Labels: op (set_metric, rebuild, fetch_split, drill, close_level, reset), status (ok, error, superseded)
	OperationsTotal *prometheus.CounterVec

	// QueriesTotal counts aggregation queries issued by the tree.
	// Labels: kind (total, split), status (ok, error)
	QueriesTotal *prometheus.CounterVec

	// QueryDurationSeconds measures aggregation query latency.
	// Labels: kind (total, split)
	QueryDurationSeconds *prometheus.HistogramVec

	// RebuildDurationSeconds measures a complete rebuild.
	RebuildDurationSeconds prometheus.Histogram

	// Depth is the number of non-root levels after the last transition.
	Depth prometheus.Gauge
}

// NewTreeMetrics creates and registers tree collectors on reg.
//
// # Limitations
//
//   - Panics if called twice against the same registry (duplicate registration).
func NewTreeMetrics(reg prometheus.Registerer) *TreeMetrics {
	f := promauto.With(reg)
	return &TreeMetrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "operations_total",
				Help:      "Total number of tree transitions by operation and status",
			},
			[]string{"op", "status"},
		),
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "queries_total",
				Help:      "Total number of aggregation queries by kind and status",
			},
			[]string{"kind", "status"},
		),
		QueryDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "query_duration_seconds",
				Help:      "Aggregation query latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		RebuildDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "rebuild_duration_seconds",
				Help:      "Full tree rebuild latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		Depth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "depth",
				Help:      "Number of non-root levels in the tree",
			},
		),
	}
}

// RecordOperation counts one transition.
func (m *TreeMetrics) RecordOperation(op, status string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordQuery counts one aggregation query and its latency.
func (m *TreeMetrics) RecordQuery(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind, statusOf(err)).Inc()
	m.QueryDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRebuild observes a completed rebuild.
func (m *TreeMetrics) RecordRebuild(d time.Duration) {
	if m == nil {
		return
	}
	m.RebuildDurationSeconds.Observe(d.Seconds())
}

// SetDepth records the tree depth.
func (m *TreeMetrics) SetDepth(n int) {
	if m == nil {
		return
	}
	m.Depth.Set(float64(n))
}

// HTTPMetrics holds the aggregation service's request metrics.
type HTTPMetrics struct {
	// RequestsTotal counts requests.
	// Labels: route, method, code
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency.
	// Labels: route, method
	RequestDurationSeconds *prometheus.HistogramVec
}

// NewHTTPMetrics creates and registers HTTP collectors on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		RequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// Observe records one request.
func (m *HTTPMetrics) Observe(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, code).Inc()
	m.RequestDurationSeconds.WithLabelValues(route, method).Observe(d.Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Package metrics holds the Prometheus instrumentation for the ingestion
// pipeline, tracker, and feed client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every mintwatch metric.
type Registry struct {
	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	DedupDrops       prometheus.Counter
	ValidationErrors *prometheus.CounterVec
	DatabaseErrors   prometheus.Counter

	BatchesFlushed  prometheus.Counter
	BatchesRequeued prometheus.Counter
	BatchSize       prometheus.Histogram
	FlushDuration   prometheus.Histogram

	TokensTracked   prometheus.Gauge
	IndexSize       *prometheus.GaugeVec
	AlertsTriggered prometheus.Counter
	TrendsEmitted   *prometheus.CounterVec

	CleanupCycles   prometheus.Counter
	TokensRemoved   *prometheus.CounterVec
	CleanupDuration prometheus.Histogram

	WSReconnects    prometheus.Counter
	WSMessages      *prometheus.CounterVec
	DetectorLookups *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, registering its collectors
// with the default Prometheus registerer on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds and registers the metric set with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_events_received_total",
			Help: "Feed events accepted into the processor queue",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_events_dropped_total",
			Help: "Events dropped before processing",
		}, []string{"cause"}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_dedup_drops_total",
			Help: "Token updates suppressed inside the dedup window",
		}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_validation_errors_total",
			Help: "Events rejected by validation",
		}, []string{"kind"}),
		DatabaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_database_errors_total",
			Help: "Sink write failures",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_batches_flushed_total",
			Help: "Batches committed to the sink",
		}),
		BatchesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_batches_requeued_total",
			Help: "Batches re-queued after a sink failure",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mintwatch_batch_size",
			Help:    "Records per committed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mintwatch_flush_duration_seconds",
			Help:    "Sink batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		TokensTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mintwatch_tokens_tracked",
			Help: "Tokens currently tracked in memory",
		}),
		IndexSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mintwatch_index_size",
			Help: "Membership count per derived index",
		}, []string{"index"}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_alerts_triggered_total",
			Help: "One-shot alerts fired",
		}),
		TrendsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_trends_emitted_total",
			Help: "Trend detections emitted",
		}, []string{"window", "direction"}),
		CleanupCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_cleanup_cycles_total",
			Help: "Cleanup transactions started",
		}),
		TokensRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_tokens_removed_total",
			Help: "Tokens untracked by cleanup",
		}, []string{"reason"}),
		CleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mintwatch_cleanup_duration_seconds",
			Help:    "Cleanup transaction latency",
			Buckets: prometheus.DefBuckets,
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mintwatch_ws_reconnects_total",
			Help: "Feed reconnect attempts",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_ws_messages_total",
			Help: "Feed frames parsed, by resulting event kind",
		}, []string{"kind"}),
		DetectorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintwatch_detector_lookups_total",
			Help: "Platform detections, by method",
		}, []string{"method"}),
	}

	reg.MustRegister(
		r.EventsReceived, r.EventsDropped, r.DedupDrops, r.ValidationErrors,
		r.DatabaseErrors, r.BatchesFlushed, r.BatchesRequeued, r.BatchSize,
		r.FlushDuration, r.TokensTracked, r.IndexSize, r.AlertsTriggered,
		r.TrendsEmitted, r.CleanupCycles, r.TokensRemoved, r.CleanupDuration,
		r.WSReconnects, r.WSMessages, r.DetectorLookups,
	)
	return r
}

// NewForTest builds a registry bound to a private Prometheus registry.
func NewForTest() (*Registry, *prometheus.Registry) {
	preg := prometheus.NewRegistry()
	return New(preg), preg
}

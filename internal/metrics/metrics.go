// Package metrics defines the Prometheus instrumentation for the dispatch
// engine and the storage layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all courier metrics, registered on a private registry so
// tests can construct independent instances.
type Metrics struct {
	registry *prometheus.Registry

	Submitted       prometheus.Counter
	Delivered       prometheus.Counter
	Failed          *prometheus.CounterVec
	Retries         prometheus.Counter
	QueueDepth      prometheus.Gauge
	InFlight        prometheus.Gauge
	AttemptDuration prometheus.Histogram
	Events          *prometheus.CounterVec

	storeReadBytes    prometheus.Counter
	storeCommitTotal  prometheus.Counter
	storeCommitNanos  prometheus.Counter
	storeReadDuration prometheus.Histogram
}

// New creates and registers all courier metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "messages",
			Name:      "submitted_total",
			Help:      "Total number of messages accepted at ingest",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Total number of messages delivered",
		}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "messages",
			Name:      "failed_total",
			Help:      "Total number of failed delivery attempts by kind",
		}, []string{"kind"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "messages",
			Name:      "retries_total",
			Help:      "Total number of retry re-enqueues",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of messages waiting in the queue",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "dispatch",
			Name:      "inflight",
			Help:      "Number of delivery attempts currently in flight",
		}),
		AttemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "dispatch",
			Name:      "attempt_duration_seconds",
			Help:      "Carrier attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Status events by outcome (dispatched, dropped)",
		}, []string{"outcome"}),
		storeReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "read_bytes_total",
			Help:      "Bytes read from the key-value store",
		}),
		storeCommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Batch commits against the key-value store",
		}),
		storeCommitNanos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "commit_nanoseconds_total",
			Help:      "Cumulative batch commit latency in nanoseconds",
		}),
		storeReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "read_duration_seconds",
			Help:      "Key-value read latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}

	m.registry.MustRegister(
		m.Submitted, m.Delivered, m.Failed, m.Retries,
		m.QueueDepth, m.InFlight, m.AttemptDuration, m.Events,
		m.storeReadBytes, m.storeCommitTotal, m.storeCommitNanos, m.storeReadDuration,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StorageHook adapts Metrics to the pebblestore.MetricsHook interface.
type StorageHook struct {
	m *Metrics
}

// Storage returns the hook to plug into pebblestore.Options.Metrics.
func (m *Metrics) Storage() *StorageHook { return &StorageHook{m: m} }

// ObserveRead records a key-value read.
func (h *StorageHook) ObserveRead(elapsed time.Duration, bytes int) {
	h.m.storeReadBytes.Add(float64(bytes))
	h.m.storeReadDuration.Observe(elapsed.Seconds())
}

// ObserveBatchCommit records a batch commit.
func (h *StorageHook) ObserveBatchCommit(elapsed time.Duration, _ int) {
	h.m.storeCommitTotal.Inc()
	h.m.storeCommitNanos.Add(float64(elapsed.Nanoseconds()))
}

package persist

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameEnqueued        = "gpstracker_persist_enqueued_total"
	MetricNameRejected        = "gpstracker_persist_rejected_total"
	MetricNameOverflowed      = "gpstracker_persist_overflowed_total"
	MetricNamePersisted       = "gpstracker_persist_records_total"
	MetricNamePersistFailures = "gpstracker_persist_failures_total"
	MetricNameBulkFallbacks   = "gpstracker_persist_bulk_fallbacks_total"
	MetricNameFlushes         = "gpstracker_persist_flushes_total"
	MetricNameQueueDepth      = "gpstracker_persist_queue_depth"
	MetricNameInsertDuration  = "gpstracker_persist_insert_duration_seconds"
)

type Metrics struct {
	Enqueued        prometheus.Counter
	Rejected        prometheus.Counter
	Overflowed      prometheus.Counter
	Persisted       prometheus.Counter
	PersistFailures prometheus.Counter
	BulkFallbacks   prometheus.Counter
	Flushes         prometheus.Counter
	QueueDepth      prometheus.Gauge
	InsertDuration  prometheus.Histogram
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameEnqueued,
			Help: "Number of history records accepted into the persist queues",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameRejected,
			Help: "Number of history records dropped with all queues full",
		}),
		Overflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameOverflowed,
			Help: "Number of history records diverted to the overflow queue",
		}),
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePersisted,
			Help: "Number of history records written to storage",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePersistFailures,
			Help: "Number of history records that failed the per-record fallback",
		}),
		BulkFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameBulkFallbacks,
			Help: "Number of bulk inserts that fell back to per-record writes",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameFlushes,
			Help: "Number of worker flushes",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricNameQueueDepth,
			Help: "Records currently buffered across all persist queues",
		}),
		InsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricNameInsertDuration,
			Help:    "Time to execute a storage insert",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.Enqueued, m.Rejected, m.Overflowed, m.Persisted, m.PersistFailures,
		m.BulkFallbacks, m.Flushes, m.QueueDepth, m.InsertDuration,
	)
}

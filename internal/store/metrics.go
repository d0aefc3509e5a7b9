package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameUpserts           = "gpstracker_location_upserts_total"
	MetricNameRateLimited       = "gpstracker_location_rate_limited_total"
	MetricNameStaleSkipped      = "gpstracker_location_stale_skipped_total"
	MetricNameIdentityConflicts = "gpstracker_location_identity_conflicts_total"
	MetricNameWriteRetries      = "gpstracker_location_write_retries_total"
	MetricNameWriteFailures     = "gpstracker_location_write_failures_total"
)

type LocationMetrics struct {
	Upserts           prometheus.Counter
	RateLimited       prometheus.Counter
	StaleSkipped      prometheus.Counter
	IdentityConflicts prometheus.Counter
	WriteRetries      prometheus.Counter
	WriteFailures     prometheus.Counter
}

// NewLocationMetrics creates the collectors but does not auto-register them.
func NewLocationMetrics() *LocationMetrics {
	return &LocationMetrics{
		Upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameUpserts,
			Help: "Number of last-location rows written",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameRateLimited,
			Help: "Number of upserts skipped by the per-device rate limit",
		}),
		StaleSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameStaleSkipped,
			Help: "Number of upserts skipped for carrying an older timestamp",
		}),
		IdentityConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameIdentityConflicts,
			Help: "Number of upserts rejected for conflicting identifiers",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameWriteRetries,
			Help: "Number of last-location write attempts that failed and were retried",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameWriteFailures,
			Help: "Number of upserts that failed after all retries",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *LocationMetrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.Upserts, m.RateLimited, m.StaleSkipped,
		m.IdentityConflicts, m.WriteRetries, m.WriteFailures,
	)
}

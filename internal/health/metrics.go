package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameChecks           = "gpstracker_health_checks_total"
	MetricNameChecksFailed     = "gpstracker_health_checks_failed_total"
	MetricNameChecksSkipped    = "gpstracker_health_checks_skipped_total"
	MetricNameBreakerState     = "gpstracker_health_breaker_state"
	MetricNameAlertsEmitted    = "gpstracker_health_alerts_emitted_total"
	MetricNameAlertsSuppressed = "gpstracker_health_alerts_suppressed_total"
)

type Metrics struct {
	Checks           prometheus.Counter
	ChecksFailed     prometheus.Counter
	ChecksSkipped    prometheus.Counter
	BreakerState     prometheus.Gauge
	AlertsEmitted    prometheus.Counter
	AlertsSuppressed prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Checks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameChecks,
			Help: "Number of health assessment cycles run",
		}),
		ChecksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameChecksFailed,
			Help: "Number of assessment cycles that found the system unhealthy",
		}),
		ChecksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameChecksSkipped,
			Help: "Number of assessment cycles skipped while the breaker was open",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricNameBreakerState,
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		AlertsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameAlertsEmitted,
			Help: "Number of alerts delivered to the sink",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameAlertsSuppressed,
			Help: "Number of alerts suppressed by the per-category cooldown",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.Checks, m.ChecksFailed, m.ChecksSkipped, m.BreakerState,
		m.AlertsEmitted, m.AlertsSuppressed,
	)
}

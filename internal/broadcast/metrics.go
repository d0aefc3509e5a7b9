package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameEmitted   = "gpstracker_broadcast_emitted_total"
	MetricNameDelivered = "gpstracker_broadcast_delivered_total"
	MetricNameDropped   = "gpstracker_broadcast_dropped_total"
)

type Metrics struct {
	Emitted   prometheus.Counter
	Delivered prometheus.Counter
	Dropped   prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameEmitted,
			Help: "Number of updates offered to the fan-out queue",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameDelivered,
			Help: "Number of updates delivered to subscribers",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameDropped,
			Help: "Number of updates dropped under overflow",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.Emitted, m.Delivered, m.Dropped)
}

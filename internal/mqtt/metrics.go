package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameConnectAttempts = "gpstracker_mqtt_connect_attempts_total"
	MetricNameConnectFailures = "gpstracker_mqtt_connect_failures_total"
	MetricNameConnectionsLost = "gpstracker_mqtt_connections_lost_total"
	MetricNameConnectDuration = "gpstracker_mqtt_connect_duration_seconds"
	MetricNamePublishes       = "gpstracker_mqtt_publishes_total"
	MetricNamePublishFailures = "gpstracker_mqtt_publish_failures_total"
	MetricNameSlowPublishes   = "gpstracker_mqtt_slow_publishes_total"
	MetricNameAcquireTimeouts = "gpstracker_mqtt_acquire_timeouts_total"
	MetricNamePoolSize        = "gpstracker_mqtt_pool_sessions"
	MetricNameScaleUps        = "gpstracker_mqtt_pool_scale_ups_total"
)

type Metrics struct {
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	ConnectionsLost prometheus.Counter
	ConnectDuration prometheus.Histogram
	Publishes       prometheus.Counter
	PublishFailures prometheus.Counter
	SlowPublishes   prometheus.Counter
	AcquireTimeouts prometheus.Counter
	PoolSize        prometheus.Gauge
	ScaleUps        prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameConnectAttempts,
			Help: "Number of MQTT connect attempts",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameConnectFailures,
			Help: "Number of failed MQTT connect attempts",
		}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameConnectionsLost,
			Help: "Number of established connections subsequently lost",
		}),
		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricNameConnectDuration,
			Help:    "Time to establish an MQTT connection",
			Buckets: prometheus.DefBuckets,
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePublishes,
			Help: "Number of successful publishes",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePublishFailures,
			Help: "Number of failed publishes",
		}),
		SlowPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameSlowPublishes,
			Help: "Number of publishes slower than the warning threshold",
		}),
		AcquireTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameAcquireTimeouts,
			Help: "Number of pool acquires that timed out",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricNamePoolSize,
			Help: "Current number of sessions owned by the pool",
		}),
		ScaleUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameScaleUps,
			Help: "Number of pool scale-up cycles",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.ConnectAttempts, m.ConnectFailures, m.ConnectionsLost, m.ConnectDuration,
		m.Publishes, m.PublishFailures, m.SlowPublishes, m.AcquireTimeouts,
		m.PoolSize, m.ScaleUps,
	)
}

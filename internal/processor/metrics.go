package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameProcessed        = "gpstracker_processor_records_total"
	MetricNameAccepted         = "gpstracker_processor_accepted_total"
	MetricNameInvalid          = "gpstracker_processor_invalid_total"
	MetricNameNoVehicle        = "gpstracker_processor_no_vehicle_total"
	MetricNameBindings         = "gpstracker_processor_bindings_total"
	MetricNameBindingConflicts = "gpstracker_processor_binding_conflicts_total"
	MetricNamePersistRejected  = "gpstracker_processor_persist_rejected_total"
	MetricNameSpeedAlerts      = "gpstracker_processor_speed_alerts_total"
	MetricNameQuietHourAlerts  = "gpstracker_processor_quiet_hour_alerts_total"
)

type Metrics struct {
	Processed        prometheus.Counter
	Accepted         prometheus.Counter
	Invalid          prometheus.Counter
	NoVehicle        prometheus.Counter
	Bindings         prometheus.Counter
	BindingConflicts prometheus.Counter
	PersistRejected  prometheus.Counter
	SpeedAlerts      prometheus.Counter
	QuietHourAlerts  prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameProcessed,
			Help: "Number of records entering the pipeline",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameAccepted,
			Help: "Number of records that completed the pipeline",
		}),
		Invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameInvalid,
			Help: "Number of records rejected by validation",
		}),
		NoVehicle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameNoVehicle,
			Help: "Number of records with no registered vehicle",
		}),
		Bindings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameBindings,
			Help: "Number of first-time device bindings",
		}),
		BindingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameBindingConflicts,
			Help: "Number of records rejected for a conflicting device binding",
		}),
		PersistRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePersistRejected,
			Help: "Number of history records the persister refused",
		}),
		SpeedAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameSpeedAlerts,
			Help: "Number of over-speed alerts raised",
		}),
		QuietHourAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameQuietHourAlerts,
			Help: "Number of quiet-hours ignition alerts raised",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.Processed, m.Accepted, m.Invalid, m.NoVehicle, m.Bindings,
		m.BindingConflicts, m.PersistRejected, m.SpeedAlerts, m.QuietHourAlerts,
	)
}

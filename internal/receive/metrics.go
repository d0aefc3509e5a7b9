package receive

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameMessagesReceived  = "gpstracker_receive_messages_total"
	MetricNameParseFailures     = "gpstracker_receive_parse_failures_total"
	MetricNameHexConversions    = "gpstracker_receive_hex_conversions_total"
	MetricNameQueueRejected     = "gpstracker_receive_queue_rejected_total"
	MetricNameDuplicatesDropped = "gpstracker_receive_duplicates_dropped_total"
	MetricNameBatchesFlushed    = "gpstracker_receive_batches_flushed_total"
	MetricNameNewDevices        = "gpstracker_receive_new_devices_total"
)

type Metrics struct {
	MessagesReceived  prometheus.Counter
	ParseFailures     prometheus.Counter
	HexConversions    prometheus.Counter
	QueueRejected     prometheus.Counter
	DuplicatesDropped prometheus.Counter
	BatchesFlushed    prometheus.Counter
	NewDevices        prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameMessagesReceived,
			Help: "Number of inbound MQTT messages received",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameParseFailures,
			Help: "Number of payloads that failed to parse",
		}),
		HexConversions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameHexConversions,
			Help: "Number of hex-armored payloads converted to ASCII",
		}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameQueueRejected,
			Help: "Number of records dropped because the batch queue was full",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameDuplicatesDropped,
			Help: "Number of redelivered records suppressed by the dedupe window",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameBatchesFlushed,
			Help: "Number of batches flushed to the processor",
		}),
		NewDevices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameNewDevices,
			Help: "Number of first-time devices seen",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.MessagesReceived, m.ParseFailures, m.HexConversions,
		m.QueueRejected, m.DuplicatesDropped, m.BatchesFlushed, m.NewDevices,
	)
}

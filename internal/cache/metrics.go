package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameHits            = "gpstracker_cache_hits_total"
	MetricNameMisses          = "gpstracker_cache_misses_total"
	MetricNameLoadFailures    = "gpstracker_cache_load_failures_total"
	MetricNameInvalidations   = "gpstracker_cache_invalidations_total"
	MetricNamePrefetches      = "gpstracker_cache_prefetches_total"
	MetricNameVehicleEntries  = "gpstracker_cache_vehicle_entries"
	MetricNameLocationEntries = "gpstracker_cache_location_entries"
)

type Metrics struct {
	Hits            prometheus.Counter
	Misses          prometheus.Counter
	LoadFailures    prometheus.Counter
	Invalidations   prometheus.Counter
	Prefetches      prometheus.Counter
	VehicleEntries  prometheus.Gauge
	LocationEntries prometheus.Gauge
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameHits,
			Help: "Number of cache hits",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameMisses,
			Help: "Number of cache misses",
		}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameLoadFailures,
			Help: "Number of read-through loads that failed",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNameInvalidations,
			Help: "Number of vehicle invalidations",
		}),
		Prefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNamePrefetches,
			Help: "Number of hot vehicles refreshed by maintenance",
		}),
		VehicleEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricNameVehicleEntries,
			Help: "Vehicles currently cached",
		}),
		LocationEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricNameLocationEntries,
			Help: "Last locations currently cached",
		}),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.Hits, m.Misses, m.LoadFailures, m.Invalidations,
		m.Prefetches, m.VehicleEntries, m.LocationEntries,
	)
}

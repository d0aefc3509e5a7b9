// Package cache is the read-through cache in front of the vehicle registry:
// vehicles by imei and by id, last locations by device id and by imei, and
// the deviceId to imei mapping.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultVehicleCapacity  = 10000
	defaultLocationCapacity = 20000
	defaultVehicleTTL       = 30 * time.Minute
	defaultVehicleMaxAge    = 60 * time.Minute
	defaultMappingTTL       = 30 * time.Minute
	defaultLocationTTL      = 10 * time.Minute
	defaultMaintenanceEvery = 5 * time.Minute

	prefetchTopN = 100
)

// Source loads vehicles on cache miss.
type Source interface {
	VehicleByIMEI(ctx context.Context, imei string) (*report.Vehicle, error)
	VehicleByDeviceID(ctx context.Context, deviceID string) (*report.Vehicle, error)
}

type Config struct {
	Logger *slog.Logger
	Source Source

	VehicleCapacity  int
	LocationCapacity int
	VehicleTTL       time.Duration
	VehicleMaxAge    time.Duration
	LocationTTL      time.Duration
	MaintenanceEvery time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.VehicleCapacity == 0 {
		c.VehicleCapacity = defaultVehicleCapacity
	}
	if c.LocationCapacity == 0 {
		c.LocationCapacity = defaultLocationCapacity
	}
	if c.VehicleTTL == 0 {
		c.VehicleTTL = defaultVehicleTTL
	}
	if c.VehicleMaxAge == 0 {
		c.VehicleMaxAge = defaultVehicleMaxAge
	}
	if c.LocationTTL == 0 {
		c.LocationTTL = defaultLocationTTL
	}
	if c.MaintenanceEvery == 0 {
		c.MaintenanceEvery = defaultMaintenanceEvery
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// vehicleEntry carries the load time so a constantly-read vehicle is still
// reloaded once it exceeds VehicleMaxAge, even though the TTL slides on
// every access.
type vehicleEntry struct {
	vehicle  *report.Vehicle
	loadedAt time.Time
}

// VehicleCache holds five TTL caches. Vehicle entries slide on access up to
// a hard reload age; location entries expire faster because they are
// rewritten constantly.
type VehicleCache struct {
	log *slog.Logger
	cfg *Config

	byIMEI      *ttlcache.Cache[string, vehicleEntry]
	byID        *ttlcache.Cache[string, *report.Vehicle]
	locByDevice *ttlcache.Cache[string, *report.LastLocation]
	locByIMEI   *ttlcache.Cache[string, *report.LastLocation]
	deviceIMEI  *ttlcache.Cache[string, string]

	accessMu sync.Mutex
	accesses map[string]uint64 // imei -> lookups since last maintenance
}

func New(cfg *Config) (*VehicleCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VehicleCache{
		log: cfg.Logger.With("component", "vehicle-cache"),
		cfg: cfg,
		byIMEI: ttlcache.New(
			ttlcache.WithTTL[string, vehicleEntry](cfg.VehicleTTL),
			ttlcache.WithCapacity[string, vehicleEntry](uint64(cfg.VehicleCapacity)),
		),
		byID: ttlcache.New(
			ttlcache.WithTTL[string, *report.Vehicle](cfg.VehicleTTL),
			ttlcache.WithCapacity[string, *report.Vehicle](uint64(cfg.VehicleCapacity)),
		),
		locByDevice: ttlcache.New(
			ttlcache.WithTTL[string, *report.LastLocation](cfg.LocationTTL),
			ttlcache.WithCapacity[string, *report.LastLocation](uint64(cfg.LocationCapacity)),
		),
		locByIMEI: ttlcache.New(
			ttlcache.WithTTL[string, *report.LastLocation](cfg.LocationTTL),
			ttlcache.WithCapacity[string, *report.LastLocation](uint64(cfg.LocationCapacity)),
		),
		deviceIMEI: ttlcache.New(
			ttlcache.WithTTL[string, string](cfg.VehicleTTL),
			ttlcache.WithCapacity[string, string](uint64(cfg.VehicleCapacity)),
		),
		accesses: make(map[string]uint64),
	}, nil
}

// VehicleByIMEI returns the vehicle for an imei, loading it from the source
// on miss. Returns the source's error on load failure, including not-found.
func (vc *VehicleCache) VehicleByIMEI(ctx context.Context, imei string) (*report.Vehicle, error) {
	vc.noteAccess(imei)
	if item := vc.byIMEI.Get(imei); item != nil {
		e := item.Value()
		if vc.cfg.Clock.Since(e.loadedAt) < vc.cfg.VehicleMaxAge {
			vc.cfg.Metrics.Hits.Inc()
			return e.vehicle, nil
		}
		// Entry outlived the hard age cap; reload from the source.
		vc.byIMEI.Delete(imei)
	}
	vc.cfg.Metrics.Misses.Inc()
	v, err := vc.cfg.Source.VehicleByIMEI(ctx, imei)
	if err != nil {
		vc.cfg.Metrics.LoadFailures.Inc()
		return nil, err
	}
	vc.SetVehicle(v)
	return v, nil
}

// VehicleByDeviceID resolves through the deviceId to imei mapping first.
func (vc *VehicleCache) VehicleByDeviceID(ctx context.Context, deviceID string) (*report.Vehicle, error) {
	if item := vc.deviceIMEI.Get(deviceID); item != nil {
		return vc.VehicleByIMEI(ctx, item.Value())
	}
	vc.cfg.Metrics.Misses.Inc()
	v, err := vc.cfg.Source.VehicleByDeviceID(ctx, deviceID)
	if err != nil {
		vc.cfg.Metrics.LoadFailures.Inc()
		return nil, err
	}
	vc.SetVehicle(v)
	return v, nil
}

// SetVehicle caches a vehicle under every key that identifies it.
func (vc *VehicleCache) SetVehicle(v *report.Vehicle) {
	if v == nil {
		return
	}
	vc.byIMEI.Set(v.IMEI, vehicleEntry{vehicle: v, loadedAt: vc.cfg.Clock.Now()}, ttlcache.DefaultTTL)
	vc.byID.Set(strconv.FormatInt(v.VehicleID, 10), v, ttlcache.DefaultTTL)
	if v.Bound() {
		vc.deviceIMEI.Set(v.DeviceID, v.IMEI, ttlcache.DefaultTTL)
	}
}

// Invalidate drops every entry referring to the vehicle, across all five
// caches. Must be called on any vehicle mutation, binding included.
func (vc *VehicleCache) Invalidate(v *report.Vehicle) {
	if v == nil {
		return
	}
	vc.byIMEI.Delete(v.IMEI)
	vc.byID.Delete(strconv.FormatInt(v.VehicleID, 10))
	vc.locByIMEI.Delete(v.IMEI)
	if v.DeviceID != "" {
		vc.deviceIMEI.Delete(v.DeviceID)
		vc.locByDevice.Delete(v.DeviceID)
	}
	vc.cfg.Metrics.Invalidations.Inc()
}

// LastLocationByDeviceID returns the cached last location for a device.
func (vc *VehicleCache) LastLocationByDeviceID(deviceID string) (*report.LastLocation, bool) {
	if item := vc.locByDevice.Get(deviceID); item != nil {
		vc.cfg.Metrics.Hits.Inc()
		return item.Value(), true
	}
	vc.cfg.Metrics.Misses.Inc()
	return nil, false
}

// LastLocationByIMEI returns the cached last location for an imei.
func (vc *VehicleCache) LastLocationByIMEI(imei string) (*report.LastLocation, bool) {
	if item := vc.locByIMEI.Get(imei); item != nil {
		vc.cfg.Metrics.Hits.Inc()
		return item.Value(), true
	}
	vc.cfg.Metrics.Misses.Inc()
	return nil, false
}

// SetLastLocation is the write-through entry point used after a successful
// upsert.
func (vc *VehicleCache) SetLastLocation(loc *report.LastLocation) {
	if loc == nil {
		return
	}
	if loc.DeviceID != "" {
		vc.locByDevice.Set(loc.DeviceID, loc, ttlcache.DefaultTTL)
	}
	if loc.IMEI != "" {
		vc.locByIMEI.Set(loc.IMEI, loc, ttlcache.DefaultTTL)
	}
}

// Run drives expiry and the periodic maintenance tick.
func (vc *VehicleCache) Run(ctx context.Context) error {
	for _, start := range []func(){
		vc.byIMEI.Start, vc.byID.Start,
		vc.locByDevice.Start, vc.locByIMEI.Start, vc.deviceIMEI.Start,
	} {
		go start()
	}
	defer func() {
		vc.byIMEI.Stop()
		vc.byID.Stop()
		vc.locByDevice.Stop()
		vc.locByIMEI.Stop()
		vc.deviceIMEI.Stop()
	}()

	tick := vc.cfg.Clock.NewTicker(vc.cfg.MaintenanceEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
			vc.Maintain(ctx)
		}
	}
}

// Maintain logs cache statistics and refreshes the most-read vehicles so hot
// entries never expire mid-traffic.
func (vc *VehicleCache) Maintain(ctx context.Context) {
	hot := vc.takeHotIMEIs(prefetchTopN)
	for _, imei := range hot {
		if ctx.Err() != nil {
			return
		}
		v, err := vc.cfg.Source.VehicleByIMEI(ctx, imei)
		if err != nil {
			continue
		}
		vc.SetVehicle(v)
		vc.cfg.Metrics.Prefetches.Inc()
	}

	st := vc.Stats()
	vc.cfg.Metrics.VehicleEntries.Set(float64(st.Vehicles))
	vc.cfg.Metrics.LocationEntries.Set(float64(st.Locations))
	vc.log.Info("cache maintenance",
		"vehicles", st.Vehicles,
		"locations", st.Locations,
		"mappings", st.Mappings,
		"prefetched", len(hot),
	)
}

// Stats is a point-in-time snapshot of cache sizes.
type Stats struct {
	Vehicles  int
	Locations int
	Mappings  int
}

func (vc *VehicleCache) Stats() Stats {
	return Stats{
		Vehicles:  vc.byIMEI.Len(),
		Locations: vc.locByDevice.Len() + vc.locByIMEI.Len(),
		Mappings:  vc.deviceIMEI.Len(),
	}
}

func (vc *VehicleCache) noteAccess(imei string) {
	vc.accessMu.Lock()
	vc.accesses[imei]++
	vc.accessMu.Unlock()
}

// takeHotIMEIs drains the access counters and returns the top n keys by
// lookup count since the previous maintenance pass.
func (vc *VehicleCache) takeHotIMEIs(n int) []string {
	vc.accessMu.Lock()
	counts := vc.accesses
	vc.accesses = make(map[string]uint64)
	vc.accessMu.Unlock()

	type kc struct {
		imei  string
		count uint64
	}
	all := make([]kc, 0, len(counts))
	for imei, c := range counts {
		all = append(all, kc{imei, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i := range all {
		out[i] = all[i].imei
	}
	return out
}

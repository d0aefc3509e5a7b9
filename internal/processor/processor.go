// Package processor orchestrates the per-record pipeline: validation,
// vehicle resolution, device binding, transformation, and the three fan-out
// writes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/health"
	"github.com/thinture/gpstracker/internal/report"
	"github.com/thinture/gpstracker/internal/store"
	"github.com/thinture/gpstracker/internal/transform"
	"github.com/thinture/gpstracker/internal/validate"
)

const (
	defaultSpeedAlertKmh = 120
	defaultQuietStart    = 22 // hour, server local
	defaultQuietEnd      = 6
)

var (
	// ErrNoVehicle means no registered vehicle matches the report's imei.
	ErrNoVehicle = errors.New("no vehicle for imei")
	// ErrBindingConflict means the report's deviceId disagrees with the
	// vehicle's bound device.
	ErrBindingConflict = errors.New("device binding conflict")
	// ErrInvalidReport means validation rejected the record.
	ErrInvalidReport = errors.New("invalid report")
)

// Vehicles resolves and caches registered vehicles.
type Vehicles interface {
	VehicleByIMEI(ctx context.Context, imei string) (*report.Vehicle, error)
	SetVehicle(v *report.Vehicle)
	Invalidate(v *report.Vehicle)
}

// Binder persists a first-time device binding.
type Binder interface {
	BindDeviceID(ctx context.Context, vehicleID int64, deviceID string) error
}

// Persister accepts history records for asynchronous bulk writes.
type Persister interface {
	Enqueue(rec report.HistoryRecord) bool
}

// Locations applies last-location upserts.
type Locations interface {
	Upsert(ctx context.Context, loc *report.LastLocation) error
}

// Emitter fans out realtime updates.
type Emitter interface {
	Emit(u report.LocationUpdate)
}

// Alerter receives pipeline alerts.
type Alerter interface {
	Emit(a health.AlertEvent) bool
}

type Config struct {
	Logger      *slog.Logger
	Transformer *transform.Transformer
	Vehicles    Vehicles
	Binder      Binder
	Persister   Persister
	Locations   Locations
	Broadcast   Emitter
	Alerts      Alerter

	SpeedAlertKmh float64
	// Quiet hours in server-local time; ignition ON inside them raises an
	// informational alert.
	QuietStartHour int
	QuietEndHour   int

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Transformer == nil {
		return errors.New("transformer is required")
	}
	if c.Vehicles == nil {
		return errors.New("vehicle lookup is required")
	}
	if c.Binder == nil {
		return errors.New("binder is required")
	}
	if c.Persister == nil {
		return errors.New("persister is required")
	}
	if c.Locations == nil {
		return errors.New("location store is required")
	}
	if c.Broadcast == nil {
		return errors.New("broadcaster is required")
	}
	if c.SpeedAlertKmh == 0 {
		c.SpeedAlertKmh = defaultSpeedAlertKmh
	}
	if c.QuietStartHour == 0 {
		c.QuietStartHour = defaultQuietStart
	}
	if c.QuietEndHour == 0 {
		c.QuietEndHour = defaultQuietEnd
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

type Processor struct {
	log *slog.Logger
	cfg *Config

	processed        atomic.Uint64
	accepted         atomic.Uint64
	invalid          atomic.Uint64
	noVehicle        atomic.Uint64
	bindingConflicts atomic.Uint64
	persistRejected  atomic.Uint64
	upsertSkipped    atomic.Uint64
	upsertFailed     atomic.Uint64
}

func New(cfg *Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log: cfg.Logger.With("component", "processor"),
		cfg: cfg,
	}, nil
}

// ProcessOne runs the full pipeline for a single record. Validation and
// lookup failures are terminal for the record and are not retried here.
func (p *Processor) ProcessOne(ctx context.Context, rep *report.DeviceReport) error {
	p.processed.Add(1)
	p.cfg.Metrics.Processed.Inc()

	res := validate.Validate(rep)
	if !res.OK() {
		p.invalid.Add(1)
		p.cfg.Metrics.Invalid.Inc()
		return fmt.Errorf("%w: %v", ErrInvalidReport, res.Errors)
	}
	for _, w := range res.Warnings {
		p.log.Debug("validation warning", "deviceId", rep.DeviceID, "warning", w)
	}

	v, err := p.cfg.Vehicles.VehicleByIMEI(ctx, rep.IMEI)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.noVehicle.Add(1)
			p.cfg.Metrics.NoVehicle.Inc()
			return fmt.Errorf("imei %s: %w", rep.IMEI, ErrNoVehicle)
		}
		return fmt.Errorf("vehicle lookup for imei %s: %w", rep.IMEI, err)
	}

	if err := p.bind(ctx, rep, v); err != nil {
		return err
	}

	out := p.cfg.Transformer.Transform(rep, v)

	if !p.cfg.Persister.Enqueue(out.History) {
		p.persistRejected.Add(1)
		p.cfg.Metrics.PersistRejected.Inc()
	}

	if err := p.cfg.Locations.Upsert(ctx, &out.Last); err != nil {
		switch {
		case errors.Is(err, store.ErrRateLimited), errors.Is(err, store.ErrStaleTimestamp):
			p.upsertSkipped.Add(1)
		default:
			p.upsertFailed.Add(1)
			p.log.Warn("last location upsert failed", "deviceId", rep.DeviceID, "error", err)
		}
	}

	p.cfg.Broadcast.Emit(out.Update)
	p.alert(out, v)

	p.accepted.Add(1)
	p.cfg.Metrics.Accepted.Inc()
	return nil
}

// bind enforces the stable-binding rule: an unbound vehicle adopts the
// report's deviceId once; a bound vehicle rejects any other deviceId.
func (p *Processor) bind(ctx context.Context, rep *report.DeviceReport, v *report.Vehicle) error {
	switch {
	case rep.DeviceID == "":
		rep.DeviceID = v.DeviceID
		return nil
	case !v.Bound():
		if err := p.cfg.Binder.BindDeviceID(ctx, v.VehicleID, rep.DeviceID); err != nil {
			return fmt.Errorf("binding device %s to vehicle %d: %w", rep.DeviceID, v.VehicleID, err)
		}
		p.cfg.Vehicles.Invalidate(v)
		v.DeviceID = rep.DeviceID
		p.cfg.Vehicles.SetVehicle(v)
		p.cfg.Metrics.Bindings.Inc()
		p.log.Info("bound device to vehicle",
			"deviceId", rep.DeviceID, "vehicleId", v.VehicleID, "imei", v.IMEI)
		return nil
	case v.DeviceID != rep.DeviceID:
		p.bindingConflicts.Add(1)
		p.cfg.Metrics.BindingConflicts.Inc()
		return fmt.Errorf("vehicle %d bound to %s, report from %s: %w",
			v.VehicleID, v.DeviceID, rep.DeviceID, ErrBindingConflict)
	default:
		return nil
	}
}

func (p *Processor) alert(out transform.Output, v *report.Vehicle) {
	if p.cfg.Alerts == nil {
		return
	}
	if out.History.Speed > p.cfg.SpeedAlertKmh {
		p.cfg.Metrics.SpeedAlerts.Inc()
		p.cfg.Alerts.Emit(health.AlertEvent{
			Level:     health.AlertWarn,
			Category:  "speed/" + out.History.DeviceID,
			Message:   fmt.Sprintf("vehicle %s over speed limit", v.VehicleNumber),
			Metric:    "speed_kmh",
			Value:     out.History.Speed,
			Threshold: p.cfg.SpeedAlertKmh,
		})
	}
	if out.History.Ignition == report.IgnitionOn && p.inQuietHours() {
		p.cfg.Metrics.QuietHourAlerts.Inc()
		p.cfg.Alerts.Emit(health.AlertEvent{
			Level:    health.AlertInfo,
			Category: "quiet-hours/" + out.History.DeviceID,
			Message:  fmt.Sprintf("vehicle %s ignition on during quiet hours", v.VehicleNumber),
		})
	}
}

// inQuietHours reports whether the server-local clock is inside the window
// that wraps midnight.
func (p *Processor) inQuietHours() bool {
	h := p.cfg.Clock.Now().Hour()
	if p.cfg.QuietStartHour > p.cfg.QuietEndHour {
		return h >= p.cfg.QuietStartHour || h < p.cfg.QuietEndHour
	}
	return h >= p.cfg.QuietStartHour && h < p.cfg.QuietEndHour
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Total  int
	OK     int
	Failed int
	// Errors maps input index to the record's terminal error.
	Errors map[int]error
}

// ProcessBatch applies the pipeline element by element. One bad record never
// aborts the batch.
func (p *Processor) ProcessBatch(ctx context.Context, batch []report.DeviceReport) BatchResult {
	res := BatchResult{Total: len(batch), Errors: make(map[int]error)}
	for i := range batch {
		if err := p.ProcessOne(ctx, &batch[i]); err != nil {
			res.Failed++
			res.Errors[i] = err
			continue
		}
		res.OK++
	}
	if res.Failed > 0 {
		p.log.Debug("batch processed with failures", "total", res.Total, "ok", res.OK, "failed", res.Failed)
	}
	return res
}

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	Processed        uint64
	Accepted         uint64
	Invalid          uint64
	NoVehicle        uint64
	BindingConflicts uint64
	PersistRejected  uint64
	UpsertSkipped    uint64
	UpsertFailed     uint64
}

func (p *Processor) Stats() Stats {
	return Stats{
		Processed:        p.processed.Load(),
		Accepted:         p.accepted.Load(),
		Invalid:          p.invalid.Load(),
		NoVehicle:        p.noVehicle.Load(),
		BindingConflicts: p.bindingConflicts.Load(),
		PersistRejected:  p.persistRejected.Load(),
		UpsertSkipped:    p.upsertSkipped.Load(),
		UpsertFailed:     p.upsertFailed.Load(),
	}
}

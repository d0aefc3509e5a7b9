package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultMinUpdateInterval = 1 * time.Second
	defaultWriteRetries      = 3
	defaultWriteRetryDelay   = 1 * time.Second
)

var (
	// ErrRateLimited means the device updated too recently; the write was
	// skipped, not failed.
	ErrRateLimited = errors.New("update rate limited")
	// ErrStaleTimestamp means the incoming report is older than the stored
	// row.
	ErrStaleTimestamp = errors.New("stale timestamp")
	// ErrIdentityMismatch means the report's stable identifiers disagree
	// with the stored row.
	ErrIdentityMismatch = errors.New("identity mismatch")
)

// LocationCache is the write-through view the cache layer exposes to the
// location store. A nil cache disables read-through and write-through.
type LocationCache interface {
	LastLocationByDeviceID(deviceID string) (*report.LastLocation, bool)
	LastLocationByIMEI(imei string) (*report.LastLocation, bool)
	SetLastLocation(loc *report.LastLocation)
}

type LocationConfig struct {
	Logger *slog.Logger
	DB     Database
	Cache  LocationCache

	MinUpdateInterval time.Duration
	WriteRetries      int
	WriteRetryDelay   time.Duration

	Clock   clockwork.Clock
	Metrics *LocationMetrics
}

func (c *LocationConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("database is required")
	}
	if c.MinUpdateInterval == 0 {
		c.MinUpdateInterval = defaultMinUpdateInterval
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = defaultWriteRetries
	}
	if c.WriteRetryDelay == 0 {
		c.WriteRetryDelay = defaultWriteRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewLocationMetrics()
	}
	return nil
}

// LocationStore serializes last-location writes per device: a per-device
// rate limit, a monotonic timestamp check against the stored row, and a
// bounded retry on transient write failures.
type LocationStore struct {
	log *slog.Logger
	cfg *LocationConfig

	mu           sync.Mutex
	lastAccepted map[string]time.Time
}

func NewLocationStore(cfg *LocationConfig) (*LocationStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LocationStore{
		log:          cfg.Logger.With("component", "location-store"),
		cfg:          cfg,
		lastAccepted: make(map[string]time.Time),
	}, nil
}

// Upsert applies one last-location write. Skips are reported as
// ErrRateLimited or ErrStaleTimestamp; conflicting stable identifiers fail
// with ErrIdentityMismatch.
func (ls *LocationStore) Upsert(ctx context.Context, loc *report.LastLocation) error {
	if !ls.admit(loc.DeviceID) {
		ls.cfg.Metrics.RateLimited.Inc()
		return fmt.Errorf("device %s: %w", loc.DeviceID, ErrRateLimited)
	}

	existing := ls.resolve(ctx, loc)
	if existing != nil {
		if err := mergeIdentifiers(existing, loc); err != nil {
			ls.cfg.Metrics.IdentityConflicts.Inc()
			return err
		}
		if !existing.ParsedTime.IsZero() && loc.ParsedTime.Before(existing.ParsedTime) {
			ls.cfg.Metrics.StaleSkipped.Inc()
			return fmt.Errorf("device %s reported %s, stored %s: %w",
				loc.DeviceID, loc.Timestamp, existing.Timestamp, ErrStaleTimestamp)
		}
	}

	loc.UpdatedAt = ls.cfg.Clock.Now()
	if err := ls.write(ctx, loc); err != nil {
		ls.cfg.Metrics.WriteFailures.Inc()
		return err
	}
	ls.cfg.Metrics.Upserts.Inc()
	if ls.cfg.Cache != nil {
		ls.cfg.Cache.SetLastLocation(loc)
	}
	return nil
}

// UpsertBatch collapses the input to the latest report per device, then
// applies each under the single-row rules. Rate-limit and stale skips do not
// count as failures.
func (ls *LocationStore) UpsertBatch(ctx context.Context, locs []*report.LastLocation) (applied, skipped, failed int) {
	latest := make(map[string]*report.LastLocation, len(locs))
	order := make([]string, 0, len(locs))
	for _, loc := range locs {
		cur, ok := latest[loc.DeviceID]
		if !ok {
			order = append(order, loc.DeviceID)
			latest[loc.DeviceID] = loc
			continue
		}
		if loc.ParsedTime.After(cur.ParsedTime) {
			latest[loc.DeviceID] = loc
		}
	}
	for _, id := range order {
		err := ls.Upsert(ctx, latest[id])
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrRateLimited), errors.Is(err, ErrStaleTimestamp):
			skipped++
		default:
			failed++
			ls.log.Warn("batch upsert failed", "deviceId", id, "error", err)
		}
	}
	return applied, skipped, failed
}

// admit enforces the per-device update cadence.
func (ls *LocationStore) admit(deviceID string) bool {
	now := ls.cfg.Clock.Now()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if last, ok := ls.lastAccepted[deviceID]; ok && now.Sub(last) < ls.cfg.MinUpdateInterval {
		return false
	}
	ls.lastAccepted[deviceID] = now
	return true
}

// resolve finds the stored row, trying the cache by imei then device id
// before falling through to the database. The imei is the stable identifier;
// the device id may still be unbound on early reports.
func (ls *LocationStore) resolve(ctx context.Context, loc *report.LastLocation) *report.LastLocation {
	if ls.cfg.Cache != nil {
		if cur, ok := ls.cfg.Cache.LastLocationByIMEI(loc.IMEI); ok {
			return cur
		}
		if cur, ok := ls.cfg.Cache.LastLocationByDeviceID(loc.DeviceID); ok {
			return cur
		}
	}
	cur, err := ls.cfg.DB.LastLocation(ctx, loc.VehicleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		ls.log.Warn("last location lookup failed", "vehicleId", loc.VehicleID, "error", err)
		return nil
	}
	return cur
}

func (ls *LocationStore) write(ctx context.Context, loc *report.LastLocation) error {
	b := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(ls.cfg.WriteRetryDelay),
		uint64(ls.cfg.WriteRetries-1)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := ls.cfg.DB.UpsertLastLocation(ctx, loc)
		if err != nil {
			ls.cfg.Metrics.WriteRetries.Inc()
			ls.log.Warn("last location write failed",
				"deviceId", loc.DeviceID, "attempt", attempt, "error", err)
		}
		return err
	}, b)
}

// mergeIdentifiers adopts missing stable identifiers from either side and
// rejects writes whose identifiers conflict with the stored row.
func mergeIdentifiers(existing, loc *report.LastLocation) error {
	if loc.DeviceID == "" {
		loc.DeviceID = existing.DeviceID
	} else if existing.DeviceID != "" && existing.DeviceID != loc.DeviceID {
		return fmt.Errorf("stored deviceId %s, report deviceId %s: %w",
			existing.DeviceID, loc.DeviceID, ErrIdentityMismatch)
	}
	if loc.IMEI == "" {
		loc.IMEI = existing.IMEI
	} else if existing.IMEI != "" && existing.IMEI != loc.IMEI {
		return fmt.Errorf("stored imei %s, report imei %s: %w",
			existing.IMEI, loc.IMEI, ErrIdentityMismatch)
	}
	return nil
}

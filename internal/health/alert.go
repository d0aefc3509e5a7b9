package health

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarn     AlertLevel = "WARN"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertEvent is one condition detected by the monitor or the processor.
type AlertEvent struct {
	Level         AlertLevel
	Category      string
	Message       string
	FirstDetected time.Time
	Metric        string
	Value         float64
	Threshold     float64
}

// AlertSink consumes emitted alerts.
type AlertSink func(AlertEvent)

const defaultAlertCooldown = 5 * time.Minute

type EmitterConfig struct {
	Logger *slog.Logger
	Sink   AlertSink

	// Cooldown suppresses repeat alerts of the same category.
	Cooldown time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *EmitterConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaultAlertCooldown
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// Emitter delivers alerts to the sink, at most one per category per
// cooldown window. Suppressed alerts are still logged at debug.
type Emitter struct {
	log *slog.Logger
	cfg *EmitterConfig

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewEmitter(cfg *EmitterConfig) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Emitter{
		log:      cfg.Logger.With("component", "alert-emitter"),
		cfg:      cfg,
		lastSent: make(map[string]time.Time),
	}, nil
}

// Emit delivers the alert unless one of the same category fired within the
// cooldown. Returns whether it was delivered.
func (e *Emitter) Emit(a AlertEvent) bool {
	now := e.cfg.Clock.Now()
	if a.FirstDetected.IsZero() {
		a.FirstDetected = now
	}

	e.mu.Lock()
	last, seen := e.lastSent[a.Category]
	if seen && now.Sub(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		e.cfg.Metrics.AlertsSuppressed.Inc()
		e.log.Debug("alert suppressed", "category", a.Category, "level", a.Level)
		return false
	}
	e.lastSent[a.Category] = now
	e.mu.Unlock()

	e.cfg.Metrics.AlertsEmitted.Inc()
	e.log.Warn("alert",
		"level", a.Level,
		"category", a.Category,
		"message", a.Message,
		"metric", a.Metric,
		"value", a.Value,
		"threshold", a.Threshold,
	)
	if e.cfg.Sink != nil {
		e.cfg.Sink(a)
	}
	return true
}

package health

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// CheckResult is one subsystem's health assessment.
type CheckResult struct {
	Available bool
	Healthy   bool
	Issues    []string
	Warnings  []string
	Metrics   map[string]float64
}

// Checker assesses one subsystem.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

const defaultCheckInterval = 30 * time.Second

type MonitorConfig struct {
	Logger   *slog.Logger
	Checkers []Checker
	Breaker  *Breaker
	Emitter  *Emitter

	Interval time.Duration
	// Recovery runs after an unhealthy assessment.
	Recovery func(ctx context.Context)

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *MonitorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Breaker == nil {
		return errors.New("breaker is required")
	}
	if c.Emitter == nil {
		return errors.New("emitter is required")
	}
	if c.Interval == 0 {
		c.Interval = defaultCheckInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// Monitor runs the periodic assessment over all registered checkers. The
// breaker gates the schedule: while OPEN, scheduled checks are skipped and
// only the pool's own background reconnects keep working.
type Monitor struct {
	log *slog.Logger
	cfg *MonitorConfig
}

func NewMonitor(cfg *MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		log: cfg.Logger.With("component", "health-monitor"),
		cfg: cfg,
	}, nil
}

func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("starting health monitor", "interval", m.cfg.Interval, "checkers", len(m.cfg.Checkers))
	tick := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
			m.Tick(ctx)
		}
	}
}

// Tick runs one assessment cycle.
func (m *Monitor) Tick(ctx context.Context) {
	defer func() {
		m.cfg.Metrics.BreakerState.Set(float64(m.cfg.Breaker.State()))
	}()

	if !m.cfg.Breaker.Allow() {
		m.cfg.Metrics.ChecksSkipped.Inc()
		m.log.Debug("health check skipped, breaker open")
		return
	}
	m.cfg.Metrics.Checks.Inc()

	healthy := true
	for _, c := range m.cfg.Checkers {
		res := c.Check(ctx)
		if !res.Available || !res.Healthy {
			healthy = false
		}
		for _, issue := range res.Issues {
			m.cfg.Emitter.Emit(AlertEvent{
				Level:    AlertCritical,
				Category: c.Name() + "/" + alertKey(issue),
				Message:  issue,
			})
		}
		for _, warning := range res.Warnings {
			m.cfg.Emitter.Emit(AlertEvent{
				Level:    AlertWarn,
				Category: c.Name() + "/" + alertKey(warning),
				Message:  warning,
			})
		}
		if len(res.Issues) > 0 || len(res.Warnings) > 0 {
			m.log.Warn("subsystem degraded",
				"subsystem", c.Name(),
				"available", res.Available,
				"healthy", res.Healthy,
				"issues", res.Issues,
				"warnings", res.Warnings,
			)
		}
	}

	if healthy {
		m.cfg.Breaker.RecordSuccess()
		return
	}
	m.cfg.Metrics.ChecksFailed.Inc()
	m.cfg.Breaker.RecordFailure()
	if m.cfg.Recovery != nil {
		m.cfg.Recovery(ctx)
	}
}

// alertKey reduces a human message to a stable category suffix so repeats
// rate-limit together regardless of embedded values.
func alertKey(msg string) string {
	if i := strings.IndexAny(msg, ":("); i > 0 {
		msg = msg[:i]
	}
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(msg)), " ", "-")
}

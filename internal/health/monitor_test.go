package health_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/health"
)

type stubChecker struct {
	name   string
	result health.CheckResult
}

func (c *stubChecker) Name() string { return c.name }

func (c *stubChecker) Check(context.Context) health.CheckResult { return c.result }

func healthyResult() health.CheckResult {
	return health.CheckResult{Available: true, Healthy: true}
}

func unhealthyResult(issue string) health.CheckResult {
	return health.CheckResult{Available: true, Healthy: false, Issues: []string{issue}}
}

type monitorHarness struct {
	monitor  *health.Monitor
	breaker  *health.Breaker
	clock    *clockwork.FakeClock
	checker  *stubChecker
	recovers int
	mu       sync.Mutex
	alerts   []health.AlertEvent
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()
	h := &monitorHarness{
		clock:   clockwork.NewFakeClock(),
		checker: &stubChecker{name: "pool", result: healthyResult()},
	}
	var err error
	h.breaker, err = health.NewBreaker(health.BreakerConfig{Clock: h.clock})
	require.NoError(t, err)
	emitter, err := health.NewEmitter(&health.EmitterConfig{
		Logger: slog.Default(),
		Clock:  h.clock,
		Sink: func(a health.AlertEvent) {
			h.mu.Lock()
			h.alerts = append(h.alerts, a)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.monitor, err = health.NewMonitor(&health.MonitorConfig{
		Logger:   slog.Default(),
		Checkers: []health.Checker{h.checker},
		Breaker:  h.breaker,
		Emitter:  emitter,
		Clock:    h.clock,
		Recovery: func(context.Context) { h.recovers++ },
	})
	require.NoError(t, err)
	return h
}

func TestMonitor(t *testing.T) {
	t.Parallel()

	t.Run("healthy_tick_keeps_breaker_closed", func(t *testing.T) {
		t.Parallel()

		h := newMonitorHarness(t)
		h.monitor.Tick(context.Background())
		assert.Equal(t, health.BreakerClosed, h.breaker.State())
		assert.Zero(t, h.recovers)
		assert.Empty(t, h.alerts)
	})

	t.Run("unhealthy_tick_alerts_and_recovers", func(t *testing.T) {
		t.Parallel()

		h := newMonitorHarness(t)
		h.checker.result = unhealthyResult("no healthy connections: 0 of 10")

		h.monitor.Tick(context.Background())
		assert.Equal(t, 1, h.recovers)
		require.Len(t, h.alerts, 1)
		assert.Equal(t, health.AlertCritical, h.alerts[0].Level)
		assert.Equal(t, "pool/no-healthy-connections", h.alerts[0].Category)
	})

	t.Run("repeated_failures_open_breaker_and_skip_checks", func(t *testing.T) {
		t.Parallel()

		h := newMonitorHarness(t)
		h.checker.result = unhealthyResult("no healthy connections")

		for i := 0; i < 5; i++ {
			h.monitor.Tick(context.Background())
		}
		require.Equal(t, health.BreakerOpen, h.breaker.State())

		// While open, ticks neither check nor recover.
		before := h.recovers
		h.monitor.Tick(context.Background())
		assert.Equal(t, before, h.recovers)
	})

	t.Run("recovered_subsystem_closes_breaker_through_probes", func(t *testing.T) {
		t.Parallel()

		h := newMonitorHarness(t)
		h.checker.result = unhealthyResult("no healthy connections")
		for i := 0; i < 5; i++ {
			h.monitor.Tick(context.Background())
		}
		require.Equal(t, health.BreakerOpen, h.breaker.State())

		h.checker.result = healthyResult()
		h.clock.Advance(time.Minute)
		for i := 0; i < 3; i++ {
			h.monitor.Tick(context.Background())
		}
		assert.Equal(t, health.BreakerClosed, h.breaker.State())
	})

	t.Run("warnings_emit_without_failing_the_cycle", func(t *testing.T) {
		t.Parallel()

		h := newMonitorHarness(t)
		h.checker.result = health.CheckResult{
			Available: true,
			Healthy:   true,
			Warnings:  []string{"memory usage elevated (78%)"},
		}

		h.monitor.Tick(context.Background())
		assert.Equal(t, health.BreakerClosed, h.breaker.State())
		require.Len(t, h.alerts, 1)
		assert.Equal(t, health.AlertWarn, h.alerts[0].Level)
		assert.Equal(t, "pool/memory-usage-elevated", h.alerts[0].Category)
	})
}

package health_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/health"
)

func newBreaker(t *testing.T, clock clockwork.Clock) *health.Breaker {
	t.Helper()
	b, err := health.NewBreaker(health.BreakerConfig{Clock: clock})
	require.NoError(t, err)
	return b
}

func TestBreaker(t *testing.T) {
	t.Parallel()

	t.Run("trips_after_consecutive_failures", func(t *testing.T) {
		t.Parallel()

		b := newBreaker(t, clockwork.NewFakeClock())
		for i := 0; i < 4; i++ {
			b.RecordFailure()
			assert.Equal(t, health.BreakerClosed, b.State())
		}
		b.RecordFailure()
		assert.Equal(t, health.BreakerOpen, b.State())
		assert.False(t, b.Allow())
	})

	t.Run("success_resets_failure_run", func(t *testing.T) {
		t.Parallel()

		b := newBreaker(t, clockwork.NewFakeClock())
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		b.RecordSuccess()
		b.RecordFailure()
		assert.Equal(t, health.BreakerClosed, b.State())
	})

	t.Run("half_opens_after_cooldown", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		b := newBreaker(t, clock)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		require.Equal(t, health.BreakerOpen, b.State())

		clock.Advance(59 * time.Second)
		assert.False(t, b.Allow())
		clock.Advance(time.Second)
		assert.True(t, b.Allow())
		assert.Equal(t, health.BreakerHalfOpen, b.State())
	})

	t.Run("closes_after_probe_successes", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		b := newBreaker(t, clock)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		clock.Advance(time.Minute)
		require.True(t, b.Allow())

		b.RecordSuccess()
		b.RecordSuccess()
		assert.Equal(t, health.BreakerHalfOpen, b.State())
		b.RecordSuccess()
		assert.Equal(t, health.BreakerClosed, b.State())
	})

	t.Run("failure_while_half_open_reopens", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		b := newBreaker(t, clock)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		clock.Advance(time.Minute)
		require.True(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, health.BreakerOpen, b.State())
		assert.False(t, b.Allow())
	})

	t.Run("state_strings", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "CLOSED", health.BreakerClosed.String())
		assert.Equal(t, "OPEN", health.BreakerOpen.String())
		assert.Equal(t, "HALF_OPEN", health.BreakerHalfOpen.String())
	})
}

package transform_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/report"
	"github.com/thinture/gpstracker/internal/transform"
)

func ptr[T any](v T) *T { return &v }

func newTransformer(t *testing.T, clock clockwork.Clock) *transform.Transformer {
	t.Helper()
	tr, err := transform.New(&transform.Config{Logger: slog.Default(), Clock: clock})
	require.NoError(t, err)
	return tr
}

func TestTransform(t *testing.T) {
	t.Parallel()

	vehicle := &report.Vehicle{
		VehicleID:     42,
		IMEI:          "123456789012345",
		DeviceID:      "D1",
		VehicleNumber: "KA-01-AB-1234",
	}

	t.Run("produces_all_three_artifacts", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		tr := newTransformer(t, clock)

		rep := &report.DeviceReport{
			DeviceID:      "D1",
			IMEI:          "123456789012345",
			Latitude:      ptr(12.97),
			Longitude:     ptr(77.59),
			Speed:         ptr(40.0),
			Course:        ptr(90.0),
			Timestamp:     "2025-06-15 14:30:00",
			IgnitionRaw:   "IGon",
			Status:        "A",
			VehicleStatus: "MOVING",
			GSMStrength:   ptr(21),
		}
		out := tr.Transform(rep, vehicle)

		assert.Equal(t, int64(42), out.History.VehicleID)
		assert.Equal(t, "KA-01-AB-1234", out.History.VehicleNumber)
		assert.Equal(t, report.IgnitionOn, out.History.Ignition)
		assert.Equal(t, "2025-06-15 14:30:00", out.History.Timestamp)
		assert.InDelta(t, 12.97, out.History.Latitude, 1e-9)

		assert.Equal(t, "2025-06-15 14:30:00", out.Last.Timestamp)
		assert.Equal(t, time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC), out.Last.ParsedTime)
		assert.Equal(t, int64(42), out.Last.VehicleID)

		assert.Equal(t, "D1", out.Update.DeviceID)
		assert.Equal(t, report.IgnitionOn, out.Update.Ignition)
		assert.Equal(t, 21, out.Update.GSMStrength)

		assert.Zero(t, tr.Stats().TimestampsFixed)
	})

	t.Run("substitutes_unparseable_timestamp", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
		clock := clockwork.NewFakeClockAt(now)
		tr := newTransformer(t, clock)

		rep := &report.DeviceReport{
			DeviceID:  "D1",
			IMEI:      "123456789012345",
			Latitude:  ptr(1.0),
			Longitude: ptr(2.0),
			Timestamp: "2025-06-15T14:30:00",
			Status:    "A",
		}
		out := tr.Transform(rep, vehicle)

		assert.Equal(t, now.Format(report.TimestampLayout), out.History.Timestamp)
		assert.Equal(t, now, out.Last.ParsedTime)
		assert.Equal(t, uint64(1), tr.Stats().TimestampsFixed)
	})

	t.Run("unknown_ignition_normalizes_to_off", func(t *testing.T) {
		t.Parallel()

		tr := newTransformer(t, clockwork.NewFakeClock())
		rep := &report.DeviceReport{
			DeviceID:  "D1",
			IMEI:      "123456789012345",
			Latitude:  ptr(1.0),
			Longitude: ptr(2.0),
			Timestamp: "2025-06-15 14:30:00",
			Status:    "A",
		}
		out := tr.Transform(rep, vehicle)
		assert.Equal(t, report.IgnitionOff, out.History.Ignition)
	})
}

func TestParseEventFlags(t *testing.T) {
	t.Parallel()

	t.Run("decodes_bit0_first", func(t *testing.T) {
		t.Parallel()

		flags, ok := transform.ParseEventFlags("10100001")
		require.True(t, ok)
		assert.True(t, flags.SpeedCrossed)
		assert.False(t, flags.AngleChange)
		assert.True(t, flags.TheftOrTowing)
		assert.False(t, flags.SharpTurning)
		assert.False(t, flags.DistanceChange)
		assert.False(t, flags.Roaming)
		assert.False(t, flags.HarshAcceleration)
		assert.True(t, flags.HarshBraking)
	})

	t.Run("short_binary_ok", func(t *testing.T) {
		t.Parallel()

		flags, ok := transform.ParseEventFlags("01")
		require.True(t, ok)
		assert.False(t, flags.SpeedCrossed)
		assert.True(t, flags.AngleChange)
	})

	t.Run("non_binary_passes_through", func(t *testing.T) {
		t.Parallel()

		for _, s := range []string{"", "102", "free text", "111111111"} {
			_, ok := transform.ParseEventFlags(s)
			assert.False(t, ok, "input=%q", s)
		}
	})
}

func TestHaversineKm(t *testing.T) {
	t.Parallel()

	// Bangalore to Chennai, roughly 290 km.
	d := transform.HaversineKm(12.9716, 77.5946, 13.0827, 80.2707)
	assert.InDelta(t, 290, d, 10)

	assert.Zero(t, transform.HaversineKm(12.97, 77.59, 12.97, 77.59))
}

func TestConvertSpeed(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 100, transform.ConvertSpeed(100, transform.UnitKmh, transform.UnitKmh), 1e-9)
	assert.InDelta(t, 160.9344, transform.ConvertSpeed(100, transform.UnitMph, transform.UnitKmh), 1e-4)
	assert.InDelta(t, 36, transform.ConvertSpeed(10, transform.UnitMs, transform.UnitKmh), 1e-9)
	assert.InDelta(t, 10, transform.ConvertSpeed(36, transform.UnitKmh, transform.UnitMs), 1e-9)
}

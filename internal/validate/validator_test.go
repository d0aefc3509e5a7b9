package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/report"
	"github.com/thinture/gpstracker/internal/validate"
)

func ptr[T any](v T) *T { return &v }

func validReport() report.DeviceReport {
	return report.DeviceReport{
		DeviceID:  "D1",
		IMEI:      "123456789012345",
		Latitude:  ptr(12.97),
		Longitude: ptr(77.59),
		Speed:     ptr(40.0),
		Timestamp: "2025-06-15 14:30:00",
		Status:    "A",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid_report_passes", func(t *testing.T) {
		t.Parallel()

		rep := validReport()
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		assert.Empty(t, res.Warnings)
		assert.False(t, res.Suspicious)
	})

	t.Run("missing_required_fields", func(t *testing.T) {
		t.Parallel()

		rep := report.DeviceReport{}
		res := validate.Validate(&rep)
		require.False(t, res.OK())
		assert.Contains(t, res.Errors, "Missing deviceId")
		assert.Contains(t, res.Errors, "Missing imei")
		assert.Contains(t, res.Errors, "Missing status")
		assert.Contains(t, res.Errors, "Missing latitude")
		assert.Contains(t, res.Errors, "Missing longitude")
		assert.Contains(t, res.Errors, "Missing timestamp")
	})

	t.Run("latitude_boundaries", func(t *testing.T) {
		t.Parallel()

		for _, lat := range []float64{-90, 90} {
			rep := validReport()
			rep.Latitude = ptr(lat)
			assert.True(t, validate.Validate(&rep).OK(), "lat=%v", lat)
		}
		for _, lat := range []float64{-90.0001, 90.0001, 200} {
			rep := validReport()
			rep.Latitude = ptr(lat)
			res := validate.Validate(&rep)
			require.False(t, res.OK(), "lat=%v", lat)
			assert.Contains(t, res.Errors, "Invalid latitude")
		}
	})

	t.Run("longitude_boundaries", func(t *testing.T) {
		t.Parallel()

		for _, lon := range []float64{-180, 180} {
			rep := validReport()
			rep.Longitude = ptr(lon)
			assert.True(t, validate.Validate(&rep).OK(), "lon=%v", lon)
		}
		for _, lon := range []float64{-180.0001, 180.0001} {
			rep := validReport()
			rep.Longitude = ptr(lon)
			res := validate.Validate(&rep)
			require.False(t, res.OK(), "lon=%v", lon)
			assert.Contains(t, res.Errors, "Invalid longitude")
		}
	})

	t.Run("imei_length", func(t *testing.T) {
		t.Parallel()

		for _, imei := range []string{"12345678901234", "1234567890123456", "12345678901234a"} {
			rep := validReport()
			rep.IMEI = imei
			assert.False(t, validate.Validate(&rep).OK(), "imei=%q", imei)
		}
	})

	t.Run("speed_range_warns_only", func(t *testing.T) {
		t.Parallel()

		for _, speed := range []float64{0, 300} {
			rep := validReport()
			rep.Speed = ptr(speed)
			res := validate.Validate(&rep)
			assert.True(t, res.OK())
			assert.Empty(t, res.Warnings, "speed=%v", speed)
		}
		rep := validReport()
		rep.Speed = ptr(301.0)
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("gsm_range_warns_only", func(t *testing.T) {
		t.Parallel()

		rep := validReport()
		rep.GSMStrength = ptr(32)
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("iso_timestamp_warns_not_rejects", func(t *testing.T) {
		t.Parallel()

		rep := validReport()
		rep.Timestamp = "2025-06-15T14:30:00"
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		require.NotEmpty(t, res.Warnings)
		assert.Contains(t, res.Warnings[0], "Unparseable timestamp")
	})

	t.Run("unrecognized_ignition_warns", func(t *testing.T) {
		t.Parallel()

		rep := validReport()
		rep.IgnitionRaw = "maybe"
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("null_island_suspicious_not_rejected", func(t *testing.T) {
		t.Parallel()

		rep := validReport()
		rep.Latitude = ptr(0.0)
		rep.Longitude = ptr(0.0)
		res := validate.Validate(&rep)
		assert.True(t, res.OK())
		assert.True(t, res.Suspicious)
	})
}

func TestValidateBatch(t *testing.T) {
	t.Parallel()

	bad := validReport()
	bad.Latitude = ptr(200.0)
	batch := []report.DeviceReport{validReport(), bad, validReport()}

	res := validate.ValidateBatch(batch)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 1, res.Invalid)
	require.Len(t, res.Results, 3)
	assert.Contains(t, res.Results[1].Errors, "Invalid latitude")
}

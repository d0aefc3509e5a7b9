package report_test

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/report"
)

const sampleJSON = `{"deviceId":"D1","imei":"123456789012345","latitude":"12.97","longitude":"77.59","speed":"40","heading":"90","timestamp":"2025-06-15 14:30:00","ignition":"IGon","status":"A"}`

func TestParsePayload(t *testing.T) {
	t.Parallel()

	receivedAt := time.Date(2025, 6, 15, 14, 30, 5, 0, time.UTC)

	t.Run("json_object_with_quoted_numbers", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte(sampleJSON), receivedAt)
		require.NoError(t, err)
		require.Len(t, res.Reports, 1)
		assert.False(t, res.HexDecoded)

		rep := res.Reports[0]
		assert.Equal(t, "D1", rep.DeviceID)
		assert.Equal(t, "123456789012345", rep.IMEI)
		require.NotNil(t, rep.Latitude)
		assert.InDelta(t, 12.97, *rep.Latitude, 1e-9)
		require.NotNil(t, rep.Longitude)
		assert.InDelta(t, 77.59, *rep.Longitude, 1e-9)
		require.NotNil(t, rep.Speed)
		assert.InDelta(t, 40, *rep.Speed, 1e-9)
		require.NotNil(t, rep.Course)
		assert.InDelta(t, 90, *rep.Course, 1e-9)
		assert.Equal(t, "2025-06-15 14:30:00", rep.Timestamp)
		assert.Equal(t, "IGon", rep.IgnitionRaw)
		assert.Equal(t, "A", rep.Status)
		assert.Equal(t, receivedAt, rep.ReceivedAt)
	})

	t.Run("json_array", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte("["+sampleJSON+","+sampleJSON+"]"), receivedAt)
		require.NoError(t, err)
		require.Len(t, res.Reports, 2)
		assert.Equal(t, "D1", res.Reports[1].DeviceID)
	})

	t.Run("course_key_accepted_for_heading", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte(`{"deviceId":"D1","latitude":1,"longitude":2,"course":45}`), receivedAt)
		require.NoError(t, err)
		require.NotNil(t, res.Reports[0].Course)
		assert.InDelta(t, 45, *res.Reports[0].Course, 1e-9)
	})

	t.Run("csv", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte("D7,12.5,-77.25,60,180,2025-06-15 14:30:00"), receivedAt)
		require.NoError(t, err)
		require.Len(t, res.Reports, 1)
		rep := res.Reports[0]
		assert.Equal(t, "D7", rep.DeviceID)
		assert.InDelta(t, 12.5, *rep.Latitude, 1e-9)
		assert.InDelta(t, -77.25, *rep.Longitude, 1e-9)
		assert.InDelta(t, 60, *rep.Speed, 1e-9)
		assert.InDelta(t, 180, *rep.Course, 1e-9)
		assert.Equal(t, "2025-06-15 14:30:00", rep.Timestamp)
	})

	t.Run("csv_minimal", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte("D7,12.5,77.25"), receivedAt)
		require.NoError(t, err)
		rep := res.Reports[0]
		assert.Nil(t, rep.Speed)
		assert.Nil(t, rep.Course)
		assert.Empty(t, rep.Timestamp)
	})

	t.Run("hex_armored_json", func(t *testing.T) {
		t.Parallel()

		armored := hex.EncodeToString([]byte(sampleJSON))
		res, err := report.ParsePayload([]byte(armored), receivedAt)
		require.NoError(t, err)
		assert.True(t, res.HexDecoded)
		require.Len(t, res.Reports, 1)
		assert.Equal(t, "D1", res.Reports[0].DeviceID)
		assert.Equal(t, "2025-06-15 14:30:00", res.Reports[0].Timestamp)
	})

	t.Run("empty_payload", func(t *testing.T) {
		t.Parallel()

		_, err := report.ParsePayload([]byte("  \n"), receivedAt)
		require.ErrorIs(t, err, report.ErrEmptyPayload)
	})

	t.Run("garbage_json", func(t *testing.T) {
		t.Parallel()

		_, err := report.ParsePayload([]byte(`{"deviceId":`), receivedAt)
		require.Error(t, err)
	})

	t.Run("strips_non_ascii_framing", func(t *testing.T) {
		t.Parallel()

		framed := append([]byte{0xfe, 0xff}, []byte(sampleJSON)...)
		res, err := report.ParsePayload(framed, receivedAt)
		require.NoError(t, err)
		require.Len(t, res.Reports, 1)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte(sampleJSON), time.Time{})
		require.NoError(t, err)
		out, err := json.Marshal(&res.Reports[0])
		require.NoError(t, err)

		res2, err := report.ParsePayload(out, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, res.Reports[0], res2.Reports[0])
	})

	t.Run("csv", func(t *testing.T) {
		t.Parallel()

		res, err := report.ParsePayload([]byte("D7,12.5,-77.25,60,180,2025-06-15 14:30:00"), time.Time{})
		require.NoError(t, err)
		line := res.Reports[0].CSV()

		res2, err := report.ParsePayload([]byte(line), time.Time{})
		require.NoError(t, err)
		assert.Equal(t, res.Reports[0], res2.Reports[0])
	})
}

func TestIsHexPayload(t *testing.T) {
	t.Parallel()

	assert.True(t, report.IsHexPayload([]byte("deadBEEF")))
	assert.False(t, report.IsHexPayload([]byte("deadBEE"))) // odd length
	assert.False(t, report.IsHexPayload([]byte("dead beef")))
	assert.False(t, report.IsHexPayload(nil))
}

func TestNormalizeIgnition(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"1", "ON", "on", "TRUE", "IGon", "IG_ON", "IGNITION_ON", "ENGINE_ON", "STARTED"} {
		assert.Equal(t, report.IgnitionOn, report.NormalizeIgnition(raw), "raw=%q", raw)
	}
	for _, raw := range []string{"0", "OFF", "off", "FALSE", "IGoff", "IG_OFF", "", "garbage", "maybe"} {
		assert.Equal(t, report.IgnitionOff, report.NormalizeIgnition(raw), "raw=%q", raw)
	}

	// Normalization is idempotent.
	for _, raw := range []string{"IGon", "off", "garbage"} {
		once := report.NormalizeIgnition(raw)
		assert.Equal(t, once, report.NormalizeIgnition(string(once)))
	}
}

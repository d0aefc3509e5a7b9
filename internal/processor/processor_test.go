package processor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/health"
	"github.com/thinture/gpstracker/internal/processor"
	"github.com/thinture/gpstracker/internal/report"
	"github.com/thinture/gpstracker/internal/store"
	"github.com/thinture/gpstracker/internal/transform"
)

type mockVehicles struct {
	mu          sync.Mutex
	vehicle     *report.Vehicle
	sets        []*report.Vehicle
	invalidated []*report.Vehicle
	lookupErr   error
}

func (m *mockVehicles) VehicleByIMEI(_ context.Context, imei string) (*report.Vehicle, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	if m.vehicle == nil || m.vehicle.IMEI != imei {
		return nil, store.ErrNotFound
	}
	return m.vehicle, nil
}

func (m *mockVehicles) SetVehicle(v *report.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = append(m.sets, v)
}

func (m *mockVehicles) Invalidate(v *report.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, v)
}

type mockBinder struct {
	mu    sync.Mutex
	binds []string
	err   error
}

func (m *mockBinder) BindDeviceID(_ context.Context, vehicleID int64, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.binds = append(m.binds, deviceID)
	return nil
}

type mockPersister struct {
	mu      sync.Mutex
	records []report.HistoryRecord
	reject  bool
}

func (m *mockPersister) Enqueue(rec report.HistoryRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.records = append(m.records, rec)
	return true
}

type mockLocations struct {
	mu       sync.Mutex
	upserted []*report.LastLocation
	err      error
}

func (m *mockLocations) Upsert(_ context.Context, loc *report.LastLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.upserted = append(m.upserted, loc)
	return nil
}

type mockEmitter struct {
	mu      sync.Mutex
	updates []report.LocationUpdate
}

func (m *mockEmitter) Emit(u report.LocationUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
}

type mockAlerter struct {
	mu     sync.Mutex
	events []health.AlertEvent
}

func (m *mockAlerter) Emit(a health.AlertEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, a)
	return true
}

type harness struct {
	proc      *processor.Processor
	vehicles  *mockVehicles
	binder    *mockBinder
	persister *mockPersister
	locations *mockLocations
	emitter   *mockEmitter
	alerter   *mockAlerter
	clock     *clockwork.FakeClock
}

func newHarness(t *testing.T, vehicle *report.Vehicle) *harness {
	t.Helper()
	h := &harness{
		vehicles:  &mockVehicles{vehicle: vehicle},
		binder:    &mockBinder{},
		persister: &mockPersister{},
		locations: &mockLocations{},
		emitter:   &mockEmitter{},
		alerter:   &mockAlerter{},
		clock:     clockwork.NewFakeClockAt(time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)),
	}
	tr, err := transform.New(&transform.Config{Logger: slog.Default(), Clock: h.clock})
	require.NoError(t, err)
	h.proc, err = processor.New(&processor.Config{
		Logger:      slog.Default(),
		Transformer: tr,
		Vehicles:    h.vehicles,
		Binder:      h.binder,
		Persister:   h.persister,
		Locations:   h.locations,
		Broadcast:   h.emitter,
		Alerts:      h.alerter,
		Clock:       h.clock,
	})
	require.NoError(t, err)
	return h
}

func ptr[T any](v T) *T { return &v }

func deviceReport(deviceID string) *report.DeviceReport {
	return &report.DeviceReport{
		DeviceID:    deviceID,
		IMEI:        "123456789012345",
		Latitude:    ptr(12.9716),
		Longitude:   ptr(77.5946),
		Speed:       ptr(45.5),
		Timestamp:   "2025-06-15 14:30:00",
		IgnitionRaw: "1",
		Status:      "A",
	}
}

func unboundVehicle() *report.Vehicle {
	return &report.Vehicle{
		VehicleID:     7,
		IMEI:          "123456789012345",
		VehicleNumber: "KA01AB1234",
	}
}

func boundVehicle(deviceID string) *report.Vehicle {
	v := unboundVehicle()
	v.DeviceID = deviceID
	return v
}

func TestProcessOne(t *testing.T) {
	t.Parallel()

	t.Run("first_report_binds_and_fans_out", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, unboundVehicle())
		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))

		assert.Equal(t, []string{"D1"}, h.binder.binds)
		assert.Len(t, h.vehicles.invalidated, 1)
		assert.Len(t, h.vehicles.sets, 1)

		require.Len(t, h.persister.records, 1)
		rec := h.persister.records[0]
		assert.Equal(t, int64(7), rec.VehicleID)
		assert.Equal(t, report.IgnitionOn, rec.Ignition)
		assert.Equal(t, "2025-06-15 14:30:00", rec.Timestamp)

		require.Len(t, h.locations.upserted, 1)
		require.Len(t, h.emitter.updates, 1)
		assert.Equal(t, "D1", h.emitter.updates[0].DeviceID)
		assert.Equal(t, uint64(1), h.proc.Stats().Accepted)
	})

	t.Run("already_bound_device_does_not_rebind", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		assert.Empty(t, h.binder.binds)
	})

	t.Run("missing_device_id_adopts_bound_one", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("")))
		require.Len(t, h.persister.records, 1)
		assert.Equal(t, "D1", h.persister.records[0].DeviceID)
	})

	t.Run("conflicting_device_id_is_rejected", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		err := h.proc.ProcessOne(context.Background(), deviceReport("D2"))
		require.ErrorIs(t, err, processor.ErrBindingConflict)

		assert.Empty(t, h.persister.records)
		assert.Empty(t, h.emitter.updates)
		assert.Equal(t, uint64(1), h.proc.Stats().BindingConflicts)
	})

	t.Run("invalid_report_rejected_before_lookup", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, unboundVehicle())
		rep := deviceReport("D1")
		rep.Latitude = ptr(200.0)
		err := h.proc.ProcessOne(context.Background(), rep)
		require.ErrorIs(t, err, processor.ErrInvalidReport)
		assert.Equal(t, uint64(1), h.proc.Stats().Invalid)
	})

	t.Run("unknown_imei_fails_the_record", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		err := h.proc.ProcessOne(context.Background(), deviceReport("D1"))
		require.ErrorIs(t, err, processor.ErrNoVehicle)
		assert.Equal(t, uint64(1), h.proc.Stats().NoVehicle)
	})

	t.Run("persist_rejection_is_counted_not_fatal", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		h.persister.reject = true

		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		assert.Equal(t, uint64(1), h.proc.Stats().PersistRejected)
		assert.Len(t, h.emitter.updates, 1)
	})

	t.Run("rate_limited_upsert_is_a_skip", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		h.locations.err = store.ErrRateLimited

		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		st := h.proc.Stats()
		assert.Equal(t, uint64(1), st.UpsertSkipped)
		assert.Zero(t, st.UpsertFailed)
	})

	t.Run("upsert_failure_does_not_fail_the_record", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		h.locations.err = errors.New("connection reset")

		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		assert.Equal(t, uint64(1), h.proc.Stats().UpsertFailed)
	})

	t.Run("overspeed_raises_warn_alert", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		rep := deviceReport("D1")
		rep.Speed = ptr(135.0)

		require.NoError(t, h.proc.ProcessOne(context.Background(), rep))
		require.Len(t, h.alerter.events, 1)
		a := h.alerter.events[0]
		assert.Equal(t, health.AlertWarn, a.Level)
		assert.Equal(t, "speed/D1", a.Category)
		assert.Equal(t, 135.0, a.Value)
	})

	t.Run("quiet_hours_ignition_raises_info_alert", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		h.clock.Advance(9 * time.Hour) // 23:30 server time

		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		require.Len(t, h.alerter.events, 1)
		a := h.alerter.events[0]
		assert.Equal(t, health.AlertInfo, a.Level)
		assert.Equal(t, "quiet-hours/D1", a.Category)
	})

	t.Run("daytime_ignition_raises_nothing", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		require.NoError(t, h.proc.ProcessOne(context.Background(), deviceReport("D1")))
		assert.Empty(t, h.alerter.events)
	})
}

func TestProcessBatch(t *testing.T) {
	t.Parallel()

	t.Run("bad_record_does_not_abort_the_batch", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, boundVehicle("D1"))
		bad := *deviceReport("D1")
		bad.Latitude = ptr(200.0)

		res := h.proc.ProcessBatch(context.Background(), []report.DeviceReport{
			*deviceReport("D1"),
			bad,
			*deviceReport("D1"),
		})
		assert.Equal(t, 3, res.Total)
		assert.Equal(t, 2, res.OK)
		assert.Equal(t, 1, res.Failed)
		require.Contains(t, res.Errors, 1)
		assert.ErrorIs(t, res.Errors[1], processor.ErrInvalidReport)
		assert.Len(t, h.persister.records, 2)
	})
}

package persist_test

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/persist"
	"github.com/thinture/gpstracker/internal/report"
)

type mockWriter struct {
	mu             sync.Mutex
	batches        [][]report.HistoryRecord
	singles        []report.HistoryRecord
	WriteBatchFunc func(ctx context.Context, batch []report.HistoryRecord) error
	WriteOneFunc   func(ctx context.Context, rec report.HistoryRecord) error
}

func (w *mockWriter) WriteBatch(ctx context.Context, batch []report.HistoryRecord) error {
	w.mu.Lock()
	cp := make([]report.HistoryRecord, len(batch))
	copy(cp, batch)
	w.batches = append(w.batches, cp)
	w.mu.Unlock()
	if w.WriteBatchFunc != nil {
		return w.WriteBatchFunc(ctx, batch)
	}
	return nil
}

func (w *mockWriter) WriteOne(ctx context.Context, rec report.HistoryRecord) error {
	w.mu.Lock()
	w.singles = append(w.singles, rec)
	w.mu.Unlock()
	if w.WriteOneFunc != nil {
		return w.WriteOneFunc(ctx, rec)
	}
	return nil
}

func (w *mockWriter) batchWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func rec(deviceID string) report.HistoryRecord {
	return report.HistoryRecord{
		VehicleID: 1,
		IMEI:      "123456789012345",
		DeviceID:  deviceID,
		Latitude:  12.97,
		Longitude: 77.59,
		Timestamp: "2025-06-15 14:30:00",
	}
}

func newPersister(t *testing.T, w persist.Writer, mutate func(*persist.Config)) *persist.Persister {
	t.Helper()
	cfg := &persist.Config{
		Logger:        slog.Default(),
		Writer:        w,
		Parallelism:   1,
		BatchSize:     2,
		FlushInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := persist.New(cfg)
	require.NoError(t, err)
	return p
}

func TestPersister(t *testing.T) {
	t.Parallel()

	t.Run("flushes_at_batch_size", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{}
		p := newPersister(t, w, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Run(ctx)
		}()

		require.True(t, p.Enqueue(rec("D1")))
		require.True(t, p.Enqueue(rec("D1")))
		require.Eventually(t, func() bool { return w.batchWritten() == 2 },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(2), p.Stats().Persisted)
		cancel()
		<-done
	})

	t.Run("flushes_stale_partial_batch", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{}
		p := newPersister(t, w, func(cfg *persist.Config) {
			cfg.BatchSize = 10
			cfg.MaxWait = 20 * time.Millisecond
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = p.Run(ctx) }()

		require.True(t, p.Enqueue(rec("D1")))
		require.Eventually(t, func() bool { return w.batchWritten() == 1 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("falls_back_to_per_record_writes", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{
			WriteBatchFunc: func(context.Context, []report.HistoryRecord) error {
				return errors.New("bulk insert failed")
			},
			WriteOneFunc: func(_ context.Context, r report.HistoryRecord) error {
				if r.DeviceID == "BAD" {
					return errors.New("constraint violation")
				}
				return nil
			},
		}
		p := newPersister(t, w, func(cfg *persist.Config) {
			cfg.BatchSize = 3
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = p.Run(ctx) }()

		require.True(t, p.Enqueue(rec("D1")))
		require.True(t, p.Enqueue(rec("BAD")))
		require.True(t, p.Enqueue(rec("D2")))

		require.Eventually(t, func() bool {
			st := p.Stats()
			return st.BulkFallbacks == 1 && st.Persisted == 2 && st.PersistFailures == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects_when_all_queues_full", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{}
		p := newPersister(t, w, func(cfg *persist.Config) {
			cfg.QueueCapacity = 1
			cfg.OverflowCapacity = 1
			cfg.EnqueueTimeout = time.Millisecond
		})
		// Run is not started, so nothing drains the queues.
		require.True(t, p.Enqueue(rec("D1")))  // primary
		require.True(t, p.Enqueue(rec("D1")))  // overflow
		require.False(t, p.Enqueue(rec("D1"))) // dropped

		st := p.Stats()
		assert.Equal(t, uint64(2), st.Enqueued)
		assert.Equal(t, uint64(1), st.Overflowed)
		assert.Equal(t, uint64(1), st.Rejected)
		assert.Equal(t, 2, p.Depth())
	})

	t.Run("routes_by_device_across_queues", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{}
		p := newPersister(t, w, func(cfg *persist.Config) {
			cfg.Parallelism = 4
			cfg.BatchSize = 1
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = p.Run(ctx) }()

		for i := 0; i < 20; i++ {
			require.True(t, p.Enqueue(rec("D"+strconv.Itoa(i))))
		}
		require.Eventually(t, func() bool { return p.Stats().Persisted == 20 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("drains_buffered_records_on_shutdown", func(t *testing.T) {
		t.Parallel()

		w := &mockWriter{}
		p := newPersister(t, w, func(cfg *persist.Config) {
			cfg.BatchSize = 100 // large enough that nothing flushes early
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Run(ctx)
		}()

		for i := 0; i < 5; i++ {
			require.True(t, p.Enqueue(rec("D1")))
		}
		cancel()
		<-done

		assert.Equal(t, uint64(5), p.Stats().Persisted)
		assert.False(t, p.Enqueue(rec("D1")))
	})
}

// Package persist buffers history records into per-worker queues and writes
// them to storage in bulk, falling back to per-record writes when a bulk
// insert fails.
package persist

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultParallelism      = 4
	defaultBatchSize        = 100
	defaultOverflowCapacity = 10000
	defaultEnqueueTimeout   = 10 * time.Millisecond
	defaultFlushInterval    = 500 * time.Millisecond
	defaultMaxWait          = 5 * time.Second
	defaultDrainTimeout     = 30 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Writer Writer

	// Parallelism is the number of primary queues and flush workers.
	Parallelism int
	// BatchSize is the flush cutoff; primary queues hold 2x this many.
	BatchSize        int
	QueueCapacity    int
	OverflowCapacity int

	EnqueueTimeout time.Duration
	FlushInterval  time.Duration
	MaxWait        time.Duration
	DrainTimeout   time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Writer == nil {
		return errors.New("writer is required")
	}
	if c.Parallelism == 0 {
		c.Parallelism = defaultParallelism
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 2 * c.BatchSize
	}
	if c.OverflowCapacity == 0 {
		c.OverflowCapacity = defaultOverflowCapacity
	}
	if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxWait == 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

type queued struct {
	rec report.HistoryRecord
	at  time.Time
}

// Persister routes records to a fixed set of bounded queues by device id, so
// records for one device keep their arrival order within a queue. A shared
// overflow queue absorbs short bursts when a primary queue stays full past
// the enqueue timeout.
type Persister struct {
	log *slog.Logger
	cfg *Config

	queues   []chan queued
	overflow chan queued

	accepting atomic.Bool

	enqueued        atomic.Uint64
	rejected        atomic.Uint64
	overflowed      atomic.Uint64
	persisted       atomic.Uint64
	persistFailures atomic.Uint64
	bulkFallbacks   atomic.Uint64
}

func New(cfg *Config) (*Persister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Persister{
		log:      cfg.Logger.With("component", "persister"),
		cfg:      cfg,
		queues:   make([]chan queued, cfg.Parallelism),
		overflow: make(chan queued, cfg.OverflowCapacity),
	}
	for i := range p.queues {
		p.queues[i] = make(chan queued, cfg.QueueCapacity)
	}
	p.accepting.Store(true)
	return p, nil
}

// Enqueue offers a record to its device's queue, waiting at most the enqueue
// timeout before spilling to the overflow queue. Returns false when the
// record was dropped.
func (p *Persister) Enqueue(rec report.HistoryRecord) bool {
	if !p.accepting.Load() {
		p.rejected.Add(1)
		p.cfg.Metrics.Rejected.Inc()
		return false
	}
	it := queued{rec: rec, at: p.cfg.Clock.Now()}
	q := p.queues[p.queueIndex(rec.DeviceID)]

	select {
	case q <- it:
		p.enqueued.Add(1)
		p.cfg.Metrics.Enqueued.Inc()
		return true
	default:
	}
	select {
	case q <- it:
		p.enqueued.Add(1)
		p.cfg.Metrics.Enqueued.Inc()
		return true
	case <-p.cfg.Clock.After(p.cfg.EnqueueTimeout):
	}
	select {
	case p.overflow <- it:
		p.enqueued.Add(1)
		p.overflowed.Add(1)
		p.cfg.Metrics.Enqueued.Inc()
		p.cfg.Metrics.Overflowed.Inc()
		return true
	default:
		p.rejected.Add(1)
		p.cfg.Metrics.Rejected.Inc()
		return false
	}
}

// Run starts one flush worker per primary queue plus one for the overflow
// queue and blocks until ctx is done and the queues have drained.
func (p *Persister) Run(ctx context.Context) error {
	p.log.Info("starting persister",
		"parallelism", p.cfg.Parallelism,
		"batchSize", p.cfg.BatchSize,
		"overflowCapacity", p.cfg.OverflowCapacity,
	)
	var wg sync.WaitGroup
	for i := range p.queues {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.worker(ctx, i, p.queues[i])
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.worker(ctx, len(p.queues), p.overflow)
	}()

	<-ctx.Done()
	p.accepting.Store(false)
	wg.Wait()
	p.log.Info("persister drained", "persisted", p.persisted.Load(), "rejected", p.rejected.Load())
	return nil
}

func (p *Persister) worker(ctx context.Context, id int, q chan queued) {
	buf := make([]report.HistoryRecord, 0, p.cfg.BatchSize)
	var oldest time.Time

	tick := p.cfg.Clock.NewTicker(p.cfg.FlushInterval)
	defer tick.Stop()

	flush := func(fctx context.Context) {
		if len(buf) == 0 {
			return
		}
		p.flushBatch(fctx, id, buf)
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			p.drain(id, q, buf)
			return
		case it := <-q:
			if len(buf) == 0 {
				oldest = it.at
			}
			buf = append(buf, it.rec)
			if len(buf) >= p.cfg.BatchSize {
				flush(ctx)
			}
		case <-tick.Chan():
			p.cfg.Metrics.QueueDepth.Set(float64(p.Depth()))
			if len(buf) > 0 && p.cfg.Clock.Since(oldest) >= p.cfg.MaxWait {
				flush(ctx)
			}
		}
	}
}

// drain empties the queue after shutdown begins, bounded by the drain
// timeout.
func (p *Persister) drain(id int, q chan queued, buf []report.HistoryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case it := <-q:
			buf = append(buf, it.rec)
			if len(buf) >= p.cfg.BatchSize {
				p.flushBatch(ctx, id, buf)
				buf = buf[:0]
			}
		default:
			p.flushBatch(ctx, id, buf)
			return
		}
		if ctx.Err() != nil {
			p.log.Warn("drain deadline exceeded", "worker", id, "remaining", len(q))
			p.flushBatch(ctx, id, buf)
			return
		}
	}
}

// flushBatch performs the bulk write, falling back to per-record writes on
// failure so one bad record cannot poison a batch.
func (p *Persister) flushBatch(ctx context.Context, id int, batch []report.HistoryRecord) {
	if len(batch) == 0 {
		return
	}
	p.cfg.Metrics.Flushes.Inc()
	err := p.cfg.Writer.WriteBatch(ctx, batch)
	if err == nil {
		p.persisted.Add(uint64(len(batch)))
		p.cfg.Metrics.Persisted.Add(float64(len(batch)))
		return
	}
	p.bulkFallbacks.Add(1)
	p.cfg.Metrics.BulkFallbacks.Inc()
	p.log.Warn("bulk insert failed, retrying per record", "worker", id, "count", len(batch), "error", err)
	for i := range batch {
		if err := p.cfg.Writer.WriteOne(ctx, batch[i]); err != nil {
			p.persistFailures.Add(1)
			p.cfg.Metrics.PersistFailures.Inc()
			p.log.Error("record dropped after fallback",
				"worker", id, "deviceId", batch[i].DeviceID, "error", err)
			continue
		}
		p.persisted.Add(1)
		p.cfg.Metrics.Persisted.Inc()
	}
}

// Depth is the number of records currently buffered across all queues.
func (p *Persister) Depth() int {
	n := len(p.overflow)
	for i := range p.queues {
		n += len(p.queues[i])
	}
	return n
}

// Stats is a point-in-time snapshot of persister counters.
type Stats struct {
	Enqueued        uint64
	Rejected        uint64
	Overflowed      uint64
	Persisted       uint64
	PersistFailures uint64
	BulkFallbacks   uint64
	Depth           int
}

func (p *Persister) Stats() Stats {
	return Stats{
		Enqueued:        p.enqueued.Load(),
		Rejected:        p.rejected.Load(),
		Overflowed:      p.overflowed.Load(),
		Persisted:       p.persisted.Load(),
		PersistFailures: p.persistFailures.Load(),
		BulkFallbacks:   p.bulkFallbacks.Load(),
		Depth:           p.Depth(),
	}
}

func (p *Persister) queueIndex(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

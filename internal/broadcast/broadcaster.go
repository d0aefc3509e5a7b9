// Package broadcast fans accepted location updates out to downstream
// subscribers. Delivery is best-effort: emission never blocks ingestion, and
// the oldest update is dropped when a queue is full.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultQueueCapacity      = 1000
	defaultSubscriberCapacity = 100
)

type Config struct {
	Logger *slog.Logger

	QueueCapacity      int
	SubscriberCapacity int

	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.SubscriberCapacity == 0 {
		c.SubscriberCapacity = defaultSubscriberCapacity
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

type Broadcaster struct {
	log *slog.Logger
	cfg *Config

	queue chan report.LocationUpdate

	mu     sync.RWMutex
	subs   map[uint64]chan report.LocationUpdate
	nextID uint64

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func New(cfg *Config) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broadcaster{
		log:   cfg.Logger.With("component", "broadcaster"),
		cfg:   cfg,
		queue: make(chan report.LocationUpdate, cfg.QueueCapacity),
		subs:  make(map[uint64]chan report.LocationUpdate),
	}, nil
}

// Emit offers an update to the fan-out queue, evicting the oldest queued
// update if the queue is full. Never blocks the caller.
func (b *Broadcaster) Emit(u report.LocationUpdate) {
	b.emitted.Add(1)
	b.cfg.Metrics.Emitted.Inc()
	for {
		select {
		case b.queue <- u:
			return
		default:
		}
		select {
		case <-b.queue:
			b.dropped.Add(1)
			b.cfg.Metrics.Dropped.Inc()
		default:
		}
	}
}

// Subscribe registers a downstream consumer. The returned cancel func must
// be called to stop delivery; the channel is closed by cancel.
func (b *Broadcaster) Subscribe() (<-chan report.LocationUpdate, func()) {
	ch := make(chan report.LocationUpdate, b.cfg.SubscriberCapacity)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Run drains the fan-out queue, delivering each update to every subscriber
// with the same drop-oldest policy per subscriber channel.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info("starting broadcaster", "queueCapacity", b.cfg.QueueCapacity)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-b.queue:
			b.deliver(u)
		}
	}
}

func (b *Broadcaster) deliver(u report.LocationUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
			b.delivered.Add(1)
			b.cfg.Metrics.Delivered.Inc()
			continue
		default:
		}
		select {
		case <-ch:
			b.dropped.Add(1)
			b.cfg.Metrics.Dropped.Inc()
		default:
		}
		select {
		case ch <- u:
			b.delivered.Add(1)
			b.cfg.Metrics.Delivered.Inc()
		default:
		}
	}
}

// Subscribers is the current number of registered consumers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats is a point-in-time snapshot of broadcaster counters.
type Stats struct {
	Emitted     uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Emitted:     b.emitted.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.Subscribers(),
	}
}

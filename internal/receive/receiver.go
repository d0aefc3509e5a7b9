// Package receive implements the inbound path from subscribed MQTT topics:
// payload decoding, per-device tracking, and batching into the processor.
package receive

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultBatchSize    = 100
	defaultMaxBatchWait = 2 * time.Second
	defaultQueueCap     = 1000
	defaultIdleDevice   = 24 * time.Hour
	defaultDedupeTTL    = 10 * time.Minute

	// How often the flush loop re-checks the age of the oldest buffered
	// record.
	flushPollInterval = 200 * time.Millisecond
)

// Sink receives flushed batches. Flushes are asynchronous with respect to
// the inbound MQTT callbacks.
type Sink func(ctx context.Context, batch []report.DeviceReport)

type Config struct {
	Logger *slog.Logger
	Sink   Sink

	BatchSize     int
	MaxBatchWait  time.Duration
	QueueCapacity int
	IdleDeviceTTL time.Duration
	DedupeTTL     time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxBatchWait == 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCap
	}
	if c.IdleDeviceTTL == 0 {
		c.IdleDeviceTTL = defaultIdleDevice
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = defaultDedupeTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// deviceTrack fields other than FirstSeen are updated from concurrent MQTT
// callbacks.
type deviceTrack struct {
	FirstSeen time.Time
	lastSeen  atomic.Int64
	messages  atomic.Uint64
}

// Receiver decodes inbound payloads, tracks devices, and buffers records
// into batches for the processor.
type Receiver struct {
	log *slog.Logger
	cfg *Config

	queue   chan report.DeviceReport
	tracker *ttlcache.Cache[string, *deviceTrack]
	recent  *ttlcache.Cache[string, struct{}]

	received       atomic.Uint64
	parseFailures  atomic.Uint64
	hexConversions atomic.Uint64
	queueRejected  atomic.Uint64
	duplicates     atomic.Uint64
	lastMessage    atomic.Int64 // unix nanos

	rateMu    sync.Mutex
	ratePrevN uint64
	ratePrevT time.Time
}

func New(cfg *Config) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Receiver{
		log:   cfg.Logger.With("component", "receiver"),
		cfg:   cfg,
		queue: make(chan report.DeviceReport, cfg.QueueCapacity),
		tracker: ttlcache.New(
			ttlcache.WithTTL[string, *deviceTrack](cfg.IdleDeviceTTL),
		),
		recent: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.DedupeTTL),
		),
	}
	r.ratePrevT = cfg.Clock.Now()
	return r, nil
}

// HandleMessage is the paho message handler installed on every subscribed
// session. It never blocks the MQTT callback beyond a full-queue drop.
func (r *Receiver) HandleMessage(_ paho.Client, msg paho.Message) {
	now := r.cfg.Clock.Now()
	r.received.Add(1)
	r.lastMessage.Store(now.UnixNano())
	r.cfg.Metrics.MessagesReceived.Inc()

	res, err := report.ParsePayload(msg.Payload(), now)
	if res.HexDecoded {
		r.hexConversions.Add(1)
		r.cfg.Metrics.HexConversions.Inc()
	}
	if err != nil {
		if !errors.Is(err, report.ErrEmptyPayload) {
			r.parseFailures.Add(1)
			r.cfg.Metrics.ParseFailures.Inc()
			r.log.Debug("unparseable payload", "topic", msg.Topic(), "error", err)
		}
		return
	}

	for i := range res.Reports {
		rep := res.Reports[i]
		if rep.DeviceID == "" {
			rep.DeviceID = DeviceIDFromTopic(msg.Topic())
		}
		r.track(rep.DeviceID, now)

		// Broker redelivery at QoS 1 replays the same record. A device
		// resends a reading under the same reported timestamp, so the
		// (deviceId, timestamp) pair identifies a record within the
		// dedupe window.
		key := dedupeKey(rep.DeviceID, rep.Timestamp)
		if key != "" && r.recent.Has(key) {
			r.duplicates.Add(1)
			r.cfg.Metrics.DuplicatesDropped.Inc()
			r.log.Debug("duplicate record dropped", "deviceId", rep.DeviceID, "timestamp", rep.Timestamp)
			continue
		}

		select {
		case r.queue <- rep:
			if key != "" {
				r.recent.Set(key, struct{}{}, ttlcache.DefaultTTL)
			}
		default:
			r.queueRejected.Add(1)
			r.cfg.Metrics.QueueRejected.Inc()
		}
	}
}

// dedupeKey identifies a record within the redelivery window. Records
// missing either identifier are never suppressed.
func dedupeKey(deviceID, timestamp string) string {
	if deviceID == "" || timestamp == "" {
		return ""
	}
	return deviceID + "\x00" + timestamp
}

// Run drives the flush loop: a batch is flushed once it reaches BatchSize
// records or its oldest record has waited MaxBatchWait.
func (r *Receiver) Run(ctx context.Context) error {
	r.log.Info("starting receiver", "batchSize", r.cfg.BatchSize, "maxBatchWait", r.cfg.MaxBatchWait)
	go r.tracker.Start()
	defer r.tracker.Stop()
	go r.recent.Start()
	defer r.recent.Stop()

	buf := make([]report.DeviceReport, 0, r.cfg.BatchSize)
	var oldest time.Time

	tick := r.cfg.Clock.NewTicker(flushPollInterval)
	defer tick.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := make([]report.DeviceReport, len(buf))
		copy(batch, buf)
		buf = buf[:0]
		r.cfg.Metrics.BatchesFlushed.Inc()
		go r.cfg.Sink(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			r.log.Debug("receiver flush loop done")
			return nil
		case rep := <-r.queue:
			if len(buf) == 0 {
				oldest = r.cfg.Clock.Now()
			}
			buf = append(buf, rep)
			if len(buf) >= r.cfg.BatchSize {
				flush()
			}
		case <-tick.Chan():
			if len(buf) > 0 && r.cfg.Clock.Since(oldest) >= r.cfg.MaxBatchWait {
				flush()
			}
		}
	}
}

// ActiveDevices is the number of devices seen within the idle TTL.
func (r *Receiver) ActiveDevices() int { return r.tracker.Len() }

// LastMessageAt is the receive time of the most recent message, zero if none.
func (r *Receiver) LastMessageAt() time.Time {
	n := r.lastMessage.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MessageRate returns the average inbound messages per second since the
// previous call.
func (r *Receiver) MessageRate() float64 {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	now := r.cfg.Clock.Now()
	n := r.received.Load()
	elapsed := now.Sub(r.ratePrevT).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(n-r.ratePrevN) / elapsed
	r.ratePrevN = n
	r.ratePrevT = now
	return rate
}

// Stats is a point-in-time snapshot of receiver counters.
type Stats struct {
	Received       uint64
	ParseFailures  uint64
	HexConversions uint64
	QueueRejected  uint64
	Duplicates     uint64
	ActiveDevices  int
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Received:       r.received.Load(),
		ParseFailures:  r.parseFailures.Load(),
		HexConversions: r.hexConversions.Load(),
		QueueRejected:  r.queueRejected.Load(),
		Duplicates:     r.duplicates.Load(),
		ActiveDevices:  r.tracker.Len(),
	}
}

func (r *Receiver) track(deviceID string, now time.Time) {
	if deviceID == "" {
		return
	}
	item := r.tracker.Get(deviceID)
	if item == nil {
		t := &deviceTrack{FirstSeen: now}
		t.lastSeen.Store(now.UnixNano())
		t.messages.Store(1)
		r.tracker.Set(deviceID, t, ttlcache.DefaultTTL)
		r.cfg.Metrics.NewDevices.Inc()
		r.log.Info("new device", "deviceId", deviceID)
		return
	}
	t := item.Value()
	t.lastSeen.Store(now.UnixNano())
	t.messages.Add(1)
}

// DeviceIDFromTopic extracts a device id from a `/device/{id}/` topic
// segment, falling back to the sanitized topic itself.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "device" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return sanitizeTopic(topic)
}

func sanitizeTopic(topic string) string {
	var b strings.Builder
	for _, c := range topic {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPoolInitial     = 15
	defaultPoolMin         = 10
	defaultPoolMax         = 35
	defaultScaleUpAvail    = 3
	defaultDevicesPerConn  = 15
	defaultAcquireTimeout  = 3 * time.Second
	defaultReconnectCool   = 30 * time.Second
	defaultScaleInterval   = 60 * time.Second
	defaultSweepInterval   = 30 * time.Second
	defaultSlowPublishWarn = 2 * time.Second

	// Sessions added per scaling cycle, created in parallel.
	maxAddsPerCycle = 3

	// Load-based scale-up triggers.
	deviceLoadFactor   = 0.7
	msgRateThreshold   = 100.0
	msgRateAvailFloor  = 5
	utilizationCeiling = 0.8
)

// ErrPoolExhausted is returned when no session becomes available within the
// acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned once the pool has shut down.
var ErrPoolClosed = errors.New("connection pool closed")

type PoolConfig struct {
	Logger  *slog.Logger
	Manager *Manager

	Initial int
	Min     int
	Max     int

	ScaleUpAvailable  int
	DevicesPerConn    int
	AcquireTimeout    time.Duration
	ReconnectCooldown time.Duration
	ScaleInterval     time.Duration
	SweepInterval     time.Duration
	SlowPublishWarn   time.Duration

	// Load signals from the inbound side; both optional.
	ActiveDevices func() int
	MessageRate   func() float64

	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *PoolConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Manager == nil {
		return errors.New("manager is required")
	}
	if c.Initial == 0 {
		c.Initial = defaultPoolInitial
	}
	if c.Min == 0 {
		c.Min = defaultPoolMin
	}
	if c.Max == 0 {
		c.Max = defaultPoolMax
	}
	if c.Initial > c.Max || c.Min > c.Max {
		return fmt.Errorf("pool sizes inconsistent: initial=%d min=%d max=%d", c.Initial, c.Min, c.Max)
	}
	if c.ScaleUpAvailable == 0 {
		c.ScaleUpAvailable = defaultScaleUpAvail
	}
	if c.DevicesPerConn == 0 {
		c.DevicesPerConn = defaultDevicesPerConn
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = defaultReconnectCool
	}
	if c.ScaleInterval == 0 {
		c.ScaleInterval = defaultScaleInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SlowPublishWarn == 0 {
		c.SlowPublishWarn = defaultSlowPublishWarn
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// Pool owns up to Max MQTT sessions, hands them out for publishing, scales
// up under sustained load and reconnects failed sessions in the background.
// Session ownership entries are never removed until reconnect succeeds or
// the pool shuts down.
type Pool struct {
	log *slog.Logger
	cfg *PoolConfig

	mu           sync.Mutex
	sessions     []*Session
	available    chan *Session
	reconnecting map[string]time.Time // session id -> last attempt
	lastScaleUp  time.Time

	rr      atomic.Uint64
	closed  atomic.Bool
	workers pond.Pool
}

func NewPool(cfg *PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		log:          cfg.Logger.With("component", "mqtt-pool"),
		cfg:          cfg,
		available:    make(chan *Session, cfg.Max),
		reconnecting: make(map[string]time.Time),
		workers:      pond.NewPool(maxAddsPerCycle),
	}, nil
}

// Start brings up the initial sessions in parallel. A partially connected
// pool is usable; sessions that failed to connect are left for the sweep.
func (p *Pool) Start(ctx context.Context) error {
	group := p.workers.NewGroup()
	for i := 0; i < p.cfg.Initial; i++ {
		group.SubmitErr(func() error {
			return p.addSession(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		p.log.Warn("some initial sessions failed to connect", "error", err)
	}
	if p.ConnectedCount() == 0 {
		return fmt.Errorf("no sessions connected out of %d initial", p.cfg.Initial)
	}
	p.log.Info("pool started", "connected", p.ConnectedCount(), "target", p.cfg.Initial)
	return nil
}

// Run drives the scaling and health sweep loops until the context is done,
// then closes the pool.
func (p *Pool) Run(ctx context.Context) error {
	scale := p.cfg.Clock.NewTicker(p.cfg.ScaleInterval)
	defer scale.Stop()
	sweep := p.cfg.Clock.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return nil
		case <-scale.Chan():
			p.scaleTick(ctx)
		case <-sweep.Chan():
			p.Sweep(ctx)
		}
	}
}

// Acquire returns a connected session for publishing, preferring an idle one
// from the available queue, creating a new session while below Max, and
// falling back to round-robin sharing of connected sessions. It fails with
// ErrPoolExhausted after the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	deadline := p.cfg.Clock.Now().Add(p.cfg.AcquireTimeout)

	for {
		// Drain the available queue past any dead sessions.
		for {
			select {
			case s := <-p.available:
				if s.Connected() {
					s.touch(p.cfg.Clock.Now())
					return s, nil
				}
				p.scheduleReconnect(s)
				continue
			default:
			}
			break
		}

		if p.TotalCount() < p.cfg.Max {
			if err := p.addSession(ctx); err != nil {
				p.log.Debug("on-demand session create failed", "error", err)
			} else {
				continue
			}
		}

		if s := p.roundRobinConnected(); s != nil {
			s.touch(p.cfg.Clock.Now())
			return s, nil
		}

		if !p.cfg.Clock.Now().Before(deadline) {
			p.cfg.Metrics.AcquireTimeouts.Inc()
			return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.cfg.Clock.After(50 * time.Millisecond):
		}
	}
}

// Release returns a still-connected session to the available queue, or
// schedules a background reconnect for a dead one.
func (p *Pool) Release(s *Session) {
	if s == nil || p.closed.Load() {
		return
	}
	if !s.Connected() {
		p.scheduleReconnect(s)
		return
	}
	select {
	case p.available <- s:
	default:
		// queue full; session stays owned and reachable via round-robin
	}
}

// Publish sends one QoS 1 non-retained message through a pooled session.
func (p *Pool) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds maximum", len(payload))
	}

	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)

	start := p.cfg.Clock.Now()
	tok := s.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !tok.WaitTimeout(p.cfg.AcquireTimeout) {
		p.cfg.Metrics.PublishFailures.Inc()
		return fmt.Errorf("publish to %q timed out on %s", topic, s.id)
	}
	if err := tok.Error(); err != nil {
		p.cfg.Metrics.PublishFailures.Inc()
		return fmt.Errorf("publish to %q on %s: %w", topic, s.id, err)
	}

	elapsed := p.cfg.Clock.Since(start)
	if elapsed > p.cfg.SlowPublishWarn {
		p.cfg.Metrics.SlowPublishes.Inc()
		p.log.Warn("slow publish", "topic", topic, "clientId", s.id, "elapsed", elapsed)
	}
	s.publishes.Add(1)
	p.cfg.Metrics.Publishes.Inc()
	return nil
}

// PoolStats is a point-in-time snapshot used by the health monitor.
type PoolStats struct {
	Total        int
	Connected    int
	Available    int
	Reconnecting int
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Total:        len(p.sessions),
		Available:    len(p.available),
		Reconnecting: len(p.reconnecting),
	}
	for _, s := range p.sessions {
		if s.Connected() {
			st.Connected++
		}
	}
	return st
}

func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) ConnectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.Connected() {
			n++
		}
	}
	return n
}

// Sweep marks every disconnected session for background reconnect. It is
// run periodically and invoked by the health monitor as a recovery action.
func (p *Pool) Sweep(ctx context.Context) {
	p.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range p.sessions {
		if st := s.State(); st == StateDisconnected || st == StateUninit {
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.scheduleReconnect(s)
	}
	if len(stale) > 0 {
		p.log.Debug("health sweep scheduled reconnects", "count", len(stale))
	}
}

// Close disconnects every session with a per-session timeout. The pool
// accepts no work afterwards.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.workers.StopAndWait()

	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		p.cfg.Manager.Disconnect(s, defaultDisconnectTimeout)
	}
	p.log.Info("pool closed", "sessions", len(sessions))
}

func (p *Pool) addSession(ctx context.Context) error {
	s := p.cfg.Manager.Create()
	if err := p.cfg.Manager.Connect(ctx, s); err != nil {
		return err
	}

	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	total := len(p.sessions)
	p.mu.Unlock()

	p.cfg.Metrics.PoolSize.Set(float64(total))
	select {
	case p.available <- s:
	default:
	}
	return nil
}

func (p *Pool) roundRobinConnected() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sessions)
	if n == 0 {
		return nil
	}
	start := int(p.rr.Add(1)) % n
	for i := 0; i < n; i++ {
		s := p.sessions[(start+i)%n]
		if s.Connected() {
			return s
		}
	}
	return nil
}

// scheduleReconnect starts a background reconnect for a dead session unless
// one ran within the cooldown. Ownership of the session is retained either
// way.
func (p *Pool) scheduleReconnect(s *Session) {
	if p.closed.Load() || s.State() == StateClosed {
		return
	}
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	if last, ok := p.reconnecting[s.id]; ok && now.Sub(last) < p.cfg.ReconnectCooldown {
		p.mu.Unlock()
		return
	}
	p.reconnecting[s.id] = now
	p.mu.Unlock()

	p.workers.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout+p.cfg.ReconnectCooldown)
		defer cancel()
		err := p.cfg.Manager.Connect(ctx, s)

		p.mu.Lock()
		if err == nil {
			delete(p.reconnecting, s.id)
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Warn("background reconnect failed", "clientId", s.id, "error", err)
			return
		}
		p.log.Info("session reconnected", "clientId", s.id)
		select {
		case p.available <- s:
		default:
		}
	})
}

// scaleTick adds up to maxAddsPerCycle sessions when sustained load demands
// it. Scale-down is advisory only; a session is never dropped mid-publish.
func (p *Pool) scaleTick(ctx context.Context) {
	st := p.Stats()
	if st.Total >= p.cfg.Max {
		return
	}
	now := p.cfg.Clock.Now()
	if now.Sub(p.lastScaleUp) < p.cfg.ReconnectCooldown {
		return
	}

	activeDevices := 0
	if p.cfg.ActiveDevices != nil {
		activeDevices = p.cfg.ActiveDevices()
	}
	msgRate := 0.0
	if p.cfg.MessageRate != nil {
		msgRate = p.cfg.MessageRate()
	}
	inUse := st.Connected - st.Available

	need := st.Available < p.cfg.ScaleUpAvailable ||
		(st.Total > 0 && float64(activeDevices) > float64(st.Total*p.cfg.DevicesPerConn)*deviceLoadFactor) ||
		(msgRate > msgRateThreshold && st.Available < msgRateAvailFloor) ||
		(st.Total > 0 && float64(inUse)/float64(st.Total) > utilizationCeiling)
	if !need {
		if st.Total > p.cfg.Min && st.Available > p.cfg.ScaleUpAvailable*2 {
			p.log.Debug("pool over-provisioned", "total", st.Total, "available", st.Available)
		}
		return
	}

	adds := min(maxAddsPerCycle, p.cfg.Max-st.Total)
	p.log.Info("scaling up pool",
		"adds", adds, "total", st.Total, "available", st.Available,
		"activeDevices", activeDevices, "msgRate", msgRate)

	group := p.workers.NewGroup()
	for i := 0; i < adds; i++ {
		group.SubmitErr(func() error {
			return p.addSession(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		p.log.Warn("scale-up partially failed", "error", err)
	}
	p.lastScaleUp = now
	p.cfg.Metrics.ScaleUps.Inc()
}

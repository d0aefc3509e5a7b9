// Package mqtt provides the broker-facing session layer: a connection
// manager that opens, subscribes and tears down individual sessions, and a
// pool that owns many sessions for high-rate publishing.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// QoS 1: at-least-once for both subscriptions and publishes.
	qosAtLeastOnce = 1

	defaultKeepAlive          = 45 * time.Second
	defaultConnectTimeout     = 20 * time.Second
	defaultMaxInflight        = 500
	defaultConnectMaxAttempts = 5
	defaultConnectInitial     = 1 * time.Second
	defaultConnectMax         = 32 * time.Second
	// ±10% uniform jitter on connect retry delays.
	connectJitter = 0.1

	defaultDisconnectTimeout = 5 * time.Second
)

// ErrNotConnected is returned by operations that require a connected session.
var ErrNotConnected = errors.New("session is not connected")

type ManagerConfig struct {
	Logger *slog.Logger

	BrokerURL    string
	ClientIDBase string
	Username     string
	Password     string
	Topics       []string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MaxInflight    int

	ConnectMaxAttempts  int
	ConnectInitialDelay time.Duration
	ConnectMaxDelay     time.Duration

	// OnMessage receives every message from subscribed topics.
	OnMessage paho.MessageHandler
	// OnConnectionLost is invoked when a connected session drops.
	OnConnectionLost func(*Session, error)

	Clock   clockwork.Clock
	Metrics *Metrics

	// NewClient is a test seam; defaults to paho.NewClient.
	NewClient func(*paho.ClientOptions) paho.Client
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if _, err := ValidateBrokerURL(c.BrokerURL); err != nil {
		return err
	}
	for _, t := range c.Topics {
		if err := ValidateTopic(t); err != nil {
			return err
		}
	}
	if c.ClientIDBase == "" {
		c.ClientIDBase = "gpstracker"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = defaultMaxInflight
	}
	if c.ConnectMaxAttempts == 0 {
		c.ConnectMaxAttempts = defaultConnectMaxAttempts
	}
	if c.ConnectInitialDelay == 0 {
		c.ConnectInitialDelay = defaultConnectInitial
	}
	if c.ConnectMaxDelay == 0 {
		c.ConnectMaxDelay = defaultConnectMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.NewClient == nil {
		c.NewClient = paho.NewClient
	}
	return nil
}

// Manager creates and maintains individual MQTT sessions: clean-session,
// memory-only persistence, QoS 1 subscriptions on connect, and jittered
// exponential backoff on connect failures.
type Manager struct {
	log *slog.Logger
	cfg *ManagerConfig
	seq atomic.Uint64

	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	connectNanos    atomic.Int64
	connectOK       atomic.Uint64
}

// ConnectStats is a snapshot of connect attempt counters, consumed by the
// health monitor.
type ConnectStats struct {
	Attempts    uint64
	Failures    uint64
	AvgDuration time.Duration
}

func (m *Manager) Stats() ConnectStats {
	st := ConnectStats{
		Attempts: m.connectAttempts.Load(),
		Failures: m.connectFailures.Load(),
	}
	if ok := m.connectOK.Load(); ok > 0 {
		st.AvgDuration = time.Duration(m.connectNanos.Load() / int64(ok))
	}
	return st
}

func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		log: cfg.Logger.With("component", "mqtt-manager"),
		cfg: cfg,
	}, nil
}

// Create produces a new unconnected session with a unique client id of the
// form `{base}-{time-suffix}-{rand}-{seq}`. Subscriptions are installed by
// the on-connect handler once the session connects.
func (m *Manager) Create() *Session {
	seq := m.seq.Add(1)
	clientID := fmt.Sprintf("%s-%d-%s-%d",
		m.cfg.ClientIDBase,
		m.cfg.Clock.Now().UnixMilli(),
		strings.Split(uuid.NewString(), "-")[0],
		seq,
	)

	s := &Session{id: clientID}
	s.touch(m.cfg.Clock.Now())

	opts := paho.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(m.cfg.KeepAlive).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetMessageChannelDepth(uint(m.cfg.MaxInflight)).
		SetAutoReconnect(false). // reconnects are owned by the pool
		SetStore(paho.NewMemoryStore())
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
	}
	if m.cfg.Password != "" {
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		s.setState(StateConnected)
		if len(m.cfg.Topics) > 0 {
			if err := m.Subscribe(s, m.cfg.Topics); err != nil {
				m.log.Error("subscribe on connect failed", "clientId", s.id, "error", err)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.setState(StateDisconnected)
		m.cfg.Metrics.ConnectionsLost.Inc()
		m.log.Warn("connection lost", "clientId", s.id, "error", err)
		if m.cfg.OnConnectionLost != nil {
			m.cfg.OnConnectionLost(s, err)
		}
	})
	if m.cfg.OnMessage != nil {
		opts.SetDefaultPublishHandler(m.cfg.OnMessage)
	}

	s.client = m.cfg.NewClient(opts)
	s.topics = m.cfg.Topics
	return s
}

// Connect attempts to connect the session, retrying transient failures with
// jittered exponential backoff up to the configured attempt limit. Broker
// refusals for bad client id, bad credentials or unsupported protocol are
// not retried.
func (m *Manager) Connect(ctx context.Context, s *Session) error {
	attempt := 0
	start := m.cfg.Clock.Now()

	op := func() error {
		attempt++
		s.setState(StateConnecting)
		m.cfg.Metrics.ConnectAttempts.Inc()
		m.connectAttempts.Add(1)

		tok := s.client.Connect()
		if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
			s.setState(StateDisconnected)
			m.cfg.Metrics.ConnectFailures.Inc()
			m.connectFailures.Add(1)
			return fmt.Errorf("connect timed out after %s", m.cfg.ConnectTimeout)
		}
		if err := tok.Error(); err != nil {
			s.setState(StateDisconnected)
			m.cfg.Metrics.ConnectFailures.Inc()
			m.connectFailures.Add(1)
			if isFatalConnectError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		s.setState(StateConnected)
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.ConnectInitialDelay),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(m.cfg.ConnectMaxDelay),
		backoff.WithRandomizationFactor(connectJitter),
		backoff.WithMaxElapsedTime(0),
	)
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(m.cfg.ConnectMaxAttempts-1)), ctx))
	if err != nil {
		return fmt.Errorf("connect %s failed after %d attempts: %w", s.id, attempt, err)
	}

	elapsed := m.cfg.Clock.Since(start)
	m.cfg.Metrics.ConnectDuration.Observe(elapsed.Seconds())
	m.connectNanos.Add(elapsed.Nanoseconds())
	m.connectOK.Add(1)
	m.log.Debug("session connected", "clientId", s.id, "attempts", attempt)
	return nil
}

// Subscribe installs QoS 1 subscriptions on a connected session.
func (m *Manager) Subscribe(s *Session, topics []string) error {
	if s.State() != StateConnected {
		return fmt.Errorf("subscribe %s: %w (state %s)", s.id, ErrNotConnected, s.State())
	}
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return err
		}
		tok := s.client.Subscribe(topic, qosAtLeastOnce, m.cfg.OnMessage)
		if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
			return fmt.Errorf("subscribe %s to %q timed out", s.id, topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("subscribe %s to %q: %w", s.id, topic, err)
		}
		m.log.Debug("subscribed", "clientId", s.id, "topic", topic)
	}
	return nil
}

// Disconnect is idempotent and always leaves the session CLOSED, releasing
// client resources even when the quiesce fails.
func (m *Manager) Disconnect(s *Session, timeout time.Duration) {
	if s.State() == StateClosed {
		return
	}
	if timeout == 0 {
		timeout = defaultDisconnectTimeout
	}
	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(uint(timeout.Milliseconds()))
	}
	s.setState(StateClosed)
	m.log.Debug("session closed", "clientId", s.id)
}

// isFatalConnectError classifies broker refusals that no amount of retrying
// will fix.
func isFatalConnectError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedIDRejected) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion)
}

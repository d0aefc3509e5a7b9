package mqtt

import (
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// SessionState tracks the lifecycle of one MQTT session.
type SessionState int32

const (
	StateUninit SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one live MQTT client connection. Sessions are owned exclusively
// by the pool; a borrowed session is used by a single publisher until
// released.
type Session struct {
	id     string
	client paho.Client

	state     atomic.Int32
	topics    []string
	publishes atomic.Uint64
	lastUsed  atomic.Int64 // unix nanos
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Connected reports both our state machine and the underlying client view.
func (s *Session) Connected() bool {
	return s.State() == StateConnected && s.client != nil && s.client.IsConnected()
}

// Publishes is the number of successful publishes on this session.
func (s *Session) Publishes() uint64 { return s.publishes.Load() }

func (s *Session) touch(t time.Time) { s.lastUsed.Store(t.UnixNano()) }

// LastUsed is the time of the most recent publish or acquire.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

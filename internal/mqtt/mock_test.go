package mqtt_test

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type mockToken struct {
	err      error
	timedOut bool
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// mockClient is a scriptable paho.Client. connectErrs is consumed one per
// Connect call; nil entries and exhaustion mean success.
type mockClient struct {
	mu          sync.Mutex
	connectErrs []error
	connected   bool
	connects    int
	disconnects int
	publishes   []publishRecord
	subscribed  []string
}

func (c *mockClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	var err error
	if len(c.connectErrs) > 0 {
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	if err == nil {
		c.connected = true
	}
	return &mockToken{err: err}
}

func (c *mockClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.publishes = append(c.publishes, publishRecord{topic: topic, qos: qos, retained: retained, payload: b})
	return &mockToken{}
}

func (c *mockClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return &mockToken{}
}

func (c *mockClient) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	return &mockToken{}
}

func (c *mockClient) Unsubscribe(topics ...string) paho.Token { return &mockToken{} }

func (c *mockClient) AddRoute(topic string, cb paho.MessageHandler) {}

func (c *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (c *mockClient) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

// dropConnection simulates a broker-side disconnect without going through
// the client API.
func (c *mockClient) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

package mqtt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinture/gpstracker/internal/mqtt"
)

func TestValidateBrokerURL(t *testing.T) {
	t.Parallel()

	t.Run("accepts_supported_schemes", func(t *testing.T) {
		t.Parallel()

		for _, raw := range []string{
			"tcp://broker.local:1883",
			"ssl://broker.local:8883",
			"ws://broker.local:8080",
			"wss://broker.local:443",
		} {
			u, err := mqtt.ValidateBrokerURL(raw)
			require.NoError(t, err, "url=%q", raw)
			assert.NotNil(t, u)
		}
	})

	t.Run("rejects_bad_urls", func(t *testing.T) {
		t.Parallel()

		for _, raw := range []string{
			"http://broker.local:1883", // unsupported scheme
			"tcp://:1883",              // missing host
			"tcp://broker.local",       // missing port
			"tcp://broker.local:0",
			"tcp://broker.local:abc",
			"",
		} {
			_, err := mqtt.ValidateBrokerURL(raw)
			assert.Error(t, err, "url=%q", raw)
		}
	})
}

func TestValidateTopic(t *testing.T) {
	t.Parallel()

	for _, topic := range []string{
		"devices/+/reports",
		"devices/#",
		"a/b/c",
		"#",
	} {
		assert.NoError(t, mqtt.ValidateTopic(topic), "topic=%q", topic)
	}

	for _, topic := range []string{
		"",
		"devices/++/reports",
		"devices/#/reports",
		strings.Repeat("x", 256),
	} {
		assert.Error(t, mqtt.ValidateTopic(topic), "topic=%q", topic)
	}
}

package mqtt

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MaxTopicBytes is the longest topic accepted on either side of the broker.
const MaxTopicBytes = 255

// MaxPayloadBytes is the MQTT spec ceiling for a single message payload.
const MaxPayloadBytes = 256 << 20

var validSchemes = map[string]struct{}{
	"tcp": {}, "ssl": {}, "ws": {}, "wss": {},
}

// ValidateBrokerURL parses and validates a broker URL. Scheme must be one of
// tcp, ssl, ws, wss and the URL must carry a host and a positive port.
// Construction of any MQTT component fails fatally on an invalid URL.
func ValidateBrokerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url %q: %w", raw, err)
	}
	if _, ok := validSchemes[u.Scheme]; !ok {
		return nil, fmt.Errorf("invalid broker url %q: scheme must be tcp, ssl, ws or wss", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid broker url %q: missing host", raw)
	}
	port := u.Port()
	if port == "" {
		return nil, fmt.Errorf("invalid broker url %q: missing port", raw)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 {
		return nil, fmt.Errorf("invalid broker url %q: port must be positive", raw)
	}
	return u, nil
}

// ValidateTopic rejects malformed topic filters: adjacent `+` wildcards,
// `#` anywhere but the final level, and topics longer than MaxTopicBytes.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if len(topic) > MaxTopicBytes {
		return fmt.Errorf("topic exceeds %d bytes", MaxTopicBytes)
	}
	if strings.Contains(topic, "++") {
		return fmt.Errorf("topic %q contains adjacent wildcards", topic)
	}
	if i := strings.Index(topic, "#"); i >= 0 && i != len(topic)-1 {
		return fmt.Errorf("topic %q: # wildcard only allowed at the end", topic)
	}
	return nil
}

package broker

import (
	"context"
	"encoding/json"
	"time"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 5 * time.Second
)

// Message is the envelope carried between the game core and the gateways.
// ClientID is the connection the message is addressed to.
type Message struct {
	ClientID string          `json:"client_id"`
	ServerID string          `json:"server_id,omitempty"` // publishing instance, informational
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
}

// MarshalBinary implements the encoding.BinaryMarshaler interface for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface for Redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker moves messages between processes. Every subscriber of a
// channel sees every message published on it.
type MessageBroker interface {
	// Publish sends a message to the specified channel.
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe starts listening on the channel. The returned channel is
	// closed when ctx is done or the broker is closed.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	// Close cleans up resources.
	Close() error
	// Type names the broker implementation for metrics labels.
	Type() string
}

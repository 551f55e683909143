package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

const redisBrokerType = "redis"

// RedisBroker implements MessageBroker using Redis pub/sub.
type RedisBroker struct {
	client redis.UniversalClient
	logger *zap.Logger
	mu     sync.RWMutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker creates a broker on an existing client. The client is
// shared with the store and is not closed by the broker.
func NewRedisBroker(client redis.UniversalClient, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client: client,
		logger: logger.Named("broker.redis"),
	}
}

// Publish sends a message to the channel, retrying transient failures.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	operation := func() error {
		return b.client.Publish(ctx, channel, message).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(publishInitialBackoff),
				backoff.WithMaxInterval(publishMaxBackoff),
			),
			publishMaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(redisBrokerType).Inc()
		b.logger.Warn("retrying publish",
			zap.String("client_id", message.ClientID),
			zap.Duration("next_attempt", d),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(redisBrokerType).Inc()
	return nil
}

// Subscribe starts listening for messages on the channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Wait for the subscription to be confirmed so no message published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.release(pubsub)
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer b.release(pubsub)

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					b.logger.Warn("message decode error", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close stops every subscription opened through this broker.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	for _, sub := range b.subs {
		err = multierr.Append(err, sub.Close())
	}
	b.subs = nil
	return err
}

// release closes a subscription whose reader has exited.
func (b *RedisBroker) release(pubsub *redis.PubSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == pubsub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			pubsub.Close()
			return
		}
	}
}

// Type returns the metrics label of this broker.
func (b *RedisBroker) Type() string {
	return redisBrokerType
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

const kafkaBrokerType = "kafka"

// KafkaBroker implements MessageBroker using Apache Kafka
type KafkaBroker struct {
	brokers       []string
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	config        *sarama.Config
	logger        *zap.Logger
	mu            sync.RWMutex
	closed        bool
}

// NewKafkaBroker creates a new Kafka message broker. Every gateway must
// see every relay message, so callers pass a group ID unique to the
// instance rather than one shared across the fleet.
func NewKafkaBroker(brokers []string, groupID string, logger *zap.Logger) (*KafkaBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = publishMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 50 * time.Millisecond

	// Consumer configuration
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return &KafkaBroker{
		brokers:       brokers,
		producer:      producer,
		consumerGroup: consumerGroup,
		config:        config,
		logger:        logger.Named("broker.kafka"),
	}, nil
}

// Publish sends a message to the specified channel (topic) with retry capability
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(message.ClientID), // Use ClientID as partition key
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("client_id"),
				Value: []byte(message.ClientID),
			},
			{
				Key:   []byte("action"),
				Value: []byte(message.Action),
			},
		},
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
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

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(kafkaBrokerType).Inc()
		b.logger.Warn("retrying kafka publish",
			zap.String("client_id", message.ClientID),
			zap.Duration("next_attempt", d),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", channel, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(kafkaBrokerType).Inc()
	return nil
}

// Subscribe starts listening for messages on the specified channel (topic)
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.RUnlock()

	messages := make(chan Message, 100)

	handler := &consumerGroupHandler{
		messages: messages,
		ready:    make(chan bool),
		logger:   b.logger,
	}

	go func() {
		defer close(messages)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Consume returns on every rebalance and must be called again.
				if err := b.consumerGroup.Consume(ctx, []string{channel}, handler); err != nil {
					b.logger.Error("consumer group stopped", zap.Error(err))
					return
				}
			}
		}
	}()

	go func() {
		for err := range b.consumerGroup.Errors() {
			b.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

// Close cleans up resources
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if perr := b.producer.Close(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close producer: %w", perr))
	}
	if cerr := b.consumerGroup.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close consumer group: %w", cerr))
	}
	return err
}

// Type returns the metrics label of this broker.
func (b *KafkaBroker) Type() string {
	return kafkaBrokerType
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	ready    chan bool
	once     sync.Once
	logger   *zap.Logger
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			var message Message
			if err := json.Unmarshal(kafkaMsg.Value, &message); err != nil {
				h.logger.Warn("message decode error", zap.Error(err))
				// Mark undecodable messages too, they would never decode on redelivery.
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			select {
			case h.messages <- message:
			case <-session.Context().Done():
				return nil
			}

			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

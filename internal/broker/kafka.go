package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prices-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer, logger: util.GetLogger()}
}

// PublishEvent publishes an event to Kafka. Events sharing a key land on
// the same partition, so a proof's events stay ordered.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", event)))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishMessage writes msg unchanged apart from the producer's topic
func (p *Producer) PublishMessage(ctx context.Context, msg kafka.Message) error {
	msg.Topic = ""
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// RetryPolicy bounds how long a failing message holds its partition
type RetryPolicy struct {
	// MaxAttempts counts the first try
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if attempt > 30 {
		return p.MaxBackoff
	}
	if d := p.InitialBackoff << attempt; d < p.MaxBackoff {
		return d
	}
	return p.MaxBackoff
}

// DeadLetterWriter receives messages whose handler kept failing
type DeadLetterWriter interface {
	PublishMessage(ctx context.Context, msg kafka.Message) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader     messageReader
	topic      string
	retry      RetryPolicy
	deadLetter DeadLetterWriter
	logger     *zap.Logger
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) ConsumerOption {
	return func(c *Consumer) { c.retry = p }
}

// WithDeadLetter sends exhausted messages to w before committing them
func WithDeadLetter(w DeadLetterWriter) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = w }
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(reader, topic, opts...)
}

func newConsumer(reader messageReader, topic string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader: reader,
		topic:  topic,
		retry:  DefaultRetryPolicy(),
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming fetches messages until ctx is cancelled. Offsets are
// committed in order, so a failing message is retried in place with backoff
// and never skipped: once its attempts run out it goes to the dead letter
// writer, or is dropped with an error log when there is none. A message
// interrupted by cancellation stays uncommitted and is fetched again by the
// next consumer of the group.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		if err := c.handle(ctx, msg, handler); err != nil {
			c.logger.Info("Consumer context cancelled, leaving message uncommitted",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

// handle settles msg: it returns nil once the message may be committed and
// the context error when cancelled first
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	var err error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			util.EventsRetriedTotal.Inc()
			if !sleep(ctx, c.retry.backoff(attempt-1)) {
				return ctx.Err()
			}
		}
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Error handling message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if c.deadLetter == nil {
		c.logger.Error("Dropping message after retries",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	return c.sendToDeadLetter(ctx, msg, err)
}

// sendToDeadLetter keeps trying until the dead letter write succeeds, so the
// message is never committed without being kept somewhere
func (c *Consumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
		kafka.Header{Key: "x-source", Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))},
	)
	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Time: time.Now(), Headers: headers}

	for attempt := 0; ; attempt++ {
		err := c.deadLetter.PublishMessage(ctx, dead)
		if err == nil {
			util.EventsDeadLetteredTotal.Inc()
			c.logger.Error("Message moved to dead letter topic",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(cause))
			return nil
		}
		c.logger.Error("Error writing dead letter", zap.Error(err))
		if !sleep(ctx, c.retry.backoff(attempt)) {
			return ctx.Err()
		}
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message headers set on every relayed event
const (
	HeaderEventType = "event_type"
	HeaderSequence  = "sequence"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes outbox events. One writer serves every topic; the
// hash balancer keeps each partition key on a single partition.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer)
}

// NewProducerWithWriter wraps an existing writer
func NewProducerWithWriter(w messageWriter) *Producer {
	return &Producer{
		writer: w,
		logger: util.ComponentLogger("producer"),
	}
}

// EncodeMessage builds the Kafka message for an outbox row
func EncodeMessage(event models.OutboxEvent) (kafka.Message, error) {
	value, err := json.Marshal(event.Envelope())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return kafka.Message{
		Topic: event.Topic,
		Key:   []byte(event.PartitionKey),
		Value: value,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(event.Topic)},
			{Key: HeaderSequence, Value: []byte(strconv.FormatInt(event.ID, 10))},
		},
	}, nil
}

// PublishOutbox writes events in order and returns the ids the brokers
// acknowledged. Once a message fails, later messages with the same key are
// not reported as acknowledged so they are retried after it.
func (p *Producer) PublishOutbox(ctx context.Context, events []models.OutboxEvent) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	sendable := make([]models.OutboxEvent, 0, len(events))
	failedKeys := make(map[string]bool)

	for _, event := range events {
		msg, err := EncodeMessage(event)
		if err != nil {
			p.logger.Error("Failed to encode outbox event",
				zap.Int64("id", event.ID),
				zap.String("topic", event.Topic),
				zap.Error(err))
			failedKeys[event.PartitionKey] = true
			continue
		}
		if failedKeys[event.PartitionKey] {
			continue
		}
		msgs = append(msgs, msg)
		sendable = append(sendable, event)
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		acked := make([]int64, len(sendable))
		for i, event := range sendable {
			acked[i] = event.ID
		}
		if len(failedKeys) > 0 {
			return acked, errors.New("some outbox events could not be encoded")
		}
		return acked, nil
	}

	var writeErrs kafka.WriteErrors
	if !errors.As(err, &writeErrs) || len(writeErrs) != len(sendable) {
		return nil, fmt.Errorf("failed to write messages to kafka: %w", err)
	}

	acked := make([]int64, 0, len(sendable))
	for i, event := range sendable {
		if writeErrs[i] != nil {
			failedKeys[event.PartitionKey] = true
			p.logger.Warn("Outbox event not acknowledged",
				zap.Int64("id", event.ID),
				zap.String("topic", event.Topic),
				zap.String("key", event.PartitionKey),
				zap.Error(writeErrs[i]))
			continue
		}
		if failedKeys[event.PartitionKey] {
			continue
		}
		acked = append(acked, event.ID)
	}

	return acked, fmt.Errorf("failed to write %d of %d messages to kafka: %w", writeErrs.Count(), len(sendable), err)
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads every outbox topic as one consumer group
type Consumer struct {
	reader  messageReader
	group   string
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// NewConsumer creates a new Kafka consumer for the group
func NewConsumer(brokers []string, topics []string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return NewConsumerWithReader(reader, groupID)
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(r messageReader, groupID string) *Consumer {
	return &Consumer{
		reader:  r,
		group:   groupID,
		retries: 3,
		backoff: time.Second,
		logger:  util.ComponentLogger("consumer").With(zap.String("group", groupID)),
	}
}

// Group returns the consumer group id
func (c *Consumer) Group() string {
	return c.group
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming fetches messages until ctx is done. A message is committed
// once the handler succeeds, or after the handler failed on every retry.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return ctx.Err()
			}
			continue
		}

		if err := c.handle(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Dropping message after retries",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		c.logger.Warn("Error handling message",
			zap.String("topic", msg.Topic),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < c.retries && !sleep(ctx, c.backoff) {
			return ctx.Err()
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

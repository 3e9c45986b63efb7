package worker

import (
	"context"
	"fmt"

	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// Consumer groups fed by the relay
const (
	GroupNotifications = "notifications"
	GroupAnalytics     = "analytics"
	GroupAudit         = "audit"
)

// ProcessedStore remembers which events a consumer group already handled
type ProcessedStore interface {
	IsEventProcessed(ctx context.Context, group, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, group, eventID, eventType string) error
}

// EventConsumer handles outbox events for one consumer group. Each group
// has its own offsets, so a slow group never holds back another.
type EventConsumer struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	processed    ProcessedStore
	group        string
	logger       *zap.Logger
}

// NewEventConsumer creates a new event consumer for consumer.Group()
func NewEventConsumer(consumer *broker.Consumer, processed ProcessedStore) *EventConsumer {
	ec := &EventConsumer{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		processed:    processed,
		group:        consumer.Group(),
		logger:       util.ComponentLogger("consumer").With(zap.String("group", consumer.Group())),
	}
	ec.register()
	return ec
}

func (ec *EventConsumer) register() {
	switch ec.group {
	case GroupNotifications:
		ec.eventHandler.On(models.TopicBookingPaid, ec.once(ec.notify("Booking confirmed")))
		ec.eventHandler.On(models.TopicBookingCancelled, ec.once(ec.notify("Booking cancelled")))
		ec.eventHandler.On(models.TopicPaymentFailed, ec.once(ec.notify("Payment failed")))
	case GroupAnalytics:
		ec.eventHandler.OnAny(ec.once(ec.count))
	default:
		ec.eventHandler.OnAny(ec.once(ec.audit))
	}
}

// Start starts the consumer and blocks until ctx is done
func (ec *EventConsumer) Start(ctx context.Context) error {
	ec.logger.Info("Starting event consumer")
	return ec.consumer.StartConsuming(ctx, ec.eventHandler.HandleMessage)
}

// Stop stops the consumer
func (ec *EventConsumer) Stop() error {
	ec.logger.Info("Stopping event consumer")
	return ec.consumer.Close()
}

// once skips events the group already handled and records new ones
func (ec *EventConsumer) once(handler broker.EnvelopeHandler) broker.EnvelopeHandler {
	return func(ctx context.Context, env models.Envelope) error {
		done, err := ec.processed.IsEventProcessed(ctx, ec.group, env.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if done {
			ec.logger.Debug("Skipping duplicate event", zap.String("event_id", env.EventID))
			return nil
		}

		if err := handler(ctx, env); err != nil {
			return err
		}

		if err := ec.processed.MarkEventProcessed(ctx, ec.group, env.EventID, env.EventType); err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}

		util.EventsConsumedTotal.WithLabelValues(ec.group, env.EventType).Inc()
		return nil
	}
}

func (ec *EventConsumer) notify(subject string) broker.EnvelopeHandler {
	return func(ctx context.Context, env models.Envelope) error {
		ec.logger.Info(subject,
			zap.String("event_id", env.EventID),
			zap.String("key", env.PartitionKey),
			zap.ByteString("payload", env.Payload))
		return nil
	}
}

func (ec *EventConsumer) count(ctx context.Context, env models.Envelope) error {
	ec.logger.Debug("Event counted",
		zap.String("event_type", env.EventType),
		zap.Int64("sequence", env.Sequence))
	return nil
}

func (ec *EventConsumer) audit(ctx context.Context, env models.Envelope) error {
	ec.logger.Info("Audit",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.Int64("sequence", env.Sequence),
		zap.String("key", env.PartitionKey),
		zap.Time("occurred_at", env.OccurredAt),
		zap.ByteString("payload", env.Payload))
	return nil
}

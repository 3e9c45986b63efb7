package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"booking-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EnvelopeHandler handles one decoded event
type EnvelopeHandler func(ctx context.Context, env models.Envelope) error

// EventHandler routes messages to handlers registered per event type
type EventHandler struct {
	handlers map[string]EnvelopeHandler
	fallback EnvelopeHandler
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{handlers: make(map[string]EnvelopeHandler)}
}

// On registers a handler for an event type
func (eh *EventHandler) On(eventType string, handler EnvelopeHandler) {
	eh.handlers[eventType] = handler
}

// OnAny registers a handler for event types without a specific handler
func (eh *EventHandler) OnAny(handler EnvelopeHandler) {
	eh.fallback = handler
}

// DecodeMessage reads the envelope of a relayed message
func DecodeMessage(msg kafka.Message) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		env.EventType = msg.Topic
	}
	return env, nil
}

// HandleMessage routes messages to appropriate handlers. Messages without
// a handler are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	env, err := DecodeMessage(msg)
	if err != nil {
		return err
	}

	if handler, ok := eh.handlers[env.EventType]; ok {
		return handler(ctx, env)
	}
	if eh.fallback != nil {
		return eh.fallback(ctx, env)
	}
	return nil
}

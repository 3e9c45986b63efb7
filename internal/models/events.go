package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox topics
const (
	TopicSeatSelected     = "seat.selected"
	TopicSeatReleased     = "seat.released"
	TopicBookingCreated   = "booking.created"
	TopicBookingCancelled = "booking.cancelled"
	TopicBookingPaid      = "booking.paid"
	TopicPaymentInitiated = "payment.initiated"
	TopicPaymentFailed    = "payment.failed"
)

// AllTopics lists every topic the relay may publish to
var AllTopics = []string{
	TopicSeatSelected,
	TopicSeatReleased,
	TopicBookingCreated,
	TopicBookingCancelled,
	TopicBookingPaid,
	TopicPaymentInitiated,
	TopicPaymentFailed,
}

// Seat release reasons
const (
	ReleaseReasonReleased  = "released"
	ReleaseReasonExpired   = "expired"
	ReleaseReasonCancelled = "cancelled"
	ReleaseReasonFailed    = "confirm_failed"
)

// Envelope is the wire format of every relayed message
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Sequence     int64           `json:"sequence"`
	PartitionKey string          `json:"partition_key"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload"`
}

// SeatSelectedEvent published when a seat is attached to a booking
type SeatSelectedEvent struct {
	SeatID    int64 `json:"seat_id"`
	EventID   int64 `json:"event_id"`
	BookingID int64 `json:"booking_id"`
}

// SeatReleasedEvent published when a seat returns to FREE
type SeatReleasedEvent struct {
	SeatID    int64  `json:"seat_id"`
	EventID   int64  `json:"event_id"`
	BookingID int64  `json:"booking_id"`
	Reason    string `json:"reason"`
}

// BookingCreatedEvent published when a booking is opened
type BookingCreatedEvent struct {
	BookingID int64 `json:"booking_id"`
	EventID   int64 `json:"event_id"`
	UserID    int64 `json:"user_id"`
}

// BookingCancelledEvent published when a booking is cancelled and its seats freed
type BookingCancelledEvent struct {
	BookingID int64   `json:"booking_id"`
	EventID   int64   `json:"event_id"`
	UserID    int64   `json:"user_id"`
	SeatIDs   []int64 `json:"seat_ids"`
}

// BookingPaidEvent published when payment completes
type BookingPaidEvent struct {
	BookingID     int64   `json:"booking_id"`
	EventID       int64   `json:"event_id"`
	UserID        int64   `json:"user_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        int64   `json:"amount"`
	SeatIDs       []int64 `json:"seat_ids"`
}

// PaymentInitiatedEvent published when the gateway accepted a payment request
type PaymentInitiatedEvent struct {
	BookingID     int64  `json:"booking_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Provider      string `json:"provider"`
}

// PaymentFailedEvent published when a payment attempt ends without money moving
type PaymentFailedEvent struct {
	BookingID     int64  `json:"booking_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// EventPartitionKey orders seat notifications per event
func EventPartitionKey(eventID int64) string {
	return fmt.Sprintf("event-%d", eventID)
}

// BookingPartitionKey orders booking and payment notifications per booking
func BookingPartitionKey(bookingID int64) string {
	return fmt.Sprintf("booking-%d", bookingID)
}

// NewOutboxEvent builds an unrelayed outbox row for the payload
func NewOutboxEvent(topic, partitionKey string, payload interface{}) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	return &OutboxEvent{
		EventID:      uuid.New().String(),
		PartitionKey: partitionKey,
		Topic:        topic,
		Payload:      data,
		CreatedAt:    time.Now(),
	}, nil
}

// Envelope wraps the outbox row for publishing
func (e *OutboxEvent) Envelope() Envelope {
	return Envelope{
		EventID:      e.EventID,
		EventType:    e.Topic,
		Sequence:     e.ID,
		PartitionKey: e.PartitionKey,
		OccurredAt:   e.CreatedAt,
		Payload:      json.RawMessage(e.Payload),
	}
}

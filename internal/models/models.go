package models

import "time"

// Event is a sellable occurrence whose seats are the contended inventory
type Event struct {
	ID            int64     `db:"id" json:"id"`
	Title         string    `db:"title" json:"title"`
	Description   string    `db:"description" json:"description"`
	Type          string    `db:"type" json:"type"`
	DatetimeStart time.Time `db:"datetime_start" json:"datetime_start"`
	Provider      string    `db:"provider" json:"provider"`
}

// Seat represents a single sellable place for an event
type Seat struct {
	ID         int64      `db:"id" json:"id"`
	EventID    int64      `db:"event_id" json:"event_id"`
	Row        int        `db:"row_no" json:"row"`
	Number     int        `db:"seat_no" json:"number"`
	Status     string     `db:"status" json:"status"`
	BookingID  *int64     `db:"booking_id" json:"booking_id,omitempty"`
	Category   string     `db:"category" json:"category"`
	Price      int64      `db:"price" json:"price"`
	SelectedAt *time.Time `db:"selected_at" json:"-"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// HeldBy reports whether the seat is currently assigned to the booking
func (s Seat) HeldBy(bookingID int64) bool {
	return s.BookingID != nil && *s.BookingID == bookingID
}

// Booking represents a user's attempt to purchase seats for one event
type Booking struct {
	ID             int64     `db:"id" json:"id"`
	EventID        int64     `db:"event_id" json:"event_id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	Status         string    `db:"status" json:"status"`
	IdempotencyKey *string   `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction records one attempt to collect payment for a booking
type PaymentTransaction struct {
	ID            int64     `db:"id" json:"id"`
	BookingID     int64     `db:"booking_id" json:"booking_id"`
	TransactionID *string   `db:"transaction_id" json:"transaction_id,omitempty"`
	Amount        int64     `db:"amount" json:"amount"`
	Status        string    `db:"status" json:"status"`
	Provider      string    `db:"provider" json:"provider"`
	PaymentURL    string    `db:"payment_url" json:"payment_url,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// OutboxEvent is a durable notification written alongside a state change
type OutboxEvent struct {
	ID           int64      `db:"id" json:"id"`
	EventID      string     `db:"event_id" json:"event_id"`
	PartitionKey string     `db:"partition_key" json:"partition_key"`
	Topic        string     `db:"topic" json:"topic"`
	Payload      []byte     `db:"payload" json:"payload"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	Relayed      bool       `db:"relayed" json:"relayed"`
	RelayedAt    *time.Time `db:"relayed_at" json:"relayed_at,omitempty"`
}

// Seat statuses
const (
	SeatStatusFree     = "FREE"
	SeatStatusSelected = "SELECTED"
	SeatStatusReserved = "RESERVED"
	SeatStatusSold     = "SOLD"
)

// Booking statuses
const (
	BookingStatusCreated        = "created"
	BookingStatusPendingPayment = "pending_payment"
	BookingStatusPaid           = "paid"
	BookingStatusCancelled      = "cancelled"
)

// Payment transaction statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusExpired   = "expired"
)

// IsTerminalPaymentStatus reports whether no further transition is allowed from the payment status
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusExpired:
		return true
	}
	return false
}

// ProcessedEvent for consumer-side idempotency
type ProcessedEvent struct {
	ConsumerGroup string    `db:"consumer_group"`
	EventID       string    `db:"event_id"`
	EventType     string    `db:"event_type"`
	ProcessedAt   time.Time `db:"processed_at"`
}

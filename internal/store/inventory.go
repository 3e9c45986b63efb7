package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"
)

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	var event models.Event
	err := s.db.GetContext(ctx, &event,
		"SELECT id, title, description, type, datetime_start, provider FROM events WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetSeat retrieves a seat by ID
func (s *Store) GetSeat(ctx context.Context, id int64) (*models.Seat, error) {
	var seat models.Seat
	err := s.db.GetContext(ctx, &seat, "SELECT "+seatColumns+" FROM seats WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("seat %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &seat, nil
}

// ListSeats returns a page of an event's seats, optionally filtered by status
func (s *Store) ListSeats(ctx context.Context, eventID int64, status string, limit, offset int) ([]models.Seat, error) {
	seats := []models.Seat{}
	query := "SELECT " + seatColumns + " FROM seats WHERE event_id = $1"
	args := []interface{}{eventID}

	if status != "" {
		query += " AND status = $2 ORDER BY row_no, seat_no LIMIT $3 OFFSET $4"
		args = append(args, status, limit, offset)
	} else {
		query += " ORDER BY row_no, seat_no LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}

	err := s.db.SelectContext(ctx, &seats, query, args...)
	return seats, err
}

// GetBooking retrieves a booking by ID
func (s *Store) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingByIdempotencyKey retrieves a booking by idempotency key, or nil
func (s *Store) GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingsByUserID retrieves bookings for a user, newest first
func (s *Store) GetBookingsByUserID(ctx context.Context, userID int64) ([]models.Booking, error) {
	bookings := []models.Booking{}
	err := s.db.SelectContext(ctx, &bookings,
		"SELECT "+bookingColumns+" FROM bookings WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return bookings, err
}

// GetBookingSeats retrieves every seat currently assigned to a booking
func (s *Store) GetBookingSeats(ctx context.Context, bookingID int64) ([]models.Seat, error) {
	seats := []models.Seat{}
	err := s.db.SelectContext(ctx, &seats,
		"SELECT "+seatColumns+" FROM seats WHERE booking_id = $1 ORDER BY id", bookingID)
	return seats, err
}

// GetLatestPayment retrieves the most recent payment attempt for a booking, or nil
func (s *Store) GetLatestPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE booking_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1",
		bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByTransactionID retrieves a payment by the gateway's transaction id
func (s *Store) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE transaction_id = $1", transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", transactionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListStaleSelectedSeats returns SELECTED seats whose selection is older than before
func (s *Store) ListStaleSelectedSeats(ctx context.Context, before time.Time, limit int) ([]models.Seat, error) {
	var seats []models.Seat
	err := s.db.SelectContext(ctx, &seats, `
		SELECT `+seatColumns+` FROM seats
		WHERE status = 'SELECTED' AND selected_at <= $1
		ORDER BY selected_at
		LIMIT $2`,
		before, limit)
	return seats, err
}

// ListStalePendingPayments returns pending payments created before the cutoff
func (s *Store) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := s.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`,
		before, limit)
	return payments, err
}

// IsEventProcessed checks if a consumer group has already handled an event
func (s *Store) IsEventProcessed(ctx context.Context, group, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE consumer_group = $1 AND event_id = $2)",
		group, eventID)
	return exists, err
}

// MarkEventProcessed records that a consumer group handled an event
func (s *Store) MarkEventProcessed(ctx context.Context, group, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (consumer_group, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_group, event_id) DO NOTHING`,
		group, eventID, eventType)
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const seatColumns = "id, event_id, row_no, seat_no, status, booking_id, category, price, selected_at, updated_at"

const bookingColumns = "id, event_id, user_id, status, idempotency_key, created_at, updated_at"

const paymentColumns = "id, booking_id, transaction_id, amount, status, provider, payment_url, created_at, updated_at"

// Tx is the set of row operations available inside one durable transaction.
// Conditional updates report whether a row matched so callers can detect lost races.
type Tx interface {
	GetBookingForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error)
	InsertBooking(ctx context.Context, booking *models.Booking) error
	TransitionBooking(ctx context.Context, bookingID int64, from, to string) (bool, error)

	SelectSeat(ctx context.Context, seatID, eventID, bookingID int64) (bool, error)
	ReleaseSeat(ctx context.Context, seatID, bookingID int64) (bool, error)
	ReleaseExpiredSeat(ctx context.Context, seatID, bookingID int64, selectedBefore time.Time) (bool, error)
	ConfirmSeat(ctx context.Context, seatID, bookingID int64, status string) (bool, error)
	ConfirmBookingSeats(ctx context.Context, bookingID int64, status string) ([]int64, error)
	ReleaseBookingSeats(ctx context.Context, bookingID int64) ([]int64, error)
	SelectedSeats(ctx context.Context, bookingID int64) ([]models.Seat, error)

	InsertPayment(ctx context.Context, payment *models.PaymentTransaction) error
	GetPaymentForUpdate(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	PendingPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error)
	TransitionPayment(ctx context.Context, paymentID int64, from, to string) (bool, error)
	ExpirePendingPayments(ctx context.Context, bookingID int64) (int64, error)

	InsertOutbox(ctx context.Context, event *models.OutboxEvent) error
}

type sqlTx struct {
	tx *sqlx.Tx
}

// GetBookingForUpdate locks the booking row for the rest of the transaction
func (t *sqlTx) GetBookingForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	var booking models.Booking
	err := t.tx.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE id = $1 FOR UPDATE", bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", bookingID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}
	return &booking, nil
}

// InsertBooking creates a new booking
func (t *sqlTx) InsertBooking(ctx context.Context, booking *models.Booking) error {
	query := `
		INSERT INTO bookings (event_id, user_id, status, idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		booking.EventID, booking.UserID, booking.Status, booking.IdempotencyKey,
	).Scan(&booking.ID, &booking.CreatedAt, &booking.UpdatedAt)
}

// TransitionBooking moves the booking from one status to another
func (t *sqlTx) TransitionBooking(ctx context.Context, bookingID int64, from, to string) (bool, error) {
	return t.execAffected(ctx,
		"UPDATE bookings SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, bookingID, from)
}

// SelectSeat attaches a FREE seat to the booking
func (t *sqlTx) SelectSeat(ctx context.Context, seatID, eventID, bookingID int64) (bool, error) {
	return t.execAffected(ctx, `
		UPDATE seats SET status = 'SELECTED', booking_id = $1, selected_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND event_id = $3 AND status = 'FREE'`,
		bookingID, seatID, eventID)
}

// ReleaseSeat returns a seat SELECTED by the booking to FREE
func (t *sqlTx) ReleaseSeat(ctx context.Context, seatID, bookingID int64) (bool, error) {
	return t.execAffected(ctx, `
		UPDATE seats SET status = 'FREE', booking_id = NULL, selected_at = NULL, updated_at = NOW()
		WHERE id = $1 AND booking_id = $2 AND status = 'SELECTED'`,
		seatID, bookingID)
}

// ReleaseExpiredSeat frees a seat only if it is still the same selection the sweeper observed
func (t *sqlTx) ReleaseExpiredSeat(ctx context.Context, seatID, bookingID int64, selectedBefore time.Time) (bool, error) {
	return t.execAffected(ctx, `
		UPDATE seats SET status = 'FREE', booking_id = NULL, selected_at = NULL, updated_at = NOW()
		WHERE id = $1 AND booking_id = $2 AND status = 'SELECTED' AND selected_at <= $3`,
		seatID, bookingID, selectedBefore)
}

// ConfirmSeat moves a seat SELECTED by the booking to its final status
func (t *sqlTx) ConfirmSeat(ctx context.Context, seatID, bookingID int64, status string) (bool, error) {
	return t.execAffected(ctx, `
		UPDATE seats SET status = $1, updated_at = NOW()
		WHERE id = $2 AND booking_id = $3 AND status = 'SELECTED'`,
		status, seatID, bookingID)
}

// ConfirmBookingSeats confirms every seat the booking still has SELECTED
func (t *sqlTx) ConfirmBookingSeats(ctx context.Context, bookingID int64, status string) ([]int64, error) {
	var ids []int64
	err := t.tx.SelectContext(ctx, &ids, `
		UPDATE seats SET status = $1, updated_at = NOW()
		WHERE booking_id = $2 AND status = 'SELECTED'
		RETURNING id`,
		status, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm booking seats: %w", err)
	}
	return ids, nil
}

// ReleaseBookingSeats frees every seat the booking still has SELECTED
func (t *sqlTx) ReleaseBookingSeats(ctx context.Context, bookingID int64) ([]int64, error) {
	var ids []int64
	err := t.tx.SelectContext(ctx, &ids, `
		UPDATE seats SET status = 'FREE', booking_id = NULL, selected_at = NULL, updated_at = NOW()
		WHERE booking_id = $1 AND status = 'SELECTED'
		RETURNING id`,
		bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to release booking seats: %w", err)
	}
	return ids, nil
}

// SelectedSeats returns the seats the booking currently has SELECTED
func (t *sqlTx) SelectedSeats(ctx context.Context, bookingID int64) ([]models.Seat, error) {
	var seats []models.Seat
	err := t.tx.SelectContext(ctx, &seats,
		"SELECT "+seatColumns+" FROM seats WHERE booking_id = $1 AND status = 'SELECTED' ORDER BY id",
		bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected seats: %w", err)
	}
	return seats, nil
}

// InsertPayment creates a new payment transaction record
func (t *sqlTx) InsertPayment(ctx context.Context, payment *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (booking_id, transaction_id, amount, status, provider, payment_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		payment.BookingID, payment.TransactionID, payment.Amount, payment.Status, payment.Provider, payment.PaymentURL,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// GetPaymentForUpdate locks the payment identified by the gateway's transaction id
func (t *sqlTx) GetPaymentForUpdate(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	err := t.tx.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE transaction_id = $1 FOR UPDATE",
		transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", transactionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return &payment, nil
}

// PendingPayment returns the booking's non-terminal payment, or nil
func (t *sqlTx) PendingPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	err := t.tx.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE booking_id = $1 AND status = 'pending'",
		bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payment: %w", err)
	}
	return &payment, nil
}

// TransitionPayment moves the payment from one status to another
func (t *sqlTx) TransitionPayment(ctx context.Context, paymentID int64, from, to string) (bool, error) {
	return t.execAffected(ctx,
		"UPDATE payment_transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, paymentID, from)
}

// ExpirePendingPayments expires every pending payment of the booking
func (t *sqlTx) ExpirePendingPayments(ctx context.Context, bookingID int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE payment_transactions SET status = 'expired', updated_at = NOW() WHERE booking_id = $1 AND status = 'pending'",
		bookingID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire payments: %w", err)
	}
	return result.RowsAffected()
}

// InsertOutbox appends an event to the outbox in the current transaction
func (t *sqlTx) InsertOutbox(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (event_id, partition_key, topic, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := t.tx.QueryRowxContext(ctx, query,
		event.EventID, event.PartitionKey, event.Topic, string(event.Payload),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (t *sqlTx) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// int64Array adapts id slices for "= ANY($1)" parameters
func int64Array(ids []int64) interface{} {
	return pq.Array(ids)
}

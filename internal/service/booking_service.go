package service

import (
	"context"
	"errors"
	"fmt"

	"booking-service/internal/breaker"
	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// BookingDetails is a booking with its seats and latest payment attempt
type BookingDetails struct {
	Booking *models.Booking            `json:"booking"`
	Seats   []models.Seat              `json:"seats"`
	Payment *models.PaymentTransaction `json:"payment,omitempty"`
}

// BookingService drives the booking lifecycle:
// created -> pending_payment -> paid, with cancel from created or pending_payment
// and pending_payment -> created when a payment fails.
type BookingService struct {
	store        InventoryStore
	reservations *ReservationService
	payments     *PaymentService
	logger       *zap.Logger
}

// NewBookingService creates a new booking service
func NewBookingService(store InventoryStore, reservations *ReservationService, payments *PaymentService) *BookingService {
	return &BookingService{
		store:        store,
		reservations: reservations,
		payments:     payments,
		logger:       util.GetLogger(),
	}
}

// Create opens a booking for an event. A repeated idempotency key returns
// the booking created by the first call and created=false.
func (bs *BookingService) Create(ctx context.Context, eventID, userID int64, idempotencyKey string) (*models.Booking, bool, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Create",
		attribute.Int64("event_id", eventID), attribute.Int64("user_id", userID))
	defer span.End()

	if idempotencyKey != "" {
		existing, err := bs.existingBooking(ctx, idempotencyKey, userID)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if _, err := bs.store.GetEvent(ctx, eventID); err != nil {
		return nil, false, err
	}

	booking := &models.Booking{
		EventID: eventID,
		UserID:  userID,
		Status:  models.BookingStatusCreated,
	}
	if idempotencyKey != "" {
		booking.IdempotencyKey = &idempotencyKey
	}

	err := bs.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBooking(ctx, booking); err != nil {
			return err
		}

		evt, err := models.NewOutboxEvent(models.TopicBookingCreated, models.BookingPartitionKey(booking.ID),
			models.BookingCreatedEvent{BookingID: booking.ID, EventID: eventID, UserID: userID})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, evt)
	})
	if err != nil {
		// lost a race with the same idempotency key
		if idempotencyKey != "" && store.IsUniqueViolation(err) {
			existing, lookupErr := bs.existingBooking(ctx, idempotencyKey, userID)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, util.SpanError(span, fmt.Errorf("failed to create booking: %w", err))
	}

	util.BookingsCreatedTotal.Inc()
	bs.logger.Info("Booking created",
		zap.Int64("booking_id", booking.ID),
		zap.Int64("event_id", eventID),
		zap.Int64("user_id", userID))

	return booking, true, nil
}

func (bs *BookingService) existingBooking(ctx context.Context, key string, userID int64) (*models.Booking, error) {
	existing, err := bs.store.GetBookingByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.UserID != userID {
		return nil, fmt.Errorf("idempotency key used by another user: %w", models.ErrInvalidStateTransition)
	}

	bs.logger.Info("Booking already exists for idempotency key",
		zap.Int64("booking_id", existing.ID))
	return existing, nil
}

// Get returns the caller's booking with its seats and latest payment
func (bs *BookingService) Get(ctx context.Context, bookingID, userID int64) (*BookingDetails, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Get", attribute.Int64("booking_id", bookingID))
	defer span.End()

	booking, err := bs.ownedBooking(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}

	seats, err := bs.store.GetBookingSeats(ctx, bookingID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to load booking seats: %w", err))
	}

	payment, err := bs.store.GetLatestPayment(ctx, bookingID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to load payment: %w", err))
	}

	return &BookingDetails{Booking: booking, Seats: seats, Payment: payment}, nil
}

// List returns the caller's bookings, newest first
func (bs *BookingService) List(ctx context.Context, userID int64) ([]models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.List", attribute.Int64("user_id", userID))
	defer span.End()

	return bs.store.GetBookingsByUserID(ctx, userID)
}

// InitiatePayment opens a payment for every seat the booking has selected.
// The gateway is called while the booking row is locked so a concurrent
// select, cancel or second initiation waits for the outcome.
func (bs *BookingService) InitiatePayment(ctx context.Context, bookingID, userID int64) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.InitiatePayment", attribute.Int64("booking_id", bookingID))
	defer span.End()

	if _, err := bs.ownedBooking(ctx, bookingID, userID); err != nil {
		return nil, err
	}

	var (
		payment    *models.PaymentTransaction
		gatewayErr error
	)

	err := bs.store.RunInTx(ctx, func(tx store.Tx) error {
		booking, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if booking.Status != models.BookingStatusCreated {
			return fmt.Errorf("booking %d is %s: %w", bookingID, booking.Status, models.ErrInvalidStateTransition)
		}

		pending, err := tx.PendingPayment(ctx, bookingID)
		if err != nil {
			return err
		}
		if pending != nil {
			return fmt.Errorf("booking %d already has a pending payment: %w", bookingID, models.ErrInvalidStateTransition)
		}

		seats, err := tx.SelectedSeats(ctx, bookingID)
		if err != nil {
			return err
		}
		if len(seats) == 0 {
			return fmt.Errorf("booking %d has no selected seats: %w", bookingID, models.ErrInvalidStateTransition)
		}

		var amount int64
		for _, seat := range seats {
			amount += seat.Price
		}

		orderID := fmt.Sprintf("booking-%d-%s", bookingID, uuid.New().String()[:8])

		handle, err := bs.payments.Initiate(ctx, bookingID, amount, orderID)
		if err != nil {
			// short-circuited calls never reached the provider, record nothing
			if errors.Is(err, breaker.ErrOpen) {
				return err
			}
			gatewayErr = err
			payment = &models.PaymentTransaction{
				BookingID: bookingID,
				Amount:    amount,
				Status:    models.PaymentStatusFailed,
				Provider:  bs.payments.Provider(),
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
			return bs.appendPaymentFailed(ctx, tx, bookingID, "", models.PaymentStatusFailed)
		}

		txID := handle.TransactionID
		payment = &models.PaymentTransaction{
			BookingID:     bookingID,
			TransactionID: &txID,
			Amount:        amount,
			Status:        models.PaymentStatusPending,
			Provider:      bs.payments.Provider(),
			PaymentURL:    handle.PaymentURL,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}

		ok, err := tx.TransitionBooking(ctx, bookingID, models.BookingStatusCreated, models.BookingStatusPendingPayment)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("booking %d changed during payment: %w", bookingID, models.ErrInternalInconsistency)
		}

		evt, err := models.NewOutboxEvent(models.TopicPaymentInitiated, models.BookingPartitionKey(bookingID),
			models.PaymentInitiatedEvent{
				BookingID:     bookingID,
				TransactionID: txID,
				Amount:        amount,
				Provider:      payment.Provider,
			})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, evt)
	})
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	if gatewayErr != nil {
		util.PaymentFailedTotal.WithLabelValues("gateway_error").Inc()
		return payment, util.SpanError(span, gatewayErr)
	}

	bs.logger.Info("Booking awaiting payment",
		zap.Int64("booking_id", bookingID),
		zap.Int64("amount", payment.Amount))
	return payment, nil
}

// Cancel releases every seat of the booking and marks it cancelled
func (bs *BookingService) Cancel(ctx context.Context, bookingID, userID int64) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Cancel", attribute.Int64("booking_id", bookingID))
	defer span.End()

	var (
		booking  *models.Booking
		released []int64
	)

	err := bs.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		booking, err = tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if booking.UserID != userID {
			return fmt.Errorf("booking %d: %w", bookingID, models.ErrNotFound)
		}
		if !selectable(booking.Status) {
			return fmt.Errorf("booking %d is %s: %w", bookingID, booking.Status, models.ErrInvalidStateTransition)
		}

		released, err = bs.reservations.releaseBookingSeats(ctx, tx, booking, models.ReleaseReasonCancelled)
		if err != nil {
			return err
		}

		if _, err := tx.ExpirePendingPayments(ctx, bookingID); err != nil {
			return err
		}

		ok, err := tx.TransitionBooking(ctx, bookingID, booking.Status, models.BookingStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("booking %d changed during cancel: %w", bookingID, models.ErrInternalInconsistency)
		}

		evt, err := models.NewOutboxEvent(models.TopicBookingCancelled, models.BookingPartitionKey(bookingID),
			models.BookingCancelledEvent{
				BookingID: bookingID,
				EventID:   booking.EventID,
				UserID:    booking.UserID,
				SeatIDs:   nonNil(released),
			})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, evt)
	})
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	bs.reservations.dropLocks(ctx, bookingID, released...)

	util.BookingsCancelledTotal.Inc()
	if len(released) > 0 {
		util.SeatReleasesTotal.WithLabelValues(models.ReleaseReasonCancelled).Add(float64(len(released)))
	}
	bs.logger.Info("Booking cancelled",
		zap.Int64("booking_id", bookingID),
		zap.Int("seats_released", len(released)))

	booking.Status = models.BookingStatusCancelled
	return booking, nil
}

func (bs *BookingService) ownedBooking(ctx context.Context, bookingID, userID int64) (*models.Booking, error) {
	booking, err := bs.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, fmt.Errorf("booking %d: %w", bookingID, models.ErrNotFound)
	}
	return booking, nil
}

func (bs *BookingService) appendPaymentFailed(ctx context.Context, tx store.Tx, bookingID int64, transactionID, status string) error {
	evt, err := models.NewOutboxEvent(models.TopicPaymentFailed, models.BookingPartitionKey(bookingID),
		models.PaymentFailedEvent{BookingID: bookingID, TransactionID: transactionID, Status: status})
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, evt)
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentNotification is the provider's webhook body
type PaymentNotification struct {
	TransactionID string `json:"paymentId" binding:"required"`
	Status        string `json:"status" binding:"required"`
}

// Webhook results
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
)

// HandlePaymentWebhook applies a provider notification. Replays of a
// notification leave the same end state.
func (bs *BookingService) HandlePaymentWebhook(ctx context.Context, n PaymentNotification) (string, error) {
	status := strings.ToUpper(strings.TrimSpace(n.Status))

	ctx, span := util.StartSpan(ctx, "BookingService.HandlePaymentWebhook",
		attribute.String("transaction_id", n.TransactionID), attribute.String("status", status))
	defer span.End()

	bs.logger.Info("Webhook received",
		zap.String("transaction_id", n.TransactionID),
		zap.String("status", status))

	payment, err := bs.store.GetPaymentByTransactionID(ctx, n.TransactionID)
	if err != nil {
		util.WebhooksTotal.WithLabelValues(status, "error").Inc()
		return "", util.SpanError(span, err)
	}

	result := WebhookIgnored
	switch status {
	case gateway.StatusConfirmed:
		result, err = bs.settleSuccess(ctx, payment)
	case gateway.StatusAuthorized:
		result, err = bs.capturePayment(ctx, payment)
	case gateway.StatusFailed, gateway.StatusCancelled, gateway.StatusExpired, gateway.StatusRefunded:
		result, err = bs.settleFailure(ctx, payment, models.PaymentStatusFailed)
	case gateway.StatusNew:
	default:
		bs.logger.Warn("Unknown payment status",
			zap.String("transaction_id", n.TransactionID),
			zap.String("status", status))
	}
	if err != nil {
		util.WebhooksTotal.WithLabelValues(status, "error").Inc()
		return "", util.SpanError(span, err)
	}

	util.WebhooksTotal.WithLabelValues(status, result).Inc()
	return result, nil
}

// HandlePaymentCallback runs when the provider redirects the payer back.
// A pending payment is checked with the provider, captured when only
// authorized, and settled. Returns the payment as stored afterwards.
func (bs *BookingService) HandlePaymentCallback(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.HandlePaymentCallback",
		attribute.String("transaction_id", transactionID))
	defer span.End()

	payment, err := bs.store.GetPaymentByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	if err := bs.syncWithProvider(ctx, payment); err != nil {
		return nil, util.SpanError(span, err)
	}

	return bs.store.GetPaymentByTransactionID(ctx, transactionID)
}

// GetPaymentStatus returns the booking's latest payment. A pending payment
// is checked with the provider first and settled when the provider has a
// final answer.
func (bs *BookingService) GetPaymentStatus(ctx context.Context, bookingID, userID int64) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.GetPaymentStatus", attribute.Int64("booking_id", bookingID))
	defer span.End()

	if _, err := bs.ownedBooking(ctx, bookingID, userID); err != nil {
		return nil, err
	}

	payment, err := bs.store.GetLatestPayment(ctx, bookingID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to load payment: %w", err))
	}
	if payment == nil {
		return nil, fmt.Errorf("payment for booking %d: %w", bookingID, models.ErrNotFound)
	}
	if payment.Status != models.PaymentStatusPending || payment.TransactionID == nil {
		return payment, nil
	}

	if err := bs.syncWithProvider(ctx, payment); err != nil {
		return nil, util.SpanError(span, err)
	}

	return bs.store.GetLatestPayment(ctx, bookingID)
}

// syncWithProvider applies the provider's answer for a pending payment.
// A failed status check leaves the payment as it is.
func (bs *BookingService) syncWithProvider(ctx context.Context, payment *models.PaymentTransaction) error {
	if payment.TransactionID == nil {
		return nil
	}

	status, err := bs.payments.Status(ctx, *payment.TransactionID)
	if err != nil {
		bs.logger.Warn("Payment status check failed, keeping stored status",
			zap.Int64("booking_id", payment.BookingID),
			zap.Error(err))
		return nil
	}

	switch status {
	case gateway.StatusConfirmed:
		_, err = bs.settleSuccess(ctx, payment)
	case gateway.StatusAuthorized:
		_, err = bs.capturePayment(ctx, payment)
	case gateway.StatusFailed, gateway.StatusCancelled, gateway.StatusExpired, gateway.StatusRefunded:
		_, err = bs.settleFailure(ctx, payment, models.PaymentStatusFailed)
	}
	return err
}

// capturePayment confirms an authorized payment with the provider and
// settles it. When the capture fails the payment stays pending for the
// next callback, status poll or expiry sweep.
func (bs *BookingService) capturePayment(ctx context.Context, payment *models.PaymentTransaction) (string, error) {
	if payment.TransactionID == nil {
		return WebhookIgnored, nil
	}
	if payment.Status != models.PaymentStatusPending {
		return WebhookDuplicate, nil
	}

	if err := bs.payments.Confirm(ctx, *payment.TransactionID); err != nil {
		bs.logger.Warn("Could not capture authorized payment, leaving it pending",
			zap.Int64("booking_id", payment.BookingID),
			zap.String("transaction_id", *payment.TransactionID),
			zap.Error(err))
		return WebhookIgnored, nil
	}

	return bs.settleSuccess(ctx, payment)
}

// ExpireStalePayments expires pending payments older than timeout and
// returns their bookings to created. The provider is asked first so a
// payment that went through late is still honoured, and an authorized one
// is captured.
func (bs *BookingService) ExpireStalePayments(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.ExpireStalePayments")
	defer span.End()

	payments, err := bs.store.ListStalePendingPayments(ctx, time.Now().Add(-timeout), limit)
	if err != nil {
		return 0, util.SpanError(span, fmt.Errorf("failed to list stale payments: %w", err))
	}

	expired := 0
	for i := range payments {
		payment := &payments[i]

		if bs.paidAtProvider(ctx, payment) {
			if _, err := bs.settleSuccess(ctx, payment); err != nil {
				bs.logger.Error("Failed to settle stale payment",
					zap.Int64("payment_id", payment.ID),
					zap.Error(err))
			}
			continue
		}

		result, err := bs.settleFailure(ctx, payment, models.PaymentStatusExpired)
		if err != nil {
			bs.logger.Error("Failed to expire stale payment",
				zap.Int64("payment_id", payment.ID),
				zap.Error(err))
			continue
		}
		if result == WebhookApplied {
			expired++
		}
	}

	if expired > 0 {
		util.PaymentExpiredTotal.Add(float64(expired))
		bs.logger.Info("Stale payments expired", zap.Int("count", expired))
	}
	return expired, nil
}

// paidAtProvider reports whether the provider holds the money for a stale
// payment, capturing it first when it is only authorized
func (bs *BookingService) paidAtProvider(ctx context.Context, payment *models.PaymentTransaction) bool {
	if payment.TransactionID == nil {
		return false
	}
	txID := *payment.TransactionID

	status, err := bs.payments.Status(ctx, txID)
	if err != nil {
		bs.logger.Warn("Skipping provider check for stale payment",
			zap.Int64("booking_id", payment.BookingID),
			zap.Error(err))
		return false
	}

	switch status {
	case gateway.StatusConfirmed:
		bs.logger.Info("Stale payment confirmed during cleanup",
			zap.Int64("booking_id", payment.BookingID),
			zap.String("transaction_id", txID))
		return true
	case gateway.StatusAuthorized:
		if err := bs.payments.Confirm(ctx, txID); err != nil {
			bs.logger.Warn("Could not capture stale authorized payment",
				zap.Int64("booking_id", payment.BookingID),
				zap.String("transaction_id", txID),
				zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// settleSuccess completes a pending payment, marks its booking paid and
// sells the booking's seats. A confirmation for a payment that was already
// failed or expired here means the provider took money for a booking that
// is not paid; it is reported as an inconsistency.
func (bs *BookingService) settleSuccess(ctx context.Context, payment *models.PaymentTransaction) (string, error) {
	if payment.TransactionID == nil {
		return WebhookIgnored, nil
	}
	txID := *payment.TransactionID

	var seatIDs []int64
	booking, prior, err := bs.settle(ctx, payment, func(tx store.Tx, booking *models.Booking, locked *models.PaymentTransaction) error {
		var err error
		seatIDs, err = bs.applySuccess(ctx, tx, booking, locked)
		return err
	})
	if err != nil {
		return "", err
	}

	switch prior {
	case "":
	case models.PaymentStatusFailed, models.PaymentStatusExpired:
		util.InconsistenciesTotal.WithLabelValues("confirmed_after_expiry").Inc()
		bs.logger.Error("Provider confirmed a payment closed here, needs a manual refund",
			zap.Int64("booking_id", booking.ID),
			zap.String("booking_status", booking.Status),
			zap.String("transaction_id", txID),
			zap.String("payment_status", prior),
			zap.Error(models.ErrInternalInconsistency))
		return WebhookDuplicate, nil
	default:
		bs.logger.Info("Payment already settled",
			zap.String("transaction_id", txID))
		return WebhookDuplicate, nil
	}

	bs.reservations.dropLocks(ctx, booking.ID, seatIDs...)
	util.BookingsPaidTotal.Inc()
	util.SeatsConfirmedTotal.Add(float64(len(seatIDs)))
	bs.logger.Info("Booking paid",
		zap.Int64("booking_id", booking.ID),
		zap.Int64("amount", payment.Amount),
		zap.Int("seats", len(seatIDs)))
	return WebhookApplied, nil
}

// settleFailure moves a pending payment to status and its booking back to
// created. The seats stay selected so the booking can pay again.
func (bs *BookingService) settleFailure(ctx context.Context, payment *models.PaymentTransaction, status string) (string, error) {
	if payment.TransactionID == nil {
		return WebhookIgnored, nil
	}
	txID := *payment.TransactionID

	booking, prior, err := bs.settle(ctx, payment, func(tx store.Tx, booking *models.Booking, locked *models.PaymentTransaction) error {
		return bs.applyFailure(ctx, tx, booking, locked, status)
	})
	if err != nil {
		return "", err
	}
	if prior != "" {
		bs.logger.Info("Payment already settled",
			zap.String("transaction_id", txID),
			zap.String("payment_status", prior))
		return WebhookDuplicate, nil
	}

	util.PaymentFailedTotal.WithLabelValues(status).Inc()
	bs.logger.Warn("Payment did not complete",
		zap.Int64("booking_id", booking.ID),
		zap.String("transaction_id", txID),
		zap.String("status", status))
	return WebhookApplied, nil
}

// settle locks the booking, then the payment, the same order as
// InitiatePayment and Cancel, and runs apply while the payment is pending.
// prior is the payment's status when it had already been settled, empty
// when apply ran.
func (bs *BookingService) settle(ctx context.Context, payment *models.PaymentTransaction,
	apply func(tx store.Tx, booking *models.Booking, locked *models.PaymentTransaction) error) (booking *models.Booking, prior string, err error) {
	err = bs.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		booking, err = tx.GetBookingForUpdate(ctx, payment.BookingID)
		if err != nil {
			return err
		}

		locked, err := tx.GetPaymentForUpdate(ctx, *payment.TransactionID)
		if err != nil {
			return err
		}
		if models.IsTerminalPaymentStatus(locked.Status) {
			prior = locked.Status
			return nil
		}

		return apply(tx, booking, locked)
	})
	if err != nil {
		return nil, "", err
	}
	return booking, prior, nil
}

func (bs *BookingService) applySuccess(ctx context.Context, tx store.Tx, booking *models.Booking, payment *models.PaymentTransaction) ([]int64, error) {
	if _, err := tx.TransitionPayment(ctx, payment.ID, models.PaymentStatusPending, models.PaymentStatusCompleted); err != nil {
		return nil, err
	}

	seatIDs, err := bs.reservations.confirmBookingSeats(ctx, tx, booking.ID)
	if err != nil {
		return nil, err
	}

	ok, err := tx.TransitionBooking(ctx, booking.ID, models.BookingStatusPendingPayment, models.BookingStatusPaid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("booking %d is %s with a pending payment: %w",
			booking.ID, booking.Status, models.ErrInternalInconsistency)
	}

	// the money moved but the seats were reclaimed, needs a manual refund
	if len(seatIDs) == 0 {
		util.InconsistenciesTotal.WithLabelValues("paid_without_seats").Inc()
		bs.logger.Error("Booking paid with no selected seats left",
			zap.Int64("booking_id", booking.ID),
			zap.Int64("payment_id", payment.ID),
			zap.Error(models.ErrInternalInconsistency))
	}

	evt, err := models.NewOutboxEvent(models.TopicBookingPaid, models.BookingPartitionKey(booking.ID),
		models.BookingPaidEvent{
			BookingID:     booking.ID,
			EventID:       booking.EventID,
			UserID:        booking.UserID,
			TransactionID: *payment.TransactionID,
			Amount:        payment.Amount,
			SeatIDs:       nonNil(seatIDs),
		})
	if err != nil {
		return nil, err
	}
	if err := tx.InsertOutbox(ctx, evt); err != nil {
		return nil, err
	}

	booking.Status = models.BookingStatusPaid
	return seatIDs, nil
}

func (bs *BookingService) applyFailure(ctx context.Context, tx store.Tx, booking *models.Booking, payment *models.PaymentTransaction, status string) error {
	if _, err := tx.TransitionPayment(ctx, payment.ID, models.PaymentStatusPending, status); err != nil {
		return err
	}

	ok, err := tx.TransitionBooking(ctx, booking.ID, models.BookingStatusPendingPayment, models.BookingStatusCreated)
	if err != nil {
		return err
	}
	if ok {
		booking.Status = models.BookingStatusCreated
	}

	return bs.appendPaymentFailed(ctx, tx, booking.ID, *payment.TransactionID, status)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

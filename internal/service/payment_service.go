package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/breaker"
	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// PaymentService calls the payment gateway through the circuit breaker
type PaymentService struct {
	gateway  gateway.Gateway
	breaker  *breaker.CircuitBreaker
	timeout  time.Duration
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(gw gateway.Gateway, cb *breaker.CircuitBreaker, timeout time.Duration, currency string) *PaymentService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PaymentService{
		gateway:  gw,
		breaker:  cb,
		timeout:  timeout,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// Provider returns the name recorded on payment rows
func (ps *PaymentService) Provider() string {
	return ps.gateway.Name()
}

// Initiate opens a payment at the provider. Any failure, including a
// short-circuited call, wraps models.ErrGatewayUnavailable.
func (ps *PaymentService) Initiate(ctx context.Context, bookingID, amount int64, orderID string) (*gateway.Handle, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()

	req := gateway.InitiateRequest{
		BookingID:   bookingID,
		OrderID:     orderID,
		Amount:      amount,
		Currency:    ps.currency,
		Description: fmt.Sprintf("Booking %d", bookingID),
	}

	var handle *gateway.Handle
	err := ps.call(ctx, func(ctx context.Context) error {
		var err error
		handle, err = ps.gateway.Initiate(ctx, req)
		return err
	})
	if err != nil {
		ps.logger.Warn("Payment initiation failed",
			zap.Int64("booking_id", bookingID),
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, util.SpanError(span, err)
	}

	ps.logger.Info("Payment initiated",
		zap.Int64("booking_id", bookingID),
		zap.String("transaction_id", handle.TransactionID))
	return handle, nil
}

// Status asks the provider for the current status of a payment
func (ps *PaymentService) Status(ctx context.Context, transactionID string) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Status")
	defer span.End()

	var status string
	err := ps.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = ps.gateway.Status(ctx, transactionID)
		return err
	})
	if err != nil {
		return "", util.SpanError(span, err)
	}
	return status, nil
}

// Confirm captures an authorized payment
func (ps *PaymentService) Confirm(ctx context.Context, transactionID string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.Confirm")
	defer span.End()

	err := ps.call(ctx, func(ctx context.Context) error {
		return ps.gateway.Confirm(ctx, transactionID)
	})
	if err != nil {
		return util.SpanError(span, err)
	}

	ps.logger.Info("Payment captured", zap.String("transaction_id", transactionID))
	return nil
}

// BreakerSnapshot reports the breaker state without counting as a call
func (ps *PaymentService) BreakerSnapshot() breaker.Snapshot {
	return ps.breaker.Snapshot()
}

func (ps *PaymentService) call(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()

	err := ps.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, ps.timeout)
		defer cancel()
		return fn(callCtx)
	})

	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, breaker.ErrOpen)
	}

	util.PaymentGatewayLatency.WithLabelValues(ps.gateway.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	return nil
}

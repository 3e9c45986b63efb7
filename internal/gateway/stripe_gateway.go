package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway opens payments as Stripe PaymentIntents
type StripeGateway struct{}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(secretKey string) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	stripe.Key = secretKey
	return &StripeGateway{}, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

// Initiate creates a PaymentIntent. The client secret stands in for the payment URL.
func (g *StripeGateway) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("booking_id", strconv.FormatInt(req.BookingID, 10))
	params.AddMetadata("order_id", req.OrderID)
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return &Handle{
		TransactionID: pi.ID,
		PaymentURL:    pi.ClientSecret,
	}, nil
}

// Status maps the PaymentIntent status onto provider statuses
func (g *StripeGateway) Status(ctx context.Context, transactionID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(transactionID, params)
	if err != nil {
		return "", fmt.Errorf("failed to get payment intent: %w", err)
	}

	return stripeStatus(pi.Status), nil
}

// Confirm captures a PaymentIntent that requires capture
func (g *StripeGateway) Confirm(ctx context.Context, transactionID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	if _, err := paymentintent.Capture(transactionID, params); err != nil {
		return fmt.Errorf("failed to capture payment intent: %w", err)
	}
	return nil
}

func stripeStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusConfirmed
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return StatusAuthorized
	default:
		return StatusNew
	}
}

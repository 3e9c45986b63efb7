package gateway

import (
	"context"
	"fmt"
)

// Provider-side payment statuses, as delivered by webhooks and status checks
const (
	StatusNew        = "NEW"
	StatusAuthorized = "AUTHORIZED"
	StatusConfirmed  = "CONFIRMED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
	StatusRefunded   = "REFUNDED"
)

// InitiateRequest asks the provider to open a payment for a booking
type InitiateRequest struct {
	BookingID   int64
	OrderID     string
	Amount      int64
	Currency    string
	Description string
}

// Handle identifies a payment opened at the provider
type Handle struct {
	TransactionID string
	PaymentURL    string
}

// Gateway is an external payment provider
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*Handle, error)
	Status(ctx context.Context, transactionID string) (string, error)
	// Confirm captures an AUTHORIZED payment
	Confirm(ctx context.Context, transactionID string) error
}

// Config selects and configures a provider
type Config struct {
	Provider         string
	BaseURL          string
	MerchantID       string
	MerchantPassword string
	SuccessURL       string
	FailURL          string
	NotificationURL  string
	StripeSecretKey  string
	MockSuccessRate  float64
}

// New builds the gateway named by cfg.Provider
func New(cfg Config) (Gateway, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPGateway(cfg), nil
	case "stripe":
		g, err := NewStripeGateway(cfg.StripeSecretKey)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "mock", "":
		return NewMockGateway(cfg.MockSuccessRate), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
}

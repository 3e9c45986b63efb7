package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway simulates a provider for local runs: random latency and a
// configurable share of failed initiations. Payments it opens report NEW
// until a webhook settles them.
type MockGateway struct {
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration

	mu       sync.Mutex
	statuses map[string]string
}

// NewMockGateway creates a mock provider
func NewMockGateway(successRate float64) *MockGateway {
	return &MockGateway{
		successRate: successRate,
		minLatency:  100 * time.Millisecond,
		maxLatency:  500 * time.Millisecond,
		statuses:    make(map[string]string),
	}
}

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	if rand.Float64() >= g.successRate {
		return nil, fmt.Errorf("mock gateway declined order %s", req.OrderID)
	}

	txID := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])

	g.mu.Lock()
	g.statuses[txID] = StatusNew
	g.mu.Unlock()

	return &Handle{
		TransactionID: txID,
		PaymentURL:    fmt.Sprintf("https://pay.example.test/%s", txID),
	}, nil
}

func (g *MockGateway) Status(ctx context.Context, transactionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status, ok := g.statuses[transactionID]
	if !ok {
		return "", fmt.Errorf("unknown transaction %s", transactionID)
	}
	return status, nil
}

// Confirm captures a NEW or AUTHORIZED mock payment
func (g *MockGateway) Confirm(ctx context.Context, transactionID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.statuses[transactionID] {
	case StatusNew, StatusAuthorized, StatusConfirmed:
		g.statuses[transactionID] = StatusConfirmed
		return nil
	case "":
		return fmt.Errorf("unknown transaction %s", transactionID)
	default:
		return fmt.Errorf("transaction %s is %s", transactionID, g.statuses[transactionID])
	}
}

// Settle sets the status later reported for a transaction
func (g *MockGateway) Settle(transactionID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[transactionID] = status
}

func (g *MockGateway) wait(ctx context.Context) error {
	latency := g.minLatency
	if spread := g.maxLatency - g.minLatency; spread > 0 {
		latency += time.Duration(rand.Int63n(int64(spread)))
	}
	if latency <= 0 {
		return nil
	}

	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

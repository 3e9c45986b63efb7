package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// RelayStore is the durable side of the outbox
type RelayStore interface {
	RelayBatch(ctx context.Context, limit int, publish store.PublishFunc) (int, error)
	CountPendingOutbox(ctx context.Context) (int64, error)
	DeleteRelayedBefore(ctx context.Context, before time.Time) (int64, error)
}

// OutboxRelayConfig contains configuration for the outbox relay
type OutboxRelayConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	CleanupInterval time.Duration
	Retention       time.Duration
}

// DefaultOutboxRelayConfig returns default configuration
func DefaultOutboxRelayConfig() *OutboxRelayConfig {
	return &OutboxRelayConfig{
		PollInterval:    100 * time.Millisecond,
		BatchSize:       100,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// OutboxRelay polls the outbox table and publishes new rows in id order
type OutboxRelay struct {
	store   RelayStore
	publish store.PublishFunc
	config  *OutboxRelayConfig
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(s RelayStore, publish store.PublishFunc, config *OutboxRelayConfig) *OutboxRelay {
	if config == nil {
		config = DefaultOutboxRelayConfig()
	}

	return &OutboxRelay{
		store:   s,
		publish: publish,
		config:  config,
		logger:  util.ComponentLogger("outbox-relay"),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the relay loops
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("Starting outbox relay",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("batch_size", r.config.BatchSize))

	r.wg.Add(2)
	go r.poll(ctx)
	go r.cleanup(ctx)

	return nil
}

// Stop stops the relay and waits for the loops to exit
func (r *OutboxRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info("Stopping outbox relay")
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Outbox relay stopped")
}

func (r *OutboxRelay) poll(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain relays full batches until the outbox is empty or a batch fails.
// Returns the number of events relayed.
func (r *OutboxRelay) Drain(ctx context.Context) int {
	total := 0
	for {
		n, err := r.store.RelayBatch(ctx, r.config.BatchSize, r.publishWithMetrics)
		total += n
		if err != nil {
			util.OutboxRelayFailuresTotal.Inc()
			r.logger.Error("Outbox relay batch failed",
				zap.Int("relayed", n),
				zap.Error(err))
			return total
		}
		if n < r.config.BatchSize || ctx.Err() != nil {
			return total
		}
	}
}

func (r *OutboxRelay) publishWithMetrics(ctx context.Context, events []models.OutboxEvent) ([]int64, error) {
	acked, err := r.publish(ctx, events)

	topics := make(map[int64]string, len(events))
	for _, e := range events {
		topics[e.ID] = e.Topic
	}
	for _, id := range acked {
		util.OutboxRelayedTotal.WithLabelValues(topics[id]).Inc()
	}

	return acked, err
}

func (r *OutboxRelay) cleanup(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	stats := time.NewTicker(15 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-stats.C:
			r.reportPending(ctx)
		case <-ticker.C:
			r.Cleanup(ctx)
		}
	}
}

// Cleanup deletes relayed rows older than the retention period
func (r *OutboxRelay) Cleanup(ctx context.Context) {
	deleted, err := r.store.DeleteRelayedBefore(ctx, time.Now().Add(-r.config.Retention))
	if err != nil {
		r.logger.Error("Failed to clean up relayed events", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.logger.Info("Cleaned up relayed events", zap.Int64("count", deleted))
	}
}

func (r *OutboxRelay) reportPending(ctx context.Context) {
	pending, err := r.store.CountPendingOutbox(ctx)
	if err != nil {
		r.logger.Warn("Failed to count pending outbox events", zap.Error(err))
		return
	}
	util.OutboxPending.Set(float64(pending))
}

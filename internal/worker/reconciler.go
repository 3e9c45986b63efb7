package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-service/internal/util"

	"go.uber.org/zap"
)

// SeatReconciler frees seats whose lock expired
type SeatReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// PaymentExpirer expires payments the provider never settled
type PaymentExpirer interface {
	ExpireStalePayments(ctx context.Context, timeout time.Duration, limit int) (int, error)
}

// ReconcilerConfig contains configuration for the reconciler
type ReconcilerConfig struct {
	Interval       time.Duration
	PaymentTimeout time.Duration
	BatchSize      int
}

// Reconciler periodically brings the durable store back in line with the
// lock store and with the payment provider
type Reconciler struct {
	seats    SeatReconciler
	payments PaymentExpirer
	config   ReconcilerConfig
	logger   *zap.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewReconciler creates a new reconciler
func NewReconciler(seats SeatReconciler, payments PaymentExpirer, config ReconcilerConfig) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.PaymentTimeout <= 0 {
		config.PaymentTimeout = 15 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}

	return &Reconciler{
		seats:    seats,
		payments: payments,
		config:   config,
		logger:   util.ComponentLogger("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the reconciler loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("Starting reconciler", zap.Duration("interval", r.config.Interval))

	r.wg.Add(1)
	go r.run(ctx)

	return nil
}

// Stop stops the reconciler and waits for the running sweep to finish
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep of seats and payments. Failures are logged
// and retried on the next sweep.
func (r *Reconciler) RunOnce(ctx context.Context) {
	result := "ok"

	freed, err := r.seats.Reconcile(ctx)
	if err != nil {
		result = "error"
		r.logger.Error("Seat reconciliation failed", zap.Error(err))
	}

	expired, err := r.payments.ExpireStalePayments(ctx, r.config.PaymentTimeout, r.config.BatchSize)
	if err != nil {
		result = "error"
		r.logger.Error("Payment expiry failed", zap.Error(err))
	}

	util.ReconcileRunsTotal.WithLabelValues(result).Inc()

	if freed > 0 || expired > 0 {
		r.logger.Info("Reconciliation sweep",
			zap.Int("seats_freed", freed),
			zap.Int("payments_expired", expired))
	}
}

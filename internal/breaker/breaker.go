package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"booking-service/internal/util"

	"go.uber.org/zap"
)

// ErrOpen is returned when a call is rejected without reaching the protected dependency
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case HalfOpen:
		return "HalfOpen"
	case Open:
		return "Open"
	}
	return "Unknown"
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	State          string `json:"state"`
	FailureCount   int    `json:"failure_count"`
	Threshold      int    `json:"failure_threshold"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// CircuitBreaker guards calls to one external dependency. Closed passes
// calls and counts consecutive failures; Open rejects until the timeout has
// elapsed; HalfOpen admits a single trial whose outcome closes or reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	state        State
	failures     int
	openSince    time.Time
	trialRunning bool

	threshold int
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// New creates a closed breaker
func New(threshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}

	cb := &CircuitBreaker{
		state:     Closed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}

	util.CircuitBreakerState.Set(float64(Closed))
	return cb
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Rejected calls return ErrOpen and fn is not invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		util.CircuitBreakerRejectionsTotal.Inc()
		return err
	}

	err = fn(ctx)

	// a trial abandoned by its caller says nothing about the dependency
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		cb.abandon(trial)
		return err
	}

	cb.record(trial, err == nil)
	return err
}

// Snapshot reports the current state without counting as a call
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:          cb.state.String(),
		FailureCount:   cb.failures,
		Threshold:      cb.threshold,
		TimeoutSeconds: int64(cb.timeout / time.Second),
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return false, nil
	case Open:
		if cb.now().Sub(cb.openSince) < cb.timeout {
			return false, ErrOpen
		}
		cb.setState(HalfOpen)
		cb.trialRunning = true
		return true, nil
	default:
		if cb.trialRunning {
			return false, ErrOpen
		}
		cb.trialRunning = true
		return true, nil
	}
}

func (cb *CircuitBreaker) record(trial, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialRunning = false
		if success {
			cb.failures = 0
			cb.setState(Closed)
			return
		}
		cb.failures++
		cb.trip()
		return
	}

	// outcome of a call admitted while Closed that finished after a state change
	if cb.state != Closed {
		return
	}

	if success {
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

// abandon hands the trial slot back without restarting the open timer
func (cb *CircuitBreaker) abandon(trial bool) {
	if !trial {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialRunning = false
	if cb.state == HalfOpen {
		cb.setState(Open)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openSince = cb.now()
	cb.setState(Open)
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}

	cb.logger.Info("Circuit breaker state change",
		zap.String("from", cb.state.String()),
		zap.String("to", s.String()),
		zap.Int("failure_count", cb.failures))

	cb.state = s
	util.CircuitBreakerState.Set(float64(s))
}

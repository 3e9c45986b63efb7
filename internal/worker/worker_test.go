package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessed struct {
	mu   sync.Mutex
	seen map[string]string
	err  error
}

func newFakeProcessed() *fakeProcessed {
	return &fakeProcessed{seen: map[string]string{}}
}

func (p *fakeProcessed) IsEventProcessed(ctx context.Context, group, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	_, ok := p.seen[group+"/"+eventID]
	return ok, nil
}

func (p *fakeProcessed) MarkEventProcessed(ctx context.Context, group, eventID, eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[group+"/"+eventID] = eventType
	return nil
}

type nopReader struct{}

func (nopReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}
func (nopReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error { return nil }
func (nopReader) Close() error                                                    { return nil }

func relayedMessage(t *testing.T, id int64, topic, eventID string) kafka.Message {
	t.Helper()
	msg, err := broker.EncodeMessage(models.OutboxEvent{
		ID:           id,
		EventID:      eventID,
		PartitionKey: "booking-1",
		Topic:        topic,
		Payload:      []byte(`{"booking_id":1}`),
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
	return msg
}

func TestEventConsumer_Dedup(t *testing.T) {
	processed := newFakeProcessed()
	ec := NewEventConsumer(broker.NewConsumerWithReader(nopReader{}, GroupAudit), processed)
	ctx := context.Background()

	msg := relayedMessage(t, 1, models.TopicSeatSelected, "evt-1")
	require.NoError(t, ec.eventHandler.HandleMessage(ctx, msg))
	require.NoError(t, ec.eventHandler.HandleMessage(ctx, msg))

	assert.Len(t, processed.seen, 1)
	assert.Equal(t, models.TopicSeatSelected, processed.seen["audit/evt-1"])
}

func TestEventConsumer_GroupsAreIndependent(t *testing.T) {
	processed := newFakeProcessed()
	ctx := context.Background()

	notifications := NewEventConsumer(broker.NewConsumerWithReader(nopReader{}, GroupNotifications), processed)
	analytics := NewEventConsumer(broker.NewConsumerWithReader(nopReader{}, GroupAnalytics), processed)

	paid := relayedMessage(t, 1, models.TopicBookingPaid, "evt-paid")
	selected := relayedMessage(t, 2, models.TopicSeatSelected, "evt-sel")

	for _, ec := range []*EventConsumer{notifications, analytics} {
		require.NoError(t, ec.eventHandler.HandleMessage(ctx, paid))
		require.NoError(t, ec.eventHandler.HandleMessage(ctx, selected))
	}

	assert.Contains(t, processed.seen, "notifications/evt-paid")
	assert.NotContains(t, processed.seen, "notifications/evt-sel")
	assert.Contains(t, processed.seen, "analytics/evt-paid")
	assert.Contains(t, processed.seen, "analytics/evt-sel")
}

func TestEventConsumer_StoreErrorIsReturned(t *testing.T) {
	processed := newFakeProcessed()
	processed.err = errors.New("db down")
	ec := NewEventConsumer(broker.NewConsumerWithReader(nopReader{}, GroupAudit), processed)

	err := ec.eventHandler.HandleMessage(context.Background(), relayedMessage(t, 1, models.TopicBookingPaid, "evt-1"))
	assert.Error(t, err)
}

func TestEventConsumer_StartStop(t *testing.T) {
	ec := NewEventConsumer(broker.NewConsumerWithReader(nopReader{}, GroupAudit), newFakeProcessed())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ec.Start(ctx) }()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.NoError(t, ec.Stop())
}

type fakeRelayStore struct {
	mu      sync.Mutex
	rows    []models.OutboxEvent
	deleted int
	batches int
}

func (s *fakeRelayStore) RelayBatch(ctx context.Context, limit int, publish store.PublishFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++

	var batch []models.OutboxEvent
	for _, r := range s.rows {
		if !r.Relayed {
			batch = append(batch, r)
		}
		if len(batch) == limit {
			break
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	acked, err := publish(ctx, batch)
	for _, id := range acked {
		for i := range s.rows {
			if s.rows[i].ID == id {
				s.rows[i].Relayed = true
			}
		}
	}
	return len(acked), err
}

func (s *fakeRelayStore) CountPendingOutbox(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if !r.Relayed {
			n++
		}
	}
	return n, nil
}

func (s *fakeRelayStore) DeleteRelayedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	var n int64
	for _, r := range s.rows {
		if r.Relayed {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	s.deleted += int(n)
	return n, nil
}

func newRelayStore(n int) *fakeRelayStore {
	s := &fakeRelayStore{}
	for i := 1; i <= n; i++ {
		s.rows = append(s.rows, models.OutboxEvent{ID: int64(i), Topic: models.TopicSeatSelected, PartitionKey: "event-1"})
	}
	return s
}

func testRelayConfig() *OutboxRelayConfig {
	return &OutboxRelayConfig{
		PollInterval:    5 * time.Millisecond,
		BatchSize:       2,
		CleanupInterval: time.Hour,
		Retention:       time.Hour,
	}
}

func TestOutboxRelay_DrainPublishesInOrder(t *testing.T) {
	s := newRelayStore(5)

	var published []int64
	publish := func(ctx context.Context, events []models.OutboxEvent) ([]int64, error) {
		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		published = append(published, ids...)
		return ids, nil
	}

	relay := NewOutboxRelay(s, publish, testRelayConfig())
	assert.Equal(t, 5, relay.Drain(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, published)

	pending, err := s.CountPendingOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOutboxRelay_DrainStopsOnFailure(t *testing.T) {
	s := newRelayStore(5)

	publish := func(ctx context.Context, events []models.OutboxEvent) ([]int64, error) {
		return []int64{events[0].ID}, errors.New("broker unavailable")
	}

	relay := NewOutboxRelay(s, publish, testRelayConfig())
	assert.Equal(t, 1, relay.Drain(context.Background()))
	assert.Equal(t, 1, s.batches)

	// the rest is picked up by the next cycle
	assert.Equal(t, 1, relay.Drain(context.Background()))
	pending, _ := s.CountPendingOutbox(context.Background())
	assert.Equal(t, int64(3), pending)
}

func TestOutboxRelay_StartStop(t *testing.T) {
	s := newRelayStore(7)

	var calls atomic.Int32
	publish := func(ctx context.Context, events []models.OutboxEvent) ([]int64, error) {
		calls.Add(1)
		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		return ids, nil
	}

	relay := NewOutboxRelay(s, publish, testRelayConfig())
	require.NoError(t, relay.Start(context.Background()))
	assert.Error(t, relay.Start(context.Background()))

	require.Eventually(t, func() bool {
		n, _ := s.CountPendingOutbox(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	relay.Stop()
	relay.Stop()
	assert.GreaterOrEqual(t, calls.Load(), int32(4))
}

func TestOutboxRelay_Cleanup(t *testing.T) {
	s := newRelayStore(3)
	s.rows[0].Relayed = true

	relay := NewOutboxRelay(s, nil, testRelayConfig())
	relay.Cleanup(context.Background())

	assert.Equal(t, 1, s.deleted)
	assert.Len(t, s.rows, 2)
}

type fakeSweeper struct {
	seatRuns    atomic.Int32
	paymentRuns atomic.Int32
	seatErr     error
	timeout     time.Duration
}

func (f *fakeSweeper) Reconcile(ctx context.Context) (int, error) {
	f.seatRuns.Add(1)
	return 2, f.seatErr
}

func (f *fakeSweeper) ExpireStalePayments(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	f.paymentRuns.Add(1)
	f.timeout = timeout
	return 1, nil
}

func TestReconciler_RunOnce(t *testing.T) {
	sweeper := &fakeSweeper{seatErr: errors.New("redis down")}
	r := NewReconciler(sweeper, sweeper, ReconcilerConfig{PaymentTimeout: 15 * time.Minute})

	r.RunOnce(context.Background())

	assert.Equal(t, int32(1), sweeper.seatRuns.Load())
	assert.Equal(t, int32(1), sweeper.paymentRuns.Load(), "payment expiry runs even when seats fail")
	assert.Equal(t, 15*time.Minute, sweeper.timeout)
}

func TestReconciler_StartStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	r := NewReconciler(sweeper, sweeper, ReconcilerConfig{Interval: 5 * time.Millisecond})

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool {
		return sweeper.seatRuns.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	runs := sweeper.seatRuns.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, sweeper.seatRuns.Load())
}

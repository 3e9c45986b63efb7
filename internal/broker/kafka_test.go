package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"booking-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	written []kafka.Message
	fail    func(i int, msg kafka.Message) error
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	var errs kafka.WriteErrors
	failed := false
	for i, m := range msgs {
		var err error
		if w.fail != nil {
			err = w.fail(i, m)
		}
		errs = append(errs, err)
		if err != nil {
			failed = true
			continue
		}
		w.written = append(w.written, m)
	}
	if failed {
		return errs
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func outboxRow(id int64, topic, key string) models.OutboxEvent {
	return models.OutboxEvent{
		ID:           id,
		EventID:      "evt-" + key,
		PartitionKey: key,
		Topic:        topic,
		Payload:      []byte(`{"seat_id":1}`),
		CreatedAt:    time.Now(),
	}
}

func TestEncodeMessage(t *testing.T) {
	msg, err := EncodeMessage(outboxRow(42, models.TopicSeatSelected, "event-1"))
	require.NoError(t, err)

	assert.Equal(t, models.TopicSeatSelected, msg.Topic)
	assert.Equal(t, "event-1", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, models.TopicSeatSelected, headers[HeaderEventType])
	assert.Equal(t, "42", headers[HeaderSequence])

	var env models.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, int64(42), env.Sequence)
	assert.JSONEq(t, `{"seat_id":1}`, string(env.Payload))
}

func TestPublishOutbox_AllAcked(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w)

	acked, err := p.PublishOutbox(context.Background(), []models.OutboxEvent{
		outboxRow(1, models.TopicSeatSelected, "event-1"),
		outboxRow(2, models.TopicBookingCreated, "booking-7"),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, acked)
	assert.Len(t, w.written, 2)
}

func TestPublishOutbox_FailedKeyHoldsBackLaterRows(t *testing.T) {
	w := &fakeWriter{fail: func(i int, msg kafka.Message) error {
		if i == 1 {
			return errors.New("leader not available")
		}
		return nil
	}}
	p := NewProducerWithWriter(w)

	acked, err := p.PublishOutbox(context.Background(), []models.OutboxEvent{
		outboxRow(1, models.TopicSeatSelected, "event-1"),
		outboxRow(2, models.TopicSeatSelected, "event-2"),
		outboxRow(3, models.TopicSeatReleased, "event-1"),
		outboxRow(4, models.TopicSeatReleased, "event-2"),
	})
	require.Error(t, err)
	assert.Equal(t, []int64{1, 3}, acked)
}

func TestPublishOutbox_WriterDown(t *testing.T) {
	p := NewProducerWithWriter(&fakeWriter{err: errors.New("no brokers")})

	acked, err := p.PublishOutbox(context.Background(), []models.OutboxEvent{
		outboxRow(1, models.TopicSeatSelected, "event-1"),
	})
	require.Error(t, err)
	assert.Empty(t, acked)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	select {
	case r.done <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_CommitsAfterHandlingAndRetries(t *testing.T) {
	r := &fakeReader{
		msgs: []kafka.Message{
			{Topic: "a", Offset: 1, Value: []byte(`{}`)},
			{Topic: "a", Offset: 2, Value: []byte(`{}`)},
		},
		done: make(chan struct{}, 1),
	}
	c := NewConsumerWithReader(r, "audit")
	c.backoff = 0

	var calls []int64
	handler := func(ctx context.Context, msg kafka.Message) error {
		calls = append(calls, msg.Offset)
		if msg.Offset == 2 {
			return errors.New("boom")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.StartConsuming(ctx, handler) }()

	<-r.done
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	assert.Equal(t, []int64{1, 2, 2, 2}, calls)
	assert.Equal(t, []int64{1, 2}, r.committed)
	assert.Equal(t, "audit", c.Group())
}

func TestEventHandler_Routes(t *testing.T) {
	eh := NewEventHandler()

	var got []string
	eh.On(models.TopicBookingPaid, func(ctx context.Context, env models.Envelope) error {
		got = append(got, "paid:"+env.EventID)
		return nil
	})
	eh.OnAny(func(ctx context.Context, env models.Envelope) error {
		got = append(got, "any:"+env.EventType)
		return nil
	})

	paid, err := EncodeMessage(outboxRow(1, models.TopicBookingPaid, "booking-1"))
	require.NoError(t, err)
	released, err := EncodeMessage(outboxRow(2, models.TopicSeatReleased, "event-1"))
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), paid))
	require.NoError(t, eh.HandleMessage(context.Background(), released))
	assert.Equal(t, []string{"paid:evt-booking-1", "any:seat.released"}, got)

	assert.Error(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// fakeStore is an in-memory InventoryStore. Transactions run one at a time
// under mu and roll back by restoring a copy of the tables.
type fakeStore struct {
	mu sync.Mutex

	events   map[int64]models.Event
	seats    map[int64]models.Seat
	bookings map[int64]models.Booking
	payments map[int64]models.PaymentTransaction
	outbox   []models.OutboxEvent
	nextID   int64

	failOutbox error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:   map[int64]models.Event{},
		seats:    map[int64]models.Seat{},
		bookings: map[int64]models.Booking{},
		payments: map[int64]models.PaymentTransaction{},
		nextID:   1000,
	}
}

type fakeSnapshot struct {
	seats    map[int64]models.Seat
	bookings map[int64]models.Booking
	payments map[int64]models.PaymentTransaction
	outbox   []models.OutboxEvent
	nextID   int64
}

func (f *fakeStore) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		seats:    make(map[int64]models.Seat, len(f.seats)),
		bookings: make(map[int64]models.Booking, len(f.bookings)),
		payments: make(map[int64]models.PaymentTransaction, len(f.payments)),
		outbox:   append([]models.OutboxEvent(nil), f.outbox...),
		nextID:   f.nextID,
	}
	for k, v := range f.seats {
		s.seats[k] = v
	}
	for k, v := range f.bookings {
		s.bookings[k] = v
	}
	for k, v := range f.payments {
		s.payments[k] = v
	}
	return s
}

func (f *fakeStore) restore(s fakeSnapshot) {
	f.seats = s.seats
	f.bookings = s.bookings
	f.payments = s.payments
	f.outbox = s.outbox
	f.nextID = s.nextID
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

// seeding helpers

func (f *fakeStore) addEvent(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = models.Event{ID: id, Title: fmt.Sprintf("Event %d", id)}
}

func (f *fakeStore) addSeat(id, eventID, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seats[id] = models.Seat{ID: id, EventID: eventID, Row: 1, Number: int(id), Status: models.SeatStatusFree, Price: price}
}

func (f *fakeStore) addBooking(id, eventID, userID int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings[id] = models.Booking{ID: id, EventID: eventID, UserID: userID, Status: status, CreatedAt: time.Now()}
}

func (f *fakeStore) seat(id int64) models.Seat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seats[id]
}

func (f *fakeStore) booking(id int64) models.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookings[id]
}

func (f *fakeStore) paymentsFor(bookingID int64) []models.PaymentTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentTransaction
	for _, p := range f.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) agePayments(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.payments {
		p.CreatedAt = p.CreatedAt.Add(-d)
		f.payments[id] = p
	}
}

func (f *fakeStore) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.outbox))
	for i, e := range f.outbox {
		out[i] = e.Topic
	}
	return out
}

func (f *fakeStore) outboxEvents(topic string) []models.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range f.outbox {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// InventoryStore

func (f *fakeStore) RunInTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := f.snapshot()
	if err := fn(&fakeTx{f: f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeStore) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, models.ErrNotFound)
	}
	return &e, nil
}

func (f *fakeStore) GetSeat(ctx context.Context, id int64) (*models.Seat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.seats[id]
	if !ok {
		return nil, fmt.Errorf("seat %d: %w", id, models.ErrNotFound)
	}
	return &s, nil
}

func (f *fakeStore) ListSeats(ctx context.Context, eventID int64, status string, limit, offset int) ([]models.Seat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seats := []models.Seat{}
	for _, s := range f.seats {
		if s.EventID == eventID && (status == "" || s.Status == status) {
			seats = append(seats, s)
		}
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].ID < seats[j].ID })
	if offset >= len(seats) {
		return []models.Seat{}, nil
	}
	seats = seats[offset:]
	if len(seats) > limit {
		seats = seats[:limit]
	}
	return seats, nil
}

func (f *fakeStore) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, models.ErrNotFound)
	}
	return &b, nil
}

func (f *fakeStore) GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetBookingsByUserID(ctx context.Context, userID int64) ([]models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bookings := []models.Booking{}
	for _, b := range f.bookings {
		if b.UserID == userID {
			bookings = append(bookings, b)
		}
	}
	sort.Slice(bookings, func(i, j int) bool { return bookings[i].ID > bookings[j].ID })
	return bookings, nil
}

func (f *fakeStore) GetBookingSeats(ctx context.Context, bookingID int64) ([]models.Seat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookingSeats(bookingID, ""), nil
}

func (f *fakeStore) bookingSeats(bookingID int64, status string) []models.Seat {
	seats := []models.Seat{}
	for _, s := range f.seats {
		if s.HeldBy(bookingID) && (status == "" || s.Status == status) {
			seats = append(seats, s)
		}
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].ID < seats[j].ID })
	return seats
}

func (f *fakeStore) GetLatestPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.PaymentTransaction
	for _, p := range f.payments {
		if p.BookingID != bookingID {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			p := p
			latest = &p
		}
	}
	return latest, nil
}

func (f *fakeStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.paymentByTxID(transactionID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("payment %s: %w", transactionID, models.ErrNotFound)
}

func (f *fakeStore) paymentByTxID(transactionID string) *models.PaymentTransaction {
	for _, p := range f.payments {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			return &p
		}
	}
	return nil
}

func (f *fakeStore) ListStaleSelectedSeats(ctx context.Context, before time.Time, limit int) ([]models.Seat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seats []models.Seat
	for _, s := range f.seats {
		if s.Status == models.SeatStatusSelected && s.SelectedAt != nil && !s.SelectedAt.After(before) {
			seats = append(seats, s)
		}
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].ID < seats[j].ID })
	if len(seats) > limit {
		seats = seats[:limit]
	}
	return seats, nil
}

func (f *fakeStore) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payments []models.PaymentTransaction
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusPending && !p.CreatedAt.After(before) {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	if len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

// fakeTx runs with fakeStore.mu held
type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) GetBookingForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	b, ok := t.f.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", bookingID, models.ErrNotFound)
	}
	return &b, nil
}

func (t *fakeTx) InsertBooking(ctx context.Context, booking *models.Booking) error {
	if booking.IdempotencyKey != nil {
		for _, b := range t.f.bookings {
			if b.IdempotencyKey != nil && *b.IdempotencyKey == *booking.IdempotencyKey {
				return errors.New("duplicate idempotency key")
			}
		}
	}
	booking.ID = t.f.id()
	booking.CreatedAt = time.Now()
	booking.UpdatedAt = booking.CreatedAt
	t.f.bookings[booking.ID] = *booking
	return nil
}

func (t *fakeTx) TransitionBooking(ctx context.Context, bookingID int64, from, to string) (bool, error) {
	b, ok := t.f.bookings[bookingID]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	t.f.bookings[bookingID] = b
	return true, nil
}

func (t *fakeTx) SelectSeat(ctx context.Context, seatID, eventID, bookingID int64) (bool, error) {
	s, ok := t.f.seats[seatID]
	if !ok || s.EventID != eventID || s.Status != models.SeatStatusFree {
		return false, nil
	}
	now := time.Now()
	s.Status = models.SeatStatusSelected
	s.BookingID = &bookingID
	s.SelectedAt = &now
	t.f.seats[seatID] = s
	return true, nil
}

func (t *fakeTx) free(s models.Seat) {
	s.Status = models.SeatStatusFree
	s.BookingID = nil
	s.SelectedAt = nil
	t.f.seats[s.ID] = s
}

func (t *fakeTx) ReleaseSeat(ctx context.Context, seatID, bookingID int64) (bool, error) {
	s, ok := t.f.seats[seatID]
	if !ok || s.Status != models.SeatStatusSelected || !s.HeldBy(bookingID) {
		return false, nil
	}
	t.free(s)
	return true, nil
}

func (t *fakeTx) ReleaseExpiredSeat(ctx context.Context, seatID, bookingID int64, selectedBefore time.Time) (bool, error) {
	s, ok := t.f.seats[seatID]
	if !ok || s.Status != models.SeatStatusSelected || !s.HeldBy(bookingID) ||
		s.SelectedAt == nil || s.SelectedAt.After(selectedBefore) {
		return false, nil
	}
	t.free(s)
	return true, nil
}

func (t *fakeTx) ConfirmSeat(ctx context.Context, seatID, bookingID int64, status string) (bool, error) {
	s, ok := t.f.seats[seatID]
	if !ok || s.Status != models.SeatStatusSelected || !s.HeldBy(bookingID) {
		return false, nil
	}
	s.Status = status
	t.f.seats[seatID] = s
	return true, nil
}

func (t *fakeTx) ConfirmBookingSeats(ctx context.Context, bookingID int64, status string) ([]int64, error) {
	var ids []int64
	for _, s := range t.f.bookingSeats(bookingID, models.SeatStatusSelected) {
		s.Status = status
		t.f.seats[s.ID] = s
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (t *fakeTx) ReleaseBookingSeats(ctx context.Context, bookingID int64) ([]int64, error) {
	var ids []int64
	for _, s := range t.f.bookingSeats(bookingID, models.SeatStatusSelected) {
		t.free(s)
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (t *fakeTx) SelectedSeats(ctx context.Context, bookingID int64) ([]models.Seat, error) {
	return t.f.bookingSeats(bookingID, models.SeatStatusSelected), nil
}

func (t *fakeTx) InsertPayment(ctx context.Context, payment *models.PaymentTransaction) error {
	if payment.Status == models.PaymentStatusPending {
		for _, p := range t.f.payments {
			if p.BookingID == payment.BookingID && p.Status == models.PaymentStatusPending {
				return errors.New("duplicate pending payment")
			}
		}
	}
	payment.ID = t.f.id()
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	t.f.payments[payment.ID] = *payment
	return nil
}

func (t *fakeTx) GetPaymentForUpdate(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	if p := t.f.paymentByTxID(transactionID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("payment %s: %w", transactionID, models.ErrNotFound)
}

func (t *fakeTx) PendingPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	for _, p := range t.f.payments {
		if p.BookingID == bookingID && p.Status == models.PaymentStatusPending {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) TransitionPayment(ctx context.Context, paymentID int64, from, to string) (bool, error) {
	p, ok := t.f.payments[paymentID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	t.f.payments[paymentID] = p
	return true, nil
}

func (t *fakeTx) ExpirePendingPayments(ctx context.Context, bookingID int64) (int64, error) {
	var n int64
	for id, p := range t.f.payments {
		if p.BookingID == bookingID && p.Status == models.PaymentStatusPending {
			p.Status = models.PaymentStatusExpired
			t.f.payments[id] = p
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) InsertOutbox(ctx context.Context, event *models.OutboxEvent) error {
	if t.f.failOutbox != nil {
		return t.f.failOutbox
	}
	event.ID = t.f.id()
	t.f.outbox = append(t.f.outbox, *event)
	return nil
}

// stubGateway is a scripted payment provider
type stubGateway struct {
	mu          sync.Mutex
	initiateErr error
	statuses    map[string]string
	statusErr   error
	confirmErr  error
	initiated   int
	confirmed   int
	seq         int
}

func newStubGateway() *stubGateway {
	return &stubGateway{statuses: map[string]string{}}
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	g.seq++
	txID := fmt.Sprintf("TXN-%d", g.seq)
	g.statuses[txID] = gateway.StatusNew
	return &gateway.Handle{TransactionID: txID, PaymentURL: "https://pay.test/" + txID}, nil
}

func (g *stubGateway) Status(ctx context.Context, transactionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return "", g.statusErr
	}
	return g.statuses[transactionID], nil
}

func (g *stubGateway) Confirm(ctx context.Context, transactionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return g.confirmErr
	}
	if g.statuses[transactionID] != gateway.StatusAuthorized {
		return fmt.Errorf("transaction %s is %s", transactionID, g.statuses[transactionID])
	}
	g.confirmed++
	g.statuses[transactionID] = gateway.StatusConfirmed
	return nil
}

func (g *stubGateway) set(transactionID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[transactionID] = status
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiated
}

func (g *stubGateway) captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmed
}

func newTestLocks(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisclient.NewFromRedis(rdb), mr
}

func testReservationConfig() ReservationConfig {
	return ReservationConfig{
		LockTTL:        5 * time.Minute,
		ConfirmStatus:  models.SeatStatusSold,
		GracePeriod:    30 * time.Second,
		SweepBatchSize: 100,
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	lockCleanupTimeout = 2 * time.Second
)

// Outcome of a payment as seen by seat confirmation
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Actor identifies who asks for a seat release
type Actor struct {
	UserID int64
	System bool
}

// SystemActor releases seats on behalf of background processes
var SystemActor = Actor{System: true}

// UserActor releases seats on behalf of an authenticated user
func UserActor(userID int64) Actor {
	return Actor{UserID: userID}
}

// ReservationConfig tunes seat holds
type ReservationConfig struct {
	LockTTL        time.Duration
	ConfirmStatus  string
	GracePeriod    time.Duration
	SweepBatchSize int
}

// ReservationService enforces at most one holder per seat across the
// fast lock store and the durable store. The lock is taken first and
// decides contention; the durable conditional update is authoritative.
type ReservationService struct {
	store  InventoryStore
	locks  SeatLocker
	cfg    ReservationConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(store InventoryStore, locks SeatLocker, cfg ReservationConfig) *ReservationService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.ConfirmStatus != models.SeatStatusReserved {
		cfg.ConfirmStatus = models.SeatStatusSold
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}

	return &ReservationService{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

func selectable(bookingStatus string) bool {
	return bookingStatus == models.BookingStatusCreated || bookingStatus == models.BookingStatusPendingPayment
}

// Select attaches a FREE seat to the caller's booking
func (s *ReservationService) Select(ctx context.Context, seatID, bookingID, userID int64) (*models.Seat, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Select",
		attribute.Int64("seat_id", seatID), attribute.Int64("booking_id", bookingID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.SeatSelectLatency.Observe(time.Since(start).Seconds())
	}()

	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if booking.UserID != userID {
		return nil, fmt.Errorf("booking %d: %w", bookingID, models.ErrNotFound)
	}
	if !selectable(booking.Status) {
		return nil, fmt.Errorf("booking %d is %s: %w", bookingID, booking.Status, models.ErrInvalidStateTransition)
	}

	seat, err := s.store.GetSeat(ctx, seatID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if seat.EventID != booking.EventID {
		return nil, fmt.Errorf("seat %d in event %d: %w", seatID, booking.EventID, models.ErrNotFound)
	}
	if seat.Status == models.SeatStatusSelected && seat.HeldBy(bookingID) {
		return s.reselect(ctx, seat, bookingID)
	}
	if seat.Status != models.SeatStatusFree {
		util.SeatSelectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("seat %d is %s: %w", seatID, seat.Status, models.ErrSeatConflict)
	}

	acquired, err := s.locks.AcquireSeatLock(ctx, seatID, bookingID, s.cfg.LockTTL)
	if err != nil {
		util.SeatSelectionsTotal.WithLabelValues("error").Inc()
		return nil, util.SpanError(span, fmt.Errorf("failed to acquire seat lock: %w", err))
	}
	if !acquired {
		util.SeatSelectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("seat %d: %w", seatID, models.ErrSeatConflict)
	}

	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if !selectable(locked.Status) {
			return fmt.Errorf("booking %d is %s: %w", bookingID, locked.Status, models.ErrInvalidStateTransition)
		}

		ok, err := tx.SelectSeat(ctx, seatID, locked.EventID, bookingID)
		if err != nil {
			return fmt.Errorf("failed to select seat: %w", err)
		}
		if !ok {
			return fmt.Errorf("seat %d: %w", seatID, models.ErrSeatConflict)
		}

		evt, err := models.NewOutboxEvent(models.TopicSeatSelected, models.EventPartitionKey(locked.EventID),
			models.SeatSelectedEvent{SeatID: seatID, EventID: locked.EventID, BookingID: bookingID})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, evt)
	})
	if err != nil {
		s.dropLocks(ctx, bookingID, seatID)
		if errors.Is(err, models.ErrSeatConflict) {
			util.SeatSelectionsTotal.WithLabelValues("conflict").Inc()
		} else {
			util.SeatSelectionsTotal.WithLabelValues("error").Inc()
		}
		return nil, util.SpanError(span, err)
	}

	util.SeatSelectionsTotal.WithLabelValues("selected").Inc()
	s.logger.Info("Seat selected",
		zap.Int64("seat_id", seatID),
		zap.Int64("booking_id", bookingID))

	now := s.now()
	seat.Status = models.SeatStatusSelected
	seat.BookingID = &bookingID
	seat.SelectedAt = &now
	return seat, nil
}

// reselect renews the lock of a seat the booking already holds, recreating
// it when it expired, so the next reconcile does not free the seat.
func (s *ReservationService) reselect(ctx context.Context, seat *models.Seat, bookingID int64) (*models.Seat, error) {
	ok, err := s.locks.RefreshSeatLock(ctx, seat.ID, bookingID, s.cfg.LockTTL)
	if err != nil {
		util.SeatSelectionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to refresh seat lock: %w", err)
	}
	if !ok {
		util.SeatSelectionsTotal.WithLabelValues("conflict").Inc()
		util.InconsistenciesTotal.WithLabelValues("lock_holder_mismatch").Inc()
		s.logger.Error("Seat lock held by another booking",
			zap.Int64("seat_id", seat.ID),
			zap.Int64("booking_id", bookingID),
			zap.Error(models.ErrInternalInconsistency))
		return nil, fmt.Errorf("seat %d: %w", seat.ID, models.ErrSeatConflict)
	}

	util.SeatSelectionsTotal.WithLabelValues("renewed").Inc()
	return seat, nil
}

// Release returns a SELECTED seat to FREE. Releasing a FREE seat is a no-op.
func (s *ReservationService) Release(ctx context.Context, seatID int64, actor Actor) error {
	ctx, span := util.StartSpan(ctx, "ReservationService.Release", attribute.Int64("seat_id", seatID))
	defer span.End()

	seat, err := s.store.GetSeat(ctx, seatID)
	if err != nil {
		return util.SpanError(span, err)
	}

	switch seat.Status {
	case models.SeatStatusFree:
		return nil
	case models.SeatStatusReserved, models.SeatStatusSold:
		return fmt.Errorf("seat %d is %s: %w", seatID, seat.Status, models.ErrInvalidStateTransition)
	}
	if seat.BookingID == nil {
		return fmt.Errorf("seat %d selected without booking: %w", seatID, models.ErrInternalInconsistency)
	}
	holder := *seat.BookingID

	var released bool
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		booking, err := tx.GetBookingForUpdate(ctx, holder)
		if err != nil {
			return err
		}
		if !actor.System {
			if booking.UserID != actor.UserID {
				return fmt.Errorf("seat %d: %w", seatID, models.ErrNotFound)
			}
			if booking.Status != models.BookingStatusCreated {
				return fmt.Errorf("booking %d is %s: %w", holder, booking.Status, models.ErrInvalidStateTransition)
			}
		}

		released, err = tx.ReleaseSeat(ctx, seatID, holder)
		if err != nil {
			return fmt.Errorf("failed to release seat: %w", err)
		}
		if !released {
			return nil
		}

		return s.appendSeatReleased(ctx, tx, seat.EventID, seatID, holder, models.ReleaseReasonReleased)
	})
	if err != nil {
		return util.SpanError(span, err)
	}

	s.dropLocks(ctx, holder, seatID)

	if released {
		util.SeatReleasesTotal.WithLabelValues(models.ReleaseReasonReleased).Inc()
		s.logger.Info("Seat released",
			zap.Int64("seat_id", seatID),
			zap.Int64("booking_id", holder))
	}
	return nil
}

// Confirm settles one SELECTED seat after the payment outcome is known
func (s *ReservationService) Confirm(ctx context.Context, seatID, bookingID int64, outcome Outcome) error {
	ctx, span := util.StartSpan(ctx, "ReservationService.Confirm",
		attribute.Int64("seat_id", seatID), attribute.Int64("booking_id", bookingID))
	defer span.End()

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		booking, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}

		if outcome == OutcomeSuccess {
			ok, err := tx.ConfirmSeat(ctx, seatID, bookingID, s.cfg.ConfirmStatus)
			if err != nil {
				return fmt.Errorf("failed to confirm seat: %w", err)
			}
			if !ok {
				return fmt.Errorf("seat %d not selected by booking %d: %w", seatID, bookingID, models.ErrInvalidStateTransition)
			}
			return nil
		}

		ok, err := tx.ReleaseSeat(ctx, seatID, bookingID)
		if err != nil {
			return fmt.Errorf("failed to release seat: %w", err)
		}
		if !ok {
			return nil
		}
		return s.appendSeatReleased(ctx, tx, booking.EventID, seatID, bookingID, models.ReleaseReasonFailed)
	})
	if err != nil {
		return util.SpanError(span, err)
	}

	s.dropLocks(ctx, bookingID, seatID)

	if outcome == OutcomeSuccess {
		util.SeatsConfirmedTotal.Inc()
	} else {
		util.SeatReleasesTotal.WithLabelValues(models.ReleaseReasonFailed).Inc()
	}
	return nil
}

// Reconcile frees SELECTED seats whose lock has expired. Seats selected
// within the grace period are skipped so an in-flight Select is never undone.
// Returns the number of seats freed.
func (s *ReservationService) Reconcile(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reconcile")
	defer span.End()

	cutoff := s.now().Add(-s.cfg.GracePeriod)

	seats, err := s.store.ListStaleSelectedSeats(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, util.SpanError(span, fmt.Errorf("failed to list selected seats: %w", err))
	}
	if len(seats) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(seats))
	for i := range seats {
		ids[i] = seats[i].ID
	}

	holders, err := s.locks.SeatLockHolders(ctx, ids)
	if err != nil {
		return 0, util.SpanError(span, fmt.Errorf("failed to read seat locks: %w", err))
	}

	freed := 0
	for _, seat := range seats {
		if seat.BookingID == nil {
			util.InconsistenciesTotal.WithLabelValues("selected_without_booking").Inc()
			s.logger.Error("Selected seat has no booking",
				zap.Int64("seat_id", seat.ID),
				zap.Error(models.ErrInternalInconsistency))
			continue
		}

		if holder, locked := holders[seat.ID]; locked {
			if holder != *seat.BookingID {
				util.InconsistenciesTotal.WithLabelValues("lock_holder_mismatch").Inc()
				s.logger.Error("Seat lock held by a different booking",
					zap.Int64("seat_id", seat.ID),
					zap.Int64("durable_booking_id", *seat.BookingID),
					zap.Int64("lock_booking_id", holder),
					zap.Error(models.ErrInternalInconsistency))
			}
			continue
		}

		ok, err := s.releaseExpired(ctx, seat, cutoff)
		if err != nil {
			s.logger.Error("Failed to release expired seat",
				zap.Int64("seat_id", seat.ID),
				zap.Error(err))
			continue
		}
		if ok {
			freed++
		}
	}

	if freed > 0 {
		util.SeatReleasesTotal.WithLabelValues(models.ReleaseReasonExpired).Add(float64(freed))
		s.logger.Info("Expired seat selections released", zap.Int("count", freed))
	}
	return freed, nil
}

func (s *ReservationService) releaseExpired(ctx context.Context, seat models.Seat, cutoff time.Time) (bool, error) {
	var released bool
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		released, err = tx.ReleaseExpiredSeat(ctx, seat.ID, *seat.BookingID, cutoff)
		if err != nil || !released {
			return err
		}
		return s.appendSeatReleased(ctx, tx, seat.EventID, seat.ID, *seat.BookingID, models.ReleaseReasonExpired)
	})
	return released, err
}

// ListSeats returns one page of an event's seats
func (s *ReservationService) ListSeats(ctx context.Context, eventID int64, status string, page, pageSize int) ([]models.Seat, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ListSeats", attribute.Int64("event_id", eventID))
	defer span.End()

	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page < 1 {
		page = 1
	}

	return s.store.ListSeats(ctx, eventID, status, pageSize, (page-1)*pageSize)
}

// releaseBookingSeats frees every seat the booking still has SELECTED inside tx
func (s *ReservationService) releaseBookingSeats(ctx context.Context, tx store.Tx, booking *models.Booking, reason string) ([]int64, error) {
	ids, err := tx.ReleaseBookingSeats(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.appendSeatReleased(ctx, tx, booking.EventID, id, booking.ID, reason); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// confirmBookingSeats settles every seat the booking still has SELECTED inside tx
func (s *ReservationService) confirmBookingSeats(ctx context.Context, tx store.Tx, bookingID int64) ([]int64, error) {
	return tx.ConfirmBookingSeats(ctx, bookingID, s.cfg.ConfirmStatus)
}

func (s *ReservationService) appendSeatReleased(ctx context.Context, tx store.Tx, eventID, seatID, bookingID int64, reason string) error {
	evt, err := models.NewOutboxEvent(models.TopicSeatReleased, models.EventPartitionKey(eventID),
		models.SeatReleasedEvent{SeatID: seatID, EventID: eventID, BookingID: bookingID, Reason: reason})
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, evt)
}

// dropLocks deletes the seat locks still held by the booking. It runs
// detached from ctx so a cancelled request still cleans up.
func (s *ReservationService) dropLocks(ctx context.Context, bookingID int64, seatIDs ...int64) {
	if len(seatIDs) == 0 {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockCleanupTimeout)
	defer cancel()

	if _, err := s.locks.ReleaseSeatLocksHeldBy(cleanupCtx, bookingID, seatIDs...); err != nil {
		s.logger.Warn("Failed to delete seat locks, they will expire",
			zap.Int64("booking_id", bookingID),
			zap.Int64s("seat_ids", seatIDs),
			zap.Error(err))
	}
}

package service

import (
	"context"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
)

// InventoryStore is the durable store as seen by the services
type InventoryStore interface {
	RunInTx(ctx context.Context, fn func(store.Tx) error) error

	GetEvent(ctx context.Context, id int64) (*models.Event, error)
	GetSeat(ctx context.Context, id int64) (*models.Seat, error)
	ListSeats(ctx context.Context, eventID int64, status string, limit, offset int) ([]models.Seat, error)
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error)
	GetBookingsByUserID(ctx context.Context, userID int64) ([]models.Booking, error)
	GetBookingSeats(ctx context.Context, bookingID int64) ([]models.Seat, error)
	GetLatestPayment(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	ListStaleSelectedSeats(ctx context.Context, before time.Time, limit int) ([]models.Seat, error)
	ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
}

// SeatLocker is the fast lock store
type SeatLocker interface {
	AcquireSeatLock(ctx context.Context, seatID, bookingID int64, ttl time.Duration) (bool, error)
	RefreshSeatLock(ctx context.Context, seatID, bookingID int64, ttl time.Duration) (bool, error)
	ReleaseSeatLocksHeldBy(ctx context.Context, bookingID int64, seatIDs ...int64) (int, error)
	SeatLockHolders(ctx context.Context, seatIDs []int64) (map[int64]int64, error)
}

package models

import "errors"

var (
	// ErrSeatConflict is returned when another booking already holds the seat.
	ErrSeatConflict = errors.New("seat already held by another booking")

	// ErrInvalidStateTransition is returned when an operation is not allowed from the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrGatewayUnavailable is returned when the payment gateway is short-circuited or failing.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrNotFound is returned for missing rows and for rows the caller does not own.
	ErrNotFound = errors.New("not found")

	// ErrInternalInconsistency marks disagreement between the lock store, the durable store and the payment provider.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

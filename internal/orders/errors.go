package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderExpired      = errors.New("order expired")
	ErrPaymentDeclined   = errors.New("payment declined")

	// ErrInventoryInvariant marks a ledger operation that would break
	// 0 <= reservedStock <= stock. It always indicates a bug upstream.
	ErrInventoryInvariant = errors.New("inventory invariant violation")

	// ErrStatusConflict is returned by storage when a conditional status
	// update finds the order no longer in the expected status.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StockError names the product that blocked a reservation.
type StockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
	Inactive    bool
}

func (e *StockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	if e.Inactive {
		return fmt.Sprintf("product %s is not available for purchase", name)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.To == StatusPaid {
		switch e.From {
		case StatusPaid:
			return "order is already paid"
		case StatusCancelled:
			return "order is cancelled and can no longer be paid"
		case StatusShipped:
			return "order has already shipped"
		case StatusDelivered:
			return "order has already been delivered"
		}
	}
	return fmt.Sprintf("cannot change order status from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

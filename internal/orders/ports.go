package orders

import (
	"context"
	"time"
)

// Repository persists orders. Every method joins the transaction carried by
// ctx when there is one.
type Repository interface {
	NextOrderNumber(ctx context.Context, now time.Time) (string, error)
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	// GetOrderForUpdate locks the order row for the rest of the transaction.
	GetOrderForUpdate(ctx context.Context, id string) (Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// UpdateStatus succeeds only when the stored status still equals from,
	// otherwise it returns ErrStatusConflict.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Order, error)
	// ClaimLine marks one order line settled. It reports false when the line
	// was already settled by someone else.
	ClaimLine(ctx context.Context, orderID, productID string, at time.Time) (bool, error)
	ListUnsettled(ctx context.Context, changedBefore time.Time, limit int) ([]Order, error)
}

type PaymentRepository interface {
	InsertPayment(ctx context.Context, p Payment) error
	ListPayments(ctx context.Context, orderID string) ([]Payment, error)
	HasSuccessfulPayment(ctx context.Context, orderID string) (bool, error)
}

// CartProvider is the cart collaborator: read on checkout, cleared on success.
type CartProvider interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	// ClearCart removes the lines of a cart previously returned by GetCart.
	// Lines added or changed since that read stay in the cart.
	ClearCart(ctx context.Context, read Cart) error
}

type RecipientDirectory interface {
	LookupRecipient(ctx context.Context, userID string) (Recipient, error)
}

// Observer is told about committed order changes. Implementations must be
// best effort: they never fail the operation that produced the change.
type Observer interface {
	OrderChanged(ctx context.Context, eventType string, o Order)
}

type Observers []Observer

func (os Observers) OrderChanged(ctx context.Context, eventType string, o Order) {
	for _, ob := range os {
		if ob != nil {
			ob.OrderChanged(ctx, eventType, o)
		}
	}
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"go.uber.org/zap"
)

// Store is the product side of the ledger. Each Try* method is one
// conditional update and reports whether a row satisfied its guard.
type Store interface {
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	// TryReserve: reserved += qty WHERE active AND stock - reserved >= qty.
	TryReserve(ctx context.Context, id string, qty int, at time.Time) (bool, error)
	// TryCommit: stock -= qty, reserved -= qty WHERE reserved >= qty AND stock >= qty.
	TryCommit(ctx context.Context, id string, qty int, at time.Time) (bool, error)
	// TryRelease: reserved -= qty WHERE reserved >= qty.
	TryRelease(ctx context.Context, id string, qty int, at time.Time) (bool, error)
}

// LineClaimer marks an order line settled at most once.
type LineClaimer interface {
	ClaimLine(ctx context.Context, orderID, productID string, at time.Time) (bool, error)
}

// Ledger owns stock and reservedStock. Nothing else writes them.
type Ledger struct {
	store  Store
	lines  LineClaimer
	clock  clock.Clock
	logger *zap.Logger
}

func NewLedger(store Store, lines LineClaimer, clk clock.Clock, logger *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, lines: lines, clock: clk, logger: logger.Named("ledger")}
}

func (l *Ledger) Products(ctx context.Context) ([]orders.Product, error) {
	return l.store.ListProducts(ctx)
}

func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return &orders.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	ok, err := l.store.TryReserve(ctx, productID, qty, l.clock.Now())
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ok {
		return nil
	}

	p, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	return &orders.StockError{
		ProductID:   p.ID,
		ProductName: p.Name,
		Requested:   qty,
		Available:   p.AvailableStock(),
		Inactive:    !p.IsActive,
	}
}

func (l *Ledger) Commit(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return &orders.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	ok, err := l.store.TryCommit(ctx, productID, qty, l.clock.Now())
	if err != nil {
		return fmt.Errorf("commit %s: %w", productID, err)
	}
	if ok {
		return nil
	}
	return l.violation(ctx, "commit", productID, qty)
}

func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return &orders.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	ok, err := l.store.TryRelease(ctx, productID, qty, l.clock.Now())
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if ok {
		return nil
	}
	return l.violation(ctx, "release", productID, qty)
}

// violation reports a commit or release the product cannot absorb. A missing
// product is still ErrNotFound.
func (l *Ledger) violation(ctx context.Context, op, productID string, qty int) error {
	p, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, productID, err)
	}
	l.logger.Error("inventory invariant violation",
		zap.String("op", op),
		zap.String("product_id", productID),
		zap.Int("qty", qty),
		zap.Int("stock", p.Stock),
		zap.Int("reserved_stock", p.ReservedStock),
	)
	return fmt.Errorf("%s %d of %s (stock=%d reserved=%d): %w",
		op, qty, productID, p.Stock, p.ReservedStock, orders.ErrInventoryInvariant)
}

// CommitOrder turns every unsettled reservation of o into a stock deduction.
// Lines already settled by another caller are skipped.
func (l *Ledger) CommitOrder(ctx context.Context, o orders.Order) error {
	return l.settle(ctx, o, l.Commit)
}

// ReleaseOrder returns every unsettled reservation of o to available stock.
func (l *Ledger) ReleaseOrder(ctx context.Context, o orders.Order) error {
	return l.settle(ctx, o, l.Release)
}

func (l *Ledger) settle(ctx context.Context, o orders.Order, apply func(context.Context, string, int) error) error {
	now := l.clock.Now()
	for _, it := range o.Items {
		if it.SettledAt != nil {
			continue
		}
		claimed, err := l.lines.ClaimLine(ctx, o.ID, it.ProductID, now)
		if err != nil {
			return fmt.Errorf("claim line %s/%s: %w", o.ID, it.ProductID, err)
		}
		if !claimed {
			continue
		}
		if err := apply(ctx, it.ProductID, it.Quantity); err != nil {
			if errors.Is(err, orders.ErrInventoryInvariant) {
				l.logger.Error("order settlement hit invariant",
					zap.String("order_id", o.ID), zap.String("product_id", it.ProductID), zap.Error(err))
			}
			return fmt.Errorf("settle order %s: %w", o.OrderNumber, err)
		}
	}
	return nil
}

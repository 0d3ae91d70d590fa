package admin

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"go.uber.org/zap"
)

type Service struct {
	runner    *txn.Runner
	orders    orders.Repository
	ledger    *inventory.Ledger
	observers orders.Observers
	clock     clock.Clock
	logger    *zap.Logger
}

func NewService(runner *txn.Runner, repo orders.Repository, ledger *inventory.Ledger, observers orders.Observers, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{runner: runner, orders: repo, ledger: ledger, observers: observers, clock: clk, logger: logger.Named("admin")}
}

// UpdateStatus moves an order along the state machine on behalf of an
// operator. PAID is reachable only through payment settlement.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, target orders.Status) (orders.Order, error) {
	if !target.Valid() {
		return orders.Order{}, &orders.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", target)}
	}
	if target == orders.StatusPaid {
		return orders.Order{}, &orders.ValidationError{Field: "status", Reason: "orders become PAID only through payment"}
	}

	var updated orders.Order
	var from orders.Status
	err := s.runner.Run(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		updated, err = s.transition(ctx, o, target)
		return err
	})
	if err != nil {
		return orders.Order{}, err
	}

	s.logger.Info("order status updated",
		zap.String("order_id", orderID), zap.String("from", string(from)), zap.String("to", string(target)))
	ev := orders.EventOrderStatusChanged
	if target == orders.StatusCancelled {
		ev = orders.EventOrderCancelled
	}
	s.observers.OrderChanged(ctx, ev, updated)
	return updated, nil
}

// CancelByOwner cancels a pending order for its owner and releases its stock.
func (s *Service) CancelByOwner(ctx context.Context, orderID, userID string) (orders.Order, error) {
	var updated orders.Order
	err := s.runner.Run(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, orders.ErrForbidden)
		}
		if o.Status != orders.StatusPendingPayment {
			return &orders.TransitionError{From: o.Status, To: orders.StatusCancelled}
		}
		updated, err = s.transition(ctx, o, orders.StatusCancelled)
		return err
	})
	if err != nil {
		return orders.Order{}, err
	}
	s.logger.Info("order cancelled by owner", zap.String("order_id", orderID))
	s.observers.OrderChanged(ctx, orders.EventOrderCancelled, updated)
	return updated, nil
}

func (s *Service) transition(ctx context.Context, o orders.Order, target orders.Status) (orders.Order, error) {
	if err := orders.ValidateTransition(o.Status, target); err != nil {
		return orders.Order{}, err
	}
	now := s.clock.Now()
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, target, now); err != nil {
		return orders.Order{}, err
	}
	// A paid order already had its stock deducted; only a pending one still
	// holds a reservation.
	if o.Status == orders.StatusPendingPayment && target == orders.StatusCancelled {
		if err := s.ledger.ReleaseOrder(ctx, o); err != nil {
			return orders.Order{}, err
		}
	}
	o.Status, o.UpdatedAt = target, now
	return o, nil
}

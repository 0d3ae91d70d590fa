package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Sink accepts order confirmations for delivery. Enqueue is fire and forget
// from the caller's point of view.
type Sink interface {
	EnqueueOrderConfirmation(ctx context.Context, p orders.OrderConfirmationPayload) error
}

type Result struct {
	Order   orders.Order   `json:"order"`
	Payment orders.Payment `json:"payment"`
}

type Service struct {
	runner     *txn.Runner
	ledger     *inventory.Ledger
	orders     orders.Repository
	payments   orders.PaymentRepository
	recipients orders.RecipientDirectory
	gateway    Gateway
	sink       Sink
	observers  orders.Observers
	clock      clock.Clock
	logger     *zap.Logger
}

type Deps struct {
	Runner     *txn.Runner
	Ledger     *inventory.Ledger
	Orders     orders.Repository
	Payments   orders.PaymentRepository
	Recipients orders.RecipientDirectory
	Gateway    Gateway
	Sink       Sink
	Observers  orders.Observers
	Clock      clock.Clock
	Logger     *zap.Logger
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Gateway == nil {
		d.Gateway = NewSimulator(DefaultSuccessRate, 0)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		runner:     d.Runner,
		ledger:     d.Ledger,
		orders:     d.Orders,
		payments:   d.Payments,
		recipients: d.Recipients,
		gateway:    d.Gateway,
		sink:       d.Sink,
		observers:  d.Observers,
		clock:      d.Clock,
		logger:     d.Logger.Named("payment"),
	}
}

type outcome int

const (
	settled outcome = iota
	declined
	expired
)

// Pay settles orderID on behalf of userID. A declined charge returns the
// recorded attempt together with an error wrapping orders.ErrPaymentDeclined.
func (s *Service) Pay(ctx context.Context, orderID, userID string) (res Result, err error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.Pay")
	span.SetAttributes(attribute.String("order.id", orderID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var out outcome
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, orders.ErrForbidden)
		}

		now := s.clock.Now()
		if o.IsExpired(now) {
			out = expired
			res.Order = o
			if err := s.orders.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusCancelled, now); err != nil {
				if errors.Is(err, orders.ErrStatusConflict) {
					// The sweeper got there first.
					return nil
				}
				return err
			}
			res.Order.Status, res.Order.UpdatedAt = orders.StatusCancelled, now
			return s.ledger.ReleaseOrder(ctx, o)
		}
		if err := orders.ValidateTransition(o.Status, orders.StatusPaid); err != nil {
			return err
		}

		charge := s.gateway.Charge(ctx, o.TotalAmount)
		p := orders.Payment{
			ID:            uuid.NewString(),
			OrderID:       o.ID,
			TransactionID: "TXN-" + uuid.NewString(),
			Amount:        o.TotalAmount,
			Method:        o.PaymentMethod,
			CreatedAt:     now,
		}
		if !charge.Approved {
			out = declined
			p.Status = orders.PaymentFailed
			p.FailureReason = charge.Reason
			res = Result{Order: o, Payment: p}
			return s.payments.InsertPayment(ctx, p)
		}

		p.Status = orders.PaymentSuccess
		if err := s.orders.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusPaid, now); err != nil {
			return err
		}
		txn.OnRollback(ctx, func(ctx context.Context) error {
			return s.orders.UpdateStatus(ctx, o.ID, orders.StatusPaid, orders.StatusPendingPayment, now)
		})
		if err := s.payments.InsertPayment(ctx, p); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		o.Status, o.UpdatedAt = orders.StatusPaid, now
		res = Result{Order: o, Payment: p}

		if err := s.ledger.CommitOrder(ctx, o); err != nil {
			if s.runner.Mode() == txn.ModeCAS {
				// The payment is recorded; the reconciler finishes the
				// remaining lines.
				s.logger.Error("stock commit deferred to reconciler",
					zap.String("order_id", o.ID), zap.Error(err))
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	switch out {
	case expired:
		s.logger.Info("order expired on payment attempt", zap.String("order_id", orderID))
		if res.Order.Status == orders.StatusCancelled {
			s.observers.OrderChanged(ctx, orders.EventOrderExpired, res.Order)
		}
		return res, fmt.Errorf("order %s expired at %s: %w",
			res.Order.OrderNumber, res.Order.ExpiresAt.Format("2006-01-02 15:04:05 MST"), orders.ErrOrderExpired)
	case declined:
		s.logger.Info("payment declined",
			zap.String("order_id", orderID), zap.String("transaction_id", res.Payment.TransactionID))
		s.observers.OrderChanged(ctx, orders.EventPaymentFailed, res.Order)
		return res, fmt.Errorf("%s: %w", res.Payment.FailureReason, orders.ErrPaymentDeclined)
	}

	span.SetAttributes(attribute.String("payment.transaction_id", res.Payment.TransactionID))
	s.logger.Info("order paid",
		zap.String("order_id", res.Order.ID),
		zap.String("order_number", res.Order.OrderNumber),
		zap.String("transaction_id", res.Payment.TransactionID),
	)
	s.observers.OrderChanged(ctx, orders.EventOrderPaid, res.Order)
	s.notify(ctx, res.Order)
	return res, nil
}

func (s *Service) notify(ctx context.Context, o orders.Order) {
	if s.sink == nil {
		return
	}
	rcpt, err := s.recipients.LookupRecipient(ctx, o.UserID)
	if err != nil {
		s.logger.Warn("order confirmation skipped: recipient lookup failed",
			zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	err = s.sink.EnqueueOrderConfirmation(ctx, orders.OrderConfirmationPayload{
		OrderID:     o.ID,
		Recipient:   rcpt.Email,
		Name:        rcpt.Name,
		OrderNumber: o.OrderNumber,
		Amount:      o.TotalAmount,
	})
	if err != nil {
		s.logger.Warn("order confirmation enqueue failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// ListPayments returns every attempt recorded for an order the caller owns.
func (s *Service) ListPayments(ctx context.Context, orderID, userID string) ([]orders.Payment, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, orders.ErrForbidden)
	}
	return s.payments.ListPayments(ctx, orderID)
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Mailer sends one confirmation. Returning a *PermanentError stops retries.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, p orders.OrderConfirmationPayload) error
}

// Deduper marks event ids as processed.
type Deduper interface {
	MarkNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type Deliverer struct {
	mailer     Mailer
	dedup      Deduper
	logger     *zap.Logger
	maxElapsed time.Duration
	initial    time.Duration
}

func NewDeliverer(mailer Mailer, dedup Deduper, logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		mailer:     mailer,
		dedup:      dedup,
		logger:     logger.Named("notify"),
		maxElapsed: 2 * time.Minute,
		initial:    500 * time.Millisecond,
	}
}

// Handle is a kafka.Handler for the confirmation topic. Delivery is at least
// once: a duplicate event id is skipped, and a delivery that runs out of
// retries is forgotten and returned as an error so the message is handled
// again. A permanent mailer error drops the message.
func (d *Deliverer) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		d.logger.Error("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderConfirmation {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderConfirmationPayload](env.Payload)
	if err != nil {
		d.logger.Error("dropping confirmation with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	if d.dedup != nil {
		first, err := d.dedup.MarkNew(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			d.logger.Debug("duplicate confirmation skipped", zap.String("event_id", env.EventID))
			return nil
		}
	}

	if err := d.deliver(ctx, p); err != nil {
		if d.dedup != nil {
			if ferr := d.dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
				d.logger.Warn("dedup forget failed", zap.String("event_id", env.EventID), zap.Error(ferr))
			}
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			d.logger.Error("dropping undeliverable confirmation",
				zap.String("event_id", env.EventID), zap.String("order_id", p.OrderID), zap.Error(err))
			return nil
		}
		return err
	}
	d.logger.Info("order confirmation delivered",
		zap.String("order_id", p.OrderID), zap.String("order_number", p.OrderNumber))
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, p orders.OrderConfirmationPayload) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial
	b.MaxElapsedTime = d.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := d.mailer.SendOrderConfirmation(ctx, p)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("confirmation delivery failed, retrying",
			zap.String("order_id", p.OrderID), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("deliver confirmation for %s after %d attempts: %w", p.OrderNumber, attempt, err)
	}
	return nil
}

// LogMailer stands in for the mail provider and only logs.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) SendOrderConfirmation(_ context.Context, p orders.OrderConfirmationPayload) error {
	if p.Recipient == "" {
		return &PermanentError{Err: errors.New("recipient has no email address")}
	}
	m.Logger.Info("sending order confirmation",
		zap.String("to", p.Recipient),
		zap.String("name", p.Name),
		zap.String("order_number", p.OrderNumber),
		zap.String("amount", p.Amount.StringFixed(2)),
	)
	return nil
}

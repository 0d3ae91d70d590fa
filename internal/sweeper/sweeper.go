// Package sweeper holds the background tasks that keep reservations honest:
// the expiration sweep and the settlement reconciler.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 100
)

// ErrTickInProgress is returned by SweepOnce when another tick, local or on
// another replica, holds the sweep.
var ErrTickInProgress = errors.New("sweep already in progress")

// Locker is a cross-process mutex. TryLock never blocks.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

type Stats struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Failed    int
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Sweeper struct {
	runner    *txn.Runner
	orders    orders.Repository
	ledger    *inventory.Ledger
	observers orders.Observers
	locker    Locker
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	tickMu sync.Mutex
	loop   loop
}

type Deps struct {
	Runner    *txn.Runner
	Orders    orders.Repository
	Ledger    *inventory.Ledger
	Observers orders.Observers
	Locker    Locker
	Clock     clock.Clock
	Logger    *zap.Logger
}

func New(d Deps, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Sweeper{
		runner:    d.Runner,
		orders:    d.Orders,
		ledger:    d.Ledger,
		observers: d.Observers,
		locker:    d.Locker,
		clock:     d.Clock,
		logger:    d.Logger.Named("sweeper"),
		cfg:       cfg,
	}
}

// Start runs a sweep immediately and then every Interval until Stop or ctx
// cancellation.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("sweeper starting",
		zap.Duration("interval", s.cfg.Interval), zap.Int("batch_size", s.cfg.BatchSize))
	return s.loop.start(ctx, s.cfg.Interval, s.tick)
}

// Stop waits for an in-flight tick to finish.
func (s *Sweeper) Stop() {
	s.loop.stop()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) Running() bool { return s.loop.running() }

func (s *Sweeper) tick(ctx context.Context) {
	st, err := s.SweepOnce(ctx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		s.logger.Debug("sweep skipped, another tick holds the lock")
	case err != nil:
		s.logger.Error("sweep failed", zap.Error(err))
	case st.Scanned > 0:
		s.logger.Info("sweep done",
			zap.Int("scanned", st.Scanned),
			zap.Int("cancelled", st.Cancelled),
			zap.Int("skipped", st.Skipped),
			zap.Int("failed", st.Failed),
		)
	}
}

// SweepOnce cancels expired pending orders and releases their stock. Each
// order is its own unit of work; a failure is counted and retried next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	if !s.tickMu.TryLock() {
		return Stats{}, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			return Stats{}, ErrTickInProgress
		}
		defer unlock()
	}

	ctx, span := otel.Tracer("sweeper").Start(ctx, "sweeper.SweepOnce")
	defer span.End()

	var st Stats
	for {
		now := s.clock.Now()
		batch, err := s.orders.ListExpired(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return st, fmt.Errorf("list expired: %w", err)
		}
		progress := 0
		for _, o := range batch {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.Scanned++
			cancelled, err := s.expire(ctx, o.ID, now)
			switch {
			case err != nil:
				st.Failed++
				s.logger.Error("expire order failed",
					zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber), zap.Error(err))
			case cancelled:
				st.Cancelled++
				progress++
			default:
				st.Skipped++
				progress++
			}
		}
		if len(batch) < s.cfg.BatchSize || progress == 0 {
			break
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.scanned", st.Scanned),
		attribute.Int("sweep.cancelled", st.Cancelled),
		attribute.Int("sweep.failed", st.Failed),
	)
	return st, nil
}

func (s *Sweeper) expire(ctx context.Context, orderID string, now time.Time) (bool, error) {
	var cancelled orders.Order
	ok := false
	err := s.runner.Run(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.IsExpired(now) {
			return nil
		}
		if err := s.orders.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusCancelled, now); err != nil {
			if errors.Is(err, orders.ErrStatusConflict) {
				return nil
			}
			return err
		}
		if err := s.ledger.ReleaseOrder(ctx, o); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = orders.StatusCancelled, now
		cancelled, ok = o, true
		return nil
	})
	if err != nil || !ok {
		return false, err
	}
	s.observers.OrderChanged(ctx, orders.EventOrderExpired, cancelled)
	return true, nil
}

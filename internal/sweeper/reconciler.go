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
	"go.uber.org/zap"
)

const DefaultGracePeriod = time.Minute

type ReconcileStats struct {
	Scanned   int
	Committed int
	Released  int
	Failed    int
}

type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	// GracePeriod keeps the reconciler away from orders whose settlement may
	// still be running.
	GracePeriod time.Duration
}

// Reconciler finishes settlements that a compare-and-swap unit left behind:
// orders out of PENDING_PAYMENT that still hold unsettled lines. Lines of an
// order with a successful payment are committed, all others released.
type Reconciler struct {
	runner   *txn.Runner
	orders   orders.Repository
	payments orders.PaymentRepository
	ledger   *inventory.Ledger
	locker   Locker
	clock    clock.Clock
	logger   *zap.Logger
	cfg      ReconcilerConfig

	tickMu sync.Mutex
	loop   loop
}

type ReconcilerDeps struct {
	Runner   *txn.Runner
	Orders   orders.Repository
	Payments orders.PaymentRepository
	Ledger   *inventory.Ledger
	Locker   Locker
	Clock    clock.Clock
	Logger   *zap.Logger
}

func NewReconciler(d ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Reconciler{
		runner:   d.Runner,
		orders:   d.Orders,
		payments: d.Payments,
		ledger:   d.Ledger,
		locker:   d.Locker,
		clock:    d.Clock,
		logger:   d.Logger.Named("reconciler"),
		cfg:      cfg,
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	return r.loop.start(ctx, r.cfg.Interval, func(ctx context.Context) {
		st, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrTickInProgress):
		case err != nil:
			r.logger.Error("reconcile failed", zap.Error(err))
		case st.Scanned > 0:
			r.logger.Warn("reconciled unsettled orders",
				zap.Int("scanned", st.Scanned),
				zap.Int("committed", st.Committed),
				zap.Int("released", st.Released),
				zap.Int("failed", st.Failed),
			)
		}
	})
}

func (r *Reconciler) Stop() { r.loop.stop() }

func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	if !r.tickMu.TryLock() {
		return ReconcileStats{}, ErrTickInProgress
	}
	defer r.tickMu.Unlock()

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx)
		if err != nil {
			return ReconcileStats{}, fmt.Errorf("reconcile lock: %w", err)
		}
		if !ok {
			return ReconcileStats{}, ErrTickInProgress
		}
		defer unlock()
	}

	var st ReconcileStats
	before := r.clock.Now().Add(-r.cfg.GracePeriod)
	batch, err := r.orders.ListUnsettled(ctx, before, r.cfg.BatchSize)
	if err != nil {
		return st, fmt.Errorf("list unsettled: %w", err)
	}
	for _, o := range batch {
		st.Scanned++
		committed, released, err := r.settle(ctx, o.ID)
		if err != nil {
			st.Failed++
			r.logger.Error("reconcile order failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if committed {
			st.Committed++
		}
		if released {
			st.Released++
		}
	}
	return st, nil
}

func (r *Reconciler) settle(ctx context.Context, orderID string) (committed, released bool, err error) {
	err = r.runner.Run(ctx, func(ctx context.Context) error {
		o, err := r.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orders.StatusPendingPayment || len(o.Unsettled()) == 0 {
			return nil
		}
		paid, err := r.payments.HasSuccessfulPayment(ctx, o.ID)
		if err != nil {
			return err
		}
		if paid {
			committed = true
			return r.ledger.CommitOrder(ctx, o)
		}
		released = true
		return r.ledger.ReleaseOrder(ctx, o)
	})
	if err != nil {
		return false, false, err
	}
	return committed, released, nil
}

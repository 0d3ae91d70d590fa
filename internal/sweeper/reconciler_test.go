package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func (e *env) reconciler() *Reconciler {
	return NewReconciler(ReconcilerDeps{
		Runner: e.runner, Orders: e.store, Payments: e.store, Ledger: e.ledger, Clock: e.clk,
	}, ReconcilerConfig{GracePeriod: time.Minute})
}

// interrupted simulates a unit that moved the order out of PENDING_PAYMENT
// and then crashed before touching the ledger.
func (e *env) interrupted(t *testing.T, id string, to orders.Status) {
	t.Helper()
	require.NoError(t, e.store.UpdateStatus(context.Background(), id, orders.StatusPendingPayment, to, e.clk.Now()))
}

func TestReconciler_CommitsPaidAndReleasesCancelled(t *testing.T) {
	e := newEnv(txn.ModeCAS)
	e.store.PutProduct(orders.Product{ID: "p1", Stock: 50, ReservedStock: 5, IsActive: true})
	e.pending("paid", "p1", 3)
	e.pending("cancelled", "p1", 2)
	e.interrupted(t, "paid", orders.StatusPaid)
	e.interrupted(t, "cancelled", orders.StatusCancelled)
	require.NoError(t, e.store.InsertPayment(context.Background(), orders.Payment{
		ID: "pay1", OrderID: "paid", TransactionID: "TXN-1", Status: orders.PaymentSuccess,
	}))
	r := e.reconciler()

	st, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{}, st, "inside the grace period")

	e.clk.Advance(2 * time.Minute)
	st, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Scanned: 2, Committed: 1, Released: 1}, st)

	p := e.product(t, "p1")
	assert.Equal(t, 47, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)

	st, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{}, st)
}

func TestReconciler_PartiallySettledOrder(t *testing.T) {
	e := newEnv(txn.ModeCAS)
	e.store.PutProduct(orders.Product{ID: "p1", Stock: 10, ReservedStock: 2, IsActive: true})
	e.store.PutProduct(orders.Product{ID: "p2", Stock: 10, ReservedStock: 0, IsActive: true})
	e.pending("o1", "p1", 2)
	o, _ := e.store.GetOrder(context.Background(), "o1")
	o.Items = append(o.Items, orders.OrderItem{ProductID: "p2", Quantity: 1})
	e.store.PutOrder(o)
	e.interrupted(t, "o1", orders.StatusCancelled)
	// p2 was released before the crash.
	ok, err := e.store.ClaimLine(context.Background(), "o1", "p2", e.clk.Now())
	require.NoError(t, err)
	require.True(t, ok)

	e.clk.Advance(time.Hour)
	st, err := e.reconciler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Released)
	assert.Equal(t, 0, e.product(t, "p1").ReservedStock)
	assert.Equal(t, 0, e.product(t, "p2").ReservedStock)
}

func TestReconciler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(txn.ModeCAS)
	r := NewReconciler(ReconcilerDeps{
		Runner: e.runner, Orders: e.store, Payments: e.store, Ledger: e.ledger, Clock: e.clk,
	}, ReconcilerConfig{Interval: 5 * time.Millisecond})
	require.NoError(t, r.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/payment"
	"github.com/ariefcatur/go-order-pipeline/internal/testutil"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func widget() orders.Product {
	return orders.Product{
		ID: "p1", SKU: "WID-1", Name: "Widget",
		Price: decimal.RequireFromString("19.99"), Stock: 50, IsActive: true,
	}
}

func pendingOrder(userID, productID string, qty int, expires time.Time) orders.Order {
	price := decimal.RequireFromString("19.99")
	sub := price.Mul(decimal.NewFromInt(int64(qty)))
	return orders.Order{
		ID: uuid.NewString(), OrderNumber: "ORD-" + uuid.NewString()[:8], UserID: userID,
		Items: []orders.OrderItem{{
			ProductID: productID, ProductName: "Widget", Quantity: qty,
			PriceAtPurchase: price, Subtotal: sub,
		}},
		TotalAmount: sub, Status: orders.StatusPendingPayment,
		ShippingAddress: orders.ShippingAddress{
			FullName: "Ada", Street: "1 Main", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		PaymentMethod: orders.PaymentCreditCard,
		ExpiresAt:     expires, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestStore(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	t.Run("ledger updates honour their guards", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())

		ok, err := store.TryReserve(ctx, "p1", 3, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TryReserve(ctx, "p1", 48, t0)
		require.NoError(t, err)
		assert.False(t, ok, "only 47 available")

		ok, err = store.TryCommit(ctx, "p1", 3, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TryRelease(ctx, "p1", 1, t0)
		require.NoError(t, err)
		assert.False(t, ok, "nothing reserved")

		p, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 47, p.Stock)
		assert.Equal(t, 0, p.ReservedStock)
		assert.True(t, decimal.RequireFromString("19.99").Equal(p.Price))

		_, err = store.GetProduct(ctx, "nope")
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("concurrent reservations never oversell", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		p := widget()
		p.Stock = 10
		testutil.InsertProduct(t, ctx, pool, p)

		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.TryReserve(ctx, "p1", 1, t0)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		got, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 10, won)
		assert.Equal(t, 10, got.ReservedStock)
	})

	t.Run("transaction rolls back every write", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		o := pendingOrder("u1", "p1", 2, t0.Add(15*time.Minute))

		boom := errors.New("boom")
		err := store.WithTx(ctx, func(ctx context.Context) error {
			if _, err := store.TryReserve(ctx, "p1", 2, t0); err != nil {
				return err
			}
			if err := store.InsertOrder(ctx, o); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		p, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.ReservedStock)
		_, err = store.GetOrder(ctx, o.ID)
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("orders round trip with items", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		o := pendingOrder("u1", "p1", 3, t0.Add(15*time.Minute))
		require.NoError(t, store.InsertOrder(ctx, o))

		got, err := store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.OrderNumber, got.OrderNumber)
		assert.Equal(t, orders.StatusPendingPayment, got.Status)
		assert.Equal(t, "Springfield", got.ShippingAddress.City)
		require.Len(t, got.Items, 1)
		assert.Equal(t, 3, got.Items[0].Quantity)
		assert.True(t, decimal.RequireFromString("59.97").Equal(got.TotalAmount))
		assert.Nil(t, got.Items[0].SettledAt)

		_, err = store.GetOrder(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, orders.ErrNotFound)

		list, err := store.ListOrdersByUser(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Items, 1)
	})

	t.Run("status updates are conditional", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		o := pendingOrder("u1", "p1", 1, t0.Add(15*time.Minute))
		require.NoError(t, store.InsertOrder(ctx, o))

		require.NoError(t, store.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusPaid, t0))
		err := store.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusCancelled, t0)
		assert.ErrorIs(t, err, orders.ErrStatusConflict)

		err = store.UpdateStatus(ctx, uuid.NewString(), orders.StatusPaid, orders.StatusShipped, t0)
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("lines are claimed once", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		o := pendingOrder("u1", "p1", 1, t0.Add(15*time.Minute))
		require.NoError(t, store.InsertOrder(ctx, o))

		ok, err := store.ClaimLine(ctx, o.ID, "p1", t0)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.ClaimLine(ctx, o.ID, "p1", t0)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.ClaimLine(ctx, o.ID, "p9", t0)
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("expired and unsettled listings", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		expired := pendingOrder("u1", "p1", 1, t0.Add(-time.Minute))
		fresh := pendingOrder("u1", "p1", 1, t0.Add(time.Minute))
		paid := pendingOrder("u2", "p1", 1, t0.Add(-time.Minute))
		for _, o := range []orders.Order{expired, fresh, paid} {
			require.NoError(t, store.InsertOrder(ctx, o))
		}
		require.NoError(t, store.UpdateStatus(ctx, paid.ID, orders.StatusPendingPayment, orders.StatusPaid, t0))

		list, err := store.ListExpired(ctx, t0, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, expired.ID, list[0].ID)

		list, err = store.ListUnsettled(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, paid.ID, list[0].ID)

		list, err = store.ListUnsettled(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, list, "inside the grace period")
	})

	t.Run("one successful payment per order", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		o := pendingOrder("u1", "p1", 1, t0.Add(15*time.Minute))
		require.NoError(t, store.InsertOrder(ctx, o))

		pay := func(status orders.PaymentStatus) orders.Payment {
			return orders.Payment{
				ID: uuid.NewString(), OrderID: o.ID, TransactionID: "TXN-" + uuid.NewString(),
				Amount: o.TotalAmount, Method: o.PaymentMethod, Status: status, CreatedAt: t0,
			}
		}
		failed := pay(orders.PaymentFailed)
		failed.FailureReason = payment.DeclineReason
		require.NoError(t, store.InsertPayment(ctx, failed))
		require.NoError(t, store.InsertPayment(ctx, pay(orders.PaymentSuccess)))
		err := store.InsertPayment(ctx, pay(orders.PaymentSuccess))
		assert.ErrorIs(t, err, orders.ErrStatusConflict)

		ok, err := store.HasSuccessfulPayment(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		list, err := store.ListPayments(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, payment.DeclineReason, list[0].FailureReason)
	})

	t.Run("order numbers come from the sequence", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		a, err := store.NextOrderNumber(ctx, t0)
		require.NoError(t, err)
		b, err := store.NextOrderNumber(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, "ORD-20260301-000001", a)
		assert.Equal(t, "ORD-20260301-000002", b)
	})

	t.Run("carts and recipients", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		testutil.InsertCartLine(t, ctx, pool, "u1", orders.CartLine{ProductID: "p1", Quantity: 2})
		testutil.InsertUser(t, ctx, pool, orders.Recipient{UserID: "u1", Email: "ada@example.com", Name: "Ada"})

		c, err := store.GetCart(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []orders.CartLine{{ProductID: "p1", Quantity: 2}}, c.Lines)
		gadget := widget()
		gadget.ID, gadget.SKU, gadget.Name = "p2", "GAD-1", "Gadget"
		testutil.InsertProduct(t, ctx, pool, gadget)
		testutil.InsertCartLine(t, ctx, pool, "u1", orders.CartLine{ProductID: "p2", Quantity: 1})

		require.NoError(t, store.ClearCart(ctx, c))
		c, err = store.GetCart(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []orders.CartLine{{ProductID: "p2", Quantity: 1}}, c.Lines, "line added after the read survives")

		r, err := store.LookupRecipient(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", r.Email)
		_, err = store.LookupRecipient(ctx, "u2")
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("advisory lock is exclusive", func(t *testing.T) {
		a := NewAdvisoryLock(pool, 42)
		b := NewAdvisoryLock(pool, 42)

		unlock, ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = b.TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		unlock()
		unlock2, ok, err := b.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		unlock2()
	})

	t.Run("ledger violation inside a transaction reports the cause", func(t *testing.T) {
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertProduct(t, ctx, pool, widget())
		ledger := inventory.NewLedger(store, store, clock.NewFixed(t0), zap.NewNop())

		err := store.WithTx(ctx, func(ctx context.Context) error {
			require.NoError(t, ledger.Reserve(ctx, "p1", 2))
			return ledger.Release(ctx, "p1", 5)
		})
		require.ErrorIs(t, err, orders.ErrInventoryInvariant)
		assert.Contains(t, err.Error(), "reserved=2")
	})

	t.Run("failed unlock drops the session", func(t *testing.T) {
		const key = 43
		a := NewAdvisoryLock(pool, key)
		unlock, ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		a.unlockTimeout = time.Nanosecond
		unlock()

		require.Eventually(t, func() bool {
			var held int
			err := pool.QueryRow(ctx, `SELECT count(*) FROM pg_locks WHERE locktype = 'advisory' AND objid::bigint = $1`, key).Scan(&held)
			return err == nil && held == 0
		}, 5*time.Second, 50*time.Millisecond)

		unlock2, ok, err := NewAdvisoryLock(pool, key).TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		unlock2()
	})
}

func TestCheckoutAndPayAgainstPostgres(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)
	testutil.InsertProduct(t, ctx, pool, widget())
	testutil.InsertCartLine(t, ctx, pool, "u1", orders.CartLine{ProductID: "p1", Quantity: 3})
	testutil.InsertUser(t, ctx, pool, orders.Recipient{UserID: "u1", Email: "ada@example.com", Name: "Ada"})

	clk := clock.NewFixed(t0)
	runner := txn.NewRunner(txn.ModeTransactional, store, zap.NewNop())
	ledger := inventory.NewLedger(store, store, clk, zap.NewNop())

	co := checkout.NewService(checkout.Deps{
		Runner: runner, Ledger: ledger, Products: store, Orders: store, Carts: store,
		Clock: clk, Window: orders.ReservationWindow,
	})
	res, err := co.Checkout(ctx, checkout.Request{
		UserID: "u1",
		ShippingAddress: orders.ShippingAddress{
			FullName: "Ada", Street: "1 Main", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		PaymentMethod: orders.PaymentCreditCard,
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-20260301-000001", res.Order.OrderNumber)

	p, err := store.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.ReservedStock)

	approve := payment.GatewayFunc(func(context.Context, decimal.Decimal) payment.Outcome {
		return payment.Outcome{Approved: true}
	})
	pay := payment.NewService(payment.Deps{
		Runner: runner, Ledger: ledger, Orders: store, Payments: store, Recipients: store,
		Gateway: approve, Clock: clk,
	})
	paid, err := pay.Pay(ctx, res.Order.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, paid.Order.Status)

	p, err = store.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 47, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)

	_, err = pay.Pay(ctx, res.Order.ID, "u1")
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, context.Background(), pool)
	return pool
}

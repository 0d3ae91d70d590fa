package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/memory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu   sync.Mutex
	got  []orders.OrderConfirmationPayload
	fail error
}

func (f *fakeSink) EnqueueOrderConfirmation(_ context.Context, p orders.OrderConfirmationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, p)
	return nil
}

func approve(context.Context, decimal.Decimal) Outcome { return Outcome{Approved: true} }

type fixture struct {
	store *memory.Store
	clk   *clock.Manual
	sink  *fakeSink
	logs  *observer.ObservedLogs
	svc   *Service
}

func newFixture(t *testing.T, mode txn.Mode, gw GatewayFunc) *fixture {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(created.Add(time.Minute))
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	f := &fixture{store: store, clk: clk, sink: &fakeSink{}, logs: logs}
	f.svc = NewService(Deps{
		Runner:     txn.NewRunner(mode, store, logger),
		Ledger:     inventory.NewLedger(store, store, clk, logger),
		Orders:     store,
		Payments:   store,
		Recipients: store,
		Gateway:    gw,
		Sink:       f.sink,
		Clock:      clk,
		Logger:     logger,
	})

	store.PutProduct(orders.Product{ID: "p1", Name: "Widget", Price: decimal.NewFromInt(20), Stock: 50, ReservedStock: 3, IsActive: true})
	store.PutRecipient(orders.Recipient{UserID: "u1", Email: "ada@example.com", Name: "Ada"})
	store.PutOrder(orders.Order{
		ID: "o1", OrderNumber: "ORD-20260301-000001", UserID: "u1",
		Status:        orders.StatusPendingPayment,
		PaymentMethod: orders.PaymentCreditCard,
		TotalAmount:   decimal.NewFromInt(60),
		Items: []orders.OrderItem{
			{ProductID: "p1", ProductName: "Widget", Quantity: 3, PriceAtPurchase: decimal.NewFromInt(20), Subtotal: decimal.NewFromInt(60)},
		},
		ExpiresAt: created.Add(orders.ReservationWindow),
		CreatedAt: created,
		UpdatedAt: created,
	})
	return f
}

func (f *fixture) product(t *testing.T) orders.Product {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T) orders.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	return o
}

func TestPay_SuccessCommitsStock(t *testing.T) {
	for _, mode := range []txn.Mode{txn.ModeTransactional, txn.ModeCAS} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode, approve)

			res, err := f.svc.Pay(context.Background(), "o1", "u1")
			require.NoError(t, err)
			assert.Equal(t, orders.StatusPaid, res.Order.Status)
			assert.Equal(t, orders.PaymentSuccess, res.Payment.Status)
			assert.True(t, strings.HasPrefix(res.Payment.TransactionID, "TXN-"))
			assert.True(t, decimal.NewFromInt(60).Equal(res.Payment.Amount))

			p := f.product(t)
			assert.Equal(t, 47, p.Stock)
			assert.Equal(t, 0, p.ReservedStock)
			assert.Equal(t, orders.StatusPaid, f.order(t).Status)
			assert.Empty(t, f.order(t).Unsettled())

			require.Len(t, f.sink.got, 1)
			assert.Equal(t, orders.OrderConfirmationPayload{
				OrderID: "o1", Recipient: "ada@example.com", Name: "Ada",
				OrderNumber: "ORD-20260301-000001", Amount: decimal.NewFromInt(60),
			}, f.sink.got[0])
		})
	}
}

func TestPay_DeclineKeepsReservationAndAllowsRetry(t *testing.T) {
	calls := 0
	gw := func(context.Context, decimal.Decimal) Outcome {
		calls++
		if calls == 1 {
			return Outcome{Reason: DeclineReason}
		}
		return Outcome{Approved: true}
	}
	f := newFixture(t, txn.ModeTransactional, gw)

	res, err := f.svc.Pay(context.Background(), "o1", "u1")
	require.ErrorIs(t, err, orders.ErrPaymentDeclined)
	assert.Equal(t, orders.PaymentFailed, res.Payment.Status)
	assert.Equal(t, DeclineReason, res.Payment.FailureReason)

	p := f.product(t)
	assert.Equal(t, 50, p.Stock)
	assert.Equal(t, 3, p.ReservedStock)
	assert.Equal(t, orders.StatusPendingPayment, f.order(t).Status)
	assert.Empty(t, f.sink.got)

	_, err = f.svc.Pay(context.Background(), "o1", "u1")
	require.NoError(t, err)

	ps, err := f.svc.ListPayments(context.Background(), "o1", "u1")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, orders.PaymentFailed, ps[0].Status)
	assert.Equal(t, orders.PaymentSuccess, ps[1].Status)
}

func TestPay_LazyExpiryCancelsAndReleases(t *testing.T) {
	for _, mode := range []txn.Mode{txn.ModeTransactional, txn.ModeCAS} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode, approve)
			f.clk.Set(created.Add(orders.ReservationWindow + time.Second))

			_, err := f.svc.Pay(context.Background(), "o1", "u1")
			require.ErrorIs(t, err, orders.ErrOrderExpired)

			assert.Equal(t, orders.StatusCancelled, f.order(t).Status, "cancellation is committed despite the error")
			p := f.product(t)
			assert.Equal(t, 50, p.Stock)
			assert.Equal(t, 0, p.ReservedStock)

			_, err = f.svc.Pay(context.Background(), "o1", "u1")
			require.ErrorIs(t, err, orders.ErrInvalidTransition)
			assert.Equal(t, 0, f.product(t).ReservedStock, "no double release")
		})
	}
}

func TestPay_WrongState(t *testing.T) {
	f := newFixture(t, txn.ModeTransactional, approve)
	_, err := f.svc.Pay(context.Background(), "o1", "u1")
	require.NoError(t, err)

	_, err = f.svc.Pay(context.Background(), "o1", "u1")
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.Equal(t, "order is already paid", err.Error())
	assert.Equal(t, 47, f.product(t).Stock, "stock committed once")
}

func TestPay_ForbiddenAndNotFound(t *testing.T) {
	f := newFixture(t, txn.ModeTransactional, approve)

	_, err := f.svc.Pay(context.Background(), "o1", "intruder")
	require.ErrorIs(t, err, orders.ErrForbidden)
	assert.Equal(t, orders.StatusPendingPayment, f.order(t).Status)

	_, err = f.svc.Pay(context.Background(), "missing", "u1")
	require.ErrorIs(t, err, orders.ErrNotFound)

	_, err = f.svc.ListPayments(context.Background(), "o1", "intruder")
	require.ErrorIs(t, err, orders.ErrForbidden)
}

func TestPay_NotificationFailureDoesNotFailPayment(t *testing.T) {
	f := newFixture(t, txn.ModeTransactional, approve)
	f.sink.fail = errors.New("broker down")

	res, err := f.svc.Pay(context.Background(), "o1", "u1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, res.Order.Status)
	assert.Equal(t, 1, f.logs.FilterMessage("order confirmation enqueue failed").Len())
}

func TestPay_MissingRecipientIsLogged(t *testing.T) {
	f := newFixture(t, txn.ModeTransactional, approve)
	o := f.order(t)
	o.UserID = "u2"
	f.store.PutOrder(o)

	_, err := f.svc.Pay(context.Background(), "o1", "u2")
	require.NoError(t, err)
	assert.Empty(t, f.sink.got)
	assert.Equal(t, 1, f.logs.FilterMessage("order confirmation skipped: recipient lookup failed").Len())
}

func TestPay_ConcurrentAttemptsSettleOnce(t *testing.T) {
	for _, mode := range []txn.Mode{txn.ModeTransactional, txn.ModeCAS} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode, approve)

			var wg sync.WaitGroup
			errs := make([]error, 4)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.svc.Pay(context.Background(), "o1", "u1")
				}(i)
			}
			wg.Wait()

			ok := 0
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				assert.True(t, errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrStatusConflict), err)
			}
			assert.Equal(t, 1, ok)
			p := f.product(t)
			assert.Equal(t, 47, p.Stock)
			assert.Equal(t, 0, p.ReservedStock)
		})
	}
}

func TestSimulator(t *testing.T) {
	always := NewSimulator(1, 42)
	never := NewSimulator(0, 42)
	for i := 0; i < 20; i++ {
		assert.True(t, always.Charge(context.Background(), decimal.NewFromInt(1)).Approved)
		out := never.Charge(context.Background(), decimal.NewFromInt(1))
		assert.False(t, out.Approved)
		assert.Equal(t, DeclineReason, out.Reason)
	}

	sim := NewSimulator(DefaultSuccessRate, 7)
	approved := 0
	for i := 0; i < 2000; i++ {
		if sim.Charge(context.Background(), decimal.NewFromInt(1)).Approved {
			approved++
		}
	}
	assert.InDelta(t, 1800, approved, 100)
}

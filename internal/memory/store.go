// Package memory is an in-process storage backend. Transactions are
// serialized and roll back by restoring a snapshot taken at begin.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

type Store struct {
	txMu sync.Mutex
	seq  atomic.Int64

	products   map[string]orders.Product
	orders     map[string]orders.Order
	payments   []orders.Payment
	carts      map[string]orders.Cart
	recipients map[string]orders.Recipient
}

func New() *Store {
	return &Store{
		products:   map[string]orders.Product{},
		orders:     map[string]orders.Order{},
		carts:      map[string]orders.Cart{},
		recipients: map[string]orders.Recipient{},
	}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock serializes a single operation against running transactions. Inside a
// transaction the caller already holds txMu.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	products map[string]orders.Product
	orders   map[string]orders.Order
	payments []orders.Payment
	carts    map[string]orders.Cart
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		products: make(map[string]orders.Product, len(s.products)),
		orders:   make(map[string]orders.Order, len(s.orders)),
		payments: append([]orders.Payment(nil), s.payments...),
		carts:    make(map[string]orders.Cart, len(s.carts)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = cloneOrder(v)
	}
	for k, v := range s.carts {
		snap.carts[k] = cloneCart(v)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.orders = snap.orders
	s.payments = snap.payments
	s.carts = snap.carts
}

func cloneOrder(o orders.Order) orders.Order {
	items := make([]orders.OrderItem, len(o.Items))
	for i, it := range o.Items {
		if it.SettledAt != nil {
			t := *it.SettledAt
			it.SettledAt = &t
		}
		items[i] = it
	}
	o.Items = items
	return o
}

func cloneCart(c orders.Cart) orders.Cart {
	c.Lines = append([]orders.CartLine(nil), c.Lines...)
	return c
}

// Seeding helpers for wiring and tests.

func (s *Store) PutProduct(p orders.Product) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutCart(c orders.Cart) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.carts[c.UserID] = cloneCart(c)
}

func (s *Store) PutRecipient(r orders.Recipient) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.recipients[r.UserID] = r
}

// PutOrder stores o as is, bypassing number generation.
func (s *Store) PutOrder(o orders.Order) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
}

// ---- inventory.Store ----

func (s *Store) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	defer s.lock(ctx)()
	p, ok := s.products[id]
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	defer s.lock(ctx)()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) TryReserve(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	p, ok := s.products[id]
	if !ok || !p.IsActive || p.AvailableStock() < qty {
		return false, nil
	}
	p.ReservedStock += qty
	p.UpdatedAt = at
	s.products[id] = p
	return true, nil
}

func (s *Store) TryCommit(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	p, ok := s.products[id]
	if !ok || p.ReservedStock < qty || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	p.ReservedStock -= qty
	p.UpdatedAt = at
	s.products[id] = p
	return true, nil
}

func (s *Store) TryRelease(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	p, ok := s.products[id]
	if !ok || p.ReservedStock < qty {
		return false, nil
	}
	p.ReservedStock -= qty
	p.UpdatedAt = at
	s.products[id] = p
	return true, nil
}

// ---- orders.Repository ----

func (s *Store) NextOrderNumber(_ context.Context, now time.Time) (string, error) {
	n := s.seq.Add(1)
	return fmt.Sprintf("ORD-%s-%06d", now.UTC().Format("20060102"), n), nil
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	defer s.lock(ctx)()
	if _, dup := s.orders[o.ID]; dup {
		return fmt.Errorf("insert order %s: already exists", o.ID)
	}
	for _, existing := range s.orders {
		if existing.OrderNumber == o.OrderNumber {
			return fmt.Errorf("insert order: order number %s already used", o.OrderNumber)
		}
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	defer s.lock(ctx)()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return cloneOrder(o), nil
}

// GetOrderForUpdate is GetOrder: transactions here are already exclusive.
func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]orders.Order, error) {
	defer s.lock(ctx)()
	var out []orders.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	defer s.lock(ctx)()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s, expected %s: %w", id, o.Status, from, orders.ErrStatusConflict)
	}
	o.Status = to
	o.UpdatedAt = at
	s.orders[id] = o
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Order, error) {
	defer s.lock(ctx)()
	var out []orders.Order
	for _, o := range s.orders {
		if o.Status == orders.StatusPendingPayment && o.ExpiresAt.Before(now) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimLine(ctx context.Context, orderID, productID string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	o, ok := s.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
	}
	for i := range o.Items {
		if o.Items[i].ProductID != productID {
			continue
		}
		if o.Items[i].SettledAt != nil {
			return false, nil
		}
		t := at
		o.Items[i].SettledAt = &t
		s.orders[orderID] = o
		return true, nil
	}
	return false, fmt.Errorf("order %s has no line for %s: %w", orderID, productID, orders.ErrNotFound)
}

func (s *Store) ListUnsettled(ctx context.Context, changedBefore time.Time, limit int) ([]orders.Order, error) {
	defer s.lock(ctx)()
	var out []orders.Order
	for _, o := range s.orders {
		if o.Status == orders.StatusPendingPayment || !o.UpdatedAt.Before(changedBefore) {
			continue
		}
		if len(o.Unsettled()) > 0 {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- orders.PaymentRepository ----

func (s *Store) InsertPayment(ctx context.Context, p orders.Payment) error {
	defer s.lock(ctx)()
	for _, existing := range s.payments {
		if existing.TransactionID == p.TransactionID {
			return fmt.Errorf("insert payment: transaction %s already recorded", p.TransactionID)
		}
		if p.Status == orders.PaymentSuccess && existing.OrderID == p.OrderID && existing.Status == orders.PaymentSuccess {
			return fmt.Errorf("order %s already has a successful payment: %w", p.OrderID, orders.ErrStatusConflict)
		}
	}
	s.payments = append(s.payments, p)
	return nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]orders.Payment, error) {
	defer s.lock(ctx)()
	var out []orders.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) HasSuccessfulPayment(ctx context.Context, orderID string) (bool, error) {
	defer s.lock(ctx)()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status == orders.PaymentSuccess {
			return true, nil
		}
	}
	return false, nil
}

// ---- orders.CartProvider ----

func (s *Store) GetCart(ctx context.Context, userID string) (orders.Cart, error) {
	defer s.lock(ctx)()
	c, ok := s.carts[userID]
	if !ok {
		return orders.Cart{UserID: userID}, nil
	}
	return cloneCart(c), nil
}

func (s *Store) ClearCart(ctx context.Context, read orders.Cart) error {
	defer s.lock(ctx)()
	c, ok := s.carts[read.UserID]
	if !ok {
		return nil
	}
	for _, r := range read.Lines {
		for i, l := range c.Lines {
			if l == r {
				c.Lines = append(c.Lines[:i:i], c.Lines[i+1:]...)
				break
			}
		}
	}
	if len(c.Lines) == 0 {
		delete(s.carts, read.UserID)
		return nil
	}
	s.carts[read.UserID] = c
	return nil
}

// ---- orders.RecipientDirectory ----

func (s *Store) LookupRecipient(ctx context.Context, userID string) (orders.Recipient, error) {
	defer s.lock(ctx)()
	r, ok := s.recipients[userID]
	if !ok {
		return orders.Recipient{}, fmt.Errorf("recipient %s: %w", userID, orders.ErrNotFound)
	}
	return r, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, order_number, user_id, total_amount, status,
	ship_full_name, ship_street, ship_city, ship_state, ship_postal_code, ship_country, ship_phone,
	payment_method, expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	a := &o.ShippingAddress
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.TotalAmount, &o.Status,
		&a.FullName, &a.Street, &a.City, &a.State, &a.PostalCode, &a.Country, &a.Phone,
		&o.PaymentMethod, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Store) NextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	var n int64
	if err := s.queryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return fmt.Sprintf("ORD-%s-%06d", now.UTC().Format("20060102"), n), nil
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	const stmt = `
INSERT INTO orders (` + orderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	a := o.ShippingAddress
	_, err := s.exec(ctx, stmt,
		o.ID, o.OrderNumber, o.UserID, o.TotalAmount, o.Status,
		a.FullName, a.Street, a.City, a.State, a.PostalCode, a.Country, a.Phone,
		o.PaymentMethod, o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert order %s: duplicate %s", o.ID, constraintName(err))
		}
		return fmt.Errorf("insert order: %w", err)
	}

	const itemStmt = `
INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, price_at_purchase, subtotal, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i, it := range o.Items {
		if _, err := s.exec(ctx, itemStmt,
			o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.PriceAtPurchase, it.Subtotal, it.SettledAt,
		); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return s.getOrder(ctx, id, `SELECT `+orderColumns+` FROM orders WHERE id = $1`)
}

// GetOrderForUpdate holds the row lock until the surrounding transaction
// ends. Outside a transaction the lock is released immediately.
func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return s.getOrder(ctx, id, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`)
}

func (s *Store) getOrder(ctx context.Context, id, query string) (orders.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
		}
		return orders.Order{}, fmt.Errorf("get order: %w", err)
	}
	list := []orders.Order{o}
	if err := s.loadItems(ctx, list); err != nil {
		return orders.Order{}, err
	}
	return list[0], nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]orders.Order, error) {
	return s.listOrders(ctx, `
SELECT `+orderColumns+` FROM orders
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limitOrAll(limit))
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Order, error) {
	return s.listOrders(ctx, `
SELECT `+orderColumns+` FROM orders
WHERE status = 'PENDING_PAYMENT' AND expires_at < $1
ORDER BY expires_at
LIMIT $2`, now, limitOrAll(limit))
}

func (s *Store) ListUnsettled(ctx context.Context, changedBefore time.Time, limit int) ([]orders.Order, error) {
	return s.listOrders(ctx, `
SELECT `+orderColumns+` FROM orders o
WHERE o.status <> 'PENDING_PAYMENT'
  AND o.updated_at < $1
  AND EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.settled_at IS NULL)
ORDER BY o.updated_at
LIMIT $2`, changedBefore, limitOrAll(limit))
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	tag, err := s.exec(ctx, `UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		if isInvalidUUID(err) {
			return fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
		}
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current orders.Status
	if err := s.queryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
		}
		return fmt.Errorf("read order status: %w", err)
	}
	return fmt.Errorf("order %s is %s, expected %s: %w", id, current, from, orders.ErrStatusConflict)
}

func (s *Store) ClaimLine(ctx context.Context, orderID, productID string, at time.Time) (bool, error) {
	tag, err := s.exec(ctx, `
UPDATE order_items SET settled_at = $3
WHERE order_id = $1 AND product_id = $2 AND settled_at IS NULL`, orderID, productID, at)
	if err != nil {
		return false, fmt.Errorf("claim order line: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_items WHERE order_id = $1 AND product_id = $2)`,
		orderID, productID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order line: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("order %s has no line for %s: %w", orderID, productID, orders.ErrNotFound)
	}
	return false, nil
}

func (s *Store) listOrders(ctx context.Context, query string, args ...any) ([]orders.Order, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if err := s.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadItems fills Items for every order in one round trip.
func (s *Store) loadItems(ctx context.Context, list []orders.Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, o := range list {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := s.query(ctx, `
SELECT order_id, product_id, product_name, quantity, price_at_purchase, subtotal, settled_at
FROM order_items
WHERE order_id = ANY($1::text[]::uuid[])
ORDER BY order_id, line_no`, ids)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var it orders.OrderItem
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Quantity,
			&it.PriceAtPurchase, &it.Subtotal, &it.SettledAt); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		i := index[orderID]
		list[i].Items = append(list[i].Items, it)
	}
	return rows.Err()
}

// limitOrAll maps "no limit" onto SQL's LIMIT ALL, which NULL means.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

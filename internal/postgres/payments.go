package postgres

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const successPerOrderIndex = "payments_one_success_per_order"

func (s *Store) InsertPayment(ctx context.Context, p orders.Payment) error {
	const stmt = `
INSERT INTO payments (id, order_id, transaction_id, amount, method, status, failure_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`

	_, err := s.exec(ctx, stmt,
		p.ID, p.OrderID, p.TransactionID, p.Amount, p.Method, p.Status, p.FailureReason, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && constraintName(err) == successPerOrderIndex {
			return fmt.Errorf("order %s already has a successful payment: %w", p.OrderID, orders.ErrStatusConflict)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("insert payment: transaction %s already recorded", p.TransactionID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]orders.Payment, error) {
	rows, err := s.query(ctx, `
SELECT id, order_id, transaction_id, amount, method, status, COALESCE(failure_reason, ''), created_at
FROM payments
WHERE order_id = $1
ORDER BY created_at, id`, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []orders.Payment
	for rows.Next() {
		var p orders.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.TransactionID, &p.Amount, &p.Method, &p.Status,
			&p.FailureReason, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) HasSuccessfulPayment(ctx context.Context, orderID string) (bool, error) {
	var ok bool
	err := s.queryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'SUCCESS')`, orderID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check successful payment: %w", err)
	}
	return ok, nil
}

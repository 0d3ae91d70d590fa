package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetCart(ctx context.Context, userID string) (orders.Cart, error) {
	rows, err := s.query(ctx, `
SELECT product_id, quantity FROM cart_items
WHERE user_id = $1
ORDER BY added_at, product_id`, userID)
	if err != nil {
		return orders.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	defer rows.Close()

	cart := orders.Cart{UserID: userID}
	for rows.Next() {
		var l orders.CartLine
		if err := rows.Scan(&l.ProductID, &l.Quantity); err != nil {
			return orders.Cart{}, fmt.Errorf("scan cart line: %w", err)
		}
		cart.Lines = append(cart.Lines, l)
	}
	return cart, rows.Err()
}

func (s *Store) ClearCart(ctx context.Context, read orders.Cart) error {
	for _, l := range read.Lines {
		if _, err := s.exec(ctx, `
DELETE FROM cart_items
WHERE user_id = $1 AND product_id = $2 AND quantity = $3`, read.UserID, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("clear cart line %s: %w", l.ProductID, err)
		}
	}
	return nil
}

func (s *Store) LookupRecipient(ctx context.Context, userID string) (orders.Recipient, error) {
	r := orders.Recipient{UserID: userID}
	err := s.queryRow(ctx, `SELECT email, name FROM users WHERE id = $1`, userID).Scan(&r.Email, &r.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Recipient{}, fmt.Errorf("recipient %s: %w", userID, orders.ErrNotFound)
		}
		return orders.Recipient{}, fmt.Errorf("lookup recipient: %w", err)
	}
	return r, nil
}

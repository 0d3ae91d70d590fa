package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/jackc/pgx/v5"
)

const productColumns = `id, sku, name, price, stock, reserved_stock, is_active, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.ReservedStock, &p.IsActive, &p.UpdatedAt)
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(s.queryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
		}
		return orders.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// The three ledger updates below carry their guard in the WHERE clause, so a
// concurrent writer can never push a row past the table's CHECK constraints.

func (s *Store) TryReserve(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.tryLedger(ctx, "reserve", `
UPDATE products
SET reserved_stock = reserved_stock + $2, updated_at = $3
WHERE id = $1 AND is_active AND stock - reserved_stock >= $2`, id, qty, at)
}

func (s *Store) TryCommit(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.tryLedger(ctx, "commit", `
UPDATE products
SET stock = stock - $2, reserved_stock = reserved_stock - $2, updated_at = $3
WHERE id = $1 AND reserved_stock >= $2 AND stock >= $2`, id, qty, at)
}

func (s *Store) TryRelease(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.tryLedger(ctx, "release", `
UPDATE products
SET reserved_stock = reserved_stock - $2, updated_at = $3
WHERE id = $1 AND reserved_stock >= $2`, id, qty, at)
}

func (s *Store) tryLedger(ctx context.Context, op, stmt, id string, qty int, at time.Time) (bool, error) {
	tag, err := s.exec(ctx, stmt, id, qty, at)
	if err != nil {
		return false, fmt.Errorf("%s stock: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

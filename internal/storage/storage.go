// Package storage picks the backend named by STORAGE_DRIVER and hands back
// one value that satisfies every repository port.
package storage

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-pipeline/internal/config"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/memory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/postgres"
	"github.com/ariefcatur/go-order-pipeline/internal/postgres/migrations"
	"github.com/ariefcatur/go-order-pipeline/internal/sweeper"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Store interface {
	txn.Transactor
	inventory.Store
	inventory.LineClaimer
	orders.Repository
	orders.PaymentRepository
	orders.CartProvider
	orders.RecipientDirectory
}

type Backend struct {
	Store Store
	// Pool is nil for the memory driver.
	Pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	switch cfg.Storage {
	case "memory":
		s := memory.New()
		memory.SeedDemo(s)
		logger.Warn("using in-memory storage; state is lost on exit")
		return &Backend{Store: s}, nil
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Apply(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		return &Backend{Store: postgres.NewStore(pool), Pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage)
}

// Locker returns a database-backed sweeper lock, or nil when the backend is
// process-local and needs none.
func (b *Backend) Locker(key int64) sweeper.Locker {
	if b.Pool == nil {
		return nil
	}
	return postgres.NewAdvisoryLock(b.Pool, key)
}

func (b *Backend) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
}

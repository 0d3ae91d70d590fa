package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultUnlockTimeout = 5 * time.Second

// AdvisoryLock is a session-level pg_try_advisory_lock held on a dedicated
// connection. It lets several workers share one database without a Redis.
type AdvisoryLock struct {
	pool          *pgxpool.Pool
	key           int64
	unlockTimeout time.Duration
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key, unlockTimeout: defaultUnlockTimeout}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			// The session still holds the lock. Ending it is the only way out.
			_ = conn.Hijack().Close(context.Background())
			return
		}
		conn.Release()
	}, true, nil
}

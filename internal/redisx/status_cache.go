package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type StatusEntry struct {
	OrderID   string        `json:"order_id"`
	UserID    string        `json:"user_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache is a read-through cache of order status. It implements
// orders.Observer by dropping the entry of any changed order.
type StatusCache struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewStatusCache(rdb redis.Cmdable, logger *zap.Logger) *StatusCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache, logger: logger.Named("status_cache")}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	s, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusEntry{}, false, nil
	}
	if err != nil {
		return StatusEntry{}, false, err
	}
	var e StatusEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return StatusEntry{}, false, nil
	}
	return e, true, nil
}

func (c *StatusCache) Set(ctx context.Context, e StatusEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, e.OrderID), b, c.ttl).Err()
}

func (c *StatusCache) OrderChanged(ctx context.Context, _ string, o orders.Order) {
	if err := c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, o.ID)).Err(); err != nil {
		c.logger.Warn("status cache invalidate failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

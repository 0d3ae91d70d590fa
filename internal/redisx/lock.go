package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock is a single-holder lease. The TTL bounds how long a crashed holder
// blocks the others.
type Lock struct {
	rdb    redis.Cmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewLock(rdb redis.Cmdable, name string, ttl time.Duration, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{
		rdb:    rdb,
		key:    fmt.Sprintf(KeyLock, name),
		ttl:    ttl,
		logger: logger.Named("lock"),
	}
}

func (l *Lock) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", l.key), zap.Error(err))
		}
	}, true, nil
}

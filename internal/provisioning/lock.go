package provisioning

import (
	"context"
	"time"

	"quran-academy/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Locker serializes provisioning per class.
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker is a cap-1 concurrency slot per key. The TTL bounds how long a crashed request
// can block the class.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, key, 1, l.ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, key)
}

func lockKey(classID string) string {
	return "lock:provision:class:" + classID
}

package classes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ListCache is a read-through Redis cache of a student's class list, backing the student
// dashboard. Call transitions invalidate it so the list reflects the new status.
type ListCache struct {
	rdb   *redis.Client
	store Store
	ttl   time.Duration
	limit int
}

func NewListCache(rdb *redis.Client, store Store, ttl time.Duration) *ListCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ListCache{rdb: rdb, store: store, ttl: ttl, limit: 50}
}

func studentListKey(studentID string) string {
	return fmt.Sprintf("classes:student:%s:list", studentID)
}

func (c *ListCache) ListForStudent(ctx context.Context, studentID string) ([]ClassSession, error) {
	if studentID == "" {
		return nil, ErrInvalidRequest
	}
	key := studentListKey(studentID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var out []ClassSession
		if jerr := json.Unmarshal(raw, &out); jerr == nil {
			return out, nil
		}
		// corrupt entry: fall through and overwrite
	case !errors.Is(err, redis.Nil):
		// cache is best-effort; read from the store
	}

	out, err := c.store.ListForStudent(ctx, studentID, c.limit)
	if err != nil {
		return nil, err
	}
	if b, jerr := json.Marshal(out); jerr == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	return out, nil
}

func (c *ListCache) InvalidateStudent(ctx context.Context, studentID string) error {
	if studentID == "" {
		return ErrInvalidRequest
	}
	return c.rdb.Del(ctx, studentListKey(studentID)).Err()
}

package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupCache is a short-lived replay guard for store webhooks. Both stores
// redeliver notifications aggressively; the cache absorbs the bursts so the
// journal only sees each delivery once per TTL window.
type DedupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDedupCache constructs a DedupCache. A non-positive TTL falls back to
// one hour.
func NewDedupCache(rdb *redis.Client, ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupCache{rdb: rdb, ttl: ttl}
}

func dedupKey(source, id string) string {
	return fmt.Sprintf("webhook:%s:%s", strings.ToLower(source), id)
}

// Seen marks the delivery id and reports whether it was already marked.
// SetNX makes check-and-mark one round trip, so concurrent deliveries of the
// same id cannot both pass.
func (c *DedupCache) Seen(ctx context.Context, source, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	ok, err := c.rdb.SetNX(ctx, dedupKey(source, id), 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget drops the mark, letting the next delivery through. Used when
// processing failed and the store should retry.
func (c *DedupCache) Forget(ctx context.Context, source, id string) error {
	return c.rdb.Del(ctx, dedupKey(source, id)).Err()
}

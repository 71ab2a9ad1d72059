package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

const dedupPrefix = "chatquota:webhook:"

// Deduper remembers webhook deliveries that were already claimed. An
// in-process LRU answers repeats cheaply; Redis, when configured, shares
// the claims across instances.
type Deduper struct {
	redis *redis.Client
	seen  *lru.Cache[string, struct{}]
	ttl   time.Duration
}

// NewDeduper creates a deduper. redisClient may be nil.
func NewDeduper(redisClient *redis.Client, size int, ttl time.Duration) (*Deduper, error) {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Deduper{redis: redisClient, seen: cache, ttl: ttl}, nil
}

// Claim records key and reports whether this caller is the first to see it.
// Redis failures degrade to the in-process cache.
func (d *Deduper) Claim(ctx context.Context, key string) bool {
	if found, _ := d.seen.ContainsOrAdd(key, struct{}{}); found {
		return false
	}
	if d.redis == nil {
		return true
	}

	ok, err := d.redis.SetNX(ctx, dedupPrefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("webhook dedup unavailable, using local cache only")
		return true
	}
	return ok
}

// Release forgets key so a failed delivery can be retried by the provider
func (d *Deduper) Release(ctx context.Context, key string) {
	d.seen.Remove(key)
	if d.redis == nil {
		return
	}
	if err := d.redis.Del(ctx, dedupPrefix+key).Err(); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to release webhook dedup key")
	}
}

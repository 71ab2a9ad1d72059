package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/chatquota/pkg/httputil"
	"github.com/platinummonkey/chatquota/pkg/observability"
)

// DistributedRateLimiter implements a fixed window counter in Redis so limits
// are shared across instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "chatquota:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// NewLimiter returns a Redis limiter when a client is configured and an
// in-memory one otherwise
func NewLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) Limiter {
	if redisClient == nil {
		return NewRateLimiter(config)
	}
	return NewDistributedRateLimiter(redisClient, config, prefix)
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Take implements Limiter. The window starts with the first request, so the
// expiry is only set when the counter is new or lost its TTL.
func (rl *DistributedRateLimiter) Take(ctx context.Context, key string) (Result, error) {
	redisKey := rl.key(key)
	res := Result{Limit: rl.config.RequestsPerWindow, ResetAfter: rl.config.WindowDuration}

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		res.Allowed = true
		return res, fmt.Errorf("redis error: %w", err)
	}

	if ttl.Val() < 0 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			res.Allowed = true
			return res, fmt.Errorf("redis error: %w", err)
		}
	} else {
		res.ResetAfter = ttl.Val()
	}

	count := incr.Val()
	res.Allowed = count <= int64(rl.config.RequestsPerWindow)
	res.Remaining = rl.config.RequestsPerWindow - int(count)
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res, nil
}

// Reset clears the counter for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// KeyFunc derives the rate limit key for a request
type KeyFunc func(r *http.Request) string

// ByClientIP keys requests on the caller's address
func ByClientIP(r *http.Request) string {
	return "ip:" + httputil.ClientIP(r)
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// errors are logged and the request is allowed through.
func RateLimit(limiter Limiter, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := keyFn(r)

			res, err := limiter.Take(ctx, key)
			if err != nil {
				observability.FromContext(ctx).WithError(err).WithField("key", key).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w.Header(), res)
			if !res.Allowed {
				retryAfter := int(math.Ceil(res.ResetAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}


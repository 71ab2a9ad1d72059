package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Take(t *testing.T) {
	mr, client := newRedis(t)
	limiter := NewDistributedRateLimiter(client, CheckoutRateLimitConfig(2), "test")
	ctx := context.Background()

	first, err := limiter.Take(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := limiter.Take(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := limiter.Take(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)

	assert.Equal(t, time.Minute, mr.TTL("test:ip:1.1.1.1"))

	mr.FastForward(time.Minute + time.Second)
	after, err := limiter.Take(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, after.Allowed, "window expires")
}

func TestDistributedRateLimiter_WindowIsNotExtended(t *testing.T) {
	mr, client := newRedis(t)
	limiter := NewDistributedRateLimiter(client, CheckoutRateLimitConfig(5), "test")
	ctx := context.Background()

	_, err := limiter.Take(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(30 * time.Second)
	_, err = limiter.Take(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	_, client := newRedis(t)
	limiter := NewDistributedRateLimiter(client, CheckoutRateLimitConfig(1), "test")
	ctx := context.Background()

	_, _ = limiter.Take(ctx, "k")
	res, _ := limiter.Take(ctx, "k")
	require.False(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	res, err := limiter.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr, client := newRedis(t)
	limiter := NewDistributedRateLimiter(client, CheckoutRateLimitConfig(1), "test")
	mr.Close()

	res, err := limiter.Take(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimit_SharedAcrossInstances(t *testing.T) {
	_, client := newRedis(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	a := RateLimit(NewLimiter(client, CheckoutRateLimitConfig(1), "checkout"), ByClientIP)(ok)
	b := RateLimit(NewLimiter(client, CheckoutRateLimitConfig(1), "checkout"), ByClientIP)(ok)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/billing/checkout", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		return r
	}

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, req())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

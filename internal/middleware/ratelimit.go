package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KeyFunc derives the rate limit bucket for a request.
type KeyFunc func(c *gin.Context) string

// ByUser buckets authenticated callers by user id and everyone else by IP.
func ByUser(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return "user:" + strconv.Itoa(claims.UserID)
	}
	return "ip:" + c.ClientIP()
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// failures let the request through.
func RateLimit(l Limiter, key KeyFunc, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			log.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !ok {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// ─── In-memory token bucket ────────────────────────────────────────────

// RateLimiter implements a simple in-process token bucket per key.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	now      func() time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		now:      time.Now,
	}

	// Cleanup stale visitors every minute.
	go func() {
		for range time.Tick(time.Minute) {
			rl.cleanup()
		}
	}()

	return rl
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens = min(v.tokens+refill, rl.rate)
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false, nil
	}
	v.tokens--
	return true, nil
}

// Middleware returns a Gin middleware that rate-limits requests per caller.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return RateLimit(rl, ByUser, zerolog.Nop())
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*rl.interval {
			delete(rl.visitors, key)
		}
	}
}

// ─── Redis fixed window ────────────────────────────────────────────────

// RedisLimiter counts requests per key in fixed windows shared by every
// server instance.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	bucket func(key string) string
}

// NewRedisLimiter allows limit requests per window. bucket maps a limiter key
// to its Redis key.
func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration, bucket func(key string) string) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: int64(limit), window: window, bucket: bucket}
}

// Allow increments the current window for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rk := l.bucket(key)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.ExpireNX(ctx, rk, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", rk, err)
	}
	return incr.Val() <= l.limit, nil
}

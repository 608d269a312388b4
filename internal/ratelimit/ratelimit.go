// Package ratelimit provides Redis-based rate limiting for websocket
// connection attempts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrRateLimited is returned when a rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter counts connection attempts per client IP in fixed windows.
type Limiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	log    *logrus.Entry
}

// NewLimiter creates a rate limiter allowing limit connections per IP
// per window. A nil client or non-positive limit disables limiting.
func NewLimiter(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		redis:  rdb,
		limit:  limit,
		window: window,
		log:    logrus.WithField("component", "ratelimit"),
	}
}

// CheckConnection checks the per-IP connection limit. Returns nil if
// allowed, ErrRateLimited if exceeded. If Redis is unavailable the
// request is allowed (fail-open for availability).
func (l *Limiter) CheckConnection(ctx context.Context, ip string) error {
	if l == nil || l.redis == nil || l.limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("ratelimit:ws:%s:%d", ip, time.Now().Unix()/int64(l.window.Seconds()))

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.log.WithError(err).Warn("rate limit check failed, allowing")
		return nil
	}
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}
	if count > int64(l.limit) {
		return ErrRateLimited
	}
	return nil
}

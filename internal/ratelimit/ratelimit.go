// Package ratelimit guards the host bootstrap-registration endpoint against
// credential-guessing, the same way the teacher's auth package rate-limits
// login attempts: a Redis counter keyed by source IP.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter limits host-registration attempts per source IP. A nil *redis.Client
// makes every check permissive, so Redis stays optional in development.
type Limiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// New builds a Limiter. rdb may be nil.
func New(rdb *redis.Client, maxAttempt int, window time.Duration) *Limiter {
	return &Limiter{redis: rdb, maxAttempt: maxAttempt, window: window}
}

// Result is the outcome of a Check.
type Result struct {
	Allowed bool
	RetryAt time.Time
}

func keyFor(ip string) string {
	return fmt.Sprintf("host_register_ratelimit:%s", ip)
}

// Check reports whether ip may attempt another registration. A nil Limiter
// (or one built with a nil redis client) always allows.
func (l *Limiter) Check(ctx context.Context, ip string) (Result, error) {
	if l == nil || l.redis == nil {
		return Result{Allowed: true}, nil
	}

	key := keyFor(ip)
	count, err := l.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("checking registration rate limit: %w", err)
	}
	if count < l.maxAttempt {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("reading registration rate limit ttl: %w", err)
	}
	return Result{Allowed: false, RetryAt: time.Now().Add(ttl)}, nil
}

// Record counts one more attempt for ip, resetting the window's expiry.
func (l *Limiter) Record(ctx context.Context, ip string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	key := keyFor(ip)
	pipe := l.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording registration attempt: %w", err)
	}
	return nil
}

// Reset clears the counter for ip, e.g. after a successful registration.
func (l *Limiter) Reset(ctx context.Context, ip string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, keyFor(ip)).Err()
}

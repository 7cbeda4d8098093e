package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the fixed-window tuning parameters.
type Config struct {
	Window      time.Duration
	MaxAttempts int
}

// Decision is the outcome of an admission check. When Allowed is false,
// RetryAfter is the time until the current window expires.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a fixed-window attempt counter backed by Redis. The window key
// carries a TTL set on its first hit, so eviction of idle windows is handled
// by Redis expiry rather than an in-process sweeper.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a Limiter. prefix namespaces the counter keys.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) key(id string) string {
	return l.prefix + ":" + id
}

// Admit counts an attempt against the window for key and reports whether the
// caller is still within budget. Counting is a plain increment: approximate
// under races, which is acceptable for abuse throttling.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	k := l.key(key)

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// First hit in the window starts its TTL.
	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.config.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	if count > int64(l.config.MaxAttempts) {
		ttl, err := l.redis.PTTL(ctx, k).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if ttl <= 0 {
			ttl = l.config.Window
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	remaining := l.config.MaxAttempts - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// ResetOnSuccess clears the window for key so a correct password or code does
// not keep counting toward the limit.
func (l *Limiter) ResetOnSuccess(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Attempts returns the current counter for key. Missing keys return zero.
func (l *Limiter) Attempts(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

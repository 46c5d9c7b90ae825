package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter bounds how often a developer may submit
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisRateLimiter is a fixed window counter shared across host instances
type RedisRateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRateLimiter allows limit submissions per key within window
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	if prefix == "" {
		prefix = "ratelimit:submission"
	}
	return &RedisRateLimiter{
		redis:  client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// Allow counts one submission for key. On a Redis error it fails open and
// returns the error for logging.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.limit), nil
}

// Remaining returns the submissions left in the current window
func (rl *RedisRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Int()
	if err == redis.Nil {
		return rl.limit, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the counter for key
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}

// internal/ratelimit/redis.go
// Redis-backed sliding-window limiter. Request timestamps live in a sorted
// set per (category, identity); scores are unix milliseconds, so trimming
// the window and counting the remainder are both single commands.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisLimiter implements Limiter on a Redis client.
type redisLimiter struct {
	client *redis.Client
	window time.Duration
}

// NewRedis creates a Redis-backed sliding-window limiter from a redis:// URL.
// The connection is verified before the limiter is returned.
func NewRedis(url string, window time.Duration) (Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &redisLimiter{client: client, window: window}, nil
}

func rateKey(category, identity string) string {
	return fmt.Sprintf("rate:%s:%s", category, identity)
}

func (r *redisLimiter) Allow(ctx context.Context, identity, category string, limit int) *Decision {
	key := rateKey(category, identity)
	now := time.Now()
	cutoff := now.Add(-r.window).UnixMilli()

	// Trim the window and count survivors in one round trip
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter store unavailable, allowing request",
			slog.String("identity", identity),
			slog.String("category", category),
			slog.String("error", err.Error()))
		return &Decision{Allowed: true, FailedOpen: true}
	}

	count := int(countCmd.Val())
	if count >= limit {
		retryAfter := r.window

		// Oldest surviving hit decides when budget frees up
		oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			freesAt := time.UnixMilli(int64(oldest[0].Score)).Add(r.window)
			retryAfter = time.Until(freesAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}

		return &Decision{Allowed: false, RetryAfter: retryAfter}
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter store unavailable, allowing request",
			slog.String("identity", identity),
			slog.String("category", category),
			slog.String("error", err.Error()))
		return &Decision{Allowed: true, FailedOpen: true}
	}

	return &Decision{Allowed: true, Remaining: limit - count - 1}
}

func (r *redisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisLimiter) Close() error {
	return r.client.Close()
}

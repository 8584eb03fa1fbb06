// internal/chunktrack/redis.go
// Redis-backed chunk tracker. Presence lives in per-chunk string keys so a
// whole session can be inspected with one MGET, and the distinct-chunk
// counter is maintained server-side in the same script that sets the flag.
package chunktrack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// markScript sets the presence flag and bumps the right counter in one
// atomic step. Returns 1 when the chunk was new, 0 on a duplicate, and -1
// when the session's tracking state is gone. Every call refreshes the
// session TTL, so activity keeps the bookkeeping alive.
var markScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 0 then
		return -1
	end
	local set = redis.call('SETNX', KEYS[1], '1')
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
	if set == 1 then
		redis.call('INCR', KEYS[2])
	else
		redis.call('INCR', KEYS[3])
		redis.call('PEXPIRE', KEYS[3], ARGV[1])
	end
	return set
`)

// redisTracker implements Tracker on a Redis client.
type redisTracker struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed chunk tracker from a redis:// URL.
// The connection is verified before the tracker is returned.
func NewRedis(url string) (Tracker, error) {
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

	return &redisTracker{client: client}, nil
}

// Key layout mirrors one key per chunk plus two per-session counters.
func chunkKey(sessionID string, n int) string { return fmt.Sprintf("chunk:%s:%d", sessionID, n) }
func metaKey(sessionID string, n int) string  { return fmt.Sprintf("chunkmeta:%s:%d", sessionID, n) }
func countKey(sessionID string) string        { return fmt.Sprintf("chunkcount:%s", sessionID) }
func retryKey(sessionID string) string        { return fmt.Sprintf("chunkretry:%s", sessionID) }

func (r *redisTracker) CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	// SetNX keeps re-init of an existing session from resetting its counter
	if err := r.client.SetNX(ctx, countKey(sessionID), 0, ttl).Err(); err != nil {
		return fmt.Errorf("failed to create session tracking: %w", err)
	}
	return nil
}

func (r *redisTracker) MarkUploaded(ctx context.Context, sessionID string, chunkNumber int, meta ChunkMeta, ttl time.Duration) (bool, error) {
	keys := []string{chunkKey(sessionID, chunkNumber), countKey(sessionID), retryKey(sessionID)}

	res, err := markScript.Run(ctx, r.client, keys, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mark chunk: %w", err)
	}
	if res == -1 {
		return false, ErrSessionNotFound
	}

	wasNew := res == 1
	if wasNew {
		// Metadata is advisory; losing it never affects progress accounting
		pipe := r.client.Pipeline()
		pipe.HSet(ctx, metaKey(sessionID, chunkNumber),
			"size", meta.Size, "md5", meta.MD5, "uploaded_at", meta.UploadedAt.UnixMilli())
		pipe.Expire(ctx, metaKey(sessionID, chunkNumber), ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return wasNew, nil
		}
	}

	return wasNew, nil
}

func (r *redisTracker) IsUploaded(ctx context.Context, sessionID string, chunkNumber int) (bool, error) {
	n, err := r.client.Exists(ctx, chunkKey(sessionID, chunkNumber)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check chunk presence: %w", err)
	}
	return n > 0, nil
}

func (r *redisTracker) UploadedCount(ctx context.Context, sessionID string) (int, error) {
	count, err := r.client.Get(ctx, countKey(sessionID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read chunk count: %w", err)
	}
	return count, nil
}

func (r *redisTracker) Progress(ctx context.Context, sessionID string, totalChunks int) (*Progress, error) {
	keys := make([]string, totalChunks)
	for n := 1; n <= totalChunks; n++ {
		keys[n-1] = chunkKey(sessionID, n)
	}

	// One round trip for the whole presence set
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk presence: %w", err)
	}

	progress := &Progress{
		TotalChunks: totalChunks,
		Uploaded:    make([]int, 0, totalChunks),
		Missing:     make([]int, 0),
	}

	for i, v := range values {
		if v != nil {
			progress.Uploaded = append(progress.Uploaded, i+1)
		} else {
			progress.Missing = append(progress.Missing, i+1)
		}
	}
	progress.UploadedCount = len(progress.Uploaded)

	return progress, nil
}

func (r *redisTracker) RetryCount(ctx context.Context, sessionID string) (int, error) {
	count, err := r.client.Get(ctx, retryKey(sessionID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

func (r *redisTracker) Clear(ctx context.Context, sessionID string) error {
	patterns := []string{
		fmt.Sprintf("chunk:%s:*", sessionID),
		fmt.Sprintf("chunkmeta:%s:*", sessionID),
	}

	keys := []string{countKey(sessionID), retryKey(sessionID)}
	for _, pattern := range patterns {
		iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan session keys: %w", err)
		}
	}

	// Delete in batches to keep individual commands bounded
	for len(keys) > 0 {
		batch := keys
		if len(batch) > 500 {
			batch = keys[:500]
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete session keys: %w", err)
		}
		keys = keys[len(batch):]
	}

	return nil
}

func (r *redisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisTracker) Close() error {
	return r.client.Close()
}

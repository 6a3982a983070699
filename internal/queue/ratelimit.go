package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps chat sends per client per hour window.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, clientID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("omnichat:ratelimit:%s:%s", clientID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// RefreshMarker coalesces refresh requests: only the first request for a
// config within the TTL actually enqueues a job.
type RefreshMarker struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRefreshMarker(rdb *redis.Client, ttl time.Duration) *RefreshMarker {
	return &RefreshMarker{redis: rdb, ttl: ttl}
}

func (m *RefreshMarker) MarkFirst(ctx context.Context, configID string) (bool, error) {
	key := fmt.Sprintf("omnichat:refresh:%s", configID)
	ok, err := m.redis.SetNX(ctx, key, "1", m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refresh marker setnx: %w", err)
	}
	return ok, nil
}

// Clear removes the marker so the next refresh request enqueues again.
func (m *RefreshMarker) Clear(ctx context.Context, configID string) error {
	key := fmt.Sprintf("omnichat:refresh:%s", configID)
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("refresh marker del: %w", err)
	}
	return nil
}

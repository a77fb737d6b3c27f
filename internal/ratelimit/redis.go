package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/paygate/internal/idgen"
)

// RedisLimiter is a per-wallet sliding window kept in a Redis sorted set,
// so every gateway replica sees the same counts.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
}

var _ WalletLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter allows limit calls per wallet per window. limit <= 0
// disables limiting.
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "paygate:ratelimit:"}
}

func (r *RedisLimiter) key(wallet string) string {
	return r.prefix + wallet
}

// Allow records the attempt and reports whether it fits in the window.
// Rejected attempts are recorded too, so a caller hammering the gateway
// stays limited until it backs off.
func (r *RedisLimiter) Allow(ctx context.Context, wallet string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	key := r.key(wallet)
	now := time.Now()
	windowStart := now.Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: idgen.New(),
	})
	pipe.Expire(ctx, key, 2*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis window: %w", err)
	}

	if int(countCmd.Val()) >= r.limit {
		rejected.WithLabelValues("wallet").Inc()
		return false, nil
	}
	return true, nil
}

// Usage returns how many calls the wallet made in the current window.
func (r *RedisLimiter) Usage(ctx context.Context, wallet string) (int64, error) {
	key := r.key(wallet)
	windowStart := time.Now().Add(-r.window)
	if err := r.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("ratelimit: trim window: %w", err)
	}
	return r.client.ZCard(ctx, key).Result()
}

// Reset clears a wallet's window.
func (r *RedisLimiter) Reset(ctx context.Context, wallet string) error {
	return r.client.Del(ctx, r.key(wallet)).Err()
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared Store for multi-node deployments. Fixed-window
// counters use INCR with a window-length expiry; sliding windows use a
// sorted set scored by unix time, trimmed and counted in one pipeline.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the Redis instance.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// IncrWindow implements Store.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// Expiry is set only when the key is fresh so the window doesn't slide.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: incr window: %w", err)
	}
	return incr.Val(), nil
}

// SlidingCount implements Store.
func (s *RedisStore) SlidingCount(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: sliding count: %w", err)
	}
	return card.Val(), nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

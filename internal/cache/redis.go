// Package cache provides feed page caches backed by Redis or process memory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"example.com/cragfeed/internal/domain"
)

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("address", cfg.Address).Msg("connected to redis")
	return rdb, nil
}

// PageCache stores raw feed rows under a generation-scoped key. It implements
// domain.PageCache.
type PageCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPageCache builds a PageCache. Entries expire after ttl regardless of
// generation so abandoned generations do not accumulate.
func NewPageCache(client *redis.Client, prefix string, ttl time.Duration) *PageCache {
	if prefix == "" {
		prefix = "cragfeed:feed"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PageCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *PageCache) generationKey() string {
	return c.prefix + ":gen"
}

func (c *PageCache) pageKey(generation int64, key string) string {
	return c.prefix + ":page:" + strconv.FormatInt(generation, 10) + ":" + key
}

// Generation returns the current feed generation, zero when unset.
func (c *PageCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Load fetches cached rows for key at generation.
func (c *PageCache) Load(ctx context.Context, generation int64, key string) ([]domain.Activity, bool, error) {
	raw, err := c.client.Get(ctx, c.pageKey(generation, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rows []domain.Activity
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false, fmt.Errorf("decode cached page: %w", err)
	}
	return rows, true, nil
}

// Store caches rows for key at generation.
func (c *PageCache) Store(ctx context.Context, generation int64, key string, rows []domain.Activity) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.pageKey(generation, key), raw, c.ttl).Err()
}

// Invalidate bumps the generation so every cached page becomes unreachable.
func (c *PageCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.generationKey()).Err()
}

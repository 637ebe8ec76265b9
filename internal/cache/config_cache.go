// Package cache is a Redis-backed cache for restaurant payment configs.
// Configs are read on every authorization attempt and change rarely; the
// short TTL is the invalidation strategy.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tably/payments/internal/readmodel"
)

// ConfigCache caches RestaurantConfig rows keyed by restaurant id.
type ConfigCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect dials Redis and verifies connectivity. Callers treat a connection
// error as "run without a cache".
func Connect(addr, password string, db int, ttl time.Duration) (*ConfigCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &ConfigCache{rdb: rdb, ttl: ttl}, nil
}

func (c *ConfigCache) Close() error {
	return c.rdb.Close()
}

func key(restaurantID string) string {
	return "payments:restaurant_config:" + restaurantID
}

// Get returns the cached config if present. Cache errors read as misses.
func (c *ConfigCache) Get(ctx context.Context, restaurantID string) (*readmodel.RestaurantConfig, bool) {
	raw, err := c.rdb.Get(ctx, key(restaurantID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("config cache read failed", "restaurant_id", restaurantID, "error", err)
		return nil, false
	}

	var cfg readmodel.RestaurantConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("config cache entry corrupt, dropping", "restaurant_id", restaurantID)
		c.rdb.Del(ctx, key(restaurantID))
		return nil, false
	}
	return &cfg, true
}

// Put stores the config under the cache TTL. Best effort.
func (c *ConfigCache) Put(ctx context.Context, cfg *readmodel.RestaurantConfig) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(cfg.RestaurantID), raw, c.ttl).Err(); err != nil {
		slog.Warn("config cache write failed", "restaurant_id", cfg.RestaurantID, "error", err)
	}
}

// Invalidate drops one restaurant's entry, used when configs mutate.
func (c *ConfigCache) Invalidate(ctx context.Context, restaurantID string) {
	c.rdb.Del(ctx, key(restaurantID))
}

// Package qcache memoizes execution results in Redis under the planner's
// cache key. The cache is strictly optional: every miss, marshal problem, or
// Redis outage reads as a miss and never surfaces as an error.
package qcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soulo/insight/internal/execute"
)

const defaultTTL = 5 * time.Minute

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps an existing Redis client. ttl <= 0 selects the default.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Connect dials Redis at addr. An empty addr returns a nil cache, which
// callers treat as cache-disabled.
func Connect(addr string, ttl time.Duration, logger *slog.Logger) *Cache {
	if addr == "" {
		return nil
	}
	return New(redis.NewClient(&redis.Options{Addr: addr}), ttl, logger)
}

// Get returns the cached result for key. Any failure is a miss. Numeric
// values in structured rows come back as float64 after the JSON round trip.
func (c *Cache) Get(ctx context.Context, key string) (execute.Result, bool) {
	if c == nil {
		return execute.Result{}, false
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache get failed", "key", key, "error", err)
		}
		return execute.Result{}, false
	}
	var res execute.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		c.logger.Debug("cache entry unreadable", "key", key, "error", err)
		return execute.Result{}, false
	}
	return res, true
}

// Set stores a result under key, best effort. Errored results are never
// cached.
func (c *Cache) Set(ctx context.Context, key string, res execute.Result) {
	if c == nil || res.ErrNote != "" {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

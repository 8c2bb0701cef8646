// Package cache holds tenant-scoped query results in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Invalidator drops every cached entry of a tenant.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Noop caches nothing.
type Noop struct{}

// Invalidate implements Invalidator.
func (Noop) Invalidate(context.Context, string) error { return nil }

// Recorder remembers invalidated tenants in order. Used by tests.
type Recorder struct {
	mu      sync.Mutex
	tenants []string
}

// Invalidate implements Invalidator.
func (r *Recorder) Invalidate(_ context.Context, tenantID string) error {
	r.mu.Lock()
	r.tenants = append(r.tenants, tenantID)
	r.mu.Unlock()
	return nil
}

// Tenants returns the invalidated tenants.
func (r *Recorder) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tenants...)
}

// Redis caches JSON values under a per-tenant generation. Invalidation bumps the generation,
// so stale entries become unreachable and expire on their own.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a redis-backed cache.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{rdb: rdb, prefix: "ledger", ttl: ttl}
}

func (c *Redis) generationKey(tenantID string) string {
	return fmt.Sprintf("%s:gen:%s", c.prefix, tenantID)
}

func (c *Redis) entryKey(ctx context.Context, tenantID, key string) (string, error) {
	gen, err := c.rdb.Get(ctx, c.generationKey(tenantID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("cache: read generation: %w", err)
	}
	return fmt.Sprintf("%s:%s:%d:%s", c.prefix, tenantID, gen, key), nil
}

// Get loads a cached value into dest and reports whether it was present.
func (c *Redis) Get(ctx context.Context, tenantID, key string, dest any) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, nil
	}
	k, err := c.entryKey(ctx, tenantID, key)
	if err != nil {
		return false, err
	}
	raw, err := c.rdb.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache: get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: decode: %w", err)
	}
	return true, nil
}

// Set stores a value for the tenant's current generation.
func (c *Redis) Set(ctx context.Context, tenantID, key string, value any) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	k, err := c.entryKey(ctx, tenantID, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := c.rdb.SetEx(ctx, k, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Invalidate implements Invalidator.
func (c *Redis) Invalidate(ctx context.Context, tenantID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Incr(ctx, c.generationKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", tenantID, err)
	}
	return nil
}

// HealthCheck verifies redis connectivity.
func (c *Redis) HealthCheck(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// ConfigCacheTTL is how long a resolved tenant configuration stays fresh.
const ConfigCacheTTL = time.Hour

// TenantConfig is the resolved per-region view of a tenant's grants.
type TenantConfig struct {
	TenantID string                            `json:"tenant_id"`
	Region   string                            `json:"region"`
	Services map[string]contracts.ServiceGrant `json:"services"`
	Mode     contracts.ExecutionMode           `json:"mode"`
}

// ConfigCache caches resolved tenant configuration keyed by tenant and
// region.
type ConfigCache interface {
	Get(ctx context.Context, tenantID, region string) (*TenantConfig, error)
	Set(ctx context.Context, cfg TenantConfig) error
	Invalidate(ctx context.Context, tenantID, region string) error
}

func cacheKey(tenantID, region string) string {
	return fmt.Sprintf("cw:config:%s:%s", tenantID, region)
}

// RedisConfigCache is the shared cache for multi-instance deployments.
type RedisConfigCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisConfigCache wraps a redis client.
func NewRedisConfigCache(client *redis.Client) *RedisConfigCache {
	return &RedisConfigCache{client: client, ttl: ConfigCacheTTL}
}

func (c *RedisConfigCache) Get(ctx context.Context, tenantID, region string) (*TenantConfig, error) {
	raw, err := c.client.Get(ctx, cacheKey(tenantID, region)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config cache: %w", err)
	}
	var cfg TenantConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding cached config: %w", err)
	}
	return &cfg, nil
}

func (c *RedisConfigCache) Set(ctx context.Context, cfg TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(cfg.TenantID, cfg.Region), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing config cache: %w", err)
	}
	return nil
}

func (c *RedisConfigCache) Invalidate(ctx context.Context, tenantID, region string) error {
	if err := c.client.Del(ctx, cacheKey(tenantID, region)).Err(); err != nil {
		return fmt.Errorf("invalidating config cache: %w", err)
	}
	return nil
}

// MemoryConfigCache is the single-instance fallback.
type MemoryConfigCache struct {
	mu      sync.RWMutex
	entries map[string]memoryConfigEntry
	ttl     time.Duration
	clock   func() time.Time
}

type memoryConfigEntry struct {
	cfg      TenantConfig
	storedAt time.Time
}

// NewMemoryConfigCache builds an empty in-memory cache.
func NewMemoryConfigCache() *MemoryConfigCache {
	return &MemoryConfigCache{
		entries: make(map[string]memoryConfigEntry),
		ttl:     ConfigCacheTTL,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryConfigCache) WithClock(clock func() time.Time) *MemoryConfigCache {
	c.clock = clock
	return c
}

func (c *MemoryConfigCache) Get(_ context.Context, tenantID, region string) (*TenantConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(tenantID, region)]
	if !ok || c.clock().Sub(entry.storedAt) > c.ttl {
		return nil, nil
	}
	cfg := entry.cfg
	return &cfg, nil
}

func (c *MemoryConfigCache) Set(_ context.Context, cfg TenantConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(cfg.TenantID, cfg.Region)] = memoryConfigEntry{
		cfg:      cfg,
		storedAt: c.clock(),
	}
	return nil
}

func (c *MemoryConfigCache) Invalidate(_ context.Context, tenantID, region string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(tenantID, region))
	return nil
}

package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"depositflow/internal/common/money"
)

// ErrCacheMiss is returned when no snapshot is cached
var ErrCacheMiss = errors.New("rate cache miss")

// Cache stores recent snapshots
type Cache interface {
	Get(ctx context.Context, asset, fiat money.Asset) (Snapshot, error)
	Set(ctx context.Context, snap Snapshot, ttl time.Duration) error
}

func cacheKey(asset, fiat money.Asset) string {
	return fmt.Sprintf("rate:%s:%s", asset, fiat)
}

// RedisCache keeps snapshots in Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed snapshot cache
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, asset, fiat money.Asset) (Snapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(asset, fiat)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrCacheMiss
		}
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (c *RedisCache) Set(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(snap.Asset, snap.Fiat), data, ttl).Err()
}

// MemoryCache is an in-process Cache used when Redis is not configured
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// NewMemoryCache creates an in-process snapshot cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, asset, fiat money.Asset) (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(asset, fiat)]
	if !ok || !c.now().Before(e.expiresAt) {
		return Snapshot{}, ErrCacheMiss
	}
	return e.snap, nil
}

func (c *MemoryCache) Set(_ context.Context, snap Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(snap.Asset, snap.Fiat)] = memoryEntry{snap: snap, expiresAt: c.now().Add(ttl)}
	return nil
}

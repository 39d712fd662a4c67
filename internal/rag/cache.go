package rag

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemCache is an in-process Cache used in tests and as a cold-start fallback.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	block   *ContextBlock
	expires time.Time
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]cacheEntry)}
}

func (c *MemCache) Get(_ context.Context, key string) (*ContextBlock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.block, true, nil
}

func (c *MemCache) Set(_ context.Context, key string, block *ContextBlock, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{block: block, expires: time.Now().Add(ttl)}
	return nil
}

// RedisCache stores serialized ContextBlocks with Redis's own TTL handling,
// the same way the teacher's dedupe store leans on Redis EXPIRE rather than
// a local sweep.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "rag:cache:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*ContextBlock, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var block ContextBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, false, err
	}
	return &block, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, block *ContextBlock, ttl time.Duration) error {
	raw, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

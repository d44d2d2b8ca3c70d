package platform

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mintwatch/mintwatch/internal/token"
)

// Cache memoizes detector verdicts per mint.
type Cache interface {
	Get(mint string) (token.Detection, bool)
	Set(mint string, det token.Detection, ttl time.Duration)
	Clear()
}

// memoryCache is a size- and age-bounded in-process cache.
type memoryCache struct {
	mu      sync.Mutex
	items   map[string]memoryEntry
	maxSize int
}

type memoryEntry struct {
	det token.Detection
	exp time.Time
}

// NewMemoryCache creates an in-process cache capped at maxSize entries.
func NewMemoryCache(maxSize int) Cache {
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &memoryCache{items: make(map[string]memoryEntry), maxSize: maxSize}
}

func (c *memoryCache) Get(mint string) (token.Detection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[mint]
	if !ok {
		return token.Detection{}, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(c.items, mint)
		return token.Detection{}, false
	}
	return e.det, true
}

func (c *memoryCache) Set(mint string, det token.Detection, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.maxSize {
		// Evict expired entries first, then arbitrary ones until under cap.
		now := time.Now()
		for k, e := range c.items {
			if !e.exp.IsZero() && now.After(e.exp) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) < c.maxSize {
				break
			}
			delete(c.items, k)
		}
	}
	e := memoryEntry{det: det}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.items[mint] = e
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]memoryEntry)
}

// redisCache stores verdicts in Redis so detections survive restarts and
// are shared across instances.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a Redis client as a detector cache.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client, prefix: "mintwatch:platform:"}
}

func (c *redisCache) Get(mint string) (token.Detection, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	b, err := c.client.Get(ctx, c.prefix+mint).Bytes()
	if err != nil {
		return token.Detection{}, false
	}
	var det token.Detection
	if err := json.Unmarshal(b, &det); err != nil {
		return token.Detection{}, false
	}
	return det, true
}

func (c *redisCache) Set(mint string, det token.Detection, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	b, err := json.Marshal(det)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+mint, b, ttl).Err()
}

func (c *redisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
}

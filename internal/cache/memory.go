package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ferrydb/ferry/internal/config"
)

// memoryCache implements Cache for single-process deployments
type memoryCache struct {
	store *gocache.Cache
}

// newMemoryCache creates an in-process cache instance
func newMemoryCache(cfg config.CacheConfig) *memoryCache {
	defaultTTL := cfg.TTL
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &memoryCache{
		store: gocache.New(defaultTTL, 10*time.Minute),
	}
}

func (c *memoryCache) SetEx(_ context.Context, key string, ttl time.Duration, value string) error {
	c.store.Set(key, value, ttl)
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("cache: non-string value under %s", key)
	}
	return s, nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

func (c *memoryCache) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.store.Get(key)
	return ok, nil
}

func (c *memoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	// Add only succeeds when the counter does not exist yet, which is what
	// pins the TTL to the first increment.
	if err := c.store.Add(key, int64(1), ttl); err == nil {
		return 1, nil
	}
	n, err := c.store.IncrementInt64(key, 1)
	if err != nil {
		// The entry expired between Add and Increment; restart the window.
		c.store.Set(key, int64(1), ttl)
		return 1, nil
	}
	return n, nil
}

func (c *memoryCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend": "memory",
		"items":   c.store.ItemCount(),
	}
}

func (c *memoryCache) Close() error {
	c.store.Flush()
	return nil
}

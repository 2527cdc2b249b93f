// Package cache provides the ephemeral keyed state behind migration
// checkpoints, pause flags and per-user rate limits. Entries always carry a
// TTL; the backend enforces expiry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferrydb/ferry/internal/config"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the ephemeral KV contract
type Cache interface {
	// SetEx stores value under key with the given TTL, replacing any
	// previous entry.
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. The TTL is applied when the counter is created, so the first
	// increment opens the window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Close() error
}

// StatsProvider is implemented by backends that can report usage counters.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// New creates a cache from configuration
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "redis":
		return newRedisCache(cfg)
	case "memory", "":
		return newMemoryCache(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

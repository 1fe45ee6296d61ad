// Package cache provides byte caches for query results and a daily flush schedule.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values with a per-entry TTL.
type Cache interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Flush drops every entry owned by this cache.
	Flush(ctx context.Context) error
	Close() error
}

// Package cache provides tenant-scoped caching for session and config
// lookups. Every key carries a tenant scope segment, so one tenant's
// entries are invisible to and independently invalidatable from another's.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on a cache miss.
var ErrNotFound = errors.New("cache entry not found")

// Cache is a byte-value cache with per-entry TTL. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get returns the value for a key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteScope removes every entry belonging to one tenant scope.
	DeleteScope(ctx context.Context, kind Kind, tenantScope string) error

	// Close releases cache resources.
	Close() error
}

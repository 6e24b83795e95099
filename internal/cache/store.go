package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Loader fetches the authoritative value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Store is the cache-aside layer over a Cache. Reads go through the cache;
// writes to the authoritative backend are followed by an explicit
// invalidation, so the next read repopulates from source.
type Store struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a cache-aside store with a default TTL for loaded
// entries.
func NewStore(c Cache, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cache: c, ttl: ttl, logger: logger}
}

// GetOrLoad returns the cached value or falls through to the loader and
// populates the cache. A broken cache degrades to loading from source every
// time; it never fails the read itself.
func (s *Store) GetOrLoad(ctx context.Context, kind Kind, tenantScope, resource string, load Loader) ([]byte, error) {
	key, err := BuildKey(kind, tenantScope, resource)
	if err != nil {
		return nil, err
	}

	value, err := s.cache.Get(ctx, key)
	if err == nil {
		recordLookup(kind, "hit")
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		recordLookup(kind, "error")
		s.logger.Warn("cache read failed, loading from source",
			zap.String("key", key),
			zap.Error(err),
		)
	} else {
		recordLookup(kind, "miss")
	}

	value, err = load(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.Warn("cache populate failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return value, nil
}

// Invalidate removes one entry. Called after every write to the entry's
// authoritative source.
func (s *Store) Invalidate(ctx context.Context, kind Kind, tenantScope, resource string) error {
	key, err := BuildKey(kind, tenantScope, resource)
	if err != nil {
		return err
	}
	recordInvalidation(kind)
	return s.cache.Delete(ctx, key)
}

// InvalidateScope removes all of one tenant's entries of a kind. Used when
// tenant-wide state changes, such as a config rollout or session revocation.
func (s *Store) InvalidateScope(ctx context.Context, kind Kind, tenantScope string) error {
	if tenantScope == "" {
		return ErrUnscopedKey
	}
	recordInvalidation(kind)
	return s.cache.DeleteScope(ctx, kind, tenantScope)
}

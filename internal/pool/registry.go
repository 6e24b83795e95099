package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avdatagw/internal/tier"
)

// ConfigFromTier maps a tier's limits onto pool sizing.
func ConfigFromTier(tc tier.Config) Config {
	return Config{
		MinSize:        tc.MinPool,
		MaxSize:        tc.MaxPool,
		AcquireTimeout: tc.AcquireTimeout,
		ConnectTimeout: tc.ConnectTimeout,
		IdleTimeout:    tc.IdleTimeout,
	}
}

// Registry owns the pools for all backend-tier pairs. Pools are created
// lazily on first acquire and started immediately.
type Registry struct {
	pools  sync.Map
	logger *zap.Logger
}

// NewRegistry creates a pool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Get returns the pool for a key, or nil if none exists.
func (r *Registry) Get(key Key) *Pool {
	value, ok := r.pools.Load(key)
	if !ok {
		return nil
	}
	return value.(*Pool)
}

// GetOrCreate returns the pool for a key, creating and starting it on first
// use. When two goroutines race, the loser's pool is closed before its
// sweeper ever starts.
func (r *Registry) GetOrCreate(ctx context.Context, key Key, config Config, factory Factory) *Pool {
	if value, ok := r.pools.Load(key); ok {
		return value.(*Pool)
	}

	p := New(key, config, factory, r.logger)
	actual, loaded := r.pools.LoadOrStore(key, p)
	if loaded {
		return actual.(*Pool)
	}

	p.Start(ctx)
	r.logger.Debug("connection pool created",
		zap.String("backend", key.BackendID),
		zap.String("tier", key.Tier),
		zap.Int("min", config.MinSize),
		zap.Int("max", config.MaxSize),
	)
	return p
}

// Remove closes and drops the pool for a key. Used when a backend is
// retired from the catalog.
func (r *Registry) Remove(key Key) {
	if value, ok := r.pools.LoadAndDelete(key); ok {
		value.(*Pool).Close()
	}
}

// RemoveBackend closes and drops every pool for a backend across all tiers.
func (r *Registry) RemoveBackend(backendID string) {
	r.pools.Range(func(key, value any) bool {
		if key.(Key).BackendID == backendID {
			r.pools.Delete(key)
			value.(*Pool).Close()
		}
		return true
	})
}

// Stats returns snapshots for all pools keyed by backend:tier.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.pools.Range(func(key, value any) bool {
		stats[key.(Key).String()] = value.(*Pool).Stats()
		return true
	})
	return stats
}

// Close shuts down every pool.
func (r *Registry) Close() {
	r.pools.Range(func(key, value any) bool {
		r.pools.Delete(key)
		value.(*Pool).Close()
		return true
	})
}

package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns the breakers for all backend-tier pairs. It is constructed
// at startup and passed to callers explicitly; there is no ambient global.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   *zap.Logger
}

// NewRegistry creates a circuit breaker registry with a default config for
// breakers created on first use.
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns the breaker for a key, or nil if none exists.
func (r *Registry) Get(key Key) *Breaker {
	value, ok := r.breakers.Load(key)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for a key, creating it with the registry
// default config on first use.
func (r *Registry) GetOrCreate(key Key) *Breaker {
	return r.GetOrCreateWithConfig(key, r.config)
}

// GetOrCreateWithConfig returns the breaker for a key, creating it with the
// given config on first use. Backend-specific thresholds (looser for caches,
// tighter for the relational store) enter here.
func (r *Registry) GetOrCreateWithConfig(key Key, config *Config) *Breaker {
	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := New(key, config, r.logger)
	actual, loaded := r.breakers.LoadOrStore(key, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("circuit breaker created",
		zap.String("backend", key.BackendID),
		zap.String("tier", key.Tier),
	)
	return b
}

// Remove drops the breaker for a key.
func (r *Registry) Remove(key Key) {
	r.breakers.Delete(key)
}

// Clear drops every breaker. Called when thresholds change at runtime; each
// pair gets a fresh breaker with the new config on next use, its window
// starting empty.
func (r *Registry) Clear() {
	r.breakers.Range(func(key, _ any) bool {
		r.breakers.Delete(key)
		return true
	})
}

// Stats returns snapshots for all breakers keyed by backend:tier.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value any) bool {
		stats[key.(Key).String()] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value any) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("all circuit breakers reset")
}

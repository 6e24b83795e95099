package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Windows are per-key timestamp slices pruned on each call.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an in-memory sliding window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]time.Time),
	}
}

// Slide implements Store.
func (s *MemoryStore) Slide(_ context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if int64(len(pruned)) < limit {
		pruned = append(pruned, now)
		s.windows[key] = pruned
		return Decision{Allowed: true, Count: int64(len(pruned))}, nil
	}

	// Rejected without admitting an entry. A fully pruned window holds
	// nothing worth keeping; dropping the key keeps long-gone tenants from
	// accumulating in the map.
	if len(pruned) == 0 {
		delete(s.windows, key)
		return Decision{Allowed: false, RetryAfter: window}, nil
	}

	s.windows[key] = pruned
	retry := pruned[0].Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Count: int64(len(pruned)), RetryAfter: retry}, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string][]time.Time)
	return nil
}

var _ Store = (*MemoryStore)(nil)

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSlide(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := s.Slide(ctx, "rl:free:u-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := s.Slide(ctx, "rl:free:u-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestMemoryStoreWindowExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d, err := s.Slide(ctx, "rl:free:u-1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.Slide(ctx, "rl:free:u-1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(30 * time.Millisecond)

	d, err = s.Slide(ctx, "rl:free:u-1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreDropsFullyPrunedKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d, err := s.Slide(ctx, "rl:free:u-1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	time.Sleep(30 * time.Millisecond)

	// Every entry has aged out and nothing is admitted: the key must leave
	// the map instead of lingering as an empty window.
	d, err = s.Slide(ctx, "rl:free:u-1", 0, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	s.mu.Lock()
	_, exists := s.windows["rl:free:u-1"]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestMemoryStoreZeroLimitUnknownKeyLeavesNoEntry(t *testing.T) {
	s := NewMemoryStore()

	d, err := s.Slide(context.Background(), "rl:free:ghost", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	s.mu.Lock()
	_, exists := s.windows["rl:free:ghost"]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestMemoryStoreReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Slide(ctx, "rl:free:u-1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, "rl:free:u-1"))

	d, err := s.Slide(ctx, "rl:free:u-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

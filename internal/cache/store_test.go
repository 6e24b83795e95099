package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyCache struct {
	Cache
	getErr error
}

func (f *flakyCache) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Cache.Get(ctx, key)
}

func TestStoreGetOrLoad(t *testing.T) {
	s := NewStore(NewMemoryCache(16), time.Minute, nil)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) ([]byte, error) {
		loads++
		return []byte("from-source"), nil
	}

	// First read misses and loads; second is served from cache.
	value, err := s.GetOrLoad(ctx, KindSession, "acme", "s1", loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-source"), value)
	assert.Equal(t, 1, loads)

	value, err = s.GetOrLoad(ctx, KindSession, "acme", "s1", loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-source"), value)
	assert.Equal(t, 1, loads)
}

func TestStoreInvalidateForcesReload(t *testing.T) {
	s := NewStore(NewMemoryCache(16), time.Minute, nil)
	ctx := context.Background()

	version := "v1"
	loader := func(context.Context) ([]byte, error) {
		return []byte(version), nil
	}

	value, err := s.GetOrLoad(ctx, KindConfig, "acme", "limits", loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	// The authoritative source changes; invalidation makes the next read
	// observe it.
	version = "v2"
	require.NoError(t, s.Invalidate(ctx, KindConfig, "acme", "limits"))

	value, err = s.GetOrLoad(ctx, KindConfig, "acme", "limits", loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestStoreInvalidateScope(t *testing.T) {
	s := NewStore(NewMemoryCache(16), time.Minute, nil)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) ([]byte, error) {
		loads++
		return []byte("x"), nil
	}

	_, err := s.GetOrLoad(ctx, KindSession, "acme", "s1", loader)
	require.NoError(t, err)
	_, err = s.GetOrLoad(ctx, KindSession, "acme", "s2", loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	require.NoError(t, s.InvalidateScope(ctx, KindSession, "acme"))

	_, err = s.GetOrLoad(ctx, KindSession, "acme", "s1", loader)
	require.NoError(t, err)
	assert.Equal(t, 3, loads)
}

func TestStoreUnscopedKeyRejected(t *testing.T) {
	s := NewStore(NewMemoryCache(16), time.Minute, nil)

	_, err := s.GetOrLoad(context.Background(), KindSession, "", "s1", func(context.Context) ([]byte, error) {
		t.Fatal("loader must not run for an unscoped key")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrUnscopedKey)

	assert.ErrorIs(t, s.InvalidateScope(context.Background(), KindSession, ""), ErrUnscopedKey)
}

func TestStoreDegradesOnCacheFailure(t *testing.T) {
	flaky := &flakyCache{Cache: NewMemoryCache(16), getErr: errors.New("cache down")}
	s := NewStore(flaky, time.Minute, nil)

	loads := 0
	loader := func(context.Context) ([]byte, error) {
		loads++
		return []byte("from-source"), nil
	}

	// Reads keep working, served from source on every call.
	for i := 0; i < 3; i++ {
		value, err := s.GetOrLoad(context.Background(), KindSession, "acme", "s1", loader)
		require.NoError(t, err)
		assert.Equal(t, []byte("from-source"), value)
	}
	assert.Equal(t, 3, loads)
}

func TestStoreLoaderErrorPropagates(t *testing.T) {
	s := NewStore(NewMemoryCache(16), time.Minute, nil)
	boom := errors.New("backend down")

	_, err := s.GetOrLoad(context.Background(), KindSession, "acme", "s1", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

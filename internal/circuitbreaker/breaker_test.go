package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func testKey() Key {
	return Key{BackendID: "orders-db", Tier: "pro"}
}

func newTestBreaker(config *Config) *Breaker {
	return New(testKey(), config, nil)
}

func trip(t *testing.T, b *Breaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		require.NoError(t, b.Allow())
		b.Record(errBackend)
	}
}

func TestBreakerStaysClosedBelowVolumeThreshold(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 10, VolumeThreshold: 10, FailureRatio: 0.5, ResetTimeout: time.Second})

	// Nine straight failures is still below the volume threshold.
	trip(t, b, 9)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAtFailureRatio(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 10, VolumeThreshold: 10, FailureRatio: 0.5, ResetTimeout: time.Second})

	// Four successes and six failures fill the window at a 0.6 ratio.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(nil)
	}
	trip(t, b, 6)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: time.Minute})
	trip(t, b, 5)
	require.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: 10 * time.Millisecond})
	trip(t, b, 5)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// First caller after the reset timeout gets the probe slot.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Concurrent callers are rejected while the probe is in flight.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: 10 * time.Millisecond})
	trip(t, b, 5)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Record(errBackend)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerCancellationsAreNeutral(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: time.Minute})

	// A storm of caller-side timeouts never trips the circuit.
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Allow())
		b.Record(context.DeadlineExceeded)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().Requests)
}

func TestBreakerCancellationReleasesProbeSlot(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: 10 * time.Millisecond})
	trip(t, b, 5)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// The probe was cancelled, so its outcome says nothing about the
	// backend; the next caller gets a fresh probe slot.
	b.Record(context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerCountCancellationsOptIn(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: time.Minute, CountCancellations: true})

	trip(t, b, 4)
	require.NoError(t, b.Allow())
	b.Record(context.DeadlineExceeded)

	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowSlidesOldOutcomesOut(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 4, VolumeThreshold: 4, FailureRatio: 0.5, ResetTimeout: time.Minute})

	// Two early failures followed by enough successes push the failures
	// out of the window before the ratio is ever met.
	trip(t, b, 2)
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Allow())
		b.Record(nil)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().Failures)
}

func TestBreakerExecutePropagatesError(t *testing.T) {
	b := newTestBreaker(nil)

	err := b.Execute(context.Background(), func() error { return errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(&Config{WindowSize: 5, VolumeThreshold: 5, FailureRatio: 0.5, ResetTimeout: time.Minute})
	trip(t, b, 5)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerOnStateChangeCallback(t *testing.T) {
	changes := make(chan State, 1)
	b := newTestBreaker(&Config{
		WindowSize:      5,
		VolumeThreshold: 5,
		FailureRatio:    0.5,
		ResetTimeout:    time.Minute,
		OnStateChange: func(key Key, from, to State) {
			changes <- to
		},
	})
	trip(t, b, 5)

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestRegistrySharesBreakersPerKey(t *testing.T) {
	r := NewRegistry(nil, nil)

	a := r.GetOrCreate(Key{BackendID: "orders-db", Tier: "free"})
	b := r.GetOrCreate(Key{BackendID: "orders-db", Tier: "free"})
	c := r.GetOrCreate(Key{BackendID: "orders-db", Tier: "pro"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Nil(t, r.Get(Key{BackendID: "absent", Tier: "free"}))
}

func TestRegistryPerKeyConfig(t *testing.T) {
	r := NewRegistry(&Config{WindowSize: 10, VolumeThreshold: 10, FailureRatio: 0.5, ResetTimeout: time.Minute}, nil)

	loose := r.GetOrCreateWithConfig(
		Key{BackendID: "session-cache", Tier: "pro"},
		&Config{WindowSize: 4, VolumeThreshold: 4, FailureRatio: 0.75, ResetTimeout: time.Minute},
	)

	// Three of four failures meets the looser cache threshold.
	require.NoError(t, loose.Allow())
	loose.Record(nil)
	trip(t, loose, 3)
	assert.Equal(t, StateOpen, loose.State())

	stats := r.Stats()
	assert.Contains(t, stats, "session-cache:pro")

	r.ResetAll()
	assert.Equal(t, StateClosed, loose.State())

	// Clearing drops every breaker so changed thresholds apply on next use.
	r.Clear()
	assert.Nil(t, r.Get(Key{BackendID: "session-cache", Tier: "pro"}))
}

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests flow.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates a single probe is testing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
// Callers may choose a cached or stale fallback on this error.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Key identifies one breaker: each (backend, tier) pair gets its own, so a
// broken cache never affects the relational store's circuit.
type Key struct {
	BackendID string
	Tier      string
}

// String returns the metric label form of the key.
func (k Key) String() string {
	return k.BackendID + ":" + k.Tier
}

// Breaker is a closed/open/half-open failure-rate state machine over a
// rolling window of the most recent request outcomes.
type Breaker struct {
	key    Key
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	state State

	// window is a ring of recent outcomes; true marks a failure.
	window   []bool
	head     int
	occupied int
	failures int

	probing  bool
	openedAt time.Time
}

// New creates a circuit breaker for one backend-tier pair.
func New(key Key, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		key:    key,
		config: config,
		logger: logger,
		state:  StateClosed,
		window: make([]bool, config.WindowSize),
	}
}

// Execute runs fn under breaker protection. The outcome of fn updates the
// failure window before the error propagates.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the reset timeout elapses, then admits exactly one
// half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		recordRequest(b.key, true)
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.config.ResetTimeout {
			b.transitionTo(StateHalfOpen)
			b.probing = true
			recordRequest(b.key, true)
			return nil
		}
		recordRequest(b.key, false)
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.probing {
			// A probe is already in flight.
			recordRequest(b.key, false)
			return ErrCircuitOpen
		}
		b.probing = true
		recordRequest(b.key, true)
		return nil

	default:
		recordRequest(b.key, false)
		return ErrCircuitOpen
	}
}

// Record feeds one call outcome into the breaker. Cancellations are neutral
// unless CountCancellations is set: the window is left untouched, so a storm
// of caller-side timeouts neither trips nor heals the circuit.
func (b *Breaker) Record(err error) {
	if isCancellation(err) && !b.config.CountCancellations {
		b.mu.Lock()
		if b.state == StateHalfOpen {
			// The probe outcome is unknown; allow another probe.
			b.probing = false
		}
		b.mu.Unlock()
		return
	}

	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordSuccess(b.key)

	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	case StateClosed:
		b.push(false)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordFailure(b.key)

	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.openedAt = time.Now()
	case StateClosed:
		b.push(true)
		if b.shouldOpen() {
			b.transitionTo(StateOpen)
			b.openedAt = time.Now()
		}
	}
}

// push appends one outcome to the ring window. Must hold mu.
func (b *Breaker) push(failed bool) {
	if b.occupied == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.occupied++
	}
	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

// shouldOpen evaluates the trip condition. Must hold mu.
func (b *Breaker) shouldOpen() bool {
	if b.occupied < b.config.VolumeThreshold {
		return false
	}
	ratio := float64(b.failures) / float64(b.occupied)
	return ratio >= b.config.FailureRatio
}

// transitionTo switches state and resets the window. Must hold mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.probing = false
	b.resetWindow()

	recordStateChange(b.key, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		zap.String("backend", b.key.BackendID),
		zap.String("tier", b.key.Tier),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.key, oldState, newState)
	}
}

// resetWindow clears the outcome window. Must hold mu.
func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.occupied = 0
	b.failures = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Key returns the breaker's key.
func (b *Breaker) Key() Key {
	return b.key
}

// Reset forces the breaker back to closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	} else {
		b.resetWindow()
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State      State
	Requests   int
	Failures   int
	OpenedAt   time.Time
	FailurePct float64
}

// Stats returns the current snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	pct := 0.0
	if b.occupied > 0 {
		pct = float64(b.failures) / float64(b.occupied)
	}
	return Stats{
		State:      b.state,
		Requests:   b.occupied,
		Failures:   b.failures,
		OpenedAt:   b.openedAt,
		FailurePct: pct,
	}
}

// isCancellation reports whether err is a caller-side cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

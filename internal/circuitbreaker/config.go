// Package circuitbreaker guards backend calls with a per-(backend, tier)
// failure-rate state machine. While a circuit is open, calls fail
// immediately without touching the connection pool, which is what keeps a
// backend outage from amplifying into pool exhaustion.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// WindowSize is the number of most recent requests considered when
	// evaluating the failure ratio.
	WindowSize int

	// VolumeThreshold is the minimum number of requests in the window
	// before the failure ratio is evaluated at all. This keeps a cold
	// circuit from tripping on its first few calls.
	VolumeThreshold int

	// FailureRatio is the failure fraction (0.0 to 1.0] at which the
	// circuit opens. Cache backends are typically configured looser than
	// the primary relational store.
	FailureRatio float64

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// CountCancellations controls whether context cancellations and
	// deadline expiries count toward the failure window. Default false:
	// caller-side timeouts are not the backend's fault, and counting them
	// risks tripping the breaker on a healthy backend. They are never
	// counted as successes either way.
	CountCancellations bool

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(key Key, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:      10,
		VolumeThreshold: 10,
		FailureRatio:    0.5,
		ResetTimeout:    30 * time.Second,
	}
}

// normalize clamps invalid settings to their defaults.
func (c *Config) normalize() {
	if c.WindowSize < 1 {
		c.WindowSize = 10
	}
	if c.VolumeThreshold < 1 {
		c.VolumeThreshold = 10
	}
	if c.VolumeThreshold > c.WindowSize {
		c.VolumeThreshold = c.WindowSize
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.ResetTimeout < time.Millisecond {
		c.ResetTimeout = 30 * time.Second
	}
}

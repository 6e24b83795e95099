// Package tier defines the capacity classes that govern pool sizing,
// timeouts, and admission limits per backend.
package tier

import (
	"fmt"
	"time"
)

// Tier is a capacity class assigned to a backend registration.
type Tier string

const (
	// Free is the entry tier with the smallest pools and strictest limits.
	Free Tier = "free"

	// Starter is the first paid tier.
	Starter Tier = "starter"

	// Pro is the professional tier.
	Pro Tier = "pro"

	// Enterprise is the largest tier.
	Enterprise Tier = "enterprise"
)

// Parse parses a tier name.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Free, Starter, Pro, Enterprise:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier: %q", s)
	}
}

// String returns the tier name.
func (t Tier) String() string {
	return string(t)
}

// Config holds the immutable capacity settings for one tier.
// Instances are resolved once per backend-tier pair at registration time
// and never mutated afterwards.
type Config struct {
	// MinPool is the number of connections the pool keeps warm.
	MinPool int

	// MaxPool is the hard upper bound on live connections.
	MaxPool int

	// MaxConcurrent caps in-flight operations per backend.
	MaxConcurrent int

	// AcquireTimeout bounds how long a caller may wait for a connection.
	AcquireTimeout time.Duration

	// ConnectTimeout bounds the creation of a fresh connection.
	ConnectTimeout time.Duration

	// QueryTimeout bounds a single operation on a borrowed connection.
	QueryTimeout time.Duration

	// IdleTimeout is how long an idle connection may live before the
	// sweeper destroys it, down to MinPool.
	IdleTimeout time.Duration

	// RateLimit is the number of requests admitted per RateWindow.
	RateLimit int

	// RateWindow is the admission window duration.
	RateWindow time.Duration
}

// builtin is the fixed capacity table. Values are deliberately conservative
// at the low end; row-level isolation cost at the backend grows with
// concurrency, not with tier price.
var builtin = map[Tier]Config{
	Free: {
		MinPool:        2,
		MaxPool:        5,
		MaxConcurrent:  10,
		AcquireTimeout: 5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		RateLimit:      60,
		RateWindow:     time.Minute,
	},
	Starter: {
		MinPool:        2,
		MaxPool:        10,
		MaxConcurrent:  25,
		AcquireTimeout: 5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   15 * time.Second,
		IdleTimeout:    5 * time.Minute,
		RateLimit:      300,
		RateWindow:     time.Minute,
	},
	Pro: {
		MinPool:        5,
		MaxPool:        25,
		MaxConcurrent:  100,
		AcquireTimeout: 10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   30 * time.Second,
		IdleTimeout:    10 * time.Minute,
		RateLimit:      1200,
		RateWindow:     time.Minute,
	},
	Enterprise: {
		MinPool:        10,
		MaxPool:        50,
		MaxConcurrent:  500,
		AcquireTimeout: 10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   60 * time.Second,
		IdleTimeout:    15 * time.Minute,
		RateLimit:      6000,
		RateWindow:     time.Minute,
	},
}

// Resolve returns the capacity configuration for a tier.
func Resolve(t Tier) (Config, error) {
	cfg, ok := builtin[t]
	if !ok {
		return Config{}, fmt.Errorf("unknown tier: %q", t)
	}
	return cfg, nil
}

// MustResolve is Resolve for statically known tiers.
func MustResolve(t Tier) Config {
	cfg, err := Resolve(t)
	if err != nil {
		panic(err)
	}
	return cfg
}

// All returns every defined tier in ascending capacity order.
func All() []Tier {
	return []Tier{Free, Starter, Pro, Enterprise}
}

// Package ratelimit enforces per-tenant request budgets over a sliding
// window shared by all gateway instances through a common counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avdatagw/internal/ratelimit/store"
)

// ErrRateLimited is returned when a tenant exceeds its tier budget. The
// wrapped Result carries the retry-after hint.
var ErrRateLimited = errors.New("rate limit exceeded")

// FailurePolicy controls behavior when the counter store is unreachable.
type FailurePolicy string

const (
	// FailOpen admits requests on store errors, throttled by a local
	// per-scope limiter so a store outage cannot remove all protection.
	FailOpen FailurePolicy = "open"

	// FailClosed rejects requests on store errors.
	FailClosed FailurePolicy = "closed"
)

// Valid reports whether the policy is one of the defined values.
func (p FailurePolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}

// Result describes one limiter decision.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// Policy is required; there is no safe universal default, so the
	// operator must choose per deployment.
	Policy FailurePolicy
}

// Validate checks the config.
func (c *Config) Validate() error {
	if !c.Policy.Valid() {
		return fmt.Errorf("failure policy must be %q or %q, got %q", FailOpen, FailClosed, c.Policy)
	}
	return nil
}

// Limiter is a sliding-window rate limiter keyed by tier and tenant scope.
type Limiter struct {
	store  store.Store
	policy FailurePolicy
	logger *zap.Logger

	// local holds per-key fallback limiters used while failing open.
	localMu sync.Mutex
	local   map[string]*rate.Limiter
}

// New creates a limiter over the given store.
func New(st store.Store, config Config, logger *zap.Logger) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		store:  st,
		policy: config.Policy,
		logger: logger,
		local:  make(map[string]*rate.Limiter),
	}, nil
}

// key builds the store key. One window per tier and tenant scope: an org's
// members share a budget, individual users get their own.
func key(tierName, scope string) string {
	return "rl:" + tierName + ":" + scope
}

// Allow checks and consumes one request from the tenant's budget. A denial
// returns ErrRateLimited with a Result whose RetryAfter is the wait until
// the oldest windowed request expires, never more than the window itself.
func (l *Limiter) Allow(ctx context.Context, tierName, scope string, limit int64, window time.Duration) (Result, error) {
	k := key(tierName, scope)

	decision, err := l.store.Slide(ctx, k, limit, window)
	if err != nil {
		return l.onStoreError(tierName, scope, limit, window, err)
	}

	remaining := limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	result := Result{
		Allowed:    decision.Allowed,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: decision.RetryAfter,
	}

	if !decision.Allowed {
		recordDecision(tierName, "rejected")
		return result, fmt.Errorf("%w: retry after %s", ErrRateLimited, result.RetryAfter)
	}

	recordDecision(tierName, "allowed")
	return result, nil
}

// onStoreError applies the failure policy. Fail-open falls back to a local
// token bucket at the tier's rate so protection degrades instead of
// disappearing; fail-closed rejects outright.
func (l *Limiter) onStoreError(tierName, scope string, limit int64, window time.Duration, storeErr error) (Result, error) {
	recordStoreError(tierName)
	l.logger.Warn("rate limit store unavailable",
		zap.String("tier", tierName),
		zap.String("policy", string(l.policy)),
		zap.Error(storeErr),
	)

	if l.policy == FailClosed {
		recordDecision(tierName, "rejected")
		return Result{Limit: limit, RetryAfter: window},
			fmt.Errorf("%w: limit store unavailable", ErrRateLimited)
	}

	if l.fallback(key(tierName, scope), limit, window).Allow() {
		recordDecision(tierName, "allowed_degraded")
		return Result{Allowed: true, Limit: limit}, nil
	}

	recordDecision(tierName, "rejected")
	return Result{Limit: limit, RetryAfter: window},
		fmt.Errorf("%w: retry after %s", ErrRateLimited, window)
}

// fallback returns the local limiter for a key, creating it at the tier's
// steady rate with a burst of the full limit.
func (l *Limiter) fallback(k string, limit int64, window time.Duration) *rate.Limiter {
	l.localMu.Lock()
	defer l.localMu.Unlock()

	if lim, ok := l.local[k]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), int(limit))
	l.local[k] = lim
	return lim
}

// Reset clears the window for a tier-scope pair.
func (l *Limiter) Reset(ctx context.Context, tierName, scope string) error {
	return l.store.Reset(ctx, key(tierName, scope))
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// Package store provides counter backends for the distributed rate limiter.
package store

import (
	"context"
	"time"
)

// Decision is the outcome of one sliding-window check.
type Decision struct {
	// Allowed reports whether the request fits in the window.
	Allowed bool

	// Count is the number of requests in the window, including this one
	// when allowed.
	Count int64

	// RetryAfter is how long until the oldest entry leaves the window.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// Store records requests against a sliding window. Implementations must be
// safe for concurrent use.
type Store interface {
	// Slide atomically prunes entries older than the window, counts the
	// remainder and admits the request if the count is below limit.
	Slide(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)

	// Reset clears the window for a key.
	Reset(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}

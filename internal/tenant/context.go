// Package tenant defines the identity under which a single transaction
// executes. A tenant context is constructed per request, attached to exactly
// one transaction, and discarded when that transaction ends. It is never
// persisted and never outlives the transaction it was attached to.
package tenant

import (
	"context"
	"errors"
)

// ErrContextMissing is returned when an operation is attempted without a
// tenant or system context. This is always fatal to the operation: defaulting
// to "no context" is equivalent to full access under a permissive backend
// policy.
var ErrContextMissing = errors.New("tenant context missing")

// Context is the identity attached to one transaction. Backend row policies
// filter on these values.
type Context struct {
	// UserID identifies the acting user. Required unless SystemActor is set.
	UserID string

	// OrgID identifies the organization, when the user acts within one.
	OrgID string

	// SystemActor marks background jobs and migrations that bypass
	// per-tenant row filtering. It is a distinct, audited context value,
	// not the absence of context.
	SystemActor bool
}

// System returns the system-actor context.
func System() Context {
	return Context{SystemActor: true}
}

// User returns a user context.
func User(userID string) Context {
	return Context{UserID: userID}
}

// Member returns a user context scoped to an organization.
func Member(userID, orgID string) Context {
	return Context{UserID: userID, OrgID: orgID}
}

// Valid reports whether the context carries an identity.
func (c Context) Valid() bool {
	return c.SystemActor || c.UserID != ""
}

// Validate returns ErrContextMissing for an empty context.
func (c Context) Validate() error {
	if !c.Valid() {
		return ErrContextMissing
	}
	return nil
}

// Scope returns the cache/rate-limit namespace for this context.
// Organization scope wins over user scope; the system actor has its own.
func (c Context) Scope() string {
	switch {
	case c.SystemActor:
		return "system"
	case c.OrgID != "":
		return c.OrgID
	default:
		return c.UserID
	}
}

type ctxKey struct{}

// NewContext returns a context carrying the tenant identity.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant identity from a context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

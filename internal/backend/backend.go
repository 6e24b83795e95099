// Package backend defines the driver contract between the pool and the
// concrete data stores. A Driver opens connections, a Conn begins
// transactions, and a Tx is the only handle through which statements run.
// Tenant identity is applied to a Tx, never to a Conn: connections are reused
// across unrelated tenants by the pool, so any connection-scoped identity
// would leak across requests.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the class of a data backend.
type Kind string

const (
	// KindRelational is a SQL store with row-level isolation policies.
	KindRelational Kind = "relational"

	// KindKV is a key-value cache store.
	KindKV Kind = "kv"

	// KindDocument is a document store.
	KindDocument Kind = "document"
)

// ParseKind parses a backend kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRelational, KindKV, KindDocument:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown backend kind: %q", s)
	}
}

// ErrValidationFailed is returned when a connection fails its liveness probe.
// The pool destroys the connection and retries once with a fresh one before
// surfacing this error.
var ErrValidationFailed = errors.New("connection validation failed")

// Target is the connection endpoint for one backend. Secret is the decrypted
// credential; it must only ever appear on the decrypt-then-connect path and
// must not be retained after Open returns.
type Target struct {
	Host     string
	Port     int
	Database string
	Secret   string
}

// Addr returns the host:port form of the target.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Driver opens connections to one kind of backend.
type Driver interface {
	// Kind returns the backend class this driver serves.
	Kind() Kind

	// Open establishes a new connection. Implementations must honor the
	// context deadline for the whole handshake.
	Open(ctx context.Context, target Target) (Conn, error)
}

// Conn is a live connection owned exclusively by the pool.
type Conn interface {
	// Validate is a cheap liveness probe run before the connection is
	// handed out.
	Validate(ctx context.Context) error

	// Begin opens a transaction. All statement execution goes through the
	// returned Tx; there is no statement API on Conn by design.
	Begin(ctx context.Context) (Tx, error)

	// Close destroys the connection.
	Close() error
}

// Tx is a transaction handle. Ending the transaction, either way, discards
// all transaction-scoped state including the tenant identity.
type Tx interface {
	// ApplyTenant attaches identity to this transaction only. For
	// relational backends this is transaction-local session state; for
	// keyspace backends it selects the tenant key namespace.
	ApplyTenant(ctx context.Context, userID, orgID string, systemActor bool) error

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)

	// Query runs a statement and returns its rows.
	Query(ctx context.Context, stmt string, args ...any) (*Rows, error)

	// Commit makes the transaction's effects visible.
	Commit() error

	// Rollback discards the transaction's effects. Safe to call after
	// Commit; it is then a no-op.
	Rollback() error
}

// Rows is a fully materialized result set.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// DocumentDriver is the document backend driver. Documents are JSON values
// stored under per-tenant, per-collection key namespaces on the key-value
// transport; the driver reuses the kv connection lifecycle.
type DocumentDriver struct {
	kv *KVDriver
}

// NewDocumentDriver creates a document driver.
func NewDocumentDriver(logger *zap.Logger) *DocumentDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentDriver{kv: NewKVDriver(logger)}
}

// Kind implements Driver.
func (d *DocumentDriver) Kind() Kind {
	return KindDocument
}

// Open implements Driver.
func (d *DocumentDriver) Open(ctx context.Context, target Target) (Conn, error) {
	conn, err := d.kv.Open(ctx, target)
	if err != nil {
		return nil, err
	}
	return &docConn{inner: conn.(*kvConn)}, nil
}

// Close closes the underlying shared clients.
func (d *DocumentDriver) Close() error {
	return d.kv.Close()
}

type docConn struct {
	inner *kvConn
}

func (c *docConn) Validate(ctx context.Context) error {
	return c.inner.Validate(ctx)
}

func (c *docConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &docTx{inner: tx.(*kvTx)}, nil
}

func (c *docConn) Close() error {
	return c.inner.Close()
}

// docTx translates document operations onto the kv transaction.
// Supported statements: "put" (collection, id, document), "get"
// (collection, id), "delete" (collection, id).
type docTx struct {
	inner *kvTx
}

// ApplyTenant implements Tx.
func (t *docTx) ApplyTenant(ctx context.Context, userID, orgID string, systemActor bool) error {
	return t.inner.ApplyTenant(ctx, userID, orgID, systemActor)
}

func docKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

// Exec implements Tx.
func (t *docTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	switch stmt {
	case "put":
		if len(args) != 3 {
			return 0, fmt.Errorf("document put: want (collection, id, document), got %d args", len(args))
		}
		collection, id, err := docAddr(args[0], args[1])
		if err != nil {
			return 0, err
		}
		payload, err := json.Marshal(args[2])
		if err != nil {
			return 0, fmt.Errorf("document put: %w", err)
		}
		return t.inner.Exec(ctx, "SET", docKey(collection, id), string(payload))

	case "delete":
		if len(args) != 2 {
			return 0, fmt.Errorf("document delete: want (collection, id), got %d args", len(args))
		}
		collection, id, err := docAddr(args[0], args[1])
		if err != nil {
			return 0, err
		}
		return t.inner.Exec(ctx, "DEL", docKey(collection, id))

	default:
		return 0, fmt.Errorf("unknown document statement: %q", stmt)
	}
}

// Query implements Tx.
func (t *docTx) Query(ctx context.Context, stmt string, args ...any) (*Rows, error) {
	if stmt != "get" {
		return nil, fmt.Errorf("unknown document query: %q", stmt)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("document get: want (collection, id), got %d args", len(args))
	}
	collection, id, err := docAddr(args[0], args[1])
	if err != nil {
		return nil, err
	}

	rows, err := t.inner.Query(ctx, "GET", docKey(collection, id))
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return &Rows{Columns: []string{"document"}}, nil
	}

	raw, ok := rows.Values[0][0].(string)
	if !ok {
		return nil, fmt.Errorf("document get: unexpected value type %T", rows.Values[0][0])
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("document get: %w", err)
	}

	return &Rows{
		Columns: []string{"document"},
		Values:  [][]any{{doc}},
	}, nil
}

func docAddr(collection, id any) (string, string, error) {
	c, ok := collection.(string)
	if !ok {
		return "", "", fmt.Errorf("document collection must be a string, got %T", collection)
	}
	i, ok := id.(string)
	if !ok {
		return "", "", fmt.Errorf("document id must be a string, got %T", id)
	}
	return c, i, nil
}

// Commit implements Tx.
func (t *docTx) Commit() error {
	return t.inner.Commit()
}

// Rollback implements Tx.
func (t *docTx) Rollback() error {
	return t.inner.Rollback()
}

var (
	_ Driver = (*DocumentDriver)(nil)
	_ Conn   = (*docConn)(nil)
	_ Tx     = (*docTx)(nil)
)

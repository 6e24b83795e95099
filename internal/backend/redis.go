package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KVDriver is the key-value backend driver built on go-redis. One shared
// client exists per target; each pooled connection is a dedicated
// *redis.Conn so the pool controls lifecycle and the tier bounds hold.
type KVDriver struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewKVDriver creates a key-value driver.
func NewKVDriver(logger *zap.Logger) *KVDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVDriver{
		logger:  logger,
		clients: make(map[string]*redis.Client),
	}
}

// Kind implements Driver.
func (d *KVDriver) Kind() Kind {
	return KindKV
}

// Open implements Driver.
func (d *KVDriver) Open(ctx context.Context, target Target) (Conn, error) {
	client := d.client(target)

	conn := client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("kv connect %s: %w", target.Addr(), err)
	}

	return &kvConn{conn: conn}, nil
}

func (d *KVDriver) client(target Target) *redis.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.clients[target.Addr()]; ok {
		return client
	}

	client := redis.NewClient(&redis.Options{
		Addr:     target.Addr(),
		Password: target.Secret,
		// The connection pool above this driver owns sizing; go-redis
		// only hands out dedicated connections.
		PoolSize: 1,
	})
	d.clients[target.Addr()] = client

	d.logger.Debug("kv client created", zap.String("addr", target.Addr()))
	return client
}

// Close closes all shared clients.
func (d *KVDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, client := range d.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.clients, addr)
	}
	return firstErr
}

// kvConn wraps a dedicated redis connection.
type kvConn struct {
	conn *redis.Conn
}

// Validate implements Conn.
func (c *kvConn) Validate(ctx context.Context) error {
	if err := c.conn.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

// Begin implements Conn. Writes are buffered in a MULTI/EXEC pipeline so a
// rollback discards them; reads execute immediately against the tenant
// namespace. The context is bound to the transaction so the caller's
// deadline covers the commit flush.
func (c *kvConn) Begin(ctx context.Context) (Tx, error) {
	return &kvTx{
		ctx:  ctx,
		conn: c.conn,
		pipe: c.conn.TxPipeline(),
	}, nil
}

// Close implements Conn.
func (c *kvConn) Close() error {
	return c.conn.Close()
}

// kvTx is a key-value "transaction": a tenant key namespace plus a buffered
// write pipeline. The namespace lives on the Tx, never on the connection, so
// a released connection carries no tenant state.
type kvTx struct {
	ctx    context.Context
	conn   *redis.Conn
	pipe   redis.Pipeliner
	prefix string
	done   bool
}

// ApplyTenant implements Tx.
func (t *kvTx) ApplyTenant(_ context.Context, userID, orgID string, systemActor bool) error {
	switch {
	case systemActor:
		t.prefix = "t:system:"
	case orgID != "":
		t.prefix = "t:" + orgID + ":"
	default:
		t.prefix = "t:" + userID + ":"
	}
	return nil
}

// namespace prefixes the key argument with the tenant namespace.
func (t *kvTx) namespace(key string) string {
	return t.prefix + key
}

// Exec implements Tx. The statement is a redis command name; the first
// argument is the key, which is namespaced by tenant.
func (t *kvTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("kv exec %s: key argument required", stmt)
	}
	key, ok := args[0].(string)
	if !ok {
		return 0, fmt.Errorf("kv exec %s: key must be a string", stmt)
	}

	cmdArgs := make([]any, 0, len(args)+1)
	cmdArgs = append(cmdArgs, strings.ToUpper(stmt), t.namespace(key))
	cmdArgs = append(cmdArgs, args[1:]...)

	_ = t.pipe.Do(ctx, cmdArgs...)
	return 0, nil
}

// Query implements Tx.
func (t *kvTx) Query(ctx context.Context, stmt string, args ...any) (*Rows, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("kv query %s: key argument required", stmt)
	}
	key, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("kv query %s: key must be a string", stmt)
	}

	cmdArgs := make([]any, 0, len(args)+1)
	cmdArgs = append(cmdArgs, strings.ToUpper(stmt), t.namespace(key))
	cmdArgs = append(cmdArgs, args[1:]...)

	val, err := t.conn.Do(ctx, cmdArgs...).Result()
	if err == redis.Nil {
		return &Rows{Columns: []string{"value"}}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Rows{
		Columns: []string{"value"},
		Values:  [][]any{{val}},
	}, nil
}

// Commit implements Tx. The pipeline flush runs under the context bound at
// Begin, so a caller deadline still applies at the commit boundary.
func (t *kvTx) Commit() error {
	t.done = true
	_, err := t.pipe.Exec(t.ctx)
	if err == redis.Nil {
		return nil
	}
	return err
}

// Rollback implements Tx.
func (t *kvTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.pipe.Discard()
	return nil
}

var (
	_ Driver = (*KVDriver)(nil)
	_ Conn   = (*kvConn)(nil)
	_ Tx     = (*kvTx)(nil)
)

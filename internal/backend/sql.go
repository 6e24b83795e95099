package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultTenantStatement sets transaction-local session variables the way
// PostgreSQL row-security policies expect them. The third set_config argument
// (is_local=true) scopes the values to the current transaction, so they are
// cleared automatically at commit or rollback. That property is what makes it
// safe to return the connection to the pool afterwards.
const DefaultTenantStatement = `SELECT set_config('app.user_id', $1, true),
       set_config('app.org_id', $2, true),
       set_config('app.system_actor', $3, true)`

// SQLDriverConfig configures the relational driver.
type SQLDriverConfig struct {
	// DriverName is the database/sql driver to open targets with.
	DriverName string

	// DSNFormat renders a Target into a driver DSN. Arguments are
	// host, port, database, secret.
	DSNFormat string

	// TenantStatement is the statement that applies transaction-scoped
	// tenant identity. It must scope state to the transaction, not the
	// session.
	TenantStatement string
}

// DefaultSQLDriverConfig returns a config for a PostgreSQL-compatible store.
func DefaultSQLDriverConfig() *SQLDriverConfig {
	return &SQLDriverConfig{
		DriverName:      "postgres",
		DSNFormat:       "postgres://%s:%d/%s?%s",
		TenantStatement: DefaultTenantStatement,
	}
}

// SQLDriver is the relational backend driver. It keeps one *sql.DB per
// target and hands out dedicated *sql.Conn handles so the pool, not
// database/sql, owns connection lifecycle.
type SQLDriver struct {
	config *SQLDriverConfig
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLDriver creates a relational driver.
func NewSQLDriver(config *SQLDriverConfig, logger *zap.Logger) *SQLDriver {
	if config == nil {
		config = DefaultSQLDriverConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLDriver{
		config: config,
		logger: logger,
		dbs:    make(map[string]*sql.DB),
	}
}

// Kind implements Driver.
func (d *SQLDriver) Kind() Kind {
	return KindRelational
}

// Open implements Driver.
func (d *SQLDriver) Open(ctx context.Context, target Target) (Conn, error) {
	db, err := d.database(target)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sql connect %s: %w", target.Addr(), err)
	}

	return &sqlConn{
		conn:       conn,
		tenantStmt: d.config.TenantStatement,
	}, nil
}

// database returns the shared handle for a target, creating it on first use.
// MaxOpenConns is left unbounded: the pool above this driver enforces the
// tier's bounds and must stay the single owner of sizing decisions.
func (d *SQLDriver) database(target Target) (*sql.DB, error) {
	dsn := fmt.Sprintf(d.config.DSNFormat, target.Host, target.Port, target.Database, target.Secret)

	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[target.Addr()+"/"+target.Database]; ok {
		return db, nil
	}

	db, err := sql.Open(d.config.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetConnMaxIdleTime(0)

	d.dbs[target.Addr()+"/"+target.Database] = db
	d.logger.Debug("sql database handle created",
		zap.String("addr", target.Addr()),
		zap.String("database", target.Database),
	)
	return db, nil
}

// Close closes all shared database handles.
func (d *SQLDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for key, db := range d.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.dbs, key)
	}
	return firstErr
}

// sqlConn wraps a dedicated database/sql connection.
type sqlConn struct {
	conn       *sql.Conn
	tenantStmt string
}

// Validate implements Conn.
func (c *sqlConn) Validate(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

// Begin implements Conn.
func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, tenantStmt: c.tenantStmt}, nil
}

// Close implements Conn.
func (c *sqlConn) Close() error {
	return c.conn.Close()
}

// sqlTx wraps *sql.Tx.
type sqlTx struct {
	tx         *sql.Tx
	tenantStmt string
	done       bool
}

// ApplyTenant implements Tx. The statement sets transaction-local variables;
// nothing survives the transaction boundary.
func (t *sqlTx) ApplyTenant(ctx context.Context, userID, orgID string, systemActor bool) error {
	actor := "false"
	if systemActor {
		actor = "true"
	}
	if _, err := t.tx.ExecContext(ctx, t.tenantStmt, userID, orgID, actor); err != nil {
		return fmt.Errorf("apply tenant context: %w", err)
	}
	return nil
}

// Exec implements Tx.
func (t *sqlTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the statement
		// still succeeded.
		return 0, nil
	}
	return affected, nil
}

// Query implements Tx.
func (t *sqlTx) Query(ctx context.Context, stmt string, args ...any) (*Rows, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Rows{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		result.Values = append(result.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Commit implements Tx.
func (t *sqlTx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

// Rollback implements Tx.
func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

var (
	_ Driver = (*SQLDriver)(nil)
	_ Conn   = (*sqlConn)(nil)
	_ Tx     = (*sqlTx)(nil)
)

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	// Registers the pure-Go sqlite driver as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/vyrodovalexey/avdatagw/internal/backend"
	"github.com/vyrodovalexey/avdatagw/internal/vault"
)

const schema = `
CREATE TABLE IF NOT EXISTS backends (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	kind             TEXT NOT NULL,
	host             TEXT NOT NULL,
	port             INTEGER NOT NULL,
	database_name    TEXT NOT NULL,
	encrypted_secret TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	rotated_at       TIMESTAMP,
	last_used_at     TIMESTAMP
);
`

// listColumns deliberately excludes encrypted_secret. Read paths that serve
// listings must never touch the secret column.
const listColumns = "id, name, kind, host, port, database_name, status, created_at, updated_at, rotated_at, last_used_at"

// Catalog is the SQLite-backed backend catalog. Secrets are sealed through
// the vault before insertion, scoped to the registration ID.
type Catalog struct {
	db     *sql.DB
	vault  vault.Vault
	logger *zap.Logger
}

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(path string, v vault.Vault, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent registration.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}

	return &Catalog{db: db, vault: v, logger: logger}, nil
}

// Register seals the secret and inserts the backend. The plaintext secret
// is not retained past this call.
func (c *Catalog) Register(ctx context.Context, in RegisterInput) (Registration, error) {
	if err := in.Validate(); err != nil {
		return Registration{}, fmt.Errorf("%w: %v", backend.ErrValidationFailed, err)
	}

	id := uuid.NewString()
	sealed, err := c.vault.Encrypt(ctx, []byte(in.Secret), id)
	if err != nil {
		return Registration{}, fmt.Errorf("seal backend secret: %w", err)
	}

	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO backends (id, name, kind, host, port, database_name, encrypted_secret, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, string(in.Kind), in.Host, in.Port, in.Database, sealed, string(StatusActive), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Registration{}, fmt.Errorf("%w: %s", ErrDuplicateName, in.Name)
		}
		return Registration{}, fmt.Errorf("insert backend: %w", err)
	}

	c.logger.Info("backend registered",
		zap.String("backend_id", id),
		zap.String("name", in.Name),
		zap.String("kind", string(in.Kind)),
	)

	return Registration{
		ID:        id,
		Name:      in.Name,
		Kind:      in.Kind,
		Host:      in.Host,
		Port:      in.Port,
		Database:  in.Database,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Rotate seals a new secret for an active backend. In-flight connections
// keep their old credential until they are recycled; new connections use
// the rotated one.
func (c *Catalog) Rotate(ctx context.Context, id, newSecret string) error {
	if newSecret == "" {
		return fmt.Errorf("%w: backend secret required", backend.ErrValidationFailed)
	}

	reg, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if reg.Status == StatusRetired {
		return fmt.Errorf("%w: %s", ErrRetired, id)
	}

	sealed, err := c.vault.Encrypt(ctx, []byte(newSecret), id)
	if err != nil {
		return fmt.Errorf("seal backend secret: %w", err)
	}

	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, `
		UPDATE backends SET encrypted_secret = ?, rotated_at = ?, updated_at = ? WHERE id = ?`,
		sealed, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("rotate backend secret: %w", err)
	}

	c.logger.Info("backend secret rotated", zap.String("backend_id", id))
	return nil
}

// SetStatus moves a backend through its lifecycle.
func (c *Catalog) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", backend.ErrValidationFailed, status)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE backends SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backend status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c.logger.Info("backend status changed",
		zap.String("backend_id", id),
		zap.String("status", string(status)),
	)
	return nil
}

// Retire removes a backend from service.
func (c *Catalog) Retire(ctx context.Context, id string) error {
	return c.SetStatus(ctx, id, StatusRetired)
}

// Get returns one registration without secret material.
func (c *Catalog) Get(ctx context.Context, id string) (Registration, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+listColumns+" FROM backends WHERE id = ?", id)
	return scanRegistration(row)
}

// List returns all registrations, optionally filtered by status. The query
// never reads the secret column.
func (c *Catalog) List(ctx context.Context, status Status) ([]Registration, error) {
	query := "SELECT " + listColumns + " FROM backends"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY name"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// SealedSecret returns the ciphertext and its decryption scope for the
// connect path. The caller decrypts immediately before dialing and discards
// the plaintext with the dial call's stack frame.
func (c *Catalog) SealedSecret(ctx context.Context, id string) (ciphertext, scope string, err error) {
	var sealed string
	var status string
	row := c.db.QueryRowContext(ctx,
		"SELECT encrypted_secret, status FROM backends WHERE id = ?", id)
	if err := row.Scan(&sealed, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", "", fmt.Errorf("read backend secret: %w", err)
	}
	if Status(status) == StatusRetired {
		return "", "", fmt.Errorf("%w: %s", ErrRetired, id)
	}
	return sealed, id, nil
}

// Touch updates the last-used timestamp. Called off the request path via
// the background task queue.
func (c *Catalog) Touch(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE backends SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// Ping reports whether the catalog database is reachable.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (Registration, error) {
	var reg Registration
	var kind string
	var status string
	var rotatedAt, lastUsedAt sql.NullTime

	err := row.Scan(&reg.ID, &reg.Name, &kind, &reg.Host, &reg.Port, &reg.Database,
		&status, &reg.CreatedAt, &reg.UpdatedAt, &rotatedAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Registration{}, ErrNotFound
		}
		return Registration{}, fmt.Errorf("scan backend: %w", err)
	}

	reg.Kind = backend.Kind(kind)
	reg.Status = Status(status)
	if rotatedAt.Valid {
		t := rotatedAt.Time
		reg.RotatedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		reg.LastUsedAt = &t
	}
	return reg, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

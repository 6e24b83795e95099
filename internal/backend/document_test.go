package backend

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocTx(t *testing.T, mr *miniredis.Miniredis) Tx {
	t.Helper()
	driver := NewDocumentDriver(nil)
	t.Cleanup(func() { _ = driver.Close() })

	conn, err := driver.Open(context.Background(), kvTarget(t, mr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	tx, err := conn.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestDocumentPutGetRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	tx := newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "u-1", "org-7", false))

	doc := map[string]any{"name": "Ada", "active": true}
	_, err := tx.Exec(ctx, "put", "users", "42", doc)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, mr.Exists("t:org-7:doc:users:42"))

	tx = newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "u-1", "org-7", false))

	rows, err := tx.Query(ctx, "get", "users", "42")
	require.NoError(t, err)
	require.Equal(t, 1, rows.Len())
	got, ok := rows.Values[0][0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, true, got["active"])
	require.NoError(t, tx.Rollback())
}

func TestDocumentGetMissingReturnsEmptyRows(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	tx := newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "u-1", "", false))

	rows, err := tx.Query(ctx, "get", "users", "absent")
	require.NoError(t, err)
	assert.Equal(t, 0, rows.Len())
	assert.Equal(t, []string{"document"}, rows.Columns)
}

func TestDocumentDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("t:u-1:doc:users:42", `{"name":"Ada"}`))

	tx := newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "u-1", "", false))
	_, err := tx.Exec(ctx, "delete", "users", "42")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.False(t, mr.Exists("t:u-1:doc:users:42"))
}

func TestDocumentTenantsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("t:org-a:doc:users:42", `{"name":"Ada"}`))

	tx := newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "", "org-b", false))

	rows, err := tx.Query(ctx, "get", "users", "42")
	require.NoError(t, err)
	assert.Equal(t, 0, rows.Len())
}

func TestDocumentRejectsMalformedStatements(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	tx := newDocTx(t, mr)
	require.NoError(t, tx.ApplyTenant(ctx, "u-1", "", false))

	_, err := tx.Exec(ctx, "put", "users")
	assert.Error(t, err)

	_, err = tx.Exec(ctx, "drop", "users", "42")
	assert.Error(t, err)

	_, err = tx.Query(ctx, "scan", "users", "42")
	assert.Error(t, err)

	_, err = tx.Exec(ctx, "put", 1, "42", map[string]any{})
	assert.Error(t, err)
}

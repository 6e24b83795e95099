package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalVault(t *testing.T) Vault {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, MasterKeySize)
	v, err := NewLocal(master)
	require.NoError(t, err)
	return v
}

func TestLocalVaultRoundtrip(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	sealed, err := v.Encrypt(ctx, []byte("orders-password"), "backend-1")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "orders-password")

	opened, err := v.Decrypt(ctx, sealed, "backend-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("orders-password"), opened)
}

func TestLocalVaultScopeMismatchFails(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	sealed, err := v.Encrypt(ctx, []byte("orders-password"), "backend-1")
	require.NoError(t, err)

	_, err = v.Decrypt(ctx, sealed, "backend-2")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestLocalVaultTamperedCiphertextFails(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	sealed, err := v.Encrypt(ctx, []byte("orders-password"), "backend-1")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = v.Decrypt(ctx, tampered, "backend-1")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestLocalVaultMalformedCiphertext(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	_, err := v.Decrypt(ctx, "not-base64!!", "backend-1")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = v.Decrypt(ctx, base64.StdEncoding.EncodeToString([]byte("tiny")), "backend-1")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestLocalVaultScopeRequired(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	_, err := v.Encrypt(ctx, []byte("secret"), "")
	assert.ErrorIs(t, err, ErrScopeRequired)

	_, err = v.Decrypt(ctx, "anything", "")
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestLocalVaultRejectsEmptyPlaintext(t *testing.T) {
	v := newLocalVault(t)

	_, err := v.Encrypt(context.Background(), nil, "backend-1")
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestNewLocalRequiresFullKey(t *testing.T) {
	_, err := NewLocal([]byte("short"))
	assert.Error(t, err)
}

func TestLocalVaultNondeterministicCiphertext(t *testing.T) {
	v := newLocalVault(t)
	ctx := context.Background()

	first, err := v.Encrypt(ctx, []byte("secret"), "backend-1")
	require.NoError(t, err)
	second, err := v.Encrypt(ctx, []byte("secret"), "backend-1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDefaultTransitConfig(t *testing.T) {
	cfg := DefaultTransitConfig()
	assert.Equal(t, "transit", cfg.Mount)
	assert.Equal(t, "avdatagw-secrets", cfg.KeyName)
	assert.NotZero(t, cfg.Timeout)
}

func TestNewTransitAppliesDefaults(t *testing.T) {
	v, err := NewTransit(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = v.Encrypt(context.Background(), []byte("secret"), "")
	assert.ErrorIs(t, err, ErrScopeRequired)
}

// Package vault encrypts and decrypts backend connection secrets at rest.
// Scope (the tenant or project identifier) is mixed into key derivation, so
// ciphertext produced for one scope cannot be decrypted under another.
// Plaintext secrets exist only inside the Decrypt call's stack frame and the
// immediately following connect call; nothing in this package logs or
// returns them through any listing path.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Sentinel errors. Vault failures are fatal to the calling operation;
// callers never skip encryption on error.
var (
	// ErrEncryption is returned when sealing a secret fails.
	ErrEncryption = errors.New("vault: encryption failed")

	// ErrDecryption is returned when opening a ciphertext fails, including
	// scope mismatches and tampered payloads.
	ErrDecryption = errors.New("vault: decryption failed")

	// ErrScopeRequired is returned when a caller omits the scope.
	ErrScopeRequired = errors.New("vault: scope is required")
)

// Vault seals and opens connection secrets.
type Vault interface {
	// Encrypt seals plaintext under the given scope.
	Encrypt(ctx context.Context, plaintext []byte, scope string) (string, error)

	// Decrypt opens ciphertext previously sealed under the same scope.
	Decrypt(ctx context.Context, ciphertext string, scope string) ([]byte, error)
}

// localVault is an AES-256-GCM vault with per-scope keys derived from a
// master key via HKDF-SHA256.
type localVault struct {
	master []byte
}

// MasterKeySize is the required master key length for the local vault.
const MasterKeySize = 32

// NewLocal creates a local vault from a master key.
func NewLocal(masterKey []byte) (Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			ErrEncryption, MasterKeySize, len(masterKey))
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &localVault{master: key}, nil
}

// deriveKey derives the scope-bound encryption key. The scope goes into the
// HKDF info parameter, so keys for different scopes are computationally
// independent.
func (v *localVault) deriveKey(scope string) ([]byte, error) {
	reader := hkdf.New(sha256.New, v.master, nil, []byte("avdatagw/secret-scope/"+scope))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrEncryption, err)
	}
	return key, nil
}

// Encrypt implements Vault.
func (v *localVault) Encrypt(_ context.Context, plaintext []byte, scope string) (string, error) {
	start := time.Now()
	if scope == "" {
		return "", ErrScopeRequired
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrEncryption)
	}

	key, err := v.deriveKey(scope)
	if err != nil {
		return "", err
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(scope))
	recordOperation("local_encrypt", "success", time.Since(start))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt implements Vault.
func (v *localVault) Decrypt(_ context.Context, ciphertext string, scope string) ([]byte, error) {
	start := time.Now()
	if scope == "" {
		return nil, ErrScopeRequired
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}

	key, err := v.deriveKey(scope)
	if err != nil {
		return nil, fmt.Errorf("%w: key derivation", ErrDecryption)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecryption)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(scope))
	if err != nil {
		recordOperation("local_decrypt", "error", time.Since(start))
		// Deliberately indistinct: a wrong scope and a tampered payload
		// are the same failure to the caller.
		return nil, ErrDecryption
	}
	recordOperation("local_decrypt", "success", time.Since(start))
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

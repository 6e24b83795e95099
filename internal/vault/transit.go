package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// TransitConfig configures the HashiCorp Vault Transit provider.
type TransitConfig struct {
	// Address is the Vault server address.
	Address string `json:"address" yaml:"address"`

	// Token authenticates the client.
	Token string `json:"token" yaml:"token"`

	// Mount is the Transit secrets engine mount path.
	Mount string `json:"mount" yaml:"mount"`

	// KeyName is the derived Transit key. The key must be created with
	// derived=true so the per-request context (our scope) participates in
	// key derivation server-side.
	KeyName string `json:"keyName" yaml:"keyName"`

	// Timeout bounds each Vault request.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultTransitConfig returns a TransitConfig with default values.
func DefaultTransitConfig() *TransitConfig {
	return &TransitConfig{
		Address: "http://127.0.0.1:8200",
		Mount:   "transit",
		KeyName: "avdatagw-secrets",
		Timeout: 5 * time.Second,
	}
}

// transitVault seals secrets through the Vault Transit engine with derived
// keys. Scope maps onto the Transit derivation context, which gives the same
// non-portability guarantee as the local provider.
type transitVault struct {
	api    *vaultapi.Client
	config *TransitConfig
	logger *zap.Logger
}

// NewTransit creates a Transit-backed vault.
func NewTransit(config *TransitConfig, logger *zap.Logger) (Vault, error) {
	if config == nil {
		config = DefaultTransitConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = config.Address
	if config.Timeout > 0 {
		apiConfig.Timeout = config.Timeout
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(config.Token)

	return &transitVault{
		api:    client,
		config: config,
		logger: logger,
	}, nil
}

// Encrypt implements Vault.
func (v *transitVault) Encrypt(ctx context.Context, plaintext []byte, scope string) (string, error) {
	if scope == "" {
		return "", ErrScopeRequired
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrEncryption)
	}

	start := time.Now()
	path := fmt.Sprintf("%s/encrypt/%s", v.config.Mount, v.config.KeyName)

	secret, err := v.api.Logical().WriteWithContext(ctx, path, map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
		"context":   base64.StdEncoding.EncodeToString([]byte(scope)),
	})
	if err != nil {
		recordOperation("transit_encrypt", "error", time.Since(start))
		return "", fmt.Errorf("%w: transit encrypt: %v", ErrEncryption, err)
	}
	if secret == nil || secret.Data == nil {
		recordOperation("transit_encrypt", "error", time.Since(start))
		return "", fmt.Errorf("%w: transit encrypt: empty response", ErrEncryption)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		recordOperation("transit_encrypt", "error", time.Since(start))
		return "", fmt.Errorf("%w: transit encrypt: ciphertext missing", ErrEncryption)
	}

	recordOperation("transit_encrypt", "success", time.Since(start))
	return ciphertext, nil
}

// Decrypt implements Vault.
func (v *transitVault) Decrypt(ctx context.Context, ciphertext string, scope string) ([]byte, error) {
	if scope == "" {
		return nil, ErrScopeRequired
	}

	start := time.Now()
	path := fmt.Sprintf("%s/decrypt/%s", v.config.Mount, v.config.KeyName)

	secret, err := v.api.Logical().WriteWithContext(ctx, path, map[string]any{
		"ciphertext": ciphertext,
		"context":    base64.StdEncoding.EncodeToString([]byte(scope)),
	})
	if err != nil {
		recordOperation("transit_decrypt", "error", time.Since(start))
		return nil, fmt.Errorf("%w: transit decrypt: %v", ErrDecryption, err)
	}
	if secret == nil || secret.Data == nil {
		recordOperation("transit_decrypt", "error", time.Since(start))
		return nil, fmt.Errorf("%w: transit decrypt: empty response", ErrDecryption)
	}

	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		recordOperation("transit_decrypt", "error", time.Since(start))
		return nil, fmt.Errorf("%w: transit decrypt: plaintext missing", ErrDecryption)
	}

	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		recordOperation("transit_decrypt", "error", time.Since(start))
		return nil, fmt.Errorf("%w: transit decrypt: malformed plaintext", ErrDecryption)
	}

	recordOperation("transit_decrypt", "success", time.Since(start))
	return plaintext, nil
}

var _ Vault = (*transitVault)(nil)

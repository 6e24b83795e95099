package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
logging:
  level: debug
  format: console
metrics:
  port: 9100
health:
  port: 8082
catalog:
  path: /tmp/catalog.db
vault:
  provider: local
  masterKeyEnv: DATAGW_MASTER_KEY
rateLimit:
  store: redis
  policy: closed
  redisAddr: localhost:6379
cache:
  store: memory
  ttl: 2m
breakers:
  relational:
    windowSize: 20
    volumeThreshold: 10
    failureRatio: 0.5
    resetTimeout: 30s
  kv:
    failureRatio: 0.8
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, 8082, cfg.Health.Port)
	assert.Equal(t, "/tmp/catalog.db", cfg.Catalog.Path)
	assert.Equal(t, "closed", cfg.RateLimit.Policy)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 20, cfg.Breakers["relational"].WindowSize)
	assert.Equal(t, 0.8, cfg.Breakers["kv"].FailureRatio)

	// Unset fields keep their defaults.
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 256, cfg.Tasks.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 0 }},
		{"port collision", func(c *Config) { c.Health.Port = c.Metrics.Port }},
		{"missing catalog path", func(c *Config) { c.Catalog.Path = "" }},
		{"unknown vault provider", func(c *Config) { c.Vault.Provider = "kms" }},
		{"transit without address", func(c *Config) {
			c.Vault.Provider = "transit"
			c.Vault.Transit.Address = ""
		}},
		{"redis limiter without addr", func(c *Config) {
			c.RateLimit.Store = "redis"
			c.RateLimit.RedisAddr = ""
		}},
		{"missing limiter policy", func(c *Config) { c.RateLimit.Policy = "" }},
		{"unknown breaker kind", func(c *Config) {
			c.Breakers = map[string]BreakerConfig{"graph": {}}
		}},
		{"breaker ratio out of range", func(c *Config) {
			c.Breakers = map[string]BreakerConfig{"relational": {FailureRatio: 1.5}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.RateLimit.Policy = "open"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultRequiresExplicitPolicy(t *testing.T) {
	// The failure policy has no default on purpose.
	assert.Error(t, Default().Validate())
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, validYAML)

	var reloads int64
	var lastLevel atomic.Value
	w, err := NewWatcher(path, func(cfg *Config) {
		atomic.AddInt64(&reloads, 1)
		lastLevel.Store(cfg.Logging.Level)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()
	require.Equal(t, "debug", w.Last().Logging.Level)

	updated := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&reloads) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "warn", lastLevel.Load())
	assert.Equal(t, "warn", w.Last().Logging.Level)
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, validYAML)

	w, err := NewWatcher(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	time.Sleep(300 * time.Millisecond)

	// The previous configuration stays active.
	assert.Equal(t, "debug", w.Last().Logging.Level)
}

// Package config loads and validates the gateway configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avdatagw/internal/observability"
)

// Config is the root gateway configuration.
type Config struct {
	Logging   observability.LogConfig    `yaml:"logging"`
	Tracing   observability.TracerConfig `yaml:"tracing"`
	Metrics   MetricsConfig              `yaml:"metrics"`
	Health    HealthConfig               `yaml:"health"`
	Catalog   CatalogConfig              `yaml:"catalog"`
	Vault     VaultConfig                `yaml:"vault"`
	RateLimit RateLimitConfig            `yaml:"rateLimit"`
	Cache     CacheConfig                `yaml:"cache"`
	Tasks     TasksConfig                `yaml:"tasks"`
	Audit     AuditConfig                `yaml:"audit"`
	Breakers  map[string]BreakerConfig   `yaml:"breakers"`
}

// AuditConfig configures the administrative audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the audit log file; empty writes to stdout.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// CatalogConfig configures the backend catalog store.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// VaultConfig selects and configures the secret vault.
type VaultConfig struct {
	// Provider is "local" or "transit".
	Provider string `yaml:"provider"`

	// MasterKeyEnv names the environment variable holding the local
	// provider's base64 master key. The key itself never appears in the
	// config file.
	MasterKeyEnv string `yaml:"masterKeyEnv"`

	Transit TransitConfig `yaml:"transit"`
}

// TransitConfig configures the Vault Transit provider.
type TransitConfig struct {
	Address  string        `yaml:"address"`
	TokenEnv string        `yaml:"tokenEnv"`
	Mount    string        `yaml:"mount"`
	KeyName  string        `yaml:"keyName"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RateLimitConfig configures the distributed limiter.
type RateLimitConfig struct {
	// Store is "redis" or "memory".
	Store string `yaml:"store"`

	// Policy is "open" or "closed" and has no default; the operator must
	// choose how the gateway behaves when the store is down.
	Policy string `yaml:"policy"`

	RedisAddr string `yaml:"redisAddr"`
}

// CacheConfig configures the session/config cache.
type CacheConfig struct {
	// Store is "redis" or "memory".
	Store string `yaml:"store"`

	RedisAddr  string        `yaml:"redisAddr"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// TasksConfig configures the background task queue.
type TasksConfig struct {
	QueueSize int `yaml:"queueSize"`
	Workers   int `yaml:"workers"`
}

// BreakerConfig overrides circuit breaker thresholds per backend kind.
type BreakerConfig struct {
	WindowSize      int           `yaml:"windowSize"`
	VolumeThreshold int           `yaml:"volumeThreshold"`
	FailureRatio    float64       `yaml:"failureRatio"`
	ResetTimeout    time.Duration `yaml:"resetTimeout"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Logging: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{
			ServiceName:  "avdatagw",
			SamplingRate: 0.1,
		},
		Metrics: MetricsConfig{Port: 9091, Path: "/metrics"},
		Health:  HealthConfig{Port: 8081},
		Catalog: CatalogConfig{Path: "/var/lib/avdatagw/catalog.db"},
		Vault: VaultConfig{
			Provider:     "local",
			MasterKeyEnv: "DATAGW_MASTER_KEY",
			Transit: TransitConfig{
				Mount:   "transit",
				KeyName: "avdatagw-secrets",
				Timeout: 5 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{Store: "memory"},
		Cache: CacheConfig{
			Store:      "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 4096,
		},
		Tasks: TasksConfig{QueueSize: 256, Workers: 2},
	}
}

// Load reads, merges with defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for operator mistakes.
func (c *Config) Validate() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port %d out of range", c.Metrics.Port)
	}
	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health port %d out of range", c.Health.Port)
	}
	if c.Metrics.Port == c.Health.Port {
		return fmt.Errorf("metrics and health ports collide on %d", c.Metrics.Port)
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required")
	}

	switch c.Vault.Provider {
	case "local":
		if c.Vault.MasterKeyEnv == "" {
			return fmt.Errorf("vault masterKeyEnv is required for the local provider")
		}
	case "transit":
		if c.Vault.Transit.Address == "" {
			return fmt.Errorf("vault transit address is required")
		}
		if c.Vault.Transit.TokenEnv == "" {
			return fmt.Errorf("vault transit tokenEnv is required")
		}
	default:
		return fmt.Errorf("unknown vault provider %q", c.Vault.Provider)
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rateLimit redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store)
	}
	if c.RateLimit.Policy != "open" && c.RateLimit.Policy != "closed" {
		return fmt.Errorf("rateLimit policy must be \"open\" or \"closed\", got %q", c.RateLimit.Policy)
	}

	switch c.Cache.Store {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown cache store %q", c.Cache.Store)
	}

	for kind, b := range c.Breakers {
		switch kind {
		case "relational", "kv", "document":
		default:
			return fmt.Errorf("breaker override for unknown backend kind %q", kind)
		}
		if b.FailureRatio < 0 || b.FailureRatio > 1 {
			return fmt.Errorf("breaker failureRatio for %q must be within [0, 1]", kind)
		}
	}

	return nil
}

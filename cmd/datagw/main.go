// Command datagw runs the multi-tenant data gateway: a connection and
// tenant-context management layer in front of registered SQL, key-value and
// document backends.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avdatagw/internal/audit"
	"github.com/vyrodovalexey/avdatagw/internal/backend"
	"github.com/vyrodovalexey/avdatagw/internal/cache"
	"github.com/vyrodovalexey/avdatagw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdatagw/internal/config"
	"github.com/vyrodovalexey/avdatagw/internal/core"
	"github.com/vyrodovalexey/avdatagw/internal/health"
	"github.com/vyrodovalexey/avdatagw/internal/observability"
	"github.com/vyrodovalexey/avdatagw/internal/observability/metrics"
	"github.com/vyrodovalexey/avdatagw/internal/pool"
	"github.com/vyrodovalexey/avdatagw/internal/ratelimit"
	ratestore "github.com/vyrodovalexey/avdatagw/internal/ratelimit/store"
	"github.com/vyrodovalexey/avdatagw/internal/registry"
	"github.com/vyrodovalexey/avdatagw/internal/session"
	"github.com/vyrodovalexey/avdatagw/internal/tasks"
	"github.com/vyrodovalexey/avdatagw/internal/vault"
)

func main() {
	configPath := flag.String("config", "/etc/avdatagw/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "datagw: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	observability.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()
	zlog := observability.Zap(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	v, err := buildVault(cfg.Vault, zlog)
	if err != nil {
		return err
	}

	catalog, err := registry.OpenCatalog(cfg.Catalog.Path, v, zlog)
	if err != nil {
		return err
	}
	defer func() { _ = catalog.Close() }()

	limiter, limiterCheck, err := buildLimiter(cfg.RateLimit, zlog)
	if err != nil {
		return err
	}

	lookups, err := buildLookupCache(cfg.Cache, zlog)
	if err != nil {
		return err
	}

	queue := tasks.NewQueue(tasks.Config{
		QueueSize: cfg.Tasks.QueueSize,
		Workers:   cfg.Tasks.Workers,
	}, zlog)
	queue.Start()
	defer queue.Stop()

	sqlDriver := backend.NewSQLDriver(nil, zlog)
	defer func() { _ = sqlDriver.Close() }()
	kvDriver := backend.NewKVDriver(zlog)
	defer func() { _ = kvDriver.Close() }()
	docDriver := backend.NewDocumentDriver(zlog)
	defer func() { _ = docDriver.Close() }()

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(cfg.Audit.Path, zlog)
		if err != nil {
			return err
		}
		defer func() { _ = auditLogger.Close() }()
	}

	pools := pool.NewRegistry(zlog)
	executor := core.NewExecutor(core.Deps{
		Catalog: catalog,
		Vault:   v,
		Drivers: map[backend.Kind]backend.Driver{
			backend.KindRelational: sqlDriver,
			backend.KindKV:         kvDriver,
			backend.KindDocument:   docDriver,
		},
		Pools:          pools,
		Breakers:       circuitbreaker.NewRegistry(nil, zlog),
		Limiter:        limiter,
		Propagator:     session.NewPropagator(zlog),
		Tasks:          queue,
		Logger:         zlog,
		Audit:          auditLogger,
		Lookups:        lookups,
		BreakerConfigs: breakerOverrides(cfg.Breakers),
	})
	defer executor.Close()

	metricsServer := metrics.NewServer(&metrics.ServerConfig{
		Port: cfg.Metrics.Port,
		Path: cfg.Metrics.Path,
	}, zlog)

	healthServer := health.NewServer(health.Config{Port: cfg.Health.Port},
		func() any { return executor.Health() }, zlog)
	healthServer.RegisterCheck("catalog", catalog.Ping)
	if limiterCheck != nil {
		healthServer.RegisterCheck("ratelimit-store", limiterCheck)
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		// Breaker thresholds take effect on the next call per backend-tier
		// pair; listener ports and store addresses need a restart.
		executor.SetBreakerConfigs(breakerOverrides(newCfg.Breakers))
		logger.Info("configuration reloaded",
			observability.Int("breaker_overrides", len(newCfg.Breakers)),
		)
	}, zlog)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	errCh := make(chan error, 2)
	go func() { errCh <- metricsServer.Start() }()
	go func() { errCh <- healthServer.Start() }()

	logger.Info("data gateway started",
		observability.Int("metrics_port", cfg.Metrics.Port),
		observability.Int("health_port", cfg.Health.Port),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthServer.Stop(shutdownCtx)
	_ = metricsServer.Stop(shutdownCtx)

	logger.Info("data gateway stopped")
	return nil
}

// buildVault constructs the configured secret vault. The local master key
// and the transit token come from the environment, never from the config
// file.
func buildVault(cfg config.VaultConfig, zlog *zap.Logger) (vault.Vault, error) {
	switch cfg.Provider {
	case "transit":
		return vault.NewTransit(&vault.TransitConfig{
			Address: cfg.Transit.Address,
			Token:   os.Getenv(cfg.Transit.TokenEnv),
			Mount:   cfg.Transit.Mount,
			KeyName: cfg.Transit.KeyName,
			Timeout: cfg.Transit.Timeout,
		}, zlog)
	default:
		encoded := os.Getenv(cfg.MasterKeyEnv)
		if encoded == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.MasterKeyEnv)
		}
		master, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode master key from %s: %w", cfg.MasterKeyEnv, err)
		}
		return vault.NewLocal(master)
	}
}

// buildLimiter constructs the rate limiter and, for the redis store, a
// readiness check against it.
func buildLimiter(cfg config.RateLimitConfig, zlog *zap.Logger) (*ratelimit.Limiter, health.Checker, error) {
	limiterConfig := ratelimit.Config{Policy: ratelimit.FailurePolicy(cfg.Policy)}

	if cfg.Store == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter, err := ratelimit.New(ratestore.NewRedisStore(client), limiterConfig, zlog)
		if err != nil {
			return nil, nil, err
		}
		check := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return limiter, check, nil
	}

	limiter, err := ratelimit.New(ratestore.NewMemoryStore(), limiterConfig, zlog)
	return limiter, nil, err
}

// buildLookupCache constructs the cache-aside store for catalog lookups.
func buildLookupCache(cfg config.CacheConfig, zlog *zap.Logger) (*cache.Store, error) {
	if cfg.Store == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return cache.NewStore(cache.NewRedisCache(client), cfg.TTL, zlog), nil
	}
	return cache.NewStore(cache.NewMemoryCache(cfg.MaxEntries), cfg.TTL, zlog), nil
}

// breakerOverrides maps config overrides onto breaker configs per kind.
func breakerOverrides(overrides map[string]config.BreakerConfig) map[backend.Kind]*circuitbreaker.Config {
	if len(overrides) == 0 {
		return nil
	}
	configs := make(map[backend.Kind]*circuitbreaker.Config, len(overrides))
	for kind, o := range overrides {
		configs[backend.Kind(kind)] = &circuitbreaker.Config{
			WindowSize:      o.WindowSize,
			VolumeThreshold: o.VolumeThreshold,
			FailureRatio:    o.FailureRatio,
			ResetTimeout:    o.ResetTimeout,
		}
	}
	return configs
}

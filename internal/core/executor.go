// Package core wires the catalog, vault, pools, breakers, limiter and
// session propagator into the single entry point operations flow through.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avdatagw/internal/audit"
	"github.com/vyrodovalexey/avdatagw/internal/backend"
	"github.com/vyrodovalexey/avdatagw/internal/cache"
	"github.com/vyrodovalexey/avdatagw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdatagw/internal/pool"
	"github.com/vyrodovalexey/avdatagw/internal/ratelimit"
	"github.com/vyrodovalexey/avdatagw/internal/registry"
	"github.com/vyrodovalexey/avdatagw/internal/session"
	"github.com/vyrodovalexey/avdatagw/internal/tasks"
	"github.com/vyrodovalexey/avdatagw/internal/tenant"
	"github.com/vyrodovalexey/avdatagw/internal/tier"
	"github.com/vyrodovalexey/avdatagw/internal/vault"
)

// Request is one tenant operation against a registered backend.
type Request struct {
	BackendID string
	Tier      tier.Tier
	Tenant    tenant.Context
	Statement string
	Params    []any
}

// Deps are the executor's collaborators, constructed in main and passed in
// explicitly.
type Deps struct {
	Catalog    *registry.Catalog
	Vault      vault.Vault
	Drivers    map[backend.Kind]backend.Driver
	Pools      *pool.Registry
	Breakers   *circuitbreaker.Registry
	Limiter    *ratelimit.Limiter
	Propagator *session.Propagator
	Tasks      *tasks.Queue
	Logger     *zap.Logger

	// Audit receives administrative and system-actor events. May be nil.
	Audit *audit.Logger

	// Lookups optionally caches catalog reads on the hot path. Never the
	// secret column; only what List would expose.
	Lookups *cache.Store

	// BreakerConfigs overrides breaker thresholds per backend kind.
	BreakerConfigs map[backend.Kind]*circuitbreaker.Config
}

// Executor runs tenant operations through the full admission chain: rate
// limit, circuit breaker, pool acquisition, then a tenant-scoped
// transaction. The order is deliberate: a rejected request must be refused
// before it can occupy a pool slot.
type Executor struct {
	deps   Deps
	logger *zap.Logger
	tracer oteltrace.Tracer

	breakerMu      sync.RWMutex
	breakerConfigs map[backend.Kind]*circuitbreaker.Config
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		deps:           deps,
		logger:         logger,
		tracer:         otel.Tracer("avdatagw/core"),
		breakerConfigs: deps.BreakerConfigs,
	}
}

// SetBreakerConfigs replaces the per-kind breaker threshold overrides at
// runtime, typically from a config reload. Existing breakers are dropped so
// every backend-tier pair rebuilds its breaker with the new thresholds on
// next use; the failure windows restart empty.
func (e *Executor) SetBreakerConfigs(configs map[backend.Kind]*circuitbreaker.Config) {
	e.breakerMu.Lock()
	e.breakerConfigs = configs
	e.breakerMu.Unlock()

	e.deps.Breakers.Clear()
	e.logger.Info("breaker overrides updated", zap.Int("kinds", len(configs)))
}

// breakerOverride returns the current override for a backend kind.
func (e *Executor) breakerOverride(kind backend.Kind) (*circuitbreaker.Config, bool) {
	e.breakerMu.RLock()
	defer e.breakerMu.RUnlock()
	override, ok := e.breakerConfigs[kind]
	return override, ok
}

// Exec runs a statement that returns no rows and reports affected rows.
func (e *Executor) Exec(ctx context.Context, req Request) (int64, error) {
	var affected int64
	err := e.run(ctx, req, "exec", func(ctx context.Context, tx backend.Tx) error {
		n, err := tx.Exec(ctx, req.Statement, req.Params...)
		affected = n
		return err
	})
	return affected, err
}

// Query runs a statement and returns its rows.
func (e *Executor) Query(ctx context.Context, req Request) (*backend.Rows, error) {
	var rows *backend.Rows
	err := e.run(ctx, req, "query", func(ctx context.Context, tx backend.Tx) error {
		r, err := tx.Query(ctx, req.Statement, req.Params...)
		rows = r
		return err
	})
	return rows, err
}

// run is the admission chain shared by Exec and Query.
func (e *Executor) run(ctx context.Context, req Request, op string, fn func(ctx context.Context, tx backend.Tx) error) (err error) {
	start := time.Now()

	if err := req.Tenant.Validate(); err != nil {
		return err
	}
	if req.Tenant.SystemActor {
		// System-actor operations bypass row filtering and always leave an
		// audit record.
		defer func() {
			e.auditEvent(audit.ActionSystemOperation, err, req.BackendID,
				map[string]string{"operation": op})
		}()
	}
	tierConfig, err := tier.Resolve(req.Tier)
	if err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "core."+op,
		oteltrace.WithAttributes(
			attribute.String("backend.id", req.BackendID),
			attribute.String("tenant.tier", req.Tier.String()),
			attribute.String("tenant.scope", req.Tenant.Scope()),
		),
	)
	defer span.End()

	// Admission first. A tenant over budget never reaches the pool.
	_, err = e.deps.Limiter.Allow(ctx, req.Tier.String(), req.Tenant.Scope(),
		int64(tierConfig.RateLimit), tierConfig.RateWindow)
	if err != nil {
		recordOperation(req.BackendID, req.Tier.String(), op, "rate_limited", time.Since(start))
		return err
	}

	reg, err := e.lookupRegistration(ctx, req.BackendID)
	if err != nil {
		recordOperation(req.BackendID, req.Tier.String(), op, "error", time.Since(start))
		return err
	}
	if reg.Status == registry.StatusRetired {
		recordOperation(req.BackendID, req.Tier.String(), op, "error", time.Since(start))
		return fmt.Errorf("%w: %s", registry.ErrRetired, req.BackendID)
	}

	driver, ok := e.deps.Drivers[reg.Kind]
	if !ok {
		recordOperation(req.BackendID, req.Tier.String(), op, "error", time.Since(start))
		return fmt.Errorf("no driver for backend kind %q", reg.Kind)
	}

	key := circuitbreaker.Key{BackendID: req.BackendID, Tier: req.Tier.String()}
	var breaker *circuitbreaker.Breaker
	if override, ok := e.breakerOverride(reg.Kind); ok {
		breaker = e.deps.Breakers.GetOrCreateWithConfig(key, override)
	} else {
		breaker = e.deps.Breakers.GetOrCreate(key)
	}
	p := e.deps.Pools.GetOrCreate(ctx,
		pool.Key{BackendID: req.BackendID, Tier: req.Tier.String()},
		pool.ConfigFromTier(tierConfig),
		e.connectionFactory(reg, driver),
	)

	opCtx, cancel := context.WithTimeout(ctx, tierConfig.QueryTimeout)
	defer cancel()

	// The breaker wraps pool acquisition and the call itself: sustained
	// exhaustion and backend errors both feed the failure window, while
	// caller cancellations stay neutral inside Record.
	err = breaker.Execute(opCtx, func() error {
		return p.With(opCtx, func(conn backend.Conn) error {
			return e.deps.Propagator.WithTenantContext(opCtx, conn, req.Tenant, func(tx backend.Tx) error {
				return fn(opCtx, tx)
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		recordOperation(req.BackendID, req.Tier.String(), op, "error", time.Since(start))
		return err
	}

	e.touchUsage(req.BackendID)
	recordOperation(req.BackendID, req.Tier.String(), op, "ok", time.Since(start))
	return nil
}

// registrationScope is the cache scope for catalog lookups. Registrations
// are gateway-wide state, owned by the system actor.
const registrationScope = "system"

// lookupRegistration reads a registration, through the lookup cache when one
// is configured. Cached entries carry only what List exposes; retirement and
// rotation invalidate them.
func (e *Executor) lookupRegistration(ctx context.Context, backendID string) (registry.Registration, error) {
	if e.deps.Lookups == nil {
		return e.deps.Catalog.Get(ctx, backendID)
	}

	data, err := e.deps.Lookups.GetOrLoad(ctx, cache.KindConfig, registrationScope, backendID,
		func(ctx context.Context) ([]byte, error) {
			reg, err := e.deps.Catalog.Get(ctx, backendID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(reg)
		})
	if err != nil {
		return registry.Registration{}, err
	}

	var reg registry.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return registry.Registration{}, fmt.Errorf("decode cached registration: %w", err)
	}
	return reg, nil
}

// invalidateLookup drops a cached registration after catalog writes.
func (e *Executor) invalidateLookup(ctx context.Context, backendID string) {
	if e.deps.Lookups == nil {
		return
	}
	if err := e.deps.Lookups.Invalidate(ctx, cache.KindConfig, registrationScope, backendID); err != nil {
		e.logger.Warn("registration cache invalidation failed",
			zap.String("backend_id", backendID),
			zap.Error(err),
		)
	}
}

// connectionFactory builds the pool's decrypt-then-connect closure. The
// plaintext credential lives only inside the closure invocation: decrypted,
// passed to Open, then zeroed.
func (e *Executor) connectionFactory(reg registry.Registration, driver backend.Driver) pool.Factory {
	backendID := reg.ID
	return func(ctx context.Context) (backend.Conn, error) {
		ciphertext, scope, err := e.deps.Catalog.SealedSecret(ctx, backendID)
		if err != nil {
			return nil, err
		}

		plaintext, err := e.deps.Vault.Decrypt(ctx, ciphertext, scope)
		if err != nil {
			return nil, err
		}

		target := backend.Target{
			Host:     reg.Host,
			Port:     reg.Port,
			Database: reg.Database,
			Secret:   string(plaintext),
		}
		for i := range plaintext {
			plaintext[i] = 0
		}

		conn, err := driver.Open(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("open %s backend %s: %w", reg.Kind, backendID, err)
		}
		return conn, nil
	}
}

// touchUsage records backend usage off the request path. A full queue drops
// the update; last-used is advisory.
func (e *Executor) touchUsage(backendID string) {
	if e.deps.Tasks == nil {
		return
	}
	_ = e.deps.Tasks.Submit("touch-usage", func(ctx context.Context) error {
		return e.deps.Catalog.Touch(ctx, backendID)
	})
}

// auditEvent records an administrative action when auditing is enabled.
func (e *Executor) auditEvent(action audit.Action, err error, backendID string, details map[string]string) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	e.deps.Audit.Log(audit.Event{
		Action:    action,
		Outcome:   outcome,
		BackendID: backendID,
		Details:   details,
	})
}

// Register adds a backend to the catalog.
func (e *Executor) Register(ctx context.Context, in registry.RegisterInput) (registry.Registration, error) {
	reg, err := e.deps.Catalog.Register(ctx, in)
	e.auditEvent(audit.ActionBackendRegister, err, reg.ID, map[string]string{
		"name": in.Name,
		"kind": string(in.Kind),
	})
	return reg, err
}

// Rotate replaces a backend's credential. Existing pooled connections keep
// working on the old credential until recycled; new connections dial with
// the rotated one because the factory re-reads the catalog on every open.
func (e *Executor) Rotate(ctx context.Context, backendID, newSecret string) error {
	err := e.deps.Catalog.Rotate(ctx, backendID, newSecret)
	e.auditEvent(audit.ActionBackendRotate, err, backendID, nil)
	if err != nil {
		return err
	}
	e.invalidateLookup(ctx, backendID)
	return nil
}

// Retire removes a backend from service and tears down its pools and
// breakers across all tiers.
func (e *Executor) Retire(ctx context.Context, backendID string) error {
	err := e.deps.Catalog.Retire(ctx, backendID)
	e.auditEvent(audit.ActionBackendRetire, err, backendID, nil)
	if err != nil {
		return err
	}
	e.invalidateLookup(ctx, backendID)

	e.deps.Pools.RemoveBackend(backendID)
	for _, t := range tier.All() {
		e.deps.Breakers.Remove(circuitbreaker.Key{BackendID: backendID, Tier: t.String()})
	}

	e.logger.Info("backend retired", zap.String("backend_id", backendID))
	return nil
}

// List returns catalog registrations. This path never decrypts anything.
func (e *Executor) List(ctx context.Context, status registry.Status) ([]registry.Registration, error) {
	return e.deps.Catalog.List(ctx, status)
}

// BackendHealth is the per-pool health snapshot.
type BackendHealth struct {
	Pool    pool.Stats `json:"pool"`
	Breaker string     `json:"breakerState"`
}

// Health returns a snapshot for every active backend-tier pool without
// performing any backend I/O.
func (e *Executor) Health() map[string]BackendHealth {
	breakers := e.deps.Breakers.Stats()

	health := make(map[string]BackendHealth)
	for key, stats := range e.deps.Pools.Stats() {
		state := circuitbreaker.StateClosed.String()
		if b, ok := breakers[key]; ok {
			state = b.State.String()
		}
		health[key] = BackendHealth{Pool: stats, Breaker: state}
	}
	return health
}

// Close tears down pools and the limiter.
func (e *Executor) Close() {
	e.deps.Pools.Close()
	if e.deps.Limiter != nil {
		_ = e.deps.Limiter.Close()
	}
}

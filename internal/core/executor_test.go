package core

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdatagw/internal/backend"
	"github.com/vyrodovalexey/avdatagw/internal/cache"
	"github.com/vyrodovalexey/avdatagw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdatagw/internal/pool"
	"github.com/vyrodovalexey/avdatagw/internal/ratelimit"
	ratestore "github.com/vyrodovalexey/avdatagw/internal/ratelimit/store"
	"github.com/vyrodovalexey/avdatagw/internal/registry"
	"github.com/vyrodovalexey/avdatagw/internal/session"
	"github.com/vyrodovalexey/avdatagw/internal/tenant"
	"github.com/vyrodovalexey/avdatagw/internal/tier"
	"github.com/vyrodovalexey/avdatagw/internal/vault"
)

type stubTx struct {
	driver *stubDriver
}

func (t *stubTx) ApplyTenant(_ context.Context, userID, orgID string, systemActor bool) error {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	t.driver.appliedScopes = append(t.driver.appliedScopes, userID+"/"+orgID)
	_ = systemActor
	return nil
}

func (t *stubTx) Exec(_ context.Context, _ string, _ ...any) (int64, error) {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	t.driver.execs++
	if t.driver.execErr != nil {
		return 0, t.driver.execErr
	}
	return 1, nil
}

func (t *stubTx) Query(_ context.Context, _ string, _ ...any) (*backend.Rows, error) {
	return &backend.Rows{Columns: []string{"id"}, Values: [][]any{{int64(1)}}}, nil
}

func (t *stubTx) Commit() error   { return nil }
func (t *stubTx) Rollback() error { return nil }

type stubConn struct {
	driver *stubDriver
}

func (c *stubConn) Validate(_ context.Context) error { return nil }
func (c *stubConn) Begin(_ context.Context) (backend.Tx, error) {
	return &stubTx{driver: c.driver}, nil
}
func (c *stubConn) Close() error { return nil }

type stubDriver struct {
	mu            sync.Mutex
	opens         int
	execs         int
	seenSecrets   []string
	appliedScopes []string
	execErr       error
}

func (d *stubDriver) Kind() backend.Kind { return backend.KindRelational }

func (d *stubDriver) Open(_ context.Context, target backend.Target) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.seenSecrets = append(d.seenSecrets, target.Secret)
	return &stubConn{driver: d}, nil
}

type harness struct {
	executor *Executor
	driver   *stubDriver
	catalog  *registry.Catalog
	backend  registry.Registration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	master := make([]byte, vault.MasterKeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	v, err := vault.NewLocal(master)
	require.NoError(t, err)

	catalog, err := registry.OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"), v, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	limiter, err := ratelimit.New(ratestore.NewMemoryStore(), ratelimit.Config{Policy: ratelimit.FailClosed}, nil)
	require.NoError(t, err)

	driver := &stubDriver{}
	pools := pool.NewRegistry(nil)
	t.Cleanup(pools.Close)

	executor := NewExecutor(Deps{
		Catalog:    catalog,
		Vault:      v,
		Drivers:    map[backend.Kind]backend.Driver{backend.KindRelational: driver},
		Pools:      pools,
		Breakers:   circuitbreaker.NewRegistry(nil, nil),
		Limiter:    limiter,
		Propagator: session.NewPropagator(nil),
	})

	reg, err := catalog.Register(context.Background(), registry.RegisterInput{
		Name:     "orders-db",
		Kind:     backend.KindRelational,
		Host:     "orders.internal",
		Port:     5432,
		Database: "orders",
		Secret:   "orders-password",
	})
	require.NoError(t, err)

	return &harness{executor: executor, driver: driver, catalog: catalog, backend: reg}
}

func ordersRequest(h *harness) Request {
	return Request{
		BackendID: h.backend.ID,
		Tier:      tier.Pro,
		Tenant:    tenant.Member("u1", "acme"),
		Statement: "UPDATE orders SET total = ? WHERE id = ?",
		Params:    []any{100, 1},
	}
}

func TestExecutorExec(t *testing.T) {
	h := newHarness(t)

	affected, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Equal(t, []string{"u1/acme"}, h.driver.appliedScopes)
}

func TestExecutorQuery(t *testing.T) {
	h := newHarness(t)

	req := ordersRequest(h)
	req.Statement = "SELECT id FROM orders"
	rows, err := h.executor.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, rows.Len())
}

func TestExecutorDecryptsBeforeConnect(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)

	// The driver received the plaintext credential, not the ciphertext.
	require.NotEmpty(t, h.driver.seenSecrets)
	assert.Equal(t, "orders-password", h.driver.seenSecrets[0])
}

func TestExecutorRequiresTenantContext(t *testing.T) {
	h := newHarness(t)

	req := ordersRequest(h)
	req.Tenant = tenant.Context{}
	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, tenant.ErrContextMissing)
	assert.Zero(t, h.driver.opens)
}

func TestExecutorUnknownBackend(t *testing.T) {
	h := newHarness(t)

	req := ordersRequest(h)
	req.BackendID = "missing"
	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestExecutorRetiredBackendRejected(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.executor.Retire(context.Background(), h.backend.ID))

	_, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.ErrorIs(t, err, registry.ErrRetired)
}

func TestExecutorRateLimitRejects(t *testing.T) {
	h := newHarness(t)

	// Free tier admits 60 per minute; the 61st is rejected before any
	// backend work happens.
	req := ordersRequest(h)
	req.Tier = tier.Free
	for i := 0; i < 60; i++ {
		_, err := h.executor.Exec(context.Background(), req)
		require.NoError(t, err)
	}

	opens := h.driver.opens
	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Equal(t, opens, h.driver.opens)
}

func TestExecutorCircuitOpensAndFailsFast(t *testing.T) {
	h := newHarness(t)
	h.driver.execErr = errors.New("backend down")

	// Ten straight failures fill the breaker window past the trip point.
	req := ordersRequest(h)
	for i := 0; i < 10; i++ {
		_, err := h.executor.Exec(context.Background(), req)
		require.Error(t, err)
		require.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}

	execsBefore := h.driver.execs
	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, execsBefore, h.driver.execs)
}

func TestExecutorRotatePicksUpNewSecret(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)

	require.NoError(t, h.executor.Rotate(context.Background(), h.backend.ID, "rotated-password"))

	// Force a fresh connection by tearing down the existing pool.
	h.executor.deps.Pools.RemoveBackend(h.backend.ID)

	_, err = h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)
	assert.Equal(t, "rotated-password", h.driver.seenSecrets[len(h.driver.seenSecrets)-1])
}

func TestExecutorHealth(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)

	health := h.executor.Health()
	key := h.backend.ID + ":pro"
	require.Contains(t, health, key)
	assert.Equal(t, "closed", health[key].Breaker)
	// The pro tier keeps five connections warm.
	assert.Equal(t, 5, health[key].Pool.Size)
}

func TestExecutorList(t *testing.T) {
	h := newHarness(t)

	regs, err := h.executor.List(context.Background(), registry.StatusActive)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "orders-db", regs[0].Name)
}

func TestExecutorLookupCacheInvalidatedOnRetire(t *testing.T) {
	h := newHarness(t)
	h.executor.deps.Lookups = cache.NewStore(cache.NewMemoryCache(64), time.Minute, nil)

	_, err := h.executor.Exec(context.Background(), ordersRequest(h))
	require.NoError(t, err)

	// Retirement invalidates the cached registration, so the next call
	// observes the new status instead of a stale active entry.
	require.NoError(t, h.executor.Retire(context.Background(), h.backend.ID))

	_, err = h.executor.Exec(context.Background(), ordersRequest(h))
	require.ErrorIs(t, err, registry.ErrRetired)
}

func TestExecutorBreakerOverridePerKind(t *testing.T) {
	h := newHarness(t)
	h.executor.SetBreakerConfigs(map[backend.Kind]*circuitbreaker.Config{
		backend.KindRelational: {WindowSize: 4, VolumeThreshold: 4, FailureRatio: 0.5, ResetTimeout: time.Minute},
	})
	h.driver.execErr = errors.New("backend down")

	// The tighter override trips after four failures instead of ten.
	req := ordersRequest(h)
	for i := 0; i < 4; i++ {
		_, err := h.executor.Exec(context.Background(), req)
		require.Error(t, err)
	}

	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestExecutorBreakerReloadTakesEffect(t *testing.T) {
	h := newHarness(t)
	h.driver.execErr = errors.New("backend down")

	// Under the default thresholds, four failures leave the circuit closed.
	req := ordersRequest(h)
	for i := 0; i < 4; i++ {
		_, err := h.executor.Exec(context.Background(), req)
		require.Error(t, err)
		require.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}

	// A runtime reload tightens the relational thresholds. The breaker is
	// rebuilt with the new config on next use and now trips after four.
	h.executor.SetBreakerConfigs(map[backend.Kind]*circuitbreaker.Config{
		backend.KindRelational: {WindowSize: 4, VolumeThreshold: 4, FailureRatio: 0.5, ResetTimeout: time.Minute},
	})

	for i := 0; i < 4; i++ {
		_, err := h.executor.Exec(context.Background(), req)
		require.Error(t, err)
		require.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}

	_, err := h.executor.Exec(context.Background(), req)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, "open", h.executor.Health()[h.backend.ID+":pro"].Breaker)
}

// Package pool manages the bounded set of live connections for one
// backend-tier pair. The pool is the only owner of connections: callers
// borrow through scoped acquisition and the release path runs on every exit,
// including error and cancellation paths.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avdatagw/internal/backend"
)

// Sentinel errors.
var (
	// ErrPoolExhausted is returned when no connection becomes available
	// within the acquire timeout. It is surfaced as backpressure and is
	// never retried automatically by this layer.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// DefaultSweepInterval is how often the idle sweeper runs.
const DefaultSweepInterval = 5 * time.Minute

// Key identifies one pool.
type Key struct {
	BackendID string
	Tier      string
}

// String returns the metric label form of the key.
func (k Key) String() string {
	return k.BackendID + ":" + k.Tier
}

// Factory creates one fresh connection. The factory performs the
// decrypt-then-connect sequence; the pool never sees plaintext secrets.
type Factory func(ctx context.Context) (backend.Conn, error)

// Config holds pool sizing, derived from the backend's tier.
type Config struct {
	// MinSize is the number of connections kept warm.
	MinSize int

	// MaxSize is the hard bound on live connections.
	MaxSize int

	// AcquireTimeout bounds how long Acquire blocks.
	AcquireTimeout time.Duration

	// ConnectTimeout bounds each fresh connection attempt.
	ConnectTimeout time.Duration

	// IdleTimeout is the age past last use at which the sweeper destroys
	// an idle connection, down to MinSize.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration
}

func (c *Config) normalize() {
	if c.MaxSize < 1 {
		c.MaxSize = 1
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// PooledConn is a borrowed connection. It is valid between Acquire and
// Release and must not be retained afterwards.
type PooledConn struct {
	conn      backend.Conn
	createdAt time.Time
	lastUsed  time.Time
	broken    bool
}

// Conn returns the underlying connection.
func (p *PooledConn) Conn() backend.Conn {
	return p.conn
}

// MarkBroken flags the connection for destruction on release instead of
// reuse.
func (p *PooledConn) MarkBroken() {
	p.broken = true
}

// Age returns the time since the connection was created.
func (p *PooledConn) Age() time.Duration {
	return time.Since(p.createdAt)
}

// Pool is a bounded connection pool for one backend-tier pair.
type Pool struct {
	key     Key
	config  Config
	factory Factory
	logger  *zap.Logger

	// slots is a counting semaphore with MaxSize tokens. Holding a token
	// entitles the holder to either an idle connection or open capacity.
	slots chan struct{}

	mu      sync.Mutex
	idle    []*PooledConn
	numOpen int
	closed  bool

	pending int64

	stopCh   chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup
}

// New creates a pool. Start must be called to warm it and run the sweeper.
func New(key Key, config Config, factory Factory, logger *zap.Logger) *Pool {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	slots := make(chan struct{}, config.MaxSize)
	for i := 0; i < config.MaxSize; i++ {
		slots <- struct{}{}
	}

	return &Pool{
		key:     key,
		config:  config,
		factory: factory,
		logger:  logger,
		slots:   slots,
		stopCh:  make(chan struct{}),
	}
}

// Start warms the pool to MinSize and launches the idle sweeper. Warm-up is
// best effort; a backend that is down at start simply leaves the pool cold.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.MinSize; i++ {
		connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
		conn, err := p.factory(connectCtx)
		cancel()
		if err != nil {
			p.logger.Warn("pool warm-up connection failed",
				zap.String("pool", p.key.String()),
				zap.Error(err),
			)
			break
		}

		p.mu.Lock()
		p.numOpen++
		p.idle = append(p.idle, &PooledConn{
			conn:      conn,
			createdAt: time.Now(),
			lastUsed:  time.Now(),
		})
		p.mu.Unlock()
	}
	p.publishGauges()

	p.sweepWG.Add(1)
	go p.sweepLoop()
}

// Acquire borrows a connection, blocking up to the acquire timeout. The
// caller's deadline propagates: caller cancellation surfaces as the context
// error, while the pool's own timeout surfaces as ErrPoolExhausted so the
// caller can distinguish backpressure from its own cancellation.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.pending, 1)
	poolPending.WithLabelValues(p.key.BackendID, p.key.Tier).Inc()
	defer func() {
		atomic.AddInt64(&p.pending, -1)
		poolPending.WithLabelValues(p.key.BackendID, p.key.Tier).Dec()
	}()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case <-p.slots:
		// Slot held; fall through.
	case <-ctx.Done():
		recordAcquire(p.key, "cancelled", time.Since(start))
		return nil, ctx.Err()
	case <-timer.C:
		recordAcquire(p.key, "exhausted", time.Since(start))
		return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.config.AcquireTimeout)
	case <-p.stopCh:
		return nil, ErrPoolClosed
	}

	pc, err := p.checkout(ctx)
	if err != nil {
		p.slots <- struct{}{}
		recordAcquire(p.key, "error", time.Since(start))
		return nil, err
	}

	recordAcquire(p.key, "ok", time.Since(start))
	p.publishGauges()
	return pc, nil
}

// checkout turns a held slot into a validated connection. A failed
// validation destroys the connection and attempts one fresh create within
// the same call, bounded by the connect timeout.
func (p *Pool) checkout(ctx context.Context) (*PooledConn, error) {
	replacingStale := false
	if pc := p.popIdle(); pc != nil {
		if err := pc.conn.Validate(ctx); err == nil {
			return pc, nil
		}
		poolValidationFailures.WithLabelValues(p.key.BackendID, p.key.Tier).Inc()
		p.destroy(pc)
		replacingStale = true
		p.logger.Debug("stale connection destroyed, creating fresh",
			zap.String("pool", p.key.String()),
		)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	conn, err := p.factory(connectCtx)
	if err != nil {
		// Only the single retry after a failed validation carries that
		// error kind; a cold connect failure is its own error.
		if replacingStale {
			return nil, fmt.Errorf("%w: replacement connect: %v", backend.ErrValidationFailed, err)
		}
		return nil, fmt.Errorf("connect %s: %w", p.key.String(), err)
	}

	p.mu.Lock()
	p.numOpen++
	p.mu.Unlock()

	return &PooledConn{
		conn:      conn,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}, nil
}

// Release returns a borrowed connection. Broken connections are destroyed;
// healthy ones go back to the idle set. Release never blocks.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if pc.broken || closed {
		p.destroy(pc)
	} else {
		pc.lastUsed = time.Now()
		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.slots <- struct{}{}
	p.publishGauges()
}

// With runs fn with a borrowed connection and guarantees release on every
// exit path, including panics. This is the only acquisition style the
// executor uses.
func (p *Pool) With(ctx context.Context, fn func(conn backend.Conn) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pc)

	if err := fn(pc.conn); err != nil {
		if errors.Is(err, backend.ErrValidationFailed) {
			pc.MarkBroken()
		}
		return err
	}
	return nil
}

// EvictIdle destroys idle connections unused for longer than the idle
// timeout, keeping at least MinSize connections open. Connections are closed
// outside the pool lock.
func (p *Pool) EvictIdle() int {
	now := time.Now()

	p.mu.Lock()
	var keep, evict []*PooledConn
	for _, pc := range p.idle {
		if p.numOpen-len(evict) > p.config.MinSize &&
			now.Sub(pc.lastUsed) > p.config.IdleTimeout {
			evict = append(evict, pc)
		} else {
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	p.numOpen -= len(evict)
	p.mu.Unlock()

	for _, pc := range evict {
		_ = pc.conn.Close()
		poolEvictionsTotal.WithLabelValues(p.key.BackendID, p.key.Tier).Inc()
	}

	if len(evict) > 0 {
		p.logger.Debug("idle connections evicted",
			zap.String("pool", p.key.String()),
			zap.Int("count", len(evict)),
		)
	}
	p.publishGauges()
	return len(evict)
}

// sweepLoop runs EvictIdle on a fixed interval. It never holds the pool
// lock across backend I/O.
func (p *Pool) sweepLoop() {
	defer p.sweepWG.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EvictIdle()
		case <-p.stopCh:
			return
		}
	}
}

// popIdle takes the most recently used idle connection.
func (p *Pool) popIdle() *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	pc := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return pc
}

// destroy closes a connection and decrements the open count.
func (p *Pool) destroy(pc *PooledConn) {
	_ = pc.conn.Close()
	p.mu.Lock()
	p.numOpen--
	p.mu.Unlock()
}

// Stats is a non-blocking snapshot for the health contract.
type Stats struct {
	Size      int   `json:"poolSize"`
	Available int   `json:"available"`
	Pending   int64 `json:"pending"`
	Max       int   `json:"max"`
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	open := p.numOpen
	p.mu.Unlock()

	return Stats{
		Size:      open,
		Available: idle + (p.config.MaxSize - open),
		Pending:   atomic.LoadInt64(&p.pending),
		Max:       p.config.MaxSize,
	}
}

// Close stops the sweeper and destroys all idle connections. In-flight
// connections are destroyed as they are released.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.sweepWG.Wait()

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.conn.Close()
	}

	p.logger.Info("pool closed", zap.String("pool", p.key.String()))
	p.publishGauges()
}

func (p *Pool) publishGauges() {
	stats := p.Stats()
	poolSize.WithLabelValues(p.key.BackendID, p.key.Tier).Set(float64(stats.Size))
	poolAvailable.WithLabelValues(p.key.BackendID, p.key.Tier).Set(float64(stats.Available))
}

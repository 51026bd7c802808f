package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Borrow once Shutdown has started.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrCreateSession wraps failures to launch a new session.
	ErrCreateSession = errors.New("create session")
)

// Discard reasons recorded in logs and metrics.
const (
	reasonUnhealthy   = "unhealthy"
	reasonOverflow    = "overflow"
	reasonResetFailed = "reset_failed"
	reasonQueueFull   = "queue_full"
	reasonShutdown    = "shutdown"
	reasonClosed      = "pool_closed"
)

// PoolConfig controls pool sizing and the bounds on every blocking step.
type PoolConfig struct {
	Capacity       int
	BorrowTimeout  time.Duration
	ReturnTimeout  time.Duration
	ProbeTimeout   time.Duration
	ResetTimeout   time.Duration
	DisposeTimeout time.Duration
}

const (
	defaultCapacity       = 10
	defaultBorrowTimeout  = 30 * time.Second
	defaultReturnTimeout  = time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultResetTimeout   = 5 * time.Second
	defaultDisposeTimeout = 5 * time.Second
)

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.BorrowTimeout <= 0 {
		c.BorrowTimeout = defaultBorrowTimeout
	}
	if c.ReturnTimeout <= 0 {
		c.ReturnTimeout = defaultReturnTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if c.DisposeTimeout <= 0 {
		c.DisposeTimeout = defaultDisposeTimeout
	}
	return c
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Capacity  int  `json:"capacity"`
	Live      int  `json:"live"`
	Available int  `json:"available"`
	Leased    int  `json:"leased"`
	Overflow  int  `json:"overflow"`
	Launching int  `json:"launching"`
	Closed    bool `json:"closed"`
}

type entry struct {
	leased bool
	// returning is set by the first Return of a lease so a concurrent second
	// Return of the same session is rejected.
	returning bool
	overflow  bool
}

// Pool hands out health-checked sessions, creating them lazily up to
// Capacity. registry, launching and closed are guarded by mu; available is
// the hand-off queue and only ever holds sessions that are registered and not
// leased. The live count is len(registry).
type Pool struct {
	factory Factory
	cfg     PoolConfig
	logger  *zap.Logger

	available chan Session
	freed     chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	registry  map[Session]*entry
	launching int
	closed    bool

	shutdownOnce sync.Once
	terminate    func(s Session) error
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithTerminator replaces the forced-termination escalation used when a
// session does not close within DisposeTimeout.
func WithTerminator(fn func(s Session) error) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.terminate = fn
		}
	}
}

// NewPool builds an empty pool; sessions are launched on demand.
func NewPool(factory Factory, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		factory:   factory,
		cfg:       cfg,
		logger:    logger,
		available: make(chan Session, cfg.Capacity),
		freed:     make(chan struct{}, cfg.Capacity),
		done:      make(chan struct{}),
		registry:  make(map[Session]*entry, cfg.Capacity),
		terminate: terminateProcessGroup,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Capacity reports the nominal maximum number of live sessions.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Borrow returns a healthy session owned exclusively by the caller until it
// is handed back through Return.
func (p *Pool) Borrow(ctx context.Context) (Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case s := <-p.available:
		if p.checkOut(ctx, s) {
			return s, nil
		}
	default:
	}

	if s, ok, err := p.createWithinCapacity(ctx); ok {
		return s, err
	}

	start := time.Now()
	timer := time.NewTimer(p.cfg.BorrowTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-p.available:
			if p.checkOut(ctx, s) {
				metrics.ObserveBorrowWait(time.Since(start))
				return s, nil
			}
			if s, ok, err := p.createWithinCapacity(ctx); ok {
				return s, err
			}
		case <-p.freed:
			if s, ok, err := p.createWithinCapacity(ctx); ok {
				metrics.ObserveBorrowWait(time.Since(start))
				return s, err
			}
		case <-timer.C:
			metrics.ObserveBorrowWait(time.Since(start))
			// Degrade: exceed Capacity. Return retires the overflow session
			// so the pool settles back to its nominal size.
			p.logger.Warn("session borrow timed out, creating over-capacity session",
				zap.Duration("waited", p.cfg.BorrowTimeout),
				zap.Int("capacity", p.cfg.Capacity),
			)
			metrics.ObservePoolDegrade()
			return p.createOverflow(ctx)
		case <-ctx.Done():
			return nil, fmt.Errorf("borrow session: %w", ctx.Err())
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Return hands a borrowed session back. Unhealthy, over-capacity and
// unresettable sessions are disposed instead of being re-queued.
func (p *Pool) Return(ctx context.Context, s Session) {
	if s == nil {
		return
	}
	// Returns usually run in a deferred call; a cancelled caller should not
	// cause a healthy session to be thrown away.
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	e, ok := p.registry[s]
	switch {
	case !ok && p.closed:
		// Shutdown already disposed it.
		p.mu.Unlock()
		return
	case !ok || !e.leased || e.returning:
		p.mu.Unlock()
		p.logger.Warn("ignoring return of session not on lease", zap.String("session_id", s.ID()))
		return
	case p.closed:
		p.mu.Unlock()
		p.discard(s, reasonClosed)
		return
	}
	e.returning = true
	p.mu.Unlock()

	if err := p.probe(ctx, s); err != nil {
		p.logger.Warn("returned session failed liveness probe", zap.String("session_id", s.ID()), zap.Error(err))
		p.discard(s, reasonUnhealthy)
		return
	}

	p.mu.Lock()
	overCapacity := e.overflow || len(p.registry) > p.cfg.Capacity
	p.mu.Unlock()
	if overCapacity {
		p.logger.Info("retiring over-capacity session", zap.String("session_id", s.ID()))
		p.discard(s, reasonOverflow)
		return
	}

	resetCtx, cancel := context.WithTimeout(ctx, p.cfg.ResetTimeout)
	err := s.Reset(resetCtx)
	cancel()
	if err != nil {
		p.logger.Warn("session reset failed", zap.String("session_id", s.ID()), zap.Error(err))
		p.discard(s, reasonResetFailed)
		return
	}

	p.mu.Lock()
	if _, still := p.registry[s]; !still {
		p.mu.Unlock()
		return
	}
	e.leased, e.returning = false, false
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.ReturnTimeout)
	defer timer.Stop()
	select {
	case p.available <- s:
	case <-timer.C:
		p.logger.Warn("available queue full, discarding session", zap.String("session_id", s.ID()))
		p.discard(s, reasonQueueFull)
	}
}

// Shutdown disposes every session the pool knows about, including sessions
// still on lease. It is idempotent and never fails: disposal problems are
// logged and escalated to forced termination.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()

		var drained []Session
	drain:
		for {
			select {
			case s := <-p.available:
				drained = append(drained, s)
			default:
				break drain
			}
		}

		p.mu.Lock()
		seen := make(map[Session]struct{}, len(drained))
		victims := make([]Session, 0, len(p.registry))
		for _, s := range drained {
			seen[s] = struct{}{}
			victims = append(victims, s)
		}
		for s := range p.registry {
			if _, ok := seen[s]; !ok {
				victims = append(victims, s)
			}
		}
		p.registry = make(map[Session]*entry)
		p.mu.Unlock()
		metrics.SetSessionsLive(0)

		p.logger.Info("shutting down session pool", zap.Int("sessions", len(victims)))
		var wg sync.WaitGroup
		for _, s := range victims {
			wg.Add(1)
			go func(s Session) {
				defer wg.Done()
				p.dispose(s, reasonShutdown)
			}(s)
		}
		waitDone := make(chan struct{})
		go func() {
			wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-ctx.Done():
			p.logger.Warn("pool shutdown wait abandoned", zap.Error(ctx.Err()))
		}
	})
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{
		Capacity:  p.cfg.Capacity,
		Live:      len(p.registry),
		Available: len(p.available),
		Launching: p.launching,
		Closed:    p.closed,
	}
	for _, e := range p.registry {
		if e.leased {
			stats.Leased++
		}
		if e.overflow {
			stats.Overflow++
		}
	}
	return stats
}

// checkOut probes a session taken from the available queue and leases it when
// healthy. Unhealthy sessions are deregistered and disposed.
func (p *Pool) checkOut(ctx context.Context, s Session) bool {
	if err := p.probe(ctx, s); err != nil {
		p.logger.Warn("available session failed liveness probe", zap.String("session_id", s.ID()), zap.Error(err))
		p.discard(s, reasonUnhealthy)
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.registry[s]
	if !ok || p.closed {
		return false
	}
	e.leased = true
	return true
}

// createWithinCapacity launches a session when live plus launching sessions
// are below Capacity. ok is false when the pool is full.
func (p *Pool) createWithinCapacity(ctx context.Context) (Session, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, ErrPoolClosed
	}
	if len(p.registry)+p.launching >= p.cfg.Capacity {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.launching++
	p.mu.Unlock()

	s, err := p.launch(ctx, false)
	return s, true, err
}

func (p *Pool) createOverflow(ctx context.Context) (Session, error) {
	p.mu.Lock()
	p.launching++
	p.mu.Unlock()
	return p.launch(ctx, true)
}

// launch expects the caller to have reserved a launching slot.
func (p *Pool) launch(ctx context.Context, overflow bool) (Session, error) {
	s, err := p.factory.NewSession(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.mu.Unlock()
		p.signalFreed()
		return nil, fmt.Errorf("%w: %w", ErrCreateSession, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.dispose(s, reasonClosed)
		return nil, ErrPoolClosed
	}
	p.registry[s] = &entry{leased: true, overflow: overflow}
	live := len(p.registry)
	p.mu.Unlock()

	metrics.ObserveSessionCreated()
	metrics.SetSessionsLive(live)
	p.logger.Debug("session created",
		zap.String("session_id", s.ID()),
		zap.Bool("overflow", overflow),
		zap.Int("live", live),
	)
	return s, nil
}

func (p *Pool) probe(ctx context.Context, s Session) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	if err := s.Alive(probeCtx); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

// discard deregisters s and disposes it.
func (p *Pool) discard(s Session, reason string) {
	p.mu.Lock()
	delete(p.registry, s)
	live := len(p.registry)
	p.mu.Unlock()
	metrics.SetSessionsLive(live)
	p.signalFreed()
	p.dispose(s, reason)
}

// signalFreed wakes a borrower blocked on a full pool. Stale signals only
// cost that borrower a retry.
func (p *Pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// dispose closes s within DisposeTimeout and escalates to forced termination
// when the graceful close fails. It never returns an error.
func (p *Pool) dispose(s Session, reason string) {
	metrics.ObserveSessionDiscarded(reason)
	log := p.logger.With(zap.String("session_id", s.ID()), zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DisposeTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Close(ctx)
	}()

	var closeErr error
	select {
	case closeErr = <-errCh:
	case <-ctx.Done():
		closeErr = ctx.Err()
	}
	if closeErr == nil {
		log.Debug("session disposed")
		return
	}

	log.Warn("graceful session close failed, terminating", zap.Error(closeErr))
	metrics.ObserveSessionKilled()
	if err := p.terminate(s); err != nil {
		log.Error("forced session termination failed", zap.Int("pid", s.PID()), zap.Error(err))
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

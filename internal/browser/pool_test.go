package browser_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser/browsertest"
)

func newTestPool(t *testing.T, factory browser.Factory, cfg browser.PoolConfig, opts ...browser.PoolOption) *browser.Pool {
	t.Helper()
	pool, err := browser.NewPool(factory, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	return pool
}

func TestNewPool_Defaults(t *testing.T) {
	t.Parallel()

	_, err := browser.NewPool(nil, browser.PoolConfig{}, nil)
	require.Error(t, err)

	pool := newTestPool(t, &browsertest.Factory{}, browser.PoolConfig{})
	require.Equal(t, 10, pool.Capacity())
	require.Equal(t, browser.PoolStats{Capacity: 10}, pool.Stats())
}

func TestPool_BorrowCreatesLazilyAndReuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{}
	pool := newTestPool(t, factory, browser.PoolConfig{Capacity: 2})
	require.Zero(t, factory.Created())

	first, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Leased)

	pool.Return(ctx, first)
	stats := pool.Stats()
	require.Equal(t, 1, stats.Live)
	require.Equal(t, 1, stats.Available)
	require.Zero(t, stats.Leased)

	second, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, factory.Created())
	require.Equal(t, 1, first.(*browsertest.Session).Resets())
}

func TestPool_ConcurrentBorrowsNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 3
	factory := &browsertest.Factory{Delay: 5 * time.Millisecond}
	pool := newTestPool(t, factory, browser.PoolConfig{Capacity: capacity, BorrowTimeout: 10 * time.Second})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leased  = make(map[browser.Session]bool)
		doubled atomic.Bool
	)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s, err := pool.Borrow(ctx)
				if err != nil {
					t.Errorf("borrow: %v", err)
					return
				}
				mu.Lock()
				if leased[s] {
					doubled.Store(true)
				}
				leased[s] = true
				mu.Unlock()

				if live := pool.Stats().Live; live > capacity {
					t.Errorf("live sessions %d exceed capacity %d", live, capacity)
				}
				time.Sleep(time.Millisecond)

				mu.Lock()
				leased[s] = false
				mu.Unlock()
				pool.Return(ctx, s)
			}
		}()
	}
	wg.Wait()

	require.False(t, doubled.Load(), "a session was leased to two borrowers at once")
	require.LessOrEqual(t, factory.Created(), capacity)
	require.LessOrEqual(t, factory.MaxLive(), capacity)
}

func TestPool_BorrowSkipsUnhealthyAvailableSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{}
	pool := newTestPool(t, factory, browser.PoolConfig{Capacity: 1})

	s, err := pool.Borrow(ctx)
	require.NoError(t, err)
	pool.Return(ctx, s)

	dead := s.(*browsertest.Session)
	dead.Kill(errors.New("renderer crashed"))

	replacement, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NotSame(t, s, replacement)
	require.True(t, dead.Closed())
	require.Equal(t, 2, factory.Created())
	require.Equal(t, 1, pool.Stats().Live)
}

func TestPool_ReturnDiscardsSessionFailingProbe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := newTestPool(t, &browsertest.Factory{}, browser.PoolConfig{Capacity: 2})

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Stats().Live)

	a.(*browsertest.Session).Kill(nil)
	pool.Return(ctx, a)

	stats := pool.Stats()
	require.Equal(t, 1, stats.Live)
	require.Zero(t, stats.Available)
	require.True(t, a.(*browsertest.Session).Closed())

	pool.Return(ctx, b)
	got, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.Same(t, b, got)
}

func TestPool_ReturnDiscardsSessionThatCannotReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := newTestPool(t, &browsertest.Factory{}, browser.PoolConfig{Capacity: 1})

	s, err := pool.Borrow(ctx)
	require.NoError(t, err)
	s.(*browsertest.Session).FailReset(errors.New("cookies stuck"))
	pool.Return(ctx, s)

	require.Zero(t, pool.Stats().Live)
	require.True(t, s.(*browsertest.Session).Closed())
}

func TestPool_ReturnIgnoresSessionsNotOnLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	pool, err := browser.NewPool(&browsertest.Factory{}, browser.PoolConfig{Capacity: 1}, zap.New(core))
	require.NoError(t, err)
	defer pool.Shutdown(ctx)

	stranger := browsertest.NewSession("stranger")
	pool.Return(ctx, stranger)
	pool.Return(ctx, nil)

	s, err := pool.Borrow(ctx)
	require.NoError(t, err)
	pool.Return(ctx, s)
	pool.Return(ctx, s)

	require.Equal(t, 1, pool.Stats().Available)
	require.Equal(t, 2, logs.FilterMessage("ignoring return of session not on lease").Len())
	require.False(t, stranger.Closed())
}

func TestPool_ConcurrentDoubleReturnQueuesSessionOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var resets atomic.Int32
	factory := &browsertest.Factory{Setup: func(s *browsertest.Session) {
		s.ResetHook = func(context.Context) error {
			if resets.Add(1) == 1 {
				close(entered)
				<-release
			}
			return nil
		}
	}}
	core, logs := observer.New(zapcore.WarnLevel)
	pool, err := browser.NewPool(factory, browser.PoolConfig{Capacity: 2}, zap.New(core))
	require.NoError(t, err)
	defer pool.Shutdown(ctx)

	s, err := pool.Borrow(ctx)
	require.NoError(t, err)

	first := make(chan struct{})
	go func() {
		defer close(first)
		pool.Return(ctx, s)
	}()
	<-entered
	// The first Return is parked in Reset; a second one must not re-queue.
	pool.Return(ctx, s)
	close(release)
	<-first

	stats := pool.Stats()
	require.Equal(t, 1, stats.Available)
	require.Zero(t, stats.Leased)
	require.EqualValues(t, 1, resets.Load())
	require.Equal(t, 1, logs.FilterMessage("ignoring return of session not on lease").Len())

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NotSame(t, a, b)
}

func TestPool_BlockedBorrowerReceivesReturnedSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{}
	pool := newTestPool(t, factory, browser.PoolConfig{Capacity: 1, BorrowTimeout: 5 * time.Second})

	held, err := pool.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan browser.Session, 1)
	go func() {
		s, err := pool.Borrow(ctx)
		if err != nil {
			t.Errorf("borrow: %v", err)
		}
		got <- s
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Return(ctx, held)

	select {
	case s := <-got:
		require.Same(t, held, s)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked borrower was not woken by return")
	}
	require.Equal(t, 1, factory.Created())
}

func TestPool_BlockedBorrowerCreatesWhenSlotFrees(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{}
	pool := newTestPool(t, factory, browser.PoolConfig{Capacity: 1, BorrowTimeout: 5 * time.Second})

	held, err := pool.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan browser.Session, 1)
	go func() {
		s, _ := pool.Borrow(ctx)
		got <- s
	}()

	time.Sleep(20 * time.Millisecond)
	held.(*browsertest.Session).Kill(nil)
	pool.Return(ctx, held)

	select {
	case s := <-got:
		require.NotNil(t, s)
		require.NotSame(t, held, s)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked borrower did not use the freed slot")
	}
	require.Zero(t, pool.Stats().Overflow)
}

func TestPool_BorrowTimeoutDegradesToOverflowSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	factory := &browsertest.Factory{}
	pool, err := browser.NewPool(factory, browser.PoolConfig{Capacity: 1, BorrowTimeout: 30 * time.Millisecond}, zap.New(core))
	require.NoError(t, err)
	defer pool.Shutdown(ctx)

	held, err := pool.Borrow(ctx)
	require.NoError(t, err)

	extra, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NotSame(t, held, extra)

	stats := pool.Stats()
	require.Equal(t, 2, stats.Live)
	require.Equal(t, 1, stats.Overflow)
	require.Equal(t, 1, logs.FilterMessage("session borrow timed out, creating over-capacity session").Len())

	pool.Return(ctx, extra)
	require.True(t, extra.(*browsertest.Session).Closed())
	require.Equal(t, 1, pool.Stats().Live)

	pool.Return(ctx, held)
	require.Equal(t, 1, pool.Stats().Available)
}

func TestPool_BorrowHonoursContext(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, &browsertest.Factory{}, browser.PoolConfig{Capacity: 1, BorrowTimeout: time.Minute})
	_, err := pool.Borrow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Borrow(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_FactoryErrorIsWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("chrome not found")
	pool := newTestPool(t, &browsertest.Factory{Err: boom}, browser.PoolConfig{Capacity: 1})

	_, err := pool.Borrow(context.Background())
	require.ErrorIs(t, err, browser.ErrCreateSession)
	require.ErrorIs(t, err, boom)
	require.Equal(t, browser.PoolStats{Capacity: 1}, pool.Stats())
}

func TestPool_ShutdownDisposesLeasedAndIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{}
	pool, err := browser.NewPool(factory, browser.PoolConfig{Capacity: 3}, zap.NewNop())
	require.NoError(t, err)

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	_, err = pool.Borrow(ctx)
	require.NoError(t, err)
	pool.Return(ctx, a)
	_ = b

	pool.Shutdown(ctx)
	pool.Shutdown(ctx)

	require.Zero(t, pool.Stats().Live)
	require.True(t, pool.Stats().Closed)
	require.Zero(t, factory.Live())
	for _, s := range factory.Sessions() {
		require.True(t, s.Closed(), "session %s left open", s.ID())
	}

	_, err = pool.Borrow(ctx)
	require.ErrorIs(t, err, browser.ErrPoolClosed)

	// Late returns from borrowers that outlived the pool are harmless.
	pool.Return(ctx, b)
	require.Zero(t, pool.Stats().Live)
}

func TestPool_ShutdownWakesBlockedBorrowers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, err := browser.NewPool(&browsertest.Factory{}, browser.PoolConfig{Capacity: 1, BorrowTimeout: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	_, err = pool.Borrow(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Borrow(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	pool.Shutdown(ctx)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, browser.ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("borrower still blocked after shutdown")
	}
}

func TestPool_DisposeEscalatesToTerminator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &browsertest.Factory{Setup: func(s *browsertest.Session) {
		s.SetPID(4242)
		s.CloseHook = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}}

	var killed atomic.Int32
	terminator := func(s browser.Session) error {
		if s.PID() == 4242 {
			killed.Add(1)
		}
		return nil
	}
	pool, err := browser.NewPool(factory, browser.PoolConfig{Capacity: 1, DisposeTimeout: 20 * time.Millisecond}, zap.NewNop(), browser.WithTerminator(terminator))
	require.NoError(t, err)

	s, err := pool.Borrow(ctx)
	require.NoError(t, err)
	s.(*browsertest.Session).Kill(nil)
	pool.Return(ctx, s)
	require.EqualValues(t, 1, killed.Load())

	_, err = pool.Borrow(ctx)
	require.NoError(t, err)
	pool.Shutdown(ctx)
	require.EqualValues(t, 2, killed.Load())
}

func TestPool_CleanCloseSkipsTerminator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var killed atomic.Int32
	pool, err := browser.NewPool(&browsertest.Factory{}, browser.PoolConfig{Capacity: 1}, zap.NewNop(),
		browser.WithTerminator(func(browser.Session) error {
			killed.Add(1)
			return nil
		}))
	require.NoError(t, err)

	_, err = pool.Borrow(ctx)
	require.NoError(t, err)
	pool.Shutdown(ctx)
	require.Zero(t, killed.Load())
}

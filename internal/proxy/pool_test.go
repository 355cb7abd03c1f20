package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
)

type fakeLister struct {
	mu      sync.Mutex
	proxies []engine.Proxy
	err     error
	calls   int
}

func (f *fakeLister) ListProxies(context.Context) ([]engine.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]engine.Proxy(nil), f.proxies...), nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChecker struct {
	mu     sync.Mutex
	reject map[string]bool
}

func (f *fakeChecker) Check(_ context.Context, p engine.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[p.Addr()] {
		return errors.New("unhealthy")
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testProxies(n int) []engine.Proxy {
	out := make([]engine.Proxy, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, engine.Proxy{Host: "10.0.0.1", Port: 8000 + i})
	}
	return out
}

func TestPoolLeaseRefreshesAndFiltersUnhealthy(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(3)}
	checker := &fakeChecker{reject: map[string]bool{"10.0.0.1:8001": true}}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, checker, clk, PoolConfig{}, zap.NewNop())

	leased, err := pool.Lease(context.Background())
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NotEqual(t, "10.0.0.1:8001", leased.Addr())
	require.Equal(t, 2, pool.Size())
}

func TestPoolLeaseWithinTTLSkipsVendor(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(2)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{TTL: 5 * time.Minute}, zap.NewNop())

	_, err := pool.Lease(context.Background())
	require.NoError(t, err)
	_, err = pool.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lister.callCount())

	clk.advance(6 * time.Minute)
	_, err = pool.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, lister.callCount())
}

func TestPoolEvictsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(1)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{MaxFailures: 3}, zap.NewNop())

	leased, err := pool.Lease(context.Background())
	require.NoError(t, err)
	require.NotNil(t, leased)

	pool.ReportOutcome(leased, false)
	pool.ReportOutcome(leased, false)
	require.Equal(t, 1, pool.Size())
	pool.ReportOutcome(leased, false)
	require.Zero(t, pool.Size())

	// Within the TTL an empty pool stays empty; no panic, nil lease.
	again, err := pool.Lease(context.Background())
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestPoolSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(1)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{MaxFailures: 3}, zap.NewNop())

	leased, err := pool.Lease(context.Background())
	require.NoError(t, err)

	pool.ReportOutcome(leased, false)
	pool.ReportOutcome(leased, false)
	pool.ReportOutcome(leased, true)
	pool.ReportOutcome(leased, false)
	pool.ReportOutcome(leased, false)
	require.Equal(t, 1, pool.Size())
}

func TestPoolVendorOutageKeepsStalePool(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(2)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{TTL: time.Minute}, zap.NewNop())

	_, err := pool.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	lister.err = errors.New("vendor down")
	clk.advance(2 * time.Minute)

	leased, err := pool.Lease(context.Background())
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, 2, pool.Size())
}

func TestPoolCheckLimitCapsCandidates(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(80)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{CheckLimit: 50}, zap.NewNop())

	require.NoError(t, pool.Refresh(context.Background()))
	require.Equal(t, 50, pool.Size())
}

func TestPoolInvalidateForcesRefresh(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{proxies: testProxies(2)}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := NewPool(lister, &fakeChecker{}, clk, PoolConfig{TTL: time.Hour}, zap.NewNop())

	_, err := pool.Lease(context.Background())
	require.NoError(t, err)
	pool.Invalidate()
	_, err = pool.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, lister.callCount())
}

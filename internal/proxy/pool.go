package proxy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
)

// Lister supplies candidate proxies, normally from the vendor API.
type Lister interface {
	ListProxies(ctx context.Context) ([]engine.Proxy, error)
}

// Checker verifies a candidate proxy can carry traffic.
type Checker interface {
	Check(ctx context.Context, p engine.Proxy) error
}

// PoolConfig bounds the pool's refresh and eviction behavior.
type PoolConfig struct {
	// TTL is how long a refreshed pool stays fresh; a Lease within the TTL
	// never re-tests proxies.
	TTL time.Duration
	// MaxFailures is the consecutive-failure count that evicts a proxy.
	MaxFailures int
	// CheckLimit caps how many candidates get health-checked per refresh.
	CheckLimit int
	// CheckConcurrency bounds simultaneous health-check probes.
	CheckConcurrency int
}

func (c *PoolConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.CheckLimit <= 0 {
		c.CheckLimit = 50
	}
	if c.CheckConcurrency <= 0 {
		c.CheckConcurrency = 10
	}
}

type entry struct {
	proxy    engine.Proxy
	failures int
}

// Pool is the shared, TTL-bounded cache of healthy proxies. Executors only
// lease and report; all mutation happens under the pool's lock, and leases
// read from an immutable snapshot to keep the hot path contention-free.
type Pool struct {
	lister  Lister
	checker Checker
	clock   engine.Clock
	logger  *zap.Logger
	cfg     PoolConfig

	mu          sync.Mutex
	entries     map[string]*entry
	snapshot    []engine.Proxy
	refreshedAt time.Time
}

// NewPool constructs a Pool. The pool starts empty; the first Lease triggers
// a refresh.
func NewPool(lister Lister, checker Checker, clock engine.Clock, cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		lister:  lister,
		checker: checker,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Lease returns a uniformly random healthy proxy, or nil when the pool is
// empty. Whether to fall back to a direct connection is the caller's call.
func (p *Pool) Lease(ctx context.Context) (*engine.Proxy, error) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("proxy refresh failed, leasing from stale pool", zap.Error(err))
	}

	p.mu.Lock()
	snap := p.snapshot
	p.mu.Unlock()

	if len(snap) == 0 {
		return nil, nil
	}
	leased := snap[rand.Intn(len(snap))]
	return &leased, nil
}

// ReportOutcome feeds a lease result back into the failure counter. Three
// consecutive failures evict the proxy for the rest of the pool generation,
// so a degraded endpoint cannot be re-leased until the next refresh.
func (p *Pool) ReportOutcome(proxy *engine.Proxy, success bool) {
	if proxy == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[proxy.Addr()]
	if !ok {
		return
	}
	if success {
		e.failures = 0
		return
	}
	e.failures++
	if e.failures >= p.cfg.MaxFailures {
		delete(p.entries, proxy.Addr())
		p.rebuildSnapshotLocked()
		p.logger.Warn("evicted proxy after consecutive failures",
			zap.String("proxy", proxy.Addr()),
			zap.Int("failures", e.failures),
		)
	}
}

// Refresh fetches and health-checks a new pool generation unless the
// current one is still within its TTL. A vendor outage leaves the existing
// pool in place: availability over freshness.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if !p.refreshedAt.IsZero() && p.clock.Now().Sub(p.refreshedAt) < p.cfg.TTL {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	candidates, err := p.lister.ListProxies(ctx)
	if err != nil {
		return err
	}
	if len(candidates) > p.cfg.CheckLimit {
		candidates = candidates[:p.cfg.CheckLimit]
	}

	healthy := p.checkCandidates(ctx, candidates)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*entry, len(healthy))
	for _, proxy := range healthy {
		p.entries[proxy.Addr()] = &entry{proxy: proxy}
	}
	p.rebuildSnapshotLocked()
	p.refreshedAt = p.clock.Now()
	p.logger.Info("proxy pool refreshed",
		zap.Int("candidates", len(candidates)),
		zap.Int("healthy", len(healthy)),
	)
	return nil
}

// Invalidate forces the next Lease to refresh regardless of TTL.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshedAt = time.Time{}
}

// Size returns the current healthy pool size.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshot)
}

func (p *Pool) checkCandidates(ctx context.Context, candidates []engine.Proxy) []engine.Proxy {
	sem := make(chan struct{}, p.cfg.CheckConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var healthy []engine.Proxy

	for _, candidate := range candidates {
		wg.Add(1)
		go func(c engine.Proxy) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if err := p.checker.Check(ctx, c); err != nil {
				p.logger.Debug("proxy failed health check", zap.String("proxy", c.Addr()), zap.Error(err))
				return
			}
			mu.Lock()
			healthy = append(healthy, c)
			mu.Unlock()
		}(candidate)
	}
	wg.Wait()
	return healthy
}

func (p *Pool) rebuildSnapshotLocked() {
	snap := make([]engine.Proxy, 0, len(p.entries))
	for _, e := range p.entries {
		snap = append(snap, e.proxy)
	}
	p.snapshot = snap
}

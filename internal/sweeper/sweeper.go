// Package sweeper evicts cached responses that outlived their TTL or were
// written under an older schema version.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/db"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
)

const (
	// DefaultTTL is how long a cached response stays usable.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultInterval is how often the periodic sweep runs.
	DefaultInterval = 24 * time.Hour
)

// Policy decides whether a cache entry has expired.
type Policy struct {
	TTL           time.Duration
	SchemaVersion string
}

// Expired reports whether entry is older than the TTL at now, or was written
// under a different schema version.
func (p Policy) Expired(entry *models.CacheEntry, now time.Time) bool {
	if entry.SchemaVersion != p.SchemaVersion {
		return true
	}
	return entry.Age(now) > p.TTL
}

// Result summarizes one sweep.
type Result struct {
	Scanned int `json:"scanned"`
	Evicted int `json:"evicted"`
}

// Evictions receives the number of entries each sweep removed.
type Evictions interface {
	ObserveEvictions(n int)
}

// Sweeper scans the durable store and deletes expired cache entries.
type Sweeper struct {
	repo     db.CacheEntryRepository
	policy   Policy
	interval time.Duration
	now      func() time.Time
	metrics  Evictions

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics reports evictions.
func WithMetrics(m Evictions) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New creates a Sweeper. Zero TTL or interval fall back to the defaults.
func New(repo db.CacheEntryRepository, policy Policy, interval time.Duration, opts ...Option) *Sweeper {
	if policy.TTL <= 0 {
		policy.TTL = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		repo:     repo,
		policy:   policy,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the expiry policy in use.
func (s *Sweeper) Policy() Policy {
	return s.policy
}

// Sweep deletes every expired entry. An entry overwritten after the scan is
// checked again before deletion.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	entries, err := s.repo.ListCacheEntries(ctx)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	res := Result{Scanned: len(entries)}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !s.policy.Expired(entry, now) {
			continue
		}
		// re-read so a concurrent refresh is not evicted
		current, err := s.repo.GetCacheEntry(ctx, entry.Key)
		if err != nil {
			continue
		}
		if !s.policy.Expired(current, now) {
			continue
		}
		if err := s.repo.DeleteCacheEntry(ctx, entry.Key); err != nil {
			return res, err
		}
		res.Evicted++
	}

	if s.metrics != nil {
		s.metrics.ObserveEvictions(res.Evicted)
	}
	logging.Info("cache sweep completed", map[string]interface{}{
		"scanned": res.Scanned,
		"evicted": res.Evicted,
	})
	return res, nil
}

// Start runs one sweep immediately and then one every interval until Stop
// or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stop)

	logging.Info("cache sweeper started", map[string]interface{}{
		"interval": s.interval.String(),
		"ttl":      s.policy.TTL.String(),
	})
}

// Stop halts the periodic sweep and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("cache sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()

	s.sweepLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		logging.Warn("cache sweep failed", map[string]interface{}{"error": err.Error()})
	}
}

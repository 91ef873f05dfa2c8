// Package services wires the offline core into a single service object the
// localhost API talks to.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/plagapro/plagapro/backend/internal/cache"
	"github.com/plagapro/plagapro/backend/internal/config"
	"github.com/plagapro/plagapro/backend/internal/connectivity"
	"github.com/plagapro/plagapro/backend/internal/db"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/sweeper"
	syncpkg "github.com/plagapro/plagapro/backend/internal/sync"
	"github.com/plagapro/plagapro/backend/internal/sync/queue"
	"github.com/plagapro/plagapro/backend/internal/sync/scheduler"
	"github.com/plagapro/plagapro/backend/internal/telemetry"
)

const probeTimeout = 5 * time.Second

// Dependencies are the collaborators an OfflineService is built from.
// Repo and Client are required.
type Dependencies struct {
	Repo   db.OfflineRepository
	Client remote.Client
	Bus    *events.Bus
	Clock  func() time.Time
	// Closer is closed after Repo on Close (the sqlite handle).
	Closer interface{ Close() error }
	// StoreDegraded marks a service built on db.UnavailableRepository.
	StoreDegraded bool
}

// OfflineService owns one instance of every offline component.
type OfflineService struct {
	cfg  *config.Config
	deps Dependencies

	bus       *events.Bus
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	queue     *queue.Queue
	cache     *cache.Cache
	sweeper   *sweeper.Sweeper
	coord     *syncpkg.Coordinator
	scheduler *scheduler.Scheduler
}

// Open builds the service from configuration: a migrated sqlite store under
// cfg.DataDir and the HTTP remote client. A store that cannot be opened is
// replaced by db.UnavailableRepository and the service runs network-only.
func Open(ctx context.Context, cfg *config.Config) (*OfflineService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps := Dependencies{
		Client: remote.NewHTTPClient(remote.Options{
			BaseURL:    cfg.Remote.BaseURL,
			APIKey:     cfg.Remote.APIKey,
			HealthPath: cfg.Remote.HealthPath,
			Timeout:    cfg.Remote.Timeout,
			RetryCount: cfg.Remote.RetryCount,
		}),
	}

	conn, err := openStore(cfg.DataDir)
	if err != nil {
		logging.Error("durable store unavailable, running network-only", err, map[string]interface{}{
			"data_dir": cfg.DataDir,
		})
		deps.Repo = db.UnavailableRepository{Cause: err}
		deps.StoreDegraded = true
	} else {
		deps.Repo = db.NewRepository(conn.DB)
		deps.Closer = conn
	}

	return NewOfflineService(ctx, cfg, deps), nil
}

func openStore(dataDir string) (*db.DB, error) {
	conn, err := db.Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn.DB); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NewOfflineService builds the service over explicit dependencies.
func NewOfflineService(ctx context.Context, cfg *config.Config, deps Dependencies) *OfflineService {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	metrics := telemetry.Metrics{}
	expiry := sweeper.Policy{TTL: cfg.Cache.TTL, SchemaVersion: cfg.SchemaVersion}
	policy := cache.NewPolicy(cfg.Remote.APIPrefix, cfg.Cache.StaticPatterns).WithOrigin(cfg.Remote.BaseURL)

	s := &OfflineService{
		cfg:     cfg,
		deps:    deps,
		bus:     deps.Bus,
		monitor: connectivity.NewMonitor(deps.Bus),
	}

	s.recordSchemaVersion(ctx)

	s.queue = queue.New(ctx, deps.Repo,
		queue.WithMaxPending(cfg.Sync.MaxPending),
		queue.WithClock(deps.Clock),
		queue.WithPublisher(deps.Bus),
		queue.WithDepthObserver(metrics),
	)

	s.cache = cache.New(deps.Repo, deps.Client, s.queue, policy, expiry,
		cache.WithObserver(s.monitor),
		cache.WithPublisher(deps.Bus),
		cache.WithMetrics(metrics),
		cache.WithClock(deps.Clock),
	)

	s.sweeper = sweeper.New(deps.Repo, expiry, cfg.Cache.SweepInterval,
		sweeper.WithClock(deps.Clock),
		sweeper.WithMetrics(metrics),
	)

	s.coord = syncpkg.NewCoordinator(ctx, s.queue, deps.Repo, deps.Client, syncpkg.Options{
		APIPrefix:          policy.APIPrefix,
		DeadLetterRejected: cfg.Sync.DeadLetterRejected,
		Connectivity:       s.monitor,
		Publisher:          deps.Bus,
		Metrics:            metrics,
		Clock:              deps.Clock,
	})

	s.scheduler = scheduler.NewScheduler(s.coord, s.monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
	})

	if pinger, ok := deps.Client.(connectivity.Pinger); ok {
		s.prober = connectivity.NewProber(pinger, s.monitor, cfg.Connectivity.ProbeInterval, probeTimeout)
	}

	return s
}

// recordSchemaVersion stores the running schema version. Entries cached
// under another version are evicted by the next sweep or read.
func (s *OfflineService) recordSchemaVersion(ctx context.Context) {
	previous, err := s.deps.Repo.GetMeta(ctx, models.MetaSchemaVersion)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return
	}
	if previous == s.cfg.SchemaVersion {
		return
	}
	if previous != "" {
		logging.Info("schema version changed, cached responses will be evicted", map[string]interface{}{
			"previous": previous,
			"current":  s.cfg.SchemaVersion,
		})
	}
	if err := s.deps.Repo.SetMeta(ctx, models.MetaSchemaVersion, s.cfg.SchemaVersion); err != nil {
		logging.Warn("failed to record schema version", map[string]interface{}{"error": err.Error()})
	}
}

// Start runs the background work: one sweep now and then periodically,
// connectivity probing, and the drain triggers.
func (s *OfflineService) Start(ctx context.Context) {
	s.sweeper.Start(ctx)
	if s.prober != nil {
		s.prober.Start(ctx)
	}
	s.scheduler.Start(ctx)
}

// Stop stops the background work and waits for a running drain.
func (s *OfflineService) Stop() {
	s.scheduler.Stop()
	if s.prober != nil {
		s.prober.Stop()
	}
	s.sweeper.Stop()
}

// Close stops the service and releases the store.
func (s *OfflineService) Close() error {
	s.Stop()
	s.bus.Close()
	err := s.deps.Repo.Close()
	if s.deps.Closer != nil {
		if cerr := s.deps.Closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StoreDegraded reports whether the service runs without a durable store.
func (s *OfflineService) StoreDegraded() bool {
	return s.deps.StoreDegraded
}

// CachedRead looks key up in the cache only.
func (s *OfflineService) CachedRead(ctx context.Context, key string) *cache.Result {
	return s.cache.CachedRead(ctx, key)
}

// FetchWithPolicy performs a request under its cache policy.
func (s *OfflineService) FetchWithPolicy(ctx context.Context, method, url string, body []byte) *cache.Result {
	return s.cache.FetchWithPolicy(ctx, method, url, body)
}

// QueueWrite sends a mutation, or queues it when the remote is unreachable.
func (s *OfflineService) QueueWrite(ctx context.Context, resource string, action models.Action, data json.RawMessage) *cache.Result {
	return s.cache.Write(ctx, resource, action, data)
}

// SyncNow drains the queue and waits for the result. A call while a drain
// is running returns DrainSkipped.
func (s *OfflineService) SyncNow(ctx context.Context) syncpkg.DrainResult {
	return s.coord.SyncNow(ctx)
}

// TriggerSync starts a drain in the background.
func (s *OfflineService) TriggerSync(ctx context.Context) bool {
	return s.scheduler.TriggerSync(ctx)
}

// GetSyncStatus returns a snapshot of the sync state.
func (s *OfflineService) GetSyncStatus(ctx context.Context) models.SyncState {
	return s.coord.Status(ctx)
}

// SchedulerStatus returns the trigger bookkeeping.
func (s *OfflineService) SchedulerStatus() scheduler.SchedulerStatus {
	return s.scheduler.GetStatus()
}

// Subscribe returns a channel of core events and its cancel function.
func (s *OfflineService) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// SetOnline records a connectivity signal pushed by the UI. Going online
// with changes pending starts a drain once the service is started.
func (s *OfflineService) SetOnline(online bool) bool {
	return s.monitor.SetOnline(online)
}

// InvalidateCache removes one cached response.
func (s *OfflineService) InvalidateCache(ctx context.Context, key string) error {
	return s.cache.Invalidate(ctx, key)
}

// ClearCache removes every cached response.
func (s *OfflineService) ClearCache(ctx context.Context) (int, error) {
	return s.cache.Clear(ctx)
}

// ClearQueue discards every pending change. This is a destructive recovery
// action: discarded changes are never replayed.
func (s *OfflineService) ClearQueue(ctx context.Context) (int, error) {
	return s.queue.Clear(ctx)
}

// PendingChanges lists the queue in replay order.
func (s *OfflineService) PendingChanges(ctx context.Context) ([]*models.PendingChange, error) {
	return s.queue.PeekOrdered(ctx)
}

// DeadLetters lists changes the remote rejected.
func (s *OfflineService) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return s.queue.DeadLetters(ctx)
}

// Sweep runs the expiry sweeper once.
func (s *OfflineService) Sweep(ctx context.Context) (sweeper.Result, error) {
	return s.sweeper.Sweep(ctx)
}

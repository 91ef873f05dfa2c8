// Package scheduler decides when the pending-change queue is drained:
// on reconnect, periodically while online with changes pending, and on
// explicit request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/logging"
	syncpkg "github.com/plagapro/plagapro/backend/internal/sync"
)

// Trigger reasons.
const (
	TriggerReconnect = "reconnect"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
)

// Connectivity is the signal the scheduler watches.
type Connectivity interface {
	Online() bool
	Watch() (<-chan bool, func())
}

// Scheduler starts drains. Triggers never queue: a trigger that fires while
// a drain is running is dropped.
type Scheduler struct {
	syncer       syncpkg.Syncer
	conn         Connectivity
	syncInterval time.Duration

	stopCh    chan struct{}
	loops     sync.WaitGroup
	runs      sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool

	lastTrigger   string
	lastTriggerAt time.Time
	lastResult    *syncpkg.DrainResult
	dropped       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic drain while online and pending > 0 (default: 1 minute)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer syncpkg.Syncer, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		syncer:       syncer,
		conn:         conn,
		syncInterval: interval,
	}
}

// Start starts the reconnect watcher and the periodic loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	updates, cancel := s.conn.Watch()

	s.loops.Add(2)
	go s.reconnectLoop(ctx, stop, updates, cancel)
	go s.periodicSyncLoop(ctx, stop)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the loops and waits for any drain they started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loops.Wait()
	s.runs.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// reconnectLoop drains when connectivity comes back with changes pending.
func (s *Scheduler) reconnectLoop(ctx context.Context, stop <-chan struct{}, updates <-chan bool, cancel func()) {
	defer s.loops.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case online, ok := <-updates:
			if !ok {
				return
			}
			if online && s.syncer.Pending() > 0 {
				s.trigger(ctx, TriggerReconnect)
			}
		}
	}
}

// periodicSyncLoop drains on a ticker while online with changes pending.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.conn.Online() || s.syncer.Pending() == 0 {
				continue
			}
			s.trigger(ctx, TriggerInterval)
		}
	}
}

// trigger starts a drain in the background unless one is running.
func (s *Scheduler) trigger(ctx context.Context, reason string) bool {
	if s.syncer.IsSyncing() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": reason})
		return false
	}

	s.mu.Lock()
	s.lastTrigger = reason
	s.lastTriggerAt = time.Now()
	s.mu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.runSync(ctx, reason)
	}()
	return true
}

// runSync executes one drain and records its result.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	result := s.syncer.SyncNow(ctx)

	s.mu.Lock()
	s.lastResult = &result
	s.mu.Unlock()

	switch result.Status {
	case syncpkg.DrainSkipped:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	case syncpkg.DrainHalted:
		logging.ErrorWithCode("Triggered sync halted", string(errors.ErrSyncFailed), result.Err,
			map[string]interface{}{
				"trigger":   reason,
				"remaining": result.Remaining,
				"retryable": result.Retryable,
			})
	default:
		logging.Info("Triggered sync completed", map[string]interface{}{
			"trigger":  reason,
			"replayed": result.Replayed,
		})
	}
}

// TriggerSync requests an immediate drain in the background. It returns
// false when a drain is already running. The drain outlives ctx's
// cancellation so a finished HTTP request does not abort it.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.trigger(context.WithoutCancel(ctx), TriggerManual)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	SyncInProgress bool                 `json:"sync_in_progress"`
	PendingItems   int                  `json:"pending_items"`
	LastTrigger    string               `json:"last_trigger,omitempty"`
	LastTriggerAt  *time.Time           `json:"last_trigger_at,omitempty"`
	LastResult     *syncpkg.DrainResult `json:"last_result,omitempty"`
	Dropped        int                  `json:"dropped_triggers"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		LastTrigger: s.lastTrigger,
		Dropped:     s.dropped,
	}
	if !s.lastTriggerAt.IsZero() {
		at := s.lastTriggerAt
		status.LastTriggerAt = &at
	}
	if s.lastResult != nil {
		res := *s.lastResult
		status.LastResult = &res
	}
	s.mu.RUnlock()

	status.IsOnline = s.conn.Online()
	status.SyncInProgress = s.syncer.IsSyncing()
	status.PendingItems = s.syncer.Pending()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Package sync replays the pending-change queue against the remote store
// and tracks the aggregate sync state shown to the user.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plagapro/plagapro/backend/internal/db"
	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/sync/queue"
	"github.com/plagapro/plagapro/backend/internal/telemetry"
)

// DrainStatus is how a SyncNow call ended.
type DrainStatus string

const (
	// DrainSkipped means another drain was already running.
	DrainSkipped DrainStatus = "skipped"
	// DrainCompleted means the queue was emptied without failures.
	DrainCompleted DrainStatus = "completed"
	// DrainHalted means a change could not be replayed; it and every later
	// change are still queued.
	DrainHalted DrainStatus = "halted"
)

// Replay results recorded per change.
const (
	replayOK           = "ok"
	replayConnectivity = "connectivity"
	replayRejected     = "rejected"
	replayDeadLettered = "dead_lettered"
)

// DrainResult summarizes one SyncNow call.
type DrainResult struct {
	Status       DrainStatus   `json:"status"`
	Replayed     int           `json:"replayed"`
	DeadLettered int           `json:"dead_lettered"`
	Remaining    int           `json:"remaining"`
	FailedChange models.UUID   `json:"failed_change,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// Connectivity is the connectivity signal the coordinator reads and feeds.
type Connectivity interface {
	Online() bool
	Observe(err error)
}

// Metrics records replays and drains.
type Metrics interface {
	ObserveReplay(result string)
	ObserveDrain(status string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReplay(string)                {}
func (nopMetrics) ObserveDrain(string, time.Duration) {}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool  { return true }
func (alwaysOnline) Observe(error) {}

// Options configures a Coordinator.
type Options struct {
	// APIPrefix is prepended to resource names when building remote requests.
	APIPrefix string
	// DeadLetterRejected moves server-rejected changes to the dead-letter
	// table and keeps draining instead of halting.
	DeadLetterRejected bool

	Connectivity Connectivity
	Publisher    events.Publisher
	Metrics      Metrics
	Clock        func() time.Time
}

// Coordinator drains the pending-change queue one change at a time, in
// order, stopping at the first change that cannot be replayed.
type Coordinator struct {
	queue      *queue.Queue
	meta       db.MetadataRepository
	client     remote.Client
	prefix     string
	deadLetter bool
	conn       Connectivity
	bus        events.Publisher
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time

	mu        gosync.Mutex
	isSyncing bool
	lastSync  *time.Time
	lastErr   string
}

var _ Syncer = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator and restores the last sync time from
// the metadata store.
func NewCoordinator(ctx context.Context, q *queue.Queue, meta db.MetadataRepository, client remote.Client, opts Options) *Coordinator {
	c := &Coordinator{
		queue:      q,
		meta:       meta,
		client:     client,
		prefix:     opts.APIPrefix,
		deadLetter: opts.DeadLetterRejected,
		conn:       opts.Connectivity,
		bus:        opts.Publisher,
		metrics:    opts.Metrics,
		tracer:     telemetry.Tracer(),
		now:        opts.Clock,
	}
	if c.prefix == "" {
		c.prefix = "/rest/v1/"
	}
	if c.conn == nil {
		c.conn = alwaysOnline{}
	}
	if c.bus == nil {
		c.bus = events.Nop{}
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	if raw, err := meta.GetMeta(ctx, models.MetaLastSyncTime); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			c.lastSync = &t
		} else {
			logging.Warn("ignoring unreadable last sync time", map[string]interface{}{"value": raw})
		}
	}
	return c
}

// IsSyncing reports whether a drain is running.
func (c *Coordinator) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSyncing
}

// Pending returns the number of queued changes.
func (c *Coordinator) Pending() int {
	return c.queue.Size()
}

// Status returns a snapshot of the sync state.
func (c *Coordinator) Status(ctx context.Context) models.SyncState {
	c.mu.Lock()
	state := models.SyncState{
		IsSyncing: c.isSyncing,
		LastError: c.lastErr,
	}
	if c.lastSync != nil {
		t := *c.lastSync
		state.LastSyncTime = &t
	}
	c.mu.Unlock()

	state.PendingCount = c.queue.Size()
	state.IsOnline = c.conn.Online()
	if n, err := c.queue.DeadLetterCount(ctx); err == nil {
		state.DeadLetterCount = n
	}
	return state
}

// SyncNow drains the queue. If a drain is already running it returns
// immediately with DrainSkipped; the running drain is not affected.
func (c *Coordinator) SyncNow(ctx context.Context) DrainResult {
	c.mu.Lock()
	if c.isSyncing {
		c.mu.Unlock()
		logging.Debug("sync already in progress, skipping", nil)
		return DrainResult{
			Status:    DrainSkipped,
			Remaining: c.queue.Size(),
			Err:       apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress"),
		}
	}
	c.isSyncing = true
	c.mu.Unlock()

	start := c.now()
	ctx, span := c.tracer.Start(ctx, "sync.Drain", trace.WithAttributes(
		attribute.Int("sync.pending", c.queue.Size()),
	))
	defer span.End()

	c.bus.Publish(events.SyncStarted, map[string]interface{}{
		"pending": c.queue.Size(),
	})
	logging.Info("sync started", map[string]interface{}{"pending": c.queue.Size()})

	res := c.drain(ctx)
	res.Remaining = c.queue.Size()
	res.Duration = c.now().Sub(start)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	c.finish(ctx, &res)

	span.SetAttributes(
		attribute.String("sync.status", string(res.Status)),
		attribute.Int("sync.replayed", res.Replayed),
		attribute.Int("sync.remaining", res.Remaining),
	)
	if res.Status == DrainHalted {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
	}
	c.metrics.ObserveDrain(string(res.Status), res.Duration)
	return res
}

// finish records the outcome in the sync state and announces it.
func (c *Coordinator) finish(ctx context.Context, res *DrainResult) {
	c.mu.Lock()
	if res.Status == DrainCompleted {
		t := c.now().UTC()
		c.lastSync = &t
		c.lastErr = ""
	} else {
		c.lastErr = res.Error
	}
	lastSync := c.lastSync
	c.isSyncing = false
	c.mu.Unlock()

	if res.Status == DrainCompleted {
		if err := c.meta.SetMeta(ctx, models.MetaLastSyncTime, lastSync.Format(time.RFC3339Nano)); err != nil {
			logging.Warn("failed to persist last sync time", map[string]interface{}{"error": err.Error()})
		}
		logging.Info("sync completed", map[string]interface{}{
			"replayed":      res.Replayed,
			"dead_lettered": res.DeadLettered,
			"duration_ms":   res.Duration.Milliseconds(),
		})
		c.bus.Publish(events.SyncCompleted, map[string]interface{}{
			"replayed":       res.Replayed,
			"dead_lettered":  res.DeadLettered,
			"remaining":      res.Remaining,
			"last_sync_time": lastSync.Format(time.RFC3339Nano),
		})
		return
	}

	logging.ErrorWithCode("sync halted", string(apperrors.ErrSyncFailed), res.Err, map[string]interface{}{
		"replayed":  res.Replayed,
		"remaining": res.Remaining,
		"change_id": string(res.FailedChange),
		"retryable": res.Retryable,
	})
	c.bus.Publish(events.SyncFailed, map[string]interface{}{
		"error":     res.Error,
		"retryable": res.Retryable,
		"change_id": string(res.FailedChange),
		"remaining": res.Remaining,
	})
}

// drain replays changes until the queue is empty or a change fails. The
// head is re-read before every replay, so changes queued during the drain
// are replayed by it and changes cleared during it are not.
func (c *Coordinator) drain(ctx context.Context) DrainResult {
	var res DrainResult
	for {
		change, err := c.queue.Head(ctx)
		if err != nil {
			return halted(res, "", true, err)
		}
		if change == nil {
			res.Status = DrainCompleted
			return res
		}

		if err := ctx.Err(); err != nil {
			c.metrics.ObserveReplay(replayConnectivity)
			return halted(res, change.ID, true, &remote.ConnectivityError{Op: "drain", Err: err})
		}

		err = c.replay(ctx, change)
		switch {
		case err == nil:
			c.metrics.ObserveReplay(replayOK)
			if err := c.queue.Remove(ctx, change.ID); err != nil {
				return halted(res, change.ID, true, err)
			}
			res.Replayed++

		case remote.IsConnectivity(err):
			c.metrics.ObserveReplay(replayConnectivity)
			return halted(res, change.ID, true, err)

		case c.deadLetter:
			c.metrics.ObserveReplay(replayDeadLettered)
			if _, dlErr := c.queue.DeadLetter(ctx, change, remote.StatusOf(err), err.Error()); dlErr != nil {
				return halted(res, change.ID, true, dlErr)
			}
			res.DeadLettered++
			c.bus.Publish(events.ChangeDeadLettered, map[string]interface{}{
				"change_id": string(change.ID),
				"resource":  change.Resource,
				"action":    string(change.Action),
				"status":    remote.StatusOf(err),
				"error":     err.Error(),
			})

		default:
			c.metrics.ObserveReplay(replayRejected)
			return halted(res, change.ID, false, err)
		}
	}
}

// replay sends one change. Malformed changes are reported as rejections so
// they are handled like any other change the remote refuses.
func (c *Coordinator) replay(ctx context.Context, change *models.PendingChange) error {
	req, err := remote.ChangeRequest(c.prefix, change)
	if err != nil {
		return &remote.RejectedError{Body: []byte(err.Error())}
	}

	resp, err := c.client.Do(ctx, req)
	if err == nil {
		err = remote.CheckStatus(resp)
	}
	c.conn.Observe(err)
	if err != nil {
		logging.Debug("replay failed", map[string]interface{}{
			"change_id": string(change.ID),
			"resource":  change.Resource,
			"action":    string(change.Action),
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

func halted(res DrainResult, id models.UUID, retryable bool, err error) DrainResult {
	res.Status = DrainHalted
	res.FailedChange = id
	res.Retryable = retryable
	if remote.IsRejected(err) {
		err = apperrors.Wrap(apperrors.ErrServerRejected, fmt.Sprintf("change %s rejected", id), err)
	} else if remote.IsConnectivity(err) {
		err = apperrors.Wrap(apperrors.ErrConnectivity, fmt.Sprintf("change %s not delivered", id), err)
	}
	res.Err = err
	return res
}

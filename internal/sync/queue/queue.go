// Package queue provides the durable pending-change queue: mutations made
// while offline, kept in order until the sync coordinator replays them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/db"
	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/uuid"
)

// DefaultMaxPending bounds the queue when no limit is configured.
const DefaultMaxPending = 10000

// Store is the slice of the durable store the queue needs.
type Store interface {
	db.PendingChangeRepository
	db.DeadLetterRepository
}

// DepthObserver is told the queue length after every mutation.
type DepthObserver interface {
	SetQueueDepth(n int)
}

// Queue is a FIFO of pending changes persisted in the durable store. Every
// mutation is serialized by the queue mutex and is durable before it returns.
type Queue struct {
	store   Store
	maxSize int
	now     func() time.Time
	bus     events.Publisher
	depth   DepthObserver

	mu   sync.Mutex
	size int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxPending sets the capacity; 0 means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithClock replaces time.Now for EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPublisher publishes change.queued events.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.bus = p }
}

// WithDepthObserver reports the queue length.
func WithDepthObserver(d DepthObserver) Option {
	return func(q *Queue) { q.depth = d }
}

// New creates a Queue over store and loads the current length. A store that
// cannot be read leaves the length at zero.
func New(ctx context.Context, store Store, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		maxSize: DefaultMaxPending,
		now:     time.Now,
		bus:     events.Nop{},
	}
	for _, opt := range opts {
		opt(q)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.recount(ctx); err != nil {
		logging.Warn("pending-change queue could not read the store", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return q
}

// recount reloads the length from the store. Callers hold q.mu.
func (q *Queue) recount(ctx context.Context) error {
	n, err := q.store.CountPendingChanges(ctx)
	if err != nil {
		return err
	}
	q.setSize(n)
	return nil
}

func (q *Queue) setSize(n int) {
	q.size = n
	if q.depth != nil {
		q.depth.SetQueueDepth(n)
	}
}

// Validate checks a change before it is enqueued.
func Validate(resource string, action models.Action, data json.RawMessage) error {
	if strings.TrimSpace(resource) == "" {
		return apperrors.New(apperrors.ErrInvalid, "resource is required")
	}
	if !action.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action %q", action))
	}
	if len(data) == 0 {
		if action == models.ActionInsert {
			return apperrors.New(apperrors.ErrInvalid, "insert requires data")
		}
		return apperrors.New(apperrors.ErrInvalid, string(action)+" requires data with an id")
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "data must be a JSON object", err)
	}
	if action != models.ActionInsert {
		target := models.PendingChange{Data: data}
		if _, err := target.TargetID(); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, string(action)+" requires data with an id", err)
		}
	}
	return nil
}

// Enqueue validates and persists a change and returns it with its ID and
// Seq assigned. The change is durable when Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, resource string, action models.Action, data json.RawMessage) (*models.PendingChange, error) {
	if err := Validate(resource, action, data); err != nil {
		return nil, err
	}

	id, err := uuid.NewOrdered()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to generate change id", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && q.size >= q.maxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	change := &models.PendingChange{
		ID:         models.UUID(id),
		Resource:   resource,
		Action:     action,
		Data:       append(json.RawMessage(nil), data...),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.store.InsertPendingChange(ctx, change); err != nil {
		return nil, storeError("failed to persist pending change", err)
	}
	q.setSize(q.size + 1)

	logging.Info("change queued", map[string]interface{}{
		"change_id": string(change.ID),
		"resource":  resource,
		"action":    string(action),
		"pending":   q.size,
	})
	q.bus.Publish(events.ChangeQueued, map[string]interface{}{
		"change_id": string(change.ID),
		"resource":  resource,
		"action":    string(action),
		"pending":   q.size,
	})

	return change, nil
}

// PeekOrdered returns all pending changes in replay order without removing
// them.
func (q *Queue) PeekOrdered(ctx context.Context) ([]*models.PendingChange, error) {
	changes, err := q.store.ListPendingChanges(ctx)
	if err != nil {
		return nil, storeError("failed to list pending changes", err)
	}
	return changes, nil
}

// Head returns the oldest pending change, or nil when the queue is empty.
// It reads under the queue mutex so a concurrent Clear is either fully
// visible or not at all.
func (q *Queue) Head(ctx context.Context) (*models.PendingChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	change, err := q.store.FirstPendingChange(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("failed to read pending change", err)
	}
	return change, nil
}

// Remove deletes a replayed change. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeletePendingChange(ctx, id); err != nil {
		return storeError("failed to remove pending change", err)
	}
	return q.recount(ctx)
}

// Clear deletes every pending change and returns how many were removed.
// Discarded changes are never replayed.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ClearPendingChanges(ctx)
	if err != nil {
		return 0, storeError("failed to clear pending changes", err)
	}
	q.setSize(0)

	logging.Warn("pending-change queue cleared", map[string]interface{}{"discarded": n})
	return n, nil
}

// Size returns the number of pending changes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Refresh reloads the length from the store.
func (q *Queue) Refresh(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recount(ctx)
}

// DeadLetter moves a rejected change out of the queue into the dead-letter
// table in one step.
func (q *Queue) DeadLetter(ctx context.Context, change *models.PendingChange, status int, reason string) (*models.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	letter := models.NewDeadLetter(change, status, reason, q.now().UTC())
	if err := q.store.MoveToDeadLetter(ctx, letter); err != nil {
		return nil, storeError("failed to dead-letter change", err)
	}
	if err := q.recount(ctx); err != nil {
		return letter, err
	}

	logging.Warn("change dead-lettered", map[string]interface{}{
		"change_id": string(change.ID),
		"resource":  change.Resource,
		"status":    status,
	})
	return letter, nil
}

// DeadLetters returns every dead-lettered change in original queue order.
func (q *Queue) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	letters, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, storeError("failed to list dead letters", err)
	}
	return letters, nil
}

// DeadLetterCount returns the number of dead letters.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	n, err := q.store.CountDeadLetters(ctx)
	if err != nil {
		return 0, storeError("failed to count dead letters", err)
	}
	return n, nil
}

// storeError keeps ErrUnavailable recognizable and tags everything else as
// a database error.
func storeError(msg string, err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, msg, err)
}

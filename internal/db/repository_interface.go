package db

import (
	"context"
	"errors"

	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("db: not found")

	// ErrUnavailable is returned by every operation of a store that could not
	// be opened or has failed; callers degrade to network-only behaviour.
	ErrUnavailable = apperrors.New(apperrors.ErrStoreUnavailable, "durable store unavailable")
)

// CacheEntryRepository persists cached responses, one per key.
type CacheEntryRepository interface {
	// PutCacheEntry inserts or overwrites the entry for entry.Key.
	PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error

	// GetCacheEntry returns ErrNotFound when no entry exists.
	GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error)

	// DeleteCacheEntry is idempotent: deleting a missing key is not an error.
	DeleteCacheEntry(ctx context.Context, key string) error

	// ListCacheEntries returns every entry, oldest first.
	ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error)

	// ClearCacheEntries deletes all entries and returns how many were removed.
	ClearCacheEntries(ctx context.Context) (int, error)
}

// PendingChangeRepository persists the pending-change queue.
type PendingChangeRepository interface {
	// InsertPendingChange appends change and assigns change.Seq.
	InsertPendingChange(ctx context.Context, change *models.PendingChange) error

	// ListPendingChanges returns changes in replay order.
	ListPendingChanges(ctx context.Context) ([]*models.PendingChange, error)

	// FirstPendingChange returns the oldest change, or ErrNotFound when the
	// queue is empty.
	FirstPendingChange(ctx context.Context) (*models.PendingChange, error)

	// DeletePendingChange is idempotent.
	DeletePendingChange(ctx context.Context, id models.UUID) error

	// ClearPendingChanges deletes all changes and returns how many were removed.
	ClearPendingChanges(ctx context.Context) (int, error)

	// CountPendingChanges returns the queue length.
	CountPendingChanges(ctx context.Context) (int, error)
}

// DeadLetterRepository persists changes the remote store rejected.
type DeadLetterRepository interface {
	// MoveToDeadLetter removes the pending change and records the dead letter
	// atomically.
	MoveToDeadLetter(ctx context.Context, letter *models.DeadLetter) error

	// ListDeadLetters returns dead letters in original queue order.
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)

	// CountDeadLetters returns the number of dead letters.
	CountDeadLetters(ctx context.Context) (int, error)
}

// MetadataRepository persists small key/value records such as the last sync time.
type MetadataRepository interface {
	// GetMeta returns ErrNotFound when the key was never set.
	GetMeta(ctx context.Context, key string) (string, error)

	// SetMeta inserts or overwrites key.
	SetMeta(ctx context.Context, key, value string) error
}

// OfflineRepository is the storage port of the offline core.
// Every single-entry mutation is atomic: readers never observe partial entries.
type OfflineRepository interface {
	CacheEntryRepository
	PendingChangeRepository
	DeadLetterRepository
	MetadataRepository

	// Close releases the underlying storage.
	Close() error
}

package db

import (
	"context"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// UnavailableRepository stands in for a store that could not be opened.
// Every operation fails with ErrUnavailable so the core degrades to
// network-only behaviour instead of refusing to start.
type UnavailableRepository struct {
	// Cause is the error that made the store unavailable, if known.
	Cause error
}

var _ OfflineRepository = UnavailableRepository{}

func (UnavailableRepository) PutCacheEntry(context.Context, *models.CacheEntry) error {
	return ErrUnavailable
}

func (UnavailableRepository) GetCacheEntry(context.Context, string) (*models.CacheEntry, error) {
	return nil, ErrUnavailable
}

func (UnavailableRepository) DeleteCacheEntry(context.Context, string) error {
	return ErrUnavailable
}

func (UnavailableRepository) ListCacheEntries(context.Context) ([]*models.CacheEntry, error) {
	return nil, ErrUnavailable
}

func (UnavailableRepository) ClearCacheEntries(context.Context) (int, error) {
	return 0, ErrUnavailable
}

func (UnavailableRepository) InsertPendingChange(context.Context, *models.PendingChange) error {
	return ErrUnavailable
}

func (UnavailableRepository) ListPendingChanges(context.Context) ([]*models.PendingChange, error) {
	return nil, ErrUnavailable
}

func (UnavailableRepository) FirstPendingChange(context.Context) (*models.PendingChange, error) {
	return nil, ErrUnavailable
}

func (UnavailableRepository) DeletePendingChange(context.Context, models.UUID) error {
	return ErrUnavailable
}

func (UnavailableRepository) ClearPendingChanges(context.Context) (int, error) {
	return 0, ErrUnavailable
}

func (UnavailableRepository) CountPendingChanges(context.Context) (int, error) {
	return 0, ErrUnavailable
}

func (UnavailableRepository) MoveToDeadLetter(context.Context, *models.DeadLetter) error {
	return ErrUnavailable
}

func (UnavailableRepository) ListDeadLetters(context.Context) ([]*models.DeadLetter, error) {
	return nil, ErrUnavailable
}

func (UnavailableRepository) CountDeadLetters(context.Context) (int, error) {
	return 0, ErrUnavailable
}

func (UnavailableRepository) GetMeta(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (UnavailableRepository) SetMeta(context.Context, string, string) error {
	return ErrUnavailable
}

func (UnavailableRepository) Close() error {
	return nil
}

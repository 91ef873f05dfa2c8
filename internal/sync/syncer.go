package sync

import (
	"context"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// Syncer is the drain surface the scheduler and the service depend on.
// Coordinator implements it; tests substitute their own.
type Syncer interface {
	// SyncNow drains the queue, or returns DrainSkipped when a drain is
	// already running.
	SyncNow(ctx context.Context) DrainResult

	// Status returns a snapshot of the sync state.
	Status(ctx context.Context) models.SyncState

	// IsSyncing reports whether a drain is running.
	IsSyncing() bool

	// Pending returns the number of queued changes.
	Pending() int
}

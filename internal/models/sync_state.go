package models

import "time"

// Metadata keys stored alongside the cache and queue.
const (
	MetaLastSyncTime  = "last_sync_time"
	MetaSchemaVersion = "schema_version"
)

// SyncState is a read-only snapshot of the sync coordinator's status.
type SyncState struct {
	IsSyncing       bool       `json:"is_syncing"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	PendingCount    int        `json:"pending_count"`
	LastError       string     `json:"last_error,omitempty"`
	IsOnline        bool       `json:"is_online"`
	DeadLetterCount int        `json:"dead_letter_count"`
}

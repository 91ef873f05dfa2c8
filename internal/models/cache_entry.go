package models

import "time"

// CacheEntry is a cached response body for one cache key.
// At most one entry exists per Key; writes overwrite.
type CacheEntry struct {
	Key           string    `db:"key" json:"key"`
	Payload       []byte    `db:"payload" json:"payload"`
	ContentType   string    `db:"content_type" json:"content_type,omitempty"`
	StatusCode    int       `db:"status_code" json:"status_code"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	SchemaVersion string    `db:"schema_version" json:"schema_version"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Age returns how old the entry is at now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

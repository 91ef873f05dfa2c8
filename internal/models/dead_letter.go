package models

import (
	"encoding/json"
	"time"
)

// DeadLetter is a pending change the remote store rejected during replay and
// that was moved out of the queue so later changes could proceed.
type DeadLetter struct {
	ChangeID   UUID            `db:"change_id" json:"change_id"`
	Seq        int64           `db:"seq" json:"seq"`
	Resource   string          `db:"resource" json:"resource"`
	Action     Action          `db:"action" json:"action"`
	Data       json.RawMessage `db:"data" json:"data"`
	EnqueuedAt time.Time       `db:"enqueued_at" json:"enqueued_at"`
	FailedAt   time.Time       `db:"failed_at" json:"failed_at"`
	StatusCode int             `db:"status_code" json:"status_code"`
	Error      string          `db:"error" json:"error"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// NewDeadLetter builds a DeadLetter from a rejected change.
func NewDeadLetter(change *PendingChange, status int, reason string, failedAt time.Time) *DeadLetter {
	return &DeadLetter{
		ChangeID:   change.ID,
		Seq:        change.Seq,
		Resource:   change.Resource,
		Action:     change.Action,
		Data:       change.Data,
		EnqueuedAt: change.EnqueuedAt,
		FailedAt:   failedAt,
		StatusCode: status,
		Error:      reason,
	}
}

package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of mutation a PendingChange replays.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// PendingChange is a mutation recorded for later replay against the remote store.
// Changes replay in Seq order, which follows EnqueuedAt.
type PendingChange struct {
	ID         UUID            `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	Resource   string          `db:"resource" json:"resource"`
	Action     Action          `db:"action" json:"action"`
	Data       json.RawMessage `db:"data" json:"data"`
	EnqueuedAt time.Time       `db:"enqueued_at" json:"enqueued_at"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// TargetID returns the "id" field of Data, used by update and delete.
// Numeric ids are returned as written, without float conversion.
func (c *PendingChange) TargetID() (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Data, &fields); err != nil {
		return "", fmt.Errorf("change data is not a JSON object: %w", err)
	}
	raw := bytes.TrimSpace(fields["id"])
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("change data has no id")
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("change data id is not a string: %w", err)
		}
		if id == "" {
			return "", fmt.Errorf("change data has an empty id")
		}
		return id, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("change data id must be a string or number, got %s", raw)
	}
	return n.String(), nil
}

package cache

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// Outcome says where a result came from.
type Outcome string

const (
	OutcomeNetwork     Outcome = "network"
	OutcomeCache       Outcome = "cache"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRejected    Outcome = "rejected"
	OutcomePassThrough Outcome = "pass_through"
	OutcomeFailed      Outcome = "failed"
)

// Kind is the coarse classification callers branch on.
type Kind string

const (
	KindSuccess  Kind = "success"
	KindDegraded Kind = "degraded"
	KindTerminal Kind = "terminal"
)

// Result is what every public cache operation returns. Failures are
// described by Outcome and Err; they are never returned as Go errors.
type Result struct {
	Class       Class                 `json:"class"`
	Outcome     Outcome               `json:"outcome"`
	Key         string                `json:"key,omitempty"`
	Status      int                   `json:"status"`
	ContentType string                `json:"content_type,omitempty"`
	Body        []byte                `json:"-"`
	CachedAt    *time.Time            `json:"cached_at,omitempty"`
	Change      *models.PendingChange `json:"change,omitempty"`
	// StoreDegraded is set when the durable store could not be used and the
	// result was produced network-only.
	StoreDegraded bool  `json:"store_degraded,omitempty"`
	Err           error `json:"-"`
}

// Kind classifies the result as success, recoverable-degraded or terminal.
func (r *Result) Kind() Kind {
	switch r.Outcome {
	case OutcomeUnavailable, OutcomeRejected, OutcomeFailed:
		return KindTerminal
	case OutcomeAccepted:
		return KindDegraded
	case OutcomeCache:
		if r.Class == ClassAPIRead || r.StoreDegraded {
			return KindDegraded
		}
		return KindSuccess
	}
	if r.Status >= http.StatusBadRequest {
		return KindTerminal
	}
	if r.StoreDegraded {
		return KindDegraded
	}
	return KindSuccess
}

// Error returns the error description, if any.
func (r *Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// UnavailableBody is the synthetic body returned when neither the network
// nor the cache can answer.
func UnavailableBody(key string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"error":   "unavailable_offline",
		"message": "data is not available offline",
		"key":     key,
	})
	return body
}

// AcceptedBody is the synthetic body returned when a write was queued.
func AcceptedBody(change *models.PendingChange, pending int) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"status":    "queued",
		"change_id": string(change.ID),
		"resource":  change.Resource,
		"action":    string(change.Action),
		"pending":   pending,
	})
	return body
}

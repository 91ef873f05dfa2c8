package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/sync/queue"
)

// Write sends a mutation to the remote store, queueing it for replay when
// the remote cannot be reached. A non-empty queue means earlier changes are
// still waiting, so the write goes behind them without a network attempt.
func (c *Cache) Write(ctx context.Context, resource string, action models.Action, data json.RawMessage) *Result {
	ctx, span := c.tracer.Start(ctx, "cache.Write", trace.WithAttributes(
		attribute.String("cache.resource", resource),
		attribute.String("cache.action", string(action)),
	))
	defer span.End()

	res := c.write(ctx, resource, action, data)
	res.Class = ClassAPIWrite
	span.SetAttributes(attribute.String("cache.outcome", string(res.Outcome)))
	c.metrics.ObserveCacheRequest(string(ClassAPIWrite), string(res.Outcome))
	return res
}

func (c *Cache) write(ctx context.Context, resource string, action models.Action, data json.RawMessage) *Result {
	if err := queue.Validate(resource, action, data); err != nil {
		return &Result{Outcome: OutcomeFailed, Status: http.StatusBadRequest, Err: err}
	}

	if c.queue != nil && c.queue.Size() > 0 {
		return c.enqueue(ctx, resource, action, data, nil)
	}

	change := &models.PendingChange{Resource: resource, Action: action, Data: data}
	req, err := remote.ChangeRequest(c.policy.APIPrefix, change)
	if err != nil {
		return &Result{
			Outcome: OutcomeFailed,
			Status:  http.StatusBadRequest,
			Err:     apperrors.Wrap(apperrors.ErrInvalid, "cannot build remote request", err),
		}
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return c.enqueue(ctx, resource, action, data, err)
	}
	if statusErr := remote.CheckStatus(resp); statusErr != nil {
		logging.Warn("remote rejected write", map[string]interface{}{
			"resource": resource,
			"action":   string(action),
			"status":   resp.Status,
		})
		return &Result{
			Outcome:     OutcomeRejected,
			Status:      resp.Status,
			ContentType: resp.ContentType(),
			Body:        resp.Body,
			Err:         apperrors.Wrap(apperrors.ErrServerRejected, "remote rejected write", statusErr),
		}
	}
	return fromResponse(OutcomeNetwork, "", resp, false)
}

// enqueue records the change for later replay. cause is the connectivity
// failure that forced queueing, if any.
func (c *Cache) enqueue(ctx context.Context, resource string, action models.Action, data json.RawMessage, cause error) *Result {
	if c.queue == nil {
		return &Result{
			Outcome:       OutcomeFailed,
			Status:        http.StatusServiceUnavailable,
			StoreDegraded: true,
			Err:           apperrors.Wrap(apperrors.ErrConnectivity, "remote unreachable and no queue configured", cause),
		}
	}

	change, err := c.queue.Enqueue(ctx, resource, action, data)
	if err != nil {
		res := &Result{Outcome: OutcomeFailed, Status: http.StatusServiceUnavailable, Err: err}
		switch apperrors.CodeOf(err) {
		case apperrors.ErrStoreUnavailable, apperrors.ErrDatabase:
			res.StoreDegraded = true
		case apperrors.ErrInvalid:
			res.Status = http.StatusBadRequest
		case apperrors.ErrQueueFull:
			res.Status = http.StatusInsufficientStorage
		}
		if cause != nil {
			logging.Error("write could not be sent or queued", err, map[string]interface{}{
				"resource": resource,
				"action":   string(action),
				"cause":    cause.Error(),
			})
		}
		return res
	}

	return &Result{
		Outcome:     OutcomeAccepted,
		Status:      http.StatusAccepted,
		ContentType: "application/json",
		Body:        AcceptedBody(change, c.queue.Size()),
		Change:      change,
		Err:         cause,
	}
}

// fetchWrite turns a raw PostgREST-style request into a change and sends it
// through Write, so replay uses the same request shape.
func (c *Cache) fetchWrite(ctx context.Context, method, rawURL string, body []byte) *Result {
	resource, action, data, err := c.changeFromRequest(method, rawURL, body)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Status: http.StatusBadRequest, Err: err}
	}
	return c.write(ctx, resource, action, data)
}

// changeFromRequest accepts the subset of PostgREST writes that replay as a
// single change: an insert, or an update or delete filtered by id=eq. Other
// query parameters (filters, on_conflict, columns) are refused rather than
// dropped. select is ignored since replay asks for return=minimal.
func (c *Cache) changeFromRequest(method, rawURL string, body []byte) (string, models.Action, json.RawMessage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid url", err)
	}
	resource := strings.Trim(strings.TrimPrefix(u.Path, c.policy.APIPrefix), "/")
	if resource == "" || strings.Contains(resource, "/") {
		return "", "", nil, apperrors.New(apperrors.ErrInvalid, "write must target a single table: "+u.Path)
	}

	var action models.Action
	switch strings.ToUpper(method) {
	case http.MethodPost:
		action = models.ActionInsert
	case http.MethodPatch, http.MethodPut:
		action = models.ActionUpdate
	case http.MethodDelete:
		action = models.ActionDelete
	default:
		return "", "", nil, apperrors.New(apperrors.ErrInvalid, "unsupported write method "+method)
	}

	query := u.Query()
	for name := range query {
		if name == "select" || (name == "id" && action != models.ActionInsert) {
			continue
		}
		return "", "", nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("unsupported query parameter %q: offline writes target one row by id=eq.", name))
	}

	var id string
	if action != models.ActionInsert {
		values := query["id"]
		if len(values) != 1 || !strings.HasPrefix(values[0], "eq.") || values[0] == "eq." {
			return "", "", nil, apperrors.New(apperrors.ErrInvalid, string(action)+" requires a single id=eq.<id> filter")
		}
		id = strings.TrimPrefix(values[0], "eq.")
	}

	fields := map[string]interface{}{}
	if len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return "", "", nil, apperrors.Wrap(apperrors.ErrInvalid, "write body must be a JSON object", err)
		}
	}
	if id != "" {
		fields["id"] = filterID(id)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return "", "", nil, apperrors.Wrap(apperrors.ErrInvalid, "cannot encode write body", err)
	}
	return resource, action, data, nil
}

// filterID keeps integer ids numeric so the replayed body matches the column.
func filterID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		return json.Number(id)
	}
	return id
}

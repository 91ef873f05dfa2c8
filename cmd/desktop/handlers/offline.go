// Package handlers provides the localhost REST API over the offline core.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/plagapro/plagapro/backend/internal/cache"
	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	syncpkg "github.com/plagapro/plagapro/backend/internal/sync"
	"github.com/plagapro/plagapro/backend/internal/sync/scheduler"
)

// maxBodyBytes bounds request bodies accepted by the API and the proxy.
const maxBodyBytes = 8 << 20

// RemotePrefix is the path under which the caching proxy is mounted.
const RemotePrefix = "/remote"

// OfflineAPI is the part of the offline service the handlers use.
type OfflineAPI interface {
	CachedRead(ctx context.Context, key string) *cache.Result
	FetchWithPolicy(ctx context.Context, method, url string, body []byte) *cache.Result
	QueueWrite(ctx context.Context, resource string, action models.Action, data json.RawMessage) *cache.Result
	SyncNow(ctx context.Context) syncpkg.DrainResult
	TriggerSync(ctx context.Context) bool
	GetSyncStatus(ctx context.Context) models.SyncState
	SchedulerStatus() scheduler.SchedulerStatus
	SetOnline(online bool) bool
	InvalidateCache(ctx context.Context, key string) error
	ClearCache(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context) (int, error)
	PendingChanges(ctx context.Context) ([]*models.PendingChange, error)
	DeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	StoreDegraded() bool
}

// OfflineHandler handles cache, queue and sync operations.
type OfflineHandler struct {
	svc     OfflineAPI
	service string
}

// NewOfflineHandler creates a new OfflineHandler. service names the process
// in health responses.
func NewOfflineHandler(svc OfflineAPI, service string) *OfflineHandler {
	if service == "" {
		service = "plagapro-offline"
	}
	return &OfflineHandler{svc: svc, service: service}
}

// Register mounts every route on mux.
func (h *OfflineHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/offline/cache", h.GetCached)
	mux.HandleFunc("DELETE /api/offline/cache", h.DeleteCached)
	mux.HandleFunc("POST /api/offline/fetch", h.Fetch)

	mux.HandleFunc("POST /api/offline/changes", h.QueueChange)
	mux.HandleFunc("GET /api/offline/changes", h.ListChanges)
	mux.HandleFunc("DELETE /api/offline/changes", h.ClearChanges)
	mux.HandleFunc("GET /api/offline/dead-letters", h.ListDeadLetters)

	mux.HandleFunc("POST /api/offline/sync", h.Sync)
	mux.HandleFunc("GET /api/offline/status", h.Status)
	mux.HandleFunc("POST /api/offline/connectivity", h.SetConnectivity)

	mux.HandleFunc(RemotePrefix+"/", h.Proxy)
}

// Health handles GET /api/health
func (h *OfflineHandler) Health(w http.ResponseWriter, r *http.Request) {
	sched := h.svc.SchedulerStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"service":        h.service,
		"online":         sched.IsOnline,
		"store_degraded": h.svc.StoreDegraded(),
		"pending":        sched.PendingItems,
	})
}

// =====================================================
// Cache
// =====================================================

// GetCached handles GET /api/offline/cache?key=
func (h *OfflineHandler) GetCached(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "key is required"))
		return
	}
	writeResult(w, h.svc.CachedRead(r.Context(), key))
}

// DeleteCached handles DELETE /api/offline/cache[?key=]. Without a key the
// whole cache is cleared.
func (h *OfflineHandler) DeleteCached(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key != "" {
		if err := h.svc.InvalidateCache(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": key})
		return
	}

	n, err := h.svc.ClearCache(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// Fetch handles POST /api/offline/fetch
func (h *OfflineHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Method string          `json:"method"`
		URL    string          `json:"url"`
		Body   json.RawMessage `json:"body"`
	}
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.URL == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "url is required"))
		return
	}
	if request.Method == "" {
		request.Method = http.MethodGet
	}

	var body []byte
	if len(request.Body) > 0 && string(request.Body) != "null" {
		body = request.Body
	}
	writeResult(w, h.svc.FetchWithPolicy(r.Context(), strings.ToUpper(request.Method), request.URL, body))
}

// =====================================================
// Pending changes
// =====================================================

// QueueChange handles POST /api/offline/changes
func (h *OfflineHandler) QueueChange(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Resource string          `json:"resource"`
		Action   string          `json:"action"`
		Data     json.RawMessage `json:"data"`
	}
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	action, err := models.ParseAction(request.Action)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid action", err))
		return
	}
	writeResult(w, h.svc.QueueWrite(r.Context(), request.Resource, action, request.Data))
}

// ListChanges handles GET /api/offline/changes
func (h *OfflineHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.svc.PendingChanges(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []*models.PendingChange{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": changes,
		"total": len(changes),
	})
}

// ClearChanges handles DELETE /api/offline/changes. Queued changes are
// discarded without being replayed.
func (h *OfflineHandler) ClearChanges(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Warn("pending changes discarded via API", map[string]interface{}{"count": n})
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// ListDeadLetters handles GET /api/offline/dead-letters
func (h *OfflineHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.svc.DeadLetters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": letters,
		"total": len(letters),
	})
}

// =====================================================
// Sync
// =====================================================

// Sync handles POST /api/offline/sync. With ?async=true the drain runs in
// the background and the call returns immediately.
func (h *OfflineHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		started := h.svc.TriggerSync(r.Context())
		status := http.StatusAccepted
		if !started {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]interface{}{"started": started})
		return
	}

	// The drain is not tied to the client connection.
	result := h.svc.SyncNow(context.WithoutCancel(r.Context()))
	writeJSON(w, drainStatusCode(result), result)
}

func drainStatusCode(result syncpkg.DrainResult) int {
	switch result.Status {
	case syncpkg.DrainCompleted:
		return http.StatusOK
	case syncpkg.DrainSkipped:
		return http.StatusConflict
	}
	if result.Retryable {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// Status handles GET /api/offline/status
func (h *OfflineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sync":           h.svc.GetSyncStatus(r.Context()),
		"scheduler":      h.svc.SchedulerStatus(),
		"store_degraded": h.svc.StoreDegraded(),
	})
}

// SetConnectivity handles POST /api/offline/connectivity
func (h *OfflineHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}
	changed := h.svc.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  *request.Online,
		"changed": changed,
	})
}

// =====================================================
// Caching proxy
// =====================================================

// Proxy handles ANY /remote/... by forwarding the request through the cache
// policy and replaying the result verbatim.
func (h *OfflineHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.URL.Path, RemotePrefix)
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read request body", err))
			return
		}
	}

	res := h.svc.FetchWithPolicy(r.Context(), r.Method, target, body)

	header := w.Header()
	if res.ContentType != "" {
		header.Set("Content-Type", res.ContentType)
	}
	header.Set("X-Offline-Outcome", string(res.Outcome))
	header.Set("X-Offline-Class", string(res.Class))
	if res.CachedAt != nil {
		header.Set("X-Offline-Cached-At", res.CachedAt.UTC().Format(http.TimeFormat))
	}
	if res.StoreDegraded {
		header.Set("X-Offline-Store-Degraded", "true")
	}
	w.WriteHeader(statusOf(res))
	if r.Method != http.MethodHead {
		w.Write(res.Body)
	}
}

// =====================================================
// Encoding helpers
// =====================================================

// resultResponse is the JSON form of a cache.Result.
type resultResponse struct {
	*cache.Result
	Kind  cache.Kind  `json:"kind"`
	Body  interface{} `json:"body,omitempty"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"error_code,omitempty"`
}

func writeResult(w http.ResponseWriter, res *cache.Result) {
	resp := resultResponse{
		Result: res,
		Kind:   res.Kind(),
		Error:  res.Error(),
	}
	if res.Err != nil {
		resp.Code = string(apperrors.CodeOf(res.Err))
	}
	if len(res.Body) > 0 {
		if json.Valid(res.Body) {
			resp.Body = json.RawMessage(res.Body)
		} else {
			resp.Body = string(res.Body)
		}
	}
	writeJSON(w, statusOf(res), resp)
}

func statusOf(res *cache.Result) int {
	if res.Status > 0 {
		return res.Status
	}
	if res.Kind() == cache.KindTerminal {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

// decodeJSON requires an application/json body, which browsers cannot send
// cross-origin without a preflight.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		return apperrors.New(apperrors.ErrInvalid, "Content-Type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.ErrInvalid, "request body is required")
		}
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an error code to an HTTP status and writes a JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrQueueFull:
		status = http.StatusInsufficientStorage
	case apperrors.ErrStoreUnavailable, apperrors.ErrConnectivity, apperrors.ErrUnavailableOffline:
		status = http.StatusServiceUnavailable
	case apperrors.ErrServerRejected:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logging.Error("request failed", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   string(code),
		"message": err.Error(),
	})
}

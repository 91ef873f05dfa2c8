package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plagapro/plagapro/backend/internal/config"
	"github.com/plagapro/plagapro/backend/internal/db"
	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/services"
)

type apiEnv struct {
	svc    *services.OfflineService
	remote *remote.MockClient
	mux    *http.ServeMux
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Connectivity.ProbeInterval = 0
	cfg.Sync.Interval = time.Hour

	env := &apiEnv{remote: remote.NewMockClient(cfg.Remote.APIPrefix)}
	env.svc = services.NewOfflineService(context.Background(), cfg, services.Dependencies{
		Repo:   db.NewMemoryRepository(),
		Client: env.remote,
	})
	t.Cleanup(func() { env.svc.Close() })

	env.mux = http.NewServeMux()
	NewOfflineHandler(env.svc, "plagapro-test").Register(env.mux)
	return env
}

func (e *apiEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "plagapro-test", body["service"])
	assert.Equal(t, true, body["online"])
	assert.Equal(t, false, body["store_degraded"])
}

func TestMethodNotAllowed(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPut, "/api/offline/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// =====================================================
// Caching proxy
// =====================================================

func TestProxy_apiReadFallsBackToCache(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.Seed("services", map[string]interface{}{"id": "s1", "name": "Fumigación"})

	rec := env.do(t, http.MethodGet, "/remote/rest/v1/services?select=*", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Offline-Outcome"))
	assert.Equal(t, "api_read", rec.Header().Get("X-Offline-Class"))
	online := rec.Body.String()

	env.remote.SetOffline(true)
	rec = env.do(t, http.MethodGet, "/remote/rest/v1/services?select=*", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Offline-Outcome"))
	assert.NotEmpty(t, rec.Header().Get("X-Offline-Cached-At"))
	assert.JSONEq(t, online, rec.Body.String())
}

func TestProxy_unavailableOffline(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.SetOffline(true)

	rec := env.do(t, http.MethodGet, "/remote/rest/v1/clients?select=*", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Header().Get("X-Offline-Outcome"))
	assert.Equal(t, "unavailable_offline", decode(t, rec)["error"])
}

func TestProxy_writeQueuedOffline(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.Seed("clients", map[string]interface{}{"id": "c1", "status": "activo"})
	env.remote.SetOffline(true)

	rec := env.do(t, http.MethodPatch, "/remote/rest/v1/clients?id=eq.c1", `{"status":"vencido"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", rec.Header().Get("X-Offline-Outcome"))
	assert.Equal(t, "queued", decode(t, rec)["status"])

	pending, err := env.svc.PendingChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"id":"c1","status":"vencido"}`, string(pending[0].Data))
}

// =====================================================
// Cache endpoints
// =====================================================

func TestGetCached(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/offline/cache", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.ErrInvalid), decode(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/api/offline/cache?key=GET+/rest/v1/clients", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "unavailable", body["outcome"])
	assert.Equal(t, "terminal", body["kind"])
	assert.Equal(t, string(apperrors.ErrUnavailableOffline), body["error_code"])
}

func TestFetchAndInvalidate(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.Seed("services", map[string]interface{}{"id": "s1"})

	rec := env.do(t, http.MethodPost, "/api/offline/fetch", map[string]interface{}{
		"url": "/rest/v1/services",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "network", body["outcome"])
	assert.Equal(t, "success", body["kind"])
	assert.Len(t, body["body"], 1)
	key, _ := body["key"].(string)
	require.NotEmpty(t, key)

	rec = env.do(t, http.MethodGet, "/api/offline/cache?key="+urlQuery(key), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", decode(t, rec)["outcome"])

	rec = env.do(t, http.MethodDelete, "/api/offline/cache?key="+urlQuery(key), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/offline/cache?key="+urlQuery(key), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFetch_invalidBody(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/offline/fetch", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/offline/fetch", map[string]interface{}{"method": "GET"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetch_requiresJSONContentType(t *testing.T) {
	env := newAPIEnv(t)

	for _, contentType := range []string{"", "text/plain", "application/x-www-form-urlencoded"} {
		req := httptest.NewRequest(http.MethodPost, "/api/offline/fetch",
			bytes.NewBufferString(`{"method":"GET","url":"/rest/v1/clients"}`))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "Content-Type %q", contentType)
	}
	assert.Equal(t, 0, env.remote.CallCount())

	req := httptest.NewRequest(http.MethodPost, "/api/offline/fetch",
		bytes.NewBufferString(`{"method":"GET","url":"/rest/v1/clients"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFetch_foreignURLRefused(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/offline/fetch", map[string]interface{}{
		"method": "GET",
		"url":    "https://evil.example/rest/v1/clients",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.ErrInvalid), decode(t, rec)["error_code"])
	assert.Equal(t, 0, env.remote.CallCount())
}

func TestClearCache(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodGet, "/remote/rest/v1/services", nil)
	env.do(t, http.MethodGet, "/remote/rest/v1/clients", nil)

	rec := env.do(t, http.MethodDelete, "/api/offline/cache", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["cleared"])
}

// =====================================================
// Changes and sync
// =====================================================

func TestQueueChangeAndSync(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.Seed("clients", map[string]interface{}{"id": "c1", "status": "activo"})
	env.remote.SetOffline(true)

	rec := env.do(t, http.MethodPost, "/api/offline/changes", map[string]interface{}{
		"resource": "clients",
		"action":   "update",
		"data":     map[string]interface{}{"id": "c1", "status": "vencido"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["outcome"])
	assert.Equal(t, "degraded", body["kind"])

	rec = env.do(t, http.MethodGet, "/api/offline/changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	env.remote.SetOffline(false)
	rec = env.do(t, http.MethodPost, "/api/offline/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	drain := decode(t, rec)
	assert.Equal(t, "completed", drain["status"])
	assert.Equal(t, float64(1), drain["replayed"])
	assert.Equal(t, "vencido", env.remote.Table("clients")[0]["status"])

	rec = env.do(t, http.MethodGet, "/api/offline/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	syncState, ok := status["sync"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), syncState["pending_count"])
	assert.NotEmpty(t, syncState["last_sync_time"])
}

func TestQueueChange_invalid(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/offline/changes", map[string]interface{}{
		"resource": "clients",
		"action":   "upsert",
		"data":     map[string]interface{}{"id": "c1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/offline/changes", map[string]interface{}{
		"resource": "clients",
		"action":   "delete",
		"data":     map[string]interface{}{"name": "no id"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "failed", decode(t, rec)["outcome"])
}

func TestSync_haltedIsRetryable(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.SetOffline(true)
	env.do(t, http.MethodPost, "/api/offline/changes", map[string]interface{}{
		"resource": "clients",
		"action":   "insert",
		"data":     map[string]interface{}{"name": "Pedro"},
	})

	rec := env.do(t, http.MethodPost, "/api/offline/sync", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "halted", body["status"])
	assert.Equal(t, true, body["retryable"])
}

func TestSync_async(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/offline/sync?async=true", nil)

	assert.Contains(t, []int{http.StatusAccepted, http.StatusConflict}, rec.Code)
	_, ok := decode(t, rec)["started"]
	assert.True(t, ok)
}

func TestClearChanges(t *testing.T) {
	env := newAPIEnv(t)
	env.remote.SetOffline(true)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/offline/changes", map[string]interface{}{
			"resource": "clients",
			"action":   "insert",
			"data":     map[string]interface{}{"name": fmt.Sprintf("client %d", i)},
		})
	}

	rec := env.do(t, http.MethodDelete, "/api/offline/changes", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["cleared"])
	pending, err := env.svc.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListDeadLetters_empty(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/offline/dead-letters", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["total"])
	assert.Equal(t, []interface{}{}, body["items"])
}

func TestSetConnectivity(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/offline/connectivity", map[string]interface{}{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["changed"])

	rec = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, false, decode(t, rec)["online"])

	rec = env.do(t, http.MethodPost, "/api/offline/connectivity", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =====================================================
// Error mapping
// =====================================================

func TestWriteError(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrSyncInProgress, http.StatusConflict},
		{apperrors.ErrQueueFull, http.StatusInsufficientStorage},
		{apperrors.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{apperrors.ErrServerRejected, http.StatusBadGateway},
		{apperrors.ErrDatabase, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, apperrors.New(tt.code, "boom"))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, string(tt.code), decode(t, rec)["error"])
		})
	}
}

func urlQuery(s string) string {
	return url.QueryEscape(s)
}

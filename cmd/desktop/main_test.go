// Package main tests for desktop server routing and the WebSocket stream.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plagapro/plagapro/backend/internal/config"
	"github.com/plagapro/plagapro/backend/internal/db"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/services"
)

// setupTestServer builds the full router over an in-memory service.
func setupTestServer(t *testing.T) (*httptest.Server, *services.OfflineService, *WSHub) {
	t.Helper()
	logging.Init(os.Stdout, logging.LevelWarn)

	cfg := config.Default()
	cfg.Connectivity.ProbeInterval = 0
	cfg.Sync.Interval = time.Hour

	svc := services.NewOfflineService(context.Background(), cfg, services.Dependencies{
		Repo:   db.NewMemoryRepository(),
		Client: remote.NewMockClient(cfg.Remote.APIPrefix),
	})
	hub := NewWSHub()
	server := httptest.NewServer(newRouter(svc, hub, "plagapro-test"))

	t.Cleanup(func() {
		server.Close()
		hub.Close()
		svc.Close()
	})
	return server, svc, hub
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read websocket message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d websocket clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =====================================================
// Routing
// =====================================================

func TestRouter_Health(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health check returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body["service"] != "plagapro-test" {
		t.Errorf("Expected service plagapro-test, got %v", body["service"])
	}
}

func TestRouter_HealthMethodNotAllowed(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp, err := http.Post(server.URL+"/api/health", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestRouter_Metrics(t *testing.T) {
	server, _, _ := setupTestServer(t)

	// Exercise the cache so the collectors are registered.
	http.Get(server.URL + "/remote/rest/v1/services")

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "plagapro_cache_requests_total") {
		t.Error("Expected plagapro_cache_requests_total in metrics output")
	}
}

func TestRouter_crossOriginRefused(t *testing.T) {
	server, svc, _ := setupTestServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/remote/rest/v1/clients", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
	if n := svc.GetSyncStatus(context.Background()).PendingCount; n != 0 {
		t.Errorf("Cross-origin write reached the queue: %d pending", n)
	}

	req, _ = http.NewRequest(http.MethodGet, server.URL+"/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected local origin to be served, got %d", resp.StatusCode)
	}
}

func TestRecoverer(t *testing.T) {
	logging.Init(os.Stdout, logging.LevelWarn)
	handler := recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("Expected INTERNAL_ERROR body, got %q", w.Body.String())
	}
}

func TestRollbackSchema(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := db.Migrate(conn.DB); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	latest, err := db.NewMigrator(conn.DB, db.Migrations()).CurrentVersion()
	if err != nil {
		t.Fatalf("Failed to read version: %v", err)
	}
	conn.Close()

	version, err := rollbackSchema(dir)
	if err != nil {
		t.Fatalf("rollbackSchema() failed: %v", err)
	}
	if version != latest-1 {
		t.Errorf("Expected version %d after rollback, got %d", latest-1, version)
	}
}

// =====================================================
// WebSocket
// =====================================================

func TestLocalOrigin(t *testing.T) {
	tests := map[string]bool{
		"":                          true,
		"http://localhost:8090":     true,
		"http://127.0.0.1:5173":     true,
		"http://[::1]:8090":         true,
		"https://example.com":       false,
		"http://192.168.1.20:8090":  false,
		"http://localhost.evil.com": false,
	}
	for origin, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := localOrigin(req); got != want {
			t.Errorf("localOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestWebSocket_Ping(t *testing.T) {
	server, _, _ := setupTestServer(t)
	conn := dialWS(t, server)

	if err := conn.WriteJSON(map[string]interface{}{"action": "ping"}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	msg := readJSON(t, conn)
	if msg["action"] != "pong" {
		t.Errorf("Expected pong, got %v", msg)
	}
}

func TestWebSocket_SubscriptionFilter(t *testing.T) {
	server, _, hub := setupTestServer(t)
	conn := dialWS(t, server)
	waitForClients(t, hub, 1)

	conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{events.SyncCompleted},
	})
	ack := readJSON(t, conn)
	if ack["action"] != "subscribe_ack" {
		t.Fatalf("Expected subscribe_ack, got %v", ack)
	}

	hub.Broadcast(events.CacheUpdated, map[string]interface{}{"key": "GET /rest/v1/clients"})
	hub.Broadcast(events.SyncCompleted, map[string]interface{}{"replayed": 2})

	msg := readJSON(t, conn)
	if msg["type"] != events.SyncCompleted {
		t.Errorf("Expected only %s to be delivered, got %v", events.SyncCompleted, msg["type"])
	}
}

func TestWebSocket_ForwardsServiceEvents(t *testing.T) {
	server, svc, hub := setupTestServer(t)
	conn := dialWS(t, server)
	waitForClients(t, hub, 1)

	feed, cancel := svc.Subscribe(16)
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go hub.Forward(ctx, feed)

	svc.SetOnline(false)

	msg := readJSON(t, conn)
	if msg["type"] != events.ConnectivityChanged {
		t.Fatalf("Expected %s, got %v", events.ConnectivityChanged, msg["type"])
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["online"] != false {
		t.Errorf("Expected online=false, got %v", data)
	}
}

func TestWSHub_CloseDisconnectsClients(t *testing.T) {
	server, _, hub := setupTestServer(t)
	conn := dialWS(t, server)
	waitForClients(t, hub, 1)

	hub.Close()
	waitForClients(t, hub, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
}

package services

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plagapro/plagapro/backend/internal/cache"
	"github.com/plagapro/plagapro/backend/internal/config"
	"github.com/plagapro/plagapro/backend/internal/db"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/remote"
	syncpkg "github.com/plagapro/plagapro/backend/internal/sync"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc    *OfflineService
	repo   *db.MemoryRepository
	remote *remote.MockClient
	clock  *testClock
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Connectivity.ProbeInterval = 0
	cfg.Sync.Interval = time.Hour
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{
		repo:   db.NewMemoryRepository(),
		remote: remote.NewMockClient(cfg.Remote.APIPrefix),
		clock:  &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	env.svc = NewOfflineService(context.Background(), cfg, Dependencies{
		Repo:   env.repo,
		Client: env.remote,
		Clock:  env.clock.Now,
	})
	t.Cleanup(func() { env.svc.Close() })
	return env
}

// =====================================================
// Construction
// =====================================================

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Connectivity.ProbeInterval = 0

	svc, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	assert.False(t, svc.StoreDegraded())
	assert.FileExists(t, filepath.Join(cfg.DataDir, db.FileName))

	version, err := svc.deps.Repo.GetMeta(context.Background(), models.MetaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, cfg.SchemaVersion, version)
}

// TestOpen_storeUnavailable verifies the service still comes up, network-only,
// when the data directory cannot be used.
func TestOpen_storeUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.Default()
	cfg.DataDir = filepath.Join(blocker, "data")
	cfg.Connectivity.ProbeInterval = 0

	svc, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	assert.True(t, svc.StoreDegraded())
	res := svc.CachedRead(context.Background(), "anything")
	assert.Equal(t, cache.OutcomeUnavailable, res.Outcome)
	assert.True(t, res.StoreDegraded)
}

func TestOpen_invalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.TTL = 0

	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

// =====================================================
// End-to-end scenarios
// =====================================================

// TestScenario_shellServedOffline: a cached static asset is served with no
// network call once offline.
func TestScenario_shellServedOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.SetResponse("GET", "/index.html", http.StatusOK, "text/html", "<html></html>")

	require.Equal(t, cache.OutcomeNetwork, env.svc.FetchWithPolicy(ctx, "GET", "/index.html", nil).Outcome)
	env.remote.SetOffline(true)
	calls := env.remote.CallCount()

	res := env.svc.FetchWithPolicy(ctx, "GET", "/index.html", nil)
	assert.Equal(t, cache.OutcomeCache, res.Outcome)
	assert.Equal(t, calls, env.remote.CallCount())
}

// TestScenario_apiSnapshotOffline: an API read falls back to the snapshot
// cached at T.
func TestScenario_apiSnapshotOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.Seed("clients", map[string]interface{}{"id": "c1", "status": "activo"})

	first := env.svc.FetchWithPolicy(ctx, "GET", "/rest/v1/clients", nil)
	require.Equal(t, cache.OutcomeNetwork, first.Outcome)
	cachedAt := env.clock.Now()

	env.clock.Advance(2 * time.Hour)
	env.remote.SetOffline(true)

	res := env.svc.FetchWithPolicy(ctx, "GET", "/rest/v1/clients", nil)
	assert.Equal(t, cache.OutcomeCache, res.Outcome)
	assert.Equal(t, first.Body, res.Body)
	require.NotNil(t, res.CachedAt)
	assert.Equal(t, cachedAt, *res.CachedAt)
	assert.False(t, env.svc.GetSyncStatus(ctx).IsOnline)
}

// TestScenario_offlineUpdateSynced: an update made offline reaches the
// remote on syncNow.
func TestScenario_offlineUpdateSynced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.Seed("clients", map[string]interface{}{"id": "c1", "status": "activo"})
	env.remote.SetOffline(true)

	res := env.svc.QueueWrite(ctx, "clients", models.ActionUpdate, json.RawMessage(`{"id":"c1","status":"vencido"}`))
	require.Equal(t, cache.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 1, env.svc.GetSyncStatus(ctx).PendingCount)

	env.remote.SetOffline(false)
	drain := env.svc.SyncNow(ctx)

	assert.Equal(t, syncpkg.DrainCompleted, drain.Status)
	status := env.svc.GetSyncStatus(ctx)
	assert.Equal(t, 0, status.PendingCount)
	assert.NotNil(t, status.LastSyncTime)
	assert.Empty(t, status.LastError)
	assert.Equal(t, "vencido", env.remote.Table("clients")[0]["status"])
}

// TestScenario_sequentialUpdates: two updates to one record replay in order,
// leaving the remote at the second.
func TestScenario_sequentialUpdates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.Seed("clients", map[string]interface{}{"id": "c1", "status": "new"})
	env.remote.SetOffline(true)

	env.svc.QueueWrite(ctx, "clients", models.ActionUpdate, json.RawMessage(`{"id":"c1","status":"A"}`))
	env.svc.QueueWrite(ctx, "clients", models.ActionUpdate, json.RawMessage(`{"id":"c1","status":"B"}`))

	pending, err := env.svc.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	env.remote.SetOffline(false)
	drain := env.svc.SyncNow(ctx)

	assert.Equal(t, 2, drain.Replayed)
	assert.Equal(t, "B", env.remote.Table("clients")[0]["status"])
}

// TestScenario_sweepAfterTTL: an entry 8 days old is swept and the next read
// misses.
func TestScenario_sweepAfterTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.svc.FetchWithPolicy(ctx, "GET", "/rest/v1/clients", nil)

	env.clock.Advance(8 * 24 * time.Hour)
	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evicted)

	miss := env.svc.CachedRead(ctx, cache.Key("GET", "/rest/v1/clients"))
	assert.Equal(t, cache.OutcomeUnavailable, miss.Outcome)
}

// TestScenario_haltAndRetry: a connectivity failure on the first entry
// halts the drain; the next trigger replays everything.
func TestScenario_haltAndRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.SetOffline(true)
	env.svc.QueueWrite(ctx, "clients", models.ActionInsert, json.RawMessage(`{"id":"c1"}`))
	env.svc.QueueWrite(ctx, "clients", models.ActionInsert, json.RawMessage(`{"id":"c2"}`))

	env.remote.SetOffline(false)
	env.remote.FailNext(nil)
	halted := env.svc.SyncNow(ctx)

	assert.Equal(t, syncpkg.DrainHalted, halted.Status)
	assert.Equal(t, 2, halted.Remaining)
	assert.NotEmpty(t, env.svc.GetSyncStatus(ctx).LastError)

	retry := env.svc.SyncNow(ctx)
	assert.Equal(t, syncpkg.DrainCompleted, retry.Status)
	assert.Len(t, env.remote.Table("clients"), 2)
}

// =====================================================
// Background triggers and maintenance
// =====================================================

// TestReconnectDrainsQueue verifies the UI's online signal starts a drain.
func TestReconnectDrainsQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.svc.Start(ctx)

	ch, cancel := env.svc.Subscribe(64)
	defer cancel()

	env.svc.SetOnline(false)
	env.remote.SetOffline(true)
	env.svc.QueueWrite(ctx, "services", models.ActionInsert, json.RawMessage(`{"id":"s1"}`))

	env.remote.SetOffline(false)
	env.svc.SetOnline(true)

	assert.Eventually(t, func() bool {
		return env.svc.GetSyncStatus(ctx).PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[events.SyncCompleted] {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.True(t, seen[events.ConnectivityChanged])
	assert.True(t, seen[events.SyncStarted])
}

func TestClearQueueAndCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.svc.FetchWithPolicy(ctx, "GET", "/rest/v1/clients", nil)
	env.remote.SetOffline(true)
	env.svc.QueueWrite(ctx, "clients", models.ActionInsert, json.RawMessage(`{"id":"c1"}`))

	n, err := env.svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, env.svc.GetSyncStatus(ctx).PendingCount)

	require.NoError(t, env.svc.InvalidateCache(ctx, "missing"))
	n, err = env.svc.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeadLetterMode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *config.Config) { c.Sync.DeadLetterRejected = true })
	env.remote.SetOffline(true)
	env.svc.QueueWrite(ctx, "clients", models.ActionInsert, json.RawMessage(`{"id":"c1"}`))
	env.svc.QueueWrite(ctx, "clients", models.ActionInsert, json.RawMessage(`{"id":"c2"}`))

	env.remote.SetOffline(false)
	env.remote.RejectNext(http.StatusBadRequest, `{"message":"invalid"}`)
	drain := env.svc.SyncNow(ctx)

	assert.Equal(t, syncpkg.DrainCompleted, drain.Status)
	assert.Equal(t, 1, drain.DeadLettered)
	letters, err := env.svc.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, env.svc.GetSyncStatus(ctx).DeadLetterCount)
}

// TestSchemaVersionBump verifies entries written under an older version are
// never served after an upgrade.
func TestSchemaVersionBump(t *testing.T) {
	ctx := context.Background()
	repo := db.NewMemoryRepository()
	mock := remote.NewMockClient("/rest/v1/")

	cfg := config.Default()
	cfg.Connectivity.ProbeInterval = 0
	old := NewOfflineService(ctx, cfg, Dependencies{Repo: repo, Client: mock})
	old.FetchWithPolicy(ctx, "GET", "/rest/v1/clients", nil)

	upgraded := *cfg
	upgraded.SchemaVersion = "2"
	svc := NewOfflineService(ctx, &upgraded, Dependencies{Repo: repo, Client: mock})
	defer svc.Close()

	version, err := repo.GetMeta(ctx, models.MetaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, "2", version)

	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evicted)
}

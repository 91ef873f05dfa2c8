// Package main runs the offline core as a localhost server for the desktop
// shell. The UI talks to it over REST and a WebSocket event stream on
// 127.0.0.1:8090 by default.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/plagapro/plagapro/backend/cmd/desktop/handlers"
	"github.com/plagapro/plagapro/backend/internal/config"
	"github.com/plagapro/plagapro/backend/internal/db"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/services"
	"github.com/plagapro/plagapro/backend/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	eventBuffer     = 256
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $PLAGAPRO_CONFIG)")
	rollback := flag.Bool("rollback", false, "roll back the newest schema migration in the data directory and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plagapro: %v\n", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))

	if *rollback {
		version, err := rollbackSchema(cfg.DataDir)
		if err != nil {
			logging.Error("schema rollback failed", err)
			os.Exit(1)
		}
		logging.Info("schema rolled back", map[string]interface{}{"version": version, "data_dir": cfg.DataDir})
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("desktop server exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		UseStdout:      cfg.Telemetry.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	svc, err := services.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open offline service: %w", err)
	}
	defer svc.Close()
	svc.Start(ctx)

	hub := NewWSHub()
	defer hub.Close()
	feed, unsubscribe := svc.Subscribe(eventBuffer)
	defer unsubscribe()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(svc, hub, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Forward(gctx, feed)
		return nil
	})
	g.Go(func() error {
		logging.Info("desktop server listening", map[string]interface{}{
			"addr":           cfg.Server.Addr,
			"version":        version,
			"data_dir":       cfg.DataDir,
			"store_degraded": svc.StoreDegraded(),
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("desktop server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// rollbackSchema reverts the newest migration of the store in dataDir and
// returns the resulting schema version. Used before downgrading to a build
// with an older schema.
func rollbackSchema(dataDir string) (int, error) {
	conn, err := db.Open(dataDir)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	m := db.NewMigrator(conn.DB, db.Migrations())
	if err := m.Down(); err != nil {
		return 0, err
	}
	return m.CurrentVersion()
}

// newRouter mounts the REST API, the event stream and the metrics endpoint.
func newRouter(svc handlers.OfflineAPI, hub *WSHub, service string) http.Handler {
	mux := http.NewServeMux()
	handlers.NewOfflineHandler(svc, service).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	mux.Handle("GET /metrics", promhttp.Handler())
	return recoverer(localOnly(mux))
}

// localOnly refuses browser requests sent from pages outside this machine.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !localOrigin(r) {
			logging.Warn("refused cross-origin request", map[string]interface{}{
				"origin": r.Header.Get("Origin"),
				"method": r.Method,
				"path":   r.URL.Path,
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"FORBIDDEN","message":"cross-origin requests are not allowed"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.ErrorWithCode("handler panic", "INTERNAL_ERROR", fmt.Errorf("%v", rec), map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"INTERNAL_ERROR","message":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

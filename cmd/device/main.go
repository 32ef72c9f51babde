// Package main provides the local sync agent. The UI shell and domain code
// talk to it over REST/WebSocket on localhost; it owns the device database,
// the outbox, and the background sync scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/siteproof/core/cmd/device/handlers"
	"github.com/siteproof/core/internal/conflict"
	"github.com/siteproof/core/internal/db"
	"github.com/siteproof/core/internal/engine"
	"github.com/siteproof/core/internal/engine/scheduler"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/outbox"
	"github.com/siteproof/core/internal/remote"
	"github.com/siteproof/core/internal/status"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	logging.Init(os.Stdout, logging.ParseLevel(env("LOG_LEVEL", "info")))

	dataDir := env("DB_PATH", "./data")
	port := env("DEVICE_PORT", "8090")
	applyURL := env("APPLY_URL", "http://localhost:8091")
	applyToken := os.Getenv("APPLY_TOKEN")
	orgID := env("DEVICE_ORG_ID", "default")

	cfg, err := engine.LoadConfig(env("SYNC_CONFIG", ""))
	if err != nil {
		logging.Error("Invalid sync config", err, nil)
		os.Exit(1)
	}

	database, err := db.Open(dataDir, "device.db")
	if err != nil {
		logging.Error("Failed to open device database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(db.DeviceMigrations()); err != nil {
		logging.Error("Failed to migrate device database", err, nil)
		os.Exit(1)
	}

	store := outbox.NewStore(database.DB, cfg.OutboxConfig())
	manager := conflict.NewManager(database.DB, store)
	reporter := status.NewReporter(store, manager)
	client := remote.NewClient(applyURL, applyToken, cfg.RequestTimeout)

	eng := engine.New(store, client, manager, reporter, cfg, orgID)
	sched := scheduler.New(eng, cfg.CycleInterval)

	hub := NewWSHub()
	eng.SetBroadcaster(hub)
	store.SetOnChange(reporter.Notify)
	manager.SetOnOpen(func(c *models.Conflict) {
		hub.Broadcast(EventConflictDetected, c)
		reporter.Notify()
	})

	// Forward reporter wakeups to the WebSocket stream.
	statusCh := reporter.Subscribe()
	go func() {
		for range statusCh {
			if snap, err := reporter.Snapshot(); err == nil {
				hub.Broadcast(EventStatusChanged, snap)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	// Retention sweep: confirmed envelopes are kept a week for inspection,
	// then dropped. DEAD envelopes are never swept.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged, err := store.PurgeDone(7 * 24 * time.Hour); err != nil {
					logging.Warn("Retention sweep failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else if purged > 0 {
					logging.Info("Purged confirmed envelopes", map[string]interface{}{
						"count": purged,
					})
				}
			}
		}
	}()

	syncHandler := handlers.NewSyncHandler(store, reporter, sched)
	conflictHandler := handlers.NewConflictHandler(manager, sched)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /outbox", syncHandler.Enqueue)
	mux.HandleFunc("GET /sync/status", syncHandler.Status)
	mux.HandleFunc("POST /sync/now", syncHandler.SyncNow)
	mux.HandleFunc("POST /sync/retry-dead", syncHandler.RetryDead)
	mux.HandleFunc("GET /sync/queue", syncHandler.Queue)
	mux.HandleFunc("GET /conflicts", conflictHandler.List)
	mux.HandleFunc("POST /conflicts/{id}/resolve", conflictHandler.Resolve)
	mux.HandleFunc("GET /api/health", syncHandler.Health)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:    "localhost:" + port,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Info("Device sync agent listening", map[string]interface{}{
		"addr":      server.Addr,
		"apply_url": applyURL,
		"org_id":    orgID,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("Server failed", err, nil)
		os.Exit(1)
	}
}

// Package main provides the apply service: the authoritative endpoint that
// device agents push their outbox envelopes to. It guarantees exactly-once
// effect per operation_id.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/siteproof/core/internal/apply"
	"github.com/siteproof/core/internal/db"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/remote"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// applyHandler decodes apply requests, enforces org scoping, and hands off
// to the idempotent applier.
type applyHandler struct {
	service *apply.Service
}

func (h *applyHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func (h *applyHandler) reject(w http.ResponseWriter, reason string) {
	h.writeJSON(w, http.StatusOK, &remote.Response{
		Status: remote.StatusRejected,
		Reason: reason,
	})
}

// ApplyOperation handles POST /apply-operation.
func (h *applyHandler) ApplyOperation(w http.ResponseWriter, r *http.Request) {
	var req remote.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, remote.ReasonValidation)
		return
	}

	org := orgFromContext(r.Context())
	if org == "" {
		h.reject(w, remote.ReasonUnauthorized)
		return
	}
	if req.OrgID != org {
		h.reject(w, remote.ReasonOrgMismatch)
		return
	}

	resp, err := h.service.Apply(&req)
	if err != nil {
		logging.Error("Apply failed", err, map[string]interface{}{
			"operation_id": req.OperationID,
		})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz, the device agents' connectivity probe.
func (h *applyHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func newRouter(service *apply.Service, auth *tokenAuth) *mux.Router {
	handler := &applyHandler{service: service}

	r := mux.NewRouter()
	r.Use(auth.middleware)
	r.HandleFunc("/apply-operation", handler.ApplyOperation).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handler.Healthz).Methods(http.MethodGet)
	return r
}

func main() {
	_ = godotenv.Load()
	logging.Init(os.Stdout, logging.ParseLevel(env("LOG_LEVEL", "info")))

	dataDir := env("APPLY_DB_PATH", "./data")
	port := env("APPLY_PORT", "8091")

	auth := &tokenAuth{orgs: parseTokens(os.Getenv("APPLY_TOKENS"))}
	if len(auth.orgs) == 0 {
		logging.Error("No apply tokens configured", nil, map[string]interface{}{
			"hint": "set APPLY_TOKENS=token:org_id[,token:org_id]",
		})
		os.Exit(1)
	}

	database, err := db.Open(dataDir, "apply.db")
	if err != nil {
		logging.Error("Failed to open server database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(apply.Migrations()); err != nil {
		logging.Error("Failed to migrate server database", err, nil)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(apply.NewService(database.DB), auth),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Info("Apply service listening", map[string]interface{}{
		"addr": server.Addr,
		"orgs": len(auth.orgs),
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("Server failed", err, nil)
		os.Exit(1)
	}
}

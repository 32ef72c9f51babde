// Package handlers provides the localhost REST surface of the sync agent.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/outbox"
	"github.com/siteproof/core/internal/status"
)

// Trigger requests an immediate sync cycle from the scheduler.
type Trigger interface {
	SyncNow()
}

// SyncHandler serves sync status and control endpoints.
type SyncHandler struct {
	store    *outbox.Store
	reporter *status.Reporter
	trigger  Trigger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(store *outbox.Store, reporter *status.Reporter, trigger Trigger) *SyncHandler {
	return &SyncHandler{
		store:    store,
		reporter: reporter,
		trigger:  trigger,
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// Enqueue handles POST /outbox: domain code records a local mutation for
// eventual delivery. Validation of the payload shape is the caller's job;
// the queue only requires well-formed JSON.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Entity   string          `json:"entity"`
		EntityID string          `json:"entity_id"`
		Type     models.OpType   `json:"type"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	operationID, err := h.store.Enqueue(body.Entity, body.EntityID, body.Type, body.Payload)
	if err != nil {
		if errors.Is(err, errors.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Local storage failure is fatal to the mutation and must be
		// surfaced, never swallowed.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"operation_id": operationID})
}

// Status handles GET /sync/status. ?project_id= adds a queue-depth count
// narrowed to that project.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reporter.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute status")
		return
	}

	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		depth, err := h.store.CountPendingByProject(projectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute status")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"snapshot":            snap,
			"project_id":          projectID,
			"project_queue_depth": depth,
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SyncNow handles POST /sync/now. The trigger is asynchronous: the response
// acknowledges the request, the WebSocket stream carries the outcome.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	h.trigger.SyncNow()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

// RetryDead handles POST /sync/retry-dead. Body is optional:
// {"preserve_retry_count": true} keeps the exhausted counts instead of
// resetting them.
func (h *SyncHandler) RetryDead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PreserveRetryCount bool `json:"preserve_retry_count"`
	}
	if r.Body != nil {
		// An empty body means defaults.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	requeued, err := h.store.RetryDead(!body.PreserveRetryCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue dead letters")
		return
	}

	if requeued > 0 {
		h.trigger.SyncNow()
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}

// Queue handles GET /sync/queue. Default view is the live queue
// (PENDING and FAILED); ?status=DEAD narrows to one lifecycle state.
func (h *SyncHandler) Queue(w http.ResponseWriter, r *http.Request) {
	const limit = 200

	var envelopes []*models.Envelope
	var err error
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.EnvelopeStatus(raw)
		switch st {
		case models.StatusPending, models.StatusInflight, models.StatusDone, models.StatusFailed, models.StatusDead:
		default:
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		envelopes, err = h.store.ListByStatus(st, limit)
	} else {
		envelopes, err = h.store.ListPending(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}

	if envelopes == nil {
		envelopes = []*models.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"envelopes": envelopes,
		"count":     len(envelopes),
	})
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "siteproof-device",
	})
}

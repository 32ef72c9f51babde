package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/siteproof/core/internal/conflict"
	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/models"
)

// ConflictHandler serves conflict inspection and resolution endpoints.
type ConflictHandler struct {
	manager *conflict.Manager
	trigger Trigger
}

// NewConflictHandler creates a ConflictHandler.
func NewConflictHandler(manager *conflict.Manager, trigger Trigger) *ConflictHandler {
	return &ConflictHandler{manager: manager, trigger: trigger}
}

// List handles GET /conflicts. ?project_id= narrows to one project scope.
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.manager.ListOpen(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []*models.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// Resolve handles POST /conflicts/{id}/resolve with a body of
// {"choice": "discard"|"keep_local"|"merge", "merged_payload": {...}}.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conflict id is required")
		return
	}

	var decision conflict.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resolved, newOperationID, err := h.manager.Resolve(id, decision)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrNotFound):
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	case errors.Is(err, errors.ErrConflictResolved):
		writeError(w, http.StatusConflict, "conflict already resolved")
		return
	case errors.Is(err, errors.ErrConflictDecision):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, "failed to resolve conflict")
		return
	}

	if newOperationID != "" {
		h.trigger.SyncNow()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflict":         resolved,
		"new_operation_id": newOperationID,
	})
}

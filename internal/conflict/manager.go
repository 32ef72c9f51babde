// Package conflict materializes version-conflict rejections for manual
// resolution. A rejected envelope is never silently discarded: exactly one
// OPEN conflict record pairs its local payload with a pointer to the
// authoritative state, and the record leaves OPEN only through an explicit
// decision.
package conflict

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/uuid"
)

// Enqueuer appends a brand-new envelope to the outbox. Resolutions that
// push a change go through it so the resubmission gets a fresh
// operation_id and is re-validated against the current authoritative
// version.
type Enqueuer interface {
	Enqueue(entity, entityID string, opType models.OpType, payload json.RawMessage) (string, error)
}

// Manager owns conflict records.
type Manager struct {
	db     *sql.DB
	enq    Enqueuer
	now    func() time.Time
	onOpen func(*models.Conflict)
}

// NewManager creates a Manager over the device database.
func NewManager(database *sql.DB, enq Enqueuer) *Manager {
	return &Manager{
		db:  database,
		enq: enq,
		now: time.Now,
	}
}

// SetOnOpen registers a hook invoked when a new conflict is materialized.
// The device surface uses it to push a conflict-detected event to the UI.
func (m *Manager) SetOnOpen(fn func(*models.Conflict)) {
	m.onOpen = fn
}

// Open materializes a conflict record for a version-conflict rejection.
// Idempotent per operation_id: replaying the same rejection returns the
// existing record instead of creating a second one.
func (m *Manager) Open(env *models.Envelope, serverVersion, serverUpdatedAt int64) (*models.Conflict, error) {
	if env == nil {
		return nil, errors.New(errors.ErrInvalid, "envelope is required")
	}

	existing, err := m.getByOperation(env.OperationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	record := &models.Conflict{
		ID:              models.UUID(uuid.New()),
		OperationID:     env.OperationID,
		Entity:          env.Entity,
		EntityID:        env.EntityID,
		ProjectID:       env.ProjectID,
		Type:            env.Type,
		LocalPayload:    env.Payload,
		ServerVersion:   serverVersion,
		ServerUpdatedAt: serverUpdatedAt,
		Status:          models.ConflictOpen,
		CreatedAt:       m.now().Unix(),
	}

	_, err = m.db.Exec(`
		INSERT INTO conflicts (id, operation_id, entity, entity_id, project_id, op_type, local_payload, server_version, server_updated_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ID), record.OperationID, record.Entity, record.EntityID, record.ProjectID,
		string(record.Type), string(record.LocalPayload), record.ServerVersion, record.ServerUpdatedAt,
		string(record.Status), record.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to record conflict", err)
	}

	logging.Warn("Version conflict recorded", map[string]interface{}{
		"conflict_id":    string(record.ID),
		"operation_id":   record.OperationID,
		"entity":         record.Entity,
		"entity_id":      record.EntityID,
		"server_version": serverVersion,
	})

	if m.onOpen != nil {
		m.onOpen(record)
	}
	return record, nil
}

const conflictColumns = "id, operation_id, entity, entity_id, project_id, op_type, local_payload, server_version, server_updated_at, status, resolution, created_at, resolved_at"

func scanConflict(row interface{ Scan(...interface{}) error }) (*models.Conflict, error) {
	var c models.Conflict
	var payload string
	err := row.Scan(&c.ID, &c.OperationID, &c.Entity, &c.EntityID, &c.ProjectID, &c.Type,
		&payload, &c.ServerVersion, &c.ServerUpdatedAt, &c.Status, &c.Resolution,
		&c.CreatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = json.RawMessage(payload)
	return &c, nil
}

// Get returns a conflict by id.
func (m *Manager) Get(id string) (*models.Conflict, error) {
	row := m.db.QueryRow("SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load conflict", err)
	}
	return c, nil
}

func (m *Manager) getByOperation(operationID string) (*models.Conflict, error) {
	row := m.db.QueryRow("SELECT "+conflictColumns+" FROM conflicts WHERE operation_id = ?", operationID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "no conflict for operation")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load conflict", err)
	}
	return c, nil
}

// ListOpen returns OPEN conflicts, oldest first. A non-empty projectID
// narrows the list to that project scope.
func (m *Manager) ListOpen(projectID string) ([]*models.Conflict, error) {
	query := "SELECT " + conflictColumns + " FROM conflicts WHERE status = ?"
	args := []interface{}{string(models.ConflictOpen)}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CountOpen returns the number of OPEN conflicts.
func (m *Manager) CountOpen() (int, error) {
	var count int
	err := m.db.QueryRow("SELECT COUNT(*) FROM conflicts WHERE status = ?", string(models.ConflictOpen)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count conflicts", err)
	}
	return count, nil
}

// Decision is an explicit resolution choice.
type Decision struct {
	Choice        string          `json:"choice"` // discard | keep_local | merge
	MergedPayload json.RawMessage `json:"merged_payload,omitempty"`
}

// Resolve applies a decision to an OPEN conflict. keep_local resubmits the
// stored local payload; merge resubmits the supplied merged payload; both
// go out as brand-new envelopes pinned to the current authoritative
// version. discard pushes nothing. Returns the resolved record and the new
// operation id when one was enqueued.
func (m *Manager) Resolve(id string, d Decision) (*models.Conflict, string, error) {
	record, err := m.Get(id)
	if err != nil {
		return nil, "", err
	}
	if record.Status == models.ConflictResolved {
		return nil, "", errors.New(errors.ErrConflictResolved, fmt.Sprintf("conflict %s already resolved", id))
	}

	var payload json.RawMessage
	switch d.Choice {
	case models.ResolutionDiscard:
		// Local change abandoned; authoritative state stands.
	case models.ResolutionKeepLocal:
		payload = record.LocalPayload
	case models.ResolutionMerge:
		if len(d.MergedPayload) == 0 || !json.Valid(d.MergedPayload) {
			return nil, "", errors.New(errors.ErrConflictDecision, "merge requires a JSON merged_payload")
		}
		payload = d.MergedPayload
	default:
		return nil, "", errors.New(errors.ErrConflictDecision, fmt.Sprintf("unknown decision %q", d.Choice))
	}

	// Claim the conflict before enqueueing anything, so concurrent
	// resolutions of the same record cannot both push a resubmission.
	now := m.now().Unix()
	res, err := m.db.Exec(
		"UPDATE conflicts SET status = ?, resolution = ?, resolved_at = ? WHERE id = ? AND status = ?",
		string(models.ConflictResolved), d.Choice, now, id, string(models.ConflictOpen))
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrStorage, "failed to resolve conflict", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, "", errors.New(errors.ErrConflictResolved, fmt.Sprintf("conflict %s already resolved", id))
	}

	var newOperationID string
	if payload != nil {
		newOperationID, err = m.resubmit(record, payload)
		if err != nil {
			// Reopen so the decision can be retried.
			_, _ = m.db.Exec(
				"UPDATE conflicts SET status = ?, resolution = '', resolved_at = 0 WHERE id = ?",
				string(models.ConflictOpen), id)
			return nil, "", err
		}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":      id,
		"resolution":       d.Choice,
		"new_operation_id": newOperationID,
	})

	record.Status = models.ConflictResolved
	record.Resolution = d.Choice
	record.ResolvedAt = now
	return record, newOperationID, nil
}

// resubmit enqueues a fresh envelope carrying payload, with base_version
// rewritten to the authoritative version the conflict reported. The new
// envelope is validated server-side against whatever is current by then.
func (m *Manager) resubmit(record *models.Conflict, payload json.RawMessage) (string, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", errors.Wrap(errors.ErrConflictDecision, "resolution payload is not a JSON object", err)
	}
	fields["base_version"] = record.ServerVersion

	rebased, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to rebase resolution payload", err)
	}

	return m.enq.Enqueue(record.Entity, record.EntityID, record.Type, rebased)
}

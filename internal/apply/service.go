// Package apply implements the authoritative side of the sync contract: an
// idempotent applier over the server store. Every operation runs in one
// transaction that both mutates the record and journals the operation id,
// so a replayed request observes the journal instead of re-running the
// effect.
package apply

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/siteproof/core/internal/db"
	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/remote"
)

// Migrations returns the authoritative-store schema: versioned records and
// the operation journal that makes application exactly-once in effect.
func Migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     1,
			Description: "create records",
			SQL: `
			CREATE TABLE records (
				org_id TEXT NOT NULL,
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (org_id, entity, entity_id)
			);
			`,
		},
		{
			Version:     2,
			Description: "create applied_operations",
			SQL: `
			CREATE TABLE applied_operations (
				operation_id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				status TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				server_version INTEGER NOT NULL DEFAULT 0,
				server_updated_at INTEGER NOT NULL DEFAULT 0,
				applied_at INTEGER NOT NULL
			);
			`,
		},
	}
}

// Record is one row of authoritative state.
type Record struct {
	OrgID     string          `db:"org_id" json:"org_id"`
	Entity    string          `db:"entity" json:"entity"`
	EntityID  string          `db:"entity_id" json:"entity_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Version   int64           `db:"version" json:"version"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// Service applies operations to the authoritative store.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a Service over the server database.
func NewService(database *sql.DB) *Service {
	return &Service{db: database, now: time.Now}
}

// Apply executes one operation. Replays of an already-journaled
// operation_id return the journaled outcome without touching the record:
// an originally accepted operation reports DUPLICATE, an originally
// rejected one reports the same rejection again.
func (s *Service) Apply(req *remote.Request) (*remote.Response, error) {
	if reason := validate(req); reason != "" {
		// Malformed requests are rejected without journaling: the sender
		// resubmits the same malformed body and deserves the same answer.
		return &remote.Response{Status: remote.StatusRejected, Reason: reason}, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to begin apply tx", err)
	}
	defer tx.Rollback()

	if resp, replayed, err := s.replayed(tx, req.OperationID); err != nil {
		return nil, err
	} else if replayed {
		return resp, nil
	}

	now := s.now().Unix()
	var resp *remote.Response
	switch req.Type {
	case models.OpCreate:
		resp, err = s.applyCreate(tx, req, now)
	case models.OpUpdate:
		resp, err = s.applyUpdate(tx, req, now)
	case models.OpDelete:
		resp, err = s.applyDelete(tx, req, now)
	default:
		resp = &remote.Response{Status: remote.StatusRejected, Reason: remote.ReasonUnknownType}
	}
	if err != nil {
		return nil, err
	}

	if err := s.journal(tx, req, resp, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to commit apply tx", err)
	}

	if resp.Status == remote.StatusRejected {
		logging.Warn("Operation rejected", map[string]interface{}{
			"operation_id": req.OperationID,
			"org_id":       req.OrgID,
			"entity":       req.Entity,
			"entity_id":    req.EntityID,
			"reason":       resp.Reason,
		})
	}
	return resp, nil
}

func validate(req *remote.Request) string {
	if req.OperationID == "" || req.OrgID == "" || req.Entity == "" || req.EntityID == "" {
		return remote.ReasonMissingField
	}
	if len(req.Payload) == 0 {
		return remote.ReasonMissingField
	}
	if !req.Type.Valid() {
		return remote.ReasonUnknownType
	}
	if !json.Valid(req.Payload) {
		return remote.ReasonValidation
	}
	return ""
}

// replayed looks the operation up in the journal. The journaled status is
// replayed verbatim except that an original OK reports DUPLICATE, telling
// the sender the effect already exists.
func (s *Service) replayed(tx *sql.Tx, operationID string) (*remote.Response, bool, error) {
	var status, reason string
	var version, updatedAt int64
	err := tx.QueryRow(
		"SELECT status, reason, server_version, server_updated_at FROM applied_operations WHERE operation_id = ?",
		operationID).Scan(&status, &reason, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrStorage, "failed to read operation journal", err)
	}

	resp := &remote.Response{
		Status:          remote.Status(status),
		Reason:          reason,
		ServerVersion:   version,
		ServerUpdatedAt: updatedAt,
	}
	if resp.Status == remote.StatusOK {
		resp.Status = remote.StatusDuplicate
	}
	return resp, true, nil
}

func (s *Service) applyCreate(tx *sql.Tx, req *remote.Request, now int64) (*remote.Response, error) {
	if existing, err := s.record(tx, req); err != nil {
		return nil, err
	} else if existing != nil {
		return &remote.Response{
			Status:          remote.StatusRejected,
			Reason:          remote.ReasonVersionConflict,
			ServerVersion:   existing.Version,
			ServerUpdatedAt: existing.UpdatedAt,
		}, nil
	}

	_, err := tx.Exec(
		"INSERT INTO records (org_id, entity, entity_id, payload, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)",
		req.OrgID, req.Entity, req.EntityID, string(req.Payload), now)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to insert record", err)
	}
	return &remote.Response{Status: remote.StatusOK, ServerVersion: 1, ServerUpdatedAt: now}, nil
}

func (s *Service) applyUpdate(tx *sql.Tx, req *remote.Request, now int64) (*remote.Response, error) {
	existing, err := s.record(tx, req)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &remote.Response{Status: remote.StatusRejected, Reason: remote.ReasonNotFound}, nil
	}

	var fields struct {
		BaseVersion *int64 `json:"base_version"`
	}
	if err := json.Unmarshal(req.Payload, &fields); err != nil {
		return &remote.Response{Status: remote.StatusRejected, Reason: remote.ReasonValidation}, nil
	}
	if fields.BaseVersion == nil {
		return &remote.Response{Status: remote.StatusRejected, Reason: remote.ReasonMissingField}, nil
	}
	if *fields.BaseVersion != existing.Version {
		return &remote.Response{
			Status:          remote.StatusRejected,
			Reason:          remote.ReasonVersionConflict,
			ServerVersion:   existing.Version,
			ServerUpdatedAt: existing.UpdatedAt,
		}, nil
	}

	newVersion := existing.Version + 1
	_, err = tx.Exec(
		"UPDATE records SET payload = ?, version = ?, updated_at = ? WHERE org_id = ? AND entity = ? AND entity_id = ?",
		string(req.Payload), newVersion, now, req.OrgID, req.Entity, req.EntityID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to update record", err)
	}
	return &remote.Response{Status: remote.StatusOK, ServerVersion: newVersion, ServerUpdatedAt: now}, nil
}

func (s *Service) applyDelete(tx *sql.Tx, req *remote.Request, now int64) (*remote.Response, error) {
	// Deleting an absent row succeeds: the requested end state already holds.
	_, err := tx.Exec(
		"DELETE FROM records WHERE org_id = ? AND entity = ? AND entity_id = ?",
		req.OrgID, req.Entity, req.EntityID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to delete record", err)
	}
	return &remote.Response{Status: remote.StatusOK, ServerUpdatedAt: now}, nil
}

func (s *Service) record(tx *sql.Tx, req *remote.Request) (*Record, error) {
	var rec Record
	var payload string
	err := tx.QueryRow(
		"SELECT org_id, entity, entity_id, payload, version, updated_at FROM records WHERE org_id = ? AND entity = ? AND entity_id = ?",
		req.OrgID, req.Entity, req.EntityID).
		Scan(&rec.OrgID, &rec.Entity, &rec.EntityID, &payload, &rec.Version, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read record", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (s *Service) journal(tx *sql.Tx, req *remote.Request, resp *remote.Response, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO applied_operations (operation_id, org_id, entity, entity_id, status, reason, server_version, server_updated_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.OperationID, req.OrgID, req.Entity, req.EntityID,
		string(resp.Status), resp.Reason, resp.ServerVersion, resp.ServerUpdatedAt, now)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to journal operation", err)
	}
	return nil
}

// GetRecord returns authoritative state for an entity, or nil when absent.
func (s *Service) GetRecord(orgID, entity, entityID string) (*Record, error) {
	var rec Record
	var payload string
	err := s.db.QueryRow(
		"SELECT org_id, entity, entity_id, payload, version, updated_at FROM records WHERE org_id = ? AND entity = ? AND entity_id = ?",
		orgID, entity, entityID).
		Scan(&rec.OrgID, &rec.Entity, &rec.EntityID, &payload, &rec.Version, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read record", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

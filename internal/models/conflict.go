// Package models provides data model definitions for SiteProof Core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "OPEN"
	ConflictResolved ConflictStatus = "RESOLVED"
)

// Resolution choices recorded on a resolved conflict.
const (
	ResolutionDiscard   = "discard"
	ResolutionKeepLocal = "keep_local"
	ResolutionMerge     = "merge"
)

// Conflict pairs a rejected local mutation with a pointer to the
// authoritative server state. Created only from a version-conflict
// rejection; resolved only by an explicit decision, never automatically.
type Conflict struct {
	ID              UUID            `db:"id" json:"id"`
	OperationID     string          `db:"operation_id" json:"operation_id"`
	Entity          string          `db:"entity" json:"entity"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	ProjectID       string          `db:"project_id" json:"project_id"`
	Type            OpType          `db:"op_type" json:"type"`
	LocalPayload    json.RawMessage `db:"local_payload" json:"local_payload"`
	ServerVersion   int64           `db:"server_version" json:"server_version"`
	ServerUpdatedAt int64           `db:"server_updated_at" json:"server_updated_at"`
	Status          ConflictStatus  `db:"status" json:"status"`
	Resolution      string          `db:"resolution" json:"resolution"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
	ResolvedAt      int64           `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *Conflict) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}

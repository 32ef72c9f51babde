// Package models provides data model definitions for SiteProof Core.
package models

import (
	"encoding/json"
	"time"
)

// UUID is a string-typed UUID v4.
type UUID string

// OpType is the kind of mutation an envelope carries.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Valid reports whether the op type is one of the three known kinds.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EnvelopeStatus is the lifecycle state of a queued operation.
//
// Transitions run forward only:
//
//	PENDING -> INFLIGHT -> {DONE | FAILED | DEAD}
//	FAILED  -> INFLIGHT (retry) | DEAD
//	DEAD    -> PENDING (explicit operator retry only)
//
// DONE is terminal. DEAD leaves only via RetryDead.
type EnvelopeStatus string

const (
	StatusPending  EnvelopeStatus = "PENDING"
	StatusInflight EnvelopeStatus = "INFLIGHT"
	StatusDone     EnvelopeStatus = "DONE"
	StatusFailed   EnvelopeStatus = "FAILED"
	StatusDead     EnvelopeStatus = "DEAD"
)

// Envelope is one queued mutation plus its lifecycle metadata. The
// OperationID doubles as the server-side idempotency key; it is generated
// at enqueue time and never reused. Re-enqueueing the same logical change
// always produces a new envelope with a new id.
type Envelope struct {
	OperationID   string          `db:"operation_id" json:"operation_id"`
	Entity        string          `db:"entity" json:"entity"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	ProjectID     string          `db:"project_id" json:"project_id"`
	Type          OpType          `db:"op_type" json:"type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        EnvelopeStatus  `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     string          `db:"last_error" json:"last_error"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Envelope.
func (Envelope) TableName() string {
	return "outbox"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (e *Envelope) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Terminal reports whether the envelope is in a terminal state.
func (e *Envelope) Terminal() bool {
	return e.Status == StatusDone || e.Status == StatusDead
}

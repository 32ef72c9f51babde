// Package remote defines the wire contract with the idempotent apply
// endpoint and the HTTP client that speaks it. The contract is the trust
// boundary between local and authoritative state: the server applies each
// operation_id at most once, which is what makes the engine's at-least-once
// delivery safe.
package remote

import (
	"encoding/json"

	"github.com/siteproof/core/internal/models"
)

// Request is the apply-operation request body. All fields are required;
// the server hard-rejects anything incomplete.
type Request struct {
	OperationID string          `json:"operation_id"`
	OrgID       string          `json:"org_id"`
	Entity      string          `json:"entity"`
	EntityID    string          `json:"entity_id"`
	Type        models.OpType   `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// Status is the apply outcome.
type Status string

const (
	StatusOK        Status = "OK"
	StatusDuplicate Status = "DUPLICATE"
	StatusRejected  Status = "REJECTED"
)

// Response is the apply-operation response body. ServerVersion and
// ServerUpdatedAt point at the authoritative post-apply state on OK and
// DUPLICATE; Reason is set on REJECTED.
type Response struct {
	Status          Status `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ServerVersion   int64  `json:"server_version,omitempty"`
	ServerUpdatedAt int64  `json:"server_updated_at,omitempty"`
}

// Rejection reasons emitted by the apply service.
const (
	ReasonVersionConflict = "version_conflict"
	ReasonValidation      = "validation_failed"
	ReasonMissingField    = "missing_field"
	ReasonUnauthorized    = "unauthorized"
	ReasonOrgMismatch     = "org_mismatch"
	ReasonUnknownType     = "unknown_type"
	ReasonNotFound        = "not_found"
)

// ReasonClass routes a rejection: retryable goes back to the queue,
// terminal dead-letters, conflict opens a conflict record.
type ReasonClass int

const (
	ClassRetryable ReasonClass = iota
	ClassTerminal
	ClassConflict
)

// reasonClasses is the explicit rejection routing table. Reasons the
// client has never heard of default to retryable so a newer server
// cannot silently dead-letter local work.
var reasonClasses = map[string]ReasonClass{
	ReasonVersionConflict: ClassConflict,
	ReasonValidation:      ClassTerminal,
	ReasonMissingField:    ClassTerminal,
	ReasonUnauthorized:    ClassTerminal,
	ReasonOrgMismatch:     ClassTerminal,
	ReasonUnknownType:     ClassTerminal,
	ReasonNotFound:        ClassTerminal,
}

// ClassifyReason maps a rejection reason to its routing class.
func ClassifyReason(reason string) ReasonClass {
	if class, ok := reasonClasses[reason]; ok {
		return class
	}
	return ClassRetryable
}

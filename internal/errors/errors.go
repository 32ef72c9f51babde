// Package errors provides error code definitions shared across SiteProof Core.
package errors

import "fmt"

// ErrorCode identifies a failure class surfaced to callers and the UI shell.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"
	ErrTransition ErrorCode = "INVALID_TRANSITION"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"

	// Remote apply errors
	ErrApplyRejected    ErrorCode = "APPLY_REJECTED"
	ErrApplyUnreachable ErrorCode = "APPLY_UNREACHABLE"

	// Conflict errors
	ErrConflictOpen     ErrorCode = "CONFLICT_OPEN"
	ErrConflictResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrConflictDecision ErrorCode = "CONFLICT_INVALID_DECISION"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

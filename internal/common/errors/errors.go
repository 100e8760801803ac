// internal/common/errors/errors.go
// Package errors provides standardized error handling for the deal lifecycle engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Deal lifecycle errors (taxonomy from the deal engine requirements)
const (
	// ErrCodeNotFound: referenced entity absent or not owned by the caller.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeCapacityExceeded: deal list already holds 4 non-cancelled selections.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// ErrCodeDealLocked: deal list is in accepted state and must be completed
	// or cancelled before it can be modified.
	ErrCodeDealLocked ErrorCode = "DEAL_LOCKED"

	// ErrCodeConflict: a concurrent acceptance/settlement race was lost.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeValidationError: malformed or out-of-range input.
	ErrCodeValidationError ErrorCode = "VALIDATION_ERROR"

	// ErrCodeUpstreamUnavailable: notification/calendar collaborator failure.
	// Logged only, never surfaced as a core failure.
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewNotFoundError creates a non-retryable not-found error.
// entity names what was looked up ("negotiation", "accepted deal", ...).
func NewNotFoundError(entity, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", entity),
		Details:   fmt.Sprintf("id: %s", id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCapacityExceededError creates a non-retryable capacity error.
func NewCapacityExceededError(dealListID string, count, max int) *StandardError {
	return &StandardError{
		Code:      ErrCodeCapacityExceeded,
		Message:   fmt.Sprintf("deal list is full (max %d cars)", max),
		Details:   fmt.Sprintf("dealListId: %s, currentCount: %d", dealListID, count),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDealLockedError creates a non-retryable locked-list error.
func NewDealLockedError(dealListID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDealLocked,
		Message:   "deal list has an accepted offer and cannot be modified",
		Details:   fmt.Sprintf("dealListId: %s", dealListID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConflictError creates a conflict error for a lost acceptance/settlement
// race. Retryable is false: by the time the race is detected the vehicle is
// no longer available, so the caller must be told, not retried.
func NewConflictError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   "vehicle is no longer available",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationError,
		Message:   "invalid request",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUpstreamUnavailableError creates a retryable collaborator error.
func NewUpstreamUnavailableError(collaborator string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeUpstreamUnavailable,
		Message:   fmt.Sprintf("%s collaborator unavailable", collaborator),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Error Inspection
// ==========================

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns QUERY_EXECUTION_FAILED for non-standard errors.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ErrCodeQueryExecutionFailed
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code == code
	}
	return false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

// WithMetadata attaches key/value context to a StandardError and returns it.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

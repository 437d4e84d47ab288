// Package apperrors holds the error kinds returned by the reservation engine.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds, also used as the "code" field of HTTP error bodies.
const (
	KindValidation  = "validation"
	KindConflict    = "conflict"
	KindNotFound    = "not_found"
	KindLockTimeout = "lock_timeout"
	KindInternal    = "internal"
)

// ValidationError is returned for malformed, out-of-bounds or oversized
// requests. Callers must fix the input before retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError reports a bad field. An empty field means the request
// as a whole.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError names exactly the requested indices already claimed by
// another live order.
type ConflictError struct {
	Conflicts []int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tickets already claimed: %v", e.Conflicts)
}

func NewConflictError(conflicts []int) *ConflictError {
	return &ConflictError{Conflicts: conflicts}
}

// NotFoundError is returned for unknown raffles and orders.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// LockTimeoutError means the raffle's critical section could not be entered
// in time. It is safe to retry with backoff.
type LockTimeoutError struct {
	RaffleID string
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("raffle %s busy: lock not acquired after %s", e.RaffleID, e.Waited)
}

func NewLockTimeoutError(raffleID string, waited time.Duration) *LockTimeoutError {
	return &LockTimeoutError{RaffleID: raffleID, Waited: waited}
}

// InternalError wraps storage failures and exhausted retries.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.Op + ": internal error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// NewInternalError wraps err with the operation that failed. The message is
// logged but not shown to API clients.
func NewInternalError(op string, err error) *InternalError {
	return &InternalError{Op: op, Err: err}
}

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var (
		ve *ValidationError
		ce *ConflictError
		ne *NotFoundError
		le *LockTimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &ne):
		return KindNotFound
	case errors.As(err, &le):
		return KindLockTimeout
	default:
		return KindInternal
	}
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if retried later.
func Retryable(err error) bool {
	return Kind(err) == KindLockTimeout
}

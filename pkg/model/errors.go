package model

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports invalid input: empty text, a missing voice
// mapping, limits exceeded. It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError reports a transient backend failure (timeout, 5xx).
// Jobs failing with it are retried up to the engine's retry bound.
type ProviderError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Backend, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// NewProviderError creates a ProviderError for the given backend.
func NewProviderError(backend string, statusCode int, format string, args ...any) *ProviderError {
	return &ProviderError{Backend: backend, StatusCode: statusCode, Message: fmt.Sprintf(format, args...)}
}

// IsProvider checks if an error is a transient ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// QuotaExceededError reports a backend rate or quota rejection. The engine
// never auto-retries it; RetryAfter is surfaced so the owner decides.
type QuotaExceededError struct {
	Backend    string
	RetryAfter time.Duration
	Message    string
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: quota exceeded, retry after %s: %s", e.Backend, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s: quota exceeded: %s", e.Backend, e.Message)
}

// IsQuotaExceeded checks if an error is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// ConflictError reports an operation illegal in the job's current state,
// e.g. cancelling a completed job.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflictError creates a ConflictError with a formatted message.
func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsConflict checks if an error is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// QueueFullError reports that admission control rejected a call because the
// wait queue is already at capacity.
type QueueFullError struct {
	Backend string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s: admission queue full", e.Backend)
}

// TimeoutError reports that no admission slot freed before the deadline.
type TimeoutError struct {
	Backend string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no slot within %s", e.Backend, e.Waited)
}

// CircuitOpenError reports a fast failure: the backend's circuit is open
// and no network call was attempted.
type CircuitOpenError struct {
	Backend string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: backend unavailable (circuit open)", e.Backend)
}

// IsCircuitOpen checks if an error is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsBackpressure reports whether err is an admission-control rejection
// (queue full or acquire timeout).
func IsBackpressure(err error) bool {
	var qf *QueueFullError
	var to *TimeoutError
	return errors.As(err, &qf) || errors.As(err, &to)
}

package domain

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
}

func (e Error) Error() string {
	return e.Message
}

func NewValidationError(message string, details map[string]interface{}) Error {
	return Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: details,
	}
}

type VersionConflictError struct {
	RunID    WorkflowRunID
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for run %s: expected %d, got %d", e.RunID, e.Expected, e.Actual)
}

func NewVersionConflictError(runID WorkflowRunID, expected, actual int64) *VersionConflictError {
	return &VersionConflictError{
		RunID:    runID,
		Expected: expected,
		Actual:   actual,
	}
}

func IsVersionConflict(err error) bool {
	var conflictErr *VersionConflictError
	return errors.As(err, &conflictErr)
}

var (
	ErrTokenNotFound    = errors.New("execution token not found")
	ErrTokenExpired     = errors.New("execution token expired")
	ErrTokenConsumed    = errors.New("execution token already consumed")
	ErrTokenMismatch    = errors.New("execution token does not match attempt")
	ErrCallbackNotFound = errors.New("callback registration not found")

	ErrRunNotFound        = errors.New("workflow run not found")
	ErrAttemptOutstanding = errors.New("node has a live outstanding attempt")
	ErrRunTerminal        = errors.New("workflow run is in a terminal state")

	ErrMessageNotFound   = errors.New("stored message not found")
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrAggregationClosed = errors.New("aggregation not found")
	ErrReceiveTimeout    = errors.New("receive timeout")

	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("store closed")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// IsStaleToken reports whether a node-result report was rejected because the
// presented token no longer authorizes anything: it was consumed, superseded,
// expired, or invalidated by cancellation.
func IsStaleToken(err error) bool {
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenConsumed) ||
		errors.Is(err, ErrTokenMismatch)
}

type ExecutorError struct {
	Message   string
	Retryable bool
	Cause     error
}

func (e *ExecutorError) Error() string {
	return e.Message
}

func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

func NewRetryableExecutorError(message string, cause error) *ExecutorError {
	return &ExecutorError{Message: message, Retryable: true, Cause: cause}
}

func NewFatalExecutorError(message string, cause error) *ExecutorError {
	return &ExecutorError{Message: message, Retryable: false, Cause: cause}
}

// IsRetryableError classifies an executor failure for the retry evaluator.
// Unclassified errors count as retryable; an explicit fatal marker or a
// validation error short-circuits the retry loop.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}

	var domainErr Error
	if errors.As(err, &domainErr) {
		return domainErr.Type != ErrorTypeValidation
	}

	return true
}

type AggregationTimeoutError struct {
	CorrelationID string
	Received      int
	Expected      int
}

func (e *AggregationTimeoutError) Error() string {
	return fmt.Sprintf("aggregation %s timed out with %d of %d messages", e.CorrelationID, e.Received, e.Expected)
}

func IsAggregationTimeout(err error) bool {
	var timeoutErr *AggregationTimeoutError
	return errors.As(err, &timeoutErr)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrCallbackNotFound)
}

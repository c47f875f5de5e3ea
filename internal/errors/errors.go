package errors

import (
	"context"
	"errors"
	"fmt"
)

// SearchError is the structured error type for searchd.
// It carries a stable code, a kind for coarse dispatch, and the underlying
// cause for error-chain support.
type SearchError struct {
	// Code is the unique error code (e.g. "ERR_402_DIMENSION_MISMATCH").
	Code string

	// Kind is the coarse failure classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SearchError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *SearchError) Is(target error) bool {
	if t, ok := target.(*SearchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SearchError) WithDetail(key, value string) *SearchError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new SearchError with the given code and message.
// Kind and retryable flag are derived from the code.
func New(code string, message string, cause error) *SearchError {
	return &SearchError{
		Code:      code,
		Kind:      kindFromCode(code),
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new SearchError with a formatted message.
func Newf(code string, format string, args ...any) *SearchError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a SearchError from an existing error.
// Context cancellation is mapped to the Cancelled code regardless of the
// code supplied, so callers can blanket-wrap external results.
func Wrap(code string, err error) *SearchError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeCancelled, err.Error(), err)
	}
	return New(code, err.Error(), err)
}

// NotFound creates a tenant-index-not-found error.
func NotFound(tenantID string) *SearchError {
	return Newf(ErrCodeIndexNotFound, "no index for tenant %s", tenantID).
		WithDetail("tenant_id", tenantID)
}

// InvalidInput creates a validation error.
func InvalidInput(message string) *SearchError {
	return New(ErrCodeInvalidInput, message, nil)
}

// DimensionMismatch creates the insert-time dimension error.
func DimensionMismatch(expected, got int) *SearchError {
	return Newf(ErrCodeDimensionMismatch, "dimension mismatch: expected %d, got %d", expected, got)
}

// Dependency creates an external-dependency error.
func Dependency(code string, message string, cause error) *SearchError {
	return New(code, message, cause)
}

// Corruption creates a persisted-index corruption error.
func Corruption(message string, cause error) *SearchError {
	return New(ErrCodeCorruptIndex, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var se *SearchError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for non-SearchError values.
func KindOf(err error) Kind {
	var se *SearchError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// GetCode extracts the error code from an error chain.
// Returns empty string for non-SearchError values.
func GetCode(err error) string {
	var se *SearchError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

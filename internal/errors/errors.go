// Package errors provides structured error types for the dialectic engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout           = errors.New("operation timed out")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnavailable       = errors.New("service unavailable")
	ErrStaleEvent        = errors.New("stale lifecycle event")
	ErrMalformedSnapshot = errors.New("malformed snapshot entry")
	ErrUnknownEventKind  = errors.New("unknown lifecycle event kind")
)

// APIError represents an error reported by the remote content-resource API.
// Code and Message are surfaced verbatim in UI-facing error fields.
type APIError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, code, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Code: code, Message: message}
}

// NetworkError represents a local transport failure. The message is
// synthesized, not server-reported.
type NetworkError struct {
	Service string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps a transport-level failure.
func NewNetworkError(service string, err error) *NetworkError {
	return &NetworkError{Service: service, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

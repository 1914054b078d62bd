package stt

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when Open is called without a key.
	ErrNoAPIKey = errors.New("stt: API key required")

	// ErrStreamClosed is returned when sending on a finished stream.
	ErrStreamClosed = errors.New("stt: stream closed")
)

// APIError is a rejected handshake or an error event from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "stt: backend error: " + e.Message
	}
	return fmt.Sprintf("stt: API error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the credential was rejected.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsRetryable returns true for rate limits and server errors.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ConnectionError wraps a transport failure with the operation that hit it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stt: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable is always true; a new connection may succeed.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for client operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNetwork indicates the backend could not be reached or answered with
	// a gateway/availability failure. Recoverable by user retry.
	ErrNetwork = errors.New("backend unreachable")

	// ErrServiceUnavailable is the name createSession failures use for ErrNetwork.
	ErrServiceUnavailable = ErrNetwork

	// ErrValidation indicates bad input. Raised locally before any request
	// is sent, or mapped from a 400/422 response.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a stale session, message or persona id.
	ErrNotFound = errors.New("not found")

	// ErrUnknownEvent indicates a stream frame with an unrecognised event name.
	ErrUnknownEvent = errors.New("unknown stream event")

	// ErrStreamClosed is returned by StreamHandle.Next after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap maps the status code onto the matching sentinel error.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrNetwork
	default:
		return nil
	}
}

// StreamError represents a failure that ended a stream, preserving any
// partial content received before the error.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// FrameError is a single stream frame that could not be turned into an
// Event. The stream itself is still usable; callers log and skip it.
type FrameError struct {
	Event string
	Err   error
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("bad %q frame: %v", e.Event, e.Err)
}

// Unwrap returns the underlying error.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// validationError wraps ErrValidation with a field-specific message.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

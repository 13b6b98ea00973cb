// Package core provides the request types and the error taxonomy shared by
// the relay components.
package core

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies a relay failure.
type ErrorKind string

const (
	// ErrorKindMissingInput indicates the caller sent no usable input (400)
	ErrorKindMissingInput ErrorKind = "missing_input"
	// ErrorKindUpstreamUnavailable indicates the backend could not be reached
	ErrorKindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// ErrorKindUpstreamError indicates the backend answered with a failure status
	ErrorKindUpstreamError ErrorKind = "upstream_error"
	// ErrorKindUpstreamTimeout indicates the absolute request deadline expired
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"
	// ErrorKindMalformedFragment indicates one stream line was not a JSON object
	ErrorKindMalformedFragment ErrorKind = "malformed_fragment"
	// ErrorKindInternal covers everything else
	ErrorKindInternal ErrorKind = "internal_error"
)

// MissingInputMessage is the exact error text returned for empty input.
const MissingInputMessage = "Input is required"

// RelayError is the base error type for all relay errors
type RelayError struct {
	Kind ErrorKind `json:"kind"`
	// Summary is the short, client-facing headline ("error" field)
	Summary string `json:"error"`
	// Message carries the detail ("details" field)
	Message string `json:"details,omitempty"`
	// StatusCode is the HTTP status returned to the caller
	StatusCode int `json:"-"`
	// UpstreamStatus is the backend status for ErrorKindUpstreamError
	UpstreamStatus int `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Summary, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

// Unwrap implements the error unwrapping interface
func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *RelayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if e.Kind == ErrorKindMissingInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ToJSON converts the error to the response body shape the browser client
// expects: {"error": ...} for input errors, {"error": ..., "details": ...}
// for everything else.
func (e *RelayError) ToJSON() map[string]string {
	if e.Kind == ErrorKindMissingInput {
		return map[string]string{"error": e.Summary}
	}
	return map[string]string{
		"error":   e.Summary,
		"details": e.Message,
	}
}

// NewMissingInputError creates the 400 returned for empty input.
func NewMissingInputError() *RelayError {
	return &RelayError{
		Kind:       ErrorKindMissingInput,
		Summary:    MissingInputMessage,
		StatusCode: http.StatusBadRequest,
	}
}

// NewUpstreamUnavailableError creates an error for an unreachable backend.
func NewUpstreamUnavailableError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindUpstreamUnavailable,
		Summary:    "Generation Failed",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUpstreamError creates an error for a non-success backend status.
func NewUpstreamError(upstreamStatus int, summary, message string) *RelayError {
	return &RelayError{
		Kind:           ErrorKindUpstreamError,
		Summary:        summary,
		Message:        message,
		StatusCode:     http.StatusInternalServerError,
		UpstreamStatus: upstreamStatus,
	}
}

// NewUpstreamTimeoutError creates an error for an expired request deadline.
func NewUpstreamTimeoutError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindUpstreamTimeout,
		Summary:    "Generation Failed",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewMalformedFragmentError describes a skipped stream line. It is logged,
// never returned to the caller.
func NewMalformedFragmentError(line []byte, err error) *RelayError {
	const maxPreview = 200
	preview := string(line)
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "..."
	}
	return &RelayError{
		Kind:    ErrorKindMalformedFragment,
		Summary: "malformed stream fragment",
		Message: preview,
		Err:     err,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindInternal,
		Summary:    "Generation Failed",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

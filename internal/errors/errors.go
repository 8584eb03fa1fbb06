// Package errors provides standardized error handling for the ingest service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the ingest service.
type ErrorCode string

const (
	// Validation errors
	ING_VALIDATION    ErrorCode = "ING_VALIDATION"    // General validation error
	ING_SCHEMA_REJECT ErrorCode = "ING_SCHEMA_REJECT" // Request schema validation failed
	ING_BAD_REQUEST   ErrorCode = "ING_BAD_REQUEST"   // Bad request
	ING_TOO_LARGE     ErrorCode = "ING_TOO_LARGE"     // Declared size exceeds the configured maximum

	// Resource errors
	ING_NOT_FOUND  ErrorCode = "ING_NOT_FOUND"  // Resource not found
	ING_CONFLICT   ErrorCode = "ING_CONFLICT"   // Operation invalid for the current state
	ING_INCOMPLETE ErrorCode = "ING_INCOMPLETE" // Complete requested with chunks missing
	ING_INTEGRITY  ErrorCode = "ING_INTEGRITY"  // Assembled artifact failed verification

	// Rate limiting
	ING_RATE_LIMIT ErrorCode = "ING_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	ING_INTERNAL    ErrorCode = "ING_INTERNAL"    // Internal server error
	ING_UNAVAILABLE ErrorCode = "ING_UNAVAILABLE" // Dependency unavailable, retry with backoff
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"error"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Details       interface{} `json:"-"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
// Details are merged into the top level of the wire body so field names stay
// stable for clients (missing_chunks, retry_after_seconds, and so on).
func NewWithDetails(code ErrorCode, message string, correlationID string, details map[string]interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case ING_VALIDATION, ING_SCHEMA_REJECT, ING_BAD_REQUEST, ING_INCOMPLETE:
		return http.StatusBadRequest
	case ING_TOO_LARGE:
		return http.StatusRequestEntityTooLarge
	case ING_NOT_FOUND:
		return http.StatusNotFound
	case ING_CONFLICT:
		return http.StatusConflict
	case ING_RATE_LIMIT:
		return http.StatusTooManyRequests
	case ING_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case ING_INTEGRITY:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

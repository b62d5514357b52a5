// Package domain provides the canonical types and error taxonomy shared by the
// AI invocation layer.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing or invalid bearer token.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeRateLimit indicates the caller exceeded a rate-limit policy,
	// either locally or at the upstream gateway.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeQuota indicates the upstream gateway rejected the request for
	// payment or quota reasons (HTTP 402). Requires operator action.
	ErrorTypeQuota ErrorType = "quota"

	// ErrorTypeInsufficientInput indicates the supplied input is too short or
	// empty to analyze without risking hallucination.
	ErrorTypeInsufficientInput ErrorType = "insufficient_input"

	// ErrorTypeGateway indicates an upstream gateway failure (non-2xx other
	// than 429/402). Transient 5xx variants are retry candidates.
	ErrorTypeGateway ErrorType = "gateway"

	// ErrorTypeExtraction indicates the model output could not be parsed into
	// a structured document, even after truncation repair.
	ErrorTypeExtraction ErrorType = "extraction"

	// ErrorTypeServer indicates an internal error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type. These are
// the codes surfaced in JSON error bodies.
type ErrorCode string

const (
	ErrorCodeInsufficientInput ErrorCode = "INSUFFICIENT_INPUT"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrorCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorCodeLockedOut         ErrorCode = "LOCKED_OUT"
	ErrorCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorCodeEmptyResponse     ErrorCode = "EMPTY_RESPONSE"
)

// APIError is the canonical error passed between the pipeline, gateway client
// and HTTP handlers. User-facing messages stay generic; the full upstream
// detail belongs in Detail and is only ever logged server-side.
type APIError struct {
	// Type is the category of error.
	Type ErrorType `json:"type"`

	// Code is an optional specific error code.
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable, client-safe error message.
	Message string `json:"message"`

	// Detail carries upstream error detail for logs. Never serialized.
	Detail string `json:"-"`

	// StatusCode is an explicit HTTP status override.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeInsufficientInput:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeQuota:
		return http.StatusPaymentRequired
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeGateway, ErrorTypeExtraction, ErrorTypeServer:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the error is a transient gateway failure that the
// retry wrapper may attempt again. Rate-limit and quota errors are never
// retried automatically.
func (e *APIError) Retryable() bool {
	return e.Type == ErrorTypeGateway && e.StatusCode >= 500
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithDetail attaches upstream detail for server-side logs.
func (e *APIError) WithDetail(detail string) *APIError {
	e.Detail = detail
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// AsAPIError unwraps err to an *APIError if one is in its chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Convenience constructors for common errors

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrRateLimited creates a rate limit error.
func ErrRateLimited(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).WithCode(ErrorCodeRateLimited)
}

// ErrQuotaExceeded creates an upstream payment/quota error.
func ErrQuotaExceeded(message string) *APIError {
	return NewAPIError(ErrorTypeQuota, message).WithCode(ErrorCodeQuotaExceeded)
}

// ErrInsufficientInput creates an insufficient input error.
func ErrInsufficientInput(message string) *APIError {
	return NewAPIError(ErrorTypeInsufficientInput, message).WithCode(ErrorCodeInsufficientInput)
}

// ErrGateway creates an upstream gateway error carrying the upstream status.
func ErrGateway(status int, message string) *APIError {
	return NewAPIError(ErrorTypeGateway, message).WithStatusCode(status)
}

// ErrServer creates an internal server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).WithCode(ErrorCodeInternalError)
}

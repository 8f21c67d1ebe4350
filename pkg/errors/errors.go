package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeConnection         ErrorCode = "CONNECTION_ERROR"
	ErrCodeMediaAccess        ErrorCode = "MEDIA_ACCESS_ERROR"
	ErrCodeNegotiationTimeout ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by code, so any AppError carrying the
// same code satisfies errors.Is(err, ErrConnection) and friends.
var (
	ErrConnection         = &AppError{Code: ErrCodeConnection}
	ErrMediaAccess        = &AppError{Code: ErrCodeMediaAccess}
	ErrNegotiationTimeout = &AppError{Code: ErrCodeNegotiationTimeout}
	ErrTimeout            = &AppError{Code: ErrCodeTimeout}
	ErrNotFound           = &AppError{Code: ErrCodeNotFound}
	ErrConflict           = &AppError{Code: ErrCodeConflict}
	ErrInvalidInput       = &AppError{Code: ErrCodeInvalidInput}
	ErrUnauthorized       = &AppError{Code: ErrCodeUnauthorized}
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Retryable reports whether the caller may try the same operation again.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeNegotiationTimeout, ErrCodeRateLimit:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the error code to the status used by the relay's HTTP surface.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeConnection:
		return http.StatusBadGateway
	case ErrCodeTimeout, ErrCodeNegotiationTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeMediaAccess:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors
func NewConnectionError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeConnection, message)
}

func NewMediaAccessError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAccess, "local media capture unavailable")
}

func NewNegotiationTimeout(remoteID string) *AppError {
	return NewAppError(ErrCodeNegotiationTimeout, "negotiation did not complete in time").
		WithContext("remote_id", remoteID)
}

func NewTimeoutError(event string) *AppError {
	return NewAppError(ErrCodeTimeout, fmt.Sprintf("no response to %s", event)).
		WithContext("event", event)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err carries a retryable AppError.
func IsRetryable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Retryable()
}

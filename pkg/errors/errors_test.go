package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error")
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error")

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error")
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("join failed: %w", NewConnectionError("relay unreachable", errors.New("dial tcp")))

	if !errors.Is(err, ErrConnection) {
		t.Error("expected wrapped connection error to match ErrConnection")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("connection error must not match ErrTimeout")
	}
	if !errors.Is(NewTimeoutError("get-active-streams"), ErrTimeout) {
		t.Error("expected timeout error to match ErrTimeout")
	}
	if !errors.Is(NewNegotiationTimeout("v1"), ErrNegotiationTimeout) {
		t.Error("expected negotiation timeout to match ErrNegotiationTimeout")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  *AppError
		want bool
	}{
		{NewConnectionError("down", nil), true},
		{NewTimeoutError("join-stream"), true},
		{NewNegotiationTimeout("v1"), true},
		{NewNotFoundError("stream"), false},
		{NewMediaAccessError(errors.New("denied")), false},
		{NewConflictError("already live"), false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Errorf("%s: Retryable() = %v, want %v", tc.err.Code, got, tc.want)
		}
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", NewTimeoutError("x"))) {
		t.Error("IsRetryable should unwrap")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeInvalidInput: http.StatusBadRequest,
		ErrCodeNotFound:     http.StatusNotFound,
		ErrCodeConflict:     http.StatusConflict,
		ErrCodeUnauthorized: http.StatusUnauthorized,
		ErrCodeRateLimit:    http.StatusTooManyRequests,
		ErrCodeInternal:     http.StatusInternalServerError,
	}
	for code, status := range cases {
		if got := NewAppError(code, "x").HTTPStatus(); got != status {
			t.Errorf("%s: HTTPStatus() = %d, want %d", code, got, status)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test")

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if result := GetAppError(wrapped); result != appErr {
		t.Error("GetAppError() should extract AppError from wrapped error")
	}

	if result := GetAppError(errors.New("regular error")); result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}

	if CodeOf(errors.New("regular")) != ErrCodeInternal {
		t.Error("CodeOf() should default to INTERNAL_ERROR")
	}
	if CodeOf(wrapped) != ErrCodeInvalidInput {
		t.Error("CodeOf() should return the wrapped code")
	}
}

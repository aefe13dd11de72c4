package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeConnectionTimeout, "timed out").Retryable {
			t.Error("ConnectionTimeout should be retryable by default")
		}
		if NewError(ErrCodeBatchFailed, "chunk failed").Retryable {
			t.Error("BatchFailed should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeConnectionFailed, CategoryConnection},
		{ErrCodeNetworkError, CategoryConnection},
		{ErrCodeObjectNotFound, CategoryStorage},
		{ErrCodeAccessDenied, CategoryStorage},
		{ErrCodeValueTooLarge, CategoryCache},
		{ErrCodeUnknownPattern, CategoryCache},
		{ErrCodeOutOfMemory, CategoryResource},
		{ErrCodeProbeUnavailable, CategoryResource},
		{ErrCodeAlreadyStarted, CategoryState},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeBatchFailed, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrCodePanicRecovered, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	t.Parallel()

	retryable := []ErrorCode{
		ErrCodeConnectionTimeout,
		ErrCodeConnectionFailed,
		ErrCodeNetworkError,
		ErrCodeOperationTimeout,
		ErrCodeResourceExhausted,
		ErrCodeWorkerBusy,
	}
	permanent := []ErrorCode{
		ErrCodeInvalidConfig,
		ErrCodeObjectNotFound,
		ErrCodeBatchFailed,
		ErrCodeRetryExhausted,
		ErrCodePanicRecovered,
	}

	for _, code := range retryable {
		if !IsRetryableByDefault(code) {
			t.Errorf("%v should be retryable by default", code)
		}
	}
	for _, code := range permanent {
		if IsRetryableByDefault(code) {
			t.Errorf("%v should not be retryable by default", code)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	transient := NewError(ErrCodeNetworkError, "reset")
	wrapped := fmt.Errorf("loading schema: %w", transient)

	if !IsTransient(transient) {
		t.Error("expected direct structured error to be transient")
	}
	if !IsTransient(wrapped) {
		t.Error("expected wrapped structured error to be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are permanent")
	}
	if IsTransient(NewError(ErrCodeNetworkError, "x").WithRetryable(false)) {
		t.Error("explicit override should win")
	}
}

func TestHasCode(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeConnectionTimeout, "slow")
	outer := Wrap(inner, ErrCodeRetryExhausted, "gave up")

	if !HasCode(outer, ErrCodeRetryExhausted) {
		t.Error("outer code not found")
	}
	if !HasCode(outer, ErrCodeConnectionTimeout) {
		t.Error("inner code not found through cause chain")
	}
	if HasCode(outer, ErrCodeBatchFailed) {
		t.Error("unexpected code match")
	}
	if HasCode(nil, ErrCodeBatchFailed) {
		t.Error("nil error should not match")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeBatchFailed, "chunk failed").
		WithComponent("batch").
		WithOperation("flush").
		WithCause(errors.New("boom"))

	msg := err.Error()
	for _, want := range []string{"[batch:flush]", "BATCH_FAILED", "chunk failed", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	detailed := err.String()
	if !strings.Contains(detailed, "Component=batch") {
		t.Errorf("String() = %q, missing component", detailed)
	}
}

func TestErrorIsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := Wrap(cause, ErrCodeStorageRead, "read failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !errors.Is(err, NewError(ErrCodeStorageRead, "other message")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, NewError(ErrCodeAccessDenied, "")) {
		t.Error("errors.Is should not match different code")
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeValueTooLarge, "entry exceeds bound").WithDetail("size", 42)
	var decoded map[string]interface{}
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() produced invalid json: %v", jerr)
	}
	if decoded["code"] != string(ErrCodeValueTooLarge) {
		t.Errorf("code = %v, want %v", decoded["code"], ErrCodeValueTooLarge)
	}
}

func TestFromPanic(t *testing.T) {
	t.Parallel()

	err := FromPanic("scheduler", "nil map write")
	if err.Code != ErrCodePanicRecovered {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePanicRecovered)
	}
	if err.Component != "scheduler" {
		t.Errorf("Component = %q, want scheduler", err.Component)
	}
	if !strings.Contains(err.Message, "nil map write") {
		t.Errorf("Message = %q, missing panic value", err.Message)
	}
}

func TestDetailedDiagnostic(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeProbeUnavailable, "heap probe failed").
		WithComponent("memmon").
		WithContext("probe", "runtime").
		WithCause(errors.New("unsupported"))

	diag := err.DetailedDiagnostic()
	for _, want := range []string{"heap probe failed", "Component: memmon", "probe: runtime", "unsupported"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostic missing %q:\n%s", want, diag)
		}
	}
}

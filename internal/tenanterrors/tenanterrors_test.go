package tenanterrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestBackendErrorCodeIs(t *testing.T) {
	err := NewBackendError(CodeInvalidCatalogName, `database "gone" does not exist`)
	if !err.CodeIs(CodeInvalidCatalogName) {
		t.Error("CodeIs must match the assigned code")
	}
	if err.CodeIs(CodeCannotConnectNow) {
		t.Error("CodeIs must not match a different code")
	}
}

func TestRetryableClasses(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{CodeFeatureNotSupported, true},
		{CodeCannotConnectNow, true},
		{CodeReadOnlySQLTxn, true},
		{CodeInvalidCatalogName, false},
		{CodeUnknown, false},
	}
	for _, tt := range tests {
		err := NewBackendError(tt.code, "x")
		if got := err.IsRetryableDuringReconnect(); got != tt.retryable {
			t.Errorf("%s: retryable = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("introspecting: %w", NewBackendError(CodeInvalidCatalogName, "gone"))
	var backendErr *BackendError
	if !errors.As(wrapped, &backendErr) {
		t.Fatal("errors.As must unwrap to BackendError")
	}
	if !backendErr.CodeIs(CodeInvalidCatalogName) {
		t.Error("unwrapped error lost its code")
	}

	var execErr *ExecutionError
	if errors.As(wrapped, &execErr) {
		t.Error("BackendError must not match ExecutionError")
	}
}

func TestStartupErrorUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewStartupError("cannot load JWT sub allowlist", cause)
	if !errors.Is(err, cause) {
		t.Error("StartupError must unwrap to its cause")
	}
}

func TestAuthenticationErrorMessage(t *testing.T) {
	err := NewAuthenticationError("unauthorized subject")
	if err.Error() != "authentication failed: unauthorized subject" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

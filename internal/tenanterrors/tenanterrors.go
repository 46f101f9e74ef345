// Package tenanterrors defines the error taxonomy surfaced by the tenant
// runtime core: backend unavailability, domain rule violations, JWT
// authentication failures, fatal startup errors, and classified
// backend-originated errors.
package tenanterrors

import "fmt"

// BackendUnavailableError is returned when no healthy backend connection can
// be acquired, or the system connection has recorded an unavailability
// message.
type BackendUnavailableError struct {
	Msg string
}

func (e *BackendUnavailableError) Error() string {
	return "backend unavailable: " + e.Msg
}

func NewBackendUnavailableError(msg string) error {
	return &BackendUnavailableError{Msg: msg}
}

// ExecutionError signals a domain rule violation: dropping the currently
// open database, or DDL against a database still in use.
type ExecutionError struct {
	Msg string
}

func (e *ExecutionError) Error() string {
	return e.Msg
}

func NewExecutionError(format string, args ...any) error {
	return &ExecutionError{Msg: fmt.Sprintf(format, args...)}
}

// AuthenticationError signals a JWT validation failure.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Msg
}

func NewAuthenticationError(msg string) error {
	return &AuthenticationError{Msg: msg}
}

// StartupError signals a fatal configuration load failure during tenant
// initialization.
type StartupError struct {
	Msg string
	Err error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StartupError) Unwrap() error { return e.Err }

func NewStartupError(msg string, err error) error {
	return &StartupError{Msg: msg, Err: err}
}

// Error code classes recognized on BackendError.
const (
	CodeInvalidCatalogName    = "invalid_catalog_name"
	CodeFeatureNotSupported   = "feature_not_supported"
	CodeCannotConnectNow      = "cannot_connect_now"
	CodeReadOnlySQLTxn        = "read_only_sql_transaction"
	CodeUnknown               = "unknown"
)

// BackendError wraps an error reported by the backend SQL cluster,
// classified by a SQLSTATE-derived code kind so callers can test
// retryability without string matching on message text.
type BackendError struct {
	Code string
	Msg  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%s): %s", e.Code, e.Msg)
}

// CodeIs reports whether this error's code matches the given kind.
func (e *BackendError) CodeIs(kind string) bool {
	return e.Code == kind
}

func NewBackendError(code, msg string) *BackendError {
	return &BackendError{Code: code, Msg: msg}
}

// IsRetryableDuringReconnect reports whether a BackendError is one of the
// transient classes seen while a cluster starts up or fails over:
// feature-not-supported, cannot-connect-now, read-only transaction.
func (e *BackendError) IsRetryableDuringReconnect() bool {
	return e.CodeIs(CodeFeatureNotSupported) ||
		e.CodeIs(CodeCannotConnectNow) ||
		e.CodeIs(CodeReadOnlySQLTxn)
}

package schema

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePermission       = "PERMISSION_DENIED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeGovernorBlocked  = "GOVERNOR_BLOCKED"
	ErrCodeScopeDisabled    = "SCOPE_DISABLED"
	ErrCodePoisonedMeta     = "POISONED_METADATA"
	ErrCodeNotDeadLettered  = "NOT_DEAD_LETTERED"
	ErrCodeLostFinalization = "LOST_FINALIZATION"
	ErrCodeHandlerMissing   = "HANDLER_MISSING"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeVault            = "VAULT_ERROR"
)

// AutopilotError is the structured error type shared by every component.
type AutopilotError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutopilotError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutopilotError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AutopilotError.
func NewError(code, message string) *AutopilotError {
	return &AutopilotError{Code: code, Message: message}
}

// NewErrorf creates a new AutopilotError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutopilotError {
	return &AutopilotError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *AutopilotError) WithRun(runID string) *AutopilotError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutopilotError) WithCause(err error) *AutopilotError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutopilotError) WithDetails(details map[string]any) *AutopilotError {
	e.Details = details
	return e
}

// HTTPStatus maps the error code to the status returned by the API.
func (e *AutopilotError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotDeadLettered:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodePermission:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeLostFinalization:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeGovernorBlocked, ErrCodeScopeDisabled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Code returns the code of the first AutopilotError in err's chain, or "".
func Code(err error) string {
	var ae *AutopilotError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return Code(err) == code
}

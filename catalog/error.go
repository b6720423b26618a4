// Package catalog defines the error taxonomy shared by the tool catalog
// packages. Every failure that crosses a package boundary is a *Error with a
// machine-readable code so callers can branch on it and presentation layers
// can render it without string matching.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeNetwork is returned when the manifest or a payload is unreachable.
	CodeNetwork = "NETWORK_ERROR"
	// CodeValidation is returned for malformed or inconsistent manifests.
	CodeValidation = "VALIDATION_ERROR"
	// CodeCacheCorruption is returned when a cached payload fails hash verification.
	CodeCacheCorruption = "CACHE_CORRUPTION"
	// CodeCacheWrite is returned when a payload cannot be persisted.
	CodeCacheWrite = "CACHE_WRITE_FAILED"
	// CodeProcessLaunch is returned when a payload cannot be started.
	CodeProcessLaunch = "PROCESS_LAUNCH_FAILED"
	// CodeProcessTimeout is returned when a session exceeds its time bound.
	CodeProcessTimeout = "PROCESS_TIMEOUT"
	// CodeNonZeroExit is returned when a payload exits with a non-zero code.
	CodeNonZeroExit = "NON_ZERO_EXIT"
	// CodeCancelled is returned when a session or download was cancelled by a caller.
	CodeCancelled = "CANCELLED"
	// CodeToolNotFound is returned for tool ids absent from the current manifest.
	CodeToolNotFound = "TOOL_NOT_FOUND"
	// CodeToolBusy is returned when a tool already has work in flight.
	CodeToolBusy = "TOOL_BUSY"
	// CodeOffline is returned when neither the manifest source nor a cache entry is available.
	CodeOffline = "UNAVAILABLE_OFFLINE"
	// CodeIllegalTransition is returned when the status tracker rejects a transition.
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	// CodeNotRunning is returned when cancelling a tool with nothing in flight.
	CodeNotRunning = "NOT_RUNNING"
	// CodeInternal is the fallback code.
	CodeInternal = "INTERNAL"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrNetwork           = &Error{Code: CodeNetwork}
	ErrValidation        = &Error{Code: CodeValidation}
	ErrCacheCorruption   = &Error{Code: CodeCacheCorruption}
	ErrCacheWrite        = &Error{Code: CodeCacheWrite}
	ErrProcessLaunch     = &Error{Code: CodeProcessLaunch}
	ErrProcessTimeout    = &Error{Code: CodeProcessTimeout}
	ErrNonZeroExit       = &Error{Code: CodeNonZeroExit}
	ErrCancelled         = &Error{Code: CodeCancelled}
	ErrToolNotFound      = &Error{Code: CodeToolNotFound}
	ErrToolBusy          = &Error{Code: CodeToolBusy}
	ErrOffline           = &Error{Code: CodeOffline}
	ErrIllegalTransition = &Error{Code: CodeIllegalTransition}
	ErrNotRunning        = &Error{Code: CodeNotRunning}
)

// Error is a structured catalog failure that can flow across packages, events
// and the CLI without losing retryability or its machine-readable code.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeInternal
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a catalog error. An empty message falls back to the cause text.
func NewError(code, message string, retryable bool, cause error) *Error {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = CodeInternal
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &Error{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Errorf builds a non-retryable catalog error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...), false, nil)
}

// WithDetails merges details into err and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e == nil || len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		e.Details[key] = value
	}
	return e
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var catErr *Error
	if errors.As(err, &catErr) && catErr != nil {
		return catErr, true
	}
	return nil, false
}

// CodeOf returns the catalog code of err, or "" when err carries none.
func CodeOf(err error) string {
	if catErr, ok := As(err); ok {
		return catErr.Code
	}
	return ""
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	if catErr, ok := As(err); ok {
		return catErr.Retryable
	}
	return false
}

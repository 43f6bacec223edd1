// Package errors provides structured error types for flyto.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error codes for flyto operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value type

	// Workflow errors
	CodeWorkflowParse      = "WF_001" // Definition could not be parsed
	CodeWorkflowInvalid    = "WF_002" // Definition failed validation
	CodeWorkflowExecution  = "WF_003" // Unrecovered failure during a run
	CodeWorkflowParams     = "WF_004" // Parameter schema violation
	CodeWorkflowStepBudget = "WF_005" // Executed step budget exceeded

	// Step errors
	CodeStepTimeout   = "STEP_001" // Single attempt exceeded its budget
	CodeStepExecution = "STEP_002" // Any other step failure
	CodeStepAborted   = "STEP_003" // Hook or control signal aborted the step

	// Module errors
	CodeModuleNotFound = "MOD_001" // No handler for module id

	// Plugin errors
	CodePluginNotFound      = "PLUGIN_001" // Unknown plugin or step
	CodePluginUnhealthy     = "PLUGIN_002" // Restart budget exhausted, cooling down
	CodePluginTimeout       = "PLUGIN_003" // Invoke exceeded its timeout
	CodePluginCrashed       = "PLUGIN_004" // Process exited with requests in flight
	CodePluginHandshake     = "PLUGIN_005" // Handshake failed
	CodePluginStopped       = "PLUGIN_006" // Process was shut down
	CodePluginRemote        = "PLUGIN_007" // Plugin returned a structured error
	CodeResourceExhausted   = "PLUGIN_008" // Process cap reached
	CodeLanguageUnsupported = "PLUGIN_009" // No runtime for language

	// Integrity errors
	CodePathTraversal = "SEC_001" // Entry point escapes plugin dir
	CodeSecurity      = "SEC_002" // Symlink escape, null byte, permission
	CodeValidation    = "SEC_003" // Malformed manifest or message

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
)

// FlytoError is the structured error type for flyto operations.
type FlytoError struct {
	Code    string         `json:"code"`              // Error code (e.g., "STEP_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (step_id, plugin, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *FlytoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *FlytoError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *FlytoError) WithDetail(key string, value any) *FlytoError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *FlytoError) MarshalJSON() ([]byte, error) {
	type alias FlytoError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new FlytoError.
func New(code, message string) *FlytoError {
	return &FlytoError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new FlytoError with formatted message.
func Newf(code, format string, args ...any) *FlytoError {
	return &FlytoError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a FlytoError.
func Wrap(code, message string, err error) *FlytoError {
	return &FlytoError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted FlytoError.
func Wrapf(code string, err error, format string, args ...any) *FlytoError {
	return &FlytoError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *FlytoError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *FlytoError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Workflow Errors ---

// WorkflowParse creates an error for an unparseable workflow definition.
func WorkflowParse(source string, err error) *FlytoError {
	return Wrap(CodeWorkflowParse, "failed to parse workflow", err).
		WithDetail("source", source)
}

// WorkflowInvalid creates an error for a definition that failed validation.
func WorkflowInvalid(workflowID, reason string) *FlytoError {
	return Newf(CodeWorkflowInvalid, "workflow %s is invalid: %s", workflowID, reason).
		WithDetail("workflow_id", workflowID).
		WithDetail("reason", reason)
}

// WorkflowParams creates an error for a parameter schema violation.
func WorkflowParams(workflowID, param, reason string) *FlytoError {
	return Newf(CodeWorkflowParams, "workflow %s parameter %s: %s", workflowID, param, reason).
		WithDetail("workflow_id", workflowID).
		WithDetail("param", param)
}

// WorkflowStepBudget creates an error for a run that exceeded max_steps.
func WorkflowStepBudget(workflowID string, limit int) *FlytoError {
	return Newf(CodeWorkflowStepBudget, "workflow %s exceeded %d executed steps", workflowID, limit).
		WithDetail("workflow_id", workflowID).
		WithDetail("limit", limit)
}

// --- IO Errors ---

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *FlytoError {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *FlytoError {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *FlytoError {
	return Wrap(CodeIOWriteError, "failed to write file", err).
		WithDetail("path", path)
}

// HasCode checks if an error is a FlytoError with the given code.
// It handles wrapped errors by unwrapping to find a FlytoError.
func HasCode(err error, code string) bool {
	var ferr *FlytoError
	if errors.As(err, &ferr) {
		return ferr.Code == code
	}
	return false
}

// Code returns the error code if err is a FlytoError, empty string otherwise.
func Code(err error) string {
	var ferr *FlytoError
	if errors.As(err, &ferr) {
		return ferr.Code
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Response is the boundary shape of a failed operation.
type Response struct {
	OK         bool           `json:"ok"`
	Error      string         `json:"error"`
	Code       string         `json:"code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ToResponse renders err as an {ok:false, error, duration_ms} response.
// redact is applied to the message; pass nil to keep it verbatim.
func ToResponse(err error, duration time.Duration, redact func(string) string) Response {
	msg := err.Error()
	if redact != nil {
		msg = redact(msg)
	}
	resp := Response{
		OK:         false,
		Error:      msg,
		Code:       Code(err),
		DurationMS: duration.Milliseconds(),
	}
	var ferr *FlytoError
	if errors.As(err, &ferr) && len(ferr.Details) > 0 {
		resp.Details = ferr.Details
	}
	return resp
}

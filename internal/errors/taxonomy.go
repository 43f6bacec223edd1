package errors

import (
	"errors"
	"fmt"
	"time"
)

// Each taxonomy type unwraps to its *FlytoError so that Code, HasCode and
// errors.As(**FlytoError) keep working through the concrete types.

// --- Step Errors ---

// StepTimeoutError reports that a single attempt exceeded its budget.
type StepTimeoutError struct {
	*FlytoError
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Unwrap() error { return e.FlytoError }

// NewStepTimeout creates a StepTimeoutError.
func NewStepTimeout(stepID string, timeout time.Duration) *StepTimeoutError {
	return &StepTimeoutError{
		FlytoError: Newf(CodeStepTimeout, "step %s timed out after %s", stepID, timeout).
			WithDetail("step_id", stepID).
			WithDetail("timeout_ms", timeout.Milliseconds()),
		StepID:  stepID,
		Timeout: timeout,
	}
}

// StepExecutionError wraps any other step failure.
type StepExecutionError struct {
	*FlytoError
	StepID   string
	Attempts int
}

func (e *StepExecutionError) Unwrap() error { return e.FlytoError }

// NewStepExecution creates a StepExecutionError wrapping cause.
func NewStepExecution(stepID string, cause error) *StepExecutionError {
	return &StepExecutionError{
		FlytoError: Wrapf(CodeStepExecution, cause, "step %s failed", stepID).
			WithDetail("step_id", stepID),
		StepID:   stepID,
		Attempts: 1,
	}
}

// NewStepRetriesExhausted creates a StepExecutionError after all attempts failed.
func NewStepRetriesExhausted(stepID string, attempts int, last error) *StepExecutionError {
	return &StepExecutionError{
		FlytoError: Wrapf(CodeStepExecution, last, "step %s failed after %d attempts", stepID, attempts).
			WithDetail("step_id", stepID).
			WithDetail("attempts", attempts),
		StepID:   stepID,
		Attempts: attempts,
	}
}

// NewStepAborted creates a StepExecutionError for a hook-requested abort.
func NewStepAborted(stepID, reason string) *StepExecutionError {
	return &StepExecutionError{
		FlytoError: Newf(CodeStepAborted, "step %s aborted: %s", stepID, reason).
			WithDetail("step_id", stepID).
			WithDetail("reason", reason),
		StepID:   stepID,
		Attempts: 0,
	}
}

// AsStepError rewraps err so that only StepTimeoutError and
// StepExecutionError escape a step.
func AsStepError(stepID string, err error) error {
	if err == nil {
		return nil
	}
	var timeout *StepTimeoutError
	if errors.As(err, &timeout) {
		return err
	}
	var exec *StepExecutionError
	if errors.As(err, &exec) {
		return err
	}
	return NewStepExecution(stepID, err)
}

// FailedStepID returns the id of the step that produced err, if known.
func FailedStepID(err error) string {
	var timeout *StepTimeoutError
	if errors.As(err, &timeout) {
		return timeout.StepID
	}
	var exec *StepExecutionError
	if errors.As(err, &exec) {
		return exec.StepID
	}
	return ""
}

// --- Workflow Errors ---

// WorkflowExecutionError wraps the first unrecovered failure of a run.
type WorkflowExecutionError struct {
	*FlytoError
	WorkflowID string
	RunID      string
	StepID     string
}

func (e *WorkflowExecutionError) Unwrap() error { return e.FlytoError }

// NewWorkflowExecution creates a WorkflowExecutionError.
func NewWorkflowExecution(workflowID, runID string, cause error) *WorkflowExecutionError {
	stepID := FailedStepID(cause)
	fe := Wrapf(CodeWorkflowExecution, cause, "workflow %s failed", workflowID).
		WithDetail("workflow_id", workflowID).
		WithDetail("run_id", runID)
	if stepID != "" {
		fe.WithDetail("step_id", stepID)
	}
	return &WorkflowExecutionError{
		FlytoError: fe,
		WorkflowID: workflowID,
		RunID:      runID,
		StepID:     stepID,
	}
}

// --- Plugin Errors ---

// PluginNotFoundError reports an unknown plugin or plugin step.
type PluginNotFoundError struct {
	*FlytoError
	PluginID string
	Step     string
}

func (e *PluginNotFoundError) Unwrap() error { return e.FlytoError }

// NewPluginNotFound creates a PluginNotFoundError. step may be empty.
func NewPluginNotFound(pluginID, step string) *PluginNotFoundError {
	var fe *FlytoError
	if step == "" {
		fe = Newf(CodePluginNotFound, "plugin not found: %s", pluginID)
	} else {
		fe = Newf(CodePluginNotFound, "plugin %s has no step %s", pluginID, step).
			WithDetail("step", step)
	}
	return &PluginNotFoundError{
		FlytoError: fe.WithDetail("plugin_id", pluginID),
		PluginID:   pluginID,
		Step:       step,
	}
}

// PluginUnhealthyError short-circuits invokes while a process cools down.
type PluginUnhealthyError struct {
	*FlytoError
	PluginID  string
	Remaining time.Duration
}

func (e *PluginUnhealthyError) Unwrap() error { return e.FlytoError }

// NewPluginUnhealthy creates a PluginUnhealthyError.
func NewPluginUnhealthy(pluginID string, remaining time.Duration) *PluginUnhealthyError {
	if remaining < 0 {
		remaining = 0
	}
	return &PluginUnhealthyError{
		FlytoError: Newf(CodePluginUnhealthy, "plugin %s is unhealthy, retry in %s", pluginID, remaining.Round(time.Millisecond)).
			WithDetail("plugin_id", pluginID).
			WithDetail("remaining_ms", remaining.Milliseconds()),
		PluginID:  pluginID,
		Remaining: remaining,
	}
}

// PluginTimeoutError reports an invoke that exceeded its timeout.
type PluginTimeoutError struct {
	*FlytoError
	PluginID string
	Step     string
	Timeout  time.Duration
}

func (e *PluginTimeoutError) Unwrap() error { return e.FlytoError }

// NewPluginTimeout creates a PluginTimeoutError.
func NewPluginTimeout(pluginID, step string, timeout time.Duration) *PluginTimeoutError {
	return &PluginTimeoutError{
		FlytoError: Newf(CodePluginTimeout, "plugin %s step %s timed out after %s", pluginID, step, timeout).
			WithDetail("plugin_id", pluginID).
			WithDetail("step", step).
			WithDetail("timeout_ms", timeout.Milliseconds()),
		PluginID: pluginID,
		Step:     step,
		Timeout:  timeout,
	}
}

// PluginCrashedError fails requests that were in flight when a process exited.
type PluginCrashedError struct {
	*FlytoError
	PluginID string
	ExitCode int
}

func (e *PluginCrashedError) Unwrap() error { return e.FlytoError }

// NewPluginCrashed creates a PluginCrashedError.
func NewPluginCrashed(pluginID string, exitCode int, cause error) *PluginCrashedError {
	return &PluginCrashedError{
		FlytoError: Wrapf(CodePluginCrashed, cause, "plugin %s exited (code %d)", pluginID, exitCode).
			WithDetail("plugin_id", pluginID).
			WithDetail("exit_code", exitCode),
		PluginID: pluginID,
		ExitCode: exitCode,
	}
}

// PluginRemoteError carries a structured error returned by a plugin.
type PluginRemoteError struct {
	*FlytoError
	PluginID string
	Step     string
	RPCCode  int
	Data     any
}

func (e *PluginRemoteError) Unwrap() error { return e.FlytoError }

// NewPluginRemote creates a PluginRemoteError. message must already be redacted.
func NewPluginRemote(pluginID, step string, rpcCode int, message string, data any) *PluginRemoteError {
	return &PluginRemoteError{
		FlytoError: Newf(CodePluginRemote, "plugin %s step %s: %s", pluginID, step, message).
			WithDetail("plugin_id", pluginID).
			WithDetail("step", step).
			WithDetail("rpc_code", rpcCode),
		PluginID: pluginID,
		Step:     step,
		RPCCode:  rpcCode,
		Data:     data,
	}
}

// ResourceExhaustedError reports that the process cap was reached.
type ResourceExhaustedError struct {
	*FlytoError
	Limit int
}

func (e *ResourceExhaustedError) Unwrap() error { return e.FlytoError }

// NewResourceExhausted creates a ResourceExhaustedError.
func NewResourceExhausted(resource string, limit int) *ResourceExhaustedError {
	return &ResourceExhaustedError{
		FlytoError: Newf(CodeResourceExhausted, "%s limit reached (%d)", resource, limit).
			WithDetail("resource", resource).
			WithDetail("limit", limit),
		Limit: limit,
	}
}

// --- Integrity Errors ---

// PathTraversalError reports an entry point that escapes its plugin dir.
type PathTraversalError struct {
	*FlytoError
	Path string
}

func (e *PathTraversalError) Unwrap() error { return e.FlytoError }

// NewPathTraversal creates a PathTraversalError.
func NewPathTraversal(path, reason string) *PathTraversalError {
	return &PathTraversalError{
		FlytoError: Newf(CodePathTraversal, "path traversal rejected for %q: %s", path, reason).
			WithDetail("path", path),
		Path: path,
	}
}

// SecurityError reports a symlink escape, null byte or permission violation.
type SecurityError struct {
	*FlytoError
	Path string
}

func (e *SecurityError) Unwrap() error { return e.FlytoError }

// NewSecurity creates a SecurityError.
func NewSecurity(path, reason string) *SecurityError {
	return &SecurityError{
		FlytoError: Newf(CodeSecurity, "security violation for %q: %s", path, reason).
			WithDetail("path", path),
		Path: path,
	}
}

// ValidationError reports a malformed manifest, entry point or message.
type ValidationError struct {
	*FlytoError
	Field string
}

func (e *ValidationError) Unwrap() error { return e.FlytoError }

// NewValidation creates a ValidationError.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{
		FlytoError: Newf(CodeValidation, "invalid %s: %s", field, reason).
			WithDetail("field", field),
		Field: field,
	}
}

// NewLanguageUnsupported reports a language with no registered runtime.
func NewLanguageUnsupported(language string) *FlytoError {
	return Newf(CodeLanguageUnsupported, "language not supported: %q", language).
		WithDetail("language", language)
}

// NewModuleNotFound reports a module id with no in-process handler.
func NewModuleNotFound(moduleID string) *FlytoError {
	return Newf(CodeModuleNotFound, "module not found: %s", moduleID).
		WithDetail("module", moduleID)
}

// Describe returns a short type name for err, used in hook payloads. The
// outermost taxonomy type wins; wrapped chains are searched after that.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch err.(type) {
	case *StepTimeoutError:
		return "StepTimeoutError"
	case *StepExecutionError:
		return "StepExecutionError"
	case *WorkflowExecutionError:
		return "WorkflowExecutionError"
	}
	switch {
	case isType[*StepTimeoutError](err):
		return "StepTimeoutError"
	case isType[*StepExecutionError](err):
		return "StepExecutionError"
	case isType[*PluginUnhealthyError](err):
		return "PluginUnhealthyError"
	case isType[*PluginTimeoutError](err):
		return "PluginTimeoutError"
	case isType[*PluginNotFoundError](err):
		return "PluginNotFoundError"
	case isType[*PluginCrashedError](err):
		return "PluginCrashedError"
	}
	return fmt.Sprintf("%T", err)
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

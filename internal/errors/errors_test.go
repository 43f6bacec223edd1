package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestFlytoError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *FlytoError
		wantStr string
	}{
		{
			name:    "simple error",
			err:     &FlytoError{Code: "TEST_001", Message: "test error"},
			wantStr: "[TEST_001] test error",
		},
		{
			name: "error with cause",
			err: &FlytoError{
				Code:    "TEST_002",
				Message: "wrapped error",
				Cause:   errors.New("underlying"),
			},
			wantStr: "[TEST_002] wrapped error: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantStr {
				t.Errorf("Error() = %q, want %q", got, tt.wantStr)
			}
		})
	}
}

func TestFlytoError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap("TEST_001", "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the cause")
	}
}

func TestFlytoError_MarshalJSON(t *testing.T) {
	err := Wrap(CodeIOReadError, "failed to read file", errors.New("permission denied")).
		WithDetail("path", "/tmp/x")

	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("Marshal: %v", jerr)
	}

	var got map[string]any
	if jerr := json.Unmarshal(data, &got); jerr != nil {
		t.Fatalf("Unmarshal: %v", jerr)
	}
	if got["code"] != CodeIOReadError {
		t.Errorf("code = %v", got["code"])
	}
	if got["cause"] != "permission denied" {
		t.Errorf("cause = %v", got["cause"])
	}
	details, _ := got["details"].(map[string]any)
	if details["path"] != "/tmp/x" {
		t.Errorf("details.path = %v", details["path"])
	}
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	base := NewStepTimeout("fetch", 2*time.Second)
	wrapped := fmt.Errorf("outer: %w", base)

	if !HasCode(wrapped, CodeStepTimeout) {
		t.Error("HasCode should see through fmt wrapping and the taxonomy type")
	}
	if Code(wrapped) != CodeStepTimeout {
		t.Errorf("Code() = %q", Code(wrapped))
	}
	if Code(errors.New("plain")) != "" {
		t.Error("Code of a plain error should be empty")
	}
}

func TestAsStepError(t *testing.T) {
	t.Run("plain error becomes StepExecutionError", func(t *testing.T) {
		err := AsStepError("s1", errors.New("boom"))
		var exec *StepExecutionError
		if !errors.As(err, &exec) {
			t.Fatalf("expected StepExecutionError, got %T", err)
		}
		if exec.StepID != "s1" {
			t.Errorf("StepID = %q", exec.StepID)
		}
	})

	t.Run("timeout passes through", func(t *testing.T) {
		in := NewStepTimeout("s1", time.Second)
		if got := AsStepError("s1", in); got != error(in) {
			t.Errorf("timeout was rewrapped: %v", got)
		}
	})

	t.Run("plugin error is wrapped but still reachable", func(t *testing.T) {
		err := AsStepError("s1", NewPluginUnhealthy("acme", 30*time.Second))
		var unhealthy *PluginUnhealthyError
		if !errors.As(err, &unhealthy) {
			t.Fatal("PluginUnhealthyError should remain reachable")
		}
		if unhealthy.Remaining != 30*time.Second {
			t.Errorf("Remaining = %v", unhealthy.Remaining)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if AsStepError("s1", nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestWorkflowExecution_NamesFailedStep(t *testing.T) {
	cause := NewStepRetriesExhausted("b", 3, errors.New("flaky"))
	err := NewWorkflowExecution("wf", "42", cause)

	if err.StepID != "b" {
		t.Errorf("StepID = %q, want b", err.StepID)
	}
	if !errors.Is(err, cause) {
		t.Error("workflow error should wrap the step error")
	}
	if !strings.Contains(err.Error(), "flaky") {
		t.Errorf("message should carry the root cause: %s", err.Error())
	}
}

func TestPluginUnhealthy_NegativeRemaining(t *testing.T) {
	err := NewPluginUnhealthy("p", -time.Second)
	if err.Remaining != 0 {
		t.Errorf("Remaining = %v, want 0", err.Remaining)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewStepTimeout("s", time.Second), "StepTimeoutError"},
		{NewStepExecution("s", NewPluginCrashed("p", 1, nil)), "StepExecutionError"},
		{NewStepRetriesExhausted("s", 3, NewStepTimeout("s", time.Second)), "StepExecutionError"},
		{fmt.Errorf("wrapped: %w", NewStepTimeout("s", time.Second)), "StepTimeoutError"},
		{NewPluginNotFound("p", "x"), "PluginNotFoundError"},
		{errors.New("x"), "*errors.errorString"},
	}
	for _, tt := range tests {
		if got := Describe(tt.err); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestToResponse(t *testing.T) {
	err := NewStepExecution("s1", errors.New("token=abc123"))
	redact := func(s string) string { return strings.ReplaceAll(s, "abc123", "[REDACTED]") }

	resp := ToResponse(err, 1500*time.Millisecond, redact)
	if resp.OK {
		t.Error("OK should be false")
	}
	if strings.Contains(resp.Error, "abc123") {
		t.Errorf("secret leaked: %s", resp.Error)
	}
	if resp.Code != CodeStepExecution {
		t.Errorf("Code = %q", resp.Code)
	}
	if resp.DurationMS != 1500 {
		t.Errorf("DurationMS = %d", resp.DurationMS)
	}
	if resp.Details["step_id"] != "s1" {
		t.Errorf("Details = %v", resp.Details)
	}
}

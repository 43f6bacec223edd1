package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flytohub/flyto-core-sub001/pkg/pluginsdk"
)

func steps() map[string]pluginsdk.StepFunc {
	return map[string]pluginsdk.StepFunc{
		"echo":   echo,
		"upper":  upper,
		"fail":   fail,
		"sleep":  sleep,
		"secret": secret,
	}
}

// echo returns its input, plus the execution context when asked.
func echo(_ context.Context, call *pluginsdk.Call) (any, error) {
	if v, _ := call.Config["withContext"].(bool); v {
		return map[string]any{"input": call.Input, "context": call.Context}, nil
	}
	return call.Input, nil
}

func upper(_ context.Context, call *pluginsdk.Call) (any, error) {
	text, ok := call.Input["text"].(string)
	if !ok {
		return nil, pluginsdk.Errorf("INVALID_INPUT", "text must be a string, got %T", call.Input["text"])
	}
	return map[string]any{"text": strings.ToUpper(text)}, nil
}

func fail(_ context.Context, call *pluginsdk.Call) (any, error) {
	msg, _ := call.Input["message"].(string)
	if msg == "" {
		msg = "requested failure"
	}
	return nil, &pluginsdk.StepError{Code: "ECHO_FAILED", Message: msg, Details: call.Input}
}

func sleep(ctx context.Context, call *pluginsdk.Call) (any, error) {
	ms, _ := call.Input["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// secret resolves a reference through the host and reports only its length.
func secret(ctx context.Context, call *pluginsdk.Call) (any, error) {
	ref, _ := call.Input["ref"].(string)
	if ref == "" {
		return nil, pluginsdk.Errorf("INVALID_INPUT", "ref is required")
	}
	values, err := call.Host().ResolveSecrets(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	return map[string]any{"ref": ref, "length": len(values[ref])}, nil
}

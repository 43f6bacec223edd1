package modules

import (
	"context"
	"fmt"

	"github.com/flytohub/flyto-core-sub001/internal/types"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// ConditionEvaluator evaluates branch conditions.
type ConditionEvaluator interface {
	Evaluate(expression string, scope *workflow.Scope) (bool, error)
}

func branch(eval ConditionEvaluator) HandlerFunc {
	return func(ctx context.Context, call *Call) (*types.StepResult, error) {
		raw, ok := param(call, "condition")
		if !ok {
			return nil, fmt.Errorf("%s: missing required param %q", call.Module, "condition")
		}

		var result bool
		switch c := raw.(type) {
		case bool:
			result = c
		case string:
			if eval == nil {
				return nil, fmt.Errorf("%s: no condition evaluator configured", call.Module)
			}
			var err error
			if result, err = eval.Evaluate(c, call.Scope); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%s: condition must be a boolean or expression, got %T", call.Module, raw)
		}

		target := optionalString(call, "else")
		if result {
			target = optionalString(call, "then")
		}
		return route(map[string]any{"result": result, "target": target}, target), nil
	}
}

func switchCase(_ context.Context, call *Call) (*types.StepResult, error) {
	value, _ := param(call, "value")
	key := fmt.Sprint(value)

	matched, target := "default", optionalString(call, "default")
	switch cases := call.Params["cases"].(type) {
	case map[string]any:
		if t, ok := cases[key]; ok {
			matched, target = key, fmt.Sprint(t)
		}
	case nil:
	default:
		return nil, fmt.Errorf("%s: cases must be a mapping, got %T", call.Module, cases)
	}

	return route(map[string]any{"value": value, "matched": matched, "target": target}, target), nil
}

func gotoStep(_ context.Context, call *Call) (*types.StepResult, error) {
	target, err := stringParam(call, "target")
	if err != nil {
		return nil, err
	}
	return route(map[string]any{"target": target}, target), nil
}

// loop jumps back to target until it has done so `times` times. The
// counter lives in the run context so it survives re-entry from other
// steps; it is reset when the loop completes.
func loop(_ context.Context, call *Call) (*types.StepResult, error) {
	target, err := stringParam(call, "target")
	if err != nil {
		return nil, err
	}
	times, err := intParam(call, "times", 0)
	if err != nil {
		return nil, err
	}
	counterKey := optionalString(call, "counter")
	if counterKey == "" {
		counterKey = "__loop_" + call.StepID
	}

	count := 0
	if call.Scope != nil {
		if v, ok := call.Scope.Context[counterKey]; ok {
			if f, _, err := toNumber(v); err == nil {
				count = int(f)
			}
		}
	}

	if count >= times {
		return &types.StepResult{
			Data:    map[string]any{"iteration": count, "done": true},
			Signals: []types.ControlSignal{types.SetContext{Values: map[string]any{counterKey: 0}}},
		}, nil
	}

	count++
	return &types.StepResult{
		Data: map[string]any{"iteration": count, "done": false, "target": target},
		Signals: []types.ControlSignal{
			types.SetContext{Values: map[string]any{counterKey: count}},
			types.Goto{StepID: target},
		},
	}, nil
}

func route(data map[string]any, target string) *types.StepResult {
	res := &types.StepResult{Data: data}
	if target != "" {
		res.Signals = []types.ControlSignal{types.Goto{StepID: target}}
	}
	return res
}

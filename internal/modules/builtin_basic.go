package modules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/types"
)

func power(_ context.Context, call *Call) (*types.StepResult, error) {
	base, baseInt, err := numberParam(call, "base")
	if err != nil {
		return nil, err
	}
	exp, expInt, err := numberParam(call, "exponent")
	if err != nil {
		return nil, err
	}
	result := math.Pow(base, exp)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, fmt.Errorf("%s: %v^%v is not a finite number", call.Module, base, exp)
	}
	return types.Data(number(result, baseInt && expInt && exp >= 0)), nil
}

func add(_ context.Context, call *Call) (*types.StepResult, error) {
	if raw, ok := param(call, "values"); ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: values must be a list, got %T", call.Module, raw)
		}
		sum, integral := 0.0, true
		for i, v := range list {
			f, isInt, err := toNumber(v)
			if err != nil {
				return nil, fmt.Errorf("%s: values[%d]: %w", call.Module, i, err)
			}
			sum += f
			integral = integral && isInt
		}
		return types.Data(number(sum, integral)), nil
	}

	a, aInt, err := numberParam(call, "a")
	if err != nil {
		return nil, err
	}
	b, bInt, err := numberParam(call, "b")
	if err != nil {
		return nil, err
	}
	return types.Data(number(a+b, aInt && bInt)), nil
}

func uppercase(_ context.Context, call *Call) (*types.StepResult, error) {
	text, err := stringParam(call, "text")
	if err != nil {
		return nil, err
	}
	return types.Data(strings.ToUpper(text)), nil
}

func lowercase(_ context.Context, call *Call) (*types.StepResult, error) {
	text, err := stringParam(call, "text")
	if err != nil {
		return nil, err
	}
	return types.Data(strings.ToLower(text)), nil
}

// set returns params.value, or the whole params map when value is absent.
// With merge: true a map value is also written into the run context.
func set(_ context.Context, call *Call) (*types.StepResult, error) {
	value, ok := call.Params["value"]
	if !ok {
		out := make(map[string]any, len(call.Params))
		for k, v := range call.Params {
			if k != "merge" {
				out[k] = v
			}
		}
		value = out
	}

	res := types.Data(value)
	if boolParam(call, "merge") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: merge requires a mapping value, got %T", call.Module, value)
		}
		res.Signals = []types.ControlSignal{types.SetContext{Values: m}}
	}
	return res, nil
}

func sleep(ctx context.Context, call *Call) (*types.StepResult, error) {
	d, err := durationParam(call, "ms", "seconds")
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("%s: duration must not be negative", call.Module)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return types.Data(map[string]any{"slept_ms": d.Milliseconds()}), nil
}

package modules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

func param(call *Call, name string) (any, bool) {
	v, ok := call.Params[name]
	return v, ok && v != nil
}

func stringParam(call *Call, name string) (string, error) {
	v, ok := param(call, name)
	if !ok {
		return "", fmt.Errorf("%s: missing required param %q", call.Module, name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func optionalString(call *Call, name string) string {
	v, ok := param(call, name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func numberParam(call *Call, name string) (float64, bool, error) {
	v, ok := param(call, name)
	if !ok {
		return 0, false, fmt.Errorf("%s: missing required param %q", call.Module, name)
	}
	f, isInt, err := toNumber(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: param %q: %w", call.Module, name, err)
	}
	return f, isInt, nil
}

// toNumber converts v to float64 and reports whether it was integral in
// its original form.
func toNumber(v any) (float64, bool, error) {
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case int32:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	case float32:
		return float64(n), false, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return float64(i), true, nil
		}
		f, err := n.Float64()
		return f, false, err
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return float64(i), true, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", n)
		}
		return f, false, nil
	}
	return 0, false, fmt.Errorf("not a number: %T", v)
}

// number returns f as an int when integral is set and f fits.
func number(f float64, integral bool) any {
	if integral && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

func intParam(call *Call, name string, def int) (int, error) {
	if _, ok := param(call, name); !ok {
		return def, nil
	}
	f, _, err := numberParam(call, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s: param %q must be an integer", call.Module, name)
	}
	return int(f), nil
}

func boolParam(call *Call, name string) bool {
	v, ok := param(call, name)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	}
	return false
}

func durationParam(call *Call, msName, secName string) (time.Duration, error) {
	if _, ok := param(call, msName); ok {
		f, _, err := numberParam(call, msName)
		return time.Duration(f * float64(time.Millisecond)), err
	}
	if _, ok := param(call, secName); ok {
		f, _, err := numberParam(call, secName)
		return time.Duration(f * float64(time.Second)), err
	}
	return 0, fmt.Errorf("%s: one of %q or %q is required", call.Module, msName, secName)
}

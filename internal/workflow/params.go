package workflow

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// ApplyParams checks given against the workflow's parameter schema and
// returns the effective parameters. Defaults fill missing values, strings
// are coerced to declared scalar types, and undeclared parameters pass
// through unchanged.
func ApplyParams(wf *types.Workflow, given map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(given)+len(wf.Params))
	for k, v := range given {
		out[k] = v
	}

	names := make([]string, 0, len(wf.Params))
	for name := range wf.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := wf.Params[name]
		val, ok := out[name]
		if !ok || val == nil {
			if spec.Required {
				return nil, ferrors.WorkflowParams(wf.ID, name, "required parameter is missing")
			}
			if spec.Default == nil {
				continue
			}
			val = spec.Default
		}
		coerced, err := coerce(val, spec.Type)
		if err != nil {
			return nil, ferrors.WorkflowParams(wf.ID, name, err.Error())
		}
		if len(spec.Enum) > 0 && !inEnum(coerced, spec.Enum) {
			return nil, ferrors.WorkflowParams(wf.ID, name, fmt.Sprintf("value %v is not one of %v", coerced, spec.Enum))
		}
		out[name] = coerced
	}
	return out, nil
}

// ParseParamFlags turns k=v pairs into a parameter map. Values stay strings;
// ApplyParams coerces them against the schema.
func ParseParamFlags(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid param %q: expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func coerce(val any, t types.ParamType) (any, error) {
	switch t {
	case "", types.ParamAny:
		return val, nil
	case types.ParamString:
		switch v := val.(type) {
		case string:
			return v, nil
		case int, int64, float64, bool:
			return fmt.Sprint(v), nil
		}
	case types.ParamNumber:
		switch v := val.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return v, nil
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	case types.ParamInteger:
		switch v := val.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int(v), nil
			}
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i, nil
			}
		}
	case types.ParamBoolean:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
	case types.ParamArray:
		if val != nil && reflect.TypeOf(val).Kind() == reflect.Slice {
			return val, nil
		}
	case types.ParamObject:
		if val != nil && reflect.TypeOf(val).Kind() == reflect.Map {
			return val, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, val)
}

func inEnum(val any, enum []any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(val, e) || fmt.Sprint(val) == fmt.Sprint(e) {
			return true
		}
	}
	return false
}

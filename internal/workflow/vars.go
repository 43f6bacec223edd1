package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// EnvPrefix restricts which environment variables ${env.X} may read.
const EnvPrefix = "FLYTO_"

// refPattern matches ${path} and {{path}} references.
var refPattern = regexp.MustCompile(`\$\{\s*([^{}]+?)\s*\}|\{\{\s*([^{}]+?)\s*\}\}`)

// StringifyValue converts any value to a string representation.
// Maps and slices are JSON-marshalled instead of using Go's %v format.
func StringifyValue(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(val)
	kind := rv.Kind()
	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array {
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%v", val)
}

// Scope is what variable references resolve against.
type Scope struct {
	Params  map[string]any
	Context map[string]any

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Lookup resolves a dotted/indexed path such as "params.n", "env.FLYTO_X",
// "fetch.body.items[0]" or "context.fetch". Bare roots read the context.
func (s *Scope) Lookup(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 || segs[0].isIndex {
		return nil, false
	}

	root, rest := segs[0].key, segs[1:]
	switch root {
	case "params":
		return walk(s.Params, rest)
	case "context":
		return walk(s.Context, rest)
	case "env":
		if len(rest) != 1 || rest[0].isIndex {
			return nil, false
		}
		return s.env(rest[0].key)
	}

	val, ok := s.Context[root]
	if !ok {
		return nil, false
	}
	return walk(val, rest)
}

func (s *Scope) env(name string) (any, bool) {
	if !strings.HasPrefix(name, EnvPrefix) {
		return nil, false
	}
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok {
		return nil, false
	}
	return v, true
}

// Resolve substitutes references throughout value. A string that is
// exactly one reference keeps the referenced value's type; references
// embedded in longer strings are stringified. Unknown references become
// nil (whole) or "" (embedded).
func (s *Scope) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		return s.ResolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.Resolve(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.Resolve(item)
		}
		return out
	default:
		return value
	}
}

// ResolveParams resolves every value of params.
func (s *Scope) ResolveParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return s.Resolve(params).(map[string]any)
}

// ResolveString resolves references in one string.
func (s *Scope) ResolveString(input string) any {
	if path, ok := SingleReference(input); ok {
		val, _ := s.Lookup(path)
		return val
	}
	if !strings.Contains(input, "${") && !strings.Contains(input, "{{") {
		return input
	}
	return s.Interpolate(input, StringifyValue)
}

// Interpolate replaces each reference using format on the looked-up value.
// Missing references are passed to format as nil.
func (s *Scope) Interpolate(input string, format func(any) string) string {
	return refPattern.ReplaceAllStringFunc(input, func(match string) string {
		val, _ := s.Lookup(refPath(match))
		return format(val)
	})
}

// ReplaceReferences replaces each reference in input with repl(path).
func ReplaceReferences(input string, repl func(path string) string) string {
	return refPattern.ReplaceAllStringFunc(input, func(match string) string {
		return repl(refPath(match))
	})
}

// SingleReference reports whether input is exactly one reference and
// returns its path.
func SingleReference(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	loc := refPattern.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return "", false
	}
	return refPath(trimmed), true
}

// References returns every reference path in input.
func References(input string) []string {
	var paths []string
	for _, m := range refPattern.FindAllString(input, -1) {
		paths = append(paths, refPath(m))
	}
	return paths
}

func refPath(match string) string {
	sub := refPattern.FindStringSubmatch(match)
	if sub == nil {
		return ""
	}
	if sub[1] != "" {
		return sub[1]
	}
	return sub[2]
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

// splitPath parses "a.b[0][1].c" into key and index segments.
func splitPath(path string) ([]segment, error) {
	var segs []segment
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		if part == "" {
			return nil, fmt.Errorf("empty segment in %q", path)
		}
		key, rest := part, ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key != "" {
			segs = append(segs, segment{key: key})
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return nil, fmt.Errorf("malformed index in %q", path)
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad index in %q", path)
			}
			segs = append(segs, segment{index: n, isIndex: true})
			rest = rest[end+1:]
		}
	}
	return segs, nil
}

func walk(val any, segs []segment) (any, bool) {
	for _, seg := range segs {
		var ok bool
		if seg.isIndex {
			val, ok = index(val, seg.index)
		} else {
			val, ok = field(val, seg.key)
		}
		if !ok {
			return nil, false
		}
	}
	return val, true
}

func field(val any, key string) (any, bool) {
	switch m := val.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok
	case map[string]string:
		v, ok := m[key]
		return v, ok
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if v.IsValid() {
			return v.Interface(), true
		}
	}
	return nil, false
}

func index(val any, i int) (any, bool) {
	if list, ok := val.([]any); ok {
		if i < len(list) {
			return list[i], true
		}
		return nil, false
	}
	rv := reflect.ValueOf(val)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && i < rv.Len() {
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

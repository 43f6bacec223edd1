// Package workflow loads, validates and resolves workflow definitions.
package workflow

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// Extensions are tried in order when resolving a workflow by name.
var Extensions = []string{".yaml", ".yml", ".json"}

// Format is the encoding of a workflow definition.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor returns the format implied by a file name.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a workflow definition. source is used in error messages.
func Parse(data []byte, format Format, source string) (*types.Workflow, error) {
	var wf types.Workflow
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wf); err != nil {
			return nil, ferrors.WorkflowParse(source, err)
		}
		normalizeNumbers(&wf)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&wf); err != nil {
			return nil, ferrors.WorkflowParse(source, err)
		}
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	return &wf, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.IOFileNotFound(path)
		}
		return nil, ferrors.IOReadError(path, err)
	}
	return Parse(data, FormatFor(path), path)
}

// Loader resolves workflow references against a directory.
type Loader struct {
	// Dir is the workflow directory (e.g. .flyto/workflows).
	Dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir}
}

// Resolve returns the file path for ref. ref may be a path to an existing
// file or a bare name looked up in Dir with each of Extensions.
func (l *Loader) Resolve(ref string) (string, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return ref, nil
	}
	if l.Dir != "" {
		base := filepath.Join(l.Dir, ref)
		if info, err := os.Stat(base); err == nil && !info.IsDir() {
			return base, nil
		}
		for _, ext := range Extensions {
			candidate := base + ext
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", ferrors.IOFileNotFound(ref)
}

// Load resolves and parses ref.
func (l *Loader) Load(ref string) (*types.Workflow, error) {
	path, err := l.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// List returns the workflow names available in Dir, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferrors.IOReadError(l.Dir, err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range Extensions {
			if strings.EqualFold(ext, known) {
				name := strings.TrimSuffix(e.Name(), ext)
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// normalizeNumbers converts json.Number values to int or float64 so JSON
// and YAML definitions produce the same Go types.
func normalizeNumbers(wf *types.Workflow) {
	for i := range wf.Steps {
		normalizeStep(&wf.Steps[i])
	}
	if wf.OnError != nil {
		for i := range wf.OnError.RollbackSteps {
			normalizeStep(&wf.OnError.RollbackSteps[i])
		}
		if wf.OnError.Notify != nil {
			wf.OnError.Notify.Params = NormalizeValue(wf.OnError.Notify.Params).(map[string]any)
		}
	}
	for name, p := range wf.Params {
		p.Default = NormalizeValue(p.Default)
		for i, e := range p.Enum {
			p.Enum[i] = NormalizeValue(e)
		}
		wf.Params[name] = p
	}
	wf.Output = NormalizeValue(wf.Output)
}

func normalizeStep(s *types.Step) {
	if s.Params != nil {
		s.Params = NormalizeValue(s.Params).(map[string]any)
	}
	s.Foreach = NormalizeValue(s.Foreach)
}

// NormalizeValue converts json.Number leaves to int (when integral) or float64.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		if val == nil {
			return val
		}
		for k, item := range val {
			val[k] = NormalizeValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = NormalizeValue(item)
		}
		return val
	default:
		return v
	}
}

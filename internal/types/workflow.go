package types

import "fmt"

// ParamType is the declared type of a workflow parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
	ParamAny     ParamType = "any"
)

// Valid returns true if this is a recognized parameter type. Empty means any.
func (t ParamType) Valid() bool {
	switch t {
	case "", ParamString, ParamNumber, ParamInteger, ParamBoolean, ParamArray, ParamObject, ParamAny:
		return true
	}
	return false
}

// ParamSpec declares one workflow parameter.
type ParamSpec struct {
	Type        ParamType `yaml:"type,omitempty" json:"type,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enum        []any     `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// NotifySpec names a module invoked with failure details.
type NotifySpec struct {
	Module string         `yaml:"module" json:"module"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ErrorPolicy is the workflow-level failure handling.
type ErrorPolicy struct {
	RollbackSteps []Step      `yaml:"rollback_steps,omitempty" json:"rollback_steps,omitempty"`
	Notify        *NotifySpec `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// Workflow is a parsed workflow definition. It is not mutated during a run.
type Workflow struct {
	ID          string               `yaml:"id" json:"id"`
	Name        string               `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string               `yaml:"version,omitempty" json:"version,omitempty"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Params      map[string]ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
	Steps       []Step               `yaml:"steps" json:"steps"`

	// Output is a template resolved against the final context. Nil means
	// the whole context is returned.
	Output any `yaml:"output,omitempty" json:"output,omitempty"`

	OnError *ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// StepIndex maps step ids to their position. Duplicate ids are an error.
func (w *Workflow) StepIndex() (map[string]int, error) {
	index := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if prev, ok := index[s.ID]; ok {
			return nil, fmt.Errorf("duplicate step id %q at positions %d and %d", s.ID, prev, i)
		}
		index[s.ID] = i
	}
	return index, nil
}

// DisplayName returns Name, falling back to ID.
func (w *Workflow) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// RollbackSteps returns the rollback list, possibly empty.
func (w *Workflow) RollbackSteps() []Step {
	if w.OnError == nil {
		return nil
	}
	return w.OnError.RollbackSteps
}

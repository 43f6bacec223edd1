// Package modules holds the in-process module table and the handler
// variant the engine dispatches through.
package modules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flytohub/flyto-core-sub001/internal/types"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// Call is one invocation of a module.
type Call struct {
	StepID string
	Module string

	// Params are already resolved against the run context.
	Params map[string]any

	// Config is the step's resolved plugin config, nil when unset.
	Config map[string]any

	// Scope is a read-only snapshot of the run for modules that inspect
	// it (conditions, loop counters).
	Scope *workflow.Scope

	// Meta carries run identifiers forwarded to plugins.
	Meta map[string]any

	// TimeoutMs is the step's per-attempt budget, 0 when unbounded.
	TimeoutMs int

	Logger *slog.Logger
}

// HandlerFunc implements an in-process module.
type HandlerFunc func(ctx context.Context, call *Call) (*types.StepResult, error)

// Module describes a registered in-process module.
type Module struct {
	ID          string
	Description string
	Handler     HandlerFunc
}

// Flow-control module ids. Their results may carry legacy routing fields.
const (
	FlowBranch = "flow.branch"
	FlowSwitch = "flow.switch"
	FlowGoto   = "flow.goto"
	FlowLoop   = "flow.loop"
)

// IsFlowControl reports whether moduleID is in the reserved flow set.
func IsFlowControl(moduleID string) bool {
	switch moduleID {
	case FlowBranch, FlowSwitch, FlowGoto, FlowLoop:
		return true
	}
	return false
}

// Registry maps module ids to in-process handlers.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Registering an id twice is an error.
func (r *Registry) Register(m Module) error {
	if m.ID == "" || m.Handler == nil {
		return fmt.Errorf("module id and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.ID]; exists {
		return fmt.Errorf("module %s already registered", m.ID)
	}
	r.modules[m.ID] = m
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// List returns all modules sorted by id.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package condition evaluates `when` clauses and branch conditions.
package condition

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/builtin"
	"github.com/expr-lang/expr/vm"

	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// Evaluator compiles expressions once and evaluates them against a scope.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the boolean value of expression. ${path} and {{path}}
// references are bound as variables, so their values keep their types.
// Context keys are also visible by name, alongside params, context and
// steps. Undefined names evaluate to nil.
func (e *Evaluator) Evaluate(expression string, scope *workflow.Scope) (bool, error) {
	source, refs := bindReferences(expression)
	if strings.TrimSpace(source) == "" {
		return false, fmt.Errorf("empty condition")
	}

	program, err := e.compile(source, shadowed(scope))
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", expression, err)
	}

	result, err := expr.Run(program, env(scope, refs))
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expression, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

// Cached returns the number of compiled programs.
func (e *Evaluator) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// compile returns the cached program for source. Builtins named in hidden
// are disabled so that context keys such as count or len resolve to their
// values.
func (e *Evaluator) compile(source string, hidden []string) (*vm.Program, error) {
	key := source
	if len(hidden) > 0 {
		key += "\x00" + strings.Join(hidden, ",")
	}

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[key]; ok {
		return program, nil
	}
	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for _, name := range hidden {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, err
	}
	e.cache[key] = program
	return program, nil
}

// shadowed lists the context keys that collide with expr builtins, sorted.
func shadowed(scope *workflow.Scope) []string {
	if scope == nil {
		return nil
	}
	var names []string
	for k := range scope.Context {
		if _, ok := builtin.Index[k]; ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

type binding struct {
	name string
	path string
}

// bindReferences rewrites each reference to a generated identifier so the
// compiled program does not depend on the referenced values.
func bindReferences(expression string) (string, []binding) {
	paths := workflow.References(expression)
	if len(paths) == 0 {
		return expression, nil
	}
	refs := make([]binding, 0, len(paths))
	i := 0
	source := workflow.ReplaceReferences(expression, func(path string) string {
		name := fmt.Sprintf("__ref%d", i)
		i++
		refs = append(refs, binding{name: name, path: path})
		return name
	})
	return source, refs
}

func env(scope *workflow.Scope, refs []binding) map[string]any {
	if scope == nil {
		scope = &workflow.Scope{}
	}
	vars := make(map[string]any, len(scope.Context)+len(refs)+3)
	for k, v := range scope.Context {
		vars[k] = v
	}
	vars["params"] = scope.Params
	vars["context"] = scope.Context
	vars["steps"] = scope.Context
	for _, r := range refs {
		val, _ := scope.Lookup(r.path)
		vars[r.name] = val
	}
	return vars
}

package workflow

import (
	"fmt"
	"strings"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// ModuleChecker reports whether a module id can be executed.
type ModuleChecker func(moduleID string) bool

// ValidationResult collects every problem found in a definition.
type ValidationResult struct {
	Errors []string
}

// Add records a problem.
func (r *ValidationResult) Add(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if any problem was recorded.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err returns a WorkflowInvalid error naming every problem, or nil.
func (r *ValidationResult) Err(workflowID string) error {
	if !r.HasErrors() {
		return nil
	}
	return ferrors.WorkflowInvalid(workflowID, strings.Join(r.Errors, "; ")).
		WithDetail("problems", r.Errors)
}

// Validate checks a workflow's structure. known may be nil to skip module
// resolution.
func Validate(wf *types.Workflow, known ModuleChecker) error {
	return Check(wf, known).Err(wf.ID)
}

// Check returns every structural problem in wf.
func Check(wf *types.Workflow, known ModuleChecker) *ValidationResult {
	result := &ValidationResult{}

	if wf.ID == "" {
		result.Add("workflow id is required")
	}
	if len(wf.Steps) == 0 {
		result.Add("workflow has no steps")
	}

	for name, p := range wf.Params {
		if !p.Type.Valid() {
			result.Add("param %s: unknown type %q", name, p.Type)
		}
		if p.Required && p.Default != nil {
			result.Add("param %s: required params cannot declare a default", name)
		}
	}

	seen := make(map[string]int, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		checkStep(result, step, fmt.Sprintf("step %d", i), known)
		if step.ID == "" {
			continue
		}
		if prev, ok := seen[step.ID]; ok {
			result.Add("duplicate step id %q at positions %d and %d", step.ID, prev, i)
			continue
		}
		seen[step.ID] = i
	}

	checkParallelBatches(result, wf.Steps)

	if wf.OnError != nil {
		for i := range wf.OnError.RollbackSteps {
			checkStep(result, &wf.OnError.RollbackSteps[i], fmt.Sprintf("rollback step %d", i), known)
		}
		if n := wf.OnError.Notify; n != nil {
			if n.Module == "" {
				result.Add("on_error.notify: module is required")
			} else if known != nil && !known(n.Module) {
				result.Add("on_error.notify: unknown module %q", n.Module)
			}
		}
	}

	return result
}

func checkStep(result *ValidationResult, step *types.Step, where string, known ModuleChecker) {
	if step.ID != "" {
		where = fmt.Sprintf("%s (%s)", where, step.ID)
	} else {
		result.Add("%s: id is required", where)
	}
	if step.Module == "" {
		result.Add("%s: module is required", where)
	} else if known != nil && !known(step.Module) {
		result.Add("%s: unknown module %q", where, step.Module)
	}
	if !step.OnError.Valid() {
		result.Add("%s: on_error must be stop or continue, got %q", where, step.OnError)
	}
	if step.Timeout < 0 {
		result.Add("%s: timeout must not be negative", where)
	}
	if r := step.Retry; r != nil {
		if r.Count < 0 {
			result.Add("%s: retry.count must not be negative", where)
		}
		if r.DelayMS < 0 {
			result.Add("%s: retry.delay_ms must not be negative", where)
		}
		if r.MaxDelayMS < 0 {
			result.Add("%s: retry.max_delay_ms must not be negative", where)
		}
		if !r.Backoff.Valid() {
			result.Add("%s: unknown backoff %q", where, r.Backoff)
		}
	}
	if step.HasForeach() {
		switch fe := step.Foreach.(type) {
		case []any:
		case string:
			if _, ok := SingleReference(fe); !ok {
				result.Add("%s: foreach must be a list or a single variable reference", where)
			}
		default:
			result.Add("%s: foreach must be a list or a single variable reference", where)
		}
	}
}

// checkParallelBatches rejects batches whose members write the same
// context key, loop variables included.
func checkParallelBatches(result *ValidationResult, steps []types.Step) {
	for start := 0; start < len(steps); {
		if !steps[start].Parallel {
			start++
			continue
		}
		end := start
		owners := make(map[string]string)
		for end < len(steps) && steps[end].Parallel {
			keys := steps[end].WriteKeys()
			if steps[end].HasForeach() {
				keys = append(keys, steps[end].ItemVar(), steps[end].IndexVar())
			}
			for _, key := range keys {
				if key == "" {
					continue
				}
				if owner, ok := owners[key]; ok && owner != steps[end].ID {
					result.Add("parallel steps %s and %s both write %q", owner, steps[end].ID, key)
					continue
				}
				owners[key] = steps[end].ID
			}
			end++
		}
		start = end
	}
}

// Batch returns the half-open range of the execution unit starting at
// from: one sequential step, or the maximal run of consecutive parallel
// steps.
func Batch(steps []types.Step, from int) (start, end int) {
	if from >= len(steps) {
		return from, from
	}
	if !steps[from].Parallel {
		return from, from + 1
	}
	end = from
	for end < len(steps) && steps[end].Parallel {
		end++
	}
	return from, end
}

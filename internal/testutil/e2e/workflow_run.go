package e2e

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// RunReport mirrors the JSON that `flyto run` prints on success.
type RunReport struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	StepsRun   int    `json:"steps_run"`
	DurationMs int64  `json:"duration_ms"`
	Output     any    `json:"output"`
}

// Report parses stdout as a run report.
func (r *RunResult) Report() (*RunReport, error) {
	var report RunReport
	if err := json.Unmarshal([]byte(r.Stdout), &report); err != nil {
		return nil, fmt.Errorf("parse run report: %w\nstdout: %s\nstderr: %s", err, r.Stdout, r.Stderr)
	}
	return &report, nil
}

// OutputValue walks a dotted path into the report's output.
func (r *RunReport) OutputValue(path string) (any, bool) {
	cur := r.Output
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// WorkflowRun is a `flyto run` started in the background.
type WorkflowRun struct {
	// Workflow is the name passed to flyto run.
	Workflow string

	// Process is the running flyto.
	Process *FlytoProcess

	harness   *Harness
	startTime time.Time
	known     map[string]bool
}

// StartWorkflow runs `flyto run <name> args...` in the background.
func (h *Harness) StartWorkflow(bin, name string, args ...string) (*WorkflowRun, error) {
	existing, err := h.Checkpoints()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, id := range existing {
		known[id] = true
	}

	proc, err := h.Start(bin, append([]string{"run", name}, args...)...)
	if err != nil {
		return nil, err
	}
	return &WorkflowRun{
		Workflow:  name,
		Process:   proc,
		harness:   h,
		startTime: time.Now(),
		known:     known,
	}, nil
}

// WaitForCheckpoint polls the checkpoint store until a checkpoint written
// by this run satisfies match.
func (r *WorkflowRun) WaitForCheckpoint(match func(*types.Checkpoint) bool, timeout time.Duration) (*types.Checkpoint, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for checkpoint of %s\nstderr: %s", r.Workflow, r.Process.Stderr())
		}
		ids, err := r.harness.Checkpoints()
		if err != nil {
			continue
		}
		for _, id := range ids {
			if r.known[id] {
				continue
			}
			cp, err := r.harness.Checkpoint(id)
			if err != nil {
				// Possibly mid-write.
				continue
			}
			if match(cp) {
				return cp, nil
			}
		}
		if r.Process.IsDone() {
			return nil, fmt.Errorf("flyto exited (code %d) before a matching checkpoint\nstderr: %s",
				r.Process.ExitCode(), r.Process.Stderr())
		}
	}
	return nil, nil
}

// Elapsed returns the time since the run was started.
func (r *WorkflowRun) Elapsed() time.Duration {
	return time.Since(r.startTime)
}

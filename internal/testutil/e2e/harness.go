package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/plugin"
	"github.com/flytohub/flyto-core-sub001/internal/store"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// Harness provides test isolation for E2E tests.
// Each harness creates an isolated project with its own:
// - Workflow, plugin and checkpoint directories
// - HOME directory
// - Secret environment
type Harness struct {
	// Dir is the project directory; flyto runs with it as working dir.
	Dir string

	// HomeDir replaces HOME for subprocesses.
	HomeDir string

	// WorkflowDir is where workflow definitions are stored.
	WorkflowDir string

	// PluginDir is where plugins are installed.
	PluginDir string

	// CheckpointDir is where the file store keeps checkpoints.
	CheckpointDir string

	// Secrets are exported to flyto as FLYTO_SECRET_<NAME>.
	Secrets map[string]string

	// Timeout bounds each synchronous Run.
	Timeout time.Duration

	t            *testing.T
	checkpoints  *store.FileStore
	cleanupFuncs []func()
}

// baseConfig selects the file store so runs can be resumed and keeps
// plugin restarts quick.
const baseConfig = `version = "1"

[store]
backend = "file"

[logging]
level = "debug"
format = "text"

[plugins]
handshake_timeout = "10s"
restart_backoff = ["50ms", "100ms"]
shutdown_grace = "2s"
`

// NewHarness creates a new test harness with isolated directories.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	dir := t.TempDir()
	h := &Harness{
		Dir:           dir,
		HomeDir:       filepath.Join(dir, "home"),
		WorkflowDir:   filepath.Join(dir, ".flyto", "workflows"),
		PluginDir:     filepath.Join(dir, ".flyto", "plugins"),
		CheckpointDir: filepath.Join(dir, ".flyto", "checkpoints"),
		Secrets:       make(map[string]string),
		Timeout:       60 * time.Second,
		t:             t,
	}

	for _, d := range []string{h.HomeDir, h.WorkflowDir, h.PluginDir, h.CheckpointDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("failed to create directory %s: %v", d, err)
		}
	}
	// Opened once, before any flyto runs, so its recovery pass never
	// races a live write.
	fs, err := store.NewFileStore(h.CheckpointDir)
	if err != nil {
		t.Fatalf("failed to open checkpoint store: %v", err)
	}
	h.checkpoints = fs

	if err := h.WriteConfig(baseConfig); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Cleanup(h.Cleanup)
	return h
}

// Cleanup releases resources. Called automatically via t.Cleanup.
func (h *Harness) Cleanup() {
	for i := len(h.cleanupFuncs) - 1; i >= 0; i-- {
		h.cleanupFuncs[i]()
	}
}

// OnCleanup registers a function to be called during cleanup.
func (h *Harness) OnCleanup(fn func()) {
	h.cleanupFuncs = append(h.cleanupFuncs, fn)
}

// WriteConfig replaces the project config.
func (h *Harness) WriteConfig(content string) error {
	return os.WriteFile(filepath.Join(h.Dir, ".flyto", "config.toml"), []byte(content), 0644)
}

// WriteWorkflow writes a workflow definition. A name without extension
// gets ".yaml".
func (h *Harness) WriteWorkflow(name, content string) error {
	path := filepath.Join(h.WorkflowDir, name)
	if filepath.Ext(path) == "" {
		path += ".yaml"
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// InstallPlugin copies binary into PluginDir/<id> and writes manifest as
// its plugin.yaml. The manifest's entry point must name the binary's base name.
func (h *Harness) InstallPlugin(id, binary string, manifest []byte) error {
	dir := filepath.Join(h.PluginDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(binary)
	if err != nil {
		return fmt.Errorf("read plugin binary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.Base(binary)), data, 0755); err != nil {
		return fmt.Errorf("write plugin binary: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "plugin.yaml"), manifest, 0644)
}

// Env returns environment variables for subprocess execution.
func (h *Harness) Env() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + h.HomeDir,
	}
	names := make([]string, 0, len(h.Secrets))
	for name := range h.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, plugin.DefaultSecretPrefix+plugin.EnvName(name)+"="+h.Secrets[name])
	}
	return env
}

// Checkpoints returns the run ids with a saved checkpoint.
func (h *Harness) Checkpoints() ([]string, error) {
	return h.checkpoints.List(context.Background())
}

// Checkpoint loads the checkpoint for runID.
func (h *Harness) Checkpoint(runID string) (*types.Checkpoint, error) {
	return h.checkpoints.Load(context.Background(), runID)
}

// RunResult is the outcome of one synchronous flyto invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Run executes flyto with args in the project directory and waits for it.
func (h *Harness) Run(bin string, args ...string) *RunResult {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = h.Dir
	cmd.Env = h.Env()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		h.t.Logf("flyto %s timed out; stderr:\n%s", strings.Join(args, " "), res.Stderr)
	}
	return res
}

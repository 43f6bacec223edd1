// Package testutil provides test fixtures and helpers for flyto.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flytohub/flyto-core-sub001/internal/config"
)

// NewTestConfig creates a test configuration with sensible defaults.
// The paths point at temporary directories that already exist.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.WorkflowDir = filepath.Join(tmpDir, "workflows")
	cfg.Paths.PluginDir = filepath.Join(tmpDir, "plugins")
	cfg.Paths.CheckpointDir = filepath.Join(tmpDir, "checkpoints")
	cfg.Paths.LogsDir = filepath.Join(tmpDir, "logs")
	cfg.Logging.Level = config.LogLevelDebug

	for _, dir := range []string{cfg.Paths.WorkflowDir, cfg.Paths.PluginDir, cfg.Paths.CheckpointDir, cfg.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
	return cfg
}

// workspaceConfig keeps test runs quiet; everything else is default.
const workspaceConfig = `version = "1"

[logging]
level = "error"
format = "text"
`

// NewTestWorkspace creates a project directory with the standard .flyto
// layout and a minimal config. HOME is pointed at a fresh directory so
// no global config applies.
func NewTestWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	for _, sub := range []string{".flyto/workflows", ".flyto/plugins"} {
		if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(sub)), 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", sub, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ".flyto", "config.toml"), []byte(workspaceConfig), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return dir
}

// WriteWorkflow writes a workflow file into the workspace's workflow dir.
func WriteWorkflow(t *testing.T, workspace, file, content string) string {
	t.Helper()
	path := filepath.Join(workspace, ".flyto", "workflows", file)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write workflow %s: %v", file, err)
	}
	return path
}

// TestWorkflowContent returns a small valid workflow using only builtins.
func TestWorkflowContent() string {
	return `id: test-workflow
params:
  count:
    type: integer
    default: 2
steps:
  - id: double
    module: math.add
    params:
      a: ${params.count}
      b: ${params.count}
    output: doubled
  - id: label
    module: string.uppercase
    params:
      text: total
    output: label
output:
  label: ${label}
  total: ${doubled}
`
}

// Package e2e provides end-to-end test infrastructure for flyto.
//
// Tests run the real flyto binary against an isolated project directory
// with real plugin processes.
//
// # Harness
//
// Provides test isolation with:
//   - An isolated project directory (.flyto/workflows, plugins, checkpoints)
//   - A private HOME so no global config leaks in
//   - Secrets passed to plugins through FLYTO_SECRET_* variables
//   - Automatic cleanup via t.Cleanup
//
//	h := e2e.NewHarness(t)
//	h.InstallPlugin("echo", echoBinary, echoManifest)
//	h.WriteWorkflow("greet", workflowYAML)
//
// # Running flyto
//
// Run executes the CLI to completion; Start runs it in the background
// so tests can signal it or watch its checkpoints:
//
//	res := h.Run(flytoBin, "run", "greet", "--param", "name=ada")
//	report, err := res.Report()
//
//	run, _ := h.StartWorkflow(flytoBin, "slow")
//	cp, err := run.WaitForCheckpoint(func(cp *types.Checkpoint) bool {
//	    return cp.NextIndex == 1
//	}, 5*time.Second)
//	run.Process.Signal(syscall.SIGTERM)
//
// # Usage Example
//
//	func TestGreeting(t *testing.T) {
//	    h := e2e.NewHarness(t)
//	    require.NoError(t, h.InstallPlugin("echo", echoBin, echoManifest))
//	    require.NoError(t, h.WriteWorkflow("greet", greetWorkflow))
//
//	    res := h.Run(flytoBin, "run", "greet")
//	    require.NoError(t, res.Err, res.Stderr)
//
//	    report, err := res.Report()
//	    require.NoError(t, err)
//	    require.Equal(t, "completed", report.Status)
//	}
package e2e

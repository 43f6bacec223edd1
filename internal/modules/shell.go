package modules

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// ShellExecutor runs shell.exec commands.
type ShellExecutor struct {
	// Shell defaults to /bin/sh.
	Shell string

	// KillGrace is how long a cancelled command gets between SIGTERM and
	// SIGKILL. Defaults to 3s.
	KillGrace time.Duration
}

// NewShellExecutor creates a ShellExecutor with default settings.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: "/bin/sh", KillGrace: 3 * time.Second}
}

// ShellResult is the outcome of one command.
type ShellResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes command. On cancellation the whole process group gets
// SIGTERM, then SIGKILL after KillGrace; ExitCode is -1 in that case.
func (e *ShellExecutor) Run(ctx context.Context, command, workdir string, env map[string]string) (*ShellResult, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	grace := e.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	// Not CommandContext: cancellation is handled below so the group gets
	// SIGTERM before SIGKILL.
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = workdir
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+env[k])
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	result := &ShellResult{}
	var runErr error

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(grace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		result.ExitCode = -1
		runErr = ctx.Err()

	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
			} else {
				result.ExitCode = -1
				runErr = err
			}
		}
	}

	result.Stdout = strings.TrimSuffix(stdout.String(), "\n")
	result.Stderr = strings.TrimSuffix(stderr.String(), "\n")
	return result, runErr
}

// Handler exposes the executor as the shell.exec module.
//
// Params: command (required), workdir, env (mapping), allow_failure.
// A non-zero exit is an error unless allow_failure is set.
func (e *ShellExecutor) Handler() HandlerFunc {
	return func(ctx context.Context, call *Call) (*types.StepResult, error) {
		command, err := stringParam(call, "command")
		if err != nil {
			return nil, err
		}

		var env map[string]string
		if raw, ok := param(call, "env"); ok {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: env must be a mapping, got %T", call.Module, raw)
			}
			env = make(map[string]string, len(m))
			for k, v := range m {
				env[k] = fmt.Sprint(v)
			}
		}

		res, err := e.Run(ctx, command, optionalString(call, "workdir"), env)
		if err != nil {
			return nil, err
		}

		data := map[string]any{
			"exit_code": res.ExitCode,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
		}
		if res.ExitCode != 0 && !boolParam(call, "allow_failure") {
			return nil, fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr)
		}
		return types.Data(data), nil
	}
}

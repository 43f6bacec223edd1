package e2e

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// FlytoProcess represents a flyto process running in the background.
// It provides methods to signal and observe it.
type FlytoProcess struct {
	cmd *exec.Cmd
	pid int

	mu     sync.Mutex
	stdout *bytes.Buffer
	stderr *bytes.Buffer

	// exited is closed when the process exits, for non-blocking checks.
	exited chan struct{}
	// exitErr stores the error from cmd.Wait() for multiple reads.
	exitErr error
}

// Start runs flyto with args in the background. The process is killed
// at cleanup if it is still running.
func (h *Harness) Start(bin string, args ...string) (*FlytoProcess, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = h.Dir
	cmd.Env = h.Env()

	proc := &FlytoProcess{
		cmd:    cmd,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		exited: make(chan struct{}),
	}
	cmd.Stdout = lockedWriter{&proc.mu, proc.stdout}
	cmd.Stderr = lockedWriter{&proc.mu, proc.stderr}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting flyto: %w", err)
	}
	proc.pid = cmd.Process.Pid

	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.exited)
	}()

	h.OnCleanup(func() {
		if !proc.IsDone() {
			_ = proc.Kill()
			_ = proc.WaitWithTimeout(5 * time.Second)
		}
	})
	return proc, nil
}

type lockedWriter struct {
	mu *sync.Mutex
	b  *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

// Kill forcefully terminates the process (SIGKILL).
func (p *FlytoProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// Signal sends a signal to the process.
func (p *FlytoProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits and returns the exit error.
func (p *FlytoProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

// WaitWithTimeout waits for the process to exit with a timeout.
func (p *FlytoProcess) WaitWithTimeout(timeout time.Duration) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for process to exit")
	}
}

// IsDone returns true if the process has exited.
func (p *FlytoProcess) IsDone() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running.
func (p *FlytoProcess) ExitCode() int {
	if !p.IsDone() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// PID returns the process ID.
func (p *FlytoProcess) PID() int {
	return p.pid
}

// Stdout returns the captured stdout output.
func (p *FlytoProcess) Stdout() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String()
}

// Stderr returns the captured stderr output.
func (p *FlytoProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

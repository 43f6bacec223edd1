package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/health"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/modules"
)

var _ modules.PluginInvoker = (*Manager)(nil)

func newTestManager(t *testing.T, root string, opts ManagerOptions) *Manager {
	t.Helper()
	if opts.Process.HandshakeTimeout == 0 {
		opts.Process = fastOptions()
	}
	m := NewManager([]string{root}, helperRuntimes(t), opts, logging.NewForTest())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func TestManager_Discover(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", fixture{Steps: []string{"echo"}})
	writePlugin(t, root, "beta", fixture{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755))
	broken := filepath.Join(root, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "plugin.json"), []byte(`{"id": "BAD ID"}`), 0o644))

	m := NewManager([]string{root, filepath.Join(root, "missing")}, helperRuntimes(t), ManagerOptions{}, logging.NewForTest())
	found, err := m.Discover()
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "alpha", found[0].ID)
	assert.Equal(t, "beta", found[1].ID)
	assert.Len(t, m.Manifests(), 2)

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, StateNotStarted, status[0].State)
	assert.Equal(t, helperLanguage, status[0].Language)
	assert.Equal(t, []string{"echo"}, status[0].Steps)
}

func TestManager_LocatesByConvention(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "acme.tools", fixture{DirName: "flyto-plugin-acme.tools"})
	writePlugin(t, root, "data.kit", fixture{DirName: "data_kit"})

	m := newTestManager(t, root, ManagerOptions{})
	man, err := m.Manifest("acme.tools")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "flyto-plugin-acme.tools"), man.Dir)

	_, err = m.Manifest("data.kit")
	require.NoError(t, err)

	res, err := m.Invoke(context.Background(), "acme.tools", "echo", map[string]any{"x": 1.0}, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, res.Data)
}

func TestManager_LookupErrors(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", fixture{Steps: []string{"echo"}})
	m := newTestManager(t, root, ManagerOptions{})

	var notFound *ferrors.PluginNotFoundError
	require.ErrorAs(t, m.Lookup("ghost", "echo"), &notFound)
	assert.Empty(t, notFound.Step)

	require.ErrorAs(t, m.Lookup("alpha", "write"), &notFound)
	assert.Equal(t, "write", notFound.Step)

	require.ErrorAs(t, m.Lookup("Not Valid", "echo"), &notFound)
	require.NoError(t, m.Lookup("alpha", "echo"))

	_, err := m.Invoke(context.Background(), "alpha", "write", nil, nil, nil, 0)
	require.ErrorAs(t, err, &notFound)
	_, ok := m.Process("alpha")
	assert.False(t, ok, "unknown steps spawn nothing")
}

func TestManager_EvictsLeastRecentlyUsedIdle(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"a", "b", "c"} {
		writePlugin(t, root, id, fixture{})
	}
	m := newTestManager(t, root, ManagerOptions{MaxProcesses: 2})
	ctx := context.Background()

	_, err := m.Invoke(ctx, "a", "echo", nil, nil, nil, 0)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = m.Invoke(ctx, "b", "echo", nil, nil, nil, 0)
	require.NoError(t, err)
	procA, _ := m.Process("a")

	_, err = m.Invoke(ctx, "c", "echo", nil, nil, nil, 0)
	require.NoError(t, err)

	_, ok := m.Process("a")
	assert.False(t, ok, "a was least recently used")
	assert.Equal(t, StateStopped, procA.State())
	_, ok = m.Process("b")
	assert.True(t, ok)

	// a comes back as a fresh process.
	_, err = m.Invoke(ctx, "a", "echo", nil, nil, nil, 0)
	require.NoError(t, err)
	procA2, _ := m.Process("a")
	assert.NotSame(t, procA, procA2)
}

func TestManager_ResourceExhaustedWhenNothingIdle(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "busy", fixture{})
	writePlugin(t, root, "other", fixture{})
	m := newTestManager(t, root, ManagerOptions{MaxProcesses: 1})

	done := make(chan error, 1)
	go func() {
		_, err := m.Invoke(context.Background(), "busy", "sleep", map[string]any{"ms": 1500}, nil, nil, 0)
		done <- err
	}()
	require.Eventually(t, func() bool {
		p, ok := m.Process("busy")
		return ok && p.InFlight() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := m.Invoke(context.Background(), "other", "echo", nil, nil, nil, 0)
	var exhausted *ferrors.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Limit)

	require.NoError(t, <-done)
}

func TestManager_CrashedProcessKeepsRestartBudget(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "fragile", fixture{})
	writePlugin(t, root, "other", fixture{})
	opts := fastOptions()
	opts.MaxRestarts = 1
	opts.RestartBackoff = []time.Duration{time.Hour}
	m := newTestManager(t, root, ManagerOptions{MaxProcesses: 1, Process: opts})
	ctx := context.Background()

	_, err := m.Invoke(ctx, "fragile", "crash", nil, nil, nil, 0)
	require.Error(t, err)
	fragile, ok := m.Process("fragile")
	require.True(t, ok)
	require.Eventually(t, func() bool { return fragile.State() == StateCrashed }, 5*time.Second, 10*time.Millisecond)

	// A crashed process waiting out its backoff is not evictable.
	_, err = m.Invoke(ctx, "other", "echo", nil, nil, nil, 0)
	var exhausted *ferrors.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)

	again, ok := m.Process("fragile")
	require.True(t, ok)
	assert.Same(t, fragile, again)

	// The backoff still applies: nothing is respawned early.
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = m.Invoke(short, "fragile", "echo", nil, nil, nil, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fragile.Spawns())
	assert.Equal(t, StateCrashed, fragile.State())
}

func TestManager_HeldProcessIsNotReclaimed(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "sleepy", fixture{})
	m := newTestManager(t, root, ManagerOptions{IdleTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := m.StartPlugin(ctx, "sleepy")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	// Handed out for an invoke that has not reached the plugin yet.
	held, err := m.process("sleepy")
	require.NoError(t, err)
	assert.Equal(t, 0, m.ReclaimIdle(ctx))
	assert.Equal(t, StateReady, held.State())

	res, err := held.Invoke(ctx, "echo", map[string]any{"n": 1.0}, nil, nil, 0)
	held.release()
	require.NoError(t, err)
	assert.True(t, res.OK)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, m.ReclaimIdle(ctx))
	assert.Equal(t, StateStopped, held.State())
}

func TestManager_ReclaimIdle(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "sleepy", fixture{})
	m := newTestManager(t, root, ManagerOptions{IdleTimeout: 50 * time.Millisecond, IdleCheckInterval: 20 * time.Millisecond})

	_, err := m.Invoke(context.Background(), "sleepy", "echo", nil, nil, nil, 0)
	require.NoError(t, err)
	proc, _ := m.Process("sleepy")
	assert.Equal(t, 0, m.ReclaimIdle(context.Background()), "not idle long enough yet")

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := m.Process("sleepy")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStopped, proc.State())
}

func TestManager_UnhealthyShortCircuits(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "fragile", fixture{})
	opts := fastOptions()
	opts.MaxRestarts = 0
	m := newTestManager(t, root, ManagerOptions{Process: opts})

	_, err := m.Invoke(context.Background(), "fragile", "crash", nil, nil, nil, 0)
	require.ErrorAs(t, err, new(*ferrors.PluginCrashedError))
	proc, _ := m.Process("fragile")
	require.Eventually(t, func() bool { return proc.State() == StateUnhealthy }, 5*time.Second, 10*time.Millisecond)

	_, err = m.Invoke(context.Background(), "fragile", "echo", nil, nil, nil, 0)
	require.ErrorAs(t, err, new(*ferrors.PluginUnhealthyError))
	assert.Equal(t, 1, proc.Spawns())

	info := m.Status()
	require.Len(t, info, 1)
	assert.Equal(t, StateUnhealthy, info[0].State)
	assert.Greater(t, info[0].Cooldown, time.Duration(0))
	assert.Contains(t, info[0].LastError, "exited")
}

func TestManager_HealthRecyclesProcess(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "pinged", fixture{})
	m := newTestManager(t, root, ManagerOptions{})
	checker := health.NewChecker(health.Options{FailureThreshold: 1, Timeout: 2 * time.Second}, logging.NewForTest())
	m.AttachHealth(checker)
	ctx := context.Background()

	// Not running yet: nothing to be unhealthy about.
	_, err := m.StartPlugin(ctx, "pinged")
	require.NoError(t, err)
	rec, err := checker.Check(ctx, "pinged")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, rec.Status)
	assert.Greater(t, rec.LastLatency, time.Duration(0))

	latency, err := m.Ping(ctx, "pinged")
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	proc, _ := m.Process("pinged")
	checker.Register("pinged", func(context.Context) health.ProbeResult {
		return health.ProbeResult{Healthy: false, Message: "simulated"}
	})
	_, err = checker.Check(ctx, "pinged")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return proc.State() == StateStopped }, 5*time.Second, 10*time.Millisecond)
	_, ok := m.Process("pinged")
	assert.False(t, ok)
}

func TestManager_Close(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "one", fixture{})
	writePlugin(t, root, "two", fixture{})
	m := NewManager([]string{root}, helperRuntimes(t), ManagerOptions{Process: fastOptions()}, logging.NewForTest())

	for _, id := range []string{"one", "two"} {
		_, err := m.Invoke(context.Background(), id, "echo", nil, nil, nil, 0)
		require.NoError(t, err)
	}
	one, _ := m.Process("one")
	two, _ := m.Process("two")

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, StateStopped, one.State())
	assert.Equal(t, StateStopped, two.State())

	_, err := m.Invoke(context.Background(), "one", "echo", nil, nil, nil, 0)
	assert.True(t, ferrors.HasCode(err, ferrors.CodePluginStopped))
}

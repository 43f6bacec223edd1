package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

func TestProcess_InvokeAndShutdown(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())
	assert.Equal(t, StateNotStarted, p.State())

	res, err := p.Invoke(context.Background(), "echo", map[string]any{"msg": "hi"}, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, map[string]any{"msg": "hi"}, res.Data)

	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, 1, p.Spawns())
	assert.NotZero(t, p.PID())
	assert.Contains(t, p.Steps(), "echo")
	assert.Equal(t, 0, p.InFlight())

	require.NoError(t, p.Shutdown(context.Background(), "test", 0))
	assert.Equal(t, StateStopped, p.State())
	assert.Zero(t, p.PID())

	_, err = p.Invoke(context.Background(), "echo", nil, nil, nil, 0)
	require.Error(t, err)
	assert.True(t, ferrors.HasCode(err, ferrors.CodePluginStopped))
	assert.Equal(t, 1, p.Spawns(), "a stopped process never respawns")
}

func TestProcess_ConcurrentInvokes(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())
	require.NoError(t, p.Start(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Invoke(context.Background(), "echo", map[string]any{"n": float64(i)}, nil, nil, 0)
			if err != nil {
				errs <- err
				return
			}
			if res.Data.(map[string]any)["n"] != float64(i) {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("invoke: %v", err)
	}
	assert.Equal(t, 1, p.Spawns())
}

func TestProcess_MinimalEnvironment(t *testing.T) {
	t.Setenv("FLYTO_LEAK_CHECK", "should-not-leak")
	p := newHelperProcess(t, fixture{Env: map[string]string{"HELPER_CUSTOM": "yes"}}, fastOptions())

	res, err := p.Invoke(context.Background(), "env", nil, nil, nil, 0)
	require.NoError(t, err)
	env := res.Data.(map[string]any)
	assert.Equal(t, "helper", env["plugin_id"])
	assert.Equal(t, "1.0", env["protocol"])
	assert.NotEmpty(t, env["execution_id"])
	assert.Equal(t, "yes", env["custom"])
	assert.Empty(t, env["leak"])
}

func TestProcess_UnixTransport(t *testing.T) {
	p := newHelperProcess(t, fixture{Transport: TransportUnix}, fastOptions())

	res, err := p.Invoke(context.Background(), "env", nil, nil, nil, 0)
	require.NoError(t, err)
	socket, _ := res.Data.(map[string]any)["socket"].(string)
	require.NotEmpty(t, socket)

	// Stdout is free for the plugin once the protocol moves to the socket.
	res, err = p.Invoke(context.Background(), "print", map[string]any{"text": "not a protocol message"}, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err), "socket file should be removed once the plugin connected")

	require.NoError(t, p.Shutdown(context.Background(), "test", 0))
	assert.Equal(t, StateStopped, p.State())
}

func TestProcess_UnixTransportStartFailures(t *testing.T) {
	t.Run("exits before connecting", func(t *testing.T) {
		p := newHelperProcess(t, fixture{
			Transport: TransportUnix,
			Env:       map[string]string{"FLYTO_TEST_HELPER_MODE": "exit"},
		}, fastOptions())

		err := p.Start(context.Background())
		require.Error(t, err)
		assert.True(t, ferrors.HasCode(err, ferrors.CodePluginHandshake))
		assert.Contains(t, err.Error(), "exited before connecting")
	})

	t.Run("never connects", func(t *testing.T) {
		opts := fastOptions()
		opts.HandshakeTimeout = 300 * time.Millisecond
		p := newHelperProcess(t, fixture{
			Transport: TransportUnix,
			Env:       map[string]string{"FLYTO_TEST_HELPER_MODE": "silent"},
		}, opts)

		start := time.Now()
		err := p.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not connect")
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, StateCrashed, p.State())
	})
}

func TestProcess_InvokeTimeout(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())

	_, err := p.Invoke(context.Background(), "sleep", map[string]any{"ms": 5000}, nil, nil, 150)
	require.Error(t, err)
	var timeoutErr *ferrors.PluginTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 150*time.Millisecond, timeoutErr.Timeout)

	// A timeout does not kill the process.
	assert.Equal(t, StateReady, p.State())
	res, err := p.Invoke(context.Background(), "echo", map[string]any{"after": true}, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestProcess_TimeoutIsClamped(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())

	_, err := p.Invoke(context.Background(), "sleep", map[string]any{"ms": 2000}, nil, nil, 1)
	var timeoutErr *ferrors.PluginTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
}

func TestProcess_CallerCancellation(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := p.Invoke(ctx, "sleep", map[string]any{"ms": 5000}, nil, nil, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcess_StepFailures(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())

	res, err := p.Invoke(context.Background(), "fail", nil, nil, nil, 0)
	require.NoError(t, err, "ok:false is a result, not an error")
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "BAD", res.Error.Code)
	assert.Equal(t, "input rejected", res.Error.Message)

	_, err = p.Invoke(context.Background(), "nope", nil, nil, nil, 0)
	var notFound *ferrors.PluginNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.Step)

	_, err = p.Invoke(context.Background(), "../escape", nil, nil, nil, 0)
	var invalid *ferrors.ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestProcess_CrashRelaunchesThenGoesUnhealthy(t *testing.T) {
	opts := fastOptions()
	opts.MaxRestarts = 1
	p := newHelperProcess(t, fixture{}, opts)

	_, err := p.Invoke(context.Background(), "crash", nil, nil, nil, 0)
	var crashed *ferrors.PluginCrashedError
	require.ErrorAs(t, err, &crashed)
	assert.Equal(t, 3, crashed.ExitCode)

	// The supervisor relaunches after the backoff without being asked.
	require.Eventually(t, func() bool { return p.Spawns() == 2 && p.State() == StateReady }, 5*time.Second, 10*time.Millisecond)

	res, err := p.Invoke(context.Background(), "echo", map[string]any{"alive": true}, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// Second crash inside the window exceeds max_restarts=1.
	_, err = p.Invoke(context.Background(), "crash", nil, nil, nil, 0)
	require.ErrorAs(t, err, &crashed)
	require.Eventually(t, func() bool { return p.State() == StateUnhealthy }, 5*time.Second, 10*time.Millisecond)

	_, err = p.Invoke(context.Background(), "echo", nil, nil, nil, 0)
	var unhealthy *ferrors.PluginUnhealthyError
	require.ErrorAs(t, err, &unhealthy)
	assert.Greater(t, unhealthy.Remaining, time.Duration(0))
	assert.LessOrEqual(t, unhealthy.Remaining, time.Minute)
	assert.Equal(t, 2, p.Spawns(), "nothing is spawned while unhealthy")
	assert.Greater(t, p.CooldownRemaining(), time.Duration(0))
}

func TestProcess_CooldownExpires(t *testing.T) {
	opts := fastOptions()
	opts.MaxRestarts = 0
	opts.UnhealthyCooldown = 200 * time.Millisecond
	p := newHelperProcess(t, fixture{}, opts)

	_, err := p.Invoke(context.Background(), "crash", nil, nil, nil, 0)
	require.Error(t, err)
	require.Eventually(t, func() bool { return p.State() == StateUnhealthy }, 5*time.Second, 10*time.Millisecond)

	_, err = p.Invoke(context.Background(), "echo", nil, nil, nil, 0)
	require.ErrorAs(t, err, new(*ferrors.PluginUnhealthyError))

	time.Sleep(250 * time.Millisecond)
	res, err := p.Invoke(context.Background(), "echo", map[string]any{"back": true}, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, p.Spawns())
}

func TestProcess_HandshakeTimeout(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeTimeout = 300 * time.Millisecond
	p := newHelperProcess(t, fixture{Env: map[string]string{"FLYTO_TEST_HELPER_MODE": "silent"}}, opts)

	start := time.Now()
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, ferrors.HasCode(err, ferrors.CodePluginHandshake))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateCrashed, p.State())
	assert.Zero(t, p.PID())
}

func TestProcess_StartFailureCountsAgainstBudget(t *testing.T) {
	opts := fastOptions()
	opts.MaxRestarts = 1
	p := newHelperProcess(t, fixture{Env: map[string]string{"FLYTO_TEST_HELPER_MODE": "exit"}}, opts)

	require.Error(t, p.Start(context.Background()))
	assert.Equal(t, StateCrashed, p.State())
	require.Error(t, p.Start(context.Background()))
	assert.Equal(t, StateUnhealthy, p.State())

	err := p.Start(context.Background())
	require.ErrorAs(t, err, new(*ferrors.PluginUnhealthyError))
	assert.Equal(t, 2, p.Spawns())
}

func TestProcess_ShutdownGracePeriod(t *testing.T) {
	tests := []struct {
		name  string
		grace time.Duration
		want  string
	}{
		{"zero uses configured grace", 0, "test 2000"},
		{"explicit grace", 1500 * time.Millisecond, "test 1500"},
		{"clamped to one minute", 5 * time.Minute, "test 60000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := filepath.Join(t.TempDir(), "shutdown")
			p := newHelperProcess(t, fixture{Env: map[string]string{"HELPER_SHUTDOWN_FILE": record}}, fastOptions())
			require.NoError(t, p.Start(context.Background()))

			require.NoError(t, p.Shutdown(context.Background(), "test", tt.grace))
			data, err := os.ReadFile(record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestProcess_Ping(t *testing.T) {
	p := newHelperProcess(t, fixture{}, fastOptions())

	_, err := p.Ping(context.Background())
	require.Error(t, err, "ping needs a running process")

	require.NoError(t, p.Start(context.Background()))
	latency, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestProcess_Secrets(t *testing.T) {
	t.Setenv("FLYTO_SECRET_API_KEY", "env-value")

	tests := []struct {
		name     string
		resolver SecretResolver
		ref      string
		wantOK   bool
		want     string
		wantCode string
	}{
		{name: "env resolver", ref: "secret://api_key", wantOK: true, want: "env-value"},
		{name: "custom resolver", resolver: mapSecrets{"secret://api_key": "map-value"}, ref: "secret://api_key", wantOK: true, want: "map-value"},
		{name: "undeclared", ref: "secret://other", wantCode: "PERMISSION_DENIED"},
		{name: "missing value", resolver: mapSecrets{}, ref: "secret://api_key", wantCode: "SECRET_NOT_PROVIDED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fastOptions()
			opts.Secrets = tt.resolver
			p := newHelperProcess(t, fixture{RequiredSecrets: []string{"secret://api_key"}}, opts)

			res, err := p.Invoke(context.Background(), "secret", map[string]any{"ref": tt.ref}, nil, nil, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.OK)
			if tt.wantOK {
				assert.Equal(t, map[string]any{"value": tt.want}, res.Data)
				return
			}
			require.NotNil(t, res.Error)
			assert.Contains(t, res.Error.Message, tt.wantCode)
		})
	}
}

func TestProcess_Browser(t *testing.T) {
	tests := []struct {
		name        string
		permissions []string
		provider    BrowserProvider
		wantOK      bool
		wantCode    string
	}{
		{name: "no permission", provider: fakeBrowser{}, wantCode: "PERMISSION_DENIED"},
		{name: "no provider", permissions: []string{PermissionBrowser}, wantCode: "BROWSER_UNAVAILABLE"},
		{name: "provider fails", permissions: []string{PermissionBrowser}, provider: fakeBrowser{fail: true}, wantCode: "BROWSER_CONNECT_FAILED"},
		{name: "provider answers", permissions: []string{PermissionBrowser}, provider: fakeBrowser{}, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fastOptions()
			opts.Browser = tt.provider
			p := newHelperProcess(t, fixture{Permissions: tt.permissions}, opts)

			res, err := p.Invoke(context.Background(), "browser", nil, nil, nil, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.OK)
			if tt.wantOK {
				assert.Contains(t, res.Data.(map[string]any)["raw"], `"session":"s1"`)
				return
			}
			assert.Contains(t, res.Error.Message, tt.wantCode)
		})
	}
}

func TestProcess_Backoff(t *testing.T) {
	p := &Process{opts: ProcessOptions{RestartBackoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}}
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 4*time.Second, p.backoff(7), "last value repeats")
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Plugins
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.HandshakeTimeout, opts.HandshakeTimeout)
	assert.Equal(t, cfg.MaxRestarts, opts.MaxRestarts)
	assert.Equal(t, cfg.RestartBackoff, opts.RestartBackoff)

	mopts := ManagerOptionsFromConfig(cfg)
	assert.Equal(t, cfg.MaxProcesses, mopts.MaxProcesses)
	assert.Equal(t, cfg.IdleTimeout, mopts.IdleTimeout)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unhealthy", StateUnhealthy.String())
	assert.Equal(t, "state(42)", State(42).String())
}

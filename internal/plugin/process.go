package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/protocol"
	"github.com/flytohub/flyto-core-sub001/internal/runtime"
	"github.com/flytohub/flyto-core-sub001/internal/tracing"
	"github.com/flytohub/flyto-core-sub001/internal/transport"
)

// State is the lifecycle state of a plugin process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateCrashed
	StateUnhealthy
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ProcessOptions tune one plugin process.
type ProcessOptions struct {
	HandshakeTimeout     time.Duration
	DefaultInvokeTimeout time.Duration
	MaxRestarts          int
	RestartWindow        time.Duration
	UnhealthyCooldown    time.Duration
	RestartBackoff       []time.Duration
	ShutdownGrace        time.Duration

	Secrets SecretResolver
	Browser BrowserProvider
}

// OptionsFromConfig maps the [plugins] config section.
func OptionsFromConfig(cfg config.PluginsConfig) ProcessOptions {
	return ProcessOptions{
		HandshakeTimeout:     cfg.HandshakeTimeout,
		DefaultInvokeTimeout: cfg.DefaultInvokeTimeout,
		MaxRestarts:          cfg.MaxRestarts,
		RestartWindow:        cfg.RestartWindow,
		UnhealthyCooldown:    cfg.UnhealthyCooldown,
		RestartBackoff:       append([]time.Duration(nil), cfg.RestartBackoff...),
		ShutdownGrace:        cfg.ShutdownGrace,
	}
}

func (o *ProcessOptions) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.DefaultInvokeTimeout <= 0 {
		o.DefaultInvokeTimeout = 60 * time.Second
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 5 * time.Minute
	}
	if o.UnhealthyCooldown <= 0 {
		o.UnhealthyCooldown = time.Minute
	}
	if len(o.RestartBackoff) == 0 {
		o.RestartBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

var errRequestTimeout = errors.New("plugin request timed out")

// session is one spawned OS process and its protocol stream.
type session struct {
	cmd         *exec.Cmd
	tr          transport.Transport
	executionID string
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan *protocol.Response

	done     chan struct{}
	exitErr  error
	exitCode int
	planned  atomic.Bool
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Process supervises one plugin: it launches the plugin on demand,
// multiplexes invokes over its stdio, and applies the restart budget when
// the plugin exits unexpectedly.
type Process struct {
	id       string
	manifest *Manifest
	runtimes *runtime.Registry
	opts     ProcessOptions
	logger   *slog.Logger

	startMu sync.Mutex // serializes Start and Shutdown

	mu             sync.Mutex
	state          State
	session        *session
	restarts       []time.Time
	nextStart      time.Time
	unhealthyUntil time.Time
	restartTimer   *time.Timer
	lastUsed       time.Time
	steps          []string
	spawns         int
	lastErr        error

	inFlight atomic.Int64
	holds    atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewProcess creates a process for m. Nothing is spawned until Start or
// the first Invoke.
func NewProcess(m *Manifest, runtimes *runtime.Registry, opts ProcessOptions, logger *slog.Logger) *Process {
	opts.applyDefaults()
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	return &Process{
		id:       m.ID,
		manifest: m,
		runtimes: runtimes,
		opts:     opts,
		logger:   logging.WithPlugin(logging.Component(logger, "plugin"), m.ID),
		stopCh:   make(chan struct{}),
		lastUsed: time.Now(),
	}
}

// ID returns the plugin id.
func (p *Process) ID() string { return p.id }

// Manifest returns the plugin's manifest.
func (p *Process) Manifest() *Manifest { return p.manifest }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InFlight returns the number of invokes awaiting a response.
func (p *Process) InFlight() int { return int(p.inFlight.Load()) }

// hold marks the process as about to be used so idle reclamation and
// eviction leave it alone. Every hold must be paired with release.
func (p *Process) hold() { p.holds.Add(1) }
func (p *Process) release() { p.holds.Add(-1) }

// busy reports whether the process has invokes in flight or is held.
func (p *Process) busy() bool { return p.inFlight.Load() > 0 || p.holds.Load() > 0 }

// LastUsed returns when the process last started or served an invoke.
func (p *Process) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Spawns returns how many OS processes have been launched.
func (p *Process) Spawns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawns
}

// PID returns the OS pid of the running process, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return 0
	}
	return p.session.pid()
}

// Steps returns the steps the plugin reported in its handshake.
func (p *Process) Steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

// CooldownRemaining returns how long an unhealthy process stays closed.
func (p *Process) CooldownRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateUnhealthy {
		return 0
	}
	return max(time.Until(p.unhealthyUntil), 0)
}

// LastError returns the error behind the last crash or failed start.
func (p *Process) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Process) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Process) stoppedError() error {
	return ferrors.Newf(ferrors.CodePluginStopped, "plugin %s was shut down", p.id).
		WithDetail("plugin_id", p.id)
}

// Start launches the plugin and completes the handshake. It is a no-op
// when the process is already Ready. A crashed process waits out the rest
// of its backoff first; an unhealthy one fails until its cooldown ends.
func (p *Process) Start(ctx context.Context) (err error) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.stopped() {
		return p.stoppedError()
	}

	p.mu.Lock()
	switch p.state {
	case StateReady:
		p.mu.Unlock()
		return nil
	case StateUnhealthy:
		if remaining := time.Until(p.unhealthyUntil); remaining > 0 {
			p.mu.Unlock()
			return ferrors.NewPluginUnhealthy(p.id, remaining)
		}
	}
	wait := time.Until(p.nextStart)
	p.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.stopCh:
			timer.Stop()
			return p.stoppedError()
		}
	}

	ctx, span := tracing.Start(ctx, tracing.Plugin(), tracing.SpanPluginStart,
		attribute.String(tracing.AttrPluginID, p.id))
	defer func() { tracing.End(span, err) }()

	p.mu.Lock()
	p.state = StateStarting
	p.spawns++
	p.mu.Unlock()

	s, steps, err := p.launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.recordFailureLocked(time.Now(), false)
		p.mu.Unlock()
		p.logger.Warn("plugin failed to start", "error", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.exited() {
		err = ferrors.NewPluginCrashed(p.id, s.exitCode, s.exitErr)
		p.lastErr = err
		p.recordFailureLocked(time.Now(), false)
		return err
	}
	p.session = s
	p.state = StateReady
	p.steps = steps
	p.lastUsed = time.Now()
	p.logger.Info("plugin ready", "pid", s.pid(), "execution_id", s.executionID, "steps", len(steps))
	return nil
}

// launch spawns the OS process and runs the handshake.
func (p *Process) launch(ctx context.Context) (*session, []string, error) {
	m := p.manifest
	entry, err := runtime.ResolveEntryPoint(m.Dir, m.Entry())
	if err != nil {
		return nil, nil, err
	}
	lang := m.Language()
	if lang == "" {
		lang = p.runtimes.Detect(m.Dir)
	}
	if lang == "" {
		lang = "binary"
	}
	exe, args, err := p.runtimes.Command(lang, entry)
	if err != nil {
		return nil, nil, err
	}

	executionID := protocol.NewID()
	cmd := exec.Command(exe, args...)
	cmd.Dir = m.Dir
	cmd.Env = p.environ(executionID)
	setProcessGroup(cmd)

	var ln *transport.Listener
	if m.UsesSocket() {
		path := transport.SocketPath(p.id, executionID)
		ln, err = transport.ListenUnix(path, p.logger)
		if err != nil {
			return nil, nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: socket", p.id)
		}
		// Removes the socket file; an accepted connection stays open.
		defer ln.Close()
		cmd.Env = append(cmd.Env, protocol.EnvSocket+"="+path)
	}

	var (
		tr     transport.Transport
		logged = map[string]io.Reader{}
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: stderr pipe", p.id)
	}
	logged["stderr"] = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: stdout pipe", p.id)
	}
	if ln == nil {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: stdin pipe", p.id)
		}
		tr = transport.NewStream(stdout, stdin, stdin)
	} else {
		logged["stdout"] = stdout
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: starting %s", p.id, exe)
	}
	p.logger.Debug("plugin spawned", "pid", cmd.Process.Pid, "command", exe, "language", lang)

	// Wait must not run before the protocol reader is done with stdout.
	streamDone := make(chan struct{})
	waited := make(chan struct{})
	var waitErr error
	go func() {
		var wg sync.WaitGroup
		for stream, r := range logged {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.logLines(stream, r)
			}()
		}
		wg.Wait()
		if ln == nil {
			<-streamDone
		}
		waitErr = cmd.Wait()
		close(waited)
	}()

	if ln != nil {
		tr, err = p.accept(ctx, ln, waited)
		if err != nil {
			_ = killGroup(cmd)
			<-waited
			return nil, nil, err
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cmd:         cmd,
		tr:          tr,
		executionID: executionID,
		ctx:         sctx,
		cancel:      cancel,
		pending:     make(map[string]chan *protocol.Response),
		done:        make(chan struct{}),
	}

	go func() {
		defer close(streamDone)
		p.readLoop(s)
	}()
	go func() {
		<-waited
		_ = s.tr.Close()
		<-streamDone
		p.handleExit(s, waitErr)
	}()

	steps, err := p.handshake(ctx, s)
	if err != nil {
		s.planned.Store(true)
		_ = s.tr.Close()
		_ = killGroup(cmd)
		<-s.done
		return nil, nil, err
	}
	return s, steps, nil
}

// accept waits for the plugin to connect to ln. It gives up when the
// plugin exits first or the handshake timeout elapses.
func (p *Process) accept(ctx context.Context, ln *transport.Listener, exited <-chan struct{}) (transport.Transport, error) {
	actx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-actx.Done():
		}
	}()

	tr, err := ln.Accept(actx)
	if err == nil {
		return tr, nil
	}
	select {
	case <-exited:
		return nil, ferrors.Newf(ferrors.CodePluginHandshake, "plugin %s exited before connecting to %s", p.id, ln.Path()).
			WithDetail("plugin_id", p.id)
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ferrors.Newf(ferrors.CodePluginHandshake, "plugin %s did not connect to %s within %s", p.id, ln.Path(), p.opts.HandshakeTimeout).
			WithDetail("plugin_id", p.id)
	}
	return nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s: accepting connection", p.id)
}

func (p *Process) environ(executionID string) []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "LANG"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		protocol.EnvPluginID+"="+p.id,
		protocol.EnvExecutionID+"="+executionID,
		protocol.EnvProtocolVersion+"="+protocol.ProtocolVersion,
	)
	keys := make([]string, 0, len(p.manifest.Env))
	for k := range p.manifest.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.manifest.Env[k])
	}
	return env
}

func (p *Process) handshake(ctx context.Context, s *session) ([]string, error) {
	resp, err := p.request(ctx, s, protocol.MethodHandshake, protocol.HandshakeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		PluginID:        p.id,
		ExecutionID:     s.executionID,
	}, p.opts.HandshakeTimeout)
	if errors.Is(err, errRequestTimeout) {
		return nil, ferrors.Newf(ferrors.CodePluginHandshake, "plugin %s did not complete the handshake within %s", p.id, p.opts.HandshakeTimeout).
			WithDetail("plugin_id", p.id)
	}
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s handshake failed", p.id)
	}

	var result protocol.HandshakeResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, ferrors.Wrapf(ferrors.CodePluginHandshake, err, "plugin %s handshake rejected", p.id)
	}
	if !protocol.CompatibleVersion(result.ProtocolVersion) {
		return nil, ferrors.Newf(ferrors.CodePluginHandshake, "plugin %s speaks protocol %q, core speaks %q",
			p.id, result.ProtocolVersion, protocol.ProtocolVersion).WithDetail("plugin_id", p.id)
	}
	if result.PluginID != "" && result.PluginID != p.id {
		p.logger.Warn("plugin reported a different id", "reported", result.PluginID)
	}
	return result.Steps, nil
}

// request sends one request on s and waits for the correlated response.
// A timeout yields errRequestTimeout; cancellation of ctx yields ctx.Err();
// process exit yields the crash error.
func (p *Process) request(ctx context.Context, s *session, method protocol.Method, params any, timeout time.Duration) (*protocol.Response, error) {
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.tr.Send(tctx, data); err != nil {
		if s.exited() || errors.Is(err, transport.ErrClosed) {
			return nil, p.sessionError(s)
		}
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		return nil, p.sessionError(s)
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errRequestTimeout
	}
}

// sessionError explains why s can no longer answer.
func (p *Process) sessionError(s *session) error {
	if s.planned.Load() {
		return p.stoppedError()
	}
	select {
	case <-s.done:
		return ferrors.NewPluginCrashed(p.id, s.exitCode, s.exitErr)
	case <-time.After(time.Second):
		return ferrors.NewPluginCrashed(p.id, -1, errors.New("protocol stream closed"))
	}
}

func (p *Process) readLoop(s *session) {
	for {
		line, err := s.tr.Receive()
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			p.logger.Warn("dropping oversized message from plugin")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("plugin stdout closed", "error", err)
			}
			return
		}
		msg, err := protocol.DecodeMessage(line)
		if err != nil {
			p.logger.Warn("malformed message from plugin", "error", err, "line", protocol.Redact(string(line)))
			continue
		}
		if msg.IsRequest() {
			go p.serveHost(s.ctx, s, msg.Request)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.Response.ID]
		delete(s.pending, msg.Response.ID)
		s.mu.Unlock()
		if !ok {
			p.logger.Debug("response for unknown request", "id", msg.Response.ID)
			continue
		}
		ch <- msg.Response
	}
}

// logLines forwards plugin output to the debug log. With the unix
// transport this covers stdout as well as stderr.
func (p *Process) logLines(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("plugin "+stream, "line", protocol.Redact(scanner.Text()))
	}
}

func (p *Process) handleExit(s *session, waitErr error) {
	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.exitErr, s.exitCode = waitErr, code
	s.cancel()
	_ = s.tr.Close()
	close(s.done)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != s {
		return
	}
	p.session = nil
	if s.planned.Load() || p.state != StateReady {
		return
	}

	crash := ferrors.NewPluginCrashed(p.id, code, waitErr)
	p.lastErr = crash
	p.logger.Warn("plugin exited unexpectedly", "exit_code", code, "error", waitErr)
	p.recordFailureLocked(time.Now(), true)
}

// recordFailureLocked applies the restart budget after a crash or a failed
// start. When budget remains the process becomes Crashed with its next
// start delayed by the backoff schedule; a crash of a running process is
// also relaunched automatically once the backoff elapses.
func (p *Process) recordFailureLocked(now time.Time, relaunch bool) {
	cutoff := now.Add(-p.opts.RestartWindow)
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restarts = append(kept, now)

	if len(p.restarts) > p.opts.MaxRestarts {
		p.state = StateUnhealthy
		p.unhealthyUntil = now.Add(p.opts.UnhealthyCooldown)
		p.restarts = nil
		p.nextStart = time.Time{}
		p.logger.Error("plugin marked unhealthy", "cooldown", p.opts.UnhealthyCooldown)
		return
	}

	backoff := p.backoff(len(p.restarts))
	p.state = StateCrashed
	p.nextStart = now.Add(backoff)
	p.logger.Info("plugin restart scheduled", "backoff", backoff, "restarts", len(p.restarts))
	if relaunch {
		if p.restartTimer != nil {
			p.restartTimer.Stop()
		}
		p.restartTimer = time.AfterFunc(backoff, p.relaunch)
	}
}

// backoff returns the delay before the n-th restart (1-based). The last
// configured value repeats.
func (p *Process) backoff(n int) time.Duration {
	i := min(n-1, len(p.opts.RestartBackoff)-1)
	return p.opts.RestartBackoff[max(i, 0)]
}

func (p *Process) relaunch() {
	if p.State() != StateCrashed {
		return
	}
	if err := p.Start(context.Background()); err != nil {
		p.logger.Warn("automatic restart failed", "error", err)
	}
}

// ready returns the live session, starting the plugin if needed.
func (p *Process) ready(ctx context.Context) (*session, error) {
	p.mu.Lock()
	if p.state == StateReady && p.session != nil {
		s := p.session
		p.mu.Unlock()
		return s, nil
	}
	if p.state == StateUnhealthy {
		if remaining := time.Until(p.unhealthyUntil); remaining > 0 {
			p.mu.Unlock()
			return nil, ferrors.NewPluginUnhealthy(p.id, remaining)
		}
	}
	p.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		if p.lastErr != nil {
			return nil, p.lastErr
		}
		return nil, p.stoppedError()
	}
	return p.session, nil
}

// Invoke runs step on the plugin and returns its result. timeoutMs of zero
// uses the default invoke timeout; other values are clamped to
// [100ms, 10min]. A plugin that reports ok:false is not an error here.
func (p *Process) Invoke(ctx context.Context, step string, input, cfg, execContext map[string]any, timeoutMs int) (res *protocol.InvokeResult, err error) {
	ctx, span := tracing.Start(ctx, tracing.Plugin(), tracing.SpanPluginInvoke,
		attribute.String(tracing.AttrPluginID, p.id),
		attribute.String(tracing.AttrPluginStep, step))
	defer func() { tracing.End(span, err) }()

	params := protocol.InvokeParams{Step: step, Input: input, Config: cfg, Context: execContext, TimeoutMs: timeoutMs}
	if err := params.Validate(); err != nil {
		return nil, ferrors.NewValidation("step", err.Error())
	}
	timeout := p.opts.DefaultInvokeTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	params.TimeoutMs = int(timeout.Milliseconds())

	s, err := p.ready(ctx)
	if err != nil {
		return nil, err
	}

	p.touch()
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.touch()
	}()

	start := time.Now()
	resp, err := p.request(ctx, s, protocol.MethodInvoke, params, timeout)
	if errors.Is(err, errRequestTimeout) {
		return nil, ferrors.NewPluginTimeout(p.id, step, timeout)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if resp.Error.Code == protocol.CodeStepNotFound {
			return nil, ferrors.NewPluginNotFound(p.id, step)
		}
		return nil, ferrors.NewPluginRemote(p.id, step, resp.Error.Code,
			protocol.Redact(resp.Error.Message), protocol.RedactValue(resp.Error.Data))
	}

	var result protocol.InvokeResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, ferrors.NewPluginRemote(p.id, step, protocol.CodeInternalError, "undecodable invoke result: "+err.Error(), nil)
	}
	if result.Error != nil {
		result.Error.Message = protocol.Redact(result.Error.Message)
		result.Error.Details = protocol.RedactValue(result.Error.Details)
	}
	p.logger.Debug("invoke finished", "step", step, "ok", result.OK, "duration_ms", time.Since(start).Milliseconds())
	return &result, nil
}

func (p *Process) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Ping round-trips a ping and returns its latency. It fails when the
// process is not running.
func (p *Process) Ping(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	s := p.session
	state := p.state
	p.mu.Unlock()
	if state != StateReady || s == nil {
		return 0, fmt.Errorf("plugin %s is %s", p.id, state)
	}

	timeout := p.opts.HandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	start := time.Now()
	resp, err := p.request(ctx, s, protocol.MethodPing, nil, timeout)
	if errors.Is(err, errRequestTimeout) {
		return 0, fmt.Errorf("plugin %s did not answer ping within %s", p.id, timeout)
	}
	if err != nil {
		return 0, err
	}
	var pong protocol.PingResult
	if err := resp.DecodeResult(&pong); err != nil {
		return 0, err
	}
	if !pong.OK {
		return 0, fmt.Errorf("plugin %s answered ping with ok=false", p.id)
	}
	return time.Since(start), nil
}

// Shutdown stops the plugin for good: it sends shutdown, closes stdin,
// and escalates to SIGTERM and then SIGKILL on the process group when the
// plugin outlives the grace period. A zero grace uses the configured
// ShutdownGrace; others are clamped to [0, 60s]. A stopped process never
// restarts.
func (p *Process) Shutdown(ctx context.Context, reason string, grace time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopped
	if p.restartTimer != nil {
		p.restartTimer.Stop()
	}
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	if grace <= 0 {
		grace = p.opts.ShutdownGrace
	}
	grace = min(grace, time.Duration(protocol.MaxGracePeriodMs)*time.Millisecond)
	p.logger.Info("stopping plugin", "reason", reason, "pid", s.pid(), "grace", grace)
	return p.stopSession(ctx, s, reason, grace)
}

func (p *Process) stopSession(ctx context.Context, s *session, reason string, grace time.Duration) error {
	s.planned.Store(true)

	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	req, err := protocol.NewRequest(protocol.MethodShutdown, protocol.ShutdownParams{
		Reason:        reason,
		GracePeriodMs: int(grace.Milliseconds()),
	})
	if err == nil {
		if data, err := protocol.Encode(req); err == nil {
			_ = s.tr.Send(sctx, data)
		}
	}
	// The plugin's reply, if any, is discarded by the read loop.
	_ = s.tr.Close()

	if waitDone(sctx, s.done) {
		return nil
	}
	p.logger.Warn("plugin ignored shutdown, sending SIGTERM", "pid", s.pid())
	_ = terminateGroup(s.cmd)
	if waitDone(ctx, s.done, grace) {
		return nil
	}
	p.logger.Warn("plugin ignored SIGTERM, sending SIGKILL", "pid", s.pid())
	_ = killGroup(s.cmd)
	if !waitDone(context.Background(), s.done, grace) {
		return fmt.Errorf("plugin %s (pid %d) did not exit after SIGKILL", p.id, s.pid())
	}
	return nil
}

// waitDone waits for done until ctx ends or, when given, the timeout elapses.
func waitDone(ctx context.Context, done <-chan struct{}, timeout ...time.Duration) bool {
	var timer <-chan time.Time
	if len(timeout) > 0 {
		t := time.NewTimer(timeout[0])
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
	case <-timer:
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

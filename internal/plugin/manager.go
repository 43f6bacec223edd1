package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/health"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/protocol"
	"github.com/flytohub/flyto-core-sub001/internal/runtime"
)

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Process           ProcessOptions
	MaxProcesses      int
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
}

// ManagerOptionsFromConfig maps the [plugins] config section.
func ManagerOptionsFromConfig(cfg config.PluginsConfig) ManagerOptions {
	return ManagerOptions{
		Process:           OptionsFromConfig(cfg),
		MaxProcesses:      cfg.MaxProcesses,
		IdleTimeout:       cfg.IdleTimeout,
		IdleCheckInterval: cfg.IdleCheckInterval,
	}
}

func (o *ManagerOptions) applyDefaults() {
	if o.MaxProcesses <= 0 {
		o.MaxProcesses = 16
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = 30 * time.Second
	}
}

// ProcessInfo is a point-in-time view of one plugin.
type ProcessInfo struct {
	ID        string
	Version   string
	Dir       string
	Language  string
	Steps     []string
	State     State
	PID       int
	Spawns    int
	InFlight  int
	LastUsed  time.Time
	Cooldown  time.Duration
	LastError string
}

// Manager owns the plugins found under a set of directories. Processes
// are created on first use, capped at MaxProcesses, and reclaimed when
// idle. It implements the engine's plugin invoker.
type Manager struct {
	dirs     []string
	runtimes *runtime.Registry
	opts     ManagerOptions
	logger   *slog.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
	processes map[string]*Process
	health    *health.Checker
	closed    bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Nothing is scanned or spawned yet.
func NewManager(dirs []string, runtimes *runtime.Registry, opts ManagerOptions, logger *slog.Logger) *Manager {
	opts.applyDefaults()
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	return &Manager{
		dirs:      append([]string(nil), dirs...),
		runtimes:  runtimes,
		opts:      opts,
		logger:    logging.Component(logger, "plugins"),
		manifests: make(map[string]*Manifest),
		processes: make(map[string]*Process),
	}
}

// Discover scans every plugin dir for subdirectories carrying a manifest.
// Invalid manifests are logged and skipped; when two dirs declare the same
// id the first one wins.
func (m *Manager) Discover() ([]*Manifest, error) {
	found := make(map[string]*Manifest)
	for _, root := range m.dirs {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, ferrors.IOReadError(root, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			if FindManifest(dir) == "" {
				continue
			}
			man, err := LoadManifest(dir)
			if err != nil {
				m.logger.Warn("skipping plugin with invalid manifest", "dir", dir, "error", err)
				continue
			}
			if prev, dup := found[man.ID]; dup {
				m.logger.Warn("duplicate plugin id", "id", man.ID, "kept", prev.Dir, "ignored", dir)
				continue
			}
			found[man.ID] = man
		}
	}

	m.mu.Lock()
	for id, man := range found {
		if _, ok := m.manifests[id]; !ok {
			m.manifests[id] = man
		}
	}
	m.mu.Unlock()

	out := make([]*Manifest, 0, len(found))
	for _, man := range found {
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	m.logger.Debug("discovered plugins", "count", len(out))
	return out, nil
}

// Manifests returns the manifests known so far, sorted by id.
func (m *Manager) Manifests() []*Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Manifest, 0, len(m.manifests))
	for _, man := range m.manifests {
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Manifest returns the manifest for id, locating it by directory
// convention on first use.
func (m *Manager) Manifest(id string) (*Manifest, error) {
	if !protocol.ValidPluginID(id) {
		return nil, ferrors.NewPluginNotFound(id, "")
	}
	m.mu.Lock()
	man, ok := m.manifests[id]
	m.mu.Unlock()
	if ok {
		return man, nil
	}

	for _, root := range m.dirs {
		for _, dir := range CandidateDirs(root, id) {
			if FindManifest(dir) == "" {
				continue
			}
			loaded, err := LoadManifest(dir)
			if err != nil {
				m.logger.Warn("invalid plugin manifest", "dir", dir, "error", err)
				continue
			}
			if loaded.ID != id {
				m.logger.Debug("manifest id does not match directory", "dir", dir, "want", id, "got", loaded.ID)
				continue
			}
			m.mu.Lock()
			if existing, ok := m.manifests[id]; ok {
				loaded = existing
			} else {
				m.manifests[id] = loaded
			}
			m.mu.Unlock()
			return loaded, nil
		}
	}
	return nil, ferrors.NewPluginNotFound(id, "")
}

// Lookup checks that pluginID exists and offers step.
func (m *Manager) Lookup(pluginID, step string) error {
	man, err := m.Manifest(pluginID)
	if err != nil {
		return err
	}
	if !man.HasStep(step) {
		return ferrors.NewPluginNotFound(pluginID, step)
	}
	return nil
}

// Invoke runs step on pluginID, starting the plugin if needed.
func (m *Manager) Invoke(ctx context.Context, pluginID, step string, input, cfg, execContext map[string]any, timeoutMs int) (*protocol.InvokeResult, error) {
	if err := m.Lookup(pluginID, step); err != nil {
		return nil, err
	}
	proc, err := m.process(pluginID)
	if err != nil {
		return nil, err
	}
	defer proc.release()
	return proc.Invoke(ctx, step, input, cfg, execContext, timeoutMs)
}

// StartPlugin starts pluginID without invoking anything.
func (m *Manager) StartPlugin(ctx context.Context, pluginID string) (*Process, error) {
	if _, err := m.Manifest(pluginID); err != nil {
		return nil, err
	}
	proc, err := m.process(pluginID)
	if err != nil {
		return nil, err
	}
	defer proc.release()
	if err := proc.Start(ctx); err != nil {
		return proc, err
	}
	return proc, nil
}

// Ping starts pluginID if needed and round-trips a ping.
func (m *Manager) Ping(ctx context.Context, pluginID string) (time.Duration, error) {
	if _, err := m.Manifest(pluginID); err != nil {
		return 0, err
	}
	proc, err := m.process(pluginID)
	if err != nil {
		return 0, err
	}
	defer proc.release()
	if err := proc.Start(ctx); err != nil {
		return 0, err
	}
	return proc.Ping(ctx)
}

// Process returns the current process for id, if one exists.
func (m *Manager) Process(id string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	return p, ok
}

// process returns the process for id, creating it when absent. At the cap
// the least recently used idle process is shut down to make room. The
// returned process is held; the caller must release it.
func (m *Manager) process(id string) (*Process, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ferrors.Newf(ferrors.CodePluginStopped, "plugin manager is closed")
	}
	if p, ok := m.processes[id]; ok {
		if p.State() != StateStopped {
			p.hold()
			m.mu.Unlock()
			return p, nil
		}
		delete(m.processes, id)
	}
	man := m.manifests[id]

	var victim *Process
	if len(m.processes) >= m.opts.MaxProcesses {
		victim = m.lruIdleLocked()
		if victim == nil {
			m.mu.Unlock()
			return nil, ferrors.NewResourceExhausted("plugin processes", m.opts.MaxProcesses)
		}
		delete(m.processes, victim.ID())
	}

	p := NewProcess(man, m.runtimes, m.opts.Process, m.logger)
	p.hold()
	m.processes[id] = p
	checker := m.health
	m.mu.Unlock()

	if victim != nil {
		m.logger.Info("evicting idle plugin to make room", "evicted", victim.ID(), "for", id)
		m.retire(context.Background(), victim, "evicted")
	}
	if checker != nil {
		checker.Register(id, m.probe(id))
	}
	return p, nil
}

// lruIdleLocked picks the least recently used process with nothing in
// flight. Crashed and unhealthy processes are kept so their restart
// history, backoff and cooldown still apply.
func (m *Manager) lruIdleLocked() *Process {
	var victim *Process
	for _, p := range m.processes {
		switch p.State() {
		case StateStarting, StateCrashed, StateUnhealthy:
			continue
		}
		if p.busy() {
			continue
		}
		if victim == nil || p.LastUsed().Before(victim.LastUsed()) {
			victim = p
		}
	}
	return victim
}

func (m *Manager) retire(ctx context.Context, p *Process, reason string) {
	m.mu.Lock()
	checker := m.health
	m.mu.Unlock()
	if checker != nil {
		checker.Unregister(p.ID())
	}
	if err := p.Shutdown(ctx, reason, 0); err != nil {
		m.logger.Warn("plugin shutdown failed", "plugin_id", p.ID(), "error", err)
	}
}

// ReclaimIdle shuts down Ready processes that have had nothing in flight
// for IdleTimeout. It returns how many were stopped.
func (m *Manager) ReclaimIdle(ctx context.Context) int {
	now := time.Now()
	m.mu.Lock()
	var idle []*Process
	for id, p := range m.processes {
		if p.State() == StateReady && !p.busy() && now.Sub(p.LastUsed()) >= m.opts.IdleTimeout {
			idle = append(idle, p)
			delete(m.processes, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range idle {
		g.Go(func() error {
			m.logger.Info("reclaiming idle plugin", "plugin_id", p.ID())
			m.retire(ctx, p, "idle")
			return nil
		})
	}
	_ = g.Wait()
	return len(idle)
}

// Start runs the idle reclamation loop until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.ReclaimIdle(ctx); n > 0 {
					m.logger.Debug("idle sweep", "reclaimed", n)
				}
			}
		}
	}()
}

// AttachHealth registers a ping probe for every process and recycles a
// process once the checker declares it unhealthy.
func (m *Manager) AttachHealth(checker *health.Checker) {
	m.mu.Lock()
	m.health = checker
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		checker.Register(id, m.probe(id))
	}
	checker.OnStatusChange(func(id string, _, to health.Status, rec health.Record) {
		if to != health.StatusUnhealthy {
			return
		}
		m.mu.Lock()
		p, ok := m.processes[id]
		if ok {
			delete(m.processes, id)
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		m.logger.Warn("recycling plugin after failed health checks", "plugin_id", id, "failures", rec.ConsecutiveFailures)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.retire(context.Background(), p, "health check failed")
		}()
	})
}

// probe pings the current process for id. A process that is not running
// has nothing to be unhealthy about.
func (m *Manager) probe(id string) health.Probe {
	return func(ctx context.Context) health.ProbeResult {
		p, ok := m.Process(id)
		if !ok || p.State() != StateReady {
			return health.ProbeResult{Healthy: true, Message: "not running"}
		}
		latency, err := p.Ping(ctx)
		if err != nil {
			return health.ProbeResult{Healthy: false, Message: protocol.Redact(err.Error())}
		}
		return health.ProbeResult{Healthy: true, Latency: latency}
	}
}

// Status describes every known plugin, running or not.
func (m *Manager) Status() []ProcessInfo {
	m.mu.Lock()
	manifests := make(map[string]*Manifest, len(m.manifests))
	for id, man := range m.manifests {
		manifests[id] = man
	}
	procs := make(map[string]*Process, len(m.processes))
	for id, p := range m.processes {
		procs[id] = p
	}
	m.mu.Unlock()

	out := make([]ProcessInfo, 0, len(manifests))
	for id, man := range manifests {
		info := ProcessInfo{
			ID:       id,
			Version:  man.Version,
			Dir:      man.Dir,
			Language: man.Language(),
			Steps:    man.StepIDs(),
			State:    StateNotStarted,
		}
		if info.Language == "" {
			info.Language = m.runtimes.Detect(man.Dir)
		}
		if p, ok := procs[id]; ok {
			info.State = p.State()
			info.PID = p.PID()
			info.Spawns = p.Spawns()
			info.InFlight = p.InFlight()
			info.LastUsed = p.LastUsed()
			info.Cooldown = p.CooldownRemaining()
			if len(info.Steps) == 0 {
				info.Steps = p.Steps()
			}
			if err := p.LastError(); err != nil {
				info.LastError = protocol.Redact(err.Error())
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the idle loop and shuts down every process.
func (m *Manager) Close(ctx context.Context) error {
	m.loopMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.loopMu.Unlock()

	m.mu.Lock()
	m.closed = true
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.processes = make(map[string]*Process)
	checker := m.health
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			if checker != nil {
				checker.Unregister(p.ID())
			}
			return p.Shutdown(ctx, "manager closed", 0)
		})
	}
	err := g.Wait()
	m.wg.Wait()
	return err
}

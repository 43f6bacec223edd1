package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// StoreBackend selects where checkpoints are persisted.
type StoreBackend string

const (
	StoreBackendNone  StoreBackend = "none"
	StoreBackendFile  StoreBackend = "file"
	StoreBackendRedis StoreBackend = "redis"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	WorkflowDir   string `toml:"workflow_dir"`
	PluginDir     string `toml:"plugin_dir"`
	CheckpointDir string `toml:"checkpoint_dir"`
	LogsDir       string `toml:"logs_dir"`
}

// EngineConfig holds workflow engine settings.
type EngineConfig struct {
	// MaxSteps bounds the number of executed steps in one run. Goto loops
	// that never terminate fail once this is reached.
	MaxSteps int `toml:"max_steps"`

	// DefaultStepTimeout applies to steps that set no timeout. Zero disables it.
	DefaultStepTimeout time.Duration `toml:"default_step_timeout"`
	RollbackTimeout    time.Duration `toml:"rollback_timeout"`

	// ParallelLimit caps concurrently running members of one parallel batch.
	// Zero means unlimited.
	ParallelLimit int `toml:"parallel_limit"`
}

// PluginsConfig holds plugin supervisor settings.
type PluginsConfig struct {
	Dirs                 []string        `toml:"dirs"`
	MaxProcesses         int             `toml:"max_processes"`
	IdleTimeout          time.Duration   `toml:"idle_timeout"`
	IdleCheckInterval    time.Duration   `toml:"idle_check_interval"`
	HandshakeTimeout     time.Duration   `toml:"handshake_timeout"`
	DefaultInvokeTimeout time.Duration   `toml:"default_invoke_timeout"`
	MaxRestarts          int             `toml:"max_restarts"`
	RestartWindow        time.Duration   `toml:"restart_window"`
	UnhealthyCooldown    time.Duration   `toml:"unhealthy_cooldown"`
	RestartBackoff       []time.Duration `toml:"restart_backoff"`
	ShutdownGrace        time.Duration   `toml:"shutdown_grace"`
}

// HealthConfig holds health checker settings.
type HealthConfig struct {
	Interval         time.Duration `toml:"interval"`
	Timeout          time.Duration `toml:"timeout"`
	FailureThreshold int           `toml:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold"`
}

// StoreConfig holds checkpoint store settings.
type StoreConfig struct {
	Backend       StoreBackend  `toml:"backend"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisDB       int           `toml:"redis_db"`
	RedisPassword string        `toml:"redis_password"`
	KeyPrefix     string        `toml:"key_prefix"`
	TTL           time.Duration `toml:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
	// PerRun sends each run's engine log lines to <logs_dir>/<run_id>.log.
	PerRun bool `toml:"per_run"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// RuntimeConfig adds or overrides a language runtime.
// Args may contain "{entry}", replaced by the resolved entry point.
type RuntimeConfig struct {
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`
	Markers    []string `toml:"markers"`
}

// Config is the main configuration struct for flyto.
type Config struct {
	Version  string                   `toml:"version"`
	Paths    PathsConfig              `toml:"paths"`
	Engine   EngineConfig             `toml:"engine"`
	Plugins  PluginsConfig            `toml:"plugins"`
	Health   HealthConfig             `toml:"health"`
	Store    StoreConfig              `toml:"store"`
	Logging  LoggingConfig            `toml:"logging"`
	Tracing  TracingConfig            `toml:"tracing"`
	Runtimes map[string]RuntimeConfig `toml:"runtimes"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowDir:   ".flyto/workflows",
			PluginDir:     ".flyto/plugins",
			CheckpointDir: ".flyto/checkpoints",
			LogsDir:       ".flyto/logs",
		},
		Engine: EngineConfig{
			MaxSteps:           10000,
			DefaultStepTimeout: 0,
			RollbackTimeout:    30 * time.Second,
			ParallelLimit:      0,
		},
		Plugins: PluginsConfig{
			MaxProcesses:         16,
			IdleTimeout:          5 * time.Minute,
			IdleCheckInterval:    30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			DefaultInvokeTimeout: 60 * time.Second,
			MaxRestarts:          3,
			RestartWindow:        5 * time.Minute,
			UnhealthyCooldown:    60 * time.Second,
			RestartBackoff:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
			ShutdownGrace:        5 * time.Second,
		},
		Health: HealthConfig{
			Interval:         30 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 1,
		},
		Store: StoreConfig{
			Backend:   StoreBackendNone,
			RedisAddr: "localhost:6379",
			KeyPrefix: "flyto:checkpoint:",
			TTL:       24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   "",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "flyto",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.flyto/config.toml -> .flyto/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".flyto", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".flyto", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return ferrors.ConfigMissingField("version")
	}
	if c.Paths.WorkflowDir == "" {
		return ferrors.ConfigMissingField("paths.workflow_dir")
	}
	if c.Engine.MaxSteps <= 0 {
		return ferrors.ConfigInvalidValue("engine.max_steps", c.Engine.MaxSteps, "must be positive")
	}
	if c.Engine.ParallelLimit < 0 {
		return ferrors.ConfigInvalidValue("engine.parallel_limit", c.Engine.ParallelLimit, "must not be negative")
	}
	if c.Plugins.MaxProcesses <= 0 {
		return ferrors.ConfigInvalidValue("plugins.max_processes", c.Plugins.MaxProcesses, "must be positive")
	}
	if c.Plugins.HandshakeTimeout <= 0 {
		return ferrors.ConfigInvalidValue("plugins.handshake_timeout", c.Plugins.HandshakeTimeout.String(), "must be positive")
	}
	if c.Plugins.DefaultInvokeTimeout <= 0 {
		return ferrors.ConfigInvalidValue("plugins.default_invoke_timeout", c.Plugins.DefaultInvokeTimeout.String(), "must be positive")
	}
	if c.Plugins.MaxRestarts < 0 {
		return ferrors.ConfigInvalidValue("plugins.max_restarts", c.Plugins.MaxRestarts, "must not be negative")
	}
	if len(c.Plugins.RestartBackoff) == 0 {
		return ferrors.ConfigMissingField("plugins.restart_backoff")
	}
	if c.Health.FailureThreshold <= 0 {
		return ferrors.ConfigInvalidValue("health.failure_threshold", c.Health.FailureThreshold, "must be positive")
	}
	if c.Health.SuccessThreshold <= 0 {
		return ferrors.ConfigInvalidValue("health.success_threshold", c.Health.SuccessThreshold, "must be positive")
	}
	switch c.Store.Backend {
	case StoreBackendNone, StoreBackendFile:
	case StoreBackendRedis:
		if c.Store.RedisAddr == "" {
			return ferrors.ConfigMissingField("store.redis_addr")
		}
	default:
		return ferrors.ConfigInvalidValue("store.backend", c.Store.Backend, "expected none, file or redis")
	}
	for lang, rt := range c.Runtimes {
		if rt.Executable == "" {
			return ferrors.ConfigMissingField(fmt.Sprintf("runtimes.%s.executable", lang))
		}
	}
	return nil
}

// WorkflowDir returns the absolute workflow directory path.
func (c *Config) WorkflowDir(baseDir string) string {
	return resolve(baseDir, c.Paths.WorkflowDir)
}

// PluginDirs returns every plugin directory to scan, absolute.
// The paths.plugin_dir entry comes first, followed by plugins.dirs.
func (c *Config) PluginDirs(baseDir string) []string {
	var dirs []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" {
			return
		}
		abs := resolve(baseDir, p)
		if !seen[abs] {
			seen[abs] = true
			dirs = append(dirs, abs)
		}
	}
	add(c.Paths.PluginDir)
	for _, d := range c.Plugins.Dirs {
		add(d)
	}
	return dirs
}

// CheckpointDir returns the absolute checkpoint directory path.
func (c *Config) CheckpointDir(baseDir string) string {
	return resolve(baseDir, c.Paths.CheckpointDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

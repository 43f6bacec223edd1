// Package logging builds the slog loggers used across flyto.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flytohub/flyto-core-sub001/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
// The returned closer is non-nil when a log file was opened.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	logPath := cfg.LogFile(baseDir)
	if logPath == "" {
		return slog.New(newHandler(cfg.Logging.Format, os.Stderr, level)), nil, nil
	}

	file, err := openLogFile(logPath)
	if err != nil {
		return nil, nil, err
	}
	multi := io.MultiWriter(os.Stderr, file)
	return slog.New(newHandler(cfg.Logging.Format, multi, level)), file, nil
}

// NewForRun creates a logger that writes to <logs_dir>/<runID>.log only.
// Callers add the run_id attribute themselves.
func NewForRun(cfg *config.Config, baseDir, runID string) (*slog.Logger, io.Closer, error) {
	logPath := filepath.Join(cfg.LogsDir(baseDir), runID+".log")
	file, err := openLogFile(logPath)
	if err != nil {
		return nil, nil, err
	}
	handler := newHandler(cfg.Logging.Format, file, parseLevel(cfg.Logging.Level))
	return slog.New(handler), file, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case config.LogFormatText:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// Component returns a logger tagged with the owning component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NewForTest()
	}
	return logger.With("component", name)
}

// WithWorkflow returns a logger with workflow context.
func WithWorkflow(logger *slog.Logger, workflowID string) *slog.Logger {
	return logger.With("workflow_id", workflowID)
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStep returns a logger with step context.
func WithStep(logger *slog.Logger, stepID, module string) *slog.Logger {
	return logger.With("step_id", stepID, "module", module)
}

// WithPlugin returns a logger with plugin context.
func WithPlugin(logger *slog.Logger, pluginID string) *slog.Logger {
	return logger.With("plugin_id", pluginID)
}

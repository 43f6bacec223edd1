package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/flytohub/flyto-core-sub001/internal/condition"
	"github.com/flytohub/flyto-core-sub001/internal/config"
	"github.com/flytohub/flyto-core-sub001/internal/engine"
	"github.com/flytohub/flyto-core-sub001/internal/health"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/modules"
	"github.com/flytohub/flyto-core-sub001/internal/plugin"
	"github.com/flytohub/flyto-core-sub001/internal/runtime"
	"github.com/flytohub/flyto-core-sub001/internal/store"
	"github.com/flytohub/flyto-core-sub001/internal/tracing"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// app holds everything one command invocation wires together.
type app struct {
	dir      string
	cfg      *config.Config
	logger   *slog.Logger
	plugins  *plugin.Manager
	runtimes *runtime.Registry
	health   *health.Checker
	store    store.CheckpointStore
	loader   *workflow.Loader

	conditions *condition.Evaluator
	resolver   *modules.Resolver

	closers []io.Closer
}

// newApp loads config and logging and builds the plugin manager and the
// module resolver. Nothing is spawned.
func newApp() (*app, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	tracing.Configure(cfg.Tracing)

	a := &app{
		dir:        dir,
		cfg:        cfg,
		logger:     logger,
		loader:     workflow.NewLoader(cfg.WorkflowDir(dir)),
		conditions: condition.NewEvaluator(),
		runtimes:   runtime.NewRegistryFromConfig(cfg),
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.plugins = plugin.NewManager(
		cfg.PluginDirs(dir),
		a.runtimes,
		plugin.ManagerOptionsFromConfig(cfg.Plugins),
		logger,
	)
	a.health = health.NewChecker(health.OptionsFromConfig(cfg.Health), logger)
	a.plugins.AttachHealth(a.health)

	a.resolver = modules.NewResolver(modules.NewBuiltinRegistry(a.conditions), a.plugins)
	return a, nil
}

// newEngine opens the checkpoint store and builds the engine.
func (a *app) newEngine(ctx context.Context) (*engine.Engine, error) {
	st, err := store.New(ctx, a.cfg, a.dir)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	a.store = st
	if c, ok := st.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithMaxSteps(a.cfg.Engine.MaxSteps),
		engine.WithDefaultStepTimeout(a.cfg.Engine.DefaultStepTimeout),
		engine.WithParallelLimit(a.cfg.Engine.ParallelLimit),
		engine.WithRollbackTimeout(a.cfg.Engine.RollbackTimeout),
	}
	if st != nil {
		opts = append(opts, engine.WithStore(st))
	}
	return engine.New(a.resolver, a.conditions, opts...), nil
}

// runLogger opens the per-run log file. Failures fall back to the main
// logger.
func (a *app) runLogger(runID string) *slog.Logger {
	logger, closer, err := logging.NewForRun(a.cfg, a.dir, runID)
	if err != nil {
		a.logger.Warn("opening run log", "run_id", runID, "error", err)
		return nil
	}
	a.closers = append(a.closers, closer)
	return logger
}

// start runs the background loops that only matter for long runs.
func (a *app) start(ctx context.Context) {
	a.plugins.Start(ctx)
	a.health.Start(ctx)
}

// Close stops plugins and background loops and closes files.
func (a *app) Close(ctx context.Context) error {
	a.health.Stop()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Plugins.ShutdownGrace*3)
	defer cancel()
	errs := []error{a.plugins.Close(ctx)}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

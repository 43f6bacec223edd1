// Package engine runs workflows: a cursor over the step list, parallel
// batches, control signals, checkpoints and failure handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/flytohub/flyto-core-sub001/internal/condition"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/modules"
	"github.com/flytohub/flyto-core-sub001/internal/store"
	"github.com/flytohub/flyto-core-sub001/internal/tracing"
	"github.com/flytohub/flyto-core-sub001/internal/types"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

const (
	// DefaultMaxSteps bounds executed steps per run.
	DefaultMaxSteps = 10000

	// DefaultRollbackTimeout bounds the whole rollback phase.
	DefaultRollbackTimeout = 30 * time.Second

	notifyStepID = "notify"
	errorKey     = "error"
)

// Result is the outcome of a completed run.
type Result struct {
	RunID      string
	WorkflowID string
	Status     types.RunStatus
	Output     any
	Context    map[string]any
	StepsRun   int
	Duration   time.Duration
}

// Engine executes workflows. It is safe for concurrent use; each Execute
// call owns its own run state.
type Engine struct {
	resolver   *modules.Resolver
	conditions *condition.Evaluator
	executor   *StepExecutor

	store  store.CheckpointStore
	hooks  Hooks
	logger *slog.Logger
	ids    generator.Generator

	maxSteps        int
	parallelLimit   int
	rollbackTimeout time.Duration
	stepTimeout     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore enables checkpointing.
func WithStore(s store.CheckpointStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithHooks installs step hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithIDGenerator replaces the snowflake run id generator.
func WithIDGenerator(g generator.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithDefaultStepTimeout applies d to steps without their own timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithParallelLimit caps concurrently running members of one batch.
// Zero means unlimited.
func WithParallelLimit(n int) Option {
	return func(e *Engine) { e.parallelLimit = n }
}

// WithRollbackTimeout bounds the rollback phase.
func WithRollbackTimeout(d time.Duration) Option {
	return func(e *Engine) { e.rollbackTimeout = d }
}

// New creates an Engine resolving modules through resolver.
func New(resolver *modules.Resolver, conditions *condition.Evaluator, opts ...Option) *Engine {
	if conditions == nil {
		conditions = condition.NewEvaluator()
	}
	e := &Engine{
		resolver:        resolver,
		conditions:      conditions,
		hooks:           NoopHooks{},
		maxSteps:        DefaultMaxSteps,
		rollbackTimeout: DefaultRollbackTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		e.ids = generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	}
	e.logger = logging.Component(e.logger, "engine")
	e.executor = NewStepExecutor(resolver, conditions, e.hooks, e.logger)
	e.executor.SetDefaultTimeout(e.stepTimeout)
	return e
}

type executeConfig struct {
	resumeID string
	runID    string
	initial  map[string]any
	runLog   func(runID string) *slog.Logger
}

// ExecuteOption configures a single run.
type ExecuteOption func(*executeConfig)

// WithResume continues the run saved under runID.
func WithResume(runID string) ExecuteOption {
	return func(c *executeConfig) { c.resumeID = runID }
}

// WithRunID uses id instead of a generated run id.
func WithRunID(id string) ExecuteOption {
	return func(c *executeConfig) { c.runID = id }
}

// WithRunLog sends the run's own log lines to the logger open returns for
// the run id. Step and plugin logs stay on the engine logger. A nil
// logger from open keeps the engine logger.
func WithRunLog(open func(runID string) *slog.Logger) ExecuteOption {
	return func(c *executeConfig) { c.runLog = open }
}

// WithInitialContext seeds the run context.
func WithInitialContext(values map[string]any) ExecuteOption {
	return func(c *executeConfig) { c.initial = values }
}

// runState is the mutable state of one Execute call.
type runState struct {
	wf       *types.Workflow
	run      *Run
	index    map[string]int
	cursor   int
	stepsRun int
	status   types.RunStatus
	logger   *slog.Logger
}

func (s *runState) transition(to types.RunStatus) {
	if !s.status.CanTransitionTo(to) {
		s.logger.Warn("invalid status transition", "from", s.status, "to", to)
		return
	}
	s.status = to
}

// Execute runs wf to completion. Parameter and definition errors are
// returned as-is before the run starts; any later failure is returned as
// a WorkflowExecutionError after rollback and notify.
func (e *Engine) Execute(ctx context.Context, wf *types.Workflow, params map[string]any, opts ...ExecuteOption) (result *Result, err error) {
	var cfg executeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := workflow.Validate(wf, e.resolver.Known); err != nil {
		return nil, err
	}
	index, err := wf.StepIndex()
	if err != nil {
		return nil, ferrors.WorkflowInvalid(wf.ID, err.Error())
	}

	state, err := e.prepare(ctx, wf, params, cfg)
	if err != nil {
		return nil, err
	}
	state.index = index

	ctx, span := tracing.Start(ctx, tracing.Engine(), tracing.SpanWorkflowExecute,
		attribute.String(tracing.AttrWorkflowID, wf.ID),
		attribute.String(tracing.AttrRunID, state.run.RunID),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	state.transition(types.RunStatusRunning)
	state.logger.Info("workflow started", "steps", len(wf.Steps), "resume_at", state.cursor)

	if runErr := e.loop(ctx, state); runErr != nil {
		state.transition(types.RunStatusFailure)
		e.checkpoint(ctx, state)
		state.logger.Error("workflow failed", "error", runErr, "step_id", ferrors.FailedStepID(runErr))
		e.handleFailure(ctx, state, runErr)
		return nil, ferrors.NewWorkflowExecution(wf.ID, state.run.RunID, runErr)
	}

	state.transition(types.RunStatusCompleted)
	e.checkpoint(ctx, state)

	snapshot := state.run.Context.Snapshot()
	output := any(snapshot)
	if wf.Output != nil {
		output = state.run.Scope().Resolve(wf.Output)
	}
	elapsed := time.Since(start)
	state.logger.Info("workflow completed", "steps_run", state.stepsRun, "elapsed", elapsed)

	return &Result{
		RunID:      state.run.RunID,
		WorkflowID: wf.ID,
		Status:     state.status,
		Output:     output,
		Context:    snapshot,
		StepsRun:   state.stepsRun,
		Duration:   elapsed,
	}, nil
}

// prepare builds run state, either fresh or from a checkpoint.
func (e *Engine) prepare(ctx context.Context, wf *types.Workflow, params map[string]any, cfg executeConfig) (*runState, error) {
	state := &runState{wf: wf, status: types.RunStatusPending}

	if cfg.resumeID != "" {
		if e.store == nil {
			return nil, fmt.Errorf("resume %s: no checkpoint store configured", cfg.resumeID)
		}
		cp, err := e.store.Load(ctx, cfg.resumeID)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", cfg.resumeID, err)
		}
		if cp.WorkflowID != wf.ID {
			return nil, fmt.Errorf("resume %s: checkpoint belongs to workflow %s, not %s", cfg.resumeID, cp.WorkflowID, wf.ID)
		}
		if cp.Status == types.RunStatusCompleted {
			return nil, fmt.Errorf("resume %s: run already completed", cfg.resumeID)
		}
		if cp.NextIndex < 0 || cp.NextIndex > len(wf.Steps) {
			return nil, fmt.Errorf("resume %s: checkpoint cursor %d out of range", cfg.resumeID, cp.NextIndex)
		}
		state.run = &Run{
			WorkflowID: wf.ID,
			RunID:      cp.RunID,
			Params:     cp.Params,
			Context:    NewRunContext(cp.Context),
		}
		state.cursor = cp.NextIndex
		state.stepsRun = cp.StepsRun
	} else {
		resolved, err := workflow.ApplyParams(wf, params)
		if err != nil {
			return nil, err
		}
		runID := cfg.runID
		if runID == "" {
			id, err := e.ids.NextID()
			if err != nil {
				return nil, fmt.Errorf("generating run id: %w", err)
			}
			runID = strconv.FormatUint(id, 10)
		}
		state.run = &Run{
			WorkflowID: wf.ID,
			RunID:      runID,
			Params:     resolved,
			Context:    NewRunContext(cfg.initial),
		}
	}

	base := e.logger
	if cfg.runLog != nil {
		if l := cfg.runLog(state.run.RunID); l != nil {
			base = logging.Component(l, "engine")
		}
	}
	state.logger = logging.WithRun(logging.WithWorkflow(base, wf.ID), state.run.RunID)
	return state, nil
}

// loop advances the cursor until the step list is exhausted or a unit fails.
func (e *Engine) loop(ctx context.Context, s *runState) error {
	steps := s.wf.Steps
	for s.cursor < len(steps) {
		if err := ctx.Err(); err != nil {
			return err
		}

		start, end := workflow.Batch(steps, s.cursor)
		if s.stepsRun+(end-start) > e.maxSteps {
			return ferrors.WorkflowStepBudget(s.wf.ID, e.maxSteps)
		}

		if steps[start].Parallel {
			if err := e.runBatch(ctx, s, start, end); err != nil {
				return err
			}
			s.stepsRun += end - start
			s.cursor = end
		} else {
			next, err := e.runStep(ctx, s, start)
			if err != nil {
				return err
			}
			s.stepsRun++
			s.cursor = next
		}
		e.checkpoint(ctx, s)
	}
	return nil
}

// runStep executes one sequential step and returns the next cursor.
func (e *Engine) runStep(ctx context.Context, s *runState, i int) (int, error) {
	step := &s.wf.Steps[i]
	should, err := e.executor.ShouldExecute(step, s.run)
	if err != nil {
		return 0, err
	}
	outcome, err := e.executor.ExecuteStep(ctx, step, i, s.run, should)
	if err != nil {
		return 0, err
	}
	if outcome.Skipped {
		return i + 1, nil
	}

	data, signals := outcome.Data, outcome.Signals
	if modules.IsFlowControl(step.Module) {
		var legacy []types.ControlSignal
		data, legacy = modules.TranslateLegacy(step.Module, data)
		signals = append(signals, legacy...)
	}
	writeOutput(s.run.Context, step, data)
	return e.applySignals(s, step, i, signals)
}

// applySignals merges SetContext values, moves the cursor for Goto and
// fails on Abort. The last Goto wins.
func (e *Engine) applySignals(s *runState, step *types.Step, i int, signals []types.ControlSignal) (int, error) {
	next := i + 1
	for _, sig := range signals {
		switch sig := sig.(type) {
		case types.SetContext:
			s.run.Context.Merge(sig.Values)
		case types.Goto:
			target, ok := s.index[sig.StepID]
			if !ok {
				s.logger.Warn("goto target not found, continuing", "step_id", step.ID, "target", sig.StepID)
				continue
			}
			s.logger.Debug("goto", "step_id", step.ID, "target", sig.StepID)
			next = target
		case types.Abort:
			return 0, ferrors.NewStepAborted(step.ID, sig.Reason)
		case types.Continue:
		}
	}
	return next, nil
}

func writeOutput(rc *RunContext, step *types.Step, data any) {
	rc.Set(step.ID, data)
	if step.Output != "" && step.Output != step.ID {
		rc.Set(step.Output, data)
	}
}

// runBatch runs steps[start:end] concurrently. The first failure returns
// immediately; members still running are left to finish and their results
// are discarded. On success outputs are written in step order.
func (e *Engine) runBatch(ctx context.Context, s *runState, start, end int) error {
	steps := s.wf.Steps[start:end]
	outcomes := make([]*StepOutcome, len(steps))
	firstErr := make(chan error, 1)
	done := make(chan struct{})
	var stop atomic.Bool

	s.logger.Debug("parallel batch started", "from", steps[0].ID, "size", len(steps))

	go func() {
		defer close(done)
		var g errgroup.Group
		if e.parallelLimit > 0 {
			g.SetLimit(e.parallelLimit)
		}
		for i := range steps {
			if stop.Load() {
				break
			}
			step := &steps[i]
			idx := start + i
			g.Go(func() error {
				if stop.Load() {
					return nil
				}
				outcome, err := e.runMember(ctx, s, step, idx)
				if err != nil {
					stop.Store(true)
					select {
					case firstErr <- err:
					default:
					}
					return err
				}
				outcomes[i] = outcome
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case err := <-firstErr:
		return err
	case <-done:
	}
	select {
	case err := <-firstErr:
		return err
	default:
	}

	for i, outcome := range outcomes {
		if outcome == nil || outcome.Skipped {
			continue
		}
		if len(outcome.Signals) > 0 {
			s.logger.Debug("ignoring control signals from parallel step", "step_id", steps[i].ID, "signals", len(outcome.Signals))
		}
		writeOutput(s.run.Context, &steps[i], outcome.Data)
	}
	return nil
}

// runMember executes one batch member. Failures are reported as a
// StepExecutionError naming the member.
func (e *Engine) runMember(ctx context.Context, s *runState, step *types.Step, i int) (*StepOutcome, error) {
	should, err := e.executor.ShouldExecute(step, s.run)
	if err == nil {
		var outcome *StepOutcome
		outcome, err = e.executor.ExecuteStep(ctx, step, i, s.run, should)
		if err == nil {
			return outcome, nil
		}
	}
	var exec *ferrors.StepExecutionError
	if errors.As(err, &exec) && exec.StepID == step.ID {
		return nil, err
	}
	return nil, ferrors.NewStepExecution(step.ID, err)
}

// checkpoint saves the cursor. Store failures are logged, never fatal.
func (e *Engine) checkpoint(ctx context.Context, s *runState) {
	if e.store == nil {
		return
	}
	cp := &types.Checkpoint{
		RunID:      s.run.RunID,
		WorkflowID: s.wf.ID,
		NextIndex:  s.cursor,
		StepsRun:   s.stepsRun,
		Status:     s.status,
		Params:     s.run.Params,
		Context:    s.run.Context.Snapshot(),
		UpdatedAt:  time.Now(),
	}
	if err := e.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		s.logger.Warn("checkpoint save failed", "error", err, "next_index", s.cursor)
	}
}

// handleFailure runs rollback steps and the notify module. Nothing here
// changes the returned error.
func (e *Engine) handleFailure(ctx context.Context, s *runState, cause error) {
	s.run.Context.Set(errorKey, map[string]any{
		"message":     cause.Error(),
		"type":        ferrors.Describe(cause),
		"code":        ferrors.Code(cause),
		"step_id":     ferrors.FailedStepID(cause),
		"workflow_id": s.wf.ID,
		"run_id":      s.run.RunID,
	})

	policy := s.wf.OnError
	if policy == nil {
		return
	}

	rctx := context.WithoutCancel(ctx)
	if e.rollbackTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, e.rollbackTimeout)
		defer cancel()
	}

	if len(policy.RollbackSteps) > 0 {
		e.rollback(rctx, s, policy.RollbackSteps)
	}
	if policy.Notify != nil {
		e.notify(rctx, s, policy.Notify)
	}
}

func (e *Engine) rollback(ctx context.Context, s *runState, steps []types.Step) {
	ctx, span := tracing.Start(ctx, tracing.Engine(), tracing.SpanRollback,
		attribute.String(tracing.AttrWorkflowID, s.wf.ID),
		attribute.String(tracing.AttrRunID, s.run.RunID),
	)
	var failures int
	for i := range steps {
		step := &steps[i]
		should, err := e.executor.ShouldExecute(step, s.run)
		if err == nil {
			var outcome *StepOutcome
			outcome, err = e.executor.ExecuteStep(ctx, step, i, s.run, should)
			if err == nil && !outcome.Skipped {
				writeOutput(s.run.Context, step, outcome.Data)
			}
		}
		if err != nil {
			failures++
			s.logger.Error("rollback step failed", "step_id", step.ID, "error", err)
		}
	}
	var spanErr error
	if failures > 0 {
		spanErr = fmt.Errorf("%d rollback steps failed", failures)
	}
	tracing.End(span, spanErr)
	s.logger.Info("rollback finished", "steps", len(steps), "failed", failures)
}

func (e *Engine) notify(ctx context.Context, s *runState, spec *types.NotifySpec) {
	step := &types.Step{ID: notifyStepID, Module: spec.Module, Params: spec.Params}
	if _, err := e.executor.ExecuteStep(ctx, step, -1, s.run, true); err != nil {
		s.logger.Error("notify failed", "module", spec.Module, "error", err)
		return
	}
	s.logger.Info("failure notification sent", "module", spec.Module)
}

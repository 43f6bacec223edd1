package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flytohub/flyto-core-sub001/internal/condition"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/modules"
	"github.com/flytohub/flyto-core-sub001/internal/tracing"
	"github.com/flytohub/flyto-core-sub001/internal/types"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// Run is the per-run state a step executes against.
type Run struct {
	WorkflowID string
	RunID      string
	Params     map[string]any
	Context    *RunContext

	// LookupEnv backs ${env.X}; nil uses the process environment.
	LookupEnv func(string) (string, bool)
}

// Scope returns a resolution scope over a snapshot of the run context.
func (r *Run) Scope() *workflow.Scope {
	return &workflow.Scope{
		Params:    r.Params,
		Context:   r.Context.Snapshot(),
		LookupEnv: r.LookupEnv,
	}
}

// StepOutcome is the result of ExecuteStep.
type StepOutcome struct {
	StepID  string
	Skipped bool

	Data    any
	Signals []types.ControlSignal

	// Failed is set when on_error=continue turned a failure into data.
	Failed   bool
	Attempts int
	Elapsed  time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StepExecutor runs one step: skip and hook decisions, foreach, timeout,
// retry with backoff, and the step's error policy. Only StepTimeoutError
// and StepExecutionError escape ExecuteStep.
type StepExecutor struct {
	resolver       *modules.Resolver
	conditions     *condition.Evaluator
	hooks          Hooks
	logger         *slog.Logger
	defaultTimeout time.Duration
	sleep          SleepFunc

	mu       sync.Mutex
	handlers map[string]modules.StepHandler
}

// NewStepExecutor creates an executor. hooks and logger may be nil.
func NewStepExecutor(resolver *modules.Resolver, conditions *condition.Evaluator, hooks Hooks, logger *slog.Logger) *StepExecutor {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	if conditions == nil {
		conditions = condition.NewEvaluator()
	}
	return &StepExecutor{
		resolver:   resolver,
		conditions: conditions,
		hooks:      hooks,
		logger:     logging.Component(logger, "executor"),
		sleep:      sleepContext,
		handlers:   make(map[string]modules.StepHandler),
	}
}

// SetDefaultTimeout applies d to steps that declare no timeout.
func (x *StepExecutor) SetDefaultTimeout(d time.Duration) { x.defaultTimeout = d }

// SetSleep replaces the retry sleeper.
func (x *StepExecutor) SetSleep(fn SleepFunc) { x.sleep = fn }

// handler resolves a module once per executor.
func (x *StepExecutor) handler(moduleID string) (modules.StepHandler, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if h, ok := x.handlers[moduleID]; ok {
		return h, nil
	}
	h, err := x.resolver.Resolve(moduleID)
	if err != nil {
		return modules.StepHandler{}, err
	}
	x.handlers[moduleID] = h
	return h, nil
}

// ShouldExecute evaluates the step's when clause. An empty clause is true.
func (x *StepExecutor) ShouldExecute(step *types.Step, run *Run) (bool, error) {
	if step.When == "" {
		return true, nil
	}
	ok, err := x.conditions.Evaluate(step.When, run.Scope())
	if err != nil {
		return false, ferrors.NewStepExecution(step.ID, err)
	}
	return ok, nil
}

// ExecuteStep runs step at index in run.
func (x *StepExecutor) ExecuteStep(ctx context.Context, step *types.Step, index int, run *Run, shouldExecute bool) (outcome *StepOutcome, err error) {
	logger := logging.WithStep(x.logger, step.ID, step.Module).With("run_id", run.RunID)
	ev := StepEvent{
		WorkflowID: run.WorkflowID,
		RunID:      run.RunID,
		StepID:     step.ID,
		Module:     step.Module,
		Index:      index,
	}

	if !shouldExecute {
		logger.Debug("step skipped by condition", "when", step.When)
		return &StepOutcome{StepID: step.ID, Skipped: true}, nil
	}

	switch pre := x.hooks.PreExecute(ctx, ev); pre.Decision {
	case DecisionSkip:
		return &StepOutcome{StepID: step.ID, Skipped: true}, nil
	case DecisionAbort:
		err := ferrors.NewStepAborted(step.ID, pre.Reason)
		x.finish(ctx, logger, ev, nil, err, 0, 0)
		return nil, err
	}

	ctx, span := tracing.Start(ctx, tracing.Engine(), tracing.SpanStepExecute,
		attribute.String(tracing.AttrWorkflowID, run.WorkflowID),
		attribute.String(tracing.AttrRunID, run.RunID),
		attribute.String(tracing.AttrStepID, step.ID),
		attribute.String(tracing.AttrModule, step.Module),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	var (
		res      *types.StepResult
		attempts int
	)
	if step.HasForeach() {
		res, attempts, err = x.executeForeach(ctx, step, run, logger)
	} else {
		res, attempts, err = x.executeWithRetry(ctx, step, run, logger)
	}
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int(tracing.AttrAttempts, attempts))

	if err != nil {
		err = ferrors.AsStepError(step.ID, err)
		if step.ContinueOnError() {
			logger.Warn("step failed, continuing", "error", err, "attempts", attempts)
			data := map[string]any{"ok": false, "error": err.Error()}
			x.finish(ctx, logger, ev, data, err, attempts, elapsed)
			return &StepOutcome{StepID: step.ID, Data: data, Failed: true, Attempts: attempts, Elapsed: elapsed}, nil
		}
		x.finish(ctx, logger, ev, nil, err, attempts, elapsed)
		return nil, err
	}

	x.finish(ctx, logger, ev, res.Data, nil, attempts, elapsed)
	return &StepOutcome{
		StepID:   step.ID,
		Data:     res.Data,
		Signals:  res.Signals,
		Attempts: attempts,
		Elapsed:  elapsed,
	}, nil
}

// finish runs the post-execute hook, plus OnError for failures.
func (x *StepExecutor) finish(ctx context.Context, logger *slog.Logger, ev StepEvent, data any, err error, attempts int, elapsed time.Duration) {
	ev.Elapsed = elapsed
	ev.Result = data
	if attempts > 0 {
		ev.Attempt = attempts - 1
	}
	if err != nil {
		ev.Err = err
		ev.ErrorType = ferrors.Describe(err)
		ev.ErrorMessage = err.Error()
		x.hooks.OnError(ctx, ev)
	} else {
		logger.Debug("step completed", "elapsed", elapsed, "attempts", attempts)
	}
	x.hooks.PostExecute(ctx, ev)
}

// executeForeach runs the step once per item. The item and its index are
// visible as context[as] and context[as+"_index"] and removed afterwards.
func (x *StepExecutor) executeForeach(ctx context.Context, step *types.Step, run *Run, logger *slog.Logger) (*types.StepResult, int, error) {
	items, err := x.foreachItems(step, run)
	if err != nil {
		return nil, 0, ferrors.NewStepExecution(step.ID, err)
	}

	itemVar, indexVar := step.ItemVar(), step.IndexVar()
	defer run.Context.Delete(itemVar, indexVar)

	results := make([]any, 0, len(items))
	total := 0
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, total, err
		}
		run.Context.Set(itemVar, item)
		run.Context.Set(indexVar, i)

		res, attempts, err := x.executeWithRetry(ctx, step, run, logger.With("index", i))
		total += attempts
		if err != nil {
			if step.ContinueOnError() {
				logger.Warn("foreach item failed, continuing", "index", i, "error", err)
				results = append(results, map[string]any{"ok": false, "error": err.Error(), "index": i})
				continue
			}
			return nil, total, err
		}
		results = append(results, res.Data)
	}
	return types.Data(results), total, nil
}

func (x *StepExecutor) foreachItems(step *types.Step, run *Run) ([]any, error) {
	var raw any
	switch fe := step.Foreach.(type) {
	case string:
		path, ok := workflow.SingleReference(fe)
		if !ok {
			return nil, fmt.Errorf("foreach must be a list or a single variable reference")
		}
		val, found := run.Scope().Lookup(path)
		if !found {
			return nil, fmt.Errorf("foreach reference %q is not defined", path)
		}
		raw = val
	default:
		raw = run.Scope().Resolve(fe)
	}

	if list, ok := raw.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(raw)
	if raw == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("foreach value must be a list, got %T", raw)
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, nil
}

// executeWithRetry runs attempts until one succeeds, the retry budget is
// spent, the OnRetry hook aborts, or ctx is done.
func (x *StepExecutor) executeWithRetry(ctx context.Context, step *types.Step, run *Run, logger *slog.Logger) (*types.StepResult, int, error) {
	handler, err := x.handler(step.Module)
	if err != nil {
		return nil, 0, ferrors.NewStepExecution(step.ID, err)
	}

	maxAttempts := step.Retry.Attempts()
	var lastErr error
	tries := 0
	for tries < maxAttempts {
		res, err := x.attempt(ctx, step, handler, run)
		tries++
		if err == nil {
			return res, tries, nil
		}
		lastErr = err

		// Cancellation is not retried.
		if ctx.Err() != nil || tries == maxAttempts {
			break
		}

		decision := x.hooks.OnRetry(ctx, StepEvent{
			WorkflowID:   run.WorkflowID,
			RunID:        run.RunID,
			StepID:       step.ID,
			Module:       step.Module,
			Attempt:      tries - 1,
			Err:          err,
			ErrorType:    ferrors.Describe(err),
			ErrorMessage: err.Error(),
		})
		if decision.Decision == DecisionAbort {
			logger.Warn("retry aborted by hook", "attempt", tries, "reason", decision.Reason)
			break
		}

		delay := step.Retry.Delay(tries - 1)
		logger.Warn("step attempt failed, retrying",
			"attempt", tries,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := x.sleep(ctx, delay); err != nil {
			break
		}
	}

	if maxAttempts == 1 {
		return nil, tries, ferrors.AsStepError(step.ID, lastErr)
	}
	return nil, tries, ferrors.NewStepRetriesExhausted(step.ID, tries, lastErr)
}

type attemptResult struct {
	res *types.StepResult
	err error
}

// attempt runs the handler once under the step timeout.
func (x *StepExecutor) attempt(ctx context.Context, step *types.Step, handler modules.StepHandler, run *Run) (*types.StepResult, error) {
	scope := run.Scope()
	timeout := step.TimeoutDuration()
	if timeout == 0 {
		timeout = x.defaultTimeout
	}

	call := &modules.Call{
		StepID: step.ID,
		Module: step.Module,
		Params: scope.ResolveParams(step.Params),
		Scope:  scope,
		Meta: map[string]any{
			"workflowId": run.WorkflowID,
			"runId":      run.RunID,
			"stepId":     step.ID,
		},
		TimeoutMs: int(timeout.Milliseconds()),
		Logger:    logging.WithStep(x.logger, step.ID, step.Module),
	}
	if step.Config != nil {
		call.Config = scope.ResolveParams(step.Config)
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("module %s panicked: %v", step.Module, r)}
			}
		}()
		res, err := handler.Invoke(attemptCtx, call)
		done <- attemptResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ferrors.NewStepTimeout(step.ID, timeout)
		}
		if r.err == nil && r.res == nil {
			r.res = &types.StepResult{}
		}
		return r.res, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferrors.NewStepTimeout(step.ID, timeout)
	}
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/condition"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
	"github.com/flytohub/flyto-core-sub001/internal/modules"
	"github.com/flytohub/flyto-core-sub001/internal/store"
	"github.com/flytohub/flyto-core-sub001/internal/testutil"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

type fixedIDs struct{ next atomic.Uint64 }

func (g *fixedIDs) NextID() (uint64, error) { return g.next.Add(1), nil }

// newTestEngine builds an engine over the builtin modules plus mods.
func newTestEngine(t *testing.T, mods []modules.Module, opts ...Option) *Engine {
	t.Helper()
	eval := condition.NewEvaluator()
	reg := modules.NewBuiltinRegistry(eval)
	for _, m := range mods {
		if err := reg.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.ID, err)
		}
	}
	opts = append([]Option{WithLogger(logging.NewForTest()), WithIDGenerator(&fixedIDs{})}, opts...)
	return New(modules.NewResolver(reg, nil), eval, opts...)
}

func TestExecute_Power(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "power",
		Steps: []types.Step{
			{ID: "a", Module: "math.power", Params: map[string]any{"base": 2, "exponent": 10}},
			{ID: "p", Module: "math.power", Params: map[string]any{"base": "${a}", "exponent": 1}},
		},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{"a": 1024, "p": 1024}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("Output = %#v, want %#v", res.Output, want)
	}
	if res.Status != types.RunStatusCompleted {
		t.Errorf("Status = %s", res.Status)
	}
	if res.RunID != "1" {
		t.Errorf("RunID = %q, want generator id 1", res.RunID)
	}
	if res.StepsRun != 2 {
		t.Errorf("StepsRun = %d, want 2", res.StepsRun)
	}
}

func TestExecute_SingleStepOutputAlias(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "power",
		Steps: []types.Step{
			{ID: "a", Module: "math.power", Params: map[string]any{"base": 2, "exponent": 10}, Output: "p"},
		},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{"a": 1024, "p": 1024}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("Output = %#v, want %#v", res.Output, want)
	}
	if res.StepsRun != 1 {
		t.Errorf("StepsRun = %d, want 1", res.StepsRun)
	}
}

func TestExecute_OutputTemplateAndAlias(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "out",
		Params: map[string]types.ParamSpec{
			"name": {Type: types.ParamString, Default: "flyto"},
		},
		Steps: []types.Step{
			{ID: "up", Module: "string.uppercase", Params: map[string]any{"text": "${params.name}"}, Output: "shout"},
		},
		Output: map[string]any{"greeting": "hello ${shout}", "raw": "${up}"},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{"greeting": "hello FLYTO", "raw": "FLYTO"}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("Output = %#v, want %#v", res.Output, want)
	}
	if res.Context["shout"] != "FLYTO" {
		t.Errorf("alias not written: %v", res.Context)
	}
}

func TestExecute_WhenSkips(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "when",
		Params: map[string]types.ParamSpec{
			"loud": {Type: types.ParamBoolean, Default: false},
		},
		Steps: []types.Step{
			{ID: "up", Module: "string.uppercase", Params: map[string]any{"text": "x"}, When: "params.loud"},
			{ID: "low", Module: "string.lowercase", Params: map[string]any{"text": "X"}},
		},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Context["up"]; ok {
		t.Error("skipped step wrote output")
	}
	if res.Context["low"] != "x" {
		t.Errorf("low = %v", res.Context["low"])
	}

	res, err = e.Execute(context.Background(), wf, map[string]any{"loud": "true"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["up"] != "X" {
		t.Errorf("up = %v", res.Context["up"])
	}
}

func TestExecute_WhenSeesStepNamedLikeBuiltin(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "shadow",
		Steps: []types.Step{
			{ID: "count", Module: "math.add", Params: map[string]any{"a": 2, "b": 3}},
			{ID: "big", Module: "data.set", Params: map[string]any{"value": "yes"}, When: "count > 4"},
			{ID: "small", Module: "data.set", Params: map[string]any{"value": "no"}, When: "count < 4"},
		},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["big"] != "yes" {
		t.Errorf("big = %v, want yes", res.Context["big"])
	}
	if _, ok := res.Context["small"]; ok {
		t.Error("small should have been skipped")
	}
}

func TestExecute_ParamErrorsReturnedDirectly(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID:     "params",
		Params: map[string]types.ParamSpec{"n": {Type: types.ParamInteger, Required: true}},
		Steps:  []types.Step{{ID: "s", Module: "data.set", Params: map[string]any{"value": "${params.n}"}}},
	}

	_, err := e.Execute(context.Background(), wf, nil)
	if !ferrors.HasCode(err, ferrors.CodeWorkflowParams) {
		t.Fatalf("error = %v, want %s", err, ferrors.CodeWorkflowParams)
	}
	var wfErr *ferrors.WorkflowExecutionError
	if errors.As(err, &wfErr) {
		t.Error("param errors should not be wrapped as execution errors")
	}
}

func TestExecute_InvalidWorkflow(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{ID: "bad", Steps: []types.Step{{ID: "s", Module: "no.such"}}}
	_, err := e.Execute(context.Background(), wf, nil)
	if !ferrors.HasCode(err, ferrors.CodeWorkflowInvalid) {
		t.Fatalf("error = %v, want %s", err, ferrors.CodeWorkflowInvalid)
	}
}

func TestExecute_ParallelBatch(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(ctx context.Context, call *modules.Call) (*types.StepResult, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return types.Data(call.StepID), nil
	}
	e := newTestEngine(t, []modules.Module{testModule("test.slow", slow)})
	wf := &types.Workflow{
		ID: "par",
		Steps: []types.Step{
			{ID: "a", Module: "test.slow", Parallel: true},
			{ID: "b", Module: "test.slow", Parallel: true},
			{ID: "c", Module: "test.slow", Parallel: true},
			{ID: "join", Module: "data.set", Params: map[string]any{"value": "${a}${b}${c}"}},
		},
	}

	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["join"] != "abc" {
		t.Errorf("join = %v", res.Context["join"])
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want batch members to overlap", peak.Load())
	}
}

func TestExecute_ParallelLimit(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(context.Context, *modules.Call) (*types.StepResult, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		return types.Data(true), nil
	}
	e := newTestEngine(t, []modules.Module{testModule("test.slow", slow)}, WithParallelLimit(1))
	wf := &types.Workflow{
		ID: "par",
		Steps: []types.Step{
			{ID: "a", Module: "test.slow", Parallel: true},
			{ID: "b", Module: "test.slow", Parallel: true},
			{ID: "c", Module: "test.slow", Parallel: true},
		},
	}
	if _, err := e.Execute(context.Background(), wf, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak = %d, want 1", peak.Load())
	}
}

func TestExecute_ParallelFailureNamesMember(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	mods := []modules.Module{
		testModule("test.wait", func(context.Context, *modules.Call) (*types.StepResult, error) {
			<-release
			return types.Data("late"), nil
		}),
		testModule("test.fail", func(context.Context, *modules.Call) (*types.StepResult, error) {
			return nil, errors.New("member failed")
		}),
	}
	e := newTestEngine(t, mods)
	wf := &types.Workflow{
		ID: "par",
		Steps: []types.Step{
			{ID: "waiter", Module: "test.wait", Parallel: true},
			{ID: "broken", Module: "test.fail", Parallel: true},
			{ID: "after", Module: "data.set", Params: map[string]any{"value": 1}},
		},
	}

	start := time.Now()
	_, err := e.Execute(context.Background(), wf, nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute waited %v for siblings", elapsed)
	}

	var wfErr *ferrors.WorkflowExecutionError
	if !errors.As(err, &wfErr) {
		t.Fatalf("error = %v, want WorkflowExecutionError", err)
	}
	if wfErr.StepID != "broken" {
		t.Errorf("StepID = %q, want broken", wfErr.StepID)
	}
	var exec *ferrors.StepExecutionError
	if !errors.As(err, &exec) || exec.StepID != "broken" {
		t.Errorf("inner error = %v", err)
	}
}

func TestExecute_GotoSkipsAhead(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "goto",
		Steps: []types.Step{
			{ID: "jump", Module: "flow.goto", Params: map[string]any{"target": "end"}},
			{ID: "skipped", Module: "data.set", Params: map[string]any{"value": 1}},
			{ID: "end", Module: "data.set", Params: map[string]any{"value": 2}},
		},
	}
	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Context["skipped"]; ok {
		t.Error("goto did not skip")
	}
	if res.Context["end"] != 2 {
		t.Errorf("end = %v", res.Context["end"])
	}
}

func TestExecute_GotoUnknownContinues(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "goto",
		Steps: []types.Step{
			{ID: "jump", Module: "flow.goto", Params: map[string]any{"target": "nowhere"}},
			{ID: "next", Module: "data.set", Params: map[string]any{"value": 1}},
		},
	}
	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["next"] != 1 {
		t.Error("unknown goto target should continue sequentially")
	}
}

func TestExecute_Loop(t *testing.T) {
	var count atomic.Int32
	e := newTestEngine(t, []modules.Module{testModule("test.count", func(context.Context, *modules.Call) (*types.StepResult, error) {
		return types.Data(int(count.Add(1))), nil
	})})
	wf := &types.Workflow{
		ID: "loop",
		Steps: []types.Step{
			{ID: "body", Module: "test.count"},
			{ID: "again", Module: "flow.loop", Params: map[string]any{"target": "body", "times": 3}},
			{ID: "done", Module: "data.set", Params: map[string]any{"value": "${body}"}},
		},
	}
	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if count.Load() != 4 {
		t.Errorf("body ran %d times, want 4", count.Load())
	}
	if res.Context["done"] != 4 {
		t.Errorf("done = %v", res.Context["done"])
	}
	if res.Context["__loop_again"] != 0 {
		t.Errorf("loop counter = %v, want reset to 0", res.Context["__loop_again"])
	}
	if res.StepsRun != 9 {
		t.Errorf("StepsRun = %d, want 9", res.StepsRun)
	}
}

func TestExecute_MaxSteps(t *testing.T) {
	e := newTestEngine(t, nil, WithMaxSteps(25))
	wf := &types.Workflow{
		ID: "forever",
		Steps: []types.Step{
			{ID: "spin", Module: "flow.goto", Params: map[string]any{"target": "spin"}},
		},
	}
	_, err := e.Execute(context.Background(), wf, nil)
	if !ferrors.HasCode(err, ferrors.CodeWorkflowExecution) {
		t.Fatalf("error = %v", err)
	}
	var budget *ferrors.FlytoError
	found := false
	for cur := error(err); cur != nil; cur = errors.Unwrap(cur) {
		if errors.As(cur, &budget) && budget.Code == ferrors.CodeWorkflowStepBudget {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("error chain lacks %s: %v", ferrors.CodeWorkflowStepBudget, err)
	}
}

func TestExecute_LegacySignals(t *testing.T) {
	reg := modules.NewRegistry()
	reg.MustRegister(testModule(modules.FlowBranch, func(context.Context, *modules.Call) (*types.StepResult, error) {
		return types.Data(map[string]any{
			"next_step":     "c",
			"__set_context": map[string]any{"flag": "set"},
			"result":        true,
		}), nil
	}))
	reg.MustRegister(testModule("data.set", func(_ context.Context, call *modules.Call) (*types.StepResult, error) {
		return types.Data(call.Params["value"]), nil
	}))
	e := New(modules.NewResolver(reg, nil), nil, WithLogger(logging.NewForTest()))

	wf := &types.Workflow{
		ID: "legacy",
		Steps: []types.Step{
			{ID: "route", Module: modules.FlowBranch},
			{ID: "b", Module: "data.set", Params: map[string]any{"value": "b"}},
			{ID: "c", Module: "data.set", Params: map[string]any{"value": "${flag}"}},
		},
	}
	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Context["b"]; ok {
		t.Error("next_step did not skip b")
	}
	if res.Context["c"] != "set" {
		t.Errorf("c = %v, want value from __set_context", res.Context["c"])
	}
	route, _ := res.Context["route"].(map[string]any)
	if _, ok := route["next_step"]; ok {
		t.Errorf("legacy fields left in output: %v", route)
	}
	if route["result"] != true {
		t.Errorf("route = %v", route)
	}
}

func TestExecute_SetContextMerge(t *testing.T) {
	e := newTestEngine(t, nil)
	wf := &types.Workflow{
		ID: "merge",
		Steps: []types.Step{
			{ID: "cfg", Module: "data.set", Params: map[string]any{"value": map[string]any{"region": "eu"}, "merge": true}},
			{ID: "use", Module: "string.uppercase", Params: map[string]any{"text": "${region}"}},
		},
	}
	res, err := e.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["use"] != "EU" {
		t.Errorf("use = %v", res.Context["use"])
	}
}

func TestExecute_AbortSignal(t *testing.T) {
	e := newTestEngine(t, []modules.Module{testModule("test.abort", func(context.Context, *modules.Call) (*types.StepResult, error) {
		return &types.StepResult{Signals: []types.ControlSignal{types.Abort{Reason: "stop here"}}}, nil
	})})
	wf := &types.Workflow{
		ID: "abort",
		Steps: []types.Step{
			{ID: "halt", Module: "test.abort"},
			{ID: "never", Module: "data.set", Params: map[string]any{"value": 1}},
		},
	}
	_, err := e.Execute(context.Background(), wf, nil)
	var wfErr *ferrors.WorkflowExecutionError
	if !errors.As(err, &wfErr) || wfErr.StepID != "halt" {
		t.Fatalf("error = %v, want failure at halt", err)
	}
	var exec *ferrors.StepExecutionError
	if !errors.As(err, &exec) || exec.Code != ferrors.CodeStepAborted {
		t.Errorf("inner = %v, want aborted step", err)
	}
}

func TestExecute_RollbackAndNotify(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		notified map[string]any
	)
	record := func(_ context.Context, call *modules.Call) (*types.StepResult, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, call.StepID)
		return types.Data(true), nil
	}
	mods := []modules.Module{
		testModule("test.record", record),
		testModule("test.fail", func(context.Context, *modules.Call) (*types.StepResult, error) {
			return nil, errors.New("disk full")
		}),
		testModule("test.notify", func(_ context.Context, call *modules.Call) (*types.StepResult, error) {
			mu.Lock()
			defer mu.Unlock()
			notified = call.Params
			return types.Data(true), nil
		}),
	}
	e := newTestEngine(t, mods)
	wf := &types.Workflow{
		ID: "rollback",
		Steps: []types.Step{
			{ID: "create", Module: "test.record"},
			{ID: "write", Module: "test.fail"},
		},
		OnError: &types.ErrorPolicy{
			RollbackSteps: []types.Step{
				{ID: "undo_fail", Module: "test.fail"},
				{ID: "undo_create", Module: "test.record"},
			},
			Notify: &types.NotifySpec{
				Module: "test.notify",
				Params: map[string]any{"step": "${error.step_id}", "msg": "${error.message}"},
			},
		},
	}

	_, err := e.Execute(context.Background(), wf, nil)
	var wfErr *ferrors.WorkflowExecutionError
	if !errors.As(err, &wfErr) {
		t.Fatalf("error = %v, want WorkflowExecutionError", err)
	}
	if wfErr.StepID != "write" {
		t.Errorf("StepID = %q", wfErr.StepID)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"create", "undo_create"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v (rollback continues past failures)", order, want)
	}
	if notified == nil {
		t.Fatal("notify module not invoked")
	}
	if notified["step"] != "write" {
		t.Errorf("notify step = %v", notified["step"])
	}
	if msg, _ := notified["msg"].(string); msg == "" {
		t.Error("notify message empty")
	}
}

func TestExecute_RollbackRunsAfterCancel(t *testing.T) {
	var undone atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	mods := []modules.Module{
		testModule("test.cancel", func(context.Context, *modules.Call) (*types.StepResult, error) {
			cancel()
			return nil, context.Canceled
		}),
		testModule("test.undo", func(ctx context.Context, _ *modules.Call) (*types.StepResult, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			undone.Store(true)
			return types.Data(true), nil
		}),
	}
	e := newTestEngine(t, mods)
	wf := &types.Workflow{
		ID:    "cancel",
		Steps: []types.Step{{ID: "s", Module: "test.cancel"}},
		OnError: &types.ErrorPolicy{
			RollbackSteps: []types.Step{{ID: "undo", Module: "test.undo"}},
		},
	}
	if _, err := e.Execute(ctx, wf, nil); err == nil {
		t.Fatal("expected failure")
	}
	if !undone.Load() {
		t.Error("rollback did not run with a live context")
	}
}

func TestExecute_CheckpointAndResume(t *testing.T) {
	st := store.NewMemoryStore()
	var (
		broken    atomic.Bool
		firstRuns atomic.Int32
	)
	broken.Store(true)
	mods := []modules.Module{
		testModule("test.first", func(context.Context, *modules.Call) (*types.StepResult, error) {
			return types.Data(int(firstRuns.Add(1))), nil
		}),
		testModule("test.second", func(_ context.Context, call *modules.Call) (*types.StepResult, error) {
			if broken.Load() {
				return nil, errors.New("not yet")
			}
			return types.Data(call.Params["from"]), nil
		}),
	}
	e := newTestEngine(t, mods, WithStore(st))
	wf := &types.Workflow{
		ID:     "resume",
		Params: map[string]types.ParamSpec{"tag": {Type: types.ParamString, Default: "v1"}},
		Steps: []types.Step{
			{ID: "one", Module: "test.first"},
			{ID: "two", Module: "test.second", Params: map[string]any{"from": "${params.tag}:${one}"}},
		},
	}

	_, err := e.Execute(context.Background(), wf, nil, WithRunID("run-42"))
	if err == nil {
		t.Fatal("expected first run to fail")
	}
	cp, err := st.Load(context.Background(), "run-42")
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp.Status != types.RunStatusFailure || cp.NextIndex != 1 || cp.StepsRun != 1 {
		t.Errorf("checkpoint = %+v, want failure at index 1 after 1 step", cp)
	}

	broken.Store(false)
	res, err := e.Execute(context.Background(), wf, nil, WithResume("run-42"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if firstRuns.Load() != 1 {
		t.Errorf("first step ran %d times, want 1", firstRuns.Load())
	}
	if res.RunID != "run-42" || res.Context["two"] != "v1:1" {
		t.Errorf("result = %+v", res)
	}
	if res.StepsRun != 2 {
		t.Errorf("StepsRun = %d, want 2", res.StepsRun)
	}

	if _, err := e.Execute(context.Background(), wf, nil, WithResume("run-42")); err == nil {
		t.Error("resuming a completed run should fail")
	}
}

func TestExecute_ResumeErrors(t *testing.T) {
	wf := &types.Workflow{ID: "wf", Steps: []types.Step{{ID: "s", Module: "data.set"}}}

	e := newTestEngine(t, nil)
	if _, err := e.Execute(context.Background(), wf, nil, WithResume("x")); err == nil {
		t.Error("resume without a store should fail")
	}

	st := store.NewMemoryStore()
	e = newTestEngine(t, nil, WithStore(st))
	if _, err := e.Execute(context.Background(), wf, nil, WithResume("missing")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	_ = st.Save(context.Background(), &types.Checkpoint{RunID: "other", WorkflowID: "different", Status: types.RunStatusFailure})
	if _, err := e.Execute(context.Background(), wf, nil, WithResume("other")); err == nil {
		t.Error("resuming another workflow's checkpoint should fail")
	}
}

func TestExecute_InitialContextAndHooks(t *testing.T) {
	hooks := &recordingHooks{}
	e := newTestEngine(t, nil, WithHooks(hooks))
	wf := &types.Workflow{
		ID:    "ctx",
		Steps: []types.Step{{ID: "up", Module: "string.uppercase", Params: map[string]any{"text": "${seed}"}}},
	}
	res, err := e.Execute(context.Background(), wf, nil, WithInitialContext(map[string]any{"seed": "abc"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context["up"] != "ABC" {
		t.Errorf("up = %v", res.Context["up"])
	}
	if len(hooks.posts) != 1 || hooks.posts[0].Result != "ABC" || hooks.posts[0].RunID != res.RunID {
		t.Errorf("post hooks = %+v", hooks.posts)
	}
}

func TestExecute_LogsRunLifecycle(t *testing.T) {
	tl := testutil.NewTestLogger(t)
	mods := []modules.Module{
		testModule("test.fail", func(context.Context, *modules.Call) (*types.StepResult, error) {
			return nil, errors.New("boom")
		}),
	}
	e := newTestEngine(t, mods, WithLogger(tl.Logger))
	wf := &types.Workflow{
		ID: "logged",
		Steps: []types.Step{
			{ID: "ok", Module: "data.set", Params: map[string]any{"value": 1}},
			{ID: "bad", Module: "test.fail"},
		},
	}

	if _, err := e.Execute(context.Background(), wf, nil); err == nil {
		t.Fatal("expected failure")
	}

	tl.AssertAttrValue(t, "workflow started", "workflow_id", "logged")
	tl.AssertAttrValue(t, "workflow started", "run_id", "1")
	tl.AssertAttrValue(t, "workflow failed", "step_id", "bad")
	tl.AssertNotContains(t, "workflow completed")
}

func TestExecute_RunLog(t *testing.T) {
	engineLog := testutil.NewTestLogger(t)
	runLog := testutil.NewTestLogger(t)
	e := newTestEngine(t, nil, WithLogger(engineLog.Logger))
	wf := &types.Workflow{
		ID:    "split",
		Steps: []types.Step{{ID: "a", Module: "data.set", Params: map[string]any{"value": 1}}},
	}

	var opened []string
	open := func(runID string) *slog.Logger {
		opened = append(opened, runID)
		return runLog.Logger
	}
	if _, err := e.Execute(context.Background(), wf, nil, WithRunLog(open)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(opened) != 1 || opened[0] != "1" {
		t.Fatalf("run log opened for %v, want [1]", opened)
	}
	runLog.AssertAttrValue(t, "workflow started", "run_id", "1")
	runLog.AssertContains(t, "workflow completed")
	engineLog.AssertNotContains(t, "workflow started")
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/logging"
)

// Decision is a hook's verdict on whether execution proceeds.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionSkip
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionAbort:
		return "abort"
	default:
		return "continue"
	}
}

// HookResult is returned by deciding hooks.
type HookResult struct {
	Decision Decision
	Reason   string
}

// Continue is the zero HookResult.
var Continue = HookResult{}

// StepEvent describes a step at a hook point.
type StepEvent struct {
	WorkflowID string
	RunID      string
	StepID     string
	Module     string
	Index      int

	// Attempt is zero-based; on retry it is the attempt that just failed.
	Attempt int
	Elapsed time.Duration

	// Result is set on success.
	Result any

	// Err and its description are set on failure.
	Err          error
	ErrorType    string
	ErrorMessage string
}

// Hooks observes and steers step execution. PreExecute and OnRetry return
// decisions; PostExecute and OnError are notifications.
type Hooks interface {
	PreExecute(ctx context.Context, ev StepEvent) HookResult
	PostExecute(ctx context.Context, ev StepEvent)
	OnError(ctx context.Context, ev StepEvent)
	OnRetry(ctx context.Context, ev StepEvent) HookResult
}

// NoopHooks continues everywhere and ignores notifications.
type NoopHooks struct{}

func (NoopHooks) PreExecute(context.Context, StepEvent) HookResult { return Continue }
func (NoopHooks) PostExecute(context.Context, StepEvent)           {}
func (NoopHooks) OnError(context.Context, StepEvent)               {}
func (NoopHooks) OnRetry(context.Context, StepEvent) HookResult    { return Continue }

type hookKind int

const (
	hookPost hookKind = iota
	hookError
)

type queuedEvent struct {
	kind hookKind
	ev   StepEvent
}

// AsyncHooks delivers PostExecute and OnError to an inner Hooks on a
// background goroutine through a bounded queue. When the queue is full
// the notification is dropped with a warning. Deciding hooks are called
// inline.
type AsyncHooks struct {
	inner  Hooks
	logger *slog.Logger
	queue  chan queuedEvent

	dropped atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// DefaultHookBuffer is the queue size when NewAsyncHooks gets size <= 0.
const DefaultHookBuffer = 100

// NewAsyncHooks starts the delivery goroutine. Close must be called to
// flush the queue and stop it.
func NewAsyncHooks(inner Hooks, size int, logger *slog.Logger) *AsyncHooks {
	if size <= 0 {
		size = DefaultHookBuffer
	}
	h := &AsyncHooks{
		inner:  inner,
		logger: logging.Component(logger, "hooks"),
		queue:  make(chan queuedEvent, size),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *AsyncHooks) run() {
	defer h.wg.Done()
	for qe := range h.queue {
		h.deliver(qe)
	}
}

func (h *AsyncHooks) deliver(qe queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "step_id", qe.ev.StepID, "panic", r)
		}
	}()
	ctx := context.Background()
	switch qe.kind {
	case hookPost:
		h.inner.PostExecute(ctx, qe.ev)
	case hookError:
		h.inner.OnError(ctx, qe.ev)
	}
}

func (h *AsyncHooks) enqueue(qe queuedEvent) {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- qe:
	default:
		h.dropped.Add(1)
		h.logger.Warn("hook queue full, dropping notification", "step_id", qe.ev.StepID)
	}
}

func (h *AsyncHooks) PreExecute(ctx context.Context, ev StepEvent) HookResult {
	return h.inner.PreExecute(ctx, ev)
}

func (h *AsyncHooks) OnRetry(ctx context.Context, ev StepEvent) HookResult {
	return h.inner.OnRetry(ctx, ev)
}

func (h *AsyncHooks) PostExecute(_ context.Context, ev StepEvent) {
	h.enqueue(queuedEvent{kind: hookPost, ev: ev})
}

func (h *AsyncHooks) OnError(_ context.Context, ev StepEvent) {
	h.enqueue(queuedEvent{kind: hookError, ev: ev})
}

// Dropped returns how many notifications were discarded.
func (h *AsyncHooks) Dropped() int64 {
	return h.dropped.Load()
}

// Close delivers queued notifications and stops the goroutine.
func (h *AsyncHooks) Close() {
	h.closeMu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.closeMu.Unlock()
	h.wg.Wait()
}

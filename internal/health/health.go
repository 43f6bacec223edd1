// Package health tracks liveness of registered components through
// periodic probes with failure and success thresholds.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	"github.com/flytohub/flyto-core-sub001/internal/logging"
)

// Status is the health of one component.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string { return string(s) }

// ProbeResult is what a probe reports.
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
	Message string
}

// Probe checks one component. It must honor ctx.
type Probe func(ctx context.Context) ProbeResult

// Record is the tracked state of one component.
type Record struct {
	ID                   string
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastLatency          time.Duration
	LastMessage          string
	LastCheck            time.Time
}

// StatusChangeFunc is called after a component changes status.
type StatusChangeFunc func(id string, from, to Status, rec Record)

// Options configures a Checker. Zero values take the defaults.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

const (
	DefaultInterval         = 30 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
)

// OptionsFromConfig reads the [health] section.
func OptionsFromConfig(cfg config.HealthConfig) Options {
	return Options{
		Interval:         cfg.Interval,
		Timeout:          cfg.Timeout,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
	}
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = DefaultSuccessThreshold
	}
}

type entry struct {
	probe  Probe
	record Record
}

// Checker runs probes and applies thresholds. Its Unhealthy state is
// independent of any restart budget kept by the probed component.
type Checker struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	callbacks []StatusChangeFunc

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a Checker.
func NewChecker(opts Options, logger *slog.Logger) *Checker {
	opts.applyDefaults()
	return &Checker{
		opts:    opts,
		logger:  logging.Component(logger, "health"),
		entries: make(map[string]*entry),
	}
}

// Register adds or replaces the probe for id. The record starts Unknown.
func (c *Checker) Register(id string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{probe: probe, record: Record{ID: id, Status: StatusUnknown}}
}

// Unregister stops tracking id.
func (c *Checker) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// OnStatusChange adds a transition callback.
func (c *Checker) OnStatusChange(fn StatusChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Record returns the current record for id.
func (c *Checker) Record(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Records returns all records sorted by id.
func (c *Checker) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Check runs the probe for id once under the configured timeout.
func (c *Checker) Check(ctx context.Context, id string) (Record, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("health: %s is not registered", id)
	}

	result := c.runProbe(ctx, id, e.probe)

	c.mu.Lock()
	// Unregistered while probing.
	if c.entries[id] != e {
		c.mu.Unlock()
		return Record{}, fmt.Errorf("health: %s is not registered", id)
	}
	from := e.record.Status
	c.apply(&e.record, result)
	rec := e.record
	callbacks := append([]StatusChangeFunc(nil), c.callbacks...)
	c.mu.Unlock()

	if rec.Status != from {
		c.logger.Info("health status changed", "id", id, "from", from, "to", rec.Status, "message", rec.LastMessage)
		for _, fn := range callbacks {
			fn(id, from, rec.Status, rec)
		}
	}
	return rec, nil
}

func (c *Checker) runProbe(ctx context.Context, id string, probe Probe) (result ProbeResult) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan ProbeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ProbeResult{Message: fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		done <- probe(ctx)
	}()

	select {
	case result = <-done:
	case <-ctx.Done():
		result = ProbeResult{Message: fmt.Sprintf("probe timed out: %v", ctx.Err())}
	}
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}
	if !result.Healthy {
		c.logger.Debug("probe failed", "id", id, "message", result.Message)
	}
	return result
}

func (c *Checker) apply(rec *Record, result ProbeResult) {
	rec.LastCheck = time.Now()
	rec.LastLatency = result.Latency
	rec.LastMessage = result.Message

	if result.Healthy {
		rec.ConsecutiveFailures = 0
		rec.ConsecutiveSuccesses++
		if rec.ConsecutiveSuccesses >= c.opts.SuccessThreshold {
			rec.Status = StatusHealthy
		}
		return
	}
	rec.ConsecutiveSuccesses = 0
	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= c.opts.FailureThreshold {
		rec.Status = StatusUnhealthy
	}
}

// CheckAll probes every registered component once.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.Check(ctx, id); err != nil {
				c.logger.Debug("check skipped", "id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Start runs CheckAll every interval until Stop or ctx is done. Calling
// Start on a running checker is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckAll(ctx)
			}
		}
	}(c.done)
}

// Stop ends the periodic loop and waits for it to exit.
func (c *Checker) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

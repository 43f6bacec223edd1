package types

import (
	"fmt"
	"math"
	"time"
)

// Backoff selects how the delay between retry attempts grows.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"      // delay * (attempt+1)
	BackoffExponential Backoff = "exponential" // delay * base^attempt
	BackoffFixed       Backoff = "fixed"       // delay
)

// Valid returns true if this is a recognized backoff. Empty means fixed.
func (b Backoff) Valid() bool {
	switch b {
	case "", BackoffLinear, BackoffExponential, BackoffFixed:
		return true
	}
	return false
}

// OnError is a step's failure policy.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorContinue OnError = "continue"
)

// Valid returns true if this is a recognized policy. Empty means stop.
func (o OnError) Valid() bool {
	return o == "" || o == OnErrorStop || o == OnErrorContinue
}

// DefaultExponentialBase is used when RetrySpec.Base is unset.
const DefaultExponentialBase = 2.0

// RetrySpec controls re-execution of a failing step.
type RetrySpec struct {
	Count      int     `yaml:"count" json:"count"`
	DelayMS    int     `yaml:"delay_ms" json:"delay_ms"`
	Backoff    Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Base       float64 `yaml:"base,omitempty" json:"base,omitempty"`
	MaxDelayMS int     `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
}

// Attempts returns the total number of attempts, Count+1.
func (r *RetrySpec) Attempts() int {
	if r == nil || r.Count < 0 {
		return 1
	}
	return r.Count + 1
}

// Delay returns the sleep after the zero-based attempt that just failed.
func (r *RetrySpec) Delay(attempt int) time.Duration {
	if r == nil || r.DelayMS <= 0 {
		return 0
	}
	base := float64(r.DelayMS)
	var ms float64
	switch r.Backoff {
	case BackoffLinear:
		ms = base * float64(attempt+1)
	case BackoffExponential:
		b := r.Base
		if b <= 0 {
			b = DefaultExponentialBase
		}
		ms = base * math.Pow(b, float64(attempt))
	default:
		ms = base
	}
	if r.MaxDelayMS > 0 && ms > float64(r.MaxDelayMS) {
		ms = float64(r.MaxDelayMS)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Step is one entry in a workflow's ordered step list.
type Step struct {
	ID          string         `yaml:"id" json:"id"`
	Module      string         `yaml:"module" json:"module"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Config is forwarded to plugin steps as the invoke config. In-process
	// modules ignore it.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	Retry *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Timeout is in seconds. Zero means no per-attempt limit.
	Timeout float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Foreach is either a literal list or a single variable reference that
	// resolves to one.
	Foreach any    `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`

	// Output names an extra context key that receives the step result.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	When     string  `yaml:"when,omitempty" json:"when,omitempty"`
	OnError  OnError `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Parallel bool    `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// DefaultItemVar is the loop variable name when As is unset.
const DefaultItemVar = "item"

// ItemVar returns the context key holding the current foreach item.
func (s *Step) ItemVar() string {
	if s.As != "" {
		return s.As
	}
	return DefaultItemVar
}

// IndexVar returns the context key holding the current foreach index.
func (s *Step) IndexVar() string {
	return s.ItemVar() + "_index"
}

// TimeoutDuration converts Timeout to a duration.
func (s *Step) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return 0
	}
	return time.Duration(s.Timeout * float64(time.Second))
}

// ContinueOnError reports whether failures become data sentinels.
func (s *Step) ContinueOnError() bool {
	return s.OnError == OnErrorContinue
}

// HasForeach reports whether the step iterates.
func (s *Step) HasForeach() bool {
	return s.Foreach != nil
}

// WriteKeys returns the context keys a successful run of this step writes.
func (s *Step) WriteKeys() []string {
	keys := []string{s.ID}
	if s.Output != "" && s.Output != s.ID {
		keys = append(keys, s.Output)
	}
	return keys
}

func (s *Step) String() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.Module)
}

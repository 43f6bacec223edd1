package engine

import "sync"

// RunContext is the mutable key/value state of one run. Step outputs,
// loop variables and SetContext merges all land here. Concurrent writers
// are serialized; the last write to a key wins.
type RunContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunContext creates a context seeded with a copy of initial.
func NewRunContext(initial map[string]any) *RunContext {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &RunContext{values: values}
}

// Get returns the value stored under key.
func (c *RunContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *RunContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Delete removes key.
func (c *RunContext) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
	}
}

// Merge stores every entry of values.
func (c *RunContext) Merge(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// Snapshot returns a shallow copy of the current values.
func (c *RunContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Len returns the number of keys.
func (c *RunContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestLogger captures structured logs for assertion in tests.
type TestLogger struct {
	mu      sync.RWMutex
	entries []LogEntry
	buffer  *bytes.Buffer

	// Logger writes into the capture. Pass it wherever a *slog.Logger goes.
	Logger *slog.Logger
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Attr returns the entry's attribute key as a string, or "".
func (e LogEntry) Attr(key string) string {
	v, ok := e.Attrs[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return slog.AnyValue(v).String()
}

// NewTestLogger creates a logger that captures all log entries, debug
// level included.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()

	tl := &TestLogger{buffer: &bytes.Buffer{}}
	tl.Logger = slog.New(&captureHandler{
		tl:      tl,
		handler: slog.NewJSONHandler(tl.buffer, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured logs:\n%s", tl.Output())
		}
	})
	return tl
}

// captureHandler wraps a slog handler to capture entries.
type captureHandler struct {
	tl      *TestLogger
	handler slog.Handler
	attrs   []slog.Attr // accumulated from WithAttrs, keys already qualified
	group   string
}

func (h *captureHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	h.tl.mu.Lock()
	defer h.tl.mu.Unlock()
	h.tl.entries = append(h.tl.entries, entry)
	return h.handler.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &captureHandler{tl: h.tl, handler: h.handler.WithAttrs(attrs), attrs: merged, group: h.group}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &captureHandler{tl: h.tl, handler: h.handler.WithGroup(name), attrs: h.attrs, group: group}
}

// Entries returns a copy of all captured log entries.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]LogEntry(nil), l.entries...)
}

// Find returns entries whose message contains substring.
func (l *TestLogger) Find(substring string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substring) {
			out = append(out, e)
		}
	}
	return out
}

// CountLevel returns the count of entries at a specific level.
func (l *TestLogger) CountLevel(level slog.Level) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Output returns the raw JSON lines written so far.
func (l *TestLogger) Output() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer.String()
}

// AssertContains asserts that at least one log entry contains the message.
func (l *TestLogger) AssertContains(t *testing.T, msg string) {
	t.Helper()
	if len(l.Find(msg)) == 0 {
		t.Errorf("Expected log to contain message %q, but it wasn't found", msg)
	}
}

// AssertNotContains asserts that no log entry contains the message.
func (l *TestLogger) AssertNotContains(t *testing.T, msg string) {
	t.Helper()
	if n := len(l.Find(msg)); n > 0 {
		t.Errorf("Expected log to not contain message %q, but found %d entries", msg, n)
	}
}

// AssertAttrValue asserts that an entry containing msg carries key=value.
func (l *TestLogger) AssertAttrValue(t *testing.T, msg, key, value string) {
	t.Helper()
	for _, e := range l.Find(msg) {
		if e.Attr(key) == value {
			return
		}
	}
	t.Errorf("Expected a %q log entry with %s=%s", msg, key, value)
}

// AssertNoErrors asserts that there are no ERROR level entries.
func (l *TestLogger) AssertNoErrors(t *testing.T) {
	t.Helper()
	var messages []string
	for _, e := range l.Entries() {
		if e.Level == slog.LevelError {
			messages = append(messages, e.Message)
		}
	}
	if len(messages) > 0 {
		t.Errorf("Expected no errors, got %d: %v", len(messages), messages)
	}
}

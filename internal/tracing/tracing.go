// Package tracing wraps the OpenTelemetry tracers used by the engine and
// the plugin runtime. Spans go to the global provider, which is a no-op
// unless the embedding program installs one.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

// Tracer names.
const (
	EngineTracer = "flyto.engine"
	PluginTracer = "flyto.plugin"
)

// Span names.
const (
	SpanWorkflowExecute = "flyto.workflow.execute"
	SpanStepExecute     = "flyto.step.execute"
	SpanRollback        = "flyto.workflow.rollback"
	SpanPluginStart     = "flyto.plugin.start"
	SpanPluginInvoke    = "flyto.plugin.invoke"
)

// Attribute keys.
const (
	AttrWorkflowID = "flyto.workflow.id"
	AttrRunID      = "flyto.run.id"
	AttrStepID     = "flyto.step.id"
	AttrModule     = "flyto.step.module"
	AttrAttempts   = "flyto.step.attempts"
	AttrPluginID   = "flyto.plugin.id"
	AttrPluginStep = "flyto.plugin.step"
	AttrErrorCode  = "error.code"
	AttrErrorType  = "error.type"
)

// AttrServiceName tags every tracer with the configured service.
const AttrServiceName = "service.name"

var (
	mu       sync.RWMutex
	disabled bool
	service  string
)

// Configure applies the [tracing] config section. When tracing is disabled
// the helpers hand out no-op tracers even if a global provider is set.
func Configure(cfg config.TracingConfig) {
	mu.Lock()
	defer mu.Unlock()
	disabled = !cfg.Enabled
	service = cfg.ServiceName
}

func tracer(name string) trace.Tracer {
	mu.RLock()
	off, svc := disabled, service
	mu.RUnlock()

	if off {
		return noop.NewTracerProvider().Tracer(name)
	}
	if svc == "" {
		return otel.Tracer(name)
	}
	return otel.Tracer(name, trace.WithInstrumentationAttributes(attribute.String(AttrServiceName, svc)))
}

// Engine returns the engine tracer.
func Engine() trace.Tracer {
	return tracer(EngineTracer)
}

// Plugin returns the plugin runtime tracer.
func Plugin() trace.Tracer {
	return tracer(PluginTracer)
}

// Start opens a span with attrs.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(AttrErrorType, ferrors.Describe(err)),
		)
		if code := ferrors.Code(err); code != "" {
			span.SetAttributes(attribute.String(AttrErrorCode, code))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

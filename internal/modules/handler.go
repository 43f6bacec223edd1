package modules

import (
	"context"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/protocol"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// PluginInvoker runs steps in out-of-process plugins.
type PluginInvoker interface {
	// Lookup returns a PluginNotFoundError if the plugin or step is unknown.
	Lookup(pluginID, step string) error
	Invoke(ctx context.Context, pluginID, step string, input, config, execContext map[string]any, timeoutMs int) (*protocol.InvokeResult, error)
}

// Kind tags a StepHandler.
type Kind int

const (
	KindLocal Kind = iota
	KindPlugin
)

func (k Kind) String() string {
	if k == KindPlugin {
		return "plugin"
	}
	return "local"
}

// StepHandler is either a Local in-process handler or a Plugin step.
type StepHandler struct {
	Kind     Kind
	ModuleID string

	local HandlerFunc

	pluginID string
	step     string
	plugins  PluginInvoker
}

// LocalHandler wraps an in-process handler.
func LocalHandler(moduleID string, fn HandlerFunc) StepHandler {
	return StepHandler{Kind: KindLocal, ModuleID: moduleID, local: fn}
}

// PluginHandler binds a plugin step.
func PluginHandler(moduleID, pluginID, step string, plugins PluginInvoker) StepHandler {
	return StepHandler{Kind: KindPlugin, ModuleID: moduleID, pluginID: pluginID, step: step, plugins: plugins}
}

// PluginID returns the bound plugin, empty for local handlers.
func (h StepHandler) PluginID() string { return h.pluginID }

// Invoke runs the handler.
func (h StepHandler) Invoke(ctx context.Context, call *Call) (*types.StepResult, error) {
	switch h.Kind {
	case KindPlugin:
		return h.invokePlugin(ctx, call)
	default:
		if h.local == nil {
			return nil, ferrors.NewModuleNotFound(h.ModuleID)
		}
		res, err := h.local(ctx, call)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &types.StepResult{}
		}
		return res, nil
	}
}

func (h StepHandler) invokePlugin(ctx context.Context, call *Call) (*types.StepResult, error) {
	res, err := h.plugins.Invoke(ctx, h.pluginID, h.step, call.Params, call.Config, call.Meta, call.TimeoutMs)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		msg, code := "plugin reported failure", ""
		var details any
		if res.Error != nil {
			msg, code, details = res.Error.Message, res.Error.Code, res.Error.Details
		}
		rerr := ferrors.NewPluginRemote(h.pluginID, h.step, protocol.CodeInternalError, protocol.Redact(msg), protocol.RedactValue(details))
		if code != "" {
			rerr.WithDetail("plugin_code", code)
		}
		return nil, rerr
	}
	return types.Data(res.Data), nil
}

// Resolver turns module ids into StepHandlers. In-process modules take
// precedence; ids of the form <plugin>/<step> go to the plugin runtime.
type Resolver struct {
	registry *Registry
	plugins  PluginInvoker
}

// NewResolver creates a resolver. plugins may be nil.
func NewResolver(registry *Registry, plugins PluginInvoker) *Resolver {
	return &Resolver{registry: registry, plugins: plugins}
}

// Resolve returns the handler for moduleID.
func (r *Resolver) Resolve(moduleID string) (StepHandler, error) {
	if m, ok := r.registry.Get(moduleID); ok {
		return LocalHandler(moduleID, m.Handler), nil
	}
	if pluginID, step, ok := protocol.SplitModuleID(moduleID); ok && r.plugins != nil {
		if err := r.plugins.Lookup(pluginID, step); err != nil {
			return StepHandler{}, err
		}
		return PluginHandler(moduleID, pluginID, step, r.plugins), nil
	}
	return StepHandler{}, ferrors.NewModuleNotFound(moduleID)
}

// Known reports whether moduleID resolves.
func (r *Resolver) Known(moduleID string) bool {
	_, err := r.Resolve(moduleID)
	return err == nil
}

package plugin

import (
	"context"
	"os"
	"strings"
	"unicode"

	"github.com/flytohub/flyto-core-sub001/internal/protocol"
)

// SecretResolver supplies secret values to plugins. Refs arrive already
// filtered against the manifest's requiredSecrets. Refs with no value are
// left out of the result.
type SecretResolver interface {
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}

// BrowserProvider serves the browser.* host methods.
type BrowserProvider interface {
	Handle(ctx context.Context, method protocol.Method, params *protocol.BrowserParams) (any, error)
}

// EnvSecrets resolves secret://name from the environment variable
// <Prefix><NAME>, where NAME is upper-cased and every character outside
// [A-Z0-9] becomes '_'.
type EnvSecrets struct {
	Prefix string
}

// DefaultSecretPrefix is used when EnvSecrets.Prefix is empty.
const DefaultSecretPrefix = "FLYTO_SECRET_"

// Resolve implements SecretResolver.
func (e EnvSecrets) Resolve(_ context.Context, refs []string) (map[string]string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultSecretPrefix
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		if v, ok := os.LookupEnv(prefix + EnvName(ref)); ok {
			out[ref] = v
		}
	}
	return out, nil
}

// EnvName converts a secret ref to its environment variable suffix.
func EnvName(ref string) string {
	name := strings.TrimPrefix(ref, "secret://")
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// serveHost answers a request initiated by the plugin.
func (p *Process) serveHost(ctx context.Context, s *session, req *protocol.Request) {
	result, rpcErr := p.hostCall(ctx, req)
	var resp *protocol.Response
	if rpcErr != nil {
		p.logger.Debug("host call rejected", "method", req.Method, "error", rpcErr.Message)
		resp = protocol.NewErrorResponse(req.ID, rpcErr)
	} else {
		var err error
		resp, err = protocol.NewResult(req.ID, result)
		if err != nil {
			resp = protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInternalError, "%v", err))
		}
	}
	data, err := protocol.Encode(resp)
	if err != nil {
		p.logger.Warn("encoding host response", "method", req.Method, "error", err)
		return
	}
	if err := s.tr.Send(ctx, data); err != nil {
		p.logger.Debug("sending host response", "method", req.Method, "error", err)
	}
}

func (p *Process) hostCall(ctx context.Context, req *protocol.Request) (any, *protocol.RPCError) {
	if !req.Method.IsHostMethod() {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %s cannot be called by plugins", req.Method)
	}
	parsed, err := protocol.ParseParams(req)
	if err != nil {
		return nil, asRPCError(err)
	}

	switch params := parsed.(type) {
	case *protocol.SecretsResolveParams:
		return p.resolveSecrets(ctx, params.Refs)
	case *protocol.BrowserParams:
		if !p.manifest.HasPermission(PermissionBrowser) {
			return nil, protocol.NewError(protocol.CodePermissionDenied, "plugin %s lacks the %q permission", p.id, PermissionBrowser)
		}
		if p.opts.Browser == nil {
			return nil, protocol.NewError(protocol.CodeBrowserUnavailable, "no browser is configured")
		}
		result, err := p.opts.Browser.Handle(ctx, req.Method, params)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeBrowserConnectFailed, "%s", protocol.Redact(err.Error()))
		}
		return result, nil
	}
	return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %s is not served", req.Method)
}

func (p *Process) resolveSecrets(ctx context.Context, refs []string) (any, *protocol.RPCError) {
	for _, ref := range refs {
		if !p.manifest.AllowsSecret(ref) {
			return nil, protocol.NewError(protocol.CodePermissionDenied, "secret %s is not declared in requiredSecrets", ref)
		}
	}
	resolver := p.opts.Secrets
	if resolver == nil {
		resolver = EnvSecrets{}
	}
	values, err := resolver.Resolve(ctx, refs)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSecretNotProvided, "%s", protocol.Redact(err.Error()))
	}
	for _, ref := range refs {
		if _, ok := values[ref]; !ok {
			return nil, protocol.NewError(protocol.CodeSecretNotProvided, "secret %s is not provided", ref)
		}
	}
	p.logger.Debug("resolved secrets", "count", len(refs))
	return protocol.SecretsResolveResult{Secrets: values}, nil
}

func asRPCError(err error) *protocol.RPCError {
	if rpcErr, ok := err.(*protocol.RPCError); ok {
		return rpcErr
	}
	return protocol.NewError(protocol.CodeInternalError, "%v", err)
}

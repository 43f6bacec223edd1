// Package protocol defines the wire format spoken between flyto and its
// plugin processes.
//
// Messages are JSON-RPC 2.0 envelopes, one per line, exchanged over a
// bidirectional byte stream (normally the plugin's stdin/stdout). Both
// sides may originate requests: the core sends handshake, invoke, ping and
// shutdown; plugins may call back with secrets.resolve and browser.*.
package protocol

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// JSONRPCVersion is the envelope version carried by every message.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the plugin protocol version spoken by this core.
	ProtocolVersion = "1.0"

	// MaxMessageSize is the largest encoded message accepted in either direction.
	MaxMessageSize = 10 * 1024 * 1024
)

// Environment variables set for every plugin process.
const (
	EnvPluginID        = "FLYTO_PLUGIN_ID"
	EnvExecutionID     = "FLYTO_EXECUTION_ID"
	EnvProtocolVersion = "FLYTO_PROTOCOL_VERSION"

	// EnvSocket is set only for plugins using the unix transport and
	// names the socket the plugin must connect to.
	EnvSocket = "FLYTO_SOCKET"
)

// Method names a protocol operation.
type Method string

const (
	// Core → plugin
	MethodHandshake Method = "handshake"
	MethodInvoke    Method = "invoke"
	MethodShutdown  Method = "shutdown"
	MethodPing      Method = "ping"

	// Plugin → core
	MethodSecretsResolve Method = "secrets.resolve"
	MethodBrowserConnect Method = "browser.connect"
	MethodBrowserPage    Method = "browser.page"
	MethodBrowserClose   Method = "browser.close"
)

// Valid returns true if the method is on the allow-list.
func (m Method) Valid() bool {
	switch m {
	case MethodHandshake, MethodInvoke, MethodShutdown, MethodPing,
		MethodSecretsResolve, MethodBrowserConnect, MethodBrowserPage, MethodBrowserClose:
		return true
	}
	return false
}

// IsHostMethod returns true for methods a plugin may call on the core.
func (m Method) IsHostMethod() bool {
	switch m {
	case MethodSecretsResolve, MethodBrowserConnect, MethodBrowserPage, MethodBrowserClose:
		return true
	}
	return false
}

// IsBrowser returns true for the browser.* family.
func (m Method) IsBrowser() bool {
	return strings.HasPrefix(string(m), "browser.")
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// CompatibleVersion reports whether a peer's protocol version shares our
// major version.
func CompatibleVersion(v string) bool {
	return majorOf(v) != "" && majorOf(v) == majorOf(ProtocolVersion)
}

func majorOf(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	return v
}

var pluginIDExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]*$`)

// ValidPluginID reports whether id is a well-formed plugin id.
func ValidPluginID(id string) bool {
	return len(id) <= MaxStepLength && pluginIDExpr.MatchString(id)
}

// SplitModuleID splits a "<plugin>/<step>" module id. ok is false for ids
// that do not follow the plugin convention, which belong to in-process
// modules.
func SplitModuleID(moduleID string) (pluginID, step string, ok bool) {
	pluginID, step, found := strings.Cut(moduleID, "/")
	if !found || !ValidPluginID(pluginID) || ValidateStepName(step) != nil {
		return "", "", false
	}
	return pluginID, step, true
}

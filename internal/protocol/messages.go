package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Request is a JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response is a JSON-RPC response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(method Method, params any) (*Request, error) {
	req := &Request{JSONRPC: JSONRPCVersion, Method: method, ID: NewID()}
	if params != nil {
		raw, err := marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a success response for id.
func NewResult(id string, result any) (*Response, error) {
	raw, err := marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id string, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

// DecodeResult unmarshals the result of a successful response into v.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response %s has no result", r.ID)
	}
	return json.Unmarshal(r.Result, v)
}

// --- Params and results ---

// HandshakeParams opens a session with a freshly started plugin.
type HandshakeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	PluginID        string `json:"pluginId"`
	ExecutionID     string `json:"executionId"`
}

// HandshakeResult is the plugin's answer to a handshake.
type HandshakeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	PluginID        string   `json:"pluginId,omitempty"`
	PluginVersion   string   `json:"pluginVersion,omitempty"`
	Steps           []string `json:"steps,omitempty"`
}

// InvokeParams asks a plugin to run one step.
type InvokeParams struct {
	Step      string         `json:"step"`
	Input     map[string]any `json:"input,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
}

// InvokeResult is the payload returned for a completed invoke. Ok=false
// carries a step-level failure, distinct from a transport-level RPCError.
type InvokeResult struct {
	OK    bool         `json:"ok"`
	Data  any          `json:"data,omitempty"`
	Error *InvokeError `json:"error,omitempty"`
}

// InvokeError describes a step-level failure reported by a plugin.
type InvokeError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ShutdownParams asks a plugin to exit.
type ShutdownParams struct {
	Reason        string `json:"reason,omitempty"`
	GracePeriodMs int    `json:"gracePeriodMs,omitempty"`
}

// PingParams is empty.
type PingParams struct{}

// PingResult answers a ping.
type PingResult struct {
	OK        bool  `json:"ok"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SecretsResolveParams asks the host for secret values.
type SecretsResolveParams struct {
	Refs []string `json:"refs"`
}

// SecretsResolveResult maps each ref to its value.
type SecretsResolveResult struct {
	Secrets map[string]string `json:"secrets"`
}

// BrowserParams is shared by browser.connect, browser.page and browser.close.
type BrowserParams struct {
	SessionID string         `json:"sessionId"`
	URL       string         `json:"url,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// --- Validation ---

const (
	MinTimeoutMs     = 100
	MaxTimeoutMs     = 600000
	MaxGracePeriodMs = 60000
	MaxStepLength    = 256
	MaxSecretRefs    = 50
	MaxSecretRefLen  = 256
	MaxSessionIDLen  = 128
)

var (
	stepCharset   = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)
	secretRefExpr = regexp.MustCompile(`^secret://[A-Za-z0-9][A-Za-z0-9_.\-/]{0,199}$`)
	sessionIDExpr = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)
)

// Validate checks handshake params.
func (p *HandshakeParams) Validate() error {
	switch {
	case p.ProtocolVersion == "":
		return InvalidParams("protocolVersion", "required")
	case p.PluginID == "":
		return InvalidParams("pluginId", "required")
	case p.ExecutionID == "":
		return InvalidParams("executionId", "required")
	}
	return nil
}

// Validate checks the step name and clamps TimeoutMs into range.
// A zero TimeoutMs is left alone and means "use the default".
func (p *InvokeParams) Validate() error {
	if err := ValidateStepName(p.Step); err != nil {
		return err
	}
	if p.TimeoutMs < 0 {
		return InvalidParams("timeoutMs", "must not be negative")
	}
	if p.TimeoutMs != 0 {
		p.TimeoutMs = clamp(p.TimeoutMs, MinTimeoutMs, MaxTimeoutMs)
	}
	return nil
}

// ValidateStepName enforces the step-name charset and length.
func ValidateStepName(step string) error {
	switch {
	case step == "":
		return InvalidParams("step", "required")
	case len(step) > MaxStepLength:
		return InvalidParams("step", fmt.Sprintf("longer than %d characters", MaxStepLength))
	case strings.ContainsAny(step, "/\\\x00"):
		return InvalidParams("step", "must not contain path separators or NUL")
	case strings.Contains(step, ".."):
		return InvalidParams("step", "must not contain '..'")
	case !stepCharset.MatchString(step):
		return InvalidParams("step", "must match [A-Za-z0-9_.:-]")
	}
	return nil
}

// Validate clamps GracePeriodMs into range.
func (p *ShutdownParams) Validate() error {
	p.GracePeriodMs = clamp(p.GracePeriodMs, 0, MaxGracePeriodMs)
	return nil
}

// Validate checks the number and shape of secret refs.
func (p *SecretsResolveParams) Validate() error {
	if len(p.Refs) == 0 {
		return InvalidParams("refs", "at least one ref is required")
	}
	if len(p.Refs) > MaxSecretRefs {
		return InvalidParams("refs", fmt.Sprintf("at most %d refs allowed", MaxSecretRefs))
	}
	for i, ref := range p.Refs {
		if len(ref) > MaxSecretRefLen || !secretRefExpr.MatchString(ref) {
			return InvalidParams(fmt.Sprintf("refs[%d]", i), "must look like secret://name")
		}
	}
	return nil
}

// Validate checks the session id.
func (p *BrowserParams) Validate() error {
	if !sessionIDExpr.MatchString(p.SessionID) {
		return InvalidParams("sessionId", "must be 1-128 characters of [A-Za-z0-9_-]")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ValidateRequest checks the envelope and the method allow-list.
// It does not look at params.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != JSONRPCVersion {
		return NewError(CodeInvalidRequest, "jsonrpc must be %q", JSONRPCVersion)
	}
	if req.ID == "" {
		return NewError(CodeInvalidRequest, "id is required")
	}
	if !req.Method.Valid() {
		return NewError(CodeMethodNotFound, "method not allowed: %q", req.Method)
	}
	return nil
}

// ParseParams validates req and decodes its params into the typed struct
// for its method. The returned value is a pointer to one of the *Params types.
func ParseParams(req *Request) (any, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	var p interface{ Validate() error }
	switch req.Method {
	case MethodHandshake:
		p = &HandshakeParams{}
	case MethodInvoke:
		p = &InvokeParams{}
	case MethodShutdown:
		p = &ShutdownParams{}
	case MethodPing:
		return &PingParams{}, nil
	case MethodSecretsResolve:
		p = &SecretsResolveParams{}
	case MethodBrowserConnect, MethodBrowserPage, MethodBrowserClose:
		p = &BrowserParams{}
	}

	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, p); err != nil {
			return nil, NewError(CodeInvalidParams, "decoding %s params: %v", req.Method, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

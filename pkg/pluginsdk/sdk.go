// Package pluginsdk serves the flyto plugin protocol for plugins written
// in Go. A plugin declares its steps and calls Serve from main:
//
//	func main() {
//		err := pluginsdk.Serve(context.Background(), pluginsdk.Plugin{
//			ID:      "acme.tools",
//			Version: "1.0.0",
//			Steps: map[string]pluginsdk.StepFunc{
//				"echo": func(ctx context.Context, call *pluginsdk.Call) (any, error) {
//					return call.Input, nil
//				},
//			},
//		})
//		if err != nil {
//			os.Exit(1)
//		}
//	}
//
// With the default stdio transport, stdout carries protocol messages only;
// log to stderr.
package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/protocol"
	"github.com/flytohub/flyto-core-sub001/internal/transport"
)

// StepFunc implements one plugin step. The returned value becomes the
// step's data; a returned error becomes an ok:false result.
type StepFunc func(ctx context.Context, call *Call) (any, error)

// Plugin describes what Serve answers for.
type Plugin struct {
	ID      string
	Version string
	Steps   map[string]StepFunc

	// OnShutdown, when set, runs before Serve returns on a shutdown
	// request. grace is how long the host waits before signalling.
	OnShutdown func(reason string, grace time.Duration)

	// Logger defaults to JSON on stderr.
	Logger *slog.Logger
}

// Call is one invocation of a step.
type Call struct {
	Step    string
	Input   map[string]any
	Config  map[string]any
	Context map[string]any

	host *Host
}

// Host returns the channel back to the core for this call.
func (c *Call) Host() *Host { return c.host }

// StepError lets a step report a coded failure.
type StepError struct {
	Code    string
	Message string
	Details any
}

func (e *StepError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Errorf creates a StepError.
func Errorf(code, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Serve answers the protocol until the core sends shutdown, the stream
// closes, or ctx is done. It speaks over stdin/stdout unless the core
// started the plugin with the unix transport, in which case it connects
// to the socket named by FLYTO_SOCKET.
func Serve(ctx context.Context, p Plugin) error {
	if path := os.Getenv(protocol.EnvSocket); path != "" {
		tr, err := transport.DialUnix(ctx, path)
		if err != nil {
			return err
		}
		defer tr.Close()
		return ServeTransport(ctx, p, tr)
	}
	tr := transport.NewStream(os.Stdin, os.Stdout, nil)
	return ServeTransport(ctx, p, tr)
}

// ServeTransport is Serve over an arbitrary transport.
func ServeTransport(ctx context.Context, p Plugin, tr transport.Transport) error {
	if p.Logger == nil {
		p.Logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s := &server{
		plugin:  p,
		tr:      tr,
		logger:  p.Logger.With("plugin_id", p.ID),
		pending: make(map[string]chan *protocol.Response),
	}
	s.host = &Host{s: s}
	return s.run(ctx)
}

type server struct {
	plugin Plugin
	tr     transport.Transport
	logger *slog.Logger
	host   *Host

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	wg      sync.WaitGroup
}

func (s *server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := s.tr.Receive()
			if errors.Is(err, protocol.ErrMessageTooLarge) {
				s.logger.Warn("dropping oversized message")
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		case line := <-lines:
			msg, err := protocol.DecodeMessage(line)
			if err != nil {
				var rpcErr *protocol.RPCError
				if errors.As(err, &rpcErr) {
					s.reply(ctx, protocol.NewErrorResponse("", rpcErr))
				}
				continue
			}
			if !msg.IsRequest() {
				s.deliver(msg.Response)
				continue
			}
			if stop := s.handle(ctx, msg.Request); stop {
				return nil
			}
		}
	}
}

func (s *server) deliver(resp *protocol.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// handle answers one request. It returns true after shutdown.
func (s *server) handle(ctx context.Context, req *protocol.Request) bool {
	parsed, err := protocol.ParseParams(req)
	if err != nil {
		s.replyError(ctx, req.ID, err)
		return false
	}

	switch p := parsed.(type) {
	case *protocol.HandshakeParams:
		if !protocol.CompatibleVersion(p.ProtocolVersion) {
			s.replyError(ctx, req.ID, protocol.NewError(protocol.CodeInvalidRequest,
				"unsupported protocol version %q", p.ProtocolVersion))
			return false
		}
		s.replyResult(ctx, req.ID, protocol.HandshakeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			PluginID:        s.plugin.ID,
			PluginVersion:   s.plugin.Version,
			Steps:           s.stepNames(),
		})
	case *protocol.PingParams:
		s.replyResult(ctx, req.ID, protocol.PingResult{OK: true, Timestamp: time.Now().UnixMilli()})
	case *protocol.ShutdownParams:
		s.logger.Info("shutdown requested", "reason", p.Reason, "grace_ms", p.GracePeriodMs)
		if s.plugin.OnShutdown != nil {
			s.plugin.OnShutdown(p.Reason, time.Duration(p.GracePeriodMs)*time.Millisecond)
		}
		s.replyResult(ctx, req.ID, map[string]any{"ok": true})
		return true
	case *protocol.InvokeParams:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.invoke(ctx, req.ID, p)
		}()
	default:
		s.replyError(ctx, req.ID, protocol.NewError(protocol.CodeMethodNotFound,
			"method %s is not served by plugins", req.Method))
	}
	return false
}

func (s *server) stepNames() []string {
	names := make([]string, 0, len(s.plugin.Steps))
	for name := range s.plugin.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *server) invoke(ctx context.Context, id string, p *protocol.InvokeParams) {
	fn, ok := s.plugin.Steps[p.Step]
	if !ok {
		s.replyError(ctx, id, protocol.NewError(protocol.CodeStepNotFound, "unknown step %q", p.Step))
		return
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	call := &Call{Step: p.Step, Input: p.Input, Config: p.Config, Context: p.Context, host: s.host}
	data, err := runStep(ctx, fn, call)
	result := protocol.InvokeResult{OK: err == nil, Data: data}
	if err != nil {
		result.Data = nil
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			result.Error = &protocol.InvokeError{Code: stepErr.Code, Message: stepErr.Message, Details: stepErr.Details}
		} else {
			result.Error = &protocol.InvokeError{Message: err.Error()}
		}
	}
	s.replyResult(ctx, id, result)
}

func runStep(ctx context.Context, fn StepFunc, call *Call) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", call.Step, r)
		}
	}()
	return fn(ctx, call)
}

func (s *server) replyResult(ctx context.Context, id string, result any) {
	resp, err := protocol.NewResult(id, result)
	if err != nil {
		s.replyError(ctx, id, protocol.NewError(protocol.CodeInternalError, "%v", err))
		return
	}
	s.reply(ctx, resp)
}

func (s *server) replyError(ctx context.Context, id string, err error) {
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		rpcErr = protocol.NewError(protocol.CodeInternalError, "%v", err)
	}
	s.reply(ctx, protocol.NewErrorResponse(id, rpcErr))
}

func (s *server) reply(ctx context.Context, resp *protocol.Response) {
	data, err := protocol.Encode(resp)
	if err != nil {
		s.logger.Error("encoding response", "id", resp.ID, "error", err)
		return
	}
	// Replies are still written while shutting down.
	if err := s.tr.Send(context.WithoutCancel(ctx), data); err != nil {
		s.logger.Error("sending response", "id", resp.ID, "error", err)
	}
}

// Host sends requests from the plugin to the core.
type Host struct {
	s *server
}

func (h *Host) call(ctx context.Context, method protocol.Method, params any, out any) error {
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return err
	}
	ch := make(chan *protocol.Response, 1)
	h.s.mu.Lock()
	h.s.pending[req.ID] = ch
	h.s.mu.Unlock()
	defer func() {
		h.s.mu.Lock()
		delete(h.s.pending, req.ID)
		h.s.mu.Unlock()
	}()

	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if err := h.s.tr.Send(ctx, data); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if out == nil {
			if resp.Error != nil {
				return resp.Error
			}
			return nil
		}
		return resp.DecodeResult(out)
	}
}

// ResolveSecrets asks the core for secret values. Refs look like
// "secret://name" and must be declared in the plugin's manifest.
func (h *Host) ResolveSecrets(ctx context.Context, refs ...string) (map[string]string, error) {
	var res protocol.SecretsResolveResult
	if err := h.call(ctx, protocol.MethodSecretsResolve, protocol.SecretsResolveParams{Refs: refs}, &res); err != nil {
		return nil, err
	}
	return res.Secrets, nil
}

// Browser calls one of the browser.* host methods.
func (h *Host) Browser(ctx context.Context, method protocol.Method, params protocol.BrowserParams) (json.RawMessage, error) {
	if !method.IsBrowser() {
		return nil, fmt.Errorf("%s is not a browser method", method)
	}
	var raw json.RawMessage
	if err := h.call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

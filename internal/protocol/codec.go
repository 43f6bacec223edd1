package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMessageTooLarge is returned when an encoded message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol: message exceeds 10 MiB limit")

// Encode serializes msg as a single line terminated by '\n'.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	// Encoder already appended the newline.
	if buf.Len()-1 > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// marshal encodes v without HTML escaping and without the trailing newline.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Message is a decoded line: exactly one of Request and Response is set.
type Message struct {
	Request  *Request
	Response *Response
}

// IsRequest reports whether the line carried a request.
func (m *Message) IsRequest() bool { return m.Request != nil }

type probe struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  *string         `json:"method"`
	ID      *string         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// DecodeMessage parses one line and classifies it as a request or a
// response. Size is checked before any parsing happens.
func DecodeMessage(line []byte) (*Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, NewError(CodeParseError, "empty message")
	}

	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON: %v", err)
	}
	if p.JSONRPC != JSONRPCVersion {
		return nil, NewError(CodeInvalidRequest, "jsonrpc must be %q", JSONRPCVersion)
	}

	switch {
	case p.Method != nil:
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, NewError(CodeInvalidRequest, "malformed request: %v", err)
		}
		return &Message{Request: &req}, nil
	case p.ID != nil && (len(p.Result) > 0 || len(p.Error) > 0):
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, NewError(CodeInvalidRequest, "malformed response: %v", err)
		}
		return &Message{Response: &resp}, nil
	}
	return nil, NewError(CodeInvalidRequest, "message is neither a request nor a response")
}

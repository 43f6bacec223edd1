package protocol

import "fmt"

// JSON-RPC reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes.
const (
	CodeStepNotFound         = -32001
	CodeValidationError      = -32002
	CodePermissionDenied     = -32003
	CodeSecretNotProvided    = -32004
	CodeTimeout              = -32005
	CodeResourceExhausted    = -32006
	CodeBrowserUnavailable   = -32007
	CodeBrowserConnectFailed = -32008
	CodeLanguageNotSupported = -32009
)

var codeNames = map[int]string{
	CodeParseError:           "PARSE_ERROR",
	CodeInvalidRequest:       "INVALID_REQUEST",
	CodeMethodNotFound:       "METHOD_NOT_FOUND",
	CodeInvalidParams:        "INVALID_PARAMS",
	CodeInternalError:        "INTERNAL_ERROR",
	CodeStepNotFound:         "STEP_NOT_FOUND",
	CodeValidationError:      "VALIDATION_ERROR",
	CodePermissionDenied:     "PERMISSION_DENIED",
	CodeSecretNotProvided:    "SECRET_NOT_PROVIDED",
	CodeTimeout:              "TIMEOUT",
	CodeResourceExhausted:    "RESOURCE_EXHAUSTED",
	CodeBrowserUnavailable:   "BROWSER_UNAVAILABLE",
	CodeBrowserConnectFailed: "BROWSER_CONNECT_FAILED",
	CodeLanguageNotSupported: "LANGUAGE_NOT_SUPPORTED",
}

// CodeName returns the symbolic name of an error code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", code)
}

// RPCError is the error member of a response. It also implements error so
// validation failures can travel as ordinary Go errors until they are sent.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (%d): %s", CodeName(e.Code), e.Code, e.Message)
}

// NewError creates an RPCError.
func NewError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams creates a CodeInvalidParams error naming the offending field.
func InvalidParams(field, reason string) *RPCError {
	return &RPCError{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Data:    map[string]any{"field": field},
	}
}

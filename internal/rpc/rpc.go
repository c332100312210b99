// Package rpc implements the JSON-RPC 2.0 framing and dispatch used on the
// agent channel. Every WebSocket frame is a single JSON object: a request,
// a notification (request without id), or a response. The dispatcher routes
// incoming requests to an explicit method table populated at startup; there
// is no reflection-based method resolution.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Version is the fixed jsonrpc field value on every frame.
const Version = "2.0"

// Reserved JSON-RPC error codes. The -32001 code is a server extension for
// permission-gated methods.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodePermissionDenied = -32001
)

// Request is a JSON-RPC 2.0 request or notification frame.
// ID is the raw id value so string and numeric ids round-trip verbatim;
// a nil ID marks a notification, which never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame. Exactly one of Result and Error
// is populated. A nil ID marshals as null, which is the required id for
// responses to unparseable requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object. It implements the error interface so
// callers of outbound requests can handle agent-reported errors as typed
// failures.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewResult builds a success response for the given request id, marshaling
// the payload. A payload that cannot be marshaled degrades to an internal
// error response rather than silently dropping the reply.
func NewResult(id json.RawMessage, payload any) *Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ErrorResponse(id, CodeInternalError, "internal server error")
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}
}

// ErrorResponse builds an error response for the given request id.
func ErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, Error: NewError(code, message), ID: id}
}

// -----------------------------------------------------------------------------
// Frame classification
// -----------------------------------------------------------------------------

// FrameKind classifies an incoming wire frame.
type FrameKind int

const (
	// KindInvalid marks a frame that is neither a request nor a response.
	KindInvalid FrameKind = iota
	// KindRequest is a request or notification (has a method).
	KindRequest
	// KindResponse is a response to an earlier outbound request.
	KindResponse
)

// Frame is the superset shape used to classify an incoming message before
// handing it to the dispatcher (requests) or the pending-call table
// (responses).
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Kind disambiguates by shape: a method field makes it a request; a result
// or error field makes it a response; anything else is invalid.
func (f *Frame) Kind() FrameKind {
	switch {
	case f.Method != "":
		return KindRequest
	case f.Result != nil || f.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// Request converts a classified frame back into a Request value.
func (f *Frame) Request() *Request {
	return &Request{JSONRPC: f.JSONRPC, Method: f.Method, Params: f.Params, ID: f.ID}
}

// Response converts a classified frame back into a Response value.
func (f *Frame) Response() *Response {
	return &Response{JSONRPC: f.JSONRPC, Result: f.Result, Error: f.Error, ID: f.ID}
}

// -----------------------------------------------------------------------------
// Request ids
// -----------------------------------------------------------------------------

// NumericID encodes a server-allocated request id. Outbound ids are always
// numeric; they come from the per-agent monotonic counter.
func NumericID(n uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(n, 10))
}

// ParseNumericID decodes a response id back to the counter value. Both the
// bare number and its string form are accepted — some agent runtimes echo
// numeric ids as strings.
func ParseNumericID(raw json.RawMessage) (uint64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	n, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// -----------------------------------------------------------------------------
// Params
// -----------------------------------------------------------------------------

// Params wraps the raw params of an incoming request. Handlers bind it to a
// struct (named params) or slice (positional params) as they expect.
type Params struct {
	raw json.RawMessage
}

// NewParams wraps raw request params.
func NewParams(raw json.RawMessage) Params {
	return Params{raw: raw}
}

// Bind unmarshals the params into v. Absent params bind to the zero value.
func (p Params) Bind(v any) error {
	if len(p.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.raw, v); err != nil {
		return fmt.Errorf("rpc: bind params: %w", err)
	}
	return nil
}

// IsArray reports whether the params are positional.
func (p Params) IsArray() bool {
	trimmed := bytes.TrimSpace(p.raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Raw returns the underlying bytes.
func (p Params) Raw() json.RawMessage {
	return p.raw
}

// -----------------------------------------------------------------------------
// Caller identity
// -----------------------------------------------------------------------------

// Caller identifies the authenticated agent behind an incoming request.
// Stored in the handler context so method implementations can audit and act
// on behalf of the right agent without a registry lookup.
type Caller struct {
	AgentID  uuid.UUID
	ServerID uuid.UUID
}

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext retrieves the caller stored by WithCaller.
// The zero Caller and false are returned for unauthenticated contexts.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

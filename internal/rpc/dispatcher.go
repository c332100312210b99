package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Permission is the access level required to invoke a server method.
type Permission string

const (
	// PermissionRead covers side-effect-free queries and liveness signals.
	PermissionRead Permission = "read"
	// PermissionWrite covers state-mutating operations on the agent record.
	PermissionWrite Permission = "write"
	// PermissionAdmin covers operations that change the agent process itself.
	PermissionAdmin Permission = "admin"
)

// Handler implements a single server method. The context carries the
// authenticated caller (see WithCaller); the returned value is marshaled into
// the result field. Returning a *Error propagates that exact error object to
// the wire; any other error is masked as a generic internal error.
type Handler func(ctx context.Context, params Params) (any, error)

type method struct {
	handler Handler
	perm    Permission
}

// Dispatcher routes incoming requests to registered handlers, enforcing the
// permission gate per method. Registration happens at startup; the allowed
// permission set may change at runtime (an operator can open or close the
// admin level without restarting).
type Dispatcher struct {
	logger *zap.Logger

	mu      sync.RWMutex
	methods map[string]method
	allowed map[Permission]bool
}

// NewDispatcher creates a dispatcher with read and write levels enabled and
// admin disabled.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:  logger.Named("rpc"),
		methods: make(map[string]method),
		allowed: map[Permission]bool{
			PermissionRead:  true,
			PermissionWrite: true,
		},
	}
}

// Register adds a method to the table. An empty permission is treated as
// admin, so a method registered without an explicit level fails closed.
func (d *Dispatcher) Register(name string, perm Permission, h Handler) {
	if perm == "" {
		perm = PermissionAdmin
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = method{handler: h, perm: perm}
}

// SetAllowed replaces the enabled permission set.
func (d *Dispatcher) SetAllowed(perms ...Permission) {
	allowed := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		allowed[p] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowed = allowed
}

// Allowed reports whether the given permission level is currently enabled.
func (d *Dispatcher) Allowed(perm Permission) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allowed[perm]
}

// Methods returns the registered method names, for diagnostics.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// DispatchRaw parses a raw frame and dispatches it. Unparseable bytes get a
// parse-error response with a null id, per the JSON-RPC 2.0 rules.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return ErrorResponse(nil, CodeParseError, "parse error")
	}
	return d.Dispatch(ctx, &req)
}

// Dispatch runs a single request through the method table and returns the
// response to send back, or nil when the request is a notification. Handler
// panics are contained to the request: the connection survives and the
// caller receives an internal error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	notification := len(req.ID) == 0

	respond := func(resp *Response) *Response {
		if notification {
			return nil
		}
		return resp
	}

	if req.Method == "" || (req.JSONRPC != "" && req.JSONRPC != Version) {
		return respond(ErrorResponse(req.ID, CodeInvalidRequest, "invalid request"))
	}

	d.mu.RLock()
	m, ok := d.methods[req.Method]
	permitted := ok && d.allowed[m.perm]
	d.mu.RUnlock()

	if !ok {
		return respond(ErrorResponse(req.ID, CodeMethodNotFound, "method not found"))
	}
	if !permitted {
		d.logger.Warn("method denied by permission gate",
			zap.String("method", req.Method),
			zap.String("permission", string(m.perm)))
		return respond(ErrorResponse(req.ID, CodePermissionDenied, "permission denied"))
	}

	result, err := d.invoke(ctx, req, m.handler)
	if err != nil {
		var rpcErr *Error
		if e, isRPC := err.(*Error); isRPC {
			rpcErr = e
		} else {
			// Internal details stay in the log, not on the wire.
			d.logger.Error("method handler failed",
				zap.String("method", req.Method),
				zap.Error(err))
			rpcErr = NewError(CodeInternalError, "internal server error")
		}
		return respond(&Response{JSONRPC: Version, Error: rpcErr, ID: req.ID})
	}

	return respond(NewResult(req.ID, result))
}

// invoke calls the handler with panic containment.
func (d *Dispatcher) invoke(ctx context.Context, req *Request, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("method handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = nil
			err = NewError(CodeInternalError, "internal server error")
		}
	}()
	return h(ctx, NewParams(req.Params))
}

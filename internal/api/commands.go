package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/command"
)

// defaultCommandTimeout applies when the request does not specify one.
const defaultCommandTimeout = 30 * time.Second

// maxCommandTimeout caps client-supplied timeouts so one request cannot pin
// a worker for an hour.
const maxCommandTimeout = 10 * time.Minute

// CommandHandler exposes the command router over HTTP.
type CommandHandler struct {
	router *command.Router
	logger *zap.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(router *command.Router, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		router: router,
		logger: logger.Named("command_handler"),
	}
}

// executeRequest is the body of POST /servers/{server_id}/commands.
type executeRequest struct {
	Method         string `json:"method"`
	Params         any    `json:"params,omitempty"`
	Command        string `json:"command,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Policy         string `json:"policy,omitempty"`
}

// Execute handles POST /servers/{server_id}/commands. The response is always
// 200 with a command result; execution failures are expressed in the result,
// not as HTTP errors.
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	serverID, err := uuid.Parse(chi.URLParam(r, "server_id"))
	if err != nil {
		ErrBadRequest(w, "invalid server id")
		return
	}

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Method == "" && req.Command == "" {
		ErrBadRequest(w, "method or command is required")
		return
	}

	policy := command.Policy(req.Policy)
	switch policy {
	case "":
		policy = command.PolicyPreferAgent
	case command.PolicyPreferAgent, command.PolicyForceAgent, command.PolicyForceFallback:
	default:
		ErrBadRequest(w, "unknown policy")
		return
	}

	timeout := defaultCommandTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}

	result := h.router.Execute(r.Context(), serverID, command.Request{
		Method:  req.Method,
		Params:  req.Params,
		Command: req.Command,
	}, timeout, policy)

	if !result.Success {
		h.logger.Warn("command failed",
			zap.String("server_id", serverID.String()),
			zap.String("method", req.Method),
			zap.String("path", string(result.Method)),
			zap.String("error", result.Error))
	}
	Ok(w, result)
}

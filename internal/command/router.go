// Package command is the execution facade the rest of the server goes
// through to run something on a managed host. It picks the path — the
// agent's RPC channel or the SSH fallback — normalizes whatever comes back
// into a single Result shape, and never panics or retries: every call
// produces exactly one Result.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/metrics"
	"github.com/dockhand-io/dockhand/internal/rpc"
)

// Policy selects the execution path preference.
type Policy string

const (
	// PolicyPreferAgent uses the agent when connected, falling back to SSH
	// on transport failure or absence.
	PolicyPreferAgent Policy = "prefer_agent"
	// PolicyForceAgent uses the agent or fails; the fallback is never
	// invoked.
	PolicyForceAgent Policy = "force_agent"
	// PolicyForceFallback skips the agent entirely.
	PolicyForceFallback Policy = "force_fallback"
)

// Method records which path actually executed the command.
type Method string

const (
	MethodAgent Method = "AGENT"
	MethodSSH   Method = "SSH"
	MethodNone  Method = "NONE"
)

// Request describes one command. Method/Params drive the agent path;
// Command is the raw shell line for the SSH fallback. Callers populate
// whichever paths their policy can reach.
type Request struct {
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Command string `json:"command,omitempty"`
}

// Result is the uniform return shape. Error strings are human-readable and
// deliberately distinct per failure kind (timeout, not connected, agent
// error) so dashboards can tell them apart.
type Result struct {
	Success         bool    `json:"success"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	Method          Method  `json:"method"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// FallbackExecutor runs a command over a side channel when the agent path is
// unavailable.
type FallbackExecutor interface {
	Run(ctx context.Context, serverID uuid.UUID, command string, timeout time.Duration) (output string, exitCode int, err error)
}

// Router makes the agent-vs-fallback choice. The zero value is not usable —
// create instances with New.
type Router struct {
	logger   *zap.Logger
	registry *agentmanager.Manager
	fallback FallbackExecutor
}

// New creates a router. fallback may be nil; fallback-requiring paths then
// produce a failure Result instead.
func New(logger *zap.Logger, registry *agentmanager.Manager, fallback FallbackExecutor) *Router {
	return &Router{
		logger:   logger.Named("command"),
		registry: registry,
		fallback: fallback,
	}
}

// Execute routes one command and always returns a Result; it never returns
// an error and never retries. ExecutionTimeMS covers entry to return.
func (r *Router) Execute(ctx context.Context, serverID uuid.UUID, req Request, timeout time.Duration, policy Policy) Result {
	start := time.Now()
	finish := func(res Result) Result {
		res.ExecutionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
		metrics.CommandExecutions.WithLabelValues(string(res.Method)).Inc()
		metrics.CommandDuration.Observe(time.Since(start).Seconds())
		return res
	}

	if policy != PolicyForceFallback {
		res, fellThrough := r.tryAgent(ctx, serverID, req, timeout, policy)
		if !fellThrough {
			return finish(res)
		}
	}

	return finish(r.runFallback(ctx, serverID, req, timeout))
}

// tryAgent attempts the agent path. The second return value reports whether
// the router should continue to the fallback.
func (r *Router) tryAgent(ctx context.Context, serverID uuid.UUID, req Request, timeout time.Duration, policy Policy) (Result, bool) {
	if !r.registry.IsConnected(serverID) {
		if policy == PolicyForceAgent {
			return Result{
				Method: MethodNone,
				Error:  fmt.Sprintf("agent for server %s is not connected", serverID),
			}, false
		}
		return Result{}, true
	}

	raw, err := r.registry.Call(ctx, serverID, req.Method, req.Params, timeout)
	if err == nil {
		return normalizeAgentResult(raw), false
	}

	// An RPC error is the agent answering: the channel worked, the command
	// failed. A timeout is authoritative per call. Neither falls back —
	// re-running a command that may have half-executed is worse than
	// reporting the failure.
	var rpcErr *rpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return Result{Method: MethodAgent, Error: rpcErr.Message}, false
	case errors.Is(err, agentmanager.ErrCallTimeout):
		return Result{
			Method: MethodAgent,
			Error:  fmt.Sprintf("agent call timed out after %s", timeout),
		}, false
	}

	// Transport failure.
	r.logger.Warn("agent path failed",
		zap.String("server_id", serverID.String()),
		zap.String("method", req.Method),
		zap.Error(err))
	if policy == PolicyForceAgent {
		return Result{Method: MethodAgent, Error: err.Error()}, false
	}
	return Result{}, true
}

func (r *Router) runFallback(ctx context.Context, serverID uuid.UUID, req Request, timeout time.Duration) Result {
	if r.fallback == nil {
		return Result{Method: MethodNone, Error: "no fallback executor configured"}
	}
	if req.Command == "" {
		return Result{Method: MethodNone, Error: "command has no fallback shell form"}
	}

	output, exitCode, err := r.fallback.Run(ctx, serverID, req.Command, timeout)
	res := Result{
		Success:  err == nil && exitCode == 0,
		Output:   output,
		ExitCode: &exitCode,
		Method:   MethodSSH,
	}
	if err != nil {
		res.Error = err.Error()
	} else if exitCode != 0 {
		res.Error = fmt.Sprintf("command exited with status %d", exitCode)
	}
	return res
}

// normalizeAgentResult maps the agent's reply onto a Result. Agents running
// shell commands answer with a structured payload; other methods answer
// with arbitrary JSON, which is passed through as output.
func normalizeAgentResult(raw json.RawMessage) Result {
	var payload struct {
		Success  *bool  `json:"success"`
		Output   string `json:"output"`
		Error    string `json:"error"`
		ExitCode *int   `json:"exit_code"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Success != nil {
		return Result{
			Success:  *payload.Success,
			Output:   payload.Output,
			Error:    payload.Error,
			ExitCode: payload.ExitCode,
			Method:   MethodAgent,
		}
	}
	return Result{Success: true, Output: string(raw), Method: MethodAgent}
}

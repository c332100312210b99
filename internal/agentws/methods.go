package agentws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rpc"
)

// RegisterServerMethods installs the methods agents are allowed to call on
// the server. The table is fixed at startup; what varies at runtime is the
// dispatcher's allowed-permission set.
func RegisterServerMethods(
	d *rpc.Dispatcher,
	agents repositories.AgentRepository,
	serverVersion string,
	logger *zap.Logger,
) {
	log := logger.Named("agentrpc")

	d.Register("agent.ping", rpc.PermissionRead, func(ctx context.Context, _ rpc.Params) (any, error) {
		caller, _ := rpc.CallerFromContext(ctx)
		return map[string]any{
			"status":   "ok",
			"version":  serverVersion,
			"agent_id": caller.AgentID.String(),
		}, nil
	})

	// Heartbeats usually arrive as notifications; the result is only seen
	// by agents that choose to send a full request.
	d.Register("agent.heartbeat", rpc.PermissionRead, func(ctx context.Context, _ rpc.Params) (any, error) {
		caller, ok := rpc.CallerFromContext(ctx)
		if !ok {
			return nil, rpc.NewError(rpc.CodeInvalidRequest, "invalid request")
		}
		if err := agents.Touch(ctx, caller.AgentID, time.Now()); err != nil {
			log.Warn("heartbeat touch failed",
				zap.String("agent_id", caller.AgentID.String()),
				zap.Error(err))
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil
	})

	// agent.update announces a self-update: the agent pulls its new image
	// and restarts. Marking the row updating keeps the disconnect that
	// follows from reading as a failure.
	d.Register("agent.update", rpc.PermissionAdmin, func(ctx context.Context, params rpc.Params) (any, error) {
		caller, ok := rpc.CallerFromContext(ctx)
		if !ok {
			return nil, rpc.NewError(rpc.CodeInvalidRequest, "invalid request")
		}

		var req struct {
			Version string `json:"version"`
		}
		if err := params.Bind(&req); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidRequest, "invalid params")
		}

		if err := agents.UpdateStatus(ctx, caller.AgentID, db.AgentStatusUpdating); err != nil {
			return nil, err
		}
		log.Info("agent self-update started",
			zap.String("agent_id", caller.AgentID.String()),
			zap.String("target_version", req.Version))
		return map[string]any{"status": "updating"}, nil
	})
}

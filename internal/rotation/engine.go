// Package rotation replaces agent bearer tokens before they expire. The
// two-phase handover keeps the active connection intact: the replacement is
// stored as a pending hash, pushed to the agent, and promoted to current
// only after a grace window in which either token authenticates.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/metrics"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/token"
)

// ErrAgentOffline is returned when a rotation is requested for an agent with
// no live connection. Initiating against an offline agent would leave the
// pending hash set indefinitely, so the engine refuses.
var ErrAgentOffline = errors.New("rotation: agent not connected")

// MethodRotateToken is the outbound RPC that delivers the new token.
const MethodRotateToken = "agent.rotate_token"

// Config holds the rotation tunables.
type Config struct {
	// CheckInterval is the sweep cadence.
	CheckInterval time.Duration

	// AdvanceWindow is how early before expiry a rotation starts.
	AdvanceWindow time.Duration

	// GracePeriod is the dual-token overlap after the agent acknowledges.
	GracePeriod time.Duration

	// AckTimeout bounds the wait for the agent's acknowledgement.
	AckTimeout time.Duration

	// TokenValidity is the lifetime of each newly promoted token.
	TokenValidity time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Hour,
		AdvanceWindow: 24 * time.Hour,
		GracePeriod:   5 * time.Minute,
		AckTimeout:    30 * time.Second,
		TokenValidity: token.DefaultValidity,
	}
}

// Engine runs the rotation sweep and the per-agent grace timers. The zero
// value is not usable — create instances with New.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	agents   repositories.AgentRepository
	registry *agentmanager.Manager
	cron     gocron.Scheduler

	// active tracks agents with a rotation owned by this process, from
	// initiation until promotion or cancel. A pending hash in the database
	// with no entry here is the residue of a crashed run and is taken over
	// with a forced re-initiation.
	mu     sync.Mutex
	active map[uuid.UUID]*time.Timer
}

// New creates a rotation engine.
func New(
	cfg Config,
	logger *zap.Logger,
	agents repositories.AgentRepository,
	registry *agentmanager.Manager,
) (*Engine, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("rotation: create scheduler: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("rotation"),
		agents:   agents,
		registry: registry,
		cron:     cron,
		active:   make(map[uuid.UUID]*time.Timer),
	}, nil
}

// Start schedules the periodic sweep.
func (e *Engine) Start() error {
	_, err := e.cron.NewJob(
		gocron.DurationJob(e.cfg.CheckInterval),
		gocron.NewTask(e.runSweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("rotation: schedule sweep: %w", err)
	}
	e.cron.Start()
	e.logger.Info("rotation sweep started",
		zap.Duration("check_interval", e.cfg.CheckInterval),
		zap.Duration("advance_window", e.cfg.AdvanceWindow))
	return nil
}

// Stop shuts the scheduler down and cancels outstanding grace timers. The
// pending hashes stay in the database; a mid-rotation reconnect or the next
// process's sweep finishes what this one started.
func (e *Engine) Stop() {
	if err := e.cron.Shutdown(); err != nil {
		e.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	e.mu.Lock()
	for id, timer := range e.active {
		if timer != nil {
			timer.Stop()
		}
		delete(e.active, id)
	}
	e.mu.Unlock()
}

func (e *Engine) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckInterval)
	defer cancel()
	if err := e.Sweep(ctx); err != nil {
		e.logger.Error("rotation sweep failed", zap.Error(err))
	}
}

// Sweep performs one pass: find connected agents whose token expires within
// the advance window and rotate each. Per-agent failures are logged and do
// not stop the pass.
func (e *Engine) Sweep(ctx context.Context) error {
	candidates, err := e.agents.ListRotationCandidates(ctx, time.Now().Add(e.cfg.AdvanceWindow))
	if err != nil {
		return fmt.Errorf("rotation: list candidates: %w", err)
	}

	for i := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agent := &candidates[i]
		if err := e.Rotate(ctx, agent); err != nil {
			if errors.Is(err, ErrAgentOffline) {
				e.logger.Debug("skipping offline agent",
					zap.String("agent_id", agent.ID.String()))
				continue
			}
			e.logger.Warn("rotation failed",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// Rotate drives one full rotation for the given agent: mint, store pending,
// push to the agent, and schedule promotion after the grace window. Safe to
// call concurrently with the sweep; a rotation already owned by this process
// is left alone.
func (e *Engine) Rotate(ctx context.Context, agent *db.Agent) error {
	if !e.registry.IsConnected(agent.ServerID) {
		return ErrAgentOffline
	}

	e.mu.Lock()
	if _, busy := e.active[agent.ID]; busy {
		e.mu.Unlock()
		return nil
	}
	e.active[agent.ID] = nil
	e.mu.Unlock()

	tok, err := token.Generate()
	if err != nil {
		e.release(agent.ID)
		metrics.TokenRotations.WithLabelValues("error").Inc()
		return fmt.Errorf("rotation: generate token: %w", err)
	}

	err = e.agents.SetPendingToken(ctx, agent.ID, token.Hash(tok), false)
	if errors.Is(err, repositories.ErrConflict) {
		// Pending hash left behind by a crashed run: no grace timer exists
		// for it anywhere, so take the rotation over with a fresh token.
		e.logger.Warn("overwriting stale pending token",
			zap.String("agent_id", agent.ID.String()))
		err = e.agents.SetPendingToken(ctx, agent.ID, token.Hash(tok), true)
	}
	if err != nil {
		e.release(agent.ID)
		metrics.TokenRotations.WithLabelValues("error").Inc()
		return fmt.Errorf("rotation: set pending token: %w", err)
	}

	params := map[string]any{
		"new_token":            tok,
		"grace_period_seconds": int(e.cfg.GracePeriod.Seconds()),
	}
	if _, err := e.registry.Call(ctx, agent.ServerID, MethodRotateToken, params, e.cfg.AckTimeout); err != nil {
		e.cancel(agent.ID)
		return fmt.Errorf("rotation: notify agent: %w", err)
	}

	e.schedulePromotion(agent.ID)
	metrics.TokenRotations.WithLabelValues("initiated").Inc()
	e.logger.Info("rotation initiated",
		zap.String("agent_id", agent.ID.String()),
		zap.Duration("grace_period", e.cfg.GracePeriod))
	return nil
}

// RotateNow rotates a specific server's agent on demand, regardless of how
// far its token is from expiry.
func (e *Engine) RotateNow(ctx context.Context, serverID uuid.UUID) error {
	agent, err := e.agents.GetByServerID(ctx, serverID)
	if err != nil {
		return err
	}
	return e.Rotate(ctx, agent)
}

// schedulePromotion arms the grace timer. The timer slot doubles as the
// ownership marker in the active map.
func (e *Engine) schedulePromotion(agentID uuid.UUID) {
	timer := time.AfterFunc(e.cfg.GracePeriod, func() {
		e.promote(agentID)
	})
	e.mu.Lock()
	e.active[agentID] = timer
	e.mu.Unlock()
}

// promote finalizes the rotation once the grace window elapses. The
// repository predicate makes this a no-op when the agent already promoted
// itself by reconnecting with the new token.
func (e *Engine) promote(agentID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	err := e.agents.PromotePendingToken(ctx, agentID, now, now.Add(e.cfg.TokenValidity))
	e.release(agentID)

	switch {
	case errors.Is(err, repositories.ErrNotFound):
		e.logger.Debug("nothing to promote",
			zap.String("agent_id", agentID.String()))
	case err != nil:
		e.logger.Error("token promotion failed",
			zap.String("agent_id", agentID.String()),
			zap.Error(err))
		metrics.TokenRotations.WithLabelValues("error").Inc()
	default:
		e.logger.Info("token promoted", zap.String("agent_id", agentID.String()))
		metrics.TokenRotations.WithLabelValues("promoted").Inc()
	}
}

// cancel abandons a rotation, leaving the current token intact. The next
// sweep will retry.
func (e *Engine) cancel(agentID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.agents.ClearPendingToken(ctx, agentID); err != nil &&
		!errors.Is(err, repositories.ErrNotFound) {
		e.logger.Error("pending token clear failed",
			zap.String("agent_id", agentID.String()),
			zap.Error(err))
	}
	e.release(agentID)
	metrics.TokenRotations.WithLabelValues("cancelled").Inc()
	e.logger.Warn("rotation cancelled", zap.String("agent_id", agentID.String()))
}

func (e *Engine) release(agentID uuid.UUID) {
	e.mu.Lock()
	if timer := e.active[agentID]; timer != nil {
		timer.Stop()
	}
	delete(e.active, agentID)
	e.mu.Unlock()
}

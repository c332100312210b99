// Package lifecycle supervises agent liveness. It repairs stale connected
// statuses left behind by a previous process, force-disconnects agents that
// stop heartbeating, and runs the periodic housekeeping that keeps the rate
// limiter table and the registration-code table from growing unbounded.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/metrics"
	"github.com/dockhand-io/dockhand/internal/repositories"
)

// maintenanceInterval is the cadence of the housekeeping job (limiter
// cleanup, expired registration code purge).
const maintenanceInterval = 5 * time.Minute

// Config holds the lifecycle tunables.
type Config struct {
	// HeartbeatInterval is the staleness sweep cadence.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the maximum silence tolerated before an agent is
	// force-disconnected.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// Cleaner is implemented by caches that support periodic eviction.
type Cleaner interface {
	Cleanup() int
}

// Manager runs the lifecycle background loops. The zero value is not usable
// — create instances with New.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	agents   repositories.AgentRepository
	codes    repositories.RegistrationCodeRepository
	registry *agentmanager.Manager
	limiter  Cleaner
	cron     gocron.Scheduler
}

// New creates a lifecycle manager. limiter may be nil when no rate limiter
// needs housekeeping (tests).
func New(
	cfg Config,
	logger *zap.Logger,
	agents repositories.AgentRepository,
	codes repositories.RegistrationCodeRepository,
	registry *agentmanager.Manager,
	limiter Cleaner,
) (*Manager, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create scheduler: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("lifecycle"),
		agents:   agents,
		codes:    codes,
		registry: registry,
		limiter:  limiter,
		cron:     cron,
	}, nil
}

// StartupReconcile flips every agent left in connected state by a previous
// process to disconnected and returns how many rows were repaired. Must run
// before any connection is accepted, so a connected row always implies a
// live handle in the registry.
func (m *Manager) StartupReconcile(ctx context.Context) (int64, error) {
	n, err := m.agents.ResetConnected(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: startup reconcile: %w", err)
	}
	if n > 0 {
		m.logger.Info("reset stale connected agents", zap.Int64("count", n))
	}
	return n, nil
}

// Start schedules the staleness sweep and the housekeeping job and starts
// the scheduler.
func (m *Manager) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.HeartbeatInterval),
		gocron.NewTask(m.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("lifecycle: schedule staleness sweep: %w", err)
	}

	_, err = m.cron.NewJob(
		gocron.DurationJob(maintenanceInterval),
		gocron.NewTask(m.maintain),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("lifecycle: schedule maintenance: %w", err)
	}

	m.cron.Start()
	m.logger.Info("lifecycle loops started",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))
	return nil
}

// Stop shuts the scheduler down, waiting for a running iteration to finish.
func (m *Manager) Stop() {
	if err := m.cron.Shutdown(); err != nil {
		m.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
}

// sweep is one staleness pass over the live registry. Closing a stale
// connection unblocks its session loop, which performs the unregister and
// the status transition; the direct calls below cover a session stuck
// outside its read.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
	defer cancel()

	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	for _, serverID := range m.registry.ConnectedServers() {
		conn, ok := m.registry.Get(serverID)
		if !ok || conn.LastSeen().After(cutoff) {
			continue
		}

		m.logger.Warn("agent stale, forcing disconnect",
			zap.String("server_id", serverID.String()),
			zap.String("agent_id", conn.AgentID().String()),
			zap.Time("last_seen", conn.LastSeen()))

		conn.Close(websocket.CloseGoingAway, "heartbeat timeout")
		if m.registry.Unregister(conn) {
			if err := m.agents.MarkDisconnected(ctx, conn.AgentID()); err != nil {
				m.logger.Error("mark disconnected failed",
					zap.String("agent_id", conn.AgentID().String()),
					zap.Error(err))
			}
		}
		metrics.StaleAgentsDisconnected.Inc()
	}
}

// maintain is one housekeeping pass.
func (m *Manager) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if m.limiter != nil {
		if removed := m.limiter.Cleanup(); removed > 0 {
			m.logger.Debug("rate limiter entries evicted", zap.Int("count", removed))
		}
	}

	purged, err := m.codes.DeleteExpired(ctx, time.Now())
	if err != nil {
		m.logger.Error("expired code purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		m.logger.Info("expired registration codes purged", zap.Int64("count", purged))
	}
}

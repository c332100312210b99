// Package agentmanager keeps the in-memory registry of live agent
// connections. The registry is transient by design: the database is the
// authority for agent state, and every entry here can be reconstructed from
// a fresh handshake. Lookups are keyed by the managed host's server id.
package agentmanager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrAgentNotConnected is returned when no live connection exists for the
// requested server.
var ErrAgentNotConnected = errors.New("agentmanager: agent not connected")

// Manager is the connection registry. All methods are safe for concurrent
// use.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

// NewManager creates an empty registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("agentmanager"),
		conns:  make(map[uuid.UUID]*Conn),
	}
}

// Register installs the connection as the live handle for its server.
// Last writer wins: an existing handle for the same server is closed and
// replaced, which covers agents reconnecting before the server has noticed
// the old link die.
func (m *Manager) Register(conn *Conn) {
	m.mu.Lock()
	old, exists := m.conns[conn.ServerID()]
	m.conns[conn.ServerID()] = conn
	m.mu.Unlock()

	if exists {
		m.logger.Warn("replacing existing agent connection",
			zap.String("server_id", conn.ServerID().String()),
			zap.String("agent_id", conn.AgentID().String()))
		old.Close(websocket.CloseGoingAway, "superseded by new connection")
	}

	m.logger.Info("agent connected",
		zap.String("server_id", conn.ServerID().String()),
		zap.String("agent_id", conn.AgentID().String()))
}

// Unregister removes the connection from the registry, but only if it is
// still the current handle. A stale handle from a replaced connection must
// not evict its successor. Returns whether the handle was removed, so the
// caller knows if it is responsible for the persisted status transition.
func (m *Manager) Unregister(conn *Conn) bool {
	m.mu.Lock()
	current, ok := m.conns[conn.ServerID()]
	removed := ok && current == conn
	if removed {
		delete(m.conns, conn.ServerID())
	}
	m.mu.Unlock()

	if removed {
		m.logger.Info("agent disconnected",
			zap.String("server_id", conn.ServerID().String()),
			zap.String("agent_id", conn.AgentID().String()))
	}
	return removed
}

// Get returns the live connection for a server, if any.
func (m *Manager) Get(serverID uuid.UUID) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverID]
	return conn, ok
}

// IsConnected reports whether a live connection exists for the server.
func (m *Manager) IsConnected(serverID uuid.UUID) bool {
	_, ok := m.Get(serverID)
	return ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ConnectedServers returns a snapshot of the server ids with live
// connections.
func (m *Manager) ConnectedServers() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Call sends a request to the agent on the given server and waits for its
// response. Returns ErrAgentNotConnected when no live handle exists.
func (m *Manager) Call(ctx context.Context, serverID uuid.UUID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := m.Get(serverID)
	if !ok {
		return nil, ErrAgentNotConnected
	}
	return conn.Call(ctx, method, params, timeout)
}

// Notify sends a fire-and-forget notification to the agent on the given
// server.
func (m *Manager) Notify(serverID uuid.UUID, method string, params any) error {
	conn, ok := m.Get(serverID)
	if !ok {
		return ErrAgentNotConnected
	}
	return conn.Notify(method, params)
}

// Broadcast sends a notification to every connected agent and returns how
// many were reached. Per-connection failures are logged, not propagated —
// a broadcast is best effort.
func (m *Manager) Broadcast(method string, params any) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Notify(method, params); err != nil {
			m.logger.Warn("broadcast delivery failed",
				zap.String("server_id", c.ServerID().String()),
				zap.String("method", method),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes every live connection with the given close code. Used
// during shutdown, after the listener has stopped accepting new connections.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[uuid.UUID]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
	if len(conns) > 0 {
		m.logger.Info("closed all agent connections", zap.Int("count", len(conns)))
	}
}

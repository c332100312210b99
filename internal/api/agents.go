package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rotation"
)

// codeValidity is how long a freshly issued registration code stays usable.
const codeValidity = 15 * time.Minute

// AgentHandler groups all agent-related HTTP handlers.
type AgentHandler struct {
	agents   repositories.AgentRepository
	codes    repositories.RegistrationCodeRepository
	registry *agentmanager.Manager
	rotation *rotation.Engine
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(
	agents repositories.AgentRepository,
	codes repositories.RegistrationCodeRepository,
	registry *agentmanager.Manager,
	rotation *rotation.Engine,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		agents:   agents,
		codes:    codes,
		registry: registry,
		rotation: rotation,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
// Token hashes are intentionally excluded.
type agentResponse struct {
	ID             string  `json:"id"`
	ServerID       string  `json:"server_id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Connected      bool    `json:"connected"`
	Version        string  `json:"version"`
	TokenExpiresAt *string `json:"token_expires_at"`
	LastSeenAt     *string `json:"last_seen_at"`
	RegisteredAt   *string `json:"registered_at"`
	CreatedAt      string  `json:"created_at"`
}

// agentCreateResponse extends agentResponse with the registration code,
// shown only once at creation. The code cannot be recovered after this.
type agentCreateResponse struct {
	agentResponse
	RegistrationCode string `json:"registration_code"`
	CodeExpiresAt    string `json:"code_expires_at"`
}

// agentToResponse converts a db.Agent to an agentResponse.
func (h *AgentHandler) agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:        a.ID.String(),
		ServerID:  a.ServerID.String(),
		Name:      a.Name,
		Status:    string(a.Status),
		Connected: h.registry.IsConnected(a.ServerID),
		Version:   a.Version,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.TokenExpiresAt != nil {
		s := a.TokenExpiresAt.UTC().Format(time.RFC3339)
		resp.TokenExpiresAt = &s
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	if a.RegisteredAt != nil {
		s := a.RegisteredAt.UTC().Format(time.RFC3339)
		resp.RegisteredAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	agents, total, err := h.agents.List(r.Context(), repositories.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, 0, len(agents))
	for i := range agents {
		items = append(items, h.agentToResponse(&agents[i]))
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// Get handles GET /agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.agentToResponse(agent))
}

// createAgentRequest is the body of POST /agents.
type createAgentRequest struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
}

// Create handles POST /agents: creates the agent record in pending state and
// issues its first registration code.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	serverID, err := uuid.Parse(req.ServerID)
	if err != nil {
		ErrBadRequest(w, "invalid server_id")
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	if _, err := h.agents.GetByServerID(r.Context(), serverID); err == nil {
		ErrConflict(w, "server already has an agent")
		return
	} else if !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("server lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	cfg, _ := json.Marshal(db.DefaultAgentConfig())
	agent := &db.Agent{
		ServerID: serverID,
		Name:     req.Name,
		Status:   db.AgentStatusPending,
		Config:   string(cfg),
	}
	if err := h.agents.Create(r.Context(), agent); err != nil {
		h.logger.Error("create agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	code, expiresAt, err := h.issueCode(r, agent.ID)
	if err != nil {
		h.logger.Error("issue registration code failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, agentCreateResponse{
		agentResponse:    h.agentToResponse(agent),
		RegistrationCode: code,
		CodeExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
	})
}

// Delete handles DELETE /agents/{id}. A live connection is closed first so
// the agent cannot keep acting on a deleted record.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if conn, ok := h.registry.Get(agent.ServerID); ok {
		conn.Close(1000, "agent deleted")
	}

	if err := h.agents.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// codeResponse is the body returned by POST /agents/{id}/code.
type codeResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
}

// IssueCode handles POST /agents/{id}/code: mints a fresh single-use
// registration code, e.g. after the previous one expired unused.
func (h *AgentHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	if _, err := h.agents.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	code, expiresAt, err := h.issueCode(r, id)
	if err != nil {
		h.logger.Error("issue registration code failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, codeResponse{
		Code:      code,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// Rotate handles POST /agents/{id}/rotate: starts an on-demand token
// rotation for a connected agent.
func (h *AgentHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.rotation.Rotate(r.Context(), agent); err != nil {
		if errors.Is(err, rotation.ErrAgentOffline) {
			ErrConflict(w, "agent is not connected")
			return
		}
		h.logger.Error("rotation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{"status": "rotating"})
}

// updateConfigRequest is the body of PUT /agents/{id}/config.
type updateConfigRequest struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	MetricsIntervalSeconds   int `json:"metrics_interval_seconds"`
}

// UpdateConfig handles PUT /agents/{id}/config: persists the new tunables
// and pushes them to the agent if it is connected. A disconnected agent
// picks them up in its next handshake response.
func (h *AgentHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	var req updateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HeartbeatIntervalSeconds <= 0 || req.MetricsIntervalSeconds <= 0 {
		ErrBadRequest(w, "intervals must be positive")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	cfg := db.AgentConfig{
		HeartbeatIntervalSeconds: req.HeartbeatIntervalSeconds,
		MetricsIntervalSeconds:   req.MetricsIntervalSeconds,
	}
	raw, _ := json.Marshal(cfg)
	agent.Config = string(raw)
	if err := h.agents.Update(r.Context(), agent); err != nil {
		h.logger.Error("update agent config failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.registry.Notify(agent.ServerID, "agent.set_config", cfg); err != nil &&
		!errors.Is(err, agentmanager.ErrAgentNotConnected) {
		h.logger.Warn("config push failed",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
	}

	Ok(w, cfg)
}

func (h *AgentHandler) issueCode(r *http.Request, agentID uuid.UUID) (string, time.Time, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	code := hex.EncodeToString(buf)
	expiresAt := time.Now().Add(codeValidity)

	rec := &db.RegistrationCode{
		AgentID:   agentID,
		Code:      code,
		ExpiresAt: expiresAt,
	}
	if err := h.codes.Create(r.Context(), rec); err != nil {
		return "", time.Time{}, err
	}
	return code, expiresAt, nil
}

package agentws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/token"
)

// Application-level close codes on the agent channel. The 4000 range is
// reserved for private use by RFC 6455.
const (
	CloseServerShutdown = 4000
	CloseAuthFailed     = 4001
	CloseAuthTimeout    = 4002
	CloseRateLimited    = 4003
)

const (
	frameTypeRegister      = "register"
	frameTypeAuthenticate  = "authenticate"
	frameTypeRegistered    = "registered"
	frameTypeAuthenticated = "authenticated"
	frameTypeError         = "error"
)

// handshakeFrame is the first frame an agent sends on a new connection.
type handshakeFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
}

// registeredFrame answers a successful registration. This is the only time
// the plaintext token ever crosses the wire; the agent must store it.
type registeredFrame struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id"`
	Token   string         `json:"token"`
	Config  db.AgentConfig `json:"config"`
}

// authenticatedFrame answers a successful authentication.
type authenticatedFrame struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id"`
	Config  db.AgentConfig `json:"config"`
}

// errorFrame answers a failed handshake before the connection is closed.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handshakeError carries the wire-visible reason and the metric label for a
// failed handshake. The wire reason is deliberately coarse; specifics stay
// in the server log.
type handshakeError struct {
	reason string
	label  string
}

func (e *handshakeError) Error() string { return e.reason }

var (
	errInvalidCode      = &handshakeError{reason: "Invalid registration code", label: "invalid_code"}
	errInvalidToken     = &handshakeError{reason: "Invalid token", label: "invalid_token"}
	errExpiredToken     = &handshakeError{reason: "Token expired", label: "expired_token"}
	errBadHandshake     = &handshakeError{reason: "Invalid handshake", label: "malformed"}
	errHandshakeFailure = &handshakeError{reason: "Handshake failed", label: "internal"}
)

// register consumes a registration code, mints the agent's first token, and
// binds the reported version. The code is spent atomically: the repository
// predicate guarantees that a code value replayed from a second connection
// loses, whatever the interleaving.
func (h *Handler) register(ctx context.Context, frame handshakeFrame) (*db.Agent, any, error) {
	if frame.Code == "" {
		return nil, nil, errBadHandshake
	}

	rec, err := h.codes.GetByCode(ctx, frame.Code)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, errInvalidCode
		}
		h.logger.Error("registration code lookup failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	now := time.Now()
	if err := h.codes.Consume(ctx, rec.ID, now); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, nil, errInvalidCode
		}
		h.logger.Error("registration code consume failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	agent, err := h.agents.GetByID(ctx, rec.AgentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Code survived its agent's deletion window; treat as invalid.
			return nil, nil, errInvalidCode
		}
		h.logger.Error("agent lookup failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	tok, err := token.Generate()
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	issued := now
	expires := now.Add(token.DefaultValidity)
	agent.TokenHash = token.Hash(tok)
	agent.PendingTokenHash = ""
	agent.TokenIssuedAt = &issued
	agent.TokenExpiresAt = &expires
	agent.Version = frame.Version
	if err := h.agents.Update(ctx, agent); err != nil {
		h.logger.Error("agent token persist failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	reply := registeredFrame{
		Type:    frameTypeRegistered,
		AgentID: agent.ID.String(),
		Token:   tok,
		Config:  db.ParseAgentConfig(agent.Config),
	}
	return agent, reply, nil
}

// authenticate resolves a bearer token against the current or pending hash.
// Matching the pending hash means the agent already switched to its rotated
// token, so the rotation is finalized on the spot instead of waiting for the
// grace timer.
func (h *Handler) authenticate(ctx context.Context, frame handshakeFrame) (*db.Agent, any, error) {
	if frame.Token == "" {
		return nil, nil, errBadHandshake
	}

	hash := token.Hash(frame.Token)
	agent, err := h.agents.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, errInvalidToken
		}
		h.logger.Error("agent token lookup failed", zap.Error(err))
		return nil, nil, errHandshakeFailure
	}

	now := time.Now()
	switch {
	case agent.PendingTokenHash != "" && hash == agent.PendingTokenHash:
		expires := now.Add(token.DefaultValidity)
		err := h.agents.PromotePendingToken(ctx, agent.ID, now, expires)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			h.logger.Error("token promotion on reconnect failed",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err))
			return nil, nil, errHandshakeFailure
		}
	case agent.TokenExpiresAt != nil && agent.TokenExpiresAt.Before(now):
		return nil, nil, errExpiredToken
	}

	reply := authenticatedFrame{
		Type:    frameTypeAuthenticated,
		AgentID: agent.ID.String(),
		Config:  db.ParseAgentConfig(agent.Config),
	}
	return agent, reply, nil
}

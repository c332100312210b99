// Package agentws is the transport endpoint for agent daemons: it upgrades
// inbound HTTP requests to WebSocket, gates them through the per-IP rate
// limiter, runs the registration/authentication handshake, and then drives
// the per-connection receive loop that feeds the RPC dispatcher.
package agentws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/metrics"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rpc"
)

// Handler serves the agent WebSocket endpoint.
type Handler struct {
	cfg        Config
	logger     *zap.Logger
	limiter    *ConnectionRateLimiter
	agents     repositories.AgentRepository
	codes      repositories.RegistrationCodeRepository
	manager    *agentmanager.Manager
	dispatcher *rpc.Dispatcher

	// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
	// always returns true — agents are not browsers, and origin validation
	// is the reverse proxy's job in deployments that need it.
	upgrader websocket.Upgrader
}

// NewHandler wires the transport endpoint.
func NewHandler(
	cfg Config,
	logger *zap.Logger,
	agents repositories.AgentRepository,
	codes repositories.RegistrationCodeRepository,
	manager *agentmanager.Manager,
	dispatcher *rpc.Dispatcher,
) *Handler {
	return &Handler{
		cfg:        cfg,
		logger:     logger.Named("agentws"),
		limiter:    NewConnectionRateLimiter(cfg.RateLimit),
		agents:     agents,
		codes:      codes,
		manager:    manager,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Limiter exposes the rate limiter for the periodic cleanup job.
func (h *Handler) Limiter() *ConnectionRateLimiter {
	return h.limiter
}

// ServeHTTP accepts one agent connection: rate-limit gate, upgrade,
// handshake, then the receive loop until the connection dies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r.RemoteAddr)
	logger := h.logger.With(zap.String("remote_addr", r.RemoteAddr))

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if !h.limiter.Allow(ip) {
		metrics.RateLimitedConnections.Inc()
		logger.Warn("connection refused by rate limiter", zap.String("ip", ip))
		closeWith(ws, CloseRateLimited, "too many connection attempts")
		return
	}

	agent, err := h.handshake(r.Context(), ws, ip, logger)
	if err != nil {
		return
	}

	conn := agentmanager.NewConn(agent.ID, agent.ServerID, ws, h.logger)
	h.manager.Register(conn)
	metrics.ConnectedAgents.Inc()

	h.runSession(conn)
}

// handshake reads and answers the first frame. On any failure the attempt
// is recorded against the client IP, the error frame is written, and the
// connection is closed; the caller just returns.
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn, ip string, logger *zap.Logger) (*db.Agent, error) {
	fail := func(code int, herr *handshakeError) {
		h.limiter.RecordFailure(ip)
		metrics.HandshakeFailures.WithLabelValues(herr.label).Inc()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(errorFrame{Type: frameTypeError, Error: herr.reason})
		closeWith(ws, code, herr.reason)
	}

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.limiter.RecordFailure(ip)
		metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
		logger.Warn("handshake frame not received", zap.Error(err))
		closeWith(ws, CloseAuthTimeout, "handshake timeout")
		return nil, err
	}

	var frame handshakeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warn("malformed handshake frame", zap.Error(err))
		fail(CloseAuthFailed, errBadHandshake)
		return nil, err
	}

	var rec *db.Agent
	var reply any
	var hsErr error
	switch frame.Type {
	case frameTypeRegister:
		rec, reply, hsErr = h.register(ctx, frame)
	case frameTypeAuthenticate:
		rec, reply, hsErr = h.authenticate(ctx, frame)
	default:
		hsErr = errBadHandshake
	}
	if hsErr != nil {
		var herr *handshakeError
		if !errors.As(hsErr, &herr) {
			herr = errHandshakeFailure
		}
		logger.Warn("handshake rejected",
			zap.String("type", frame.Type),
			zap.String("reason", herr.label))
		fail(CloseAuthFailed, herr)
		return nil, hsErr
	}

	h.limiter.Reset(ip)

	// Safe to write directly: the Conn and its writePump do not exist yet.
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(reply); err != nil {
		logger.Warn("handshake reply not delivered", zap.Error(err))
		_ = ws.Close()
		return nil, err
	}

	// Persisted only after the reply is on the wire. A connection that dies
	// before this point never reaches Register, and a connected row must
	// always have a live handle behind it.
	if err := h.agents.MarkConnected(ctx, rec.ID, frame.Version, time.Now()); err != nil {
		logger.Error("mark connected failed",
			zap.String("agent_id", rec.ID.String()),
			zap.Error(err))
	}

	return rec, nil
}

// runSession is the per-connection receive loop. Frames are processed
// serially in arrival order. Processing failures are tolerated up to the
// consecutive-error cap; a single good frame resets the count.
func (h *Handler) runSession(conn *agentmanager.Conn) {
	logger := h.logger.With(
		zap.String("agent_id", conn.AgentID().String()),
		zap.String("server_id", conn.ServerID().String()),
	)

	defer func() {
		conn.Close(websocket.CloseNormalClosure, "")
		metrics.ConnectedAgents.Dec()
		if h.manager.Unregister(conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.agents.MarkDisconnected(ctx, conn.AgentID()); err != nil {
				logger.Warn("mark disconnected failed", zap.Error(err))
			}
		}
	}()

	consecutive := 0
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		if err := h.handleFrame(conn, data); err != nil {
			consecutive++
			logger.Warn("message processing failed",
				zap.Int("consecutive_errors", consecutive),
				zap.Error(err))
			if consecutive >= h.cfg.MaxConsecutiveErrors {
				logger.Warn("consecutive error limit reached, closing connection")
				conn.Close(websocket.ClosePolicyViolation, "too many protocol errors")
				return
			}
			continue
		}
		consecutive = 0
	}
}

// handleFrame classifies one inbound frame and routes it: requests go to the
// dispatcher, responses to the pending-call table. The returned error counts
// toward the consecutive-error cap; a frame the dispatcher answered with an
// RPC error is still a successfully processed frame.
func (h *Handler) handleFrame(conn *agentmanager.Conn, data []byte) error {
	var frame rpc.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = conn.SendResponse(rpc.ErrorResponse(nil, rpc.CodeParseError, "parse error"))
		return fmt.Errorf("agentws: parse frame: %w", err)
	}

	switch frame.Kind() {
	case rpc.KindRequest:
		req := frame.Request()
		ctx := rpc.WithCaller(context.Background(), rpc.Caller{
			AgentID:  conn.AgentID(),
			ServerID: conn.ServerID(),
		})
		start := time.Now()
		resp := h.dispatcher.Dispatch(ctx, req)
		metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		if resp != nil {
			if err := conn.SendResponse(resp); err != nil {
				return fmt.Errorf("agentws: send response: %w", err)
			}
		}
		return nil

	case rpc.KindResponse:
		conn.DeliverResponse(frame.Response())
		return nil

	default:
		_ = conn.SendResponse(rpc.ErrorResponse(frame.ID, rpc.CodeInvalidRequest, "invalid request"))
		return errors.New("agentws: frame is neither request nor response")
	}
}

// writeTimeout bounds handshake-phase writes, before the Conn's writePump
// takes over write deadlines.
const writeTimeout = 10 * time.Second

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

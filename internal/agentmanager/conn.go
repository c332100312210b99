package agentmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/rpc"
)

const (
	// writeWait is the maximum time allowed to write a frame to the agent.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled agent from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the agent.
	// Must be less than pongWait so the agent has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum frame size in bytes accepted from the
	// agent. Command output travels in responses, so the limit is generous.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-agent outbound channel. If
	// the buffer fills up the agent is considered too slow and disconnected,
	// so one stalled link cannot block rotation or command traffic.
	sendBufferSize = 64
)

var (
	// ErrConnClosed is returned by calls attempted on a closed connection.
	ErrConnClosed = errors.New("agentmanager: connection closed")

	// ErrCallTimeout is returned when the agent does not answer an outbound
	// request within the caller's deadline.
	ErrCallTimeout = errors.New("agentmanager: call timed out")

	// ErrSendBufferFull is returned when the outbound buffer is saturated.
	// The connection is closed as a side effect.
	ErrSendBufferFull = errors.New("agentmanager: send buffer full")
)

// Conn is the server-side handle for one authenticated agent connection. It
// owns the only goroutine allowed to write to the underlying WebSocket
// (writePump) and the pending-call table that correlates outbound request
// ids with their responses. Frame reading stays with the session loop that
// created the Conn; it feeds incoming responses back through
// DeliverResponse.
type Conn struct {
	agentID  uuid.UUID
	serverID uuid.UUID
	ws       *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}

	nextID   atomic.Uint64
	lastSeen atomic.Int64

	mu      sync.Mutex
	pending map[uint64]chan *rpc.Response
}

// NewConn wraps an upgraded, authenticated WebSocket connection. It installs
// the read limit, read deadline, and pong handler, and starts the writePump.
func NewConn(agentID, serverID uuid.UUID, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		agentID:  agentID,
		serverID: serverID,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
		pending:  make(map[uint64]chan *rpc.Response),
		logger: logger.With(
			zap.String("agent_id", agentID.String()),
			zap.String("server_id", serverID.String()),
			zap.String("remote_addr", ws.RemoteAddr().String()),
		),
	}
	c.Touch()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.Touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c
}

// AgentID returns the agent record id behind this connection.
func (c *Conn) AgentID() uuid.UUID { return c.agentID }

// ServerID returns the managed host this agent runs on.
func (c *Conn) ServerID() uuid.UUID { return c.serverID }

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Touch records activity on the connection.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound activity.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ReadFrame blocks until the next frame arrives from the agent. Every
// successful read refreshes the activity timestamp and the read deadline.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.Touch()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// Call sends a request to the agent and waits for the matching response.
// The result bytes are returned on success; an agent-reported failure comes
// back as *rpc.Error. The pending slot is always released on exit, so a
// response arriving after a timeout is dropped rather than delivered to a
// reused id.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	slot := make(chan *rpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.sendRequest(method, params, rpc.NumericID(id)); err != nil {
		release()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		release()
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		release()
		return nil, ErrCallTimeout
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-c.closed:
		release()
		return nil, ErrConnClosed
	}
}

// Notify sends a request without an id. No response will ever arrive.
func (c *Conn) Notify(method string, params any) error {
	return c.sendRequest(method, params, nil)
}

// SendResponse queues a dispatcher reply for an agent-initiated request.
func (c *Conn) SendResponse(resp *rpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("agentmanager: marshal response: %w", err)
	}
	return c.enqueue(data)
}

// DeliverResponse routes an inbound response to the waiting Call. Responses
// with unknown or already-released ids are dropped; they are the normal
// residue of timed-out calls.
func (c *Conn) DeliverResponse(resp *rpc.Response) {
	id, ok := rpc.ParseNumericID(resp.ID)
	if !ok {
		c.logger.Warn("response with unparseable id dropped",
			zap.ByteString("id", resp.ID))
		return
	}

	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("late response dropped", zap.Uint64("id", id))
		return
	}
	slot <- resp
}

// Close tears the connection down with the given close code. Safe to call
// multiple times; only the first call sends the close frame. Pending calls
// observe the closure through the done channel.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("close frame not delivered", zap.Error(err))
		}
		_ = c.ws.Close()
	})
}

func (c *Conn) sendRequest(method string, params any, id json.RawMessage) error {
	req := rpc.Request{JSONRPC: rpc.Version, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("agentmanager: marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("agentmanager: marshal request: %w", err)
	}
	return c.enqueue(data)
}

// enqueue hands a frame to the writePump. A full buffer means the agent has
// stopped draining the link; the connection is closed rather than letting
// callers block behind it.
func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.logger.Warn("send buffer full, disconnecting slow agent")
		c.Close(websocket.CloseGoingAway, "send buffer overflow")
		return ErrSendBufferFull
	}
}

// writePump forwards queued frames to the wire and sends periodic pings so
// the read deadline can detect stale connections.
//
// writePump is the only goroutine that writes data frames to ws —
// gorilla/websocket connections are not safe for concurrent writes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping error", zap.Error(err))
				return
			}

		case <-c.closed:
			return
		}
	}
}

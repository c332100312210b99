package rotation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rpc"
	"github.com/dockhand-io/dockhand/internal/token"
)

const testWait = 5 * time.Second

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, repositories.AgentRepository, *agentmanager.Manager) {
	t.Helper()
	agents := repositories.NewAgentRepository(newTestDB(t))
	registry := agentmanager.NewManager(zap.NewNop())
	e, err := New(cfg, zap.NewNop(), agents, registry)
	if err != nil {
		t.Fatal(err)
	}
	return e, agents, registry
}

func seedAgent(t *testing.T, agents repositories.AgentRepository) *db.Agent {
	t.Helper()
	issued := time.Now().Add(-29 * 24 * time.Hour)
	expires := time.Now().Add(12 * time.Hour)
	agent := &db.Agent{
		ServerID:       uuid.New(),
		Name:           "nas-01",
		Status:         db.AgentStatusConnected,
		TokenHash:      token.Hash("old-token"),
		TokenIssuedAt:  &issued,
		TokenExpiresAt: &expires,
	}
	if err := agents.Create(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	return agent
}

// fakeAgent is a live agent connection: a real WebSocket pair where the
// server side is wired into the registry and the client side is driven by
// the test.
type fakeAgent struct {
	client *websocket.Conn
}

func startFakeAgent(t *testing.T, registry *agentmanager.Manager, agent *db.Agent) *fakeAgent {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := agentmanager.NewConn(agent.ID, agent.ServerID, ws, zap.NewNop())
		registry.Register(conn)
		defer func() {
			conn.Close(websocket.CloseNormalClosure, "")
			registry.Unregister(conn)
		}()
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				return
			}
			var frame rpc.Frame
			if json.Unmarshal(data, &frame) == nil && frame.Kind() == rpc.KindResponse {
				conn.DeliverResponse(frame.Response())
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	deadline := time.Now().Add(testWait)
	for !registry.IsConnected(agent.ServerID) {
		if time.Now().After(deadline) {
			t.Fatal("fake agent never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &fakeAgent{client: client}
}

// readRotateRequest blocks until the rotation push arrives and returns its
// id and the plaintext token it carries.
func (f *fakeAgent) readRotateRequest(t *testing.T) (json.RawMessage, string) {
	t.Helper()
	_ = f.client.SetReadDeadline(time.Now().Add(testWait))
	var req rpc.Request
	if err := f.client.ReadJSON(&req); err != nil {
		t.Fatalf("read rotate request: %v", err)
	}
	if req.Method != MethodRotateToken {
		t.Fatalf("method = %q, want %s", req.Method, MethodRotateToken)
	}
	var params struct {
		NewToken           string `json:"new_token"`
		GracePeriodSeconds int    `json:"grace_period_seconds"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.NewToken == "" || params.GracePeriodSeconds < 0 {
		t.Fatalf("bad rotation params: %+v", params)
	}
	return req.ID, params.NewToken
}

func (f *fakeAgent) ack(t *testing.T, id json.RawMessage) {
	t.Helper()
	_ = f.client.SetWriteDeadline(time.Now().Add(testWait))
	err := f.client.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"result":  map[string]string{"status": "ok"},
		"id":      id,
	})
	if err != nil {
		t.Fatalf("write ack: %v", err)
	}
}

func waitForAgent(t *testing.T, agents repositories.AgentRepository, id uuid.UUID, what string, cond func(*db.Agent) bool) *db.Agent {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		a, err := agents.GetByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if cond(a) {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("offline agents are skipped", func(t *testing.T) {
		e, agents, _ := newTestEngine(t, DefaultConfig())
		agent := seedAgent(t, agents)

		if err := e.Rotate(ctx, agent); err != ErrAgentOffline {
			t.Fatalf("Rotate = %v, want ErrAgentOffline", err)
		}

		stored, err := agents.GetByID(ctx, agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.PendingTokenHash != "" {
			t.Error("pending hash set for an offline agent")
		}
	})

	t.Run("acknowledged rotation promotes after the grace window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GracePeriod = 50 * time.Millisecond
		cfg.AckTimeout = time.Second
		cfg.TokenValidity = time.Hour
		e, agents, registry := newTestEngine(t, cfg)
		agent := seedAgent(t, agents)
		fake := startFakeAgent(t, registry, agent)

		var newToken string
		done := make(chan struct{})
		go func() {
			defer close(done)
			id, tok := fake.readRotateRequest(t)
			newToken = tok
			fake.ack(t, id)
		}()

		if err := e.Rotate(ctx, agent); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		<-done

		// Both tokens are live during the grace window.
		stored, err := agents.GetByID(ctx, agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.PendingTokenHash != token.Hash(newToken) {
			t.Error("pending hash does not match the pushed token")
		}
		if stored.TokenHash != token.Hash("old-token") {
			t.Error("current token replaced before the grace window elapsed")
		}

		promoted := waitForAgent(t, agents, agent.ID, "promotion", func(a *db.Agent) bool {
			return a.PendingTokenHash == ""
		})
		if promoted.TokenHash != token.Hash(newToken) {
			t.Error("promoted hash does not match the pushed token")
		}
		if promoted.TokenExpiresAt == nil || time.Until(*promoted.TokenExpiresAt) > time.Hour {
			t.Errorf("expiry not rewritten: %v", promoted.TokenExpiresAt)
		}
	})

	t.Run("overlapping sweeps initiate a single rotation", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GracePeriod = 300 * time.Millisecond
		cfg.AckTimeout = time.Second
		cfg.TokenValidity = time.Hour
		e, agents, registry := newTestEngine(t, cfg)
		agent := seedAgent(t, agents)
		fake := startFakeAgent(t, registry, agent)

		var newToken string
		done := make(chan struct{})
		go func() {
			defer close(done)
			id, tok := fake.readRotateRequest(t)
			newToken = tok
			fake.ack(t, id)
		}()

		if err := e.Sweep(ctx); err != nil {
			t.Fatalf("first sweep: %v", err)
		}
		<-done

		first, err := agents.GetByID(ctx, agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if first.PendingTokenHash != token.Hash(newToken) {
			t.Fatal("first sweep did not initiate a rotation")
		}

		// The second pass lands mid-grace. The agent still qualifies as a
		// candidate, but the rotation is owned, so nothing new goes out and
		// the pending hash stays put.
		if err := e.Sweep(ctx); err != nil {
			t.Fatalf("second sweep: %v", err)
		}

		_ = fake.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := fake.client.ReadMessage(); err == nil {
			t.Fatal("second sweep pushed a second rotation to the agent")
		}

		mid, err := agents.GetByID(ctx, agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if mid.PendingTokenHash != first.PendingTokenHash {
			t.Error("second sweep replaced the pending hash")
		}

		promoted := waitForAgent(t, agents, agent.ID, "single promotion", func(a *db.Agent) bool {
			return a.PendingTokenHash == ""
		})
		if promoted.TokenHash != token.Hash(newToken) {
			t.Error("promoted hash does not match the one pushed token")
		}
	})

	t.Run("unacknowledged rotation is cancelled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AckTimeout = 100 * time.Millisecond
		e, agents, registry := newTestEngine(t, cfg)
		agent := seedAgent(t, agents)
		fake := startFakeAgent(t, registry, agent)

		// Swallow the push without answering.
		go func() { _, _, _ = fake.client.ReadMessage() }()

		if err := e.Rotate(ctx, agent); err == nil {
			t.Fatal("expected Rotate to fail without an acknowledgement")
		}

		stored := waitForAgent(t, agents, agent.ID, "cancel", func(a *db.Agent) bool {
			return a.PendingTokenHash == ""
		})
		if stored.TokenHash != token.Hash("old-token") {
			t.Error("current token disturbed by a cancelled rotation")
		}
	})

	t.Run("stale pending hash from a dead run is taken over", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GracePeriod = 50 * time.Millisecond
		cfg.AckTimeout = time.Second
		e, agents, registry := newTestEngine(t, cfg)
		agent := seedAgent(t, agents)
		fake := startFakeAgent(t, registry, agent)

		// Residue of a crashed process: pending set, no grace timer anywhere.
		stale := token.Hash("stale-token")
		if err := agents.SetPendingToken(ctx, agent.ID, stale, false); err != nil {
			t.Fatal(err)
		}

		var newToken string
		done := make(chan struct{})
		go func() {
			defer close(done)
			id, tok := fake.readRotateRequest(t)
			newToken = tok
			fake.ack(t, id)
		}()

		if err := e.Rotate(ctx, agent); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		<-done

		promoted := waitForAgent(t, agents, agent.ID, "takeover promotion", func(a *db.Agent) bool {
			return a.PendingTokenHash == ""
		})
		if promoted.TokenHash == stale {
			t.Error("stale pending hash was promoted instead of replaced")
		}
		if promoted.TokenHash != token.Hash(newToken) {
			t.Error("promoted hash does not match the fresh token")
		}
	})

	t.Run("sweep only rotates agents inside the advance window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GracePeriod = 50 * time.Millisecond
		cfg.AckTimeout = time.Second
		e, agents, registry := newTestEngine(t, cfg)

		// Expiring soon, connected: rotated.
		expiring := seedAgent(t, agents)
		fake := startFakeAgent(t, registry, expiring)

		// Fresh token, connected: untouched.
		fresh := seedAgent(t, agents)
		farOut := time.Now().Add(20 * 24 * time.Hour)
		fresh.TokenExpiresAt = &farOut
		if err := agents.Update(ctx, fresh); err != nil {
			t.Fatal(err)
		}
		startFakeAgent(t, registry, fresh)

		go func() {
			id, _ := fake.readRotateRequest(t)
			fake.ack(t, id)
		}()

		if err := e.Sweep(ctx); err != nil {
			t.Fatalf("Sweep: %v", err)
		}

		waitForAgent(t, agents, expiring.ID, "rotation of expiring agent", func(a *db.Agent) bool {
			return a.TokenHash != token.Hash("old-token") && a.PendingTokenHash == ""
		})
		untouched, err := agents.GetByID(ctx, fresh.ID)
		if err != nil {
			t.Fatal(err)
		}
		if untouched.PendingTokenHash != "" || untouched.TokenHash != token.Hash("old-token") {
			t.Error("agent outside the advance window was rotated")
		}
	})
}

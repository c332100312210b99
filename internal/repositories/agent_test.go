package repositories

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dockhand-io/dockhand/internal/db"
)

// newTestDB opens a throwaway SQLite database with migrations applied.
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

func newTestAgent(t *testing.T, repo AgentRepository, status db.AgentStatus) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		ServerID: uuid.New(),
		Name:     "host-" + uuid.NewString()[:8],
		Status:   status,
	}
	if err := repo.Create(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func TestAgentRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("server_id is unique", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		dup := &db.Agent{ServerID: agent.ServerID, Name: "dup"}
		if err := repo.Create(ctx, dup); err == nil {
			t.Fatal("expected unique violation for duplicate server_id")
		}
	})

	t.Run("GetByTokenHash matches current and pending, never empty", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		agent := newTestAgent(t, repo, db.AgentStatusConnected)
		agent.TokenHash = "current-hash"
		agent.PendingTokenHash = "pending-hash"
		if err := repo.Update(ctx, agent); err != nil {
			t.Fatal(err)
		}

		for _, hash := range []string{"current-hash", "pending-hash"} {
			got, err := repo.GetByTokenHash(ctx, hash)
			if err != nil {
				t.Fatalf("GetByTokenHash(%q): %v", hash, err)
			}
			if got.ID != agent.ID {
				t.Errorf("GetByTokenHash(%q) returned wrong agent", hash)
			}
		}

		if _, err := repo.GetByTokenHash(ctx, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("empty hash lookup = %v, want ErrNotFound", err)
		}
		if _, err := repo.GetByTokenHash(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown hash lookup = %v, want ErrNotFound", err)
		}
	})

	t.Run("MarkConnected sets registered_at only once", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		first := time.Now().Add(-time.Hour).Truncate(time.Second)
		if err := repo.MarkConnected(ctx, agent.ID, "1.0.0", first); err != nil {
			t.Fatal(err)
		}
		if err := repo.MarkConnected(ctx, agent.ID, "1.1.0", time.Now()); err != nil {
			t.Fatal(err)
		}

		got, err := repo.GetByID(ctx, agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != db.AgentStatusConnected {
			t.Errorf("status = %s, want connected", got.Status)
		}
		if got.Version != "1.1.0" {
			t.Errorf("version = %s, want 1.1.0", got.Version)
		}
		if got.RegisteredAt == nil || !got.RegisteredAt.Equal(first) {
			t.Errorf("registered_at = %v, want first handshake time %v", got.RegisteredAt, first)
		}
	})

	t.Run("ResetConnected repairs exactly the connected rows", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		for i := 0; i < 3; i++ {
			newTestAgent(t, repo, db.AgentStatusConnected)
		}
		for i := 0; i < 2; i++ {
			newTestAgent(t, repo, db.AgentStatusDisconnected)
		}

		n, err := repo.ResetConnected(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Errorf("ResetConnected = %d, want 3", n)
		}

		agents, _, err := repo.List(ctx, ListOptions{Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		for _, a := range agents {
			if a.Status == db.AgentStatusConnected {
				t.Errorf("agent %s still connected after reset", a.ID)
			}
		}
	})

	t.Run("MarkDisconnected leaves non-connected statuses alone", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		updating := newTestAgent(t, repo, db.AgentStatusUpdating)
		connected := newTestAgent(t, repo, db.AgentStatusConnected)

		if err := repo.MarkDisconnected(ctx, updating.ID); err != nil {
			t.Fatal(err)
		}
		if err := repo.MarkDisconnected(ctx, connected.ID); err != nil {
			t.Fatal(err)
		}

		got, _ := repo.GetByID(ctx, updating.ID)
		if got.Status != db.AgentStatusUpdating {
			t.Errorf("updating agent became %s", got.Status)
		}
		got, _ = repo.GetByID(ctx, connected.ID)
		if got.Status != db.AgentStatusDisconnected {
			t.Errorf("connected agent became %s, want disconnected", got.Status)
		}
	})

	t.Run("SetPendingToken conflicts unless forced", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		agent := newTestAgent(t, repo, db.AgentStatusConnected)

		if err := repo.SetPendingToken(ctx, agent.ID, "hash-a", false); err != nil {
			t.Fatalf("first SetPendingToken: %v", err)
		}
		if err := repo.SetPendingToken(ctx, agent.ID, "hash-b", false); !errors.Is(err, ErrConflict) {
			t.Fatalf("second SetPendingToken = %v, want ErrConflict", err)
		}
		if err := repo.SetPendingToken(ctx, agent.ID, "hash-c", true); err != nil {
			t.Fatalf("forced SetPendingToken: %v", err)
		}

		got, _ := repo.GetByID(ctx, agent.ID)
		if got.PendingTokenHash != "hash-c" {
			t.Errorf("pending hash = %q, want hash-c", got.PendingTokenHash)
		}

		if err := repo.SetPendingToken(ctx, uuid.New(), "x", false); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing agent = %v, want ErrNotFound", err)
		}
	})

	t.Run("PromotePendingToken applies once", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		agent := newTestAgent(t, repo, db.AgentStatusConnected)
		agent.TokenHash = "old-hash"
		agent.PendingTokenHash = "new-hash"
		if err := repo.Update(ctx, agent); err != nil {
			t.Fatal(err)
		}

		issued := time.Now().Truncate(time.Second)
		expires := issued.Add(30 * 24 * time.Hour)
		if err := repo.PromotePendingToken(ctx, agent.ID, issued, expires); err != nil {
			t.Fatal(err)
		}

		got, _ := repo.GetByID(ctx, agent.ID)
		if got.TokenHash != "new-hash" {
			t.Errorf("token hash = %q, want new-hash", got.TokenHash)
		}
		if got.PendingTokenHash != "" {
			t.Errorf("pending hash = %q, want empty", got.PendingTokenHash)
		}
		if got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(expires) {
			t.Errorf("expiry = %v, want %v", got.TokenExpiresAt, expires)
		}

		// Nothing pending: a second promotion is a detectable no-op, which
		// is what lets the grace timer and a reconnect race safely.
		if err := repo.PromotePendingToken(ctx, agent.ID, issued, expires); !errors.Is(err, ErrNotFound) {
			t.Errorf("second promote = %v, want ErrNotFound", err)
		}
		got, _ = repo.GetByID(ctx, agent.ID)
		if got.TokenHash != "new-hash" {
			t.Errorf("token hash changed by second promote: %q", got.TokenHash)
		}
	})

	t.Run("ListRotationCandidates filters status and expiry", func(t *testing.T) {
		repo := NewAgentRepository(newTestDB(t))
		soon := time.Now().Add(time.Hour)
		far := time.Now().Add(100 * 24 * time.Hour)

		expiring := newTestAgent(t, repo, db.AgentStatusConnected)
		expiring.TokenExpiresAt = &soon
		if err := repo.Update(ctx, expiring); err != nil {
			t.Fatal(err)
		}

		fresh := newTestAgent(t, repo, db.AgentStatusConnected)
		fresh.TokenExpiresAt = &far
		if err := repo.Update(ctx, fresh); err != nil {
			t.Fatal(err)
		}

		offline := newTestAgent(t, repo, db.AgentStatusDisconnected)
		offline.TokenExpiresAt = &soon
		if err := repo.Update(ctx, offline); err != nil {
			t.Fatal(err)
		}

		newTestAgent(t, repo, db.AgentStatusConnected) // no expiry at all

		got, err := repo.ListRotationCandidates(ctx, time.Now().Add(24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != expiring.ID {
			t.Errorf("candidates = %d rows, want exactly the expiring connected agent", len(got))
		}
	})

	t.Run("Delete cascades to registration codes", func(t *testing.T) {
		database := newTestDB(t)
		repo := NewAgentRepository(database)
		codes := NewRegistrationCodeRepository(database)
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		code := &db.RegistrationCode{
			AgentID:   agent.ID,
			Code:      "enroll-123",
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if err := codes.Create(ctx, code); err != nil {
			t.Fatal(err)
		}

		if err := repo.Delete(ctx, agent.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.GetByID(ctx, agent.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("agent lookup after delete = %v, want ErrNotFound", err)
		}
		if _, err := codes.GetByCode(ctx, "enroll-123"); !errors.Is(err, ErrNotFound) {
			t.Errorf("code lookup after delete = %v, want ErrNotFound", err)
		}
	})
}

func TestRegistrationCodeRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("a code is consumed at most once", func(t *testing.T) {
		database := newTestDB(t)
		repo := NewAgentRepository(database)
		codes := NewRegistrationCodeRepository(database)
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		code := &db.RegistrationCode{
			AgentID:   agent.ID,
			Code:      "one-shot",
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if err := codes.Create(ctx, code); err != nil {
			t.Fatal(err)
		}

		if err := codes.Consume(ctx, code.ID, time.Now()); err != nil {
			t.Fatalf("first consume: %v", err)
		}
		if err := codes.Consume(ctx, code.ID, time.Now()); !errors.Is(err, ErrConflict) {
			t.Fatalf("second consume = %v, want ErrConflict", err)
		}
	})

	t.Run("an expired code cannot be consumed", func(t *testing.T) {
		database := newTestDB(t)
		repo := NewAgentRepository(database)
		codes := NewRegistrationCodeRepository(database)
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		code := &db.RegistrationCode{
			AgentID:   agent.ID,
			Code:      "stale",
			ExpiresAt: time.Now().Add(-time.Minute),
		}
		if err := codes.Create(ctx, code); err != nil {
			t.Fatal(err)
		}
		if err := codes.Consume(ctx, code.ID, time.Now()); !errors.Is(err, ErrConflict) {
			t.Fatalf("expired consume = %v, want ErrConflict", err)
		}
	})

	t.Run("DeleteExpired purges only past-expiry codes", func(t *testing.T) {
		database := newTestDB(t)
		repo := NewAgentRepository(database)
		codes := NewRegistrationCodeRepository(database)
		agent := newTestAgent(t, repo, db.AgentStatusPending)

		for i, offset := range []time.Duration{-time.Hour, -time.Minute, time.Hour} {
			code := &db.RegistrationCode{
				AgentID:   agent.ID,
				Code:      "code-" + string(rune('a'+i)),
				ExpiresAt: time.Now().Add(offset),
			}
			if err := codes.Create(ctx, code); err != nil {
				t.Fatal(err)
			}
		}

		n, err := codes.DeleteExpired(ctx, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("DeleteExpired = %d, want 2", n)
		}
		if _, err := codes.GetByCode(ctx, "code-c"); err != nil {
			t.Errorf("future code was purged: %v", err)
		}
	})
}

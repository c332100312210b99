// Package repositories defines the persistence interfaces the control plane
// depends on, together with their GORM implementations. The database is the
// authority for agent state; the in-memory registry holds only transient
// connection handles reconstructible from these records.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand-io/dockhand/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByServerID(ctx context.Context, serverID uuid.UUID) (*db.Agent, error)

	// GetByTokenHash retrieves the agent whose current OR pending token hash
	// matches. Matching the pending hash is what lets an agent reconnect in
	// the middle of a token rotation without being locked out. Callers can
	// tell which hash matched by comparing against the returned record.
	GetByTokenHash(ctx context.Context, hash string) (*db.Agent, error)

	Update(ctx context.Context, agent *db.Agent) error

	// UpdateStatus updates only the status column.
	UpdateStatus(ctx context.Context, id uuid.UUID, status db.AgentStatus) error

	// MarkConnected records a successful handshake: status goes to connected,
	// last_seen_at is refreshed and the agent-reported version is stored.
	MarkConnected(ctx context.Context, id uuid.UUID, version string, at time.Time) error

	// Touch refreshes last_seen_at only. Called on heartbeats; updating a
	// single column avoids write amplification on the full row.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkDisconnected flips a connected agent to disconnected. Predicated
	// on status = connected so it never clobbers updating or pending — an
	// agent restarting for an update keeps its updating status while the
	// old socket is torn down. A no-op on other statuses, not an error.
	MarkDisconnected(ctx context.Context, id uuid.UUID) error

	// Delete soft-deletes the agent and hard-deletes its registration codes.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)

	// ResetConnected flips every agent left in connected state to
	// disconnected and returns how many rows were repaired. Run once at
	// startup, before any connection is accepted, to restore the invariant
	// that a connected row implies a live in-memory handle.
	ResetConnected(ctx context.Context) (int64, error)

	// ListRotationCandidates returns connected agents whose token expires at
	// or before the given instant. Agents without an expiry set are skipped.
	ListRotationCandidates(ctx context.Context, expiringBefore time.Time) ([]db.Agent, error)

	// SetPendingToken stores the hash of a replacement token. With force set
	// to false the update applies only when no rotation is in flight
	// (pending_token_hash empty) and returns ErrConflict otherwise; with
	// force set to true an in-flight pending hash is overwritten.
	SetPendingToken(ctx context.Context, id uuid.UUID, hash string, force bool) error

	// PromotePendingToken finalizes a rotation: the pending hash becomes the
	// current one, the pending column is cleared, and the issue/expiry
	// timestamps are replaced. A no-op returning ErrNotFound when nothing is
	// pending, which makes promotion safe to fire from both the grace timer
	// and a mid-rotation reconnect.
	PromotePendingToken(ctx context.Context, id uuid.UUID, issuedAt, expiresAt time.Time) error

	// ClearPendingToken cancels a rotation, leaving the current token intact.
	ClearPendingToken(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// RegistrationCodeRepository
// -----------------------------------------------------------------------------

type RegistrationCodeRepository interface {
	Create(ctx context.Context, code *db.RegistrationCode) error
	GetByCode(ctx context.Context, code string) (*db.RegistrationCode, error)

	// Consume atomically marks the code used. The update is predicated on
	// used = false and expires_at > now, so exactly one handshake can ever
	// win a given code; losers receive ErrConflict.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) error

	DeleteByAgent(ctx context.Context, agentID uuid.UUID) error

	// DeleteExpired purges codes whose expiry has passed, returning the
	// number of rows removed. Driven by the maintenance job.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dockhand-io/dockhand/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Soft-deleted agents are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByServerID retrieves the agent bound to a managed host. The server_id
// column carries a unique index, so at most one row can match.
func (r *gormAgentRepository) GetByServerID(ctx context.Context, serverID uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by server id: %w", err)
	}
	return &agent, nil
}

// GetByTokenHash retrieves an agent by its current or pending token hash.
// The empty string never matches — agents created but not yet registered
// have empty hash columns and must not be reachable by token.
func (r *gormAgentRepository) GetByTokenHash(ctx context.Context, hash string) (*db.Agent, error) {
	if hash == "" {
		return nil, ErrNotFound
	}

	var agent db.Agent
	err := r.db.WithContext(ctx).
		Where("token_hash = ? OR pending_token_hash = ?", hash, hash).
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by token hash: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status column of an agent.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status db.AgentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConnected records a successful handshake in a single query. The
// registered_at column is set only once, on the first handshake ever.
func (r *gormAgentRepository) MarkConnected(ctx context.Context, id uuid.UUID, version string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        db.AgentStatusConnected,
			"last_seen_at":  at,
			"version":       version,
			"registered_at": gorm.Expr("COALESCE(registered_at, ?)", at),
		})
	if result.Error != nil {
		return fmt.Errorf("agents: mark connected: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch refreshes last_seen_at only.
func (r *gormAgentRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_seen_at", at)
	if result.Error != nil {
		return fmt.Errorf("agents: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDisconnected flips a connected agent to disconnected, leaving any
// other status untouched.
func (r *gormAgentRepository) MarkDisconnected(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ? AND status = ?", id, db.AgentStatusConnected).
		Update("status", db.AgentStatusDisconnected).Error
	if err != nil {
		return fmt.Errorf("agents: mark disconnected: %w", err)
	}
	return nil
}

// Delete soft-deletes an agent and hard-deletes its registration codes so a
// leaked enrollment code cannot outlive the agent it was issued for.
func (r *gormAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", id).Delete(&db.RegistrationCode{}).Error; err != nil {
			return fmt.Errorf("agents: delete codes: %w", err)
		}
		result := tx.Delete(&db.Agent{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("agents: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a paginated list of agents and the total count.
// Soft-deleted agents are excluded from results.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ResetConnected repairs rows left in connected state by a previous process.
func (r *gormAgentRepository) ResetConnected(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ?", db.AgentStatusConnected).
		Update("status", db.AgentStatusDisconnected)
	if result.Error != nil {
		return 0, fmt.Errorf("agents: reset connected: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListRotationCandidates returns connected agents whose token expiry falls at
// or before the given instant. Rows with no expiry (never issued) are
// excluded — they cannot be rotated, only re-registered.
func (r *gormAgentRepository) ListRotationCandidates(ctx context.Context, expiringBefore time.Time) ([]db.Agent, error) {
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("status = ?", db.AgentStatusConnected).
		Where("token_expires_at IS NOT NULL AND token_expires_at <= ?", expiringBefore).
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list rotation candidates: %w", err)
	}
	return agents, nil
}

// SetPendingToken stores the replacement token hash. Without force, the
// update is predicated on pending_token_hash being empty; losing that
// predicate race yields ErrConflict so concurrent sweeps back off instead of
// silently clobbering each other.
func (r *gormAgentRepository) SetPendingToken(ctx context.Context, id uuid.UUID, hash string, force bool) error {
	query := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id)
	if !force {
		query = query.Where("pending_token_hash = ''")
	}

	result := query.Update("pending_token_hash", hash)
	if result.Error != nil {
		return fmt.Errorf("agents: set pending token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing agent from a lost predicate race.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// PromotePendingToken makes the pending hash current. Predicated on a
// non-empty pending hash so the grace timer and a mid-rotation reconnect can
// both attempt promotion without double-applying.
func (r *gormAgentRepository) PromotePendingToken(ctx context.Context, id uuid.UUID, issuedAt, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ? AND pending_token_hash <> ''", id).
		Updates(map[string]interface{}{
			"token_hash":         gorm.Expr("pending_token_hash"),
			"pending_token_hash": "",
			"token_issued_at":    issuedAt,
			"token_expires_at":   expiresAt,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: promote pending token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPendingToken cancels an in-flight rotation.
func (r *gormAgentRepository) ClearPendingToken(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("pending_token_hash", "")
	if result.Error != nil {
		return fmt.Errorf("agents: clear pending token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

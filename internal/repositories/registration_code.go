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

// gormRegistrationCodeRepository is the GORM implementation of
// RegistrationCodeRepository.
type gormRegistrationCodeRepository struct {
	db *gorm.DB
}

// NewRegistrationCodeRepository returns a RegistrationCodeRepository backed
// by the provided *gorm.DB.
func NewRegistrationCodeRepository(db *gorm.DB) RegistrationCodeRepository {
	return &gormRegistrationCodeRepository{db: db}
}

// Create inserts a new registration code record.
func (r *gormRegistrationCodeRepository) Create(ctx context.Context, code *db.RegistrationCode) error {
	if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("registration codes: create: %w", err)
	}
	return nil
}

// GetByCode retrieves a registration code by its value.
// Returns ErrNotFound if no record exists.
func (r *gormRegistrationCodeRepository) GetByCode(ctx context.Context, code string) (*db.RegistrationCode, error) {
	var rec db.RegistrationCode
	err := r.db.WithContext(ctx).First(&rec, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registration codes: get by code: %w", err)
	}
	return &rec, nil
}

// Consume marks the code used. The WHERE predicate carries the whole
// single-use guarantee: only one concurrent caller can move used from false
// to true, and an expired code can never be consumed at all.
func (r *gormRegistrationCodeRepository) Consume(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RegistrationCode{}).
		Where("id = ? AND used = ? AND expires_at > ?", id, false, now).
		Updates(map[string]interface{}{
			"used":    true,
			"used_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("registration codes: consume: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteByAgent removes all codes issued for an agent.
func (r *gormRegistrationCodeRepository) DeleteByAgent(ctx context.Context, agentID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Delete(&db.RegistrationCode{}).Error; err != nil {
		return fmt.Errorf("registration codes: delete by agent: %w", err)
	}
	return nil
}

// DeleteExpired purges codes whose expiry has passed.
func (r *gormRegistrationCodeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", before).
		Delete(&db.RegistrationCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("registration codes: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

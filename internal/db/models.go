package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentStatus is the persisted connection state of an agent.
type AgentStatus string

const (
	// AgentStatusPending means the agent record exists (a registration code
	// was issued) but the agent has never completed a handshake.
	AgentStatusPending AgentStatus = "pending"

	// AgentStatusConnected means the agent currently holds a live WebSocket
	// session. The database row and the in-memory registry must agree; the
	// lifecycle manager repairs any drift on startup and on staleness.
	AgentStatusConnected AgentStatus = "connected"

	// AgentStatusDisconnected means the agent is registered but has no live
	// session.
	AgentStatusDisconnected AgentStatus = "disconnected"

	// AgentStatusUpdating means the agent acknowledged a software update and
	// its container is being replaced. It transitions back to connected on
	// the next successful handshake.
	AgentStatusUpdating AgentStatus = "updating"
)

// Agent represents a registered remote agent daemon, one per managed host.
// Agents dial the server over a persistent WebSocket and authenticate with a
// rotating bearer token. Only the SHA-256 hash of a token is ever persisted;
// the plaintext is handed to the agent exactly once (at registration or
// rotation) and cannot be recovered afterwards.
//
// PendingTokenHash is populated only during a rotation window: the rotation
// engine stores the replacement token's hash here, and authentication accepts
// either hash until the grace period elapses and the pending hash is promoted.
type Agent struct {
	SoftDelete
	ServerID         uuid.UUID   `gorm:"type:text;uniqueIndex;not null"` // managed host, 1:1 with agent
	Name             string      `gorm:"not null"`
	Status           AgentStatus `gorm:"not null;default:'pending'"`
	TokenHash        string      `gorm:"index;default:''"` // SHA-256 hex of the current bearer token
	PendingTokenHash string      `gorm:"index;default:''"` // SHA-256 hex of the replacement token, mid-rotation only
	TokenIssuedAt    *time.Time
	TokenExpiresAt   *time.Time
	Version          string `gorm:"not null;default:''"` // agent-reported software version
	LastSeenAt       *time.Time
	RegisteredAt     *time.Time // first successful registration, nil until then
	Config           string     `gorm:"type:text;default:'{}'"` // AgentConfig as JSON
}

// RegistrationCode is a single-use enrollment ticket binding an agent to its
// server. Consumption is atomic: the first handshake that presents the code
// flips Used, and any later attempt fails even with the same code value.
type RegistrationCode struct {
	Base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Code      string    `gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	Used      bool      `gorm:"not null;default:false"`
	UsedAt    *time.Time
}

// TableName maps the model to the agent_registration_codes table created by
// the migrations.
func (RegistrationCode) TableName() string {
	return "agent_registration_codes"
}

// -----------------------------------------------------------------------------
// Agent config
// -----------------------------------------------------------------------------

// AgentConfig holds the per-agent tunables pushed to the agent in the
// registered/authenticated handshake response. Stored on the agent row as
// JSON so operators can adjust cadence per host without redeploying.
type AgentConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	MetricsIntervalSeconds   int `json:"metrics_interval_seconds"`
}

// DefaultAgentConfig returns the tunables applied to newly created agents.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		HeartbeatIntervalSeconds: 30,
		MetricsIntervalSeconds:   60,
	}
}

// ParseAgentConfig decodes the Config column of an agent row, falling back to
// defaults when the column is empty or malformed. A bad config value must
// never block a handshake.
func ParseAgentConfig(raw string) AgentConfig {
	cfg := DefaultAgentConfig()
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultAgentConfig()
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = DefaultAgentConfig().HeartbeatIntervalSeconds
	}
	if cfg.MetricsIntervalSeconds <= 0 {
		cfg.MetricsIntervalSeconds = DefaultAgentConfig().MetricsIntervalSeconds
	}
	return cfg
}

// Package audit provides the append-only trail of user and system actions.
// Writes are best-effort: an audit failure is logged and never propagated,
// so it can never abort the operation it documents.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one immutable audit record. Entries are never updated or deleted.
type Entry struct {
	ID         string         `gorm:"column:id;primaryKey;size:190;not null"`
	ActorID    *string        `gorm:"column:actor_id;size:190;index"`
	Action     string         `gorm:"column:action;size:64;not null;index"`
	EntityType string         `gorm:"column:entity_type;size:64;not null;index:idx_audit_entity,priority:1"`
	EntityID   string         `gorm:"column:entity_id;size:190;not null;index:idx_audit_entity,priority:2"`
	Details    datatypes.JSON `gorm:"column:details;type:text"`
	IPAddress  string         `gorm:"column:ip_address;size:64"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_log"
}

// Event describes one action to record.
type Event struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
	IPAddress  string
}

// IDProvider issues entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RecorderConfig describes the dependencies of the audit recorder.
type RecorderConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Recorder appends audit entries and serves read queries.
type Recorder struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewRecorder constructs an audit recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("audit: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: cfg.Database, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Record appends one entry. Failures are swallowed after logging.
func (r *Recorder) Record(ctx context.Context, event Event) {
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Error("audit id generation failed", zap.Error(err), zap.String("action", event.Action))
		return
	}

	details := datatypes.JSON(nil)
	if event.Details != nil {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			r.logger.Error("audit details encode failed", zap.Error(err), zap.String("action", event.Action))
			return
		}
		details = datatypes.JSON(encoded)
	}

	entry := Entry{
		ID:         id,
		Action:     event.Action,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Details:    details,
		IPAddress:  event.IPAddress,
		CreatedAt:  r.clock().UTC(),
	}
	if event.ActorID != "" {
		actor := event.ActorID
		entry.ActorID = &actor
	}

	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("audit insert failed",
			zap.Error(err),
			zap.String("action", event.Action),
			zap.String("entity_type", event.EntityType),
			zap.String("entity_id", event.EntityID))
	}
}

// ListByEntity returns entries for one entity, newest first.
func (r *Recorder) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountByEntity returns the number of entries recorded against one entity.
func (r *Recorder) CountByEntity(ctx context.Context, entityType, entityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Entry{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&count).Error
	return count, err
}

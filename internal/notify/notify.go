// Package notify stores per-user notifications created by system actions.
// Delivery is polling over the API; there is no push channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound indicates the notification does not exist for the user.
var ErrNotFound = errors.New("notify: notification not found")

// Notification is one message for one user. Only the read flag is mutable.
type Notification struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1"`
	Title     string    `gorm:"column:title;size:320;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	Link      string    `gorm:"column:link;size:512"`
	Read      int8      `gorm:"column:read;type:smallint;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// IsRead reports the read flag as a boolean.
func (n Notification) IsRead() bool {
	return n.Read != 0
}

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the notification service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service creates and serves notifications.
type Service struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the notification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("notify: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("notify: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Create stores one notification for the user.
func (s *Service) Create(ctx context.Context, userID, title, message, link string) (Notification, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Notification{}, err
	}
	notification := Notification{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Message:   message,
		Link:      link,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return Notification{}, err
	}
	return notification, nil
}

// CreateBestEffort stores a notification, logging instead of failing. Used
// by workflow side effects that must never abort their primary operation.
func (s *Service) CreateBestEffort(ctx context.Context, userID, title, message, link string) {
	if _, err := s.Create(ctx, userID, title, message, link); err != nil {
		s.logger.Error("notification create failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("title", title))
	}
}

// ListForUser returns the user's notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var notifications []Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

// UnreadCount returns the number of unread notifications for the user.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read = 0", userID).
		Count(&count).Error
	return count, err
}

// MarkRead flips the read flag on one of the user's notifications.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("read", 1)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

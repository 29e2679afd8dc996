package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the login claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrAccountNotFound indicates no account exists for the requested lookup.
	ErrAccountNotFound = errors.New("users: account not found")
)

// Profile carries the identity fields extracted from a verified login token.
type Profile struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages LabBook accounts and their roles.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveAccount returns the account for a verified login, creating it with
// the viewer role when the provider+subject pair has not been seen before.
func (s *Service) ResolveAccount(ctx context.Context, profile Profile) (Account, error) {
	provider := normalize(profile.Provider)
	if provider == "" {
		provider = "google"
	}
	subject := normalize(profile.Subject)
	if subject == "" {
		return Account{}, ErrInvalidIdentity
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			ID:          subject,
			Email:       normalize(profile.Email),
			DisplayName: normalize(profile.DisplayName),
			Role:        RoleViewer.String(),
			Provider:    provider,
			Subject:     subject,
			LastSeenAt:  s.now().UTC(),
		}
		if account.Email == "" {
			return Account{}, ErrInvalidIdentity
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return Account{}, err
		}
		return account, nil
	}
	if err != nil {
		return Account{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(profile.Email); email != "" && email != account.Email {
		updates["email"] = email
		account.Email = email
	}
	if display := normalize(profile.DisplayName); display != "" && display != account.DisplayName {
		updates["display_name"] = display
		account.DisplayName = display
	}
	_ = s.db.WithContext(ctx).Model(&Account{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error

	return account, nil
}

// GetByID returns the account with the provided identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// GetByEmail returns the account registered under the provided email.
func (s *Service) GetByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", normalize(email)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// SetRole assigns a role to an existing account.
func (s *Service) SetRole(ctx context.Context, id string, role Role) (Account, error) {
	if _, err := ParseRole(role.String()); err != nil {
		return Account{}, err
	}
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", id).
		Update("role", role.String())
	if result.Error != nil {
		return Account{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Account{}, ErrAccountNotFound
	}
	return s.GetByID(ctx, id)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

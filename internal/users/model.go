package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role drives authorization decisions across the workflow engine and API.
type Role string

const (
	RoleAdmin      Role = "admin"
	RolePI         Role = "pi"
	RoleResearcher Role = "researcher"
	RoleViewer     Role = "viewer"
)

// ErrInvalidRole indicates an unrecognized role string.
var ErrInvalidRole = errors.New("users: invalid role")

// ParseRole validates a raw role string.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RolePI:
		return RolePI, nil
	case RoleResearcher:
		return RoleResearcher, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// String returns the underlying role value.
func (r Role) String() string {
	return string(r)
}

// CanEdit reports whether the role may author experiment content.
func (r Role) CanEdit() bool {
	switch r {
	case RoleAdmin, RolePI, RoleResearcher:
		return true
	default:
		return false
	}
}

// Account links an external identity to a LabBook user and its role.
type Account struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Role        string    `gorm:"column:role;size:32;not null;default:'viewer'"`
	Provider    string    `gorm:"column:provider;size:32;not null"`
	Subject     string    `gorm:"column:subject;size:190;not null;index:idx_accounts_provider_subject"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// AccountRole returns the parsed role, defaulting to viewer on bad data.
func (a Account) AccountRole() Role {
	role, err := ParseRole(a.Role)
	if err != nil {
		return RoleViewer
	}
	return role
}

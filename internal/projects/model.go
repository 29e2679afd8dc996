package projects

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates project lifecycle states. Projects are never hard-deleted.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusOnHold    Status = "on-hold"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// ErrInvalidStatus indicates an unrecognized project status string.
var ErrInvalidStatus = errors.New("projects: invalid status")

// ParseStatus validates a raw status string.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPlanning:
		return StatusPlanning, nil
	case StatusActive:
		return StatusActive, nil
	case StatusOnHold:
		return StatusOnHold, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusArchived:
		return StatusArchived, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// String returns the underlying status value.
func (s Status) String() string {
	return string(s)
}

// Project mirrors the document store folder that anchors one research project.
// The folder metadata holds a parallel copy of these high-level fields.
type Project struct {
	FolderID    string     `gorm:"column:folder_id;primaryKey;size:190;not null"`
	Code        string     `gorm:"column:code;size:64;not null;uniqueIndex"`
	Name        string     `gorm:"column:name;size:320;not null"`
	PIName      string     `gorm:"column:pi_name;size:320"`
	PIEmail     string     `gorm:"column:pi_email;size:320"`
	Department  string     `gorm:"column:department;size:190"`
	StartDate   *time.Time `gorm:"column:start_date"`
	Status      string     `gorm:"column:status;size:32;not null;default:'planning';index"`
	Description string     `gorm:"column:description;type:text"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/docstore"
)

var (
	// ErrNotFound indicates the project does not exist in the record store.
	ErrNotFound = errors.New("projects: project not found")
	// ErrDuplicateCode indicates another project already uses the code.
	ErrDuplicateCode = errors.New("projects: project code already in use")

	errMissingDatabase = errors.New("projects: database connection required")
	errMissingDocstore = errors.New("projects: document store required")
	errMissingIDs      = errors.New("projects: id provider required")
)

// IDProvider issues folder handles for new projects.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the project service dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Documents docstore.Store
	IDs       IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns project records and keeps the document store folder metadata
// in step with them. Metadata writes are best-effort: the record store row is
// primary and a metadata failure is logged, not surfaced.
type Service struct {
	db     *gorm.DB
	docs   docstore.Store
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the project service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Documents == nil {
		return nil, errMissingDocstore
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, docs: cfg.Documents, ids: cfg.IDs, clock: clock, logger: logger}, nil
}

// CreateInput carries the fields for a new project.
type CreateInput struct {
	Code        string
	Name        string
	PIName      string
	PIEmail     string
	Department  string
	StartDate   *time.Time
	Description string
}

// Create provisions the document store folder and inserts the project row.
func (s *Service) Create(ctx context.Context, input CreateInput) (Project, error) {
	code := strings.TrimSpace(input.Code)
	name := strings.TrimSpace(input.Name)
	if code == "" || name == "" {
		return Project{}, fmt.Errorf("projects: code and name are required")
	}

	var existing Project
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&existing).Error
	if err == nil {
		return Project{}, fmt.Errorf("%w: %s", ErrDuplicateCode, code)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, err
	}

	folderID, err := s.ids.NewID()
	if err != nil {
		return Project{}, err
	}
	if err := s.docs.EnsureFolder(ctx, folderID); err != nil {
		return Project{}, fmt.Errorf("projects: folder provisioning failed: %w", err)
	}

	project := Project{
		FolderID:    folderID,
		Code:        code,
		Name:        name,
		PIName:      strings.TrimSpace(input.PIName),
		PIEmail:     strings.TrimSpace(input.PIEmail),
		Department:  strings.TrimSpace(input.Department),
		StartDate:   input.StartDate,
		Status:      StatusPlanning.String(),
		Description: input.Description,
	}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return Project{}, err
	}

	s.writeMetadata(ctx, project)
	return project, nil
}

// Get returns one project by folder handle.
func (s *Service) Get(ctx context.Context, folderID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, folderID)
	}
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// List returns all projects ordered by code.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	var result []Project
	if err := s.db.WithContext(ctx).Order("code ASC").Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateInput carries a partial project mutation; nil fields are untouched.
type UpdateInput struct {
	Name        *string
	PIName      *string
	PIEmail     *string
	Department  *string
	StartDate   *time.Time
	Status      *string
	Description *string
}

// Update patches the project row and mirrors the change into folder metadata.
func (s *Service) Update(ctx context.Context, folderID string, input UpdateInput) (Project, error) {
	project, err := s.Get(ctx, folderID)
	if err != nil {
		return Project{}, err
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = strings.TrimSpace(*input.Name)
	}
	if input.PIName != nil {
		updates["pi_name"] = strings.TrimSpace(*input.PIName)
	}
	if input.PIEmail != nil {
		updates["pi_email"] = strings.TrimSpace(*input.PIEmail)
	}
	if input.Department != nil {
		updates["department"] = strings.TrimSpace(*input.Department)
	}
	if input.StartDate != nil {
		updates["start_date"] = *input.StartDate
	}
	if input.Status != nil {
		status, err := ParseStatus(*input.Status)
		if err != nil {
			return Project{}, err
		}
		updates["status"] = status.String()
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if len(updates) == 0 {
		return project, nil
	}
	updates["updated_at"] = s.clock().UTC()

	err = s.db.WithContext(ctx).Model(&Project{}).
		Where("folder_id = ?", folderID).
		Updates(updates).Error
	if err != nil {
		return Project{}, err
	}

	project, err = s.Get(ctx, folderID)
	if err != nil {
		return Project{}, err
	}
	s.writeMetadata(ctx, project)
	return project, nil
}

// Count returns the number of projects, used by the dashboard.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Project{}).Count(&count).Error
	return count, err
}

func (s *Service) writeMetadata(ctx context.Context, project Project) {
	ops := []docstore.PatchOperation{
		docstore.SetField("code", project.Code),
		docstore.SetField("name", project.Name),
		docstore.SetField("pi_name", project.PIName),
		docstore.SetField("pi_email", project.PIEmail),
		docstore.SetField("department", project.Department),
		docstore.SetField("status", project.Status),
	}
	if project.StartDate != nil {
		ops = append(ops, docstore.SetField("start_date", project.StartDate.UTC().Format(time.RFC3339)))
	}
	if err := s.docs.PatchFolderMetadata(ctx, project.FolderID, docstore.TemplateProjectProperties, ops); err != nil {
		s.logger.Error("project metadata write failed",
			zap.Error(err),
			zap.String("folder_id", project.FolderID))
	}
}

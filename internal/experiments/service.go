package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/docstore"
)

var (
	// ErrNotFound indicates the experiment does not exist in the record store.
	ErrNotFound = errors.New("experiments: experiment not found")
	// ErrStepNotFound indicates the protocol step does not exist.
	ErrStepNotFound = errors.New("experiments: protocol step not found")
	// ErrRowNotFound indicates a reagent, yield or spectrum row is absent.
	ErrRowNotFound = errors.New("experiments: row not found")

	errMissingDatabase = errors.New("experiments: database connection required")
	errMissingDocstore = errors.New("experiments: document store required")
	errMissingIDs      = errors.New("experiments: id provider required")
)

// IDProvider issues identifiers for folders and detail rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the experiment service dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Documents docstore.Store
	IDs       IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns experiment shells and their detail rows. Status changes are
// out of its reach: only the workflow engine mutates status.
type Service struct {
	db     *gorm.DB
	docs   docstore.Store
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the experiment service.
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

// CreateInput carries the fields for a new experiment.
type CreateInput struct {
	ProjectFolderID string
	Code            string
	Title           string
	Objective       string
	Hypothesis      string
	AuthorName      string
	AuthorEmail     string
	Tags            []string
}

// Create provisions the experiment folder and inserts the shell row in draft.
func (s *Service) Create(ctx context.Context, input CreateInput) (Experiment, error) {
	code := strings.TrimSpace(input.Code)
	title := strings.TrimSpace(input.Title)
	if code == "" || title == "" {
		return Experiment{}, fmt.Errorf("experiments: code and title are required")
	}
	if strings.TrimSpace(input.ProjectFolderID) == "" {
		return Experiment{}, fmt.Errorf("experiments: project folder is required")
	}
	if err := ValidateTags(input.Tags); err != nil {
		return Experiment{}, err
	}

	folderID, err := s.ids.NewID()
	if err != nil {
		return Experiment{}, err
	}
	if err := s.docs.EnsureFolder(ctx, folderID); err != nil {
		return Experiment{}, fmt.Errorf("experiments: folder provisioning failed: %w", err)
	}
	tagsJSON, err := json.Marshal(normalizeTags(input.Tags))
	if err != nil {
		return Experiment{}, err
	}

	now := s.clock().UTC()
	experiment := Experiment{
		FolderID:        folderID,
		ProjectFolderID: input.ProjectFolderID,
		Code:            code,
		Title:           title,
		Objective:       input.Objective,
		Hypothesis:      input.Hypothesis,
		AuthorName:      strings.TrimSpace(input.AuthorName),
		AuthorEmail:     strings.TrimSpace(input.AuthorEmail),
		Status:          StatusDraft.String(),
		Tags:            datatypes.JSON(tagsJSON),
		StartedAt:       &now,
		Version:         1,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&experiment).Error; err != nil {
		return Experiment{}, err
	}

	s.writeMetadata(ctx, experiment)
	return experiment, nil
}

// Get returns one experiment with its detail rows eager-loaded.
func (s *Service) Get(ctx context.Context, folderID string) (Experiment, error) {
	var experiment Experiment
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Preload("Reagents").
		Preload("Yields").
		Preload("Spectra").
		Where("folder_id = ?", folderID).
		Take(&experiment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, folderID)
	}
	if err != nil {
		return Experiment{}, err
	}
	return experiment, nil
}

// ListByProject returns the experiment shells under one project.
func (s *Service) ListByProject(ctx context.Context, projectFolderID string) ([]Experiment, error) {
	var result []Experiment
	err := s.db.WithContext(ctx).
		Where("project_folder_id = ?", projectFolderID).
		Order("code ASC").
		Find(&result).Error
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateInput carries a partial experiment mutation; nil fields are untouched.
// Status is deliberately absent: transitions go through the workflow engine.
type UpdateInput struct {
	Title      *string
	Objective  *string
	Hypothesis *string
	Tags       []string
}

// Update patches the experiment shell and mirrors it into folder metadata.
func (s *Service) Update(ctx context.Context, folderID string, input UpdateInput) (Experiment, error) {
	experiment, err := s.Get(ctx, folderID)
	if err != nil {
		return Experiment{}, err
	}

	updates := map[string]interface{}{}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return Experiment{}, fmt.Errorf("experiments: title must not be empty")
		}
		updates["title"] = title
	}
	if input.Objective != nil {
		updates["objective"] = *input.Objective
	}
	if input.Hypothesis != nil {
		updates["hypothesis"] = *input.Hypothesis
	}
	if input.Tags != nil {
		if err := ValidateTags(input.Tags); err != nil {
			return Experiment{}, err
		}
		tagsJSON, err := json.Marshal(normalizeTags(input.Tags))
		if err != nil {
			return Experiment{}, err
		}
		updates["tags"] = datatypes.JSON(tagsJSON)
	}
	if len(updates) == 0 {
		return experiment, nil
	}
	updates["updated_at"] = s.clock().UTC()

	err = s.db.WithContext(ctx).Model(&Experiment{}).
		Where("folder_id = ?", folderID).
		Updates(updates).Error
	if err != nil {
		return Experiment{}, err
	}

	experiment, err = s.Get(ctx, folderID)
	if err != nil {
		return Experiment{}, err
	}
	s.writeMetadata(ctx, experiment)
	return experiment, nil
}

// AddStep appends a protocol step numbered current max + 1.
func (s *Service) AddStep(ctx context.Context, folderID, instruction, notes string) (ProtocolStep, error) {
	if strings.TrimSpace(instruction) == "" {
		return ProtocolStep{}, fmt.Errorf("experiments: instruction is required")
	}
	if _, err := s.requireExperiment(ctx, folderID); err != nil {
		return ProtocolStep{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return ProtocolStep{}, err
	}

	var step ProtocolStep
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		row := tx.Model(&ProtocolStep{}).
			Where("experiment_folder_id = ?", folderID).
			Select("COALESCE(MAX(step_number), 0)").
			Row()
		if err := row.Scan(&maxNumber); err != nil {
			return err
		}
		step = ProtocolStep{
			ID:                 id,
			ExperimentFolderID: folderID,
			StepNumber:         maxNumber + 1,
			Instruction:        instruction,
			Notes:              notes,
		}
		return tx.Create(&step).Error
	})
	if err != nil {
		return ProtocolStep{}, err
	}
	return step, nil
}

// UpdateStep edits an existing step's text.
func (s *Service) UpdateStep(ctx context.Context, folderID, stepID string, instruction, notes *string) (ProtocolStep, error) {
	updates := map[string]interface{}{}
	if instruction != nil {
		if strings.TrimSpace(*instruction) == "" {
			return ProtocolStep{}, fmt.Errorf("experiments: instruction must not be empty")
		}
		updates["instruction"] = *instruction
	}
	if notes != nil {
		updates["notes"] = *notes
	}
	if len(updates) > 0 {
		result := s.db.WithContext(ctx).Model(&ProtocolStep{}).
			Where("id = ? AND experiment_folder_id = ?", stepID, folderID).
			Updates(updates)
		if result.Error != nil {
			return ProtocolStep{}, result.Error
		}
		if result.RowsAffected == 0 {
			return ProtocolStep{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
	}
	var step ProtocolStep
	err := s.db.WithContext(ctx).
		Where("id = ? AND experiment_folder_id = ?", stepID, folderID).
		Take(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProtocolStep{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if err != nil {
		return ProtocolStep{}, err
	}
	return step, nil
}

// DeleteStep removes a step. Remaining numbers keep their gaps.
func (s *Service) DeleteStep(ctx context.Context, folderID, stepID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND experiment_folder_id = ?", stepID, folderID).
		Delete(&ProtocolStep{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return nil
}

// ListSteps returns the ordered protocol for an experiment.
func (s *Service) ListSteps(ctx context.Context, folderID string) ([]ProtocolStep, error) {
	var steps []ProtocolStep
	err := s.db.WithContext(ctx).
		Where("experiment_folder_id = ?", folderID).
		Order("step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// CaptureSnapshot freezes the current ordered step list under the next
// monotonic version number.
func (s *Service) CaptureSnapshot(ctx context.Context, folderID string) (ProtocolSnapshot, error) {
	if _, err := s.requireExperiment(ctx, folderID); err != nil {
		return ProtocolSnapshot{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return ProtocolSnapshot{}, err
	}

	var snapshot ProtocolSnapshot
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var steps []ProtocolStep
		if err := tx.Where("experiment_folder_id = ?", folderID).
			Order("step_number ASC").
			Find(&steps).Error; err != nil {
			return err
		}
		encoded, err := json.Marshal(steps)
		if err != nil {
			return err
		}

		var maxVersion int64
		row := tx.Model(&ProtocolSnapshot{}).
			Where("experiment_folder_id = ?", folderID).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}

		snapshot = ProtocolSnapshot{
			ID:                 id,
			ExperimentFolderID: folderID,
			Version:            maxVersion + 1,
			StepsJSON:          datatypes.JSON(encoded),
			CreatedAt:          s.clock().UTC(),
		}
		return tx.Create(&snapshot).Error
	})
	if err != nil {
		return ProtocolSnapshot{}, err
	}
	return snapshot, nil
}

// ListSnapshots returns the snapshot history for an experiment, newest first.
func (s *Service) ListSnapshots(ctx context.Context, folderID string) ([]ProtocolSnapshot, error) {
	var snapshots []ProtocolSnapshot
	err := s.db.WithContext(ctx).
		Where("experiment_folder_id = ?", folderID).
		Order("version DESC").
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ReagentInput carries the fields for one reagent row.
type ReagentInput struct {
	Name         string
	Amount       float64
	Unit         string
	MolarAmount  *float64
	MolarUnit    string
	Observations string
}

// AddReagent inserts a reagent row.
func (s *Service) AddReagent(ctx context.Context, folderID string, input ReagentInput) (Reagent, error) {
	if strings.TrimSpace(input.Name) == "" {
		return Reagent{}, fmt.Errorf("experiments: reagent name is required")
	}
	if _, err := s.requireExperiment(ctx, folderID); err != nil {
		return Reagent{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Reagent{}, err
	}
	reagent := Reagent{
		ID:                 id,
		ExperimentFolderID: folderID,
		Name:               strings.TrimSpace(input.Name),
		Amount:             input.Amount,
		Unit:               input.Unit,
		MolarAmount:        input.MolarAmount,
		MolarUnit:          input.MolarUnit,
		Observations:       input.Observations,
	}
	if err := s.db.WithContext(ctx).Create(&reagent).Error; err != nil {
		return Reagent{}, err
	}
	return reagent, nil
}

// DeleteReagent removes a reagent row.
func (s *Service) DeleteReagent(ctx context.Context, folderID, reagentID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND experiment_folder_id = ?", reagentID, folderID).
		Delete(&Reagent{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: reagent %s", ErrRowNotFound, reagentID)
	}
	return nil
}

// YieldInput carries the fields for the experiment's yield record.
type YieldInput struct {
	ProductName string
	Theoretical float64
	Actual      float64
	Unit        string
}

// SaveYield upserts the experiment's current yield row, deriving the
// percentage from theoretical and actual amounts.
func (s *Service) SaveYield(ctx context.Context, folderID string, input YieldInput) (Yield, error) {
	if _, err := s.requireExperiment(ctx, folderID); err != nil {
		return Yield{}, err
	}

	percentage := YieldPercentage(input.Theoretical, input.Actual)

	var existing Yield
	err := s.db.WithContext(ctx).
		Where("experiment_folder_id = ?", folderID).
		Order("created_at DESC").
		Take(&existing).Error
	if err == nil {
		updates := map[string]interface{}{
			"product_name": strings.TrimSpace(input.ProductName),
			"theoretical":  input.Theoretical,
			"actual":       input.Actual,
			"percentage":   percentage,
			"unit":         input.Unit,
		}
		if err := s.db.WithContext(ctx).Model(&Yield{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return Yield{}, err
		}
		existing.ProductName = strings.TrimSpace(input.ProductName)
		existing.Theoretical = input.Theoretical
		existing.Actual = input.Actual
		existing.Percentage = percentage
		existing.Unit = input.Unit
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Yield{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Yield{}, err
	}
	created := Yield{
		ID:                 id,
		ExperimentFolderID: folderID,
		ProductName:        strings.TrimSpace(input.ProductName),
		Theoretical:        input.Theoretical,
		Actual:             input.Actual,
		Percentage:         percentage,
		Unit:               input.Unit,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		return Yield{}, err
	}
	return created, nil
}

// SpectrumInput carries the fields for one spectrum row.
type SpectrumInput struct {
	Technique string
	Title     string
	Caption   string
	FileID    string
	Peaks     map[string]string
}

// AddSpectrum inserts a spectrum row referencing a document store file.
func (s *Service) AddSpectrum(ctx context.Context, folderID string, input SpectrumInput) (Spectrum, error) {
	technique, err := ParseTechnique(input.Technique)
	if err != nil {
		return Spectrum{}, err
	}
	if _, err := s.requireExperiment(ctx, folderID); err != nil {
		return Spectrum{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Spectrum{}, err
	}
	peaks := datatypes.JSON(nil)
	if input.Peaks != nil {
		encoded, err := json.Marshal(input.Peaks)
		if err != nil {
			return Spectrum{}, err
		}
		peaks = datatypes.JSON(encoded)
	}
	spectrum := Spectrum{
		ID:                 id,
		ExperimentFolderID: folderID,
		Technique:          technique.String(),
		Title:              input.Title,
		Caption:            input.Caption,
		FileID:             input.FileID,
		Peaks:              peaks,
	}
	if err := s.db.WithContext(ctx).Create(&spectrum).Error; err != nil {
		return Spectrum{}, err
	}
	return spectrum, nil
}

// DeleteSpectrum removes a spectrum row.
func (s *Service) DeleteSpectrum(ctx context.Context, folderID, spectrumID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND experiment_folder_id = ?", spectrumID, folderID).
		Delete(&Spectrum{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: spectrum %s", ErrRowNotFound, spectrumID)
	}
	return nil
}

// StatusCount is one dashboard bucket.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// DashboardSummary aggregates experiment counts by status plus the most
// recently updated experiments.
type DashboardSummary struct {
	Total    int64         `json:"total"`
	ByStatus []StatusCount `json:"by_status"`
	Recent   []Experiment  `json:"recent"`
}

// Summarize computes the dashboard aggregation.
func (s *Service) Summarize(ctx context.Context, recentLimit int) (DashboardSummary, error) {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	summary := DashboardSummary{}
	if err := s.db.WithContext(ctx).Model(&Experiment{}).Count(&summary.Total).Error; err != nil {
		return DashboardSummary{}, err
	}
	err := s.db.WithContext(ctx).Model(&Experiment{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status ASC").
		Scan(&summary.ByStatus).Error
	if err != nil {
		return DashboardSummary{}, err
	}
	err = s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(recentLimit).
		Find(&summary.Recent).Error
	if err != nil {
		return DashboardSummary{}, err
	}
	return summary, nil
}

func (s *Service) requireExperiment(ctx context.Context, folderID string) (Experiment, error) {
	var experiment Experiment
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).Take(&experiment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, folderID)
	}
	if err != nil {
		return Experiment{}, err
	}
	return experiment, nil
}

func (s *Service) writeMetadata(ctx context.Context, experiment Experiment) {
	ops := []docstore.PatchOperation{
		docstore.SetField("code", experiment.Code),
		docstore.SetField("title", experiment.Title),
		docstore.SetField("status", experiment.Status),
		docstore.SetField("author_email", experiment.AuthorEmail),
		docstore.SetField("project_folder_id", experiment.ProjectFolderID),
	}
	if err := s.docs.PatchFolderMetadata(ctx, experiment.FolderID, docstore.TemplateExperimentProperties, ops); err != nil {
		s.logger.Error("experiment metadata write failed",
			zap.Error(err),
			zap.String("folder_id", experiment.FolderID))
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		cleaned := strings.ToLower(strings.TrimSpace(tag))
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}
	return normalized
}

// Package workflow is the sole authority for experiment status changes. It
// enforces the transition table, performs the coordinated record store and
// document store writes, and emits audit and notification side effects.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/users"
)

const (
	actionUpdateStatus = "update_status"
	entityExperiment   = "experiment"
)

var (
	errMissingDatabase    = errors.New("workflow: database connection required")
	errMissingExperiments = errors.New("workflow: experiment service required")
	errMissingDocstore    = errors.New("workflow: document store required")
	errMissingAudit       = errors.New("workflow: audit recorder required")
	errMissingNotify      = errors.New("workflow: notification service required")
	errMissingAccounts    = errors.New("workflow: account service required")
)

// EngineConfig describes the workflow engine dependencies.
type EngineConfig struct {
	Database    *gorm.DB
	Experiments *experiments.Service
	Documents   docstore.Store
	Audit       *audit.Recorder
	Notify      *notify.Service
	Accounts    *users.Service
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine applies validated status transitions. The record store write is
// primary; the document store metadata write is best-effort and reconciled
// through the status outbox when it fails. The two stores may briefly
// diverge; callers only ever observe the record store state.
type Engine struct {
	db          *gorm.DB
	experiments *experiments.Service
	docs        docstore.Store
	audit       *audit.Recorder
	notify      *notify.Service
	accounts    *users.Service
	clock       func() time.Time
	logger      *zap.Logger
}

// NewEngine constructs the workflow engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Experiments == nil {
		return nil, errMissingExperiments
	}
	if cfg.Documents == nil {
		return nil, errMissingDocstore
	}
	if cfg.Audit == nil {
		return nil, errMissingAudit
	}
	if cfg.Notify == nil {
		return nil, errMissingNotify
	}
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          cfg.Database,
		experiments: cfg.Experiments,
		docs:        cfg.Documents,
		audit:       cfg.Audit,
		notify:      cfg.Notify,
		accounts:    cfg.Accounts,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Transition moves an experiment to a new status on behalf of the actor.
// Validation failures write nothing; a successful validation updates the
// record store row under an optimistic version guard, mirrors the status
// into the document store, applies the lock side effect when entering
// locked, appends one audit entry and notifies the author on terminal
// review outcomes.
func (e *Engine) Transition(ctx context.Context, folderID string, to experiments.Status, actor users.Account) (experiments.Experiment, error) {
	if actor.ID == "" {
		return experiments.Experiment{}, &UnauthorizedError{}
	}

	var current experiments.Experiment
	err := e.db.WithContext(ctx).Where("folder_id = ?", folderID).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return experiments.Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, folderID)
	}
	if err != nil {
		return experiments.Experiment{}, err
	}

	from, err := experiments.ParseStatus(current.Status)
	if err != nil {
		return experiments.Experiment{}, err
	}
	role := actor.AccountRole()
	if err := ValidateTransition(from, to, role); err != nil {
		return experiments.Experiment{}, err
	}

	now := e.clock().UTC()
	updates := map[string]interface{}{
		"status":     to.String(),
		"updated_at": now,
		"version":    current.Version + 1,
	}
	if to == experiments.StatusCompleted {
		updates["completed_at"] = now
	}
	result := e.db.WithContext(ctx).Model(&experiments.Experiment{}).
		Where("folder_id = ? AND version = ?", folderID, current.Version).
		Updates(updates)
	if result.Error != nil {
		return experiments.Experiment{}, result.Error
	}
	if result.RowsAffected == 0 {
		return experiments.Experiment{}, fmt.Errorf("%w: %s", ErrStatusConflict, folderID)
	}

	e.mirrorStatus(ctx, folderID, to)

	if to == experiments.StatusLocked {
		e.lockFolder(ctx, folderID)
	}

	e.audit.Record(ctx, audit.Event{
		ActorID:    actor.ID,
		Action:     actionUpdateStatus,
		EntityType: entityExperiment,
		EntityID:   folderID,
		Details: map[string]any{
			"oldStatus": from.String(),
			"newStatus": to.String(),
			"changedBy": actor.Email,
		},
	})

	if to == experiments.StatusCompleted || to == experiments.StatusRejected {
		e.notifyAuthor(ctx, current, to)
	}

	return e.experiments.Get(ctx, folderID)
}

// mirrorStatus writes the status into the experiment folder metadata. A
// failure is logged and parked in the status outbox for reconciliation; it
// never fails the transition, since the record store write already landed.
func (e *Engine) mirrorStatus(ctx context.Context, folderID string, to experiments.Status) {
	ops := []docstore.PatchOperation{docstore.SetField("status", to.String())}
	err := e.docs.PatchFolderMetadata(ctx, folderID, docstore.TemplateExperimentProperties, ops)
	if err == nil {
		return
	}
	e.logger.Error("document store status write failed",
		zap.Error(err),
		zap.String("folder_id", folderID),
		zap.String("status", to.String()))
	e.enqueueStatusWrite(ctx, folderID, to, err)
}

// lockFolder downgrades every collaborator with edit rights to read-only.
// Each downgrade is independent: one failure is logged and the rest proceed.
func (e *Engine) lockFolder(ctx context.Context, folderID string) {
	collabs, err := e.docs.ListCollaborations(ctx, folderID)
	if err != nil {
		e.logger.Error("collaboration listing failed during lock",
			zap.Error(err),
			zap.String("folder_id", folderID))
		return
	}
	for _, collab := range collabs {
		if collab.Role != docstore.CollabRoleEditor {
			continue
		}
		if err := e.docs.UpdateCollaborationRole(ctx, folderID, collab.ID, docstore.CollabRoleViewer); err != nil {
			e.logger.Error("collaborator downgrade failed",
				zap.Error(err),
				zap.String("folder_id", folderID),
				zap.String("collaboration_id", collab.ID))
		}
	}
}

func (e *Engine) notifyAuthor(ctx context.Context, experiment experiments.Experiment, to experiments.Status) {
	if experiment.AuthorEmail == "" {
		return
	}
	author, err := e.accounts.GetByEmail(ctx, experiment.AuthorEmail)
	if err != nil {
		if !errors.Is(err, users.ErrAccountNotFound) {
			e.logger.Error("author lookup failed",
				zap.Error(err),
				zap.String("author_email", experiment.AuthorEmail))
		}
		return
	}

	title := fmt.Sprintf("Experiment %s approved", experiment.Code)
	message := fmt.Sprintf("%q was reviewed and marked completed.", experiment.Title)
	if to == experiments.StatusRejected {
		title = fmt.Sprintf("Experiment %s needs changes", experiment.Code)
		message = fmt.Sprintf("%q was reviewed and sent back for revision.", experiment.Title)
	}
	link := "/experiments/" + experiment.FolderID
	e.notify.CreateBestEffort(ctx, author.ID, title, message, link)
}

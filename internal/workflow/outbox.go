package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
)

// StatusOutboxEntry records a document store status write that failed after
// the record store transition had already landed. Entries are drained by
// ReconcileStatusOutbox, never by a background scheduler.
type StatusOutboxEntry struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FolderID  string    `gorm:"column:folder_id;size:190;not null;index"`
	Template  string    `gorm:"column:template;size:64;not null"`
	Status    string    `gorm:"column:status;size:32;not null"`
	Attempts  int       `gorm:"column:attempts;not null;default:0"`
	LastError string    `gorm:"column:last_error;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StatusOutboxEntry) TableName() string {
	return "status_outbox"
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (e *Engine) enqueueStatusWrite(ctx context.Context, folderID string, to experiments.Status, cause error) {
	now := e.clock().UTC()
	entry := StatusOutboxEntry{
		FolderID:  folderID,
		Template:  docstore.TemplateExperimentProperties,
		Status:    to.String(),
		Attempts:  1,
		LastError: cause.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		e.logger.Error("status outbox insert failed",
			zap.Error(err),
			zap.String("folder_id", folderID))
	}
}

// ReconcileStatusOutbox replays every pending document store status write.
// The record store is consulted per entry: a recorded status that no longer
// matches the current row was superseded by a later transition, and the
// entry is dropped without replay so a stale write can never overwrite a
// fresher mirror. Entries that replay successfully are removed; entries
// that fail stay with an updated attempt count.
func (e *Engine) ReconcileStatusOutbox(ctx context.Context) (ReconcileResult, error) {
	var entries []StatusOutboxEntry
	err := e.db.WithContext(ctx).Order("id ASC").Find(&entries).Error
	if err != nil {
		return ReconcileResult{}, err
	}

	result := ReconcileResult{Attempted: len(entries)}
	for _, entry := range entries {
		var current experiments.Experiment
		lookupErr := e.db.WithContext(ctx).Select("status").
			Where("folder_id = ?", entry.FolderID).
			Take(&current).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) || (lookupErr == nil && current.Status != entry.Status) {
			e.dropOutboxEntry(ctx, entry.ID)
			result.Skipped++
			continue
		}
		if lookupErr != nil {
			result.Failed++
			e.recordOutboxFailure(ctx, entry, lookupErr)
			continue
		}

		ops := []docstore.PatchOperation{docstore.SetField("status", entry.Status)}
		patchErr := e.docs.PatchFolderMetadata(ctx, entry.FolderID, entry.Template, ops)
		if patchErr == nil {
			e.dropOutboxEntry(ctx, entry.ID)
			result.Succeeded++
			continue
		}
		result.Failed++
		e.logger.Warn("status outbox replay failed",
			zap.Error(patchErr),
			zap.String("folder_id", entry.FolderID))
		e.recordOutboxFailure(ctx, entry, patchErr)
	}
	return result, nil
}

func (e *Engine) dropOutboxEntry(ctx context.Context, entryID int64) {
	if err := e.db.WithContext(ctx).Delete(&StatusOutboxEntry{}, entryID).Error; err != nil {
		e.logger.Error("status outbox delete failed", zap.Error(err), zap.Int64("entry_id", entryID))
	}
}

func (e *Engine) recordOutboxFailure(ctx context.Context, entry StatusOutboxEntry, cause error) {
	updateErr := e.db.WithContext(ctx).Model(&StatusOutboxEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"attempts":   entry.Attempts + 1,
			"last_error": cause.Error(),
			"updated_at": e.clock().UTC(),
		}).Error
	if updateErr != nil {
		e.logger.Error("status outbox update failed", zap.Error(updateErr), zap.Int64("entry_id", entry.ID))
	}
}

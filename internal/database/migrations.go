package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/experiments"
)

const migrationNormalizeStatusSpelling = "2026-06-18_normalize_experiment_status_spelling"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeStatusSpelling, apply: normalizeStatusSpelling},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeStatusSpelling rewrites underscore status spellings imported from
// the legacy notebook export into the hyphenated canonical form.
func normalizeStatusSpelling(db *gorm.DB) error {
	if err := db.Model(&experiments.Experiment{}).
		Where("status = ?", "in_progress").
		Update("status", experiments.StatusInProgress.String()).Error; err != nil {
		return err
	}
	return db.Exec("UPDATE projects SET status = 'on-hold' WHERE status = 'on_hold';").Error
}

package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/projects"
	"github.com/parkside-labs/labbook/internal/users"
	"github.com/parkside-labs/labbook/internal/workflow"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.Account{},
		&projects.Project{},
		&experiments.Experiment{},
		&experiments.ProtocolStep{},
		&experiments.ProtocolSnapshot{},
		&experiments.Reagent{},
		&experiments.Yield{},
		&experiments.Spectrum{},
		&audit.Entry{},
		&notify.Notification{},
		&workflow.StatusOutboxEntry{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

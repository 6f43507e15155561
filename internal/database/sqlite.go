package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/perimetra/fieldsync/internal/domain"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the embedded store and performs schema migrations.
// The store holds the domain tables plus the mutation queue and sync log, so
// a domain write and its queue entry can share one transaction.
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
	// SQLite on device storage: serialize access through a single connection.
	sqlDB.SetMaxOpenConns(1)

	models := append(domain.Models(), &queue.Entry{}, &syncer.CycleRecord{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
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

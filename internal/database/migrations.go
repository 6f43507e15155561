package database

import (
	"errors"
	"time"

	"github.com/perimetra/fieldsync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeQueuePriorities = "2026-08-12_normalize_queue_priorities"

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
		{name: migrationNormalizeQueuePriorities, apply: normalizeQueuePriorities},
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

// normalizeQueuePriorities realigns queue rows written before the priority
// map became fixed per entity table.
func normalizeQueuePriorities(db *gorm.DB) error {
	var tables []string
	if err := db.Model(&queue.Entry{}).Distinct("entity_table").Pluck("entity_table", &tables).Error; err != nil {
		return err
	}
	for _, table := range tables {
		if err := db.Model(&queue.Entry{}).
			Where("entity_table = ?", table).
			Update("priority", queue.PriorityFor(table)).Error; err != nil {
			return err
		}
	}
	return nil
}

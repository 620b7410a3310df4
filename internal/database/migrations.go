package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairNoteTimestamps = "2026-10-19_repair_note_timestamps"

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
		{name: migrationRepairNoteTimestamps, apply: repairNoteTimestamps},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairNoteTimestamps restores updated_at >= created_at for rows written by older builds.
func repairNoteTimestamps(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("updated_at < created_at").
		Update("updated_at", gorm.Expr("created_at")).Error
}

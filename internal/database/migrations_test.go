package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsNoteTimestamps(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&notes.Note{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	broken := notes.Note{
		Content:    "legacy",
		AuthorID:   1,
		AuthorName: "alice",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt.Add(-time.Hour),
	}
	if err := database.Create(&broken).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored notes.Note
	if err := database.Where("id = ?", broken.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		testContext.Fatalf("expected updated_at to be repaired, got %s before %s", stored.UpdatedAt, stored.CreatedAt)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairNoteTimestamps).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"users", "notes", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

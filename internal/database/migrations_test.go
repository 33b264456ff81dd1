package database

import (
	"path/filepath"
	"testing"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRecountsSignatures(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(store.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	initiative := store.Initiative{UserID: 1, Status: store.InitiativeApproved, SignCount: 7}
	if err := database.Create(&initiative).Error; err != nil {
		testContext.Fatalf("failed to insert initiative: %v", err)
	}
	choices := []store.InitiativeChoice{
		{UserID: 1, InitiativeID: initiative.ID, PassCount: store.SignedSentinel},
		{UserID: 2, InitiativeID: initiative.ID, PassCount: store.SignedSentinel},
		{UserID: 3, InitiativeID: initiative.ID, PassCount: 2},
	}
	if err := database.Create(&choices).Error; err != nil {
		testContext.Fatalf("failed to insert choices: %v", err)
	}
	legacyPoll := store.Poll{TextFi: "a", TextEn: "b", Status: store.PollCreated, Type: store.PollTypeQuestion}
	if err := database.Create(&legacyPoll).Error; err != nil {
		testContext.Fatalf("failed to insert poll: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored store.Initiative
	if err := database.Where("id = ?", initiative.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload initiative: %v", err)
	}
	if stored.SignCount != 2 {
		testContext.Fatalf("expected sign count to be recomputed to 2, got %d", stored.SignCount)
	}

	var storedPoll store.Poll
	if err := database.Where("id = ?", legacyPoll.ID).Take(&storedPoll).Error; err != nil {
		testContext.Fatalf("failed to reload poll: %v", err)
	}
	if storedPoll.VoterGroup != "everyone" {
		testContext.Fatalf("expected legacy voter group to become everyone, got %q", storedPoll.VoterGroup)
	}

	for _, name := range []string{migrationRecountInitiativeSignatures, migrationDefaultVoterGroup} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "twice.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first migrate failed: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migrate failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
}

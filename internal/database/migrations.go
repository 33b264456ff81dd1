package database

import (
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecountInitiativeSignatures = "2026-10-01_recount_initiative_signatures"
	migrationDefaultVoterGroup           = "2026-10-02_default_voter_group"
)

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
		{name: migrationRecountInitiativeSignatures, apply: recountInitiativeSignatures},
		{name: migrationDefaultVoterGroup, apply: defaultVoterGroup},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
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

// recountInitiativeSignatures rebuilds the denormalized signature counters from the choice rows.
func recountInitiativeSignatures(db *gorm.DB) error {
	signatures := db.Model(&store.InitiativeChoice{}).
		Select("COUNT(*)").
		Where("initiative_choices.initiative_id = initiatives.id AND initiative_choices.pass_count = ?", store.SignedSentinel)
	return db.Model(&store.Initiative{}).
		Where("1 = 1").
		Update("sign_count", signatures).Error
}

// defaultVoterGroup replaces legacy empty voter groups, which used to mean everyone.
func defaultVoterGroup(db *gorm.DB) error {
	return db.Model(&store.Poll{}).
		Where("voter_group IS NULL OR voter_group = ''").
		Update("voter_group", "everyone").Error
}

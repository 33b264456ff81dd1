package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting keys stored in the kv table.
const (
	KeyAdminLog         = "admin_log"
	KeyInitiativeLog    = "initiative_log"
	KeyInitiativeAlerts = "initiative_alerts"
	KeyAdminGroups      = "admin_groups"
	KeyBannedAdmins     = "banned_admins"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Settings reads and writes JSON encoded singleton values.
type Settings struct {
	db *gorm.DB
}

// NewSettings binds the settings accessor to a database handle.
func NewSettings(db *gorm.DB) (*Settings, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Settings{db: db}, nil
}

// Get decodes the value stored under key into target. It reports false when the key is absent.
func (s *Settings) Get(ctx context.Context, key string, target any) (bool, error) {
	var row KeyValue
	result := s.db.WithContext(ctx).Where("`key` = ?", key).Limit(1).Find(&row)
	if result.Error != nil {
		return false, fmt.Errorf("store: read %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if err := json.Unmarshal([]byte(row.Value), target); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// Set replaces the value stored under key.
func (s *Settings) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	row := KeyValue{Key: key, Value: string(encoded)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

// ChatID reads a chat id setting, returning fallback when absent.
func (s *Settings) ChatID(ctx context.Context, key string, fallback int64) (int64, error) {
	var value int64
	found, err := s.Get(ctx, key, &value)
	if err != nil {
		return 0, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}

// ChatIDs reads a chat id list setting, returning an empty list when absent.
func (s *Settings) ChatIDs(ctx context.Context, key string) ([]int64, error) {
	var values []int64
	if _, err := s.Get(ctx, key, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// Ints reads an int list setting, returning fallback when absent.
func (s *Settings) Ints(ctx context.Context, key string, fallback []int) ([]int, error) {
	var values []int
	found, err := s.Get(ctx, key, &values)
	if err != nil {
		return nil, err
	}
	if !found {
		return append([]int(nil), fallback...), nil
	}
	return values, nil
}

package users

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidImport indicates a malformed participant list.
var ErrInvalidImport = errors.New("users: invalid import file")

// ImportRecord is one participant in a roster file.
type ImportRecord struct {
	Passcode        string   `yaml:"passcode"`
	Name            string   `yaml:"name"`
	Area            string   `yaml:"area"`
	Username        string   `yaml:"username"`
	CandidateNumber string   `yaml:"candidate_number"`
	Groups          []string `yaml:"groups"`
}

type importFile struct {
	Users []ImportRecord `yaml:"users"`
}

// ImportSummary counts the effect of an import.
type ImportSummary struct {
	Users       int
	Memberships int
}

// ParseRoster decodes and validates a YAML roster.
func ParseRoster(reader io.Reader) ([]ImportRecord, error) {
	var file importFile
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	seen := make(map[string]bool, len(file.Users))
	for index := range file.Users {
		record := &file.Users[index]
		record.Passcode = NormalizePasscode(record.Passcode)
		record.Name = normalize(record.Name)
		record.Area = normalize(record.Area)
		record.Username = normalize(record.Username)
		if len(record.Username) > 0 && record.Username[0] == '@' {
			record.Username = record.Username[1:]
		}
		switch {
		case record.Passcode == "":
			return nil, fmt.Errorf("%w: entry %d has no passcode", ErrInvalidImport, index+1)
		case record.Name == "":
			return nil, fmt.Errorf("%w: %s has no name", ErrInvalidImport, record.Passcode)
		case seen[record.Passcode]:
			return nil, fmt.Errorf("%w: duplicate passcode %s", ErrInvalidImport, record.Passcode)
		}
		seen[record.Passcode] = true
		for position, group := range record.Groups {
			group = groups.NormalizeName(group)
			if err := groups.ValidateName(group); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidImport, record.Passcode, err)
			}
			record.Groups[position] = group
		}
	}
	return file.Users, nil
}

// Import upserts the roster by passcode and adds the listed group memberships. Chat bindings of
// already registered participants are left untouched.
func (s *Service) Import(ctx context.Context, reader io.Reader) (ImportSummary, error) {
	records, err := ParseRoster(reader)
	if err != nil {
		return ImportSummary{}, err
	}
	resolver, err := groups.NewResolver(groups.Config{Database: s.db, Logger: s.logger})
	if err != nil {
		return ImportSummary{}, newServiceError(opImport, "missing_resolver", err)
	}

	var summary ImportSummary
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members := make(map[string][]uint)
		for _, record := range records {
			user := store.User{
				Passcode:         record.Passcode,
				Name:             record.Name,
				Area:             record.Area,
				ChatUsername:     optional(record.Username),
				CandidateNumber:  optional(record.CandidateNumber),
				InitiativeNotifs: true,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "passcode"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "area", "chat_username", "candidate_number"}),
			}).Create(&user).Error
			if err != nil {
				return err
			}
			if err := tx.Where("passcode = ?", record.Passcode).Take(&user).Error; err != nil {
				return err
			}
			summary.Users++
			for _, group := range record.Groups {
				members[group] = append(members[group], user.ID)
			}
		}

		names := make([]string, 0, len(members))
		for name := range members {
			names = append(names, name)
		}
		sort.Strings(names)
		scoped := resolver.WithTx(tx)
		for _, name := range names {
			added, err := scoped.Add(ctx, name, members[name]...)
			if err != nil {
				return err
			}
			summary.Memberships += added
		}
		return nil
	})
	if err != nil {
		s.logError(opImport, "upsert_failed", err)
		return ImportSummary{}, newServiceError(opImport, "upsert_failed", err)
	}
	s.logger.Info("participants imported", zap.Int("users", summary.Users), zap.Int("memberships", summary.Memberships))
	return summary, nil
}

// Package databasetest opens isolated in-memory databases for package tests.
package databasetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var sequence atomic.Int64

// Open returns a migrated in-memory database private to the test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:sitsibot_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), sequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// UserOption adjusts a seeded user.
type UserOption func(*store.User)

// Registered binds the user to a chat identity with the given language.
func Registered(chatID int64, lang store.Language) UserOption {
	return func(user *store.User) {
		user.ChatUserID = &chatID
		user.Language = &lang
	}
}

// InArea sets the user's area.
func InArea(area string) UserOption {
	return func(user *store.User) {
		user.Area = area
	}
}

// Absent clears the presence flag.
func Absent() UserOption {
	return func(user *store.User) {
		user.Present = false
	}
}

// Candidate sets the candidate number.
func Candidate(number string) UserOption {
	return func(user *store.User) {
		user.CandidateNumber = &number
	}
}

// NotificationsOff disables initiative notifications.
func NotificationsOff() UserOption {
	return func(user *store.User) {
		user.InitiativeNotifs = false
	}
}

// MustUser inserts a present user with notifications enabled.
func MustUser(t testing.TB, db *gorm.DB, name string, options ...UserOption) store.User {
	t.Helper()
	user := store.User{
		Passcode:         fmt.Sprintf("CODE%d", sequence.Add(1)),
		Name:             name,
		Area:             "1",
		Present:          true,
		InitiativeNotifs: true,
	}
	for _, option := range options {
		option(&user)
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user %s: %v", name, err)
	}
	return user
}

// MustJoin adds users to a stored group.
func MustJoin(t testing.TB, db *gorm.DB, group string, users ...store.User) {
	t.Helper()
	for _, user := range users {
		if err := db.Create(&store.GroupMember{UserID: user.ID, GroupName: group}).Error; err != nil {
			t.Fatalf("failed to add user %d to %s: %v", user.ID, group, err)
		}
	}
}

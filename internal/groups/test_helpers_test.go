package groups

import (
	"fmt"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:groups_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	resolver, err := NewResolver(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver, db
}

func mustUser(t *testing.T, db *gorm.DB, passcode string, present bool) store.User {
	t.Helper()
	user := store.User{Passcode: passcode, Name: "User " + passcode, Area: "1", Present: present, InitiativeNotifs: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

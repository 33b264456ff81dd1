package bot

import (
	"context"
	"slices"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"go.uber.org/zap"
)

// AdminSet decides who may use admin commands: configured admins and members of admin groups,
// minus banned admins.
type AdminSet struct {
	configured []int64
	settings   *store.Settings
}

// NewAdminSet constructs an AdminSet over the configured admin ids.
func NewAdminSet(configured []int64, settings *store.Settings) *AdminSet {
	return &AdminSet{configured: append([]int64(nil), configured...), settings: settings}
}

// Primary returns the first configured admin, or zero.
func (s *AdminSet) Primary() int64 {
	if len(s.configured) == 0 {
		return 0
	}
	return s.configured[0]
}

// Configured reports whether userID is listed in the configuration.
func (s *AdminSet) Configured(userID int64) bool {
	return slices.Contains(s.configured, userID)
}

// Contains reports whether userID acting in chatID has admin rights.
func (s *AdminSet) Contains(ctx context.Context, userID, chatID int64) (bool, error) {
	banned, err := s.settings.ChatIDs(ctx, store.KeyBannedAdmins)
	if err != nil {
		return false, err
	}
	if slices.Contains(banned, userID) {
		return false, nil
	}
	if s.Configured(userID) || s.Configured(chatID) {
		return true, nil
	}
	adminGroups, err := s.settings.ChatIDs(ctx, store.KeyAdminGroups)
	if err != nil {
		return false, err
	}
	return slices.Contains(adminGroups, userID) || slices.Contains(adminGroups, chatID), nil
}

// AddGroup registers chatID as an admin group.
func (s *AdminSet) AddGroup(ctx context.Context, chatID int64) error {
	adminGroups, err := s.settings.ChatIDs(ctx, store.KeyAdminGroups)
	if err != nil {
		return err
	}
	if slices.Contains(adminGroups, chatID) {
		return nil
	}
	adminGroups = append(adminGroups, chatID)
	slices.Sort(adminGroups)
	return s.settings.Set(ctx, store.KeyAdminGroups, adminGroups)
}

// handleMembership reacts to the bot being added to a group. Only configured admins may add it,
// and only as a group administrator; such groups become admin groups.
func (d *Dispatcher) handleMembership(ctx context.Context, update telegram.ChatMemberUpdated) error {
	if update.OldChatMember.Present() || !update.NewChatMember.Present() {
		return nil
	}
	chatID := update.Chat.ID
	if !d.admins.Configured(update.From.ID) {
		d.sendBestEffort(ctx, chatID, "nah")
		return d.client.LeaveChat(ctx, chatID)
	}
	if update.NewChatMember.Status != telegram.MemberAdministrator {
		d.sendBestEffort(ctx, chatID, "please add me directly as admin (manage group -> admins -> add)")
		return d.client.LeaveChat(ctx, chatID)
	}
	if err := d.admins.AddGroup(ctx, chatID); err != nil {
		return err
	}
	d.logger.Info("admin group added", zap.Int64("chat_id", chatID), zap.Int64("added_by", update.From.ID))
	d.coordinator.Log(ctx, fanout.Actor{ChatID: update.From.ID, Name: update.From.FullName()},
		"added the bot to an admin group.")
	return d.send(ctx, chatID, fanout.Message{Text: adminHelp})
}

func (d *Dispatcher) sendBestEffort(ctx context.Context, chatID int64, text string) {
	if err := d.send(ctx, chatID, fanout.Message{Text: text}); err != nil {
		d.logger.Warn("message not delivered", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

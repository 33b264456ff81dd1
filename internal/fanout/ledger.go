package fanout

import (
	"context"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Source identifies what a ledger row displays.
type Source struct {
	PollID       *uint
	InitiativeID *uint
}

// PollSource addresses a poll.
func PollSource(id uint) Source {
	return Source{PollID: &id}
}

// InitiativeSource addresses an initiative.
func InitiativeSource(id uint) Source {
	return Source{InitiativeID: &id}
}

func (s Source) apply(query *gorm.DB) *gorm.DB {
	if s.PollID != nil {
		query = query.Where("sent_messages.poll_id = ?", *s.PollID)
	}
	if s.InitiativeID != nil {
		query = query.Where("sent_messages.initiative_id = ?", *s.InitiativeID)
	}
	return query
}

// Entry is a ledger row joined with the current state of its recipient.
type Entry struct {
	store.SentMessage
	// Area and UserLanguage are empty for rows without a known recipient.
	Area         string
	UserLanguage string
}

// Lang returns the recipient's current language, falling back to the language used on delivery.
func (e Entry) Lang() store.Language {
	if lang, err := store.ParseLanguage(e.UserLanguage); err == nil {
		return lang
	}
	return e.Language
}

const entryColumns = "sent_messages.chat_id, sent_messages.message_id, sent_messages.poll_id, " +
	"sent_messages.initiative_id, sent_messages.user_id, sent_messages.language, sent_messages.is_admin, " +
	"sent_messages.status, sent_messages.created_at"

// Ref returns the message address of the entry.
func (e Entry) Ref() MessageRef {
	return MessageRef{ChatID: e.ChatID, MessageID: e.MessageID}
}

// Ledger persists which delivered message shows which poll or initiative.
type Ledger struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewLedger binds the ledger to a database handle.
func NewLedger(db *gorm.DB, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{db: db, clock: clock}
}

// Record stores a delivered message. A repeated (chat, message) pair replaces the earlier row.
func (l *Ledger) Record(ctx context.Context, ref MessageRef, source Source, userID *uint, lang store.Language, isAdmin bool) error {
	row := store.SentMessage{
		ChatID:       ref.ChatID,
		MessageID:    ref.MessageID,
		PollID:       source.PollID,
		InitiativeID: source.InitiativeID,
		UserID:       userID,
		Language:     lang,
		IsAdmin:      isAdmin,
		Status:       store.MessageStatusOpen,
		CreatedAt:    l.clock().UTC(),
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Participant returns every participant-facing message of the source with the recipient's current area.
func (l *Ledger) Participant(ctx context.Context, source Source) ([]Entry, error) {
	var entries []Entry
	query := l.db.WithContext(ctx).
		Table("sent_messages").
		Select(entryColumns+", COALESCE(users.area, '') AS area, COALESCE(users.language, '') AS user_language").
		Joins("LEFT JOIN users ON users.id = sent_messages.user_id").
		Where("sent_messages.is_admin = ?", false)
	err := source.apply(query).Order("sent_messages.created_at ASC").Scan(&entries).Error
	return entries, err
}

// Admin returns every admin-facing message of the source.
func (l *Ledger) Admin(ctx context.Context, source Source) ([]Entry, error) {
	var entries []Entry
	query := l.db.WithContext(ctx).
		Table("sent_messages").
		Select(entryColumns).
		Where("sent_messages.is_admin = ?", true)
	err := source.apply(query).Order("sent_messages.created_at ASC").Scan(&entries).Error
	return entries, err
}

// PersonalInChat returns the participant-facing messages of the source delivered to chatID.
func (l *Ledger) PersonalInChat(ctx context.Context, chatID int64, source Source) ([]Entry, error) {
	var entries []Entry
	query := l.db.WithContext(ctx).
		Table("sent_messages").
		Select(entryColumns).
		Where("sent_messages.chat_id = ? AND sent_messages.is_admin = ?", chatID, false)
	err := source.apply(query).Scan(&entries).Error
	return entries, err
}

// HasAdminPromptForSubmitted reports whether any admin-facing message shows a still submitted initiative.
func (l *Ledger) HasAdminPromptForSubmitted(ctx context.Context) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Table("sent_messages").
		Joins("INNER JOIN initiatives ON initiatives.id = sent_messages.initiative_id").
		Where("sent_messages.is_admin = ? AND initiatives.status = ?", true, store.InitiativeSubmitted).
		Count(&count).Error
	return count > 0, err
}

// Forget deletes the ledger row of a message.
func (l *Ledger) Forget(ctx context.Context, ref MessageRef) error {
	return l.db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", ref.ChatID, ref.MessageID).
		Delete(&store.SentMessage{}).Error
}

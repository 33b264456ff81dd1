package store

import (
	"errors"
	"fmt"
	"time"
)

// Language is a supported participant language.
type Language string

const (
	LanguageFinnish Language = "fi"
	LanguageEnglish Language = "en"
)

// Languages lists every supported language in display order.
var Languages = []Language{LanguageFinnish, LanguageEnglish}

// ErrInvalidLanguage indicates an unsupported language code.
var ErrInvalidLanguage = errors.New("store: invalid language")

// ParseLanguage validates a language code.
func ParseLanguage(value string) (Language, error) {
	switch Language(value) {
	case LanguageFinnish, LanguageEnglish:
		return Language(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, value)
	}
}

// User is a participant imported ahead of the event and bound to a chat identity on registration.
type User struct {
	ID                 uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Passcode           string     `gorm:"column:passcode;size:16;not null;uniqueIndex"`
	ChatUserID         *int64     `gorm:"column:chat_user_id;uniqueIndex"`
	ChatUsername       *string    `gorm:"column:chat_username;size:64"`
	ChatDisplayName    *string    `gorm:"column:chat_display_name;size:255"`
	Name               string     `gorm:"column:name;size:255;not null"`
	Area               string     `gorm:"column:area;size:32;not null;index"`
	CandidateNumber    *string    `gorm:"column:candidate_number;size:16"`
	Present            bool       `gorm:"column:present;not null"`
	Language           *Language  `gorm:"column:language;size:2"`
	InitiativeNotifs   bool       `gorm:"column:initiative_notifs;not null"`
	InitiativeBanUntil *time.Time `gorm:"column:initiative_ban_until"`
}

// TableName exposes the table backing participants.
func (User) TableName() string {
	return "users"
}

// Contactable reports whether the user has a bound chat identity.
func (u User) Contactable() bool {
	return u.ChatUserID != nil
}

// Lang returns the chosen language, falling back to English.
func (u User) Lang() Language {
	if u.Language == nil {
		return LanguageEnglish
	}
	return *u.Language
}

// GroupMember is a stored membership row of a named group.
type GroupMember struct {
	UserID    uint   `gorm:"column:user_id;primaryKey"`
	GroupName string `gorm:"column:group_name;primaryKey;size:32;index"`
}

// TableName exposes the table backing group memberships.
func (GroupMember) TableName() string {
	return "group_members"
}

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollCreated PollStatus = "created"
	PollActive  PollStatus = "active"
	PollClosed  PollStatus = "closed"
)

// PollType separates referendums from candidate elections.
type PollType string

const (
	PollTypeQuestion PollType = "question"
	PollTypeElection PollType = "election"
)

// Poll is a referendum or an election.
type Poll struct {
	ID          uint       `gorm:"column:id;primaryKey;autoIncrement"`
	TextFi      string     `gorm:"column:text_fi;not null"`
	TextEn      string     `gorm:"column:text_en;not null"`
	Status      PollStatus `gorm:"column:status;size:8;not null;index"`
	Type        PollType   `gorm:"column:type;size:8;not null"`
	VoterGroup  string     `gorm:"column:voter_group;size:32;not null"`
	SourceGroup string     `gorm:"column:source_group;size:32"`
	PerArea     bool       `gorm:"column:per_area;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;index"`
}

// TableName exposes the table backing polls.
func (Poll) TableName() string {
	return "polls"
}

// IsElection reports whether options are generated from a candidate group.
func (p Poll) IsElection() bool {
	return p.Type == PollTypeElection
}

// Text returns the question in the given language.
func (p Poll) Text(lang Language) string {
	if lang == LanguageFinnish {
		return p.TextFi
	}
	return p.TextEn
}

// Option is one ballot choice of a poll.
type Option struct {
	ID          uint    `gorm:"column:id;primaryKey;autoIncrement"`
	PollID      uint    `gorm:"column:poll_id;not null;index"`
	TextFi      string  `gorm:"column:text_fi;not null"`
	TextEn      string  `gorm:"column:text_en;not null"`
	OrderNo     int     `gorm:"column:order_no;not null"`
	CandidateID *uint   `gorm:"column:candidate_id"`
	Area        *string `gorm:"column:area;size:32"`
}

// TableName exposes the table backing poll options.
func (Option) TableName() string {
	return "poll_options"
}

// Text returns the label in the given language.
func (o Option) Text(lang Language) string {
	if lang == LanguageFinnish {
		return o.TextFi
	}
	return o.TextEn
}

// Vote is the single ballot a voter cast in a poll.
type Vote struct {
	PollID    uint      `gorm:"column:poll_id;primaryKey"`
	VoterID   uint      `gorm:"column:voter_id;primaryKey"`
	OptionID  uint      `gorm:"column:option_id;not null;index"`
	Area      string    `gorm:"column:area;size:32;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing votes.
func (Vote) TableName() string {
	return "votes"
}

// InitiativeStatus is the lifecycle state of an initiative.
type InitiativeStatus string

const (
	InitiativeSubmitted InitiativeStatus = "submitted"
	InitiativeUnconst   InitiativeStatus = "unconst"
	InitiativeShitpost  InitiativeStatus = "shitpost"
	InitiativeApproved  InitiativeStatus = "approved"
	InitiativeClosed    InitiativeStatus = "closed"
)

// Initiative is a participant proposal.
type Initiative struct {
	ID        uint             `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    uint             `gorm:"column:user_id;not null;index"`
	CreatedAt time.Time        `gorm:"column:created_at;not null;index"`
	TitleFi   *string          `gorm:"column:title_fi"`
	TitleEn   *string          `gorm:"column:title_en"`
	DescFi    *string          `gorm:"column:desc_fi"`
	DescEn    *string          `gorm:"column:desc_en"`
	Status    InitiativeStatus `gorm:"column:status;size:16;not null;index"`
	SignCount int              `gorm:"column:sign_count;not null"`
}

// TableName exposes the table backing initiatives.
func (Initiative) TableName() string {
	return "initiatives"
}

// Title returns the title in the given language, or an empty string.
func (i Initiative) Title(lang Language) string {
	if lang == LanguageFinnish {
		return deref(i.TitleFi)
	}
	return deref(i.TitleEn)
}

// Description returns the description in the given language, or an empty string.
func (i Initiative) Description(lang Language) string {
	if lang == LanguageFinnish {
		return deref(i.DescFi)
	}
	return deref(i.DescEn)
}

// PreferredTitle returns the title in lang, falling back to the other language.
func (i Initiative) PreferredTitle(lang Language) string {
	if title := i.Title(lang); title != "" {
		return title
	}
	if lang == LanguageFinnish {
		return i.Title(LanguageEnglish)
	}
	return i.Title(LanguageFinnish)
}

// Complete reports whether every text field is filled in.
func (i Initiative) Complete() bool {
	return deref(i.TitleFi) != "" && deref(i.TitleEn) != "" && deref(i.DescFi) != "" && deref(i.DescEn) != ""
}

// SignedSentinel marks an InitiativeChoice as signed.
const SignedSentinel = -1

// InitiativeChoice records how a user has acted on an initiative.
type InitiativeChoice struct {
	UserID       uint `gorm:"column:user_id;primaryKey"`
	InitiativeID uint `gorm:"column:initiative_id;primaryKey;index"`
	PassCount    int  `gorm:"column:pass_count;not null"`
}

// TableName exposes the table backing initiative choices.
func (InitiativeChoice) TableName() string {
	return "initiative_choices"
}

// Signed reports whether the choice is the terminal signature.
func (c InitiativeChoice) Signed() bool {
	return c.PassCount == SignedSentinel
}

// MessageStatusOpen marks a ledger row whose message still shows an interactive prompt.
const MessageStatusOpen = "open"

// SentMessage is a ledger row pointing a delivered message back to its source.
type SentMessage struct {
	ChatID       int64     `gorm:"column:chat_id;primaryKey;autoIncrement:false"`
	MessageID    int64     `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	PollID       *uint     `gorm:"column:poll_id;index"`
	InitiativeID *uint     `gorm:"column:initiative_id;index"`
	UserID       *uint     `gorm:"column:user_id;index"`
	Language     Language  `gorm:"column:language;size:2;not null"`
	IsAdmin      bool      `gorm:"column:is_admin;not null"`
	Status       string    `gorm:"column:status;size:8;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing the delivery ledger.
func (SentMessage) TableName() string {
	return "sent_messages"
}

// KeyValue stores a JSON encoded singleton setting.
type KeyValue struct {
	Key   string `gorm:"column:key;primaryKey;size:32"`
	Value string `gorm:"column:value;not null"`
}

// TableName exposes the table backing settings.
func (KeyValue) TableName() string {
	return "kv"
}

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&KeyValue{},
		&User{},
		&GroupMember{},
		&Poll{},
		&Option{},
		&Vote{},
		&Initiative{},
		&InitiativeChoice{},
		&SentMessage{},
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

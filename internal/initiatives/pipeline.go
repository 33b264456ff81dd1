// Package initiatives runs participant proposals from authoring through moderation to signature
// collection.
package initiatives

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/modlock"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInitiativeNotFound indicates an unknown initiative id.
	ErrInitiativeNotFound = errors.New("initiatives: initiative not found")
	// ErrAlreadyDecided indicates a moderation action against an initiative no longer submitted.
	ErrAlreadyDecided = errors.New("initiatives: initiative already decided")
	// ErrIncomplete indicates an approval while some text field is still empty.
	ErrIncomplete = errors.New("initiatives: initiative is missing some fields")
	// ErrNotOpen indicates closing an initiative that is not collecting signatures.
	ErrNotOpen = errors.New("initiatives: initiative is not open")
	// ErrEmptyText indicates a title or description that is blank after normalization.
	ErrEmptyText = errors.New("initiatives: text is empty")
	// ErrInvalidAlerts indicates milestone thresholds outside the accepted range.
	ErrInvalidAlerts = errors.New("initiatives: alert limits must be 1-200 and at most 10")
	// ErrCreateRefused indicates a submission blocked by a ban or a pending initiative.
	ErrCreateRefused = errors.New("initiatives: creating an initiative is not allowed")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingCoordinator = errors.New("fan-out coordinator is required")
	errMissingScheduler   = errors.New("scheduler is required")
	errMissingLocales     = errors.New("locale bundle is required")
	errMissingSettings    = errors.New("settings store is required")
	errMissingLocks       = errors.New("moderation locks are required")
	errMissingBans        = errors.New("at least one shitpost ban length is required")
)

const (
	opNewPipeline = "initiatives.pipeline.new"
	opSubmit      = "initiatives.submit"
	opDecide      = "initiatives.decide"
	opEdit        = "initiatives.edit"
	opAdminSend   = "initiatives.admin_send"
	opChoose      = "initiatives.choose"
	opRotate      = "initiatives.rotate"
	opClose       = "initiatives.close"
	opSettings    = "initiatives.settings"
)

// ServiceError wraps pipeline failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes pipeline dependencies.
type Config struct {
	Database     *gorm.DB
	Coordinator  *fanout.Coordinator
	Scheduler    fanout.Scheduler
	Locales      *locale.Bundle
	Settings     *store.Settings
	Locks        modlock.Locks
	Events       events.Publisher
	PrimaryAdmin int64
	// BotLink is the public bot URL used for "handle in private chat" buttons.
	BotLink       string
	TitleMaxLen   int
	DescMaxLen    int
	ShitpostBans  []int
	DefaultAlerts []int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Pipeline runs the initiative lifecycle.
type Pipeline struct {
	db            *gorm.DB
	coordinator   *fanout.Coordinator
	scheduler     fanout.Scheduler
	locales       *locale.Bundle
	settings      *store.Settings
	locks         modlock.Locks
	events        events.Publisher
	primaryAdmin  int64
	botLink       string
	titleMaxLen   int
	descMaxLen    int
	shitpostBans  []int
	defaultAlerts []int
	clock         func() time.Time
	logger        *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opNewPipeline, "missing_database", errMissingDatabase)
	case cfg.Coordinator == nil:
		return nil, newServiceError(opNewPipeline, "missing_coordinator", errMissingCoordinator)
	case cfg.Scheduler == nil:
		return nil, newServiceError(opNewPipeline, "missing_scheduler", errMissingScheduler)
	case cfg.Locales == nil:
		return nil, newServiceError(opNewPipeline, "missing_locales", errMissingLocales)
	case cfg.Settings == nil:
		return nil, newServiceError(opNewPipeline, "missing_settings", errMissingSettings)
	case cfg.Locks == nil:
		return nil, newServiceError(opNewPipeline, "missing_locks", errMissingLocks)
	case len(cfg.ShitpostBans) == 0:
		return nil, newServiceError(opNewPipeline, "missing_bans", errMissingBans)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Pipeline{
		db:            cfg.Database,
		coordinator:   cfg.Coordinator,
		scheduler:     cfg.Scheduler,
		locales:       cfg.Locales,
		settings:      cfg.Settings,
		locks:         cfg.Locks,
		events:        publisher,
		primaryAdmin:  cfg.PrimaryAdmin,
		botLink:       cfg.BotLink,
		titleMaxLen:   cfg.TitleMaxLen,
		descMaxLen:    cfg.DescMaxLen,
		shitpostBans:  append([]int(nil), cfg.ShitpostBans...),
		defaultAlerts: append([]int(nil), cfg.DefaultAlerts...),
		clock:         clock,
		logger:        logger,
	}, nil
}

// View is an initiative joined with its author.
type View struct {
	store.Initiative
	AuthorName     string
	AuthorChatID   *int64
	AuthorLanguage *store.Language
}

// AuthorLang returns the author's language, falling back to English.
func (v View) AuthorLang() store.Language {
	if v.AuthorLanguage == nil {
		return store.LanguageEnglish
	}
	return *v.AuthorLanguage
}

type viewRow struct {
	store.Initiative
	AuthorName     *string `gorm:"column:author_name"`
	AuthorChatID   *int64  `gorm:"column:author_chat_id"`
	AuthorLanguage *string `gorm:"column:author_language"`
}

// Get loads an initiative with its author.
func (p *Pipeline) Get(ctx context.Context, id uint) (View, error) {
	return loadView(p.db.WithContext(ctx), id)
}

// Next returns the oldest initiative awaiting moderation.
func (p *Pipeline) Next(ctx context.Context) (*store.Initiative, error) {
	var initiative store.Initiative
	err := p.db.WithContext(ctx).
		Where("status = ?", store.InitiativeSubmitted).
		Order("created_at ASC").Order("id ASC").
		Take(&initiative).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &initiative, nil
}

// List returns every initiative, newest first.
func (p *Pipeline) List(ctx context.Context) ([]store.Initiative, error) {
	var initiatives []store.Initiative
	err := p.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&initiatives).Error
	return initiatives, err
}

// TitleMaxLen is the configured title length limit.
func (p *Pipeline) TitleMaxLen() int {
	return p.titleMaxLen
}

// DescMaxLen is the configured description length limit.
func (p *Pipeline) DescMaxLen() int {
	return p.descMaxLen
}

func (p *Pipeline) now() time.Time {
	return p.clock().UTC()
}

func (p *Pipeline) publish(ctx context.Context, eventType string, subject uint, attributes map[string]any) {
	if err := p.events.Publish(ctx, events.New(eventType, subject, p.now(), attributes)); err != nil {
		p.logger.Warn("initiative event not published", zap.String("type", eventType), zap.Error(err))
	}
}

func (p *Pipeline) schedule(name string, task fanout.Task) {
	if err := p.scheduler.Submit(name, task); err != nil {
		p.logError(opDecide, "schedule_failed", err, zap.String("task", name))
	}
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("initiative pipeline error", attrs...)
}

func loadView(db *gorm.DB, id uint) (View, error) {
	var row viewRow
	err := db.Table("initiatives").
		Select("initiatives.*, users.name AS author_name, users.chat_user_id AS author_chat_id, users.language AS author_language").
		Joins("LEFT JOIN users ON users.id = initiatives.user_id").
		Where("initiatives.id = ?", id).
		Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return View{}, ErrInitiativeNotFound
	case err != nil:
		return View{}, err
	}
	view := View{Initiative: row.Initiative, AuthorName: "<unknown user>", AuthorChatID: row.AuthorChatID}
	if row.AuthorName != nil {
		view.AuthorName = *row.AuthorName
	}
	if row.AuthorLanguage != nil {
		if lang, err := store.ParseLanguage(*row.AuthorLanguage); err == nil {
			view.AuthorLanguage = &lang
		}
	}
	return view, nil
}

func loadForUpdate(tx *gorm.DB, id uint) (store.Initiative, error) {
	var initiative store.Initiative
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&initiative).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Initiative{}, ErrInitiativeNotFound
	}
	return initiative, err
}

func recountSignatures(tx *gorm.DB, id uint) (int, error) {
	var count int64
	err := tx.Model(&store.InitiativeChoice{}).
		Where("initiative_id = ? AND pass_count = ?", id, store.SignedSentinel).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	if err := tx.Model(&store.Initiative{}).Where("id = ?", id).Update("sign_count", count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

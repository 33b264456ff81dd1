package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChooserPageSize is the number of polls listed per chooser page.
const ChooserPageSize = 5

var (
	// ErrPollNotFound indicates an unknown poll id.
	ErrPollNotFound = errors.New("polls: poll not found")
	// ErrOptionNotFound indicates an unknown option id.
	ErrOptionNotFound = errors.New("polls: option not found")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("polls: invalid status transition")
	// ErrNotEditable indicates an edit against a poll that is no longer being authored.
	ErrNotEditable = errors.New("polls: poll is not editable")
	// ErrIncompleteDraft indicates a create request missing required fields.
	ErrIncompleteDraft = errors.New("polls: incomplete poll")
	// ErrOptionCountMismatch indicates option lists of different length per language.
	ErrOptionCountMismatch = errors.New("polls: option counts differ between languages")
	// ErrElectionOptions indicates an attempt to author options of an election.
	ErrElectionOptions = errors.New("polls: election options are generated")
	// ErrNotClosed indicates a results request for a poll that is still open.
	ErrNotClosed = errors.New("polls: poll is not closed")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingGroups      = errors.New("group resolver is required")
	errMissingCoordinator = errors.New("fan-out coordinator is required")
	errMissingScheduler   = errors.New("scheduler is required")
	errMissingLocales     = errors.New("locale bundle is required")
)

const (
	opNewEngine = "polls.engine.new"
	opCreate    = "polls.create"
	opCommit    = "polls.commit"
	opActivate  = "polls.activate"
	opAnnounce  = "polls.announce"
	opClose     = "polls.close"
	opVote      = "polls.vote"
	opResults   = "polls.results"
	opChooser   = "polls.chooser"
	opCurrent   = "polls.current"
)

// ServiceError wraps engine failures with a stable code.
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

// Config describes engine dependencies.
type Config struct {
	Database       *gorm.DB
	Groups         *groups.Resolver
	Coordinator    *fanout.Coordinator
	Scheduler      fanout.Scheduler
	Locales        *locale.Bundle
	Events         events.Publisher
	MaxCandidates  int
	CandidateGroup string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Engine runs the poll and election lifecycle.
type Engine struct {
	db             *gorm.DB
	groups         *groups.Resolver
	coordinator    *fanout.Coordinator
	scheduler      fanout.Scheduler
	locales        *locale.Bundle
	events         events.Publisher
	maxCandidates  int
	candidateGroup string
	clock          func() time.Time
	logger         *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opNewEngine, "missing_database", errMissingDatabase)
	case cfg.Groups == nil:
		return nil, newServiceError(opNewEngine, "missing_groups", errMissingGroups)
	case cfg.Coordinator == nil:
		return nil, newServiceError(opNewEngine, "missing_coordinator", errMissingCoordinator)
	case cfg.Scheduler == nil:
		return nil, newServiceError(opNewEngine, "missing_scheduler", errMissingScheduler)
	case cfg.Locales == nil:
		return nil, newServiceError(opNewEngine, "missing_locales", errMissingLocales)
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
	candidateGroup := cfg.CandidateGroup
	if candidateGroup == "" {
		candidateGroup = groups.Everyone
	}
	return &Engine{
		db:             cfg.Database,
		groups:         cfg.Groups,
		coordinator:    cfg.Coordinator,
		scheduler:      cfg.Scheduler,
		locales:        cfg.Locales,
		events:         publisher,
		maxCandidates:  cfg.MaxCandidates,
		candidateGroup: candidateGroup,
		clock:          clock,
		logger:         logger,
	}, nil
}

// NewPoll is a fully authored poll ready to be stored.
type NewPoll struct {
	Type      store.PollType
	TextFi    string
	TextEn    string
	OptionsFi []string
	OptionsEn []string
}

// Get loads a poll.
func (e *Engine) Get(ctx context.Context, id uint) (store.Poll, error) {
	return loadPoll(e.db.WithContext(ctx), id)
}

// Options lists a poll's options in ballot order.
func (e *Engine) Options(ctx context.Context, pollID uint) ([]store.Option, error) {
	return loadOptions(e.db.WithContext(ctx), pollID)
}

// Create stores a new poll in the created state. Elections get their options on activation.
func (e *Engine) Create(ctx context.Context, actor fanout.Actor, request NewPoll) (store.Poll, error) {
	if request.TextFi == "" || request.TextEn == "" {
		return store.Poll{}, ErrIncompleteDraft
	}
	isElection := request.Type == store.PollTypeElection
	if !isElection {
		if len(request.OptionsFi) == 0 || len(request.OptionsEn) == 0 {
			return store.Poll{}, ErrIncompleteDraft
		}
		if len(request.OptionsFi) != len(request.OptionsEn) {
			return store.Poll{}, ErrOptionCountMismatch
		}
	}
	poll := store.Poll{
		TextFi:     request.TextFi,
		TextEn:     request.TextEn,
		Status:     store.PollCreated,
		Type:       store.PollTypeQuestion,
		VoterGroup: groups.Everyone,
		UpdatedAt:  e.now(),
	}
	if isElection {
		poll.Type = store.PollTypeElection
		poll.PerArea = true
		poll.SourceGroup = e.candidateGroup
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}
		if isElection {
			return nil
		}
		return replaceOptions(tx, poll.ID, request.OptionsFi, request.OptionsEn)
	})
	if err != nil {
		e.logError(opCreate, "insert_failed", err)
		return store.Poll{}, newServiceError(opCreate, "insert_failed", err)
	}
	kind := "poll"
	if isElection {
		kind = "election"
	}
	e.coordinator.Log(ctx, actor, fmt.Sprintf("created the %s <b>%s</b>.", kind, locale.Escape(poll.TextFi)))
	return poll, nil
}

// OptionText is one option label pair as shown in previews.
type OptionText struct {
	Fi string
	En string
}

// Preview is the merged view of a stored poll and a draft.
type Preview struct {
	Poll    store.Poll
	Options []OptionText
	Dirty   bool
}

// Preview merges draft over the stored poll without writing anything.
func (e *Engine) Preview(ctx context.Context, id uint, draft Draft) (Preview, error) {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	preview := Preview{Poll: draft.Apply(poll), Dirty: !draft.Empty()}
	if poll.IsElection() {
		return preview, nil
	}
	if draft.optionsReady() {
		for index := range draft.OptionsFi {
			text := OptionText{Fi: draft.OptionsFi[index]}
			if index < len(draft.OptionsEn) {
				text.En = draft.OptionsEn[index]
			}
			preview.Options = append(preview.Options, text)
		}
		return preview, nil
	}
	options, err := e.Options(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	for _, option := range options {
		preview.Options = append(preview.Options, OptionText{Fi: option.TextFi, En: option.TextEn})
	}
	return preview, nil
}

// Commit writes the draft's changed fields in one transaction. A poll that left the created
// state meanwhile yields ErrNotEditable and is left untouched.
func (e *Engine) Commit(ctx context.Context, actor fanout.Actor, id uint, draft Draft) (store.Poll, error) {
	var poll store.Poll
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		poll, err = loadPollForUpdate(tx, id)
		if err != nil {
			return err
		}
		if !Editable(poll) {
			return ErrNotEditable
		}
		if draft.Empty() {
			return nil
		}
		if poll.IsElection() && (draft.OptionsFi != nil || draft.OptionsEn != nil) {
			return ErrElectionOptions
		}
		if draft.VoterGroup != nil {
			if err := groups.ValidateTarget(*draft.VoterGroup); err != nil {
				return err
			}
		}
		if draft.SourceGroup != nil {
			if err := groups.ValidateTarget(*draft.SourceGroup); err != nil {
				return err
			}
		}
		updates := map[string]any{"updated_at": e.now()}
		if draft.TextFi != nil {
			updates["text_fi"] = *draft.TextFi
		}
		if draft.TextEn != nil {
			updates["text_en"] = *draft.TextEn
		}
		if draft.PerArea != nil {
			updates["per_area"] = *draft.PerArea
		}
		if draft.VoterGroup != nil {
			updates["voter_group"] = *draft.VoterGroup
		}
		if draft.SourceGroup != nil && poll.IsElection() {
			updates["source_group"] = *draft.SourceGroup
		}
		if err := tx.Model(&store.Poll{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if poll.IsElection() || !draft.optionsReady() {
			return nil
		}
		if len(draft.OptionsFi) != len(draft.OptionsEn) {
			return ErrOptionCountMismatch
		}
		return replaceOptions(tx, id, draft.OptionsFi, draft.OptionsEn)
	})
	switch {
	case errors.Is(err, ErrPollNotFound), errors.Is(err, ErrNotEditable), errors.Is(err, ErrOptionCountMismatch),
		errors.Is(err, ErrElectionOptions), errors.Is(err, groups.ErrInvalidGroupName):
		return poll, err
	case err != nil:
		e.logError(opCommit, "update_failed", err, zap.Uint("poll_id", id))
		return store.Poll{}, newServiceError(opCommit, "update_failed", err)
	}
	if draft.Empty() {
		return poll, nil
	}
	e.coordinator.Log(ctx, actor, fmt.Sprintf("edited the poll <b>%s</b>.", locale.Escape(poll.TextFi)))
	return e.Get(ctx, id)
}

// ChooserPage is one page of the admin poll list.
type ChooserPage struct {
	Polls []store.Poll
	// Prev and Next are offsets of neighbouring pages, or -1 when there is none.
	Prev int
	Next int
}

// Chooser lists polls by most recent update.
func (e *Engine) Chooser(ctx context.Context, offset int) (ChooserPage, error) {
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := e.db.WithContext(ctx).Model(&store.Poll{}).Count(&total).Error; err != nil {
		e.logError(opChooser, "count_failed", err)
		return ChooserPage{}, newServiceError(opChooser, "count_failed", err)
	}
	page := ChooserPage{Prev: -1, Next: -1}
	err := e.db.WithContext(ctx).
		Order("updated_at DESC").Order("id DESC").
		Limit(ChooserPageSize).Offset(offset).
		Find(&page.Polls).Error
	if err != nil {
		e.logError(opChooser, "query_failed", err)
		return ChooserPage{}, newServiceError(opChooser, "query_failed", err)
	}
	if offset > 0 {
		page.Prev = max(0, offset-ChooserPageSize)
	}
	if total > int64(offset+ChooserPageSize) {
		page.Next = offset + ChooserPageSize
	}
	return page, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) publish(ctx context.Context, eventType string, subject uint, attributes map[string]any) {
	if err := e.events.Publish(ctx, events.New(eventType, subject, e.now(), attributes)); err != nil {
		e.logger.Warn("poll event not published", zap.String("type", eventType), zap.Error(err))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("poll engine error", attrs...)
}

func loadPoll(db *gorm.DB, id uint) (store.Poll, error) {
	var poll store.Poll
	err := db.Where("id = ?", id).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Poll{}, ErrPollNotFound
	}
	return poll, err
}

func loadPollForUpdate(tx *gorm.DB, id uint) (store.Poll, error) {
	return loadPoll(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func loadOptions(db *gorm.DB, pollID uint) ([]store.Option, error) {
	var options []store.Option
	err := db.Where("poll_id = ?", pollID).Order("order_no ASC").Order("id ASC").Find(&options).Error
	return options, err
}

func replaceOptions(tx *gorm.DB, pollID uint, textsFi, textsEn []string) error {
	if err := tx.Where("poll_id = ?", pollID).Delete(&store.Option{}).Error; err != nil {
		return err
	}
	options := make([]store.Option, 0, len(textsFi))
	for index := range textsFi {
		options = append(options, store.Option{
			PollID:  pollID,
			TextFi:  textsFi[index],
			TextEn:  textsEn[index],
			OrderNo: index,
		})
	}
	if len(options) == 0 {
		return nil
	}
	return tx.Create(&options).Error
}

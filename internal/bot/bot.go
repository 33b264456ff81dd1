// Package bot routes chat updates to the registration, poll and initiative flows.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingClient      = errors.New("chat client is required")
	errMissingUsers       = errors.New("user service is required")
	errMissingPolls       = errors.New("poll engine is required")
	errMissingInitiatives = errors.New("initiative pipeline is required")
	errMissingGroups      = errors.New("group resolver is required")
	errMissingCoordinator = errors.New("fan-out coordinator is required")
	errMissingScheduler   = errors.New("scheduler is required")
	errMissingSettings    = errors.New("settings store is required")
	errMissingLocales     = errors.New("locale bundle is required")
)

const (
	opNewDispatcher = "bot.dispatcher.new"
	opHandle        = "bot.handle"
)

// ServiceError wraps dispatcher failures with a stable code.
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

// Client is the chat API surface used by the dispatcher.
type Client interface {
	fanout.Transport
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error
	ClearKeyboard(ctx context.Context, ref fanout.MessageRef) error
	SetChatCommands(ctx context.Context, chatID int64, commands []telegram.BotCommand) error
	LeaveChat(ctx context.Context, chatID int64) error
}

// Config describes dispatcher dependencies.
type Config struct {
	Client      Client
	Users       *users.Service
	Polls       *polls.Engine
	Initiatives *initiatives.Pipeline
	Groups      *groups.Resolver
	Coordinator *fanout.Coordinator
	Scheduler   fanout.Scheduler
	Settings    *store.Settings
	Locales     *locale.Bundle
	// Admins are the configured admin chat ids. The first one receives error reports and logs.
	Admins      []int64
	BotUsername string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Dispatcher handles updates one at a time and keeps per-user conversation state in memory.
type Dispatcher struct {
	mu          sync.Mutex
	client      Client
	users       *users.Service
	polls       *polls.Engine
	initiatives *initiatives.Pipeline
	groups      *groups.Resolver
	coordinator *fanout.Coordinator
	scheduler   fanout.Scheduler
	settings    *store.Settings
	locales     *locale.Bundle
	admins      *AdminSet
	botUsername string
	sessions    map[int64]*session
	clock       func() time.Time
	logger      *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Client == nil:
		return nil, newServiceError(opNewDispatcher, "missing_client", errMissingClient)
	case cfg.Users == nil:
		return nil, newServiceError(opNewDispatcher, "missing_users", errMissingUsers)
	case cfg.Polls == nil:
		return nil, newServiceError(opNewDispatcher, "missing_polls", errMissingPolls)
	case cfg.Initiatives == nil:
		return nil, newServiceError(opNewDispatcher, "missing_initiatives", errMissingInitiatives)
	case cfg.Groups == nil:
		return nil, newServiceError(opNewDispatcher, "missing_groups", errMissingGroups)
	case cfg.Coordinator == nil:
		return nil, newServiceError(opNewDispatcher, "missing_coordinator", errMissingCoordinator)
	case cfg.Scheduler == nil:
		return nil, newServiceError(opNewDispatcher, "missing_scheduler", errMissingScheduler)
	case cfg.Settings == nil:
		return nil, newServiceError(opNewDispatcher, "missing_settings", errMissingSettings)
	case cfg.Locales == nil:
		return nil, newServiceError(opNewDispatcher, "missing_locales", errMissingLocales)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:      cfg.Client,
		users:       cfg.Users,
		polls:       cfg.Polls,
		initiatives: cfg.Initiatives,
		groups:      cfg.Groups,
		coordinator: cfg.Coordinator,
		scheduler:   cfg.Scheduler,
		settings:    cfg.Settings,
		locales:     cfg.Locales,
		admins:      NewAdminSet(cfg.Admins, cfg.Settings),
		botUsername: cfg.BotUsername,
		sessions:    make(map[int64]*session),
		clock:       clock,
		logger:      logger,
	}, nil
}

// Admins exposes the admin set used to authorize admin commands.
func (d *Dispatcher) Admins() *AdminSet {
	return d.admins
}

// Handle processes one update. Failures and panics are logged and reported, never returned, so a
// bad update cannot stop the update loop.
func (d *Dispatcher) Handle(ctx context.Context, update telegram.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("update handler panicked",
				zap.Int64("update_id", update.UpdateID),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			d.coordinator.Report(ctx, fmt.Errorf("update %d: panic: %v", update.UpdateID, recovered))
		}
	}()

	var err error
	switch {
	case update.MyChatMember != nil:
		err = d.handleMembership(ctx, *update.MyChatMember)
	case update.CallbackQuery != nil:
		err = d.handleCallback(ctx, *update.CallbackQuery)
	case update.Message != nil:
		err = d.handleMessage(ctx, *update.Message)
	}
	if err != nil {
		d.logError(opHandle, "update_failed", err, zap.Int64("update_id", update.UpdateID))
		d.coordinator.Report(ctx, err)
	}
}

// request is the context of one inbound message or button press.
type request struct {
	chat     telegram.Chat
	from     telegram.User
	admin    bool
	callback *telegram.CallbackQuery
	session  *session
}

func (r request) actor() fanout.Actor {
	return fanout.Actor{ChatID: r.from.ID, Name: r.from.FullName()}
}

// pressed is the message carrying the pressed button, if any.
func (r request) pressed() (fanout.MessageRef, bool) {
	if r.callback == nil || r.callback.Message == nil {
		return fanout.MessageRef{}, false
	}
	return fanout.MessageRef{ChatID: r.callback.Message.Chat.ID, MessageID: r.callback.Message.MessageID}, true
}

func (d *Dispatcher) newRequest(ctx context.Context, chat telegram.Chat, from telegram.User) (request, error) {
	admin, err := d.admins.Contains(ctx, from.ID, chat.ID)
	if err != nil {
		return request{}, err
	}
	return request{chat: chat, from: from, admin: admin, session: d.session(from.ID)}, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, message telegram.Message) error {
	if message.From == nil || message.From.IsBot {
		return nil
	}
	req, err := d.newRequest(ctx, message.Chat, *message.From)
	if err != nil {
		return err
	}
	if command, ok := telegram.ParseCommand(message.Text, d.botUsername); ok {
		return d.handleCommand(ctx, req, command)
	}
	if !req.chat.IsPrivate() {
		return nil
	}
	return d.handleText(ctx, req, message.Text)
}

func (d *Dispatcher) handleCommand(ctx context.Context, req request, command telegram.Command) error {
	if command.Name == "cancel" {
		return d.cancel(ctx, req)
	}
	if req.admin {
		handled, err := d.adminCommand(ctx, req, command)
		if handled || err != nil {
			return err
		}
	}
	if !req.chat.IsPrivate() {
		return nil
	}
	return d.participantCommand(ctx, req, command)
}

// handleText feeds a plain message to the flow waiting for it.
func (d *Dispatcher) handleText(ctx context.Context, req request, text string) error {
	switch req.session.flow.stage {
	case stageCode:
		return d.saveCode(ctx, req, text)
	case stageInitiativeTitle, stageInitiativeDesc:
		return d.saveInitiativeText(ctx, req, text)
	}
	if !req.admin {
		return nil
	}
	switch req.session.flow.stage {
	case stagePollQuestion:
		return d.savePollQuestion(ctx, req, text)
	case stagePollOptions:
		return d.savePollOptions(ctx, req, text)
	case stagePollGroup:
		return d.savePollGroup(ctx, req, text)
	case stageModerationText:
		return d.saveModerationText(ctx, req, text)
	case stageBroadcastText:
		return d.saveBroadcastText(ctx, req, text)
	}
	return nil
}

func (d *Dispatcher) handleCallback(ctx context.Context, query telegram.CallbackQuery) error {
	chat := telegram.Chat{ID: query.From.ID, Type: telegram.ChatPrivate}
	if query.Message != nil {
		chat = query.Message.Chat
	}
	req, err := d.newRequest(ctx, chat, query.From)
	if err != nil {
		return err
	}
	req.callback = &query
	data := query.Data
	switch {
	case polls.IsCallback(data):
		return d.vote(ctx, req)
	case initiatives.IsChoiceCallback(data):
		return d.choose(ctx, req)
	case strings.HasPrefix(data, languageCallbackPrefix):
		return d.chooseLanguage(ctx, req)
	case strings.HasPrefix(data, authoringCallbackPrefix):
		return d.authoringCallback(ctx, req)
	}
	if !req.admin {
		return d.answer(ctx, req, "", false)
	}
	switch {
	case strings.HasPrefix(data, pollMenuCallbackPrefix):
		return d.pollCallback(ctx, req)
	case strings.HasPrefix(data, chooserCallbackPrefix):
		return d.pollChooserCallback(ctx, req)
	case initiatives.IsAdminCallback(data):
		return d.moderationCallback(ctx, req)
	case strings.HasPrefix(data, broadcastCallbackPrefix):
		return d.broadcastCallback(ctx, req)
	}
	return d.answer(ctx, req, "", false)
}

// cancel leaves the flow waiting for text input.
func (d *Dispatcher) cancel(ctx context.Context, req request) error {
	flow := req.session.flow
	req.session.reset()
	switch flow.stage {
	case stageInitiativeTitle, stageInitiativeDesc, stageInitiativeCheck:
		return d.send(ctx, req.chat.ID, fanout.Message{Text: d.locale(ctx, req).Text("init_canceled")})
	case stagePollQuestion, stagePollOptions, stagePollGroup:
		if flow.poll.id == 0 {
			return d.send(ctx, req.chat.ID, fanout.Message{Text: "Poll creation cancelled."})
		}
		req.session.flow.poll = flow.poll
		return d.pollMenu(ctx, req, "", true)
	case stageModerationText:
		return d.showModeration(ctx, req, flow.moderation.id, "")
	case stageBroadcastText:
		return d.send(ctx, req.chat.ID, fanout.Message{Text: "Broadcast cancelled."})
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, message fanout.Message) error {
	_, err := d.client.SendMessage(ctx, chatID, message)
	return err
}

func (d *Dispatcher) reply(ctx context.Context, req request, text string) error {
	return d.send(ctx, req.chat.ID, fanout.Message{Text: text})
}

func (d *Dispatcher) answer(ctx context.Context, req request, text string, alert bool) error {
	if req.callback == nil {
		return nil
	}
	return d.client.AnswerCallback(ctx, req.callback.ID, text, alert)
}

// updateMenu replaces the pressed message, or sends a new one for typed input. A reply prompt
// cannot be put on an existing message, so the pressed one loses its buttons and the prompt is
// sent below it.
func (d *Dispatcher) updateMenu(ctx context.Context, req request, message fanout.Message) error {
	ref, ok := req.pressed()
	if !ok {
		return d.send(ctx, req.chat.ID, message)
	}
	if message.ForceReply {
		if err := d.client.ClearKeyboard(ctx, ref); err != nil && !isStale(err) {
			return err
		}
		return d.send(ctx, req.chat.ID, message)
	}
	return d.edit(ctx, ref, message)
}

func (d *Dispatcher) edit(ctx context.Context, ref fanout.MessageRef, message fanout.Message) error {
	err := fanout.EditIgnoringUnchanged(ctx, d.client, ref, message)
	if errors.Is(err, fanout.ErrMessageGone) {
		return nil
	}
	return err
}

func isStale(err error) bool {
	return errors.Is(err, fanout.ErrNotModified) || errors.Is(err, fanout.ErrMessageGone)
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	d.logger.Error("bot operation failed", allFields...)
}

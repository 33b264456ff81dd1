package bot_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/bot"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database/databasetest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout/fanouttest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/modlock"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"gorm.io/gorm"
)

const adminID int64 = 1000

type callbackAnswer struct {
	ID        string
	Text      string
	ShowAlert bool
}

type fakeClient struct {
	*fanouttest.Transport

	mu       sync.Mutex
	answers  []callbackAnswer
	cleared  []fanout.MessageRef
	commands map[int64][]telegram.BotCommand
	left     []int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{Transport: fanouttest.NewTransport(), commands: make(map[int64][]telegram.BotCommand)}
}

func (c *fakeClient) AnswerCallback(_ context.Context, callbackID, text string, showAlert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, callbackAnswer{ID: callbackID, Text: text, ShowAlert: showAlert})
	return nil
}

func (c *fakeClient) ClearKeyboard(_ context.Context, ref fanout.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, ref)
	return nil
}

func (c *fakeClient) SetChatCommands(_ context.Context, chatID int64, commands []telegram.BotCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[chatID] = commands
	return nil
}

func (c *fakeClient) LeaveChat(_ context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, chatID)
	return nil
}

func (c *fakeClient) Answers() []callbackAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callbackAnswer(nil), c.answers...)
}

func (c *fakeClient) Left() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.left...)
}

func (c *fakeClient) Commands(chatID int64) []telegram.BotCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands[chatID]
}

type dispatcherFixture struct {
	db          *gorm.DB
	client      *fakeClient
	queue       *fanout.Queue
	locales     *locale.Bundle
	settings    *store.Settings
	initiatives *initiatives.Pipeline
	dispatcher  *bot.Dispatcher
	nextUpdate  int64
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	db := databasetest.Open(t)
	client := newFakeClient()
	observer := &fanouttest.Observer{}
	settings, err := store.NewSettings(db)
	if err != nil {
		t.Fatalf("failed to construct settings: %v", err)
	}
	coordinator, err := fanout.NewCoordinator(fanout.CoordinatorConfig{
		Transport: client,
		Ledger:    fanout.NewLedger(db, nil),
		AdminLog:  fanout.NewAdminLog(client, settings, adminID, observer, nil),
		Observer:  observer,
		Shuffle:   func(int, func(i, j int)) {},
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	queue := fanout.NewQueue(context.Background(), 1, observer, nil)
	t.Cleanup(queue.Close)

	clock := func() time.Time { return time.Date(2026, time.March, 14, 20, 0, 0, 0, time.UTC) }
	locales := locale.MustLoad()
	resolver, err := groups.NewResolver(groups.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	engine, err := polls.NewEngine(polls.Config{
		Database:       db,
		Groups:         resolver,
		Coordinator:    coordinator,
		Scheduler:      queue,
		Locales:        locales,
		MaxCandidates:  5,
		CandidateGroup: "candidates",
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("failed to construct poll engine: %v", err)
	}
	locks, err := modlock.NewMemory(2*time.Minute, clock)
	if err != nil {
		t.Fatalf("failed to construct locks: %v", err)
	}
	pipeline, err := initiatives.NewPipeline(initiatives.Config{
		Database:      db,
		Coordinator:   coordinator,
		Scheduler:     queue,
		Locales:       locales,
		Settings:      settings,
		Locks:         locks,
		PrimaryAdmin:  adminID,
		BotLink:       "https://t.me/sitsibot",
		TitleMaxLen:   50,
		DescMaxLen:    500,
		ShitpostBans:  []int{10, 30, 60},
		DefaultAlerts: []int{2, 5},
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	dispatcher, err := bot.NewDispatcher(bot.Config{
		Client:      client,
		Users:       userService,
		Polls:       engine,
		Initiatives: pipeline,
		Groups:      resolver,
		Coordinator: coordinator,
		Scheduler:   queue,
		Settings:    settings,
		Locales:     locales,
		Admins:      []int64{adminID},
		BotUsername: "sitsibot",
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	return &dispatcherFixture{
		db:          db,
		client:      client,
		queue:       queue,
		locales:     locales,
		settings:    settings,
		initiatives: pipeline,
		dispatcher:  dispatcher,
	}
}

func privateChat(id int64) telegram.Chat {
	return telegram.Chat{ID: id, Type: telegram.ChatPrivate}
}

func chatUser(id int64) *telegram.User {
	return &telegram.User{ID: id, FirstName: "User", LastName: "Number"}
}

func (f *dispatcherFixture) handle(update telegram.Update) {
	f.nextUpdate++
	update.UpdateID = f.nextUpdate
	f.dispatcher.Handle(context.Background(), update)
}

// say sends text from userID in their private chat.
func (f *dispatcherFixture) say(userID int64, text string) {
	f.sayIn(userID, privateChat(userID), text)
}

func (f *dispatcherFixture) sayIn(userID int64, chat telegram.Chat, text string) {
	f.handle(telegram.Update{Message: &telegram.Message{
		MessageID: 1,
		From:      chatUser(userID),
		Chat:      chat,
		Text:      text,
	}})
}

// press presses a button with data on the message at ref.
func (f *dispatcherFixture) press(userID int64, ref fanout.MessageRef, data string) {
	chat := privateChat(ref.ChatID)
	if ref.ChatID < 0 {
		chat = telegram.Chat{ID: ref.ChatID, Type: telegram.ChatSupergroup, Title: "Admins"}
	}
	f.handle(telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    *chatUser(userID),
		Message: &telegram.Message{MessageID: ref.MessageID, Chat: chat},
		Data:    data,
	}})
}

func (f *dispatcherFixture) lastSent(t *testing.T, chatID int64) fanouttest.Sent {
	t.Helper()
	sent := f.client.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Ref.ChatID == chatID {
			return sent[i]
		}
	}
	t.Fatalf("nothing was sent to chat %d", chatID)
	return fanouttest.Sent{}
}

func (f *dispatcherFixture) text(lang store.Language, key string) string {
	return f.locales.For(lang).Text(key)
}

func hasButton(keyboard fanout.Keyboard, data string) bool {
	for _, row := range keyboard {
		for _, button := range row {
			if button.Data == data {
				return true
			}
		}
	}
	return false
}

func mustInitiative(t *testing.T, db *gorm.DB, author store.User) store.Initiative {
	t.Helper()
	text := func(value string) *string { return &value }
	initiative := store.Initiative{
		UserID:    author.ID,
		CreatedAt: time.Date(2026, time.March, 14, 19, 0, 0, 0, time.UTC),
		TitleFi:   text("Lisää olutta"),
		TitleEn:   text("More beer"),
		DescFi:    text("Kuvaus"),
		DescEn:    text("Description"),
		Status:    store.InitiativeSubmitted,
	}
	if err := db.Create(&initiative).Error; err != nil {
		t.Fatalf("failed to create initiative: %v", err)
	}
	return initiative
}

func mustReload(t *testing.T, db *gorm.DB, initiative store.Initiative) store.Initiative {
	t.Helper()
	var reloaded store.Initiative
	if err := db.First(&reloaded, initiative.ID).Error; err != nil {
		t.Fatalf("failed to reload initiative: %v", err)
	}
	return reloaded
}

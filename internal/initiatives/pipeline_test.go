package initiatives_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database/databasetest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout/fanouttest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/modlock"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"gorm.io/gorm"
)

const primaryAdmin int64 = 1000

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type pipelineFixture struct {
	db        *gorm.DB
	transport *fanouttest.Transport
	queue     *fanout.Queue
	clock     *testClock
	pipeline  *initiatives.Pipeline
}

func newPipelineFixture(t *testing.T) pipelineFixture {
	t.Helper()
	db := databasetest.Open(t)
	transport := fanouttest.NewTransport()
	observer := &fanouttest.Observer{}
	settings, err := store.NewSettings(db)
	if err != nil {
		t.Fatalf("failed to construct settings: %v", err)
	}
	coordinator, err := fanout.NewCoordinator(fanout.CoordinatorConfig{
		Transport: transport,
		Ledger:    fanout.NewLedger(db, nil),
		AdminLog:  fanout.NewAdminLog(transport, settings, primaryAdmin, observer, nil),
		Observer:  observer,
		Shuffle:   func(int, func(i, j int)) {},
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	queue := fanout.NewQueue(context.Background(), 1, observer, nil)
	t.Cleanup(queue.Close)

	clock := &testClock{now: time.Date(2026, time.March, 14, 20, 0, 0, 0, time.UTC)}
	locks, err := modlock.NewMemory(2*time.Minute, clock.Now)
	if err != nil {
		t.Fatalf("failed to construct locks: %v", err)
	}
	pipeline, err := initiatives.NewPipeline(initiatives.Config{
		Database:      db,
		Coordinator:   coordinator,
		Scheduler:     queue,
		Locales:       locale.MustLoad(),
		Settings:      settings,
		Locks:         locks,
		PrimaryAdmin:  primaryAdmin,
		BotLink:       "https://t.me/sitsibot",
		TitleMaxLen:   3,
		DescMaxLen:    200,
		ShitpostBans:  []int{10, 30, 60},
		DefaultAlerts: []int{2, 5},
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	return pipelineFixture{db: db, transport: transport, queue: queue, clock: clock, pipeline: pipeline}
}

func text(value string) *string {
	return &value
}

func (f pipelineFixture) mustInitiative(t *testing.T, author store.User, status store.InitiativeStatus, title string) store.Initiative {
	t.Helper()
	initiative := store.Initiative{
		UserID:    author.ID,
		CreatedAt: f.clock.Now(),
		TitleFi:   text(title),
		TitleEn:   text(title),
		DescFi:    text("kuvaus"),
		DescEn:    text("description"),
		Status:    status,
	}
	if err := f.db.Create(&initiative).Error; err != nil {
		t.Fatalf("failed to create initiative: %v", err)
	}
	f.clock.Advance(time.Second)
	return initiative
}

func (f pipelineFixture) mustGet(t *testing.T, id uint) initiatives.View {
	t.Helper()
	view, err := f.pipeline.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	return view
}

func (f pipelineFixture) countSentContaining(chatID int64, fragment string) int {
	count := 0
	for _, message := range f.transport.SentTo(chatID) {
		if strings.Contains(message.Text, fragment) {
			count++
		}
	}
	return count
}

func TestNormalizeAndValidateText(t *testing.T) {
	fixture := newPipelineFixture(t)

	if got := initiatives.NormalizeText("  a \n\t b  "); got != "a b" {
		t.Fatalf("expected whitespace to collapse, got %q", got)
	}
	if _, err := fixture.pipeline.ValidateTitle("   "); !errors.Is(err, initiatives.ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	_, err := fixture.pipeline.ValidateTitle("abcd")
	var lengthErr *initiatives.LengthError
	if !errors.As(err, &lengthErr) || lengthErr.Max != 3 {
		t.Fatalf("expected a length error with max 3, got %v", err)
	}
	if title, err := fixture.pipeline.ValidateTitle(" ä  ö "); err != nil || title != "ä ö" {
		t.Fatalf("expected a three character title to pass, got %q, %v", title, err)
	}
}

func TestSubmitAutoAdvanceGuard(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	first := databasetest.MustUser(t, fixture.db, "First", databasetest.Registered(11, store.LanguageFinnish))
	second := databasetest.MustUser(t, fixture.db, "Second", databasetest.Registered(12, store.LanguageEnglish))

	submitted, _, err := fixture.pipeline.Submit(ctx, first, initiatives.Draft{Title: "Olut", Description: "Lisää olutta"})
	if !errors.As(err, new(*initiatives.LengthError)) {
		t.Fatalf("expected the four character title to be refused, got %v", err)
	}
	submitted, _, err = fixture.pipeline.Submit(ctx, first, initiatives.Draft{Title: "Olu", Description: "Lisää  olutta"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.TitleFi == nil || *submitted.TitleFi != "Olu" || submitted.TitleEn != nil || *submitted.DescFi != "Lisää olutta" {
		t.Fatalf("expected the draft in the author's language, got %+v", submitted)
	}
	fixture.clock.Advance(time.Second)
	if _, _, err := fixture.pipeline.Submit(ctx, second, initiatives.Draft{Title: "Tea", Description: "More tea"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got := fixture.countSentContaining(primaryAdmin, "New initiative by"); got != 1 {
		t.Fatalf("expected one moderation prompt while the first is pending, got %d", got)
	}

	if _, refusal, err := fixture.pipeline.Submit(ctx, first, initiatives.Draft{Title: "Abc", Description: "Again"}); !errors.Is(err, initiatives.ErrCreateRefused) || refusal.Reason != initiatives.RefusalInReview {
		t.Fatalf("expected the in-review gate, got %+v, %v", refusal, err)
	}

	if _, err := fixture.pipeline.MarkUnconstitutional(ctx, submitted.ID); err != nil {
		t.Fatalf("decision failed: %v", err)
	}
	fixture.queue.Wait()
	if got := fixture.countSentContaining(primaryAdmin, "New initiative by Second"); got != 1 {
		t.Fatalf("expected the queue to advance to the second initiative, got %d", got)
	}
	notice := locale.MustLoad().For(store.LanguageFinnish).Format("init_unconstitutional", "title", "Olu")
	if got := fixture.countSentContaining(11, notice); got != 1 {
		t.Fatalf("expected the author to be notified in Finnish, got %d", got)
	}
}

func TestApproveRequiresEveryFieldAndDecidesOnce(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author", databasetest.Registered(11, store.LanguageEnglish))
	initiative, _, err := fixture.pipeline.Submit(ctx, author, initiatives.Draft{Title: "Tea", Description: "More tea"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := fixture.pipeline.Approve(ctx, initiative.ID); !errors.Is(err, initiatives.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if view := fixture.mustGet(t, initiative.ID); view.Status != store.InitiativeSubmitted {
		t.Fatalf("expected no state change, got %s", view.Status)
	}

	if _, err := fixture.pipeline.SetText(ctx, initiative.ID, store.LanguageFinnish, initiatives.FieldTitle, "Tee"); err != nil {
		t.Fatalf("set title failed: %v", err)
	}
	if _, err := fixture.pipeline.SetText(ctx, initiative.ID, store.LanguageFinnish, initiatives.FieldDescription, "Lisää teetä"); err != nil {
		t.Fatalf("set description failed: %v", err)
	}
	view, err := fixture.pipeline.Approve(ctx, initiative.ID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if view.Status != store.InitiativeApproved || view.SignCount != 1 {
		t.Fatalf("expected the author to be counted as first signer, got %+v", view.Initiative)
	}
	if _, _, err := fixture.pipeline.MarkShitpost(ctx, initiative.ID); !errors.Is(err, initiatives.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if _, err := fixture.pipeline.SetText(ctx, initiative.ID, store.LanguageEnglish, initiatives.FieldTitle, "Eh"); !errors.Is(err, initiatives.ErrAlreadyDecided) {
		t.Fatalf("expected edits after approval to fail, got %v", err)
	}
	fixture.queue.Wait()
	if got := fixture.countSentContaining(11, "was just published"); got != 1 {
		t.Fatalf("expected the author to be notified, got %d", got)
	}
}

func TestShitpostBanEscalates(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Spammer", databasetest.Registered(11, store.LanguageEnglish))

	want := []time.Duration{10 * time.Minute, 30 * time.Minute, 60 * time.Minute, 60 * time.Minute}
	for index, expected := range want {
		initiative := fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Spa")
		_, ban, err := fixture.pipeline.MarkShitpost(ctx, initiative.ID)
		if err != nil {
			t.Fatalf("shitpost %d failed: %v", index+1, err)
		}
		if ban != expected {
			t.Fatalf("shitpost %d: expected %s ban, got %s", index+1, expected, ban)
		}
	}

	var stored store.User
	if err := fixture.db.First(&stored, author.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	refusal, err := fixture.pipeline.CanCreate(ctx, stored)
	if err != nil {
		t.Fatalf("gate failed: %v", err)
	}
	if refusal.Reason != initiatives.RefusalBanned || refusal.Minutes != 60 {
		t.Fatalf("expected a 60 minute ban, got %+v", refusal)
	}
	if message := fixture.pipeline.RefusalMessage(refusal, store.LanguageEnglish); !strings.Contains(message, "60 minutes") {
		t.Fatalf("unexpected refusal message %q", message)
	}
	fixture.clock.Advance(61 * time.Minute)
	if refusal, err := fixture.pipeline.CanCreate(ctx, stored); err != nil || refusal.Refused() {
		t.Fatalf("expected the ban to expire, got %+v, %v", refusal, err)
	}
}

func TestSignatureIsCountedExactlyOnce(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author", databasetest.Registered(11, store.LanguageEnglish))
	signer := databasetest.MustUser(t, fixture.db, "Signer", databasetest.Registered(12, store.LanguageEnglish))
	initiative := fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Tea")
	if _, err := fixture.pipeline.Approve(ctx, initiative.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	fixture.queue.Wait()

	first, err := fixture.pipeline.Choose(ctx, signer, initiative.ID, initiatives.ChoiceSignConfirm)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	second, err := fixture.pipeline.Choose(ctx, signer, initiative.ID, initiatives.ChoiceSignConfirm)
	if err != nil {
		t.Fatalf("second sign failed: %v", err)
	}
	if first.Kind != initiatives.ChoiceSigned || second.Kind != initiatives.ChoiceAlreadySigned {
		t.Fatalf("expected signed then already signed, got %v and %v", first.Kind, second.Kind)
	}

	var rows int64
	if err := fixture.db.Model(&store.InitiativeChoice{}).
		Where("initiative_id = ? AND user_id = ? AND pass_count = ?", initiative.ID, signer.ID, store.SignedSentinel).
		Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly one signature row, got %d", rows)
	}
	if view := fixture.mustGet(t, initiative.ID); view.SignCount != 2 {
		t.Fatalf("expected author plus signer, got %d", view.SignCount)
	}

	pass, err := fixture.pipeline.Choose(ctx, signer, initiative.ID, initiatives.ChoicePass)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if pass.Kind != initiatives.ChoiceAlreadySigned {
		t.Fatalf("expected a pass after signing to be refused, got %v", pass.Kind)
	}
}

func TestMilestoneAlertsOnUpwardCrossing(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author", databasetest.Registered(11, store.LanguageEnglish))
	signers := []store.User{
		databasetest.MustUser(t, fixture.db, "A", databasetest.Registered(12, store.LanguageEnglish)),
		databasetest.MustUser(t, fixture.db, "B", databasetest.Registered(13, store.LanguageEnglish)),
	}
	initiative := fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Tea")
	if _, err := fixture.pipeline.Approve(ctx, initiative.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	fixture.queue.Wait()

	for _, signer := range signers {
		if _, err := fixture.pipeline.Choose(ctx, signer, initiative.ID, initiatives.ChoiceSignConfirm); err != nil {
			t.Fatalf("sign failed: %v", err)
		}
	}
	if got := fixture.countSentContaining(primaryAdmin, "Initiative has 2 signatures!"); got != 1 {
		t.Fatalf("expected one alert at 2 signatures, got %d", got)
	}
	if got := fixture.countSentContaining(primaryAdmin, "signatures!"); got != 1 {
		t.Fatalf("expected no alert at 3 signatures, got %d", got)
	}

	cases := []struct {
		before, after int
		want          bool
	}{
		{before: 1, after: 2, want: true},
		{before: 2, after: 2, want: false},
		{before: 2, after: 3, want: false},
		{before: 4, after: 5, want: true},
		{before: 0, after: 9, want: true},
	}
	for _, testCase := range cases {
		if got := initiatives.CrossesMilestone([]int{2, 5}, testCase.before, testCase.after); got != testCase.want {
			t.Fatalf("CrossesMilestone(%d, %d) = %v", testCase.before, testCase.after, got)
		}
	}
}

func TestRotationPrefersLeastPassed(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author")
	reader := databasetest.MustUser(t, fixture.db, "Reader", databasetest.Registered(12, store.LanguageEnglish), databasetest.NotificationsOff())

	first := fixture.mustInitiative(t, author, store.InitiativeApproved, "One")
	second := fixture.mustInitiative(t, author, store.InitiativeApproved, "Two")
	fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Hid")

	lastTitle := func() string {
		sent := fixture.transport.SentTo(12)
		if len(sent) == 0 {
			t.Fatalf("expected a message to the reader")
		}
		return sent[len(sent)-1].Text
	}

	if shown, err := fixture.pipeline.Rotate(ctx, reader); err != nil || !shown {
		t.Fatalf("rotate failed: %v, %v", shown, err)
	}
	if !strings.Contains(lastTitle(), "<b>One</b>") {
		t.Fatalf("expected the oldest unseen initiative first, got %q", lastTitle())
	}
	if _, err := fixture.pipeline.Choose(ctx, reader, first.ID, initiatives.ChoicePass); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !strings.Contains(lastTitle(), "<b>Two</b>") {
		t.Fatalf("expected the unpassed initiative next, got %q", lastTitle())
	}
	if _, err := fixture.pipeline.Choose(ctx, reader, second.ID, initiatives.ChoicePass); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !strings.Contains(lastTitle(), "<b>One</b>") {
		t.Fatalf("expected rotation back to the first, got %q", lastTitle())
	}
	if got := len(fixture.transport.Deleted()); got != 1 {
		t.Fatalf("expected the stale prompt of the first initiative to be deleted, got %d deletions", got)
	}

	for _, initiative := range []store.Initiative{first, second} {
		if _, err := fixture.pipeline.Choose(ctx, reader, initiative.ID, initiatives.ChoiceSignConfirm); err != nil {
			t.Fatalf("sign failed: %v", err)
		}
	}
	if !strings.Contains(lastTitle(), "No more initiatives.") || !strings.Contains(lastTitle(), "/inotifications") {
		t.Fatalf("expected the empty queue message with a notification hint, got %q", lastTitle())
	}
}

func TestModerationClaimIsExclusive(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author")
	initiative := fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Tea")
	alice := fanout.Actor{ChatID: 501, Name: "Alice"}
	bob := fanout.Actor{ChatID: 502, Name: "Bob"}

	if refusal, err := fixture.pipeline.Claim(ctx, initiative.ID, alice); err != nil || refusal != nil {
		t.Fatalf("expected alice to claim, got %+v, %v", refusal, err)
	}
	fixture.clock.Advance(30 * time.Second)
	refusal, err := fixture.pipeline.Claim(ctx, initiative.ID, bob)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if refusal == nil || refusal.Holder.Name != "Alice" || refusal.Seconds != 90 {
		t.Fatalf("expected bob to be refused for 90 seconds, got %+v", refusal)
	}
	if message := initiatives.ClaimRefusalText(*refusal); message != "This initiative is currently being handled by Alice. Try again in 90 seconds." {
		t.Fatalf("unexpected refusal text %q", message)
	}
	fixture.clock.Advance(91 * time.Second)
	if refusal, err := fixture.pipeline.Claim(ctx, initiative.ID, bob); err != nil || refusal != nil {
		t.Fatalf("expected bob to claim after the cooldown, got %+v, %v", refusal, err)
	}
	if _, err := fixture.pipeline.Claim(ctx, 9999, bob); !errors.Is(err, initiatives.ErrInitiativeNotFound) {
		t.Fatalf("expected ErrInitiativeNotFound, got %v", err)
	}
}

func TestCloseRewritesDeliveredPrompts(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	author := databasetest.MustUser(t, fixture.db, "Author", databasetest.Registered(11, store.LanguageEnglish))
	reader := databasetest.MustUser(t, fixture.db, "Reader", databasetest.Registered(12, store.LanguageFinnish))
	initiative := fixture.mustInitiative(t, author, store.InitiativeSubmitted, "Tea")

	if _, err := fixture.pipeline.Close(ctx, initiative.ID); !errors.Is(err, initiatives.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if _, err := fixture.pipeline.Approve(ctx, initiative.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	fixture.queue.Wait()
	if got := len(fixture.transport.SentTo(12)); got != 1 {
		t.Fatalf("expected the reader to be notified once, got %d", got)
	}
	if got := fixture.countSentContaining(11, "Citizen's initiative"); got != 0 {
		t.Fatalf("expected the author to be skipped, got %d", got)
	}

	if _, err := fixture.pipeline.Close(ctx, initiative.ID); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	fixture.queue.Wait()
	entries, err := fanout.NewLedger(fixture.db, nil).Participant(ctx, fanout.InitiativeSource(initiative.ID))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one participant ledger row, got %d, %v", len(entries), err)
	}
	current, ok := fixture.transport.Current(entries[0].Ref())
	if !ok || len(current.Keyboard) != 0 || !strings.Contains(current.Text, "ei enää") {
		t.Fatalf("expected a closed notice without keyboard, got %+v", current)
	}

	outcome, err := fixture.pipeline.Choose(ctx, reader, initiative.ID, initiatives.ChoiceSign)
	if err != nil {
		t.Fatalf("choose failed: %v", err)
	}
	if outcome.Kind != initiatives.ChoiceClosed {
		t.Fatalf("expected the closed notice, got %v", outcome.Kind)
	}
}

func TestSetAlertsValidation(t *testing.T) {
	fixture := newPipelineFixture(t)
	ctx := context.Background()
	admin := fanout.Actor{ChatID: 501, Name: "Alice"}

	cases := []struct {
		name   string
		values []int
		want   []int
		err    error
	}{
		{name: "sorted and deduplicated", values: []int{50, 10, 50}, want: []int{10, 50}},
		{name: "out of range", values: []int{0, 10}, err: initiatives.ErrInvalidAlerts},
		{name: "too large", values: []int{201}, err: initiatives.ErrInvalidAlerts},
		{name: "too many", values: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, err: initiatives.ErrInvalidAlerts},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := fixture.pipeline.SetAlerts(ctx, admin, testCase.values)
			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected %v, got %v", testCase.err, err)
			}
			if testCase.err == nil && initiatives.JoinInts(got) != initiatives.JoinInts(testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
	stored, err := fixture.pipeline.Alerts(ctx)
	if err != nil || initiatives.JoinInts(stored) != "10, 50" {
		t.Fatalf("expected stored alerts 10, 50, got %v, %v", stored, err)
	}
}

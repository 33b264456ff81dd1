package fanout_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database/databasetest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout/fanouttest"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"gorm.io/gorm"
)

const primaryAdmin int64 = 1000

type coordinatorFixture struct {
	db          *gorm.DB
	transport   *fanouttest.Transport
	observer    *fanouttest.Observer
	coordinator *fanout.Coordinator
}

func newCoordinatorFixture(t *testing.T) coordinatorFixture {
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
	return coordinatorFixture{db: db, transport: transport, observer: observer, coordinator: coordinator}
}

func staticRender(text string) fanout.RenderFunc {
	return func(context.Context, store.User) (fanout.Message, error) {
		return fanout.Message{Text: text}, nil
	}
}

func TestDeliverBroadcastSkipsAbsentAndIsolatesFailures(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()

	healthy := databasetest.MustUser(t, fixture.db, "Healthy", databasetest.Registered(11, store.LanguageFinnish))
	failing := databasetest.MustUser(t, fixture.db, "Failing", databasetest.Registered(12, store.LanguageEnglish))
	away := databasetest.MustUser(t, fixture.db, "Away", databasetest.Registered(13, store.LanguageEnglish), databasetest.Absent())
	unbound := databasetest.MustUser(t, fixture.db, "Unbound")
	fixture.transport.Fail(12, errors.New("blocked by user"))

	summary := fixture.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Broadcast,
		Source:  fanout.PollSource(7),
		Targets: []store.User{healthy, failing, away, unbound},
		Render:  staticRender("hello"),
	})

	if summary.Attempted != 2 || summary.Succeeded != 1 || summary.Failed != 1 || summary.Absent != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(fixture.observer.Errors()) != 1 {
		t.Fatalf("expected one reported error, got %v", fixture.observer.Errors())
	}
	entries, err := fixture.coordinator.Ledger().Participant(ctx, fanout.PollSource(7))
	if err != nil {
		t.Fatalf("ledger query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ChatID != 11 || entries[0].Status != store.MessageStatusOpen {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}
	if entries[0].Lang() != store.LanguageFinnish {
		t.Fatalf("expected finnish ledger entry, got %s", entries[0].Lang())
	}
}

func TestDeliverCountsSkippedRecipients(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	mustSetting(t, fixture.db, store.KeyAdminLog, int64(-500))

	voted := databasetest.MustUser(t, fixture.db, "Voted", databasetest.Registered(21, store.LanguageEnglish))
	fresh := databasetest.MustUser(t, fixture.db, "Fresh", databasetest.Registered(22, store.LanguageEnglish))

	summary := fixture.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Broadcast,
		Source:  fanout.PollSource(1),
		Targets: []store.User{voted, fresh},
		Render: func(_ context.Context, user store.User) (fanout.Message, error) {
			if user.ID == voted.ID {
				return fanout.Message{}, fanout.ErrSkip
			}
			return fanout.Message{Text: "ballot"}, nil
		},
		Report: func(summary fanout.Summary) string {
			return "sent " + strings.Repeat("x", summary.Succeeded)
		},
	})

	if summary.Skipped != 1 || summary.Succeeded != 1 || summary.Attempted != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	logged := fixture.transport.SentTo(-500)
	if len(logged) != 1 || logged[0].Text != "sent x" {
		t.Fatalf("expected one admin log line, got %+v", logged)
	}
	if len(fixture.transport.SentTo(primaryAdmin)) != 0 {
		t.Fatalf("system lines must not be copied to the primary admin")
	}
}

func TestDeliverDirectedIgnoresPresence(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	away := databasetest.MustUser(t, fixture.db, "Away", databasetest.Registered(31, store.LanguageEnglish), databasetest.Absent())

	summary := fixture.coordinator.Deliver(context.Background(), fanout.Batch{
		Mode:    fanout.Directed,
		Source:  fanout.InitiativeSource(3),
		Targets: []store.User{away},
		Render:  staticRender("direct"),
		Report:  func(fanout.Summary) string { return "never" },
	})
	if summary.Succeeded != 1 {
		t.Fatalf("expected directed delivery, got %+v", summary)
	}
	if len(fixture.transport.Sent()) != 1 {
		t.Fatalf("directed batches must not post admin log lines")
	}
}

func TestEditAllToleratesUnchangedContent(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	ref, err := fixture.transport.SendMessage(ctx, 41, fanout.Message{Text: "closed"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	gone := fanout.MessageRef{ChatID: 42, MessageID: 99}

	entries := []fanout.Entry{
		{SentMessage: store.SentMessage{ChatID: ref.ChatID, MessageID: ref.MessageID}},
		{SentMessage: store.SentMessage{ChatID: gone.ChatID, MessageID: gone.MessageID}},
	}
	summary := fixture.coordinator.EditAll(ctx, entries, func(fanout.Entry) (fanout.Message, error) {
		return fanout.Message{Text: "closed"}, nil
	})
	if summary.Attempted != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestDeleteAllForgetsLedgerRows(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	user := databasetest.MustUser(t, fixture.db, "Reader", databasetest.Registered(51, store.LanguageEnglish))
	fixture.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Directed,
		Source:  fanout.InitiativeSource(5),
		Targets: []store.User{user},
		Render:  staticRender("prompt"),
	})
	ledger := fixture.coordinator.Ledger()
	entries, err := ledger.PersonalInChat(ctx, 51, fanout.InitiativeSource(5))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one ledger row, got %v (%v)", entries, err)
	}
	// The second entry is already gone from the chat.
	entries = append(entries, fanout.Entry{SentMessage: store.SentMessage{ChatID: 51, MessageID: 404}})

	summary := fixture.coordinator.DeleteAll(ctx, entries)
	if summary.Succeeded != 2 {
		t.Fatalf("missing messages should count as deleted, got %+v", summary)
	}
	remaining, err := ledger.PersonalInChat(ctx, 51, fanout.InitiativeSource(5))
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected ledger rows to be forgotten, got %v (%v)", remaining, err)
	}
}

func mustSetting(t *testing.T, db *gorm.DB, key string, value any) {
	t.Helper()
	settings, err := store.NewSettings(db)
	if err != nil {
		t.Fatalf("failed to construct settings: %v", err)
	}
	if err := settings.Set(context.Background(), key, value); err != nil {
		t.Fatalf("failed to set %s: %v", key, err)
	}
}

package bot_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/bot"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
)

type scriptedSource struct {
	mu             sync.Mutex
	batches        [][]telegram.Update
	offsets        []int64
	webhookDeleted bool
	cancel         context.CancelFunc
}

func (s *scriptedSource) DeleteWebhook(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookDeleted = true
	return nil
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, offset)
	if len(s.batches) == 0 {
		s.cancel()
		return nil, ctx.Err()
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func TestPollerFeedsUpdatesAndAdvancesOffset(t *testing.T) {
	fixture := newDispatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &scriptedSource{
		cancel: cancel,
		batches: [][]telegram.Update{{
			{UpdateID: 7, Message: &telegram.Message{MessageID: 1, From: chatUser(60), Chat: privateChat(60), Text: "/start"}},
		}},
	}
	poller := bot.NewPoller(source, fixture.dispatcher, nil)
	if err := poller.Run(ctx); err != nil {
		t.Fatalf("poller returned error: %v", err)
	}

	if !source.webhookDeleted {
		t.Fatalf("expected the webhook to be removed before polling")
	}
	if len(source.offsets) != 2 || source.offsets[0] != 0 || source.offsets[1] != 8 {
		t.Fatalf("unexpected offsets %v", source.offsets)
	}
	if got := fixture.lastSent(t, 60).Message.Text; got != fixture.text(store.LanguageFinnish, "welcome") {
		t.Fatalf("expected the update to be handled, got %q", got)
	}
}

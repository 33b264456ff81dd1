package server

import (
	"context"
	"testing"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
)

func TestEventStreamPublishesToSubscriber(t *testing.T) {
	stream := NewEventStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received, cleanup := stream.Subscribe(ctx, "")
	defer cleanup()

	event := events.New(events.TypeVoteCast, 3, time.Now(), map[string]any{"area": "2"})
	if err := stream.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID || got.Type != events.TypeVoteCast {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestEventStreamFiltersByTopic(t *testing.T) {
	stream := NewEventStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollEvents, cleanup := stream.Subscribe(ctx, "poll.")
	defer cleanup()
	initiativeEvents, otherCleanup := stream.Subscribe(ctx, "initiative.")
	defer otherCleanup()

	_ = stream.Publish(context.Background(), events.New(events.TypeInitiativeSubmitted, 9, time.Now(), nil))

	select {
	case <-pollEvents:
		t.Fatal("did not expect an initiative event on the poll topic")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case got := <-initiativeEvents:
		if got.Subject != 9 {
			t.Fatalf("expected subject 9, got %d", got.Subject)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for the initiative topic")
	}
}

func TestEventStreamDropsWhenSubscriberIsFull(t *testing.T) {
	stream := NewEventStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received, cleanup := stream.Subscribe(ctx, "")
	defer cleanup()

	for i := 0; i < streamBufferSize+5; i++ {
		if err := stream.Publish(context.Background(), events.New(events.TypePollClosed, uint(i+1), time.Now(), nil)); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	if len(received) != streamBufferSize {
		t.Fatalf("expected a full buffer of %d, got %d", streamBufferSize, len(received))
	}
}

func TestEventStreamUnsubscribesOnCleanup(t *testing.T) {
	stream := NewEventStream()
	_, cleanup := stream.Subscribe(context.Background(), "poll.")
	cleanup()
	cleanup()

	stream.mu.RLock()
	defer stream.mu.RUnlock()
	if len(stream.subscribers) != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d topics", len(stream.subscribers))
	}
}

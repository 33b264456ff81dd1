package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, messages ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, messages...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublishKeysBySubject(t *testing.T) {
	writer := &recordingWriter{}
	publisher := newKafka(writer, nil)
	event := New(TypeVoteCast, 42, time.Date(2026, 10, 3, 19, 0, 0, 0, time.UTC), map[string]any{"area": "3"})

	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	message := writer.messages[0]
	if string(message.Key) != "42" {
		t.Fatalf("expected subject key, got %q", message.Key)
	}
	var decoded Event
	if err := json.Unmarshal(message.Value, &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.ID == "" || decoded.Type != TypeVoteCast || decoded.Attributes["area"] != "3" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestKafkaPublishWrapsWriterErrors(t *testing.T) {
	writerErr := errors.New("broker unavailable")
	publisher := newKafka(&recordingWriter{err: writerErr}, nil)
	err := publisher.Publish(context.Background(), New(TypePollClosed, 1, time.Now(), nil))
	if !errors.Is(err, writerErr) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := NewKafka(nil, "topic", nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestMultiPublishesToEveryPublisher(t *testing.T) {
	failing := &recordingWriter{err: errors.New("broker unavailable")}
	healthy := &recordingWriter{}
	multi := Multi{newKafka(failing, nil), newKafka(healthy, nil), Nop{}}

	err := multi.Publish(context.Background(), New(TypeInitiativeSigned, 7, time.Now(), nil))
	if !errors.Is(err, failing.err) {
		t.Fatalf("expected the failing publisher error, got %v", err)
	}
	if len(healthy.messages) != 1 {
		t.Fatalf("expected the healthy publisher to receive the event, got %d messages", len(healthy.messages))
	}
	if err := multi.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

// Package events publishes domain events about polls and initiatives to external consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypePollActivated         = "poll.activated"
	TypePollClosed            = "poll.closed"
	TypeVoteCast              = "poll.vote_cast"
	TypeInitiativeSubmitted   = "initiative.submitted"
	TypeInitiativeDecided     = "initiative.decided"
	TypeInitiativeSigned      = "initiative.signed"
	TypeInitiativeMilestone   = "initiative.milestone"
	TypeInitiativeClosed      = "initiative.closed"
	TypeParticipantRegistered = "participant.registered"
)

var errMissingBrokers = errors.New("events: at least one broker is required")

// Event is one domain event. Subject is the poll or initiative id and keys the partition.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Subject    uint           `json:"subject"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// New builds an event with a fresh id.
func New(eventType string, subject uint, occurredAt time.Time, attributes map[string]any) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{ID: id.String(), Type: eventType, Subject: subject, OccurredAt: occurredAt.UTC(), Attributes: attributes}
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// Kafka writes events as JSON to one topic, partitioned by subject.
type Kafka struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafka constructs a Kafka publisher.
func NewKafka(brokers []string, topic string, logger *zap.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errMissingBrokers
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafka(writer, logger), nil
}

func newKafka(writer messageWriter, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{writer: writer, logger: logger}
}

func (k *Kafka) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", event.Type, err)
	}
	message := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.Subject), 10)),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, message); err != nil {
		k.logger.Warn("event publish failed", zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Multi publishes every event to each of its publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range m {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, publisher := range m {
		if err := publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

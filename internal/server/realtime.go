package server

import (
	"context"
	"strings"
	"sync"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
)

const (
	streamEventHeartbeat = "heartbeat"
	streamBufferSize     = 16
)

var _ events.Publisher = (*EventStream)(nil)

// EventStream relays domain events to admin API subscribers. It is an events.Publisher so it can
// sit next to the Kafka publisher.
type EventStream struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
}

type streamSubscriber struct {
	id     int64
	stream chan events.Event
}

// NewEventStream constructs an empty EventStream.
func NewEventStream() *EventStream {
	return &EventStream{
		subscribers: make(map[string]map[int64]*streamSubscriber),
		bufferSize:  streamBufferSize,
	}
}

// Subscribe returns a channel of events whose type starts with topic ("" for all). The
// subscription ends when ctx is done or cleanup is called.
func (s *EventStream) Subscribe(ctx context.Context, topic string) (<-chan events.Event, func()) {
	subscriber := &streamSubscriber{
		id:     s.nextSequence(),
		stream: make(chan events.Event, s.bufferSize),
	}
	s.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { s.unregisterSubscriber(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish hands event to every matching subscriber. Slow subscribers miss events.
func (s *EventStream) Publish(_ context.Context, event events.Event) error {
	if event.Type == "" {
		return nil
	}
	s.mu.RLock()
	var targets []*streamSubscriber
	for topic, subscribers := range s.subscribers {
		if !strings.HasPrefix(event.Type, topic) {
			continue
		}
		for _, subscriber := range subscribers {
			targets = append(targets, subscriber)
		}
	}
	s.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
	return nil
}

func (s *EventStream) Close() error {
	return nil
}

func (s *EventStream) nextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *EventStream) registerSubscriber(topic string, subscriber *streamSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[topic]; !ok {
		s.subscribers[topic] = make(map[int64]*streamSubscriber)
	}
	s.subscribers[topic][subscriber.id] = subscriber
}

func (s *EventStream) unregisterSubscriber(topic string, subscriberID int64) {
	s.mu.Lock()
	subscribers := s.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(s.subscribers, topic)
		}
	}
	s.mu.Unlock()
}

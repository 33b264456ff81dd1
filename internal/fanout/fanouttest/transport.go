// Package fanouttest provides an in-memory Transport that records traffic for tests.
package fanouttest

import (
	"context"
	"sync"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
)

// Sent is one recorded message.
type Sent struct {
	Ref     fanout.MessageRef
	Message fanout.Message
}

// Transport records sends, edits and deletions. Messages to chats in FailChats fail.
type Transport struct {
	mu        sync.Mutex
	nextID    int64
	sent      []Sent
	edits     []Sent
	deleted   []fanout.MessageRef
	current   map[fanout.MessageRef]fanout.Message
	FailChats map[int64]error
}

// NewTransport returns an empty recording transport.
func NewTransport() *Transport {
	return &Transport{current: make(map[fanout.MessageRef]fanout.Message), FailChats: make(map[int64]error)}
}

// Fail makes every call addressed to chatID return err.
func (t *Transport) Fail(chatID int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FailChats[chatID] = err
}

func (t *Transport) SendMessage(_ context.Context, chatID int64, message fanout.Message) (fanout.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailChats[chatID]; err != nil {
		return fanout.MessageRef{}, err
	}
	t.nextID++
	ref := fanout.MessageRef{ChatID: chatID, MessageID: t.nextID}
	t.sent = append(t.sent, Sent{Ref: ref, Message: message})
	t.current[ref] = message
	return ref, nil
}

func (t *Transport) EditMessage(_ context.Context, ref fanout.MessageRef, message fanout.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailChats[ref.ChatID]; err != nil {
		return err
	}
	existing, ok := t.current[ref]
	if !ok {
		return fanout.ErrMessageGone
	}
	if existing.Text == message.Text && sameKeyboard(existing.Keyboard, message.Keyboard) {
		return fanout.ErrNotModified
	}
	t.current[ref] = message
	t.edits = append(t.edits, Sent{Ref: ref, Message: message})
	return nil
}

func (t *Transport) DeleteMessage(_ context.Context, ref fanout.MessageRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailChats[ref.ChatID]; err != nil {
		return err
	}
	if _, ok := t.current[ref]; !ok {
		return fanout.ErrMessageGone
	}
	delete(t.current, ref)
	t.deleted = append(t.deleted, ref)
	return nil
}

// Sent returns every successfully sent message in order.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentTo returns the messages sent to one chat in order.
func (t *Transport) SentTo(chatID int64) []fanout.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var messages []fanout.Message
	for _, sent := range t.sent {
		if sent.Ref.ChatID == chatID {
			messages = append(messages, sent.Message)
		}
	}
	return messages
}

// Edits returns every applied edit in order.
func (t *Transport) Edits() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.edits...)
}

// Deleted returns every deleted message in order.
func (t *Transport) Deleted() []fanout.MessageRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fanout.MessageRef(nil), t.deleted...)
}

// Current returns the latest content of a message still present in the chat.
func (t *Transport) Current(ref fanout.MessageRef) (fanout.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	message, ok := t.current[ref]
	return message, ok
}

// Place registers an existing message, as if delivered before the test started.
func (t *Transport) Place(ref fanout.MessageRef, message fanout.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[ref] = message
}

func sameKeyboard(left, right fanout.Keyboard) bool {
	if len(left) != len(right) {
		return false
	}
	for row := range left {
		if len(left[row]) != len(right[row]) {
			return false
		}
		for column := range left[row] {
			if left[row][column] != right[row][column] {
				return false
			}
		}
	}
	return true
}

// Observer collects reported errors.
type Observer struct {
	mu     sync.Mutex
	errors []error
}

func (o *Observer) ReportError(_ context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

// Errors returns the reported errors in order.
func (o *Observer) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errors...)
}

package fanout

import (
	"context"
	"errors"
)

var (
	// ErrNotModified is returned by EditMessage when the message already has the requested content.
	ErrNotModified = errors.New("fanout: message not modified")
	// ErrMessageGone is returned when the target message no longer exists.
	ErrMessageGone = errors.New("fanout: message not found")
)

// Button is one inline choice. Exactly one of Data and URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Keyboard is an inline choice affordance laid out in rows.
type Keyboard [][]Button

// Message is a message body with an optional inline keyboard.
type Message struct {
	Text     string
	Keyboard Keyboard
	// ForceReply asks the client to open a reply prompt with the given placeholder.
	ForceReply  bool
	Placeholder string
}

// MessageRef addresses a delivered message.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Transport delivers messages to chats.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, message Message) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, message Message) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// ErrorObserver receives failures that are handled by skipping work rather than aborting it.
type ErrorObserver interface {
	ReportError(ctx context.Context, err error)
}

// Row builds a keyboard row of callback buttons.
func Row(buttons ...Button) []Button {
	return buttons
}

// Callback builds a callback button.
func Callback(text, data string) Button {
	return Button{Text: text, Data: data}
}

// Link builds a URL button.
func Link(text, url string) Button {
	return Button{Text: text, URL: url}
}

// EditIgnoringUnchanged edits a message and treats identical content as success.
func EditIgnoringUnchanged(ctx context.Context, transport Transport, ref MessageRef, message Message) error {
	err := transport.EditMessage(ctx, ref, message)
	if errors.Is(err, ErrNotModified) {
		return nil
	}
	return err
}

// DeleteIgnoringGone deletes a message and treats a missing message as success.
func DeleteIgnoringGone(ctx context.Context, transport Transport, ref MessageRef) error {
	err := transport.DeleteMessage(ctx, ref)
	if errors.Is(err, ErrMessageGone) {
		return nil
	}
	return err
}

package fanout

import (
	"context"
	"fmt"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
)

// Actor is the chat identity that triggered a logged action. The zero value means the system.
type Actor struct {
	ChatID int64
	Name   string
}

// IsSystem reports whether the action has no human actor.
func (a Actor) IsSystem() bool {
	return a.ChatID == 0
}

// Link renders the actor as an HTML mention.
func (a Actor) Link() string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, a.ChatID, locale.Escape(a.Name))
}

// AdminLog posts audit lines about administrative actions.
type AdminLog struct {
	transport    Transport
	settings     *store.Settings
	primaryAdmin int64
	observer     ErrorObserver
	logger       *zap.Logger
}

// NewAdminLog constructs an AdminLog. primaryAdmin receives lines about actions of other admins.
func NewAdminLog(transport Transport, settings *store.Settings, primaryAdmin int64, observer ErrorObserver, logger *zap.Logger) *AdminLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminLog{
		transport:    transport,
		settings:     settings,
		primaryAdmin: primaryAdmin,
		observer:     observer,
		logger:       logger,
	}
}

// Post sends one line to every admin log destination, each at most once.
// extraTarget is an additional chat, ignored when zero.
func (l *AdminLog) Post(ctx context.Context, actor Actor, action string, extraTarget int64) {
	text := action
	if !actor.IsSystem() {
		text = actor.Link() + " " + action
	}
	l.logger.Info("admin log", zap.Int64("actor", actor.ChatID), zap.String("action", action))

	sent := make(map[int64]bool, 3)
	send := func(chatID int64) {
		if chatID == 0 || sent[chatID] {
			return
		}
		sent[chatID] = true
		if _, err := l.transport.SendMessage(ctx, chatID, Message{Text: text}); err != nil {
			l.report(ctx, fmt.Errorf("fanout: admin log to %d: %w", chatID, err))
		}
	}

	if !actor.IsSystem() && actor.ChatID != l.primaryAdmin {
		send(l.primaryAdmin)
	}
	target, err := l.settings.ChatID(ctx, store.KeyAdminLog, 0)
	if err != nil {
		l.report(ctx, err)
	}
	send(target)
	if extraTarget != l.primaryAdmin {
		send(extraTarget)
	}
}

func (l *AdminLog) report(ctx context.Context, err error) {
	if l.observer != nil {
		l.observer.ReportError(ctx, err)
		return
	}
	l.logger.Error("admin log delivery failed", zap.Error(err))
}

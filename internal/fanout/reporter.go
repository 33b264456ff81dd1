package fanout

import (
	"context"
	"fmt"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"go.uber.org/zap"
)

// Reporter is the process-wide ErrorObserver. It logs every error and forwards it to an admin chat.
type Reporter struct {
	transport Transport
	chatID    int64
	logger    *zap.Logger
}

// NewReporter constructs a Reporter. A zero chatID disables chat forwarding.
func NewReporter(transport Transport, chatID int64, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{transport: transport, chatID: chatID, logger: logger}
}

// ReportError logs err and sends its type and message to the admin chat.
func (r *Reporter) ReportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r.logger.Error("unhandled error", zap.Error(err))
	if r.transport == nil || r.chatID == 0 {
		return
	}
	text := fmt.Sprintf("<b>Error:</b> <code>%s</code>", locale.Escape(fmt.Sprintf("%T: %v", err, err)))
	if _, sendErr := r.transport.SendMessage(ctx, r.chatID, Message{Text: text}); sendErr != nil {
		r.logger.Warn("error report delivery failed", zap.Error(sendErr))
	}
}

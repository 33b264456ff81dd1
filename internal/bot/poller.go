package bot

import (
	"context"
	"errors"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"go.uber.org/zap"
)

const (
	defaultPollTimeout = 30 * time.Second
	defaultRetryDelay  = 3 * time.Second
)

// UpdateSource is the long-polling surface of the chat API.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	DeleteWebhook(ctx context.Context) error
}

// Poller feeds long-polled updates to a Dispatcher.
type Poller struct {
	source     UpdateSource
	dispatcher *Dispatcher
	timeout    time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewPoller constructs a Poller.
func NewPoller(source UpdateSource, dispatcher *Dispatcher, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source:     source,
		dispatcher: dispatcher,
		timeout:    defaultPollTimeout,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Run removes any webhook and processes updates until ctx is cancelled. Fetch failures are logged
// and retried after a delay.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.source.DeleteWebhook(ctx); err != nil {
		return err
	}
	p.logger.Info("polling for updates")
	var offset int64
	for {
		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			p.logger.Warn("fetching updates failed", zap.Error(err), zap.Duration("retry_in", p.retryDelay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}
		for _, update := range updates {
			p.dispatcher.Handle(ctx, update)
			offset = update.UpdateID + 1
		}
	}
}

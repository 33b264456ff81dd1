package fanout

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode selects the eligibility rule of a batch.
type Mode int

const (
	// Broadcast delivers to present users with a chat identity and a chosen language.
	Broadcast Mode = iota + 1
	// Directed delivers to a single user on their own request and only requires a chat identity.
	Directed
)

func (m Mode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case Directed:
		return "directed"
	default:
		return "unknown"
	}
}

// ErrSkip is returned by a Render function to skip a recipient that already acted on the source.
var ErrSkip = errors.New("fanout: recipient already acted")

var (
	errMissingTransport = errors.New("transport is required")
	errMissingLedger    = errors.New("ledger is required")
)

// RenderFunc builds the message for one recipient.
type RenderFunc func(ctx context.Context, user store.User) (Message, error)

// Batch describes one delivery run.
type Batch struct {
	Mode    Mode
	Source  Source
	Targets []store.User
	Render  RenderFunc
	// Report formats the admin log line from the summary. Only broadcast batches are reported.
	Report func(Summary) string
	// Unrecorded batches leave no ledger rows.
	Unrecorded bool
}

// Summary tallies one delivery run or edit pass.
type Summary struct {
	BatchID   uuid.UUID
	Attempted int
	Succeeded int
	Failed    int
	Absent    int
	Skipped   int
}

// CoordinatorConfig describes coordinator dependencies.
type CoordinatorConfig struct {
	Transport Transport
	Ledger    *Ledger
	AdminLog  *AdminLog
	Observer  ErrorObserver
	Logger    *zap.Logger
	// Shuffle permutes targets in place. Defaults to math/rand/v2.
	Shuffle func(n int, swap func(i, j int))
}

// Coordinator delivers messages to many users with per-recipient failure isolation.
type Coordinator struct {
	transport Transport
	ledger    *Ledger
	adminLog  *AdminLog
	observer  ErrorObserver
	logger    *zap.Logger
	shuffle   func(n int, swap func(i, j int))
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shuffle := cfg.Shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	return &Coordinator{
		transport: cfg.Transport,
		ledger:    cfg.Ledger,
		adminLog:  cfg.AdminLog,
		observer:  cfg.Observer,
		logger:    logger,
		shuffle:   shuffle,
	}, nil
}

// Transport exposes the underlying transport for single replies outside batches.
func (c *Coordinator) Transport() Transport {
	return c.transport
}

// Ledger exposes the delivery ledger.
func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

// AdminLog exposes the admin log, which may be nil.
func (c *Coordinator) AdminLog() *AdminLog {
	return c.adminLog
}

// Deliver sends the batch to every eligible target. Transport failures are reported and counted
// without stopping the batch.
func (c *Coordinator) Deliver(ctx context.Context, batch Batch) Summary {
	summary := Summary{BatchID: newBatchID()}
	targets := append([]store.User(nil), batch.Targets...)
	c.shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})

	for _, target := range targets {
		if !eligible(batch.Mode, target) {
			summary.Absent++
			continue
		}
		message, err := batch.Render(ctx, target)
		if errors.Is(err, ErrSkip) {
			summary.Skipped++
			continue
		}
		summary.Attempted++
		if err != nil {
			summary.Failed++
			c.report(ctx, fmt.Errorf("fanout: render for user %d: %w", target.ID, err))
			continue
		}
		ref, err := c.transport.SendMessage(ctx, *target.ChatUserID, message)
		if err != nil {
			summary.Failed++
			c.report(ctx, fmt.Errorf("fanout: send to user %d: %w", target.ID, err))
			continue
		}
		summary.Succeeded++
		if batch.Unrecorded {
			continue
		}
		userID := target.ID
		if err := c.ledger.Record(ctx, ref, batch.Source, &userID, target.Lang(), false); err != nil {
			c.report(ctx, fmt.Errorf("fanout: record delivery to user %d: %w", target.ID, err))
		}
	}

	c.logger.Info("fan-out batch finished",
		zap.String("batch_id", summary.BatchID.String()),
		zap.String("mode", batch.Mode.String()),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("absent", summary.Absent),
		zap.Int("skipped", summary.Skipped),
	)
	if batch.Mode == Broadcast && batch.Report != nil {
		c.Log(ctx, Actor{}, batch.Report(summary))
	}
	return summary
}

// EditAll rewrites every entry in place. Unchanged content counts as success.
func (c *Coordinator) EditAll(ctx context.Context, entries []Entry, render func(Entry) (Message, error)) Summary {
	summary := Summary{BatchID: newBatchID()}
	for _, entry := range entries {
		summary.Attempted++
		message, err := render(entry)
		if err == nil {
			err = EditIgnoringUnchanged(ctx, c.transport, entry.Ref(), message)
		}
		if err != nil {
			summary.Failed++
			c.report(ctx, fmt.Errorf("fanout: edit %d/%d: %w", entry.ChatID, entry.MessageID, err))
			continue
		}
		summary.Succeeded++
	}
	c.logger.Info("fan-out edit pass finished",
		zap.String("batch_id", summary.BatchID.String()),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
	)
	return summary
}

// DeleteAll deletes every entry's message and forgets its ledger row. Missing messages count as deleted.
func (c *Coordinator) DeleteAll(ctx context.Context, entries []Entry) Summary {
	summary := Summary{BatchID: newBatchID()}
	for _, entry := range entries {
		summary.Attempted++
		if err := DeleteIgnoringGone(ctx, c.transport, entry.Ref()); err != nil {
			summary.Failed++
			c.report(ctx, fmt.Errorf("fanout: delete %d/%d: %w", entry.ChatID, entry.MessageID, err))
		} else {
			summary.Succeeded++
		}
		if err := c.ledger.Forget(ctx, entry.Ref()); err != nil {
			c.report(ctx, err)
		}
	}
	return summary
}

// Log posts a line to the admin log when one is configured.
func (c *Coordinator) Log(ctx context.Context, actor Actor, action string) {
	if c.adminLog == nil || action == "" {
		return
	}
	c.adminLog.Post(ctx, actor, action, 0)
}

// Report forwards an error to the observer, or logs it when none is configured.
func (c *Coordinator) Report(ctx context.Context, err error) {
	c.report(ctx, err)
}

func (c *Coordinator) report(ctx context.Context, err error) {
	if c.observer != nil {
		c.observer.ReportError(ctx, err)
		return
	}
	c.logger.Error("fan-out error", zap.Error(err))
}

func eligible(mode Mode, user store.User) bool {
	if !user.Contactable() {
		return false
	}
	if mode == Directed {
		return true
	}
	return user.Language != nil && user.Present
}

func newBatchID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

package polls

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VoteAction is the step a voter takes on an option button.
type VoteAction string

const (
	ActionVote    VoteAction = "vote"
	ActionConfirm VoteAction = "confirm"
	ActionCancel  VoteAction = "cancel"
)

const callbackPrefix = "vote_"

// CallbackData encodes a ballot button payload.
func CallbackData(action VoteAction, optionID uint) string {
	return fmt.Sprintf("%s%s:%d", callbackPrefix, action, optionID)
}

// ParseCallback decodes a ballot button payload.
func ParseCallback(data string) (VoteAction, uint, bool) {
	name, rawID, found := strings.Cut(data, ":")
	if !found || !strings.HasPrefix(name, callbackPrefix) {
		return "", 0, false
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return VoteAction(strings.TrimPrefix(name, callbackPrefix)), uint(id), true
}

// IsCallback reports whether data belongs to a ballot button.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, callbackPrefix)
}

func messageKey(poll store.Poll, questionKey, electionKey string) string {
	if poll.IsElection() {
		return electionKey
	}
	return questionKey
}

// ballotOptions selects the options a voter in area sees. Per-area polls without area tagged
// options fall back to the untagged ones.
func ballotOptions(poll store.Poll, options []store.Option, area string) []store.Option {
	var tagged, untagged []store.Option
	for _, option := range options {
		switch {
		case option.Area == nil:
			untagged = append(untagged, option)
		case poll.PerArea && *option.Area == area:
			tagged = append(tagged, option)
		case !poll.PerArea:
			untagged = append(untagged, option)
		}
	}
	if poll.PerArea && len(tagged) > 0 {
		return tagged
	}
	return untagged
}

func ballotMessage(poll store.Poll, options []store.Option, lang store.Language, area string) fanout.Message {
	keyboard := fanout.Keyboard{}
	for _, option := range ballotOptions(poll, options, area) {
		keyboard = append(keyboard, fanout.Row(fanout.Callback(option.Text(lang), CallbackData(ActionVote, option.ID))))
	}
	return fanout.Message{Text: locale.Escape(poll.Text(lang)), Keyboard: keyboard}
}

func noticeMessage(poll store.Poll, lang store.Language, notice string) fanout.Message {
	return fanout.Message{Text: fmt.Sprintf("%s\n\n<b>%s</b>", locale.Escape(poll.Text(lang)), notice)}
}

// Ballot builds the voting prompt for one language and area.
func (e *Engine) Ballot(ctx context.Context, poll store.Poll, lang store.Language, area string) (fanout.Message, error) {
	options, err := e.Options(ctx, poll.ID)
	if err != nil {
		return fanout.Message{}, err
	}
	return ballotMessage(poll, options, lang, area), nil
}

func (e *Engine) voterIDs(ctx context.Context, pollID uint) (map[uint]bool, error) {
	var ids []uint
	if err := e.db.WithContext(ctx).Model(&store.Vote{}).Where("poll_id = ?", pollID).Pluck("voter_id", &ids).Error; err != nil {
		return nil, err
	}
	voted := make(map[uint]bool, len(ids))
	for _, id := range ids {
		voted[id] = true
	}
	return voted, nil
}

// render builds the delivered prompt. Broadcasts announce the poll and skip voters who already
// voted; directed sends show those voters the already-voted notice instead of a ballot.
func (e *Engine) render(poll store.Poll, options []store.Option, voted map[uint]bool, mode fanout.Mode) fanout.RenderFunc {
	return func(_ context.Context, user store.User) (fanout.Message, error) {
		loc := e.locales.For(user.Lang())
		if voted[user.ID] {
			if mode == fanout.Broadcast {
				return fanout.Message{}, fanout.ErrSkip
			}
			return noticeMessage(poll, loc.Language(), loc.Text(messageKey(poll, "poll_already_voted", "election_already_voted"))), nil
		}
		message := ballotMessage(poll, options, loc.Language(), user.Area)
		if mode == fanout.Broadcast {
			prefix := loc.Text(messageKey(poll, "new_poll", "new_election"))
			message.Text = fmt.Sprintf("<b>%s</b>\n\n%s", prefix, message.Text)
		}
		return message, nil
	}
}

// Announce schedules delivery of an active poll to its voter group.
func (e *Engine) Announce(ctx context.Context, actor fanout.Actor, id uint) error {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if poll.Status != store.PollActive {
		return ErrInvalidTransition
	}
	e.coordinator.Log(ctx, actor, fmt.Sprintf("announced the poll <b>%s</b>.", locale.Escape(poll.TextFi)))
	if err := e.scheduler.Submit(fmt.Sprintf("announce poll %d", id), func(ctx context.Context) error {
		return e.announcePass(ctx, id)
	}); err != nil {
		e.logError(opAnnounce, "schedule_failed", err, zap.Uint("poll_id", id))
		return newServiceError(opAnnounce, "schedule_failed", err)
	}
	return nil
}

func (e *Engine) announcePass(ctx context.Context, id uint) error {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	options, err := e.Options(ctx, id)
	if err != nil {
		return err
	}
	targets, err := e.groups.Members(ctx, poll.VoterGroup)
	if err != nil {
		return err
	}
	voted, err := e.voterIDs(ctx, id)
	if err != nil {
		return err
	}
	e.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Broadcast,
		Source:  fanout.PollSource(id),
		Targets: targets,
		Render:  e.render(poll, options, voted, fanout.Broadcast),
		Report: func(summary fanout.Summary) string {
			return fmt.Sprintf("Poll <b>%s</b> sent successfully to %d of %d present users. "+
				"%d absent users and %d already voted users skipped.",
				locale.Escape(poll.TextFi), summary.Succeeded, summary.Attempted, summary.Absent, summary.Skipped)
		},
	})
	return nil
}

// SendCurrent re-sends every active poll the user may vote in, replacing earlier prompts in the
// same chat. It returns the number of polls sent.
func (e *Engine) SendCurrent(ctx context.Context, user store.User) (int, error) {
	if !user.Contactable() {
		return 0, nil
	}
	chatID := *user.ChatUserID
	var active []store.Poll
	if err := e.db.WithContext(ctx).Where("status = ?", store.PollActive).Order("id ASC").Find(&active).Error; err != nil {
		e.logError(opCurrent, "query_failed", err)
		return 0, newServiceError(opCurrent, "query_failed", err)
	}
	if len(active) == 0 {
		_, err := e.coordinator.Transport().SendMessage(ctx, chatID,
			fanout.Message{Text: e.locales.For(user.Lang()).Text("no_current_polls")})
		return 0, err
	}
	sent := 0
	for _, poll := range active {
		member, err := e.groups.IsMember(ctx, poll.VoterGroup, user)
		if err != nil {
			return sent, err
		}
		if !member {
			continue
		}
		stale, err := e.coordinator.Ledger().PersonalInChat(ctx, chatID, fanout.PollSource(poll.ID))
		if err != nil {
			return sent, err
		}
		e.coordinator.DeleteAll(ctx, stale)
		options, err := e.Options(ctx, poll.ID)
		if err != nil {
			return sent, err
		}
		voted, err := e.hasVoted(ctx, poll.ID, user.ID)
		if err != nil {
			return sent, err
		}
		summary := e.coordinator.Deliver(ctx, fanout.Batch{
			Mode:    fanout.Directed,
			Source:  fanout.PollSource(poll.ID),
			Targets: []store.User{user},
			Render:  e.render(poll, options, map[uint]bool{user.ID: voted}, fanout.Directed),
		})
		sent += summary.Succeeded
	}
	return sent, nil
}

// Close ends voting and schedules greying out of delivered ballots. It returns the results.
func (e *Engine) Close(ctx context.Context, actor fanout.Actor, id uint) (Results, error) {
	var poll store.Poll
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		poll, err = loadPollForUpdate(tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(poll.Status, store.PollClosed) {
			return ErrInvalidTransition
		}
		return tx.Model(&store.Poll{}).Where("id = ?", id).
			Updates(map[string]any{"status": store.PollClosed, "updated_at": e.now()}).Error
	})
	switch {
	case errors.Is(err, ErrPollNotFound), errors.Is(err, ErrInvalidTransition):
		return Results{}, err
	case err != nil:
		e.logError(opClose, "update_failed", err, zap.Uint("poll_id", id))
		return Results{}, newServiceError(opClose, "update_failed", err)
	}
	e.coordinator.Log(ctx, actor, fmt.Sprintf("closed the poll <b>%s</b>.", locale.Escape(poll.TextFi)))
	e.publish(ctx, events.TypePollClosed, id, nil)
	if err := e.scheduler.Submit(fmt.Sprintf("close poll %d", id), func(ctx context.Context) error {
		return e.closePass(ctx, id)
	}); err != nil {
		e.logError(opClose, "schedule_failed", err, zap.Uint("poll_id", id))
	}
	return e.Results(ctx, id)
}

func (e *Engine) closePass(ctx context.Context, id uint) error {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	entries, err := e.coordinator.Ledger().Participant(ctx, fanout.PollSource(id))
	if err != nil {
		return err
	}
	summary := e.coordinator.EditAll(ctx, entries, func(entry fanout.Entry) (fanout.Message, error) {
		loc := e.locales.For(entry.Language)
		return noticeMessage(poll, loc.Language(), loc.Text(messageKey(poll, "poll_closed", "election_closed"))), nil
	})
	e.coordinator.Log(ctx, fanout.Actor{}, fmt.Sprintf("Poll <b>%s</b> closed successfully in %d of %d messages.",
		locale.Escape(poll.TextFi), summary.Succeeded, summary.Attempted))
	return nil
}

func (e *Engine) reopenPass(ctx context.Context, id uint) error {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	options, err := e.Options(ctx, id)
	if err != nil {
		return err
	}
	voted, err := e.voterIDs(ctx, id)
	if err != nil {
		return err
	}
	entries, err := e.coordinator.Ledger().Participant(ctx, fanout.PollSource(id))
	if err != nil {
		return err
	}
	summary := e.coordinator.EditAll(ctx, entries, func(entry fanout.Entry) (fanout.Message, error) {
		loc := e.locales.For(entry.Lang())
		if entry.UserID != nil && voted[*entry.UserID] {
			return noticeMessage(poll, loc.Language(), loc.Text(messageKey(poll, "poll_already_voted", "election_already_voted"))), nil
		}
		return ballotMessage(poll, options, loc.Language(), entry.Area), nil
	})
	e.coordinator.Log(ctx, fanout.Actor{}, fmt.Sprintf("Poll <b>%s</b> reopened successfully in %d of %d messages.",
		locale.Escape(poll.TextFi), summary.Succeeded, summary.Attempted))
	return nil
}

func (e *Engine) hasVoted(ctx context.Context, pollID, voterID uint) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&store.Vote{}).
		Where("poll_id = ? AND voter_id = ?", pollID, voterID).
		Count(&count).Error
	return count > 0, err
}

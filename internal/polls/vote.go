package polls

import (
	"context"
	"errors"
	"fmt"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutcomeKind classifies the handling of one ballot button press.
type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomeBallot
	OutcomeHostile
	OutcomeClosed
	OutcomeAlreadyVoted
	OutcomeConfirm
	OutcomeVoted
)

// VoteRequest is a ballot button press by a registered voter.
type VoteRequest struct {
	Voter    store.User
	OptionID uint
	Action   VoteAction
}

// VoteOutcome tells the caller how to answer the press. Message, when set, replaces the pressed
// message in place.
type VoteOutcome struct {
	Kind      OutcomeKind
	Alert     string
	ShowAlert bool
	Message   *fanout.Message
}

const (
	hostileMember = "Seems like you're a hacker - you can't vote in this poll. Have a beer (at your cost)"
	hostileArea   = "Seems like you're a hacker - you can't vote for that in your area. Have a beer (at your cost)"
	hostileStatus = "Seems like you're a hacker - poll is not open yet. Have a beer (at your cost)"
)

// Vote applies one ballot button press. The stored vote is the single source of truth: a
// concurrent second confirm finds the row already present and reports AlreadyVoted.
func (e *Engine) Vote(ctx context.Context, request VoteRequest) (VoteOutcome, error) {
	option, err := e.loadOption(ctx, request.OptionID)
	if err != nil {
		return VoteOutcome{}, err
	}
	poll, err := e.Get(ctx, option.PollID)
	if err != nil {
		return VoteOutcome{}, err
	}
	voter := request.Voter
	loc := e.locales.For(voter.Lang())
	lang := loc.Language()

	if request.Action == ActionCancel {
		options, err := e.Options(ctx, poll.ID)
		if err != nil {
			return VoteOutcome{}, err
		}
		message := ballotMessage(poll, options, lang, voter.Area)
		return VoteOutcome{Kind: OutcomeBallot, Message: &message}, nil
	}

	member, err := e.groups.IsMember(ctx, poll.VoterGroup, voter)
	if err != nil {
		return VoteOutcome{}, err
	}
	switch {
	case !member:
		return VoteOutcome{Kind: OutcomeHostile, Alert: hostileMember, ShowAlert: true}, nil
	case poll.PerArea && option.Area != nil && *option.Area != voter.Area:
		return VoteOutcome{Kind: OutcomeHostile, Alert: hostileArea, ShowAlert: true}, nil
	case poll.Status == store.PollCreated:
		return VoteOutcome{Kind: OutcomeHostile, Alert: hostileStatus, ShowAlert: true}, nil
	case poll.Status != store.PollActive:
		notice := loc.Text(messageKey(poll, "poll_closed", "election_closed"))
		message := noticeMessage(poll, lang, notice)
		return VoteOutcome{Kind: OutcomeClosed, Alert: notice, ShowAlert: true, Message: &message}, nil
	}

	voted, err := e.hasVoted(ctx, poll.ID, voter.ID)
	if err != nil {
		e.logError(opVote, "query_failed", err, zap.Uint("poll_id", poll.ID))
		return VoteOutcome{}, newServiceError(opVote, "query_failed", err)
	}
	if voted {
		return e.alreadyVoted(poll, loc), nil
	}

	switch request.Action {
	case ActionVote:
		prompt := loc.Format(messageKey(poll, "poll_confirm", "election_confirm"), "option", locale.Escape(option.Text(lang)))
		message := noticeMessage(poll, lang, prompt)
		message.Keyboard = fanout.Keyboard{
			fanout.Row(fanout.Callback(loc.Text("poll_confirm_yes"), CallbackData(ActionConfirm, option.ID))),
			fanout.Row(fanout.Callback(loc.Text("poll_confirm_no"), CallbackData(ActionCancel, option.ID))),
		}
		return VoteOutcome{Kind: OutcomeConfirm, Message: &message}, nil
	case ActionConfirm:
		inserted, err := e.insertVote(ctx, poll.ID, voter, option.ID)
		if err != nil {
			e.logError(opVote, "insert_failed", err, zap.Uint("poll_id", poll.ID), zap.Uint("voter_id", voter.ID))
			return VoteOutcome{}, newServiceError(opVote, "insert_failed", err)
		}
		if !inserted {
			return e.alreadyVoted(poll, loc), nil
		}
		e.publish(ctx, events.TypeVoteCast, poll.ID, map[string]any{"area": voter.Area})
		notice := loc.Text(messageKey(poll, "poll_voted", "election_voted"))
		message := noticeMessage(poll, lang, notice)
		return VoteOutcome{Kind: OutcomeVoted, Alert: notice, Message: &message}, nil
	default:
		return VoteOutcome{Kind: OutcomeIgnored}, nil
	}
}

func (e *Engine) alreadyVoted(poll store.Poll, loc locale.Locale) VoteOutcome {
	notice := loc.Text(messageKey(poll, "poll_already_voted", "election_already_voted"))
	message := noticeMessage(poll, loc.Language(), notice)
	return VoteOutcome{Kind: OutcomeAlreadyVoted, Alert: notice, ShowAlert: true, Message: &message}
}

func (e *Engine) insertVote(ctx context.Context, pollID uint, voter store.User, optionID uint) (bool, error) {
	vote := store.Vote{
		PollID:    pollID,
		VoterID:   voter.ID,
		OptionID:  optionID,
		Area:      voter.Area,
		CreatedAt: e.now(),
	}
	result := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (e *Engine) loadOption(ctx context.Context, id uint) (store.Option, error) {
	var option store.Option
	err := e.db.WithContext(ctx).Where("id = ?", id).Take(&option).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.Option{}, ErrOptionNotFound
	case err != nil:
		return store.Option{}, fmt.Errorf("polls: load option %d: %w", id, err)
	}
	return option, nil
}

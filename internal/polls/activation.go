package polls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivationError is a refused activation. Message is shown to the admin as is.
type ActivationError struct {
	Message string
}

func (e *ActivationError) Error() string {
	return "polls: activation refused: " + e.Message
}

// Transition is the result of a status change.
type Transition struct {
	Poll     store.Poll
	Reopened bool
}

// Activate opens a created poll or reopens a closed one. Election options are generated only
// when leaving the created state; a reopened election keeps its original ballot.
func (e *Engine) Activate(ctx context.Context, actor fanout.Actor, id uint) (Transition, error) {
	var transition Transition
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		poll, err := loadPollForUpdate(tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(poll.Status, store.PollActive) {
			return ErrInvalidTransition
		}
		transition.Reopened = poll.Status == store.PollClosed
		if poll.Status == store.PollCreated && poll.IsElection() {
			if err := e.generateOptions(ctx, tx, poll); err != nil {
				return err
			}
		}
		now := e.now()
		err = tx.Model(&store.Poll{}).Where("id = ?", id).
			Updates(map[string]any{"status": store.PollActive, "updated_at": now}).Error
		if err != nil {
			return err
		}
		poll.Status = store.PollActive
		poll.UpdatedAt = now
		transition.Poll = poll
		return nil
	})
	var activationErr *ActivationError
	switch {
	case errors.As(err, &activationErr), errors.Is(err, ErrPollNotFound), errors.Is(err, ErrInvalidTransition):
		return Transition{}, err
	case err != nil:
		e.logError(opActivate, "update_failed", err, zap.Uint("poll_id", id))
		return Transition{}, newServiceError(opActivate, "update_failed", err)
	}

	verb := "activated"
	if transition.Reopened {
		verb = "reactivated"
	}
	e.coordinator.Log(ctx, actor, fmt.Sprintf("%s the poll <b>%s</b>.", verb, locale.Escape(transition.Poll.TextFi)))
	e.publish(ctx, events.TypePollActivated, id, map[string]any{"reopened": transition.Reopened})
	if transition.Reopened {
		if err := e.scheduler.Submit(fmt.Sprintf("reopen poll %d", id), func(ctx context.Context) error {
			return e.reopenPass(ctx, id)
		}); err != nil {
			e.logError(opActivate, "schedule_failed", err, zap.Uint("poll_id", id))
		}
	}
	return transition, nil
}

type candidate struct {
	user   store.User
	number int
}

func (e *Engine) generateOptions(ctx context.Context, tx *gorm.DB, poll store.Poll) error {
	if err := tx.Where("poll_id = ?", poll.ID).Delete(&store.Option{}).Error; err != nil {
		return err
	}
	resolver := e.groups.WithTx(tx)
	members, err := resolver.Members(ctx, poll.SourceGroup)
	if err != nil {
		return err
	}
	candidates := make([]candidate, 0, len(members))
	for _, member := range members {
		if member.CandidateNumber == nil || *member.CandidateNumber == "" {
			continue
		}
		number, err := strconv.Atoi(strings.TrimSpace(*member.CandidateNumber))
		if err != nil {
			return &ActivationError{Message: fmt.Sprintf("Invalid candidate number for UID %d: %s", member.ID, *member.CandidateNumber)}
		}
		candidates = append(candidates, candidate{user: member, number: number})
	}
	if len(candidates) == 0 {
		return &ActivationError{Message: "There are no candidates!"}
	}

	if poll.PerArea {
		voters, err := resolver.Members(ctx, poll.VoterGroup)
		if err != nil {
			return err
		}
		if err := e.checkAreaCapacity(candidates, voters); err != nil {
			return err
		}
	} else if e.maxCandidates > 0 && len(candidates) > e.maxCandidates {
		return &ActivationError{Message: fmt.Sprintf("There are too many candidates: %d > %d", len(candidates), e.maxCandidates)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].number < candidates[j].number
	})
	options := make([]store.Option, 0, len(candidates))
	for index, entry := range candidates {
		label := fmt.Sprintf("%s %s", strings.TrimSpace(*entry.user.CandidateNumber), entry.user.Name)
		candidateID := entry.user.ID
		option := store.Option{
			PollID:      poll.ID,
			TextFi:      label,
			TextEn:      label,
			OrderNo:     index,
			CandidateID: &candidateID,
		}
		if poll.PerArea {
			area := entry.user.Area
			option.Area = &area
		}
		options = append(options, option)
	}
	return tx.Create(&options).Error
}

func (e *Engine) checkAreaCapacity(candidates []candidate, voters []store.User) error {
	perArea := make(map[string]int)
	for _, entry := range candidates {
		perArea[entry.user.Area]++
	}
	missingSet := make(map[string]bool)
	for _, voter := range voters {
		if perArea[voter.Area] == 0 {
			missingSet[voter.Area] = true
		}
	}
	if len(missingSet) > 0 {
		missing := make([]string, 0, len(missingSet))
		for area := range missingSet {
			missing = append(missing, area)
		}
		sort.Strings(missing)
		return &ActivationError{Message: "Some areas don't have candidates: " + strings.Join(missing, ", ")}
	}
	largest := 0
	for _, count := range perArea {
		largest = max(largest, count)
	}
	if e.maxCandidates > 0 && largest > e.maxCandidates {
		return &ActivationError{Message: fmt.Sprintf("There are too many candidates for an area: %d > %d", largest, e.maxCandidates)}
	}
	return nil
}

package initiatives

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
)

// LengthError reports a text over its configured maximum length.
type LengthError struct {
	Max int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("initiatives: text exceeds %d characters", e.Max)
}

// NormalizeText trims text and collapses whitespace runs into single spaces.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ValidateTitle normalizes and checks a title.
func (p *Pipeline) ValidateTitle(text string) (string, error) {
	return validateText(text, p.titleMaxLen)
}

// ValidateDescription normalizes and checks a description.
func (p *Pipeline) ValidateDescription(text string) (string, error) {
	return validateText(text, p.descMaxLen)
}

func validateText(text string, limit int) (string, error) {
	text = NormalizeText(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		return "", &LengthError{Max: limit}
	}
	return text, nil
}

// RefusalReason says why a user may not create an initiative right now.
type RefusalReason int

const (
	RefusalNone RefusalReason = iota
	RefusalBanned
	RefusalInReview
)

// Refusal is the outcome of the creation gate.
type Refusal struct {
	Reason RefusalReason
	// Minutes is the remaining ban, rounded up.
	Minutes int
}

// Refused reports whether creation is blocked.
func (r Refusal) Refused() bool {
	return r.Reason != RefusalNone
}

// RefusalMessage renders the refusal in lang.
func (p *Pipeline) RefusalMessage(refusal Refusal, lang store.Language) string {
	loc := p.locales.For(lang)
	switch refusal.Reason {
	case RefusalBanned:
		return loc.Format("init_banned", "mins", strconv.Itoa(refusal.Minutes))
	case RefusalInReview:
		return loc.Text("init_in_review")
	default:
		return ""
	}
}

// CanCreate checks the creation gate: no active ban and no initiative still in review.
func (p *Pipeline) CanCreate(ctx context.Context, user store.User) (Refusal, error) {
	now := p.now()
	if user.InitiativeBanUntil != nil && user.InitiativeBanUntil.After(now) {
		minutes := int(math.Ceil(user.InitiativeBanUntil.Sub(now).Minutes()))
		return Refusal{Reason: RefusalBanned, Minutes: minutes}, nil
	}
	var count int64
	err := p.db.WithContext(ctx).Model(&store.Initiative{}).
		Where("user_id = ? AND status = ?", user.ID, store.InitiativeSubmitted).
		Count(&count).Error
	if err != nil {
		return Refusal{}, err
	}
	if count > 0 {
		return Refusal{Reason: RefusalInReview}, nil
	}
	return Refusal{}, nil
}

// Draft is an initiative being authored by a participant.
type Draft struct {
	Title       string
	Description string
}

// Submit stores a finished draft in the author's language after re-checking the creation gate,
// then offers it to moderators when nobody is busy with another one.
func (p *Pipeline) Submit(ctx context.Context, user store.User, draft Draft) (store.Initiative, Refusal, error) {
	refusal, err := p.CanCreate(ctx, user)
	if err != nil {
		p.logError(opSubmit, "gate_failed", err, zap.Uint("user_id", user.ID))
		return store.Initiative{}, Refusal{}, newServiceError(opSubmit, "gate_failed", err)
	}
	if refusal.Refused() {
		return store.Initiative{}, refusal, ErrCreateRefused
	}
	title, err := p.ValidateTitle(draft.Title)
	if err != nil {
		return store.Initiative{}, Refusal{}, err
	}
	description, err := p.ValidateDescription(draft.Description)
	if err != nil {
		return store.Initiative{}, Refusal{}, err
	}

	initiative := store.Initiative{
		UserID:    user.ID,
		CreatedAt: p.now(),
		Status:    store.InitiativeSubmitted,
	}
	if user.Lang() == store.LanguageFinnish {
		initiative.TitleFi = &title
		initiative.DescFi = &description
	} else {
		initiative.TitleEn = &title
		initiative.DescEn = &description
	}
	if err := p.db.WithContext(ctx).Create(&initiative).Error; err != nil {
		p.logError(opSubmit, "insert_failed", err, zap.Uint("user_id", user.ID))
		return store.Initiative{}, Refusal{}, newServiceError(opSubmit, "insert_failed", err)
	}
	p.publish(ctx, events.TypeInitiativeSubmitted, initiative.ID, map[string]any{"language": string(user.Lang())})
	if err := p.SendNextAdmin(ctx, true, 0); err != nil {
		p.coordinator.Report(ctx, err)
	}
	return initiative, Refusal{}, nil
}

package initiatives

import (
	"context"
	"fmt"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChoiceAction is a button of the participant signature prompt.
type ChoiceAction string

const (
	ChoiceView        ChoiceAction = "view"
	ChoicePass        ChoiceAction = "pass"
	ChoiceSign        ChoiceAction = "sign"
	ChoiceSignConfirm ChoiceAction = "sign2"
	ChoiceCancel      ChoiceAction = "cancel"
)

const choiceCallbackPrefix = "inits_"

// ChoiceCallbackData encodes a signature prompt button payload.
func ChoiceCallbackData(action ChoiceAction, id uint) string {
	return fmt.Sprintf("%s%s:%d", choiceCallbackPrefix, action, id)
}

// ParseChoiceCallback decodes a signature prompt button payload.
func ParseChoiceCallback(data string) (ChoiceAction, uint, bool) {
	action, id, ok := parseCallback(data, choiceCallbackPrefix)
	return ChoiceAction(action), id, ok
}

// IsChoiceCallback reports whether data belongs to a signature prompt button.
func IsChoiceCallback(data string) bool {
	return strings.HasPrefix(data, choiceCallbackPrefix)
}

// ChoiceKind classifies the handling of a signature prompt button press.
type ChoiceKind int

const (
	ChoiceShown ChoiceKind = iota
	ChoiceClosed
	ChoiceAlreadySigned
	ChoiceHostile
	ChoicePassed
	ChoiceConfirm
	ChoiceSigned
)

// ChoiceOutcome tells the caller how to answer the press. Message, when set, replaces the pressed
// message in place.
type ChoiceOutcome struct {
	Kind      ChoiceKind
	Alert     string
	ShowAlert bool
	Message   *fanout.Message
}

const hostileChoice = "Seems like you're a hacker - that initiative is not open. Have a beer (at your cost)"

// UsersText renders an initiative for participants. fresh selects the new-initiative heading.
func (p *Pipeline) UsersText(view View, lang store.Language, fresh bool, bottom string) string {
	key := "init_view"
	if fresh {
		key = "init_notif"
	}
	text := p.locales.For(lang).Format(key,
		"title", locale.Escape(view.Title(lang)),
		"desc", locale.Escape(view.Description(lang)),
		"user", locale.Escape(view.AuthorName))
	if bottom != "" {
		text += "\n\n" + bottom
	}
	return text
}

// SignKeyboard returns the sign and pass buttons.
func (p *Pipeline) SignKeyboard(view View, lang store.Language) fanout.Keyboard {
	loc := p.locales.For(lang)
	return fanout.Keyboard{
		fanout.Row(fanout.Callback(loc.Text("init_second"), ChoiceCallbackData(ChoiceSign, view.ID))),
		fanout.Row(fanout.Callback(loc.Text("init_pass"), ChoiceCallbackData(ChoicePass, view.ID))),
	}
}

// Choose applies a signature prompt button press. Passing and signing move the user on to the
// next initiative.
func (p *Pipeline) Choose(ctx context.Context, user store.User, id uint, action ChoiceAction) (ChoiceOutcome, error) {
	view, err := p.Get(ctx, id)
	if err != nil {
		return ChoiceOutcome{}, err
	}
	loc := p.locales.For(user.Lang())
	lang := loc.Language()

	if view.Status == store.InitiativeClosed {
		notice := loc.Text("init_closed")
		message := fanout.Message{Text: p.UsersText(view, lang, false, "<b>"+notice+"</b>")}
		return ChoiceOutcome{Kind: ChoiceClosed, Alert: notice, ShowAlert: true, Message: &message}, nil
	}
	signed, err := p.hasSigned(ctx, user.ID, id)
	if err != nil {
		p.logError(opChoose, "query_failed", err, zap.Uint("initiative_id", id))
		return ChoiceOutcome{}, newServiceError(opChoose, "query_failed", err)
	}
	if signed {
		return p.alreadySigned(view, loc), nil
	}
	if view.Status != store.InitiativeApproved {
		return ChoiceOutcome{Kind: ChoiceHostile, Alert: hostileChoice, ShowAlert: true}, nil
	}

	switch action {
	case ChoicePass:
		if err := p.pass(ctx, user.ID, id); err != nil {
			p.logError(opChoose, "pass_failed", err, zap.Uint("initiative_id", id))
			return ChoiceOutcome{}, newServiceError(opChoose, "pass_failed", err)
		}
		if _, err := p.Rotate(ctx, user); err != nil {
			return ChoiceOutcome{}, err
		}
		return ChoiceOutcome{Kind: ChoicePassed}, nil
	case ChoiceSign:
		message := fanout.Message{
			Text: p.UsersText(view, lang, false, "<b>"+loc.Text("init_second_confirm")+"</b>"),
			Keyboard: fanout.Keyboard{
				fanout.Row(fanout.Callback(loc.Text("init_second_confirm_yes"), ChoiceCallbackData(ChoiceSignConfirm, id))),
				fanout.Row(fanout.Callback(loc.Text("init_second_confirm_no"), ChoiceCallbackData(ChoiceCancel, id))),
			},
		}
		return ChoiceOutcome{Kind: ChoiceConfirm, Message: &message}, nil
	case ChoiceSignConfirm:
		inserted, err := p.sign(ctx, user, view)
		if err != nil {
			return ChoiceOutcome{}, err
		}
		if !inserted {
			return p.alreadySigned(view, loc), nil
		}
		outcome := p.alreadySigned(view, loc)
		outcome.Kind = ChoiceSigned
		outcome.ShowAlert = false
		if _, err := p.Rotate(ctx, user); err != nil {
			p.coordinator.Report(ctx, err)
		}
		return outcome, nil
	default:
		message := fanout.Message{Text: p.UsersText(view, lang, false, ""), Keyboard: p.SignKeyboard(view, lang)}
		return ChoiceOutcome{Kind: ChoiceShown, Message: &message}, nil
	}
}

func (p *Pipeline) alreadySigned(view View, loc locale.Locale) ChoiceOutcome {
	notice := loc.Text("init_seconded")
	message := fanout.Message{Text: p.UsersText(view, loc.Language(), false, "<b>"+notice+"</b>")}
	return ChoiceOutcome{Kind: ChoiceAlreadySigned, Alert: notice, Message: &message}
}

func (p *Pipeline) hasSigned(ctx context.Context, userID, initiativeID uint) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&store.InitiativeChoice{}).
		Where("user_id = ? AND initiative_id = ? AND pass_count = ?", userID, initiativeID, store.SignedSentinel).
		Count(&count).Error
	return count > 0, err
}

// pass counts one more pass. A signed row is never touched.
func (p *Pipeline) pass(ctx context.Context, userID, initiativeID uint) error {
	choice := store.InitiativeChoice{UserID: userID, InitiativeID: initiativeID, PassCount: 1}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "initiative_id"}},
		DoUpdates: clause.Set{{Column: clause.Column{Name: "pass_count"}, Value: gorm.Expr("pass_count + 1")}},
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "pass_count > 0"}}},
	}).Create(&choice).Error
}

// sign stores the signature, recounts and alerts moderators on crossed milestones. It reports
// false when the user had already signed.
func (p *Pipeline) sign(ctx context.Context, user store.User, view View) (bool, error) {
	var before, after int
	inserted := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		initiative, err := loadForUpdate(tx, view.ID)
		if err != nil {
			return err
		}
		before = initiative.SignCount
		choice := store.InitiativeChoice{UserID: user.ID, InitiativeID: view.ID, PassCount: store.SignedSentinel}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "initiative_id"}},
			DoUpdates: clause.Set{{Column: clause.Column{Name: "pass_count"}, Value: store.SignedSentinel}},
			Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "pass_count <> ?", Vars: []any{store.SignedSentinel}}}},
		}).Create(&choice)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			after = before
			return nil
		}
		inserted = true
		after, err = recountSignatures(tx, view.ID)
		return err
	})
	if err != nil {
		p.logError(opChoose, "sign_failed", err, zap.Uint("initiative_id", view.ID), zap.Uint("user_id", user.ID))
		return false, newServiceError(opChoose, "sign_failed", err)
	}
	if !inserted {
		return false, nil
	}
	p.publish(ctx, events.TypeInitiativeSigned, view.ID, map[string]any{"signatures": after})

	alerts, err := p.Alerts(ctx)
	if err != nil {
		p.coordinator.Report(ctx, err)
		return true, nil
	}
	if CrossesMilestone(alerts, before, after) {
		p.publish(ctx, events.TypeInitiativeMilestone, view.ID, map[string]any{"signatures": after})
		if err := p.SendAdmin(ctx, view.ID, AdminSend{Milestone: &after}); err != nil {
			p.coordinator.Report(ctx, err)
		}
	}
	return true, nil
}

// CrossesMilestone reports whether some threshold t satisfies before < t <= after.
func CrossesMilestone(thresholds []int, before, after int) bool {
	for _, threshold := range thresholds {
		if before < threshold && threshold <= after {
			return true
		}
	}
	return false
}

type rotationPick struct {
	ID        uint `gorm:"column:id"`
	PassCount int  `gorm:"column:real_pass_count"`
}

// Rotate shows the user the approved initiative they have passed the fewest times and not signed.
// It reports whether one was shown.
func (p *Pipeline) Rotate(ctx context.Context, user store.User) (bool, error) {
	if !user.Contactable() {
		return false, nil
	}
	chatID := *user.ChatUserID
	var picks []rotationPick
	err := p.db.WithContext(ctx).
		Table("initiatives").
		Select("initiatives.id, COALESCE(initiative_choices.pass_count, 0) AS real_pass_count").
		Joins("LEFT JOIN initiative_choices ON initiative_choices.initiative_id = initiatives.id AND initiative_choices.user_id = ?", user.ID).
		Where("initiatives.status = ? AND COALESCE(initiative_choices.pass_count, 0) >= 0", store.InitiativeApproved).
		Order("real_pass_count ASC").Order("initiatives.id ASC").
		Limit(1).
		Scan(&picks).Error
	if err != nil {
		p.logError(opRotate, "query_failed", err, zap.Uint("user_id", user.ID))
		return false, newServiceError(opRotate, "query_failed", err)
	}
	loc := p.locales.For(user.Lang())
	if len(picks) == 0 {
		text := loc.Text("init_no_more")
		if !user.InitiativeNotifs {
			text += loc.Text("init_no_more_notifs")
		}
		if _, err := p.coordinator.Transport().SendMessage(ctx, chatID, fanout.Message{Text: text}); err != nil {
			return false, newServiceError(opRotate, "send_failed", err)
		}
		return false, nil
	}

	view, err := p.Get(ctx, picks[0].ID)
	if err != nil {
		return false, err
	}
	source := fanout.InitiativeSource(view.ID)
	stale, err := p.coordinator.Ledger().PersonalInChat(ctx, chatID, source)
	if err != nil {
		return false, newServiceError(opRotate, "query_failed", err)
	}
	p.coordinator.DeleteAll(ctx, stale)
	summary := p.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Directed,
		Source:  source,
		Targets: []store.User{user},
		Render: func(_ context.Context, target store.User) (fanout.Message, error) {
			lang := p.locales.For(target.Lang()).Language()
			return fanout.Message{Text: p.UsersText(view, lang, false, ""), Keyboard: p.SignKeyboard(view, lang)}, nil
		},
	})
	return summary.Succeeded > 0, nil
}

// broadcast announces a freshly approved initiative to everyone who wants notifications and has
// not signed it.
func (p *Pipeline) broadcast(ctx context.Context, id uint) error {
	view, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	var targets []store.User
	err = p.db.WithContext(ctx).
		Model(&store.User{}).
		Select("users.*").
		Joins("LEFT JOIN initiative_choices ON initiative_choices.user_id = users.id AND initiative_choices.initiative_id = ?", id).
		Where("users.initiative_notifs = ? AND COALESCE(initiative_choices.pass_count, 0) <> ?", true, store.SignedSentinel).
		Order("users.id ASC").
		Find(&targets).Error
	if err != nil {
		return fmt.Errorf("initiatives: broadcast targets of %d: %w", id, err)
	}
	p.coordinator.Deliver(ctx, fanout.Batch{
		Mode:    fanout.Broadcast,
		Source:  fanout.InitiativeSource(id),
		Targets: targets,
		Render: func(_ context.Context, target store.User) (fanout.Message, error) {
			lang := p.locales.For(target.Lang()).Language()
			return fanout.Message{Text: p.UsersText(view, lang, true, ""), Keyboard: p.SignKeyboard(view, lang)}, nil
		},
		Report: func(summary fanout.Summary) string {
			return fmt.Sprintf("Initiative <b>%s</b> sent successfully to %d of %d present users. %d absent users skipped.",
				locale.Escape(view.Title(store.LanguageFinnish)), summary.Succeeded, summary.Attempted, summary.Absent)
		},
	})
	return nil
}

func (p *Pipeline) closePass(ctx context.Context, id uint) error {
	view, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	entries, err := p.coordinator.Ledger().Participant(ctx, fanout.InitiativeSource(id))
	if err != nil {
		return err
	}
	summary := p.coordinator.EditAll(ctx, entries, func(entry fanout.Entry) (fanout.Message, error) {
		loc := p.locales.For(entry.Language)
		return fanout.Message{Text: p.UsersText(view, loc.Language(), false, "<b>"+loc.Text("init_closed")+"</b>")}, nil
	})
	p.coordinator.Log(ctx, fanout.Actor{}, fmt.Sprintf("Initiative <b>%s</b> closed successfully in %d of %d messages.",
		locale.Escape(view.Title(store.LanguageFinnish)), summary.Succeeded, summary.Attempted))
	return nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
)

const (
	initiativeNotFound = "Initiative not found!"
	alreadyDecided     = "Initiative already decided!"
	missingFields      = "Initiative is missing some fields!"
	notOpen            = "Initiative is not open!"
)

// openModeration claims an initiative for the admin and sends its menu to the private chat.
func (d *Dispatcher) openModeration(ctx context.Context, req request, id uint) error {
	req.session.reset()
	refusal, err := d.initiatives.Claim(ctx, id, req.actor())
	switch {
	case errors.Is(err, initiatives.ErrInitiativeNotFound):
		return d.reply(ctx, req, initiativeNotFound)
	case err != nil:
		return err
	case refusal != nil:
		return d.reply(ctx, req, initiatives.ClaimRefusalText(*refusal))
	}
	return d.showModeration(ctx, req, id, "")
}

func (d *Dispatcher) showModeration(ctx context.Context, req request, id uint, top string) error {
	view, err := d.initiatives.Get(ctx, id)
	if errors.Is(err, initiatives.ErrInitiativeNotFound) {
		return d.updateMenu(ctx, req, fanout.Message{Text: initiativeNotFound})
	}
	if err != nil {
		return err
	}
	return d.updateMenu(ctx, req, d.initiatives.MenuMessage(view, top, ""))
}

func (d *Dispatcher) askModerationText(ctx context.Context, req request, prefix string) error {
	current := req.session.flow.moderation
	field, limit := "title", d.initiatives.TitleMaxLen()
	if current.field == initiatives.FieldDescription {
		field, limit = "description", d.initiatives.DescMaxLen()
	}
	req.session.flow.stage = stageModerationText
	return d.updateMenu(ctx, req, fanout.Message{
		Text: fmt.Sprintf("%sEnter a new %s for the initiative in %s (or /cancel) (max %d chars)",
			prefix, field, locale.Icons[current.lang], limit),
		ForceReply: true,
	})
}

func (d *Dispatcher) saveModerationText(ctx context.Context, req request, text string) error {
	current := req.session.flow.moderation
	view, err := d.initiatives.SetText(ctx, current.id, current.lang, current.field, text)
	var lengthErr *initiatives.LengthError
	switch {
	case errors.Is(err, initiatives.ErrEmptyText):
		return nil
	case errors.As(err, &lengthErr):
		return d.askModerationText(ctx, req, "<b>Maximum length is "+strconv.Itoa(lengthErr.Max)+"!</b>\n\n")
	case errors.Is(err, initiatives.ErrInitiativeNotFound):
		req.session.reset()
		return d.reply(ctx, req, initiativeNotFound)
	case errors.Is(err, initiatives.ErrAlreadyDecided):
		req.session.reset()
		return d.showModeration(ctx, req, current.id, "<b>"+alreadyDecided+"</b>")
	case err != nil:
		return err
	}
	req.session.reset()
	return d.updateMenu(ctx, req, d.initiatives.MenuMessage(view, "", ""))
}

// moderationCallback handles the moderation menu buttons. Every press renews the admin's claim.
func (d *Dispatcher) moderationCallback(ctx context.Context, req request) error {
	action, id, ok := initiatives.ParseAdminCallback(req.callback.Data)
	if !ok {
		return d.answer(ctx, req, "", false)
	}
	req.session.flow.stage = stageNone
	view, err := d.initiatives.Get(ctx, id)
	if errors.Is(err, initiatives.ErrInitiativeNotFound) {
		if err := d.answer(ctx, req, initiativeNotFound, false); err != nil {
			return err
		}
		return d.updateMenu(ctx, req, fanout.Message{Text: initiativeNotFound})
	}
	if err != nil {
		return err
	}
	refusal, err := d.initiatives.Claim(ctx, id, req.actor())
	if err != nil {
		return err
	}
	if refusal != nil {
		return d.answer(ctx, req, initiatives.ClaimRefusalText(*refusal), true)
	}

	menu := func(alert string) error {
		if err := d.answer(ctx, req, alert, false); err != nil {
			return err
		}
		return d.updateMenu(ctx, req, d.initiatives.MenuMessage(view, "", ""))
	}
	decided := func(err error) error {
		switch {
		case errors.Is(err, initiatives.ErrAlreadyDecided):
			return d.answer(ctx, req, alreadyDecided, true)
		case errors.Is(err, initiatives.ErrIncomplete):
			return d.answer(ctx, req, missingFields, true)
		case errors.Is(err, initiatives.ErrNotOpen):
			return d.answer(ctx, req, notOpen, true)
		}
		return err
	}

	switch action {
	case initiatives.AdminEditTitleFi, initiatives.AdminEditTitleEn, initiatives.AdminEditDescFi, initiatives.AdminEditDescEn:
		if view.Status != store.InitiativeSubmitted {
			return menu(alreadyDecided)
		}
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		current := moderationFlow{id: id, lang: store.LanguageFinnish, field: initiatives.FieldTitle}
		if action == initiatives.AdminEditTitleEn || action == initiatives.AdminEditDescEn {
			current.lang = store.LanguageEnglish
		}
		if action == initiatives.AdminEditDescFi || action == initiatives.AdminEditDescEn {
			current.field = initiatives.FieldDescription
		}
		req.session.flow.moderation = current
		return d.askModerationText(ctx, req, "")

	case initiatives.AdminApprove, initiatives.AdminUnconst, initiatives.AdminShitpost:
		if view.Status != store.InitiativeSubmitted {
			return menu(alreadyDecided)
		}
		if action == initiatives.AdminApprove && !view.Complete() {
			return d.answer(ctx, req, missingFields, true)
		}
		return d.moderationConfirm(ctx, req, view, action)
	case initiatives.AdminCloseSigns:
		if view.Status != store.InitiativeApproved {
			return menu(notOpen)
		}
		return d.moderationConfirm(ctx, req, view, action)

	case initiatives.AdminApproveConfirm:
		view, err = d.initiatives.Approve(ctx, id)
		if err != nil {
			return decided(err)
		}
		return d.moderationDone(ctx, req, view, "Initiative approved.")
	case initiatives.AdminUnconstConfirm:
		view, err = d.initiatives.MarkUnconstitutional(ctx, id)
		if err != nil {
			return decided(err)
		}
		return d.moderationDone(ctx, req, view, "Marked as unconstitutional.")
	case initiatives.AdminShitpostConfirm:
		view, ban, err := d.initiatives.MarkShitpost(ctx, id)
		if err != nil {
			return decided(err)
		}
		return d.moderationDone(ctx, req, view, fmt.Sprintf("Marked as shitpost. The author is banned for %d minutes.", int(ban.Minutes())))
	case initiatives.AdminCloseSignsConfirm:
		view, err = d.initiatives.Close(ctx, id)
		if err != nil {
			return decided(err)
		}
		return d.moderationDone(ctx, req, view, "Signatures closed.")
	}
	return menu("")
}

func (d *Dispatcher) moderationConfirm(ctx context.Context, req request, view initiatives.View, action initiatives.AdminAction) error {
	if err := d.answer(ctx, req, "", false); err != nil {
		return err
	}
	message, ok := d.initiatives.ConfirmPrompt(view, action)
	if !ok {
		message = d.initiatives.MenuMessage(view, "", "")
	}
	return d.updateMenu(ctx, req, message)
}

func (d *Dispatcher) moderationDone(ctx context.Context, req request, view initiatives.View, notice string) error {
	if err := d.answer(ctx, req, notice, false); err != nil {
		return err
	}
	return d.updateMenu(ctx, req, d.initiatives.MenuMessage(view, "", ""))
}

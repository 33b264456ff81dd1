package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"go.uber.org/zap"
)

const (
	languageCallbackPrefix  = "lang_"
	authoringCallbackPrefix = "init_"

	invalidOptionAlert     = "Internal error - invalid option"
	invalidInitiativeAlert = "Internal error - invalid initiative"
)

func (d *Dispatcher) participantCommand(ctx context.Context, req request, command telegram.Command) error {
	req.session.reset()
	switch command.Name {
	case "start", "aloita", "help":
		return d.start(ctx, req)
	case "language", "kieli":
		return d.sendLanguageChooser(ctx, req, "choose_lang")
	case "absent", "poistu":
		user, err := d.participant(ctx, req, false)
		if user == nil {
			return err
		}
		if _, err := d.users.SetPresent(ctx, *user, false); err != nil {
			return err
		}
		return d.reply(ctx, req, d.locales.For(user.Lang()).Text("absent"))
	}

	user, err := d.participant(ctx, req, true)
	if user == nil {
		return err
	}
	switch command.Name {
	case "current", "aanesta":
		_, err := d.polls.SendCurrent(ctx, *user)
		return err
	case "initiative", "aloite":
		return d.startInitiative(ctx, req, *user)
	case "initiatives", "aloitteet":
		_, err := d.initiatives.Rotate(ctx, *user)
		return err
	case "inotifications", "ailmoitukset":
		enabled, err := d.users.ToggleInitiativeNotifications(ctx, *user)
		if err != nil {
			return err
		}
		key := "init_notifs_off"
		if enabled {
			key = "init_notifs_on"
		}
		return d.reply(ctx, req, d.locales.For(user.Lang()).Text(key))
	}
	return nil
}

// participant returns the registered user behind req. Unregistered users are steered to
// registration and nil is returned. markPresent brings an absent user back.
func (d *Dispatcher) participant(ctx context.Context, req request, markPresent bool) (*store.User, error) {
	user, err := d.users.FindByChat(ctx, req.from.ID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if req.callback != nil {
			key := "register_first"
			if req.session.lang == nil {
				key = "choose_lang_first"
			}
			return nil, d.answer(ctx, req, d.sessionLocale(req).Text(key), true)
		}
		if req.session.lang == nil {
			return nil, d.sendLanguageChooser(ctx, req, "welcome")
		}
		return nil, d.askCode(ctx, req, "enter_code")
	}
	if markPresent && !user.Present {
		changed, err := d.users.SetPresent(ctx, *user, true)
		if err != nil {
			return nil, err
		}
		user.Present = true
		if changed {
			if err := d.reply(ctx, req, d.locales.For(user.Lang()).Text("unabsent")); err != nil {
				return nil, err
			}
		}
	}
	return user, nil
}

func (d *Dispatcher) start(ctx context.Context, req request) error {
	user, err := d.participant(ctx, req, true)
	if user == nil {
		return err
	}
	return d.sendHelp(ctx, req.chat.ID, *user)
}

func (d *Dispatcher) sendLanguageChooser(ctx context.Context, req request, key string) error {
	fi, en := store.LanguageFinnish, store.LanguageEnglish
	return d.send(ctx, req.chat.ID, fanout.Message{
		Text: d.locales.For(fi).Text(key),
		Keyboard: fanout.Keyboard{fanout.Row(
			fanout.Callback(locale.Icons[fi], languageCallbackPrefix+string(fi)),
			fanout.Callback(locale.Icons[en], languageCallbackPrefix+string(en)),
		)},
	})
}

func (d *Dispatcher) chooseLanguage(ctx context.Context, req request) error {
	lang, err := store.ParseLanguage(strings.TrimPrefix(req.callback.Data, languageCallbackPrefix))
	if err != nil {
		return d.answer(ctx, req, "", false)
	}
	if err := d.answer(ctx, req, "", false); err != nil {
		return err
	}
	req.session.lang = &lang
	loc := d.locales.For(lang)
	if ref, ok := req.pressed(); ok {
		if err := d.edit(ctx, ref, fanout.Message{Text: loc.Text("lang_set")}); err != nil {
			return err
		}
	}
	if !req.admin {
		d.setCommands(ctx, req.from.ID, loc)
	}

	user, err := d.users.FindByChat(ctx, req.from.ID)
	if err != nil {
		return err
	}
	if user == nil {
		return d.askCode(ctx, req, "enter_code")
	}
	if err := d.users.SetLanguage(ctx, user.ID, lang); err != nil {
		return err
	}
	user.Language = &lang
	return d.sendHelp(ctx, req.chat.ID, *user)
}

func (d *Dispatcher) setCommands(ctx context.Context, chatID int64, loc locale.Locale) {
	commands := []telegram.BotCommand{
		{Command: "current", Description: loc.Text("cmd_current")},
		{Command: "initiative", Description: loc.Text("cmd_initiative")},
		{Command: "initiatives", Description: loc.Text("cmd_initiatives")},
		{Command: "inotifications", Description: loc.Text("cmd_inotifications")},
		{Command: "absent", Description: loc.Text("cmd_absent")},
		{Command: "language", Description: loc.Text("cmd_language")},
		{Command: "help", Description: loc.Text("cmd_help")},
	}
	if err := d.client.SetChatCommands(ctx, chatID, commands); err != nil {
		d.logger.Warn("command menu not updated", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// askCode prompts for the registration passcode with the message under key.
func (d *Dispatcher) askCode(ctx context.Context, req request, key string) error {
	loc := d.sessionLocale(req)
	req.session.flow = flow{stage: stageCode}
	return d.send(ctx, req.chat.ID, fanout.Message{
		Text:        loc.Text(key),
		ForceReply:  true,
		Placeholder: loc.Text("code_placeholder"),
	})
}

func (d *Dispatcher) saveCode(ctx context.Context, req request, text string) error {
	lang := d.sessionLocale(req).Language()
	user, err := d.users.Register(ctx, text, users.ChatIdentity{
		ChatID:      req.from.ID,
		Username:    req.from.Username,
		DisplayName: req.from.FullName(),
	}, lang)
	switch {
	case errors.Is(err, users.ErrInvalidPasscode):
		return d.askCode(ctx, req, "invalid_code")
	case errors.Is(err, users.ErrPasscodeUsed):
		return d.askCode(ctx, req, "used_code")
	case errors.Is(err, users.ErrAlreadyRegistered):
		req.session.reset()
		return d.start(ctx, req)
	case err != nil:
		return err
	}
	req.session.reset()
	return d.sendHelp(ctx, req.chat.ID, user)
}

func (d *Dispatcher) sendHelp(ctx context.Context, chatID int64, user store.User) error {
	loc := d.locales.For(user.Lang())
	area := ""
	if user.Area != "" {
		area = loc.Format("area", "area", locale.Escape(user.Area))
	}
	notifications := "init_notifs_off"
	if user.InitiativeNotifs {
		notifications = "init_notifs_on"
	}
	return d.send(ctx, chatID, fanout.Message{
		Text: loc.Format("help", "area", area, "initnotif", loc.Text(notifications)),
	})
}

// sessionLocale is the language picked in this session, defaulting to English.
func (d *Dispatcher) sessionLocale(req request) locale.Locale {
	if req.session.lang != nil {
		return d.locales.For(*req.session.lang)
	}
	return d.locales.For(store.LanguageEnglish)
}

// locale is the language of the registered user behind req, or of the session.
func (d *Dispatcher) locale(ctx context.Context, req request) locale.Locale {
	user, err := d.users.FindByChat(ctx, req.from.ID)
	if err == nil && user != nil {
		return d.locales.For(user.Lang())
	}
	return d.sessionLocale(req)
}

func (d *Dispatcher) vote(ctx context.Context, req request) error {
	user, err := d.participant(ctx, req, false)
	if user == nil {
		return err
	}
	action, optionID, ok := polls.ParseCallback(req.callback.Data)
	if !ok {
		return d.answer(ctx, req, invalidOptionAlert, true)
	}
	outcome, err := d.polls.Vote(ctx, polls.VoteRequest{Voter: *user, OptionID: optionID, Action: action})
	switch {
	case errors.Is(err, polls.ErrOptionNotFound), errors.Is(err, polls.ErrPollNotFound):
		return d.answer(ctx, req, invalidOptionAlert, true)
	case err != nil:
		return err
	}
	if err := d.answer(ctx, req, outcome.Alert, outcome.ShowAlert); err != nil {
		return err
	}
	return d.replacePressed(ctx, req, outcome.Message)
}

func (d *Dispatcher) choose(ctx context.Context, req request) error {
	user, err := d.participant(ctx, req, false)
	if user == nil {
		return err
	}
	action, id, ok := initiatives.ParseChoiceCallback(req.callback.Data)
	if !ok {
		return d.answer(ctx, req, invalidInitiativeAlert, true)
	}
	outcome, err := d.initiatives.Choose(ctx, *user, id, action)
	switch {
	case errors.Is(err, initiatives.ErrInitiativeNotFound):
		return d.answer(ctx, req, invalidInitiativeAlert, true)
	case err != nil:
		return err
	}
	if err := d.answer(ctx, req, outcome.Alert, outcome.ShowAlert); err != nil {
		return err
	}
	return d.replacePressed(ctx, req, outcome.Message)
}

func (d *Dispatcher) replacePressed(ctx context.Context, req request, message *fanout.Message) error {
	ref, ok := req.pressed()
	if message == nil || !ok {
		return nil
	}
	return d.edit(ctx, ref, *message)
}

func (d *Dispatcher) clearPressed(ctx context.Context, req request) error {
	ref, ok := req.pressed()
	if !ok {
		return nil
	}
	if err := d.client.ClearKeyboard(ctx, ref); err != nil && !isStale(err) {
		return err
	}
	return nil
}

func (d *Dispatcher) startInitiative(ctx context.Context, req request, user store.User) error {
	refusal, err := d.initiatives.CanCreate(ctx, user)
	if err != nil {
		return err
	}
	if refusal.Refused() {
		return d.reply(ctx, req, d.initiatives.RefusalMessage(refusal, user.Lang()))
	}
	req.session.flow = flow{
		stage:      stageInitiativeTitle,
		initiative: initiativeDraft{id: d.clock().UnixMilli()},
	}
	return d.askInitiativeText(ctx, req, d.locales.For(user.Lang()), "init_title")
}

// askInitiativeText sends a reply prompt for the title or the description, depending on the stage.
func (d *Dispatcher) askInitiativeText(ctx context.Context, req request, loc locale.Locale, key string) error {
	limit, placeholder := d.initiatives.TitleMaxLen(), "init_title_placeholder"
	if req.session.flow.stage == stageInitiativeDesc {
		limit, placeholder = d.initiatives.DescMaxLen(), "init_desc_placeholder"
	}
	return d.send(ctx, req.chat.ID, fanout.Message{
		Text:        loc.Format(key, "length", strconv.Itoa(limit)),
		ForceReply:  true,
		Placeholder: loc.Text(placeholder),
	})
}

func (d *Dispatcher) saveInitiativeText(ctx context.Context, req request, text string) error {
	user, err := d.participant(ctx, req, false)
	if user == nil {
		req.session.reset()
		return err
	}
	loc := d.locales.For(user.Lang())
	draft := &req.session.flow.initiative
	title := req.session.flow.stage == stageInitiativeTitle

	var value string
	if title {
		value, err = d.initiatives.ValidateTitle(text)
	} else {
		value, err = d.initiatives.ValidateDescription(text)
	}
	var lengthErr *initiatives.LengthError
	switch {
	case errors.Is(err, initiatives.ErrEmptyText):
		return nil
	case errors.As(err, &lengthErr):
		key := "init_desc_length"
		if title {
			key = "init_title_length"
		}
		return d.askInitiativeText(ctx, req, loc, key)
	case err != nil:
		return err
	}

	if title {
		draft.title = value
		if !draft.editing {
			req.session.flow.stage = stageInitiativeDesc
			return d.askInitiativeText(ctx, req, loc, "init_desc")
		}
	} else {
		draft.desc = value
	}
	return d.sendCheckup(ctx, req, loc)
}

func (d *Dispatcher) sendCheckup(ctx context.Context, req request, loc locale.Locale) error {
	draft := &req.session.flow.initiative
	draft.editing = true
	req.session.flow.stage = stageInitiativeCheck
	data := func(action string) string {
		return authoringCallbackPrefix + action + ":" + strconv.FormatInt(draft.id, 10)
	}
	return d.send(ctx, req.chat.ID, fanout.Message{
		Text: loc.Format("init_checkup", "title", locale.Escape(draft.title), "desc", locale.Escape(draft.desc)),
		Keyboard: fanout.Keyboard{
			fanout.Row(fanout.Callback(loc.Text("init_send"), data("send"))),
			fanout.Row(
				fanout.Callback(loc.Text("init_edit_title"), data("edit_title")),
				fanout.Callback(loc.Text("init_edit_desc"), data("edit_desc")),
			),
			fanout.Row(fanout.Callback(loc.Text("init_cancel"), data("cancel"))),
		},
	})
}

// authoringCallback handles the checkup buttons. Buttons of an earlier or finished draft only
// point the user to a fresh start.
func (d *Dispatcher) authoringCallback(ctx context.Context, req request) error {
	user, err := d.participant(ctx, req, false)
	if user == nil {
		return err
	}
	loc := d.locales.For(user.Lang())
	name, rawID, _ := strings.Cut(req.callback.Data, ":")
	action := strings.TrimPrefix(name, authoringCallbackPrefix)
	id, parseErr := strconv.ParseInt(rawID, 10, 64)
	current := req.session.flow
	if parseErr != nil || current.stage != stageInitiativeCheck || current.initiative.id != id {
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.replacePressed(ctx, req, &fanout.Message{Text: loc.Text("init_broken")})
	}

	switch action {
	case "send":
		_, refusal, err := d.initiatives.Submit(ctx, *user, initiatives.Draft{
			Title:       current.initiative.title,
			Description: current.initiative.desc,
		})
		if errors.Is(err, initiatives.ErrCreateRefused) {
			return d.answer(ctx, req, d.initiatives.RefusalMessage(refusal, user.Lang()), true)
		}
		if err != nil {
			return err
		}
		req.session.reset()
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.replacePressed(ctx, req, &fanout.Message{Text: loc.Text("init_sent")})
	case "edit_title", "edit_desc":
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		if err := d.clearPressed(ctx, req); err != nil {
			return err
		}
		if action == "edit_title" {
			req.session.flow.stage = stageInitiativeTitle
			return d.askInitiativeText(ctx, req, loc, "init_editing_title")
		}
		req.session.flow.stage = stageInitiativeDesc
		return d.askInitiativeText(ctx, req, loc, "init_editing_desc")
	case "cancel":
		req.session.reset()
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.replacePressed(ctx, req, &fanout.Message{Text: loc.Text("init_canceled")})
	}
	return d.answer(ctx, req, "", false)
}

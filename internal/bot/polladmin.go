package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
)

const (
	pollMenuCallbackPrefix = "np_"
	chooserCallbackPrefix  = "polls:"
)

func pollData(action string, id uint) string {
	return fmt.Sprintf("%s%s:%d", pollMenuCallbackPrefix, action, id)
}

func otherLanguage(lang store.Language) store.Language {
	if lang == store.LanguageFinnish {
		return store.LanguageEnglish
	}
	return store.LanguageFinnish
}

func (d *Dispatcher) startPollCreation(ctx context.Context, req request, election bool) error {
	req.session.reset()
	req.session.flow.poll = pollFlow{election: election}
	return d.askPollQuestion(ctx, req, store.LanguageFinnish)
}

func (d *Dispatcher) askPollQuestion(ctx context.Context, req request, lang store.Language) error {
	req.session.flow.stage = stagePollQuestion
	req.session.flow.poll.lang = lang
	return d.updateMenu(ctx, req, fanout.Message{
		Text:       fmt.Sprintf("Enter the poll question in %s (or /cancel)", locale.Icons[lang]),
		ForceReply: true,
	})
}

func (d *Dispatcher) askPollOptions(ctx context.Context, req request, lang store.Language, prefix string) error {
	req.session.flow.stage = stagePollOptions
	req.session.flow.poll.lang = lang
	return d.updateMenu(ctx, req, fanout.Message{
		Text:       fmt.Sprintf("%sEnter poll options in %s, one per line (or /cancel)", prefix, locale.Icons[lang]),
		ForceReply: true,
	})
}

func (d *Dispatcher) askPollGroup(ctx context.Context, req request, field groupField, prefix string) error {
	title := "voter group"
	description := "This group of users will see the poll and can vote. Send <code>everyone</code> for everyone."
	if field == sourceGroupField {
		title = "candidate group"
		description = "This group of users will be candidates for the election. Send <code>everyone</code> for everyone."
	}
	req.session.flow.stage = stagePollGroup
	req.session.flow.poll.group = field
	return d.updateMenu(ctx, req, fanout.Message{
		Text:       fmt.Sprintf("%sEnter the new %s name (or /cancel).\n\n%s", prefix, title, description),
		ForceReply: true,
	})
}

func (d *Dispatcher) savePollQuestion(ctx context.Context, req request, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	current := &req.session.flow.poll
	if current.id != 0 {
		current.draft.SetText(current.lang, text)
		return d.pollMenu(ctx, req, "", false)
	}
	if current.lang == store.LanguageFinnish {
		current.created.TextFi = text
		return d.askPollQuestion(ctx, req, store.LanguageEnglish)
	}
	current.created.TextEn = text
	if current.election {
		return d.createPoll(ctx, req)
	}
	return d.askPollOptions(ctx, req, store.LanguageFinnish, "")
}

func (d *Dispatcher) savePollOptions(ctx context.Context, req request, text string) error {
	options := polls.ParseOptions(text)
	if len(options) == 0 {
		return nil
	}
	current := &req.session.flow.poll
	other := otherLanguage(current.lang)
	mismatch := fmt.Sprintf("<b>Different number of options than in %s!</b>\n\n", locale.Icons[other])

	if current.id != 0 {
		stored, err := d.polls.Options(ctx, current.id)
		if err != nil {
			return err
		}
		if err := current.draft.SetOptions(current.lang, options, stored); errors.Is(err, polls.ErrOptionCountMismatch) {
			return d.askPollOptions(ctx, req, other, mismatch)
		}
		return d.pollMenu(ctx, req, "", false)
	}

	var otherOptions []string
	if current.lang == store.LanguageFinnish {
		current.created.OptionsFi = options
		otherOptions = current.created.OptionsEn
	} else {
		current.created.OptionsEn = options
		otherOptions = current.created.OptionsFi
	}
	switch {
	case otherOptions == nil:
		return d.askPollOptions(ctx, req, other, "")
	case len(otherOptions) != len(options):
		return d.askPollOptions(ctx, req, other, mismatch)
	}
	return d.createPoll(ctx, req)
}

func (d *Dispatcher) savePollGroup(ctx context.Context, req request, text string) error {
	name := groups.NormalizeName(text)
	if name == "" {
		name = groups.Everyone
	}
	current := &req.session.flow.poll
	if err := groups.ValidateTarget(name); err != nil {
		return d.askPollGroup(ctx, req, current.group, "<b>Invalid group name!</b>\n\n")
	}
	if current.group == sourceGroupField {
		current.draft.SourceGroup = &name
	} else {
		current.draft.VoterGroup = &name
	}
	return d.pollMenu(ctx, req, "", false)
}

func (d *Dispatcher) createPoll(ctx context.Context, req request) error {
	current := &req.session.flow.poll
	newPoll := current.created
	newPoll.Type = store.PollTypeQuestion
	kind := "Poll"
	if current.election {
		newPoll.Type = store.PollTypeElection
		kind = "Election"
	}
	poll, err := d.polls.Create(ctx, req.actor(), newPoll)
	if err != nil {
		return err
	}
	req.session.reset()
	req.session.flow.poll = pollFlow{id: poll.ID, election: poll.IsElection()}
	return d.pollMenu(ctx, req, fmt.Sprintf("<b>%s created! Id:</b> <code>%d</code>", kind, poll.ID), false)
}

func pollMenuText(preview polls.Preview, top, bottom string) string {
	poll := preview.Poll
	var text strings.Builder
	if top != "" {
		text.WriteString(top + "\n\n")
	}
	text.WriteString(locale.Escape(poll.TextFi) + "\n\n" + locale.Escape(poll.TextEn) + "\n\n")
	if !poll.IsElection() {
		if len(preview.Options) == 0 {
			text.WriteString("No options!")
		}
		lines := make([]string, 0, len(preview.Options))
		for _, option := range preview.Options {
			lines = append(lines, "- "+locale.Escape(option.Fi)+" / "+locale.Escape(option.En))
		}
		text.WriteString(strings.Join(lines, "\n") + "\n\n")
	}
	text.WriteString("Voting per area: <b>" + yesNo(poll.PerArea) + "</b>")
	text.WriteString("\nVoting: " + groupLabel(poll.VoterGroup))
	if poll.IsElection() {
		text.WriteString("\nCandidates: " + groupLabel(poll.SourceGroup))
	}
	text.WriteString("\nStatus: <b>" + string(poll.Status) + "</b>")
	if bottom != "" {
		text.WriteString("\n\n" + bottom)
	}
	return text.String()
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func groupLabel(name string) string {
	if name == "" || name == groups.Everyone {
		return "<b>everyone</b>"
	}
	return "<code>" + locale.Escape(name) + "</code>"
}

// pollMenu shows the menu of the poll in the session. Unsaved edits keep the edit menu open.
func (d *Dispatcher) pollMenu(ctx context.Context, req request, top string, forceEdit bool) error {
	current := &req.session.flow.poll
	req.session.flow.stage = stageNone
	preview, err := d.polls.Preview(ctx, current.id, current.draft)
	if errors.Is(err, polls.ErrPollNotFound) {
		req.session.reset()
		return d.updateMenu(ctx, req, fanout.Message{Text: "Poll not found!"})
	}
	if err != nil {
		return err
	}
	if forceEdit || preview.Dirty {
		return d.updateMenu(ctx, req, pollEditMenu(preview, current.id))
	}

	id := current.id
	var keyboard fanout.Keyboard
	switch preview.Poll.Status {
	case store.PollCreated:
		keyboard = append(keyboard,
			fanout.Row(fanout.Callback("Edit", pollData("edit", id))),
			fanout.Row(fanout.Callback("Activate", pollData("activate", id))))
	case store.PollActive:
		keyboard = append(keyboard,
			fanout.Row(fanout.Callback("Close & Results", pollData("close", id))),
			fanout.Row(fanout.Callback("Announce", pollData("announce", id))))
	default:
		keyboard = append(keyboard,
			fanout.Row(fanout.Callback("Reopen", pollData("activate", id))),
			fanout.Row(fanout.Callback("Results", pollData("results", id))))
	}
	return d.updateMenu(ctx, req, fanout.Message{Text: pollMenuText(preview, top, ""), Keyboard: keyboard})
}

func pollEditMenu(preview polls.Preview, id uint) fanout.Message {
	bottom := "<b>What should be edited?</b>"
	var keyboard fanout.Keyboard
	if preview.Dirty {
		bottom = "<b>Unsaved changes!</b>"
		keyboard = append(keyboard, fanout.Row(fanout.Callback("Save changes", pollData("commit", id))))
	}
	keyboard = append(keyboard, fanout.Row(
		fanout.Callback("Question 🇫🇮", pollData("edit_qfi", id)),
		fanout.Callback("Question 🇬🇧", pollData("edit_qen", id)),
	))
	if !preview.Poll.IsElection() {
		keyboard = append(keyboard, fanout.Row(
			fanout.Callback("Options 🇫🇮", pollData("edit_ofi", id)),
			fanout.Callback("Options 🇬🇧", pollData("edit_oen", id)),
		))
	}
	keyboard = append(keyboard, fanout.Row(
		fanout.Callback("Voter group", pollData("edit_vg", id)),
		fanout.Callback("Per-area", pollData("edit_pa", id)),
	))
	if preview.Poll.IsElection() {
		keyboard = append(keyboard, fanout.Row(fanout.Callback("Cand. group", pollData("edit_sg", id))))
	}
	if preview.Dirty {
		keyboard = append(keyboard, fanout.Row(fanout.Callback("Discard changes", pollData("revert", id))))
	} else {
		keyboard = append(keyboard, fanout.Row(fanout.Callback("Cancel", pollData("menu", id))))
	}
	return fanout.Message{Text: pollMenuText(preview, "", bottom), Keyboard: keyboard}
}

func (d *Dispatcher) pollConfirm(ctx context.Context, req request, poll store.Poll, question, yes, confirm string) error {
	if err := d.answer(ctx, req, "", false); err != nil {
		return err
	}
	preview, err := d.polls.Preview(ctx, poll.ID, polls.Draft{})
	if err != nil {
		return err
	}
	return d.updateMenu(ctx, req, fanout.Message{
		Text: pollMenuText(preview, "", question),
		Keyboard: fanout.Keyboard{
			fanout.Row(fanout.Callback(yes, pollData(confirm, poll.ID))),
			fanout.Row(fanout.Callback("Cancel", pollData("menu", poll.ID))),
		},
	})
}

// pollCallback handles the poll menu buttons.
func (d *Dispatcher) pollCallback(ctx context.Context, req request) error {
	name, rawID, _ := strings.Cut(req.callback.Data, ":")
	action := strings.TrimPrefix(name, pollMenuCallbackPrefix)
	parsed, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return d.answer(ctx, req, "", false)
	}
	id := uint(parsed)
	poll, err := d.polls.Get(ctx, id)
	if errors.Is(err, polls.ErrPollNotFound) {
		req.session.reset()
		if err := d.answer(ctx, req, "Poll not found!", false); err != nil {
			return err
		}
		return d.updateMenu(ctx, req, fanout.Message{Text: "Poll not found!"})
	}
	if err != nil {
		return err
	}

	current := &req.session.flow.poll
	if current.id != id {
		*current = pollFlow{id: id}
	}
	current.election = poll.IsElection()
	req.session.flow.stage = stageNone

	editing := strings.HasPrefix(action, "edit") || action == "commit" || action == "revert"
	if !editing {
		current.draft = polls.Draft{}
	}
	if (strings.HasPrefix(action, "edit") || action == "commit") && !polls.Editable(poll) {
		current.draft = polls.Draft{}
		return d.answerThenMenu(ctx, req, "Poll already active!", "")
	}

	switch action {
	case "edit_qfi", "edit_qen":
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		lang := store.LanguageFinnish
		if action == "edit_qen" {
			lang = store.LanguageEnglish
		}
		return d.askPollQuestion(ctx, req, lang)
	case "edit_ofi", "edit_oen":
		if poll.IsElection() {
			return d.answerThenMenu(ctx, req, "Can't edit options on election!", "")
		}
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		lang := store.LanguageFinnish
		if action == "edit_oen" {
			lang = store.LanguageEnglish
		}
		return d.askPollOptions(ctx, req, lang, "")
	case "edit_vg":
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.askPollGroup(ctx, req, voterGroupField, "")
	case "edit_sg":
		if !poll.IsElection() {
			return d.answerThenMenu(ctx, req, "Can't edit candidates on poll!", "")
		}
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.askPollGroup(ctx, req, sourceGroupField, "")
	case "edit_pa":
		current.draft.TogglePerArea(poll)
		return d.answerThenMenu(ctx, req, "", "")
	case "edit":
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.pollMenu(ctx, req, "", true)
	case "revert":
		current.draft = polls.Draft{}
		return d.answerThenMenu(ctx, req, "Edits discarded.", "<b>Edits discarded.</b>")
	case "commit":
		return d.commitPoll(ctx, req, id)
	case "activate", "activate2":
		return d.activatePoll(ctx, req, poll, action == "activate2")
	case "announce", "announce2", "close", "close2":
		if poll.Status != store.PollActive {
			return d.answerThenMenu(ctx, req, "Poll is not active!", "")
		}
		switch action {
		case "announce":
			return d.pollConfirm(ctx, req, poll,
				"<b>Are you sure you want to ANNOUNCE this poll to all voters?</b>", "Yes, announce!", "announce2")
		case "close":
			return d.pollConfirm(ctx, req, poll,
				"<b>Are you sure you want to close this poll and get results?</b>", "Yes, close!", "close2")
		case "announce2":
			if err := d.polls.Announce(ctx, req.actor(), id); err != nil && !errors.Is(err, polls.ErrInvalidTransition) {
				return err
			}
			return d.answerThenMenu(ctx, req, "Poll announced.", "<b>Poll announced.</b>")
		default:
			return d.closePoll(ctx, req, id)
		}
	case "results":
		return d.showResults(ctx, req, id)
	}
	return d.answerThenMenu(ctx, req, "", "")
}

func (d *Dispatcher) answerThenMenu(ctx context.Context, req request, alert, top string) error {
	if err := d.answer(ctx, req, alert, false); err != nil {
		return err
	}
	return d.pollMenu(ctx, req, top, false)
}

func (d *Dispatcher) commitPoll(ctx context.Context, req request, id uint) error {
	current := &req.session.flow.poll
	_, err := d.polls.Commit(ctx, req.actor(), id, current.draft)
	switch {
	case errors.Is(err, polls.ErrNotEditable):
		current.draft = polls.Draft{}
		return d.answerThenMenu(ctx, req, "Poll already active!", "")
	case errors.Is(err, polls.ErrOptionCountMismatch):
		return d.answerThenMenu(ctx, req, "Different number of options in each language!", "")
	case errors.Is(err, groups.ErrInvalidGroupName):
		return d.answerThenMenu(ctx, req, "Invalid group name!", "")
	case errors.Is(err, polls.ErrElectionOptions):
		current.draft = polls.Draft{}
		return d.answerThenMenu(ctx, req, "Can't edit options on election!", "")
	case err != nil:
		return err
	}
	current.draft = polls.Draft{}
	return d.answerThenMenu(ctx, req, "Poll saved.", "<b>Poll saved.</b>")
}

func (d *Dispatcher) activatePoll(ctx context.Context, req request, poll store.Poll, confirmed bool) error {
	if poll.Status == store.PollActive {
		return d.answerThenMenu(ctx, req, "Poll already active!", "")
	}
	if !confirmed {
		question := "<b>Are you sure you want to ACTIVATE this poll?</b>"
		if poll.Status == store.PollClosed {
			question = "<b>Are you sure you want to REOPEN this poll?</b>"
		}
		return d.pollConfirm(ctx, req, poll, question, "Yes, activate!", "activate2")
	}
	transition, err := d.polls.Activate(ctx, req.actor(), poll.ID)
	var refused *polls.ActivationError
	switch {
	case errors.As(err, &refused):
		if err := d.answer(ctx, req, refused.Message, true); err != nil {
			return err
		}
		return d.pollMenu(ctx, req, "<b>Activation failed:</b> "+locale.Escape(refused.Message), false)
	case errors.Is(err, polls.ErrInvalidTransition):
		return d.answerThenMenu(ctx, req, "Poll already active!", "")
	case err != nil:
		return err
	}
	if transition.Reopened {
		return d.answerThenMenu(ctx, req, "Poll reopened.", "<b>Poll reopened.</b>")
	}
	return d.answerThenMenu(ctx, req, "Poll activated.", "<b>Poll activated.</b>")
}

func (d *Dispatcher) closePoll(ctx context.Context, req request, id uint) error {
	results, err := d.polls.Close(ctx, req.actor(), id)
	if errors.Is(err, polls.ErrInvalidTransition) {
		return d.answerThenMenu(ctx, req, "Poll is not active!", "")
	}
	if err != nil {
		return err
	}
	if err := d.answerThenMenu(ctx, req, "Poll closed.", "<b>Poll closed.</b>"); err != nil {
		return err
	}
	return d.reply(ctx, req, results.Text())
}

// showResults replaces the menu with the tabulated results of a closed poll.
func (d *Dispatcher) showResults(ctx context.Context, req request, id uint) error {
	results, err := d.polls.Results(ctx, id)
	if errors.Is(err, polls.ErrNotClosed) {
		return d.answerThenMenu(ctx, req, "Poll is not closed!", "")
	}
	if err != nil {
		return err
	}
	if err := d.answer(ctx, req, "", false); err != nil {
		return err
	}
	req.session.reset()
	return d.updateMenu(ctx, req, fanout.Message{Text: results.Text()})
}

func (d *Dispatcher) pollChooser(ctx context.Context, req request, offset int) error {
	page, err := d.polls.Chooser(ctx, offset)
	if err != nil {
		return err
	}
	if len(page.Polls) == 0 {
		return d.updateMenu(ctx, req, fanout.Message{Text: "No polls yet. Create one with /newpoll or /newelection."})
	}
	keyboard := make(fanout.Keyboard, 0, len(page.Polls)+1)
	for _, poll := range page.Polls {
		keyboard = append(keyboard, fanout.Row(fanout.Callback(poll.TextFi, pollData("menu", poll.ID))))
	}
	var paging []fanout.Button
	if page.Prev >= 0 {
		paging = append(paging, fanout.Callback("<<", chooserCallbackPrefix+strconv.Itoa(page.Prev)))
	}
	if page.Next >= 0 {
		paging = append(paging, fanout.Callback(">>", chooserCallbackPrefix+strconv.Itoa(page.Next)))
	}
	if len(paging) > 0 {
		keyboard = append(keyboard, paging)
	}
	return d.updateMenu(ctx, req, fanout.Message{Text: "Choose a poll to edit.", Keyboard: keyboard})
}

func (d *Dispatcher) pollChooserCallback(ctx context.Context, req request) error {
	offset, err := strconv.Atoi(strings.TrimPrefix(req.callback.Data, chooserCallbackPrefix))
	if err != nil {
		offset = 0
	}
	if err := d.answer(ctx, req, "", false); err != nil {
		return err
	}
	return d.pollChooser(ctx, req, offset)
}

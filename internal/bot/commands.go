package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const adminHelp = `Welcome! Things you can do as admin:

/broadcast group text - broadcast a message to a group
/admin_log - show log of admin actions here
/initiative_log - handle initiatives here
/initiative_alert n... - set signature counts that alert moderators
/initiatives_next - show the next initiative waiting for review
/polls - manage existing polls (only in private chat)
/newpoll - create a poll (only in private chat)
/newelection - create an election (only in private chat)
/groups - list voter groups
/group_add group code... - add seat codes to a group
/group_remove group code... - remove seat codes from a group
/unassign_code code - unassign a seat code from its Telegram user
/start_user - register as a sitsi participant`

const (
	broadcastCallbackPrefix = "bc_"
	broadcastSend           = "send"
	broadcastCancel         = "cancel"
)

// adminCommand runs an admin command. It reports false for commands it does not know so that
// they fall through to the participant commands.
func (d *Dispatcher) adminCommand(ctx context.Context, req request, command telegram.Command) (bool, error) {
	switch command.Name {
	case "start":
		if id, ok := initiatives.ParseAdminStartPayload(command.Args); ok && req.chat.IsPrivate() {
			return true, d.openModeration(ctx, req, id)
		}
		req.session.reset()
		return true, d.reply(ctx, req, adminHelp)
	case "help":
		return true, d.reply(ctx, req, adminHelp)
	case "start_user":
		req.session.reset()
		return true, d.start(ctx, req)
	case "newpoll", "newelection", "polls":
		if !req.chat.IsPrivate() {
			return true, nil
		}
		req.session.reset()
		if command.Name == "polls" {
			return true, d.pollChooser(ctx, req, 0)
		}
		return true, d.startPollCreation(ctx, req, command.Name == "newelection")
	case "admin_log":
		return true, d.setAdminLog(ctx, req)
	case "initiative_log":
		return true, d.setInitiativeLog(ctx, req)
	case "initiative_alert":
		return true, d.setInitiativeAlerts(ctx, req, command.Fields())
	case "initiatives_next":
		return true, d.nextInitiative(ctx, req)
	case "groups":
		return true, d.listGroups(ctx, req)
	case "group_add", "group_remove":
		return true, d.editGroup(ctx, req, command.Fields(), command.Name == "group_add")
	case "unassign_code":
		return true, d.unassignCode(ctx, req, command.Fields())
	case "broadcast":
		req.session.reset()
		return true, d.startBroadcast(ctx, req, command.Args)
	}
	return false, nil
}

func (d *Dispatcher) chatName(req request) string {
	if req.chat.Title != "" {
		return req.chat.Title
	}
	return req.from.FullName()
}

func (d *Dispatcher) setAdminLog(ctx context.Context, req request) error {
	current, err := d.settings.ChatID(ctx, store.KeyAdminLog, 0)
	if err != nil {
		return err
	}
	if current == req.chat.ID {
		return d.reply(ctx, req, "Admin actions are already logged here!")
	}
	if err := d.settings.Set(ctx, store.KeyAdminLog, req.chat.ID); err != nil {
		return err
	}
	if adminLog := d.coordinator.AdminLog(); adminLog != nil {
		adminLog.Post(ctx, req.actor(), fmt.Sprintf("moved the admin log to %s (%d).",
			locale.Escape(d.chatName(req)), req.chat.ID), current)
	}
	return d.reply(ctx, req, "Admin actions will now be logged here.")
}

func (d *Dispatcher) setInitiativeLog(ctx context.Context, req request) error {
	moved, err := d.initiatives.SetLogChat(ctx, req.actor(), req.chat.ID, d.chatName(req))
	if err != nil {
		return err
	}
	if !moved {
		return d.reply(ctx, req, "Initiatives are already handled here!")
	}
	return d.reply(ctx, req, "Initiatives will now be handled here.")
}

func (d *Dispatcher) setInitiativeAlerts(ctx context.Context, req request, args []string) error {
	if len(args) == 0 {
		current, err := d.initiatives.Alerts(ctx)
		if err != nil {
			return err
		}
		return d.reply(ctx, req, "Initiatives alert at "+initiatives.JoinInts(current)+
			" signatures.\nUsage: /initiative_alert n...")
	}
	thresholds := make([]int, 0, len(args))
	for _, arg := range args {
		value, err := strconv.Atoi(strings.Trim(arg, ","))
		if err != nil {
			return d.reply(ctx, req, "Usage: /initiative_alert n... (1-200, at most 10 values)")
		}
		thresholds = append(thresholds, value)
	}
	alerts, err := d.initiatives.SetAlerts(ctx, req.actor(), thresholds)
	if errors.Is(err, initiatives.ErrInvalidAlerts) {
		return d.reply(ctx, req, "Usage: /initiative_alert n... (1-200, at most 10 values)")
	}
	if err != nil {
		return err
	}
	return d.reply(ctx, req, "Initiatives will now alert at "+initiatives.JoinInts(alerts)+" signatures.")
}

func (d *Dispatcher) nextInitiative(ctx context.Context, req request) error {
	next, err := d.initiatives.Next(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return d.reply(ctx, req, "No initiatives are waiting for review.")
	}
	return d.initiatives.SendAdmin(ctx, next.ID, initiatives.AdminSend{Target: req.chat.ID})
}

func (d *Dispatcher) listGroups(ctx context.Context, req request) error {
	sizes, err := d.groups.List(ctx)
	if err != nil {
		return err
	}
	if len(sizes) == 0 {
		return d.reply(ctx, req, "No groups defined.")
	}
	var text strings.Builder
	text.WriteString("<b>Groups:</b>")
	for _, size := range sizes {
		fmt.Fprintf(&text, "\n<code>%s</code>: %d", locale.Escape(size.Name), size.Members)
	}
	return d.reply(ctx, req, text.String())
}

func (d *Dispatcher) editGroup(ctx context.Context, req request, args []string, add bool) error {
	usage := "Usage: /group_remove group code..."
	if add {
		usage = "Usage: /group_add group code..."
	}
	if len(args) < 2 {
		return d.reply(ctx, req, usage)
	}
	group := groups.NormalizeName(args[0])
	switch err := groups.ValidateName(group); {
	case errors.Is(err, groups.ErrReservedGroup):
		return d.reply(ctx, req, "<b>That group is automatic and cannot be edited.</b>")
	case err != nil:
		return d.reply(ctx, req, "<b>Invalid group name!</b> Use a-z, 0-9, _ and -.")
	}

	found, missing, err := d.users.FindByPasscodes(ctx, args[1:])
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(found))
	for _, user := range found {
		ids = append(ids, user.ID)
	}
	var changed int
	if add {
		changed, err = d.groups.Add(ctx, group, ids...)
	} else {
		changed, err = d.groups.Remove(ctx, group, ids...)
	}
	if err != nil {
		return err
	}

	verb, preposition := "removed", "from"
	if add {
		verb, preposition = "added", "to"
	}
	d.coordinator.Log(ctx, req.actor(), fmt.Sprintf("%s %d users %s group <code>%s</code>.",
		verb, changed, preposition, locale.Escape(group)))
	text := fmt.Sprintf("%s %d users %s <code>%s</code>.", capitalize(verb), changed, preposition, locale.Escape(group))
	if len(missing) > 0 {
		text += "\n<b>Unknown codes:</b> " + locale.Escape(strings.Join(missing, ", "))
	}
	return d.reply(ctx, req, text)
}

func capitalize(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

func (d *Dispatcher) unassignCode(ctx context.Context, req request, args []string) error {
	if len(args) != 1 {
		return d.reply(ctx, req, "Usage: /unassign_code code")
	}
	user, err := d.users.UnassignCode(ctx, args[0])
	if errors.Is(err, users.ErrInvalidPasscode) {
		return d.reply(ctx, req, "Invalid code!")
	}
	if err != nil {
		return err
	}
	if user.ChatUserID == nil {
		return d.reply(ctx, req, fmt.Sprintf("Code <code>%s</code> (%s) was not assigned.",
			locale.Escape(user.Passcode), locale.Escape(user.Name)))
	}
	delete(d.sessions, *user.ChatUserID)
	d.coordinator.Log(ctx, req.actor(), fmt.Sprintf("unassigned code <code>%s</code> (%s) from its Telegram user.",
		locale.Escape(user.Passcode), locale.Escape(user.Name)))
	return d.reply(ctx, req, fmt.Sprintf("Unassigned code <code>%s</code> (%s).",
		locale.Escape(user.Passcode), locale.Escape(user.Name)))
}

// startBroadcast parses "group text". Without text, a private chat is asked for it.
func (d *Dispatcher) startBroadcast(ctx context.Context, req request, args string) error {
	group, text := args, ""
	if split := strings.IndexFunc(args, unicode.IsSpace); split >= 0 {
		group, text = args[:split], strings.TrimSpace(args[split:])
	}
	group = groups.NormalizeName(group)
	if group == "" {
		return d.reply(ctx, req, "Usage: /broadcast group text\nUse <code>everyone</code> to reach all present users.")
	}
	if err := groups.ValidateTarget(group); err != nil {
		return d.reply(ctx, req, "<b>Invalid group name!</b>")
	}
	req.session.flow.broadcast = broadcastFlow{id: uuid.NewString(), group: group}
	if text == "" {
		if !req.chat.IsPrivate() {
			return d.reply(ctx, req, "Usage: /broadcast group text")
		}
		req.session.flow.stage = stageBroadcastText
		return d.send(ctx, req.chat.ID, fanout.Message{
			Text:       fmt.Sprintf("Enter the message to broadcast to <code>%s</code> (or /cancel)", locale.Escape(group)),
			ForceReply: true,
		})
	}
	return d.previewBroadcast(ctx, req, text)
}

func (d *Dispatcher) saveBroadcastText(ctx context.Context, req request, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	req.session.flow.stage = stageNone
	return d.previewBroadcast(ctx, req, text)
}

func (d *Dispatcher) previewBroadcast(ctx context.Context, req request, text string) error {
	current := &req.session.flow.broadcast
	current.text = text
	members, err := d.groups.Members(ctx, current.group)
	if err != nil {
		return err
	}
	return d.send(ctx, req.chat.ID, fanout.Message{
		Text: fmt.Sprintf("<b>Broadcast to</b> <code>%s</code> <b>(%d users):</b>\n\n%s",
			locale.Escape(current.group), len(members), locale.Escape(text)),
		Keyboard: fanout.Keyboard{fanout.Row(
			fanout.Callback("Send", broadcastCallbackPrefix+broadcastSend+":"+current.id),
			fanout.Callback("Cancel", broadcastCallbackPrefix+broadcastCancel+":"+current.id),
		)},
	})
}

func (d *Dispatcher) broadcastCallback(ctx context.Context, req request) error {
	action, id, _ := strings.Cut(strings.TrimPrefix(req.callback.Data, broadcastCallbackPrefix), ":")
	current := req.session.flow.broadcast
	if current.id == "" || current.id != id || current.text == "" {
		if err := d.answer(ctx, req, "This broadcast has expired.", true); err != nil {
			return err
		}
		return d.clearPressed(ctx, req)
	}
	req.session.reset()
	if action != broadcastSend {
		if err := d.answer(ctx, req, "", false); err != nil {
			return err
		}
		return d.updateMenu(ctx, req, fanout.Message{Text: "<b>Broadcast cancelled.</b>"})
	}

	targets, err := d.groups.Members(ctx, current.group)
	if err != nil {
		return err
	}
	if err := d.answer(ctx, req, "Sending...", false); err != nil {
		return err
	}
	actor := req.actor()
	text := locale.Escape(current.text)
	d.coordinator.Log(ctx, actor, fmt.Sprintf("broadcast to <code>%s</code>:\n\n%s", locale.Escape(current.group), text))
	err = d.scheduler.Submit("broadcast "+current.id, func(ctx context.Context) error {
		d.coordinator.Deliver(ctx, fanout.Batch{
			Mode:    fanout.Broadcast,
			Targets: targets,
			Render: func(context.Context, store.User) (fanout.Message, error) {
				return fanout.Message{Text: text}, nil
			},
			Report: func(summary fanout.Summary) string {
				return fmt.Sprintf("Broadcast to <code>%s</code> sent successfully to %d of %d present users. %d absent users skipped.",
					locale.Escape(current.group), summary.Succeeded, summary.Attempted, summary.Absent)
			},
			Unrecorded: true,
		})
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("broadcast scheduled",
		zap.String("broadcast_id", current.id),
		zap.String("group", current.group),
		zap.Int("targets", len(targets)))
	return d.updateMenu(ctx, req, fanout.Message{Text: "<b>Broadcast sent.</b>\n\n" + text})
}

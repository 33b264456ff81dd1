package initiatives

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/modlock"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AdminAction is a button of the moderation menu.
type AdminAction string

const (
	AdminMenu              AdminAction = "menu"
	AdminEditTitleFi       AdminAction = "edit_tfi"
	AdminEditTitleEn       AdminAction = "edit_ten"
	AdminEditDescFi        AdminAction = "edit_dfi"
	AdminEditDescEn        AdminAction = "edit_den"
	AdminApprove           AdminAction = "approve"
	AdminApproveConfirm    AdminAction = "approve2"
	AdminUnconst           AdminAction = "unconst"
	AdminUnconstConfirm    AdminAction = "unconst2"
	AdminShitpost          AdminAction = "shitpost"
	AdminShitpostConfirm   AdminAction = "shitpost2"
	AdminCloseSigns        AdminAction = "close"
	AdminCloseSignsConfirm AdminAction = "close2"
)

const adminCallbackPrefix = "iadm_"

// AdminCallbackData encodes a moderation button payload.
func AdminCallbackData(action AdminAction, id uint) string {
	return fmt.Sprintf("%s%s:%d", adminCallbackPrefix, action, id)
}

// ParseAdminCallback decodes a moderation button payload.
func ParseAdminCallback(data string) (AdminAction, uint, bool) {
	action, id, ok := parseCallback(data, adminCallbackPrefix)
	return AdminAction(action), id, ok
}

// IsAdminCallback reports whether data belongs to a moderation button.
func IsAdminCallback(data string) bool {
	return strings.HasPrefix(data, adminCallbackPrefix)
}

// AdminStartPayload is the deep-link payload that opens the moderation menu in a private chat.
func AdminStartPayload(id uint) string {
	return fmt.Sprintf("init_adm_%d", id)
}

// ParseAdminStartPayload decodes AdminStartPayload.
func ParseAdminStartPayload(payload string) (uint, bool) {
	raw, found := strings.CutPrefix(payload, "init_adm_")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	return uint(id), err == nil
}

func parseCallback(data, prefix string) (string, uint, bool) {
	name, rawID, found := strings.Cut(data, ":")
	if !found || !strings.HasPrefix(name, prefix) {
		return "", 0, false
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return strings.TrimPrefix(name, prefix), uint(id), true
}

// Field is an editable text field of an initiative.
type Field int

const (
	FieldTitle Field = iota
	FieldDescription
)

// AdminText renders the moderation view of an initiative. A non-empty bottom replaces the status line.
func AdminText(view View, top, bottom string, fresh bool) string {
	parts := make([]string, 0, 5)
	if top != "" {
		parts = append(parts, top)
	}
	heading := "Initiative by"
	if fresh {
		heading = "New initiative by"
	}
	parts = append(parts, fmt.Sprintf("<b>%s %s</b>", heading, locale.Escape(view.AuthorName)))
	for _, lang := range store.Languages {
		var item strings.Builder
		fmt.Fprintf(&item, "<b>%s</b>\n", locale.Icons[lang])
		if title := view.Title(lang); title != "" {
			fmt.Fprintf(&item, "<b>%s</b>\n", locale.Escape(title))
		} else {
			item.WriteString("<b><i>title missing</i></b>\n")
		}
		if desc := view.Description(lang); desc != "" {
			item.WriteString(locale.Escape(desc))
		} else {
			item.WriteString("<i>description missing</i>")
		}
		parts = append(parts, item.String())
	}
	switch {
	case bottom != "":
	case view.Status == store.InitiativeApproved:
		bottom = fmt.Sprintf("<b>This initiative is approved and can be voted on.</b>\n<b>Signatures: %d</b>", view.SignCount)
	case view.Status == store.InitiativeUnconst:
		bottom = "<b>This initiative was marked as unconstitutional.</b>"
	case view.Status == store.InitiativeShitpost:
		bottom = "<b>This initiative was marked as a shitpost.</b>"
	case view.Status == store.InitiativeClosed:
		bottom = fmt.Sprintf("<b>This initiative has been closed for signatures.</b>\n<b>Signatures: %d</b>", view.SignCount)
	}
	if bottom != "" {
		parts = append(parts, bottom)
	}
	return strings.Join(parts, "\n\n")
}

// AdminKeyboard returns the moderation buttons. Group chats only get a link to a private chat.
func (p *Pipeline) AdminKeyboard(view View, private bool) fanout.Keyboard {
	if !private {
		return fanout.Keyboard{
			fanout.Row(fanout.Link("Handle in private chat", fmt.Sprintf("%s?start=%s", p.botLink, AdminStartPayload(view.ID)))),
		}
	}
	switch view.Status {
	case store.InitiativeApproved:
		return fanout.Keyboard{fanout.Row(fanout.Callback("Close signatures", AdminCallbackData(AdminCloseSigns, view.ID)))}
	case store.InitiativeSubmitted:
		return fanout.Keyboard{
			fanout.Row(
				fanout.Callback("Title 🇫🇮", AdminCallbackData(AdminEditTitleFi, view.ID)),
				fanout.Callback("Title 🇬🇧", AdminCallbackData(AdminEditTitleEn, view.ID)),
			),
			fanout.Row(
				fanout.Callback("Description 🇫🇮", AdminCallbackData(AdminEditDescFi, view.ID)),
				fanout.Callback("Description 🇬🇧", AdminCallbackData(AdminEditDescEn, view.ID)),
			),
			fanout.Row(fanout.Callback("Approve", AdminCallbackData(AdminApprove, view.ID))),
			fanout.Row(fanout.Callback("Unconstitutional", AdminCallbackData(AdminUnconst, view.ID))),
			fanout.Row(fanout.Callback("Shitpost", AdminCallbackData(AdminShitpost, view.ID))),
		}
	default:
		return nil
	}
}

// MenuMessage renders the private moderation menu.
func (p *Pipeline) MenuMessage(view View, top, bottom string) fanout.Message {
	return fanout.Message{Text: AdminText(view, top, bottom, false), Keyboard: p.AdminKeyboard(view, true)}
}

// ConfirmPrompt renders the second step of a consequential moderation action.
func (p *Pipeline) ConfirmPrompt(view View, action AdminAction) (fanout.Message, bool) {
	var question, yes string
	var confirm AdminAction
	switch action {
	case AdminApprove:
		question = "<b>Are you sure you want to APPROVE this initiative?</b> (i.e. publish to voters)"
		yes, confirm = "Yes, approve!", AdminApproveConfirm
	case AdminUnconst:
		question = "<b>Are you sure you want to mark this initiative as UNCONSTITUTIONAL?</b> " +
			"(i.e. not a shitpost, but not implementable in sitsit)"
		yes, confirm = "Yes, mark!", AdminUnconstConfirm
	case AdminShitpost:
		question = "<b>Are you sure you want to mark this initiative as a SHITPOST?</b> " +
			"(i.e. spam or very clearly unimplementable)"
		yes, confirm = "Yes, SHITPOST!", AdminShitpostConfirm
	case AdminCloseSigns:
		question = "<b>Are you sure you want to CLOSE signatures for this initiative?</b>"
		yes, confirm = "Yes, close!", AdminCloseSignsConfirm
	default:
		return fanout.Message{}, false
	}
	return fanout.Message{
		Text: AdminText(view, "", question, false),
		Keyboard: fanout.Keyboard{
			fanout.Row(fanout.Callback(yes, AdminCallbackData(confirm, view.ID))),
			fanout.Row(fanout.Callback("Cancel", AdminCallbackData(AdminMenu, view.ID))),
		},
	}, true
}

// Claim records admin as the handler of an initiative's menu. A refusal names the current holder.
func (p *Pipeline) Claim(ctx context.Context, id uint, admin fanout.Actor) (*modlock.Refusal, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	return p.locks.Claim(ctx, id, admin.ChatID, admin.Name)
}

// ClaimRefusalText renders a refused claim for the requesting admin.
func ClaimRefusalText(refusal modlock.Refusal) string {
	return fmt.Sprintf("This initiative is currently being handled by %s. Try again in %d seconds.",
		locale.Escape(refusal.Holder.Name), refusal.Seconds)
}

// SetText replaces one field of a submitted initiative.
func (p *Pipeline) SetText(ctx context.Context, id uint, lang store.Language, field Field, text string) (View, error) {
	var err error
	if field == FieldTitle {
		text, err = p.ValidateTitle(text)
	} else {
		text, err = p.ValidateDescription(text)
	}
	if err != nil {
		return View{}, err
	}
	column := "title_" + string(lang)
	if field == FieldDescription {
		column = "desc_" + string(lang)
	}
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		initiative, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if initiative.Status != store.InitiativeSubmitted {
			return ErrAlreadyDecided
		}
		return tx.Model(&store.Initiative{}).Where("id = ?", id).Update(column, text).Error
	})
	switch {
	case errors.Is(err, ErrInitiativeNotFound), errors.Is(err, ErrAlreadyDecided):
		return View{}, err
	case err != nil:
		p.logError(opEdit, "update_failed", err, zap.Uint("initiative_id", id))
		return View{}, newServiceError(opEdit, "update_failed", err)
	}
	return p.Get(ctx, id)
}

// Approve publishes a submitted initiative. The author is counted as its first signer.
func (p *Pipeline) Approve(ctx context.Context, id uint) (View, error) {
	view, err := p.decide(ctx, id, store.InitiativeApproved, func(tx *gorm.DB, initiative store.Initiative) error {
		if !initiative.Complete() {
			return ErrIncomplete
		}
		authorSignature := store.InitiativeChoice{
			UserID:       initiative.UserID,
			InitiativeID: initiative.ID,
			PassCount:    store.SignedSentinel,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&authorSignature).Error; err != nil {
			return err
		}
		_, err := recountSignatures(tx, initiative.ID)
		return err
	})
	if err != nil {
		return View{}, err
	}
	p.notifyAuthor(ctx, view, "init_published")
	p.schedule(fmt.Sprintf("broadcast initiative %d", id), func(ctx context.Context) error {
		return p.broadcast(ctx, id)
	})
	p.afterDecision(ctx, view)
	return view, nil
}

// MarkUnconstitutional rejects a submitted initiative without penalty.
func (p *Pipeline) MarkUnconstitutional(ctx context.Context, id uint) (View, error) {
	view, err := p.decide(ctx, id, store.InitiativeUnconst, nil)
	if err != nil {
		return View{}, err
	}
	p.notifyAuthor(ctx, view, "init_unconstitutional")
	p.afterDecision(ctx, view)
	return view, nil
}

// MarkShitpost rejects a submitted initiative and bans its author from creating new ones. The
// ban grows with the author's lifetime shitpost count.
func (p *Pipeline) MarkShitpost(ctx context.Context, id uint) (View, time.Duration, error) {
	var ban time.Duration
	view, err := p.decide(ctx, id, store.InitiativeShitpost, func(tx *gorm.DB, initiative store.Initiative) error {
		var count int64
		err := tx.Model(&store.Initiative{}).
			Where("user_id = ? AND status = ?", initiative.UserID, store.InitiativeShitpost).
			Count(&count).Error
		if err != nil {
			return err
		}
		ban = p.banFor(int(count))
		until := p.now().Add(ban)
		return tx.Model(&store.User{}).Where("id = ?", initiative.UserID).Update("initiative_ban_until", until).Error
	})
	if err != nil {
		return View{}, 0, err
	}
	minutes := strconv.Itoa(int(ban / time.Minute))
	if view.AuthorChatID != nil {
		loc := p.locales.For(view.AuthorLang())
		text := loc.Format("init_shitpost",
			"title", locale.Escape(view.PreferredTitle(loc.Language())),
			"ban", loc.Format("init_banned", "mins", minutes))
		if _, err := p.coordinator.Transport().SendMessage(ctx, *view.AuthorChatID, fanout.Message{Text: text}); err != nil {
			p.coordinator.Report(ctx, fmt.Errorf("initiatives: notify author of %d: %w", id, err))
		}
	}
	p.afterDecision(ctx, view)
	return view, ban, nil
}

// banFor returns the ban after the author's count-th shitpost, clamped to the last table entry.
func (p *Pipeline) banFor(count int) time.Duration {
	index := min(max(count, 1), len(p.shitpostBans)) - 1
	return time.Duration(p.shitpostBans[index]) * time.Minute
}

// decide moves a submitted initiative to status. extra runs inside the same transaction after
// the status check.
func (p *Pipeline) decide(ctx context.Context, id uint, status store.InitiativeStatus, extra func(*gorm.DB, store.Initiative) error) (View, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		initiative, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if initiative.Status != store.InitiativeSubmitted {
			return ErrAlreadyDecided
		}
		if err := tx.Model(&store.Initiative{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			return err
		}
		initiative.Status = status
		if extra != nil {
			return extra(tx, initiative)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrInitiativeNotFound), errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrIncomplete):
		return View{}, err
	case err != nil:
		p.logError(opDecide, "update_failed", err, zap.Uint("initiative_id", id), zap.String("status", string(status)))
		return View{}, newServiceError(opDecide, "update_failed", err)
	}
	p.publish(ctx, events.TypeInitiativeDecided, id, map[string]any{"status": string(status)})
	return p.Get(ctx, id)
}

func (p *Pipeline) notifyAuthor(ctx context.Context, view View, key string) {
	if view.AuthorChatID == nil {
		return
	}
	loc := p.locales.For(view.AuthorLang())
	text := loc.Format(key, "title", locale.Escape(view.PreferredTitle(loc.Language())))
	if _, err := p.coordinator.Transport().SendMessage(ctx, *view.AuthorChatID, fanout.Message{Text: text}); err != nil {
		p.coordinator.Report(ctx, fmt.Errorf("initiatives: notify author of %d: %w", view.ID, err))
	}
}

func (p *Pipeline) afterDecision(ctx context.Context, view View) {
	if err := p.SendNextAdmin(ctx, true, 0); err != nil {
		p.coordinator.Report(ctx, err)
	}
	p.schedule(fmt.Sprintf("refresh initiative %d admin messages", view.ID), func(ctx context.Context) error {
		return p.refreshAdmin(ctx, view.ID)
	})
}

// Close stops signature collection of an approved initiative.
func (p *Pipeline) Close(ctx context.Context, id uint) (View, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		initiative, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if initiative.Status != store.InitiativeApproved {
			return ErrNotOpen
		}
		return tx.Model(&store.Initiative{}).Where("id = ?", id).Update("status", store.InitiativeClosed).Error
	})
	switch {
	case errors.Is(err, ErrInitiativeNotFound), errors.Is(err, ErrNotOpen):
		return View{}, err
	case err != nil:
		p.logError(opClose, "update_failed", err, zap.Uint("initiative_id", id))
		return View{}, newServiceError(opClose, "update_failed", err)
	}
	view, err := p.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	p.publish(ctx, events.TypeInitiativeClosed, id, map[string]any{"signatures": view.SignCount})
	p.schedule(fmt.Sprintf("refresh initiative %d admin messages", id), func(ctx context.Context) error {
		return p.refreshAdmin(ctx, id)
	})
	p.schedule(fmt.Sprintf("close initiative %d", id), func(ctx context.Context) error {
		return p.closePass(ctx, id)
	})
	return view, nil
}

// AdminSend controls SendAdmin.
type AdminSend struct {
	// Auto refuses to post while another submitted initiative is already shown to admins.
	Auto bool
	// Target overrides the initiative log chat when non-zero.
	Target int64
	// Milestone, when set, replaces earlier group chat posts and announces the signature count.
	Milestone *int
}

// SendAdmin posts an initiative to the moderation chat and records it in the ledger.
func (p *Pipeline) SendAdmin(ctx context.Context, id uint, options AdminSend) error {
	view, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if options.Auto {
		busy, err := p.coordinator.Ledger().HasAdminPromptForSubmitted(ctx)
		if err != nil {
			p.logError(opAdminSend, "query_failed", err)
			return newServiceError(opAdminSend, "query_failed", err)
		}
		if busy {
			return nil
		}
	}
	top := ""
	if options.Milestone != nil {
		entries, err := p.coordinator.Ledger().Admin(ctx, fanout.InitiativeSource(id))
		if err != nil {
			return newServiceError(opAdminSend, "query_failed", err)
		}
		groupEntries := entries[:0]
		for _, entry := range entries {
			if entry.ChatID < 0 {
				groupEntries = append(groupEntries, entry)
			}
		}
		p.coordinator.DeleteAll(ctx, groupEntries)
		top = fmt.Sprintf("Initiative has %d signatures!", *options.Milestone)
	}
	target := options.Target
	if target == 0 {
		target, err = p.settings.ChatID(ctx, store.KeyInitiativeLog, p.primaryAdmin)
		if err != nil {
			return newServiceError(opAdminSend, "settings_failed", err)
		}
	}
	message := fanout.Message{
		Text:     AdminText(view, top, "", options.Auto),
		Keyboard: p.AdminKeyboard(view, target > 0),
	}
	ref, err := p.coordinator.Transport().SendMessage(ctx, target, message)
	if err != nil {
		p.logError(opAdminSend, "send_failed", err, zap.Uint("initiative_id", id), zap.Int64("chat_id", target))
		return newServiceError(opAdminSend, "send_failed", err)
	}
	if err := p.coordinator.Ledger().Record(ctx, ref, fanout.InitiativeSource(id), nil, store.LanguageEnglish, true); err != nil {
		return newServiceError(opAdminSend, "record_failed", err)
	}
	return nil
}

// SendNextAdmin posts the oldest submitted initiative, if any.
func (p *Pipeline) SendNextAdmin(ctx context.Context, auto bool, target int64) error {
	next, err := p.Next(ctx)
	if err != nil {
		p.logError(opAdminSend, "query_failed", err)
		return newServiceError(opAdminSend, "query_failed", err)
	}
	if next == nil {
		return nil
	}
	return p.SendAdmin(ctx, next.ID, AdminSend{Auto: auto, Target: target})
}

func (p *Pipeline) refreshAdmin(ctx context.Context, id uint) error {
	view, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	entries, err := p.coordinator.Ledger().Admin(ctx, fanout.InitiativeSource(id))
	if err != nil {
		return err
	}
	text := AdminText(view, "", "", false)
	p.coordinator.EditAll(ctx, entries, func(entry fanout.Entry) (fanout.Message, error) {
		return fanout.Message{Text: text, Keyboard: p.AdminKeyboard(view, entry.ChatID > 0)}, nil
	})
	return nil
}

const maxAlerts = 10

// SetAlerts replaces the signature milestones that alert moderators.
func (p *Pipeline) SetAlerts(ctx context.Context, actor fanout.Actor, thresholds []int) ([]int, error) {
	seen := make(map[int]bool, len(thresholds))
	alerts := make([]int, 0, len(thresholds))
	for _, threshold := range thresholds {
		if threshold < 1 || threshold > 200 {
			return nil, ErrInvalidAlerts
		}
		if !seen[threshold] {
			seen[threshold] = true
			alerts = append(alerts, threshold)
		}
	}
	if len(alerts) == 0 || len(alerts) > maxAlerts {
		return nil, ErrInvalidAlerts
	}
	sort.Ints(alerts)
	if err := p.settings.Set(ctx, store.KeyInitiativeAlerts, alerts); err != nil {
		p.logError(opSettings, "update_failed", err)
		return nil, newServiceError(opSettings, "update_failed", err)
	}
	p.coordinator.Log(ctx, actor, fmt.Sprintf("set the initiative alert limits to %s.", JoinInts(alerts)))
	return alerts, nil
}

// Alerts returns the configured signature milestones.
func (p *Pipeline) Alerts(ctx context.Context) ([]int, error) {
	return p.settings.Ints(ctx, store.KeyInitiativeAlerts, p.defaultAlerts)
}

// SetLogChat moves moderation to chat and posts the next submitted initiative there. It reports
// whether the moderation chat changed.
func (p *Pipeline) SetLogChat(ctx context.Context, actor fanout.Actor, chatID int64, chatName string) (bool, error) {
	current, err := p.settings.ChatID(ctx, store.KeyInitiativeLog, p.primaryAdmin)
	if err != nil {
		return false, newServiceError(opSettings, "settings_failed", err)
	}
	moved := current != chatID
	if moved {
		if err := p.settings.Set(ctx, store.KeyInitiativeLog, chatID); err != nil {
			p.logError(opSettings, "update_failed", err)
			return false, newServiceError(opSettings, "update_failed", err)
		}
		if chatName == "" {
			chatName = "unnamed"
		}
		if adminLog := p.coordinator.AdminLog(); adminLog != nil {
			adminLog.Post(ctx, actor, fmt.Sprintf("moved initiative handling to %s (%d).", locale.Escape(chatName), chatID), current)
		}
	}
	return moved, p.SendNextAdmin(ctx, false, chatID)
}

// JoinInts formats numbers as a comma separated list.
func JoinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		parts = append(parts, strconv.Itoa(value))
	}
	return strings.Join(parts, ", ")
}

// Package router turns inbound Telegram updates into replies: slash commands,
// inline-keyboard callbacks, and free text. Every interaction also keeps the
// subscriber directory current and records an inbound message row.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/oklog/ulid/v2"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/metrics"
	"github.com/perkhub/loyalbot/internal/telegram"
)

const stopReply = "You're unsubscribed. Send /start anytime to hear from us again."

// Sender is the slice of provider behavior the router needs to reply.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, keyboard [][]telegram.Button) (int64, error)
	AnswerCallback(ctx context.Context, callbackQueryID, text string) error
}

// ClickRecorder receives campaign button taps. Implemented by the delivery
// tracker; a nil recorder disables click tracking.
type ClickRecorder interface {
	RecordClick(ctx context.Context, tenantID string, providerMsgID int64) error
}

// Router handles updates for all tenant bots. It is safe for concurrent use.
type Router struct {
	store    database.Store
	sessions *Sessions
	clicks   ClickRecorder
	messages config.MessagesConfig
	logger   *slog.Logger
}

// New creates a Router. clicks may be nil.
func New(store database.Store, sessions *Sessions, clicks ClickRecorder, messages config.MessagesConfig, logger *slog.Logger) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		clicks:   clicks,
		messages: messages,
		logger:   logger.With("component", "router"),
	}
}

// HandleUpdate routes one update for a tenant. Errors never propagate to the
// transport: the subscriber gets a generic apology and the cause is logged.
func (r *Router) HandleUpdate(ctx context.Context, tenantID string, sender Sender, update *tgmodels.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "Panic while handling update",
				"tenant_id", tenantID, "panic", rec)
			metrics.UpdatesProcessed.WithLabelValues(tenantID, "error").Inc()
			if chatID := updateChatID(update); chatID != 0 {
				_, _ = sender.SendText(ctx, chatID, r.messages.GeneralError, nil)
			}
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, tenantID, sender, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		r.handleMessage(ctx, tenantID, sender, update.Message)
	default:
		metrics.UpdatesProcessed.WithLabelValues(tenantID, "ignored").Inc()
	}
}

func (r *Router) handleMessage(ctx context.Context, tenantID string, sender Sender, msg *tgmodels.Message) {
	chatID := msg.Chat.ID
	sub, err := r.store.UpsertSubscriber(ctx, subscriberFromMessage(tenantID, msg))
	if err != nil {
		r.failUpdate(ctx, tenantID, sender, chatID, "failed to upsert subscriber", err)
		return
	}
	r.recordInbound(ctx, sub, msg.Text)

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, tenantID, sender, sub, text)
		return
	}
	r.handleFreeText(ctx, tenantID, sender, sub, text)
}

func (r *Router) handleCommand(ctx context.Context, tenantID string, sender Sender, sub *database.Subscriber, text string) {
	name := strings.ToLower(strings.TrimPrefix(strings.Fields(text)[0], "/"))
	// Commands in group chats arrive as /name@botname.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}

	chatID := sub.ChatID
	metrics.UpdatesProcessed.WithLabelValues(tenantID, "command").Inc()

	switch name {
	case "start":
		r.handleStart(ctx, tenantID, sender, sub)
		return
	case "stop":
		if err := r.store.SetSubscribed(ctx, tenantID, chatID, false); err != nil {
			r.failUpdate(ctx, tenantID, sender, chatID, "failed to unsubscribe", err)
			return
		}
		r.reply(ctx, tenantID, sender, chatID, stopReply, nil)
		return
	case "help":
		r.handleHelp(ctx, tenantID, sender, chatID)
		return
	}

	settings, err := r.store.GetBotSettings(ctx, tenantID)
	if err != nil {
		r.failUpdate(ctx, tenantID, sender, chatID, "failed to load settings", err)
		return
	}
	if settings != nil && !settings.CommandsEnabled {
		r.reply(ctx, tenantID, sender, chatID, r.messages.DefaultReply, nil)
		return
	}

	commands, err := LoadCommands(ctx, r.store, tenantID, r.logger)
	if err != nil {
		r.failUpdate(ctx, tenantID, sender, chatID, "failed to load commands", err)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		r.reply(ctx, tenantID, sender, chatID, r.messages.DefaultReply, nil)
		return
	}
	r.executeCommand(ctx, tenantID, sender, sub, cmd)
}

func (r *Router) handleStart(ctx context.Context, tenantID string, sender Sender, sub *database.Subscriber) {
	if err := r.store.SetSubscribed(ctx, tenantID, sub.ChatID, true); err != nil {
		r.failUpdate(ctx, tenantID, sender, sub.ChatID, "failed to subscribe", err)
		return
	}

	welcome := ""
	settings, err := r.store.GetBotSettings(ctx, tenantID)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to load settings for welcome message",
			"tenant_id", tenantID, "error", err)
	} else if settings != nil {
		welcome = settings.WelcomeMessage
	}
	if welcome == "" {
		welcome = r.messages.DefaultReply
	}
	r.reply(ctx, tenantID, sender, sub.ChatID, welcome, nil)
}

func (r *Router) handleHelp(ctx context.Context, tenantID string, sender Sender, chatID int64) {
	settings, err := r.store.GetBotSettings(ctx, tenantID)
	if err == nil && settings != nil && settings.HelpMessage != "" {
		r.reply(ctx, tenantID, sender, chatID, settings.HelpMessage, nil)
		return
	}

	commands, err := LoadCommands(ctx, r.store, tenantID, r.logger)
	if err != nil {
		r.failUpdate(ctx, tenantID, sender, chatID, "failed to load commands", err)
		return
	}

	var sb strings.Builder
	sb.WriteString("Available commands:\n/start - subscribe\n/stop - unsubscribe\n/help - this message")
	for _, cmd := range sortedCommands(commands) {
		sb.WriteString("\n/" + cmd.Name)
		if cmd.Description != "" {
			sb.WriteString(" - " + cmd.Description)
		}
	}
	r.reply(ctx, tenantID, sender, chatID, sb.String(), nil)
}

func (r *Router) executeCommand(ctx context.Context, tenantID string, sender Sender, sub *database.Subscriber, cmd *ParsedCommand) {
	chatID := sub.ChatID

	switch cmd.Type {
	case database.CommandTypeText:
		r.reply(ctx, tenantID, sender, chatID, cmd.ResponseText, nil)

	case database.CommandTypeButtonMenu:
		title, keyboard, err := r.resolveMenu(ctx, tenantID, cmd)
		if err != nil {
			r.failUpdate(ctx, tenantID, sender, chatID, "failed to resolve menu", err)
			return
		}
		r.reply(ctx, tenantID, sender, chatID, title, keyboard)

	case database.CommandTypePoints:
		text, err := r.pointsReply(ctx, sub)
		if err != nil {
			r.failUpdate(ctx, tenantID, sender, chatID, "failed to load loyalty account", err)
			return
		}
		r.reply(ctx, tenantID, sender, chatID, text, nil)

	case database.CommandTypeMembership:
		text, err := r.membershipReply(ctx, sub)
		if err != nil {
			r.failUpdate(ctx, tenantID, sender, chatID, "failed to load loyalty account", err)
			return
		}
		r.reply(ctx, tenantID, sender, chatID, text, nil)

	case database.CommandTypeCoupon:
		r.reply(ctx, tenantID, sender, chatID, r.couponReply(sub), nil)

	case database.CommandTypeCustom:
		r.startForm(ctx, tenantID, sender, sub, cmd)
	}
}

// startForm opens a form session and asks the first question. The command's
// response text, when present, is sent as an intro line.
func (r *Router) startForm(ctx context.Context, tenantID string, sender Sender, sub *database.Subscriber, cmd *ParsedCommand) {
	if cmd.Form == nil || len(cmd.Form.Fields) == 0 {
		r.reply(ctx, tenantID, sender, sub.ChatID, r.messages.DefaultReply, nil)
		return
	}

	r.sessions.Put(&Session{
		TenantID: tenantID,
		ChatID:   sub.ChatID,
		Form: &FormState{
			CommandName: cmd.Name,
			Fields:      cmd.Form.Fields,
			Answers:     make(map[string]string),
		},
	})

	prompt := cmd.Form.Fields[0].Prompt
	if cmd.ResponseText != "" {
		prompt = cmd.ResponseText + "\n" + prompt
	}
	r.reply(ctx, tenantID, sender, sub.ChatID, prompt, nil)
}

func (r *Router) handleFreeText(ctx context.Context, tenantID string, sender Sender, sub *database.Subscriber, text string) {
	metrics.UpdatesProcessed.WithLabelValues(tenantID, "free_text").Inc()

	sess := r.sessions.Get(tenantID, sub.ChatID)
	if sess == nil || sess.Form == nil {
		r.reply(ctx, tenantID, sender, sub.ChatID, r.messages.DefaultReply, nil)
		return
	}

	form := sess.Form
	form.Answers[form.Fields[form.Next].Key] = text
	form.Next++

	if form.Next < len(form.Fields) {
		r.sessions.Put(sess)
		r.reply(ctx, tenantID, sender, sub.ChatID, form.Fields[form.Next].Prompt, nil)
		return
	}

	r.sessions.Delete(tenantID, sub.ChatID)
	r.logger.InfoContext(ctx, "Form completed",
		"tenant_id", tenantID, "chat_id", sub.ChatID,
		"command", form.CommandName, "fields", len(form.Answers))
	r.reply(ctx, tenantID, sender, sub.ChatID, r.messages.FormReceived, nil)
}

// handleCallback processes an inline-keyboard tap. The callback query is
// always answered so the client never shows a stuck spinner, even for actions
// this engine does not recognize.
func (r *Router) handleCallback(ctx context.Context, tenantID string, sender Sender, cb *tgmodels.CallbackQuery) {
	metrics.UpdatesProcessed.WithLabelValues(tenantID, "callback").Inc()

	chatID := cb.From.ID
	var providerMsgID int64
	if cb.Message.Message != nil {
		chatID = cb.Message.Message.Chat.ID
		providerMsgID = int64(cb.Message.Message.ID)
	}

	sub, err := r.store.UpsertSubscriber(ctx, subscriberFromCallback(tenantID, chatID, &cb.From))
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert subscriber from callback",
			"tenant_id", tenantID, "chat_id", chatID, "error", err)
		_ = sender.AnswerCallback(ctx, cb.ID, r.messages.GeneralError)
		return
	}

	if r.clicks != nil && providerMsgID != 0 {
		if err := r.clicks.RecordClick(ctx, tenantID, providerMsgID); err != nil {
			r.logger.WarnContext(ctx, "Failed to record click",
				"tenant_id", tenantID, "provider_msg_id", providerMsgID, "error", err)
		}
	}

	action, param := cb.Data, ""
	if i := strings.Index(cb.Data, ":"); i >= 0 {
		action, param = cb.Data[:i], cb.Data[i+1:]
	}

	switch action {
	case "menu":
		menu, err := r.store.GetMenu(ctx, tenantID, param)
		if err != nil || menu == nil {
			_ = sender.AnswerCallback(ctx, cb.ID, r.messages.NotActive)
			if err != nil {
				r.logger.ErrorContext(ctx, "Failed to load menu",
					"tenant_id", tenantID, "menu_id", param, "error", err)
			}
			return
		}
		items, err := parseMenuItems(menu)
		if err != nil {
			r.logger.WarnContext(ctx, "Menu has invalid items",
				"tenant_id", tenantID, "menu_id", param, "error", err)
			_ = sender.AnswerCallback(ctx, cb.ID, r.messages.NotActive)
			return
		}
		_ = sender.AnswerCallback(ctx, cb.ID, "")
		r.reply(ctx, tenantID, sender, chatID, menu.Title, menuKeyboard(items))

	case "points":
		text, err := r.pointsReply(ctx, sub)
		if err != nil {
			_ = sender.AnswerCallback(ctx, cb.ID, r.messages.GeneralError)
			return
		}
		_ = sender.AnswerCallback(ctx, cb.ID, "")
		r.reply(ctx, tenantID, sender, chatID, text, nil)

	case "membership":
		text, err := r.membershipReply(ctx, sub)
		if err != nil {
			_ = sender.AnswerCallback(ctx, cb.ID, r.messages.GeneralError)
			return
		}
		_ = sender.AnswerCallback(ctx, cb.ID, "")
		r.reply(ctx, tenantID, sender, chatID, text, nil)

	case "coupon":
		_ = sender.AnswerCallback(ctx, cb.ID, "")
		r.reply(ctx, tenantID, sender, chatID, r.couponReply(sub), nil)

	default:
		// Unknown actions get an inert acknowledgement and no message.
		_ = sender.AnswerCallback(ctx, cb.ID, r.messages.NotActive)
	}
}

// resolveMenu returns the title and keyboard for a button_menu command, from
// either the referenced stored menu or the inline button list.
func (r *Router) resolveMenu(ctx context.Context, tenantID string, cmd *ParsedCommand) (string, [][]telegram.Button, error) {
	if cmd.Menu.MenuID != "" {
		menu, err := r.store.GetMenu(ctx, tenantID, cmd.Menu.MenuID)
		if err != nil {
			return "", nil, err
		}
		if menu == nil {
			return "", nil, fmt.Errorf("menu %q not found", cmd.Menu.MenuID)
		}
		items, err := parseMenuItems(menu)
		if err != nil {
			return "", nil, err
		}
		return menu.Title, menuKeyboard(items), nil
	}

	title := cmd.ResponseText
	if title == "" {
		title = cmd.Description
	}
	return title, menuKeyboard(cmd.Menu.Buttons), nil
}

// menuKeyboard lays menu items out two buttons per row, preserving order.
func menuKeyboard(items []MenuItem) [][]telegram.Button {
	buttons := make([]telegram.Button, 0, len(items))
	for _, item := range items {
		buttons = append(buttons, telegram.Button{
			Label:  item.Label,
			Action: item.Action,
			URL:    item.URL,
		})
	}
	return telegram.Rows(buttons, 2)
}

// reply sends a message and logs on failure. Router replies are best-effort:
// a failed send never fails the update.
func (r *Router) reply(ctx context.Context, tenantID string, sender Sender, chatID int64, text string, keyboard [][]telegram.Button) {
	if text == "" {
		return
	}
	if _, err := sender.SendText(ctx, chatID, text, keyboard); err != nil {
		r.logger.ErrorContext(ctx, "Failed to send reply",
			"tenant_id", tenantID, "chat_id", chatID, "error", err)
	}
}

func (r *Router) failUpdate(ctx context.Context, tenantID string, sender Sender, chatID int64, msg string, err error) {
	r.logger.ErrorContext(ctx, "Update handling failed: "+msg,
		"tenant_id", tenantID, "chat_id", chatID, "error", err)
	metrics.UpdatesProcessed.WithLabelValues(tenantID, "error").Inc()
	r.reply(ctx, tenantID, sender, chatID, r.messages.GeneralError, nil)
}

// recordInbound stores the inbound text as a message row. Best-effort: a
// failed insert is logged, not surfaced.
func (r *Router) recordInbound(ctx context.Context, sub *database.Subscriber, text string) {
	msg := &database.Message{
		ID:           ulid.Make().String(),
		TenantID:     sub.TenantID,
		SubscriberID: sub.ID,
		Content:      text,
		IsFromUser:   true,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "Failed to record inbound message",
			"tenant_id", sub.TenantID, "chat_id", sub.ChatID, "error", err)
	}
}

func subscriberFromMessage(tenantID string, msg *tgmodels.Message) *database.Subscriber {
	sub := &database.Subscriber{
		TenantID:   tenantID,
		ChatID:     msg.Chat.ID,
		Subscribed: true,
	}
	if msg.From != nil {
		sub.FirstName = msg.From.FirstName
		sub.LastName = msg.From.LastName
		sub.Username = msg.From.Username
	}
	return sub
}

func subscriberFromCallback(tenantID string, chatID int64, from *tgmodels.User) *database.Subscriber {
	return &database.Subscriber{
		TenantID:   tenantID,
		ChatID:     chatID,
		FirstName:  from.FirstName,
		LastName:   from.LastName,
		Username:   from.Username,
		Subscribed: true,
	}
}

func updateChatID(update *tgmodels.Update) int64 {
	switch {
	case update.Message != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message.Message != nil:
		return update.CallbackQuery.Message.Message.Chat.ID
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID
	}
	return 0
}

func sortedCommands(commands map[string]*ParsedCommand) []*ParsedCommand {
	out := make([]*ParsedCommand, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, cmd)
	}
	// Restore the sort_order, name ordering lost by the map.
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

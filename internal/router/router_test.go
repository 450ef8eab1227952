package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/require"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/telegram"
)

var testMessages = config.MessagesConfig{
	DefaultReply: "default reply",
	GeneralError: "general error",
	NotActive:    "not active",
	FormReceived: "form received",
}

type sentMessage struct {
	chatID   int64
	text     string
	keyboard [][]telegram.Button
}

type answeredCallback struct {
	id   string
	text string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	answered []answeredCallback
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string, keyboard [][]telegram.Button) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, keyboard: keyboard})
	return int64(len(f.sent)), nil
}

func (f *fakeSender) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, answeredCallback{id: id, text: text})
	return nil
}

func newTestRouter(t *testing.T) (*Router, database.Store, *fakeSender) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log)
	rt := New(store, NewSessions(time.Minute), nil, testMessages, log)
	return rt, store, &fakeSender{}
}

func textUpdate(chatID int64, text string) *tgmodels.Update {
	return &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   1,
			Chat: tgmodels.Chat{ID: chatID},
			From: &tgmodels.User{ID: chatID, FirstName: "Ana", Username: "ana"},
			Text: text,
		},
	}
}

func callbackUpdate(chatID int64, msgID int, data string) *tgmodels.Update {
	return &tgmodels.Update{
		CallbackQuery: &tgmodels.CallbackQuery{
			ID:   "cb-1",
			From: tgmodels.User{ID: chatID, FirstName: "Ana"},
			Message: tgmodels.MaybeInaccessibleMessage{
				Message: &tgmodels.Message{
					ID:   msgID,
					Chat: tgmodels.Chat{ID: chatID},
				},
			},
			Data: data,
		},
	}
}

func TestStartSubscribesAndWelcomes(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveBotSettings(ctx, &database.BotSettings{
		TenantID:       "t1",
		BotToken:       "token",
		WelcomeMessage: "Welcome to the club!",
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/start"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "Welcome to the club!", sender.sent[0].text)

	sub, err := store.FindSubscriber(ctx, "t1", 100)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.True(t, sub.Subscribed)
	require.Equal(t, "Ana", sub.FirstName)
}

func TestStopUnsubscribesSoftly(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/start"))
	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/stop"))

	sub, err := store.FindSubscriber(ctx, "t1", 100)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.False(t, sub.Subscribed)
}

func TestUnknownCommandGetsDefaultReply(t *testing.T) {
	ctx := context.Background()
	rt, _, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/doesnotexist"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, testMessages.DefaultReply, sender.sent[0].text)
}

func TestTextCommandRepliesWithResponseText(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID:     "t1",
		Name:         "hours",
		Type:         database.CommandTypeText,
		ResponseText: "Open 9-17 Mon-Fri.",
		Enabled:      true,
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/hours"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "Open 9-17 Mon-Fri.", sender.sent[0].text)
}

func TestDisabledCommandTableFallsBack(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveBotSettings(ctx, &database.BotSettings{
		TenantID:        "t1",
		BotToken:        "token",
		CommandsEnabled: false,
	}))
	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID:     "t1",
		Name:         "hours",
		Type:         database.CommandTypeText,
		ResponseText: "Open 9-17.",
		Enabled:      true,
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/hours"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, testMessages.DefaultReply, sender.sent[0].text)
}

func TestButtonMenuKeyboardLayout(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID:     "t1",
		Name:         "rewards",
		Type:         database.CommandTypeButtonMenu,
		ResponseText: "Pick a reward",
		Metadata: `{"buttons":[
			{"label":"One","action":"points"},
			{"label":"Two","action":"membership"},
			{"label":"Three","action":"coupon"},
			{"label":"Four","action":"menu:sub"},
			{"label":"Five","action":"points"}
		]}`,
		Enabled: true,
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/rewards"))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	require.Equal(t, "Pick a reward", msg.text)

	// Five buttons lay out as 2, 2, 1 in the original order.
	require.Len(t, msg.keyboard, 3)
	require.Len(t, msg.keyboard[0], 2)
	require.Len(t, msg.keyboard[1], 2)
	require.Len(t, msg.keyboard[2], 1)
	require.Equal(t, "One", msg.keyboard[0][0].Label)
	require.Equal(t, "Five", msg.keyboard[2][0].Label)
}

func TestUnknownCallbackActionIsAckedOnly(t *testing.T) {
	ctx := context.Background()
	rt, _, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, callbackUpdate(100, 5, "legacy_action:42"))

	require.Len(t, sender.answered, 1)
	require.Equal(t, testMessages.NotActive, sender.answered[0].text)
	require.Empty(t, sender.sent)
}

func TestMenuCallbackSendsMenu(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveMenu(ctx, &database.Menu{
		TenantID: "t1",
		MenuID:   "main",
		Title:    "Main menu",
		Items:    `[{"label":"Points","action":"points"},{"label":"Site","url":"https://example.com"}]`,
	}))

	rt.HandleUpdate(ctx, "t1", sender, callbackUpdate(100, 5, "menu:main"))

	require.Len(t, sender.answered, 1)
	require.Empty(t, sender.answered[0].text)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "Main menu", sender.sent[0].text)
	require.Len(t, sender.sent[0].keyboard, 1)
	require.Len(t, sender.sent[0].keyboard[0], 2)
	require.Equal(t, "https://example.com", sender.sent[0].keyboard[0][1].URL)
}

func TestMissingMenuCallbackIsInert(t *testing.T) {
	ctx := context.Background()
	rt, _, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, callbackUpdate(100, 5, "menu:gone"))

	require.Len(t, sender.answered, 1)
	require.Equal(t, testMessages.NotActive, sender.answered[0].text)
	require.Empty(t, sender.sent)
}

func TestPointsCommand(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	_, err := store.UpsertSubscriber(ctx, &database.Subscriber{
		TenantID:   "t1",
		ChatID:     100,
		CustomerID: database.NullString("cust-1"),
		Subscribed: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveLoyaltyAccount(ctx, &database.LoyaltyAccount{
		TenantID:   "t1",
		CustomerID: "cust-1",
		Points:     150,
		Tier:       "GOLD",
	}))
	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID: "t1",
		Name:     "points",
		Type:     database.CommandTypePoints,
		Enabled:  true,
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/points"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "Hi Ana, you have 150 pts.", sender.sent[0].text)
}

func TestCouponCallbackGeneratesCode(t *testing.T) {
	ctx := context.Background()
	rt, _, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, callbackUpdate(100, 5, "coupon"))

	require.Len(t, sender.answered, 1)
	require.Len(t, sender.sent, 1)
	require.Regexp(t, `REWARD\d{4}`, sender.sent[0].text)
}

func TestFormFlow(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID: "t1",
		Name:     "survey",
		Type:     database.CommandTypeCustom,
		Metadata: `{"fields":[{"key":"flavor","prompt":"Favorite flavor?"},{"key":"visits","prompt":"Visits per month?"}]}`,
		Enabled:  true,
	}))

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "/survey"))
	require.Len(t, sender.sent, 1)
	require.Equal(t, "Favorite flavor?", sender.sent[0].text)

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "chocolate"))
	require.Len(t, sender.sent, 2)
	require.Equal(t, "Visits per month?", sender.sent[1].text)

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "4"))
	require.Len(t, sender.sent, 3)
	require.Equal(t, testMessages.FormReceived, sender.sent[2].text)

	// The form is done; further text falls back to the default reply.
	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "hello again"))
	require.Equal(t, testMessages.DefaultReply, sender.sent[3].text)
}

func TestFreeTextWithoutSession(t *testing.T) {
	ctx := context.Background()
	rt, store, sender := newTestRouter(t)

	rt.HandleUpdate(ctx, "t1", sender, textUpdate(100, "hello there"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, testMessages.DefaultReply, sender.sent[0].text)

	// The interaction was recorded as an inbound message.
	sub, err := store.FindSubscriber(ctx, "t1", 100)
	require.NoError(t, err)
	require.NotNil(t, sub)
}

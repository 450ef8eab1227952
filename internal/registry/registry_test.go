package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/require"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/router"
	"github.com/perkhub/loyalbot/internal/telegram"
)

type fakeClient struct {
	mu             sync.Mutex
	webhookURL     string
	webhookSecret  string
	webhookDeletes int
	pollingStarted atomic.Bool
}

func (f *fakeClient) SendText(context.Context, int64, string, [][]telegram.Button) (int64, error) {
	return 1, nil
}

func (f *fakeClient) SendPhoto(context.Context, int64, string, string, [][]telegram.Button) (int64, error) {
	return 1, nil
}

func (f *fakeClient) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeClient) SetWebhook(_ context.Context, url, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookURL = url
	f.webhookSecret = secret
	return nil
}

func (f *fakeClient) DeleteWebhook(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookDeletes++
	return nil
}

func (f *fakeClient) StartPolling(ctx context.Context) {
	f.pollingStarted.Store(true)
	<-ctx.Done()
}

func (f *fakeClient) ProcessUpdate(context.Context, *tgmodels.Update) {}

func newTestRegistry(t *testing.T, cfg config.TelegramConfig) (*Registry, database.Store, *atomic.Int32) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log)

	sessions := router.NewSessions(time.Minute)
	rt := router.New(store, sessions, nil, config.MessagesConfig{
		DefaultReply: "d", GeneralError: "e", NotActive: "n", FormReceived: "f",
	}, log)

	reg := New(store, rt, cfg, log)

	var creates atomic.Int32
	reg.newClient = func(string, telegram.Options) (telegram.Client, error) {
		creates.Add(1)
		return &fakeClient{}, nil
	}
	return reg, store, &creates
}

func saveSettings(t *testing.T, store database.Store, tenantID, token string) {
	t.Helper()
	require.NoError(t, store.SaveBotSettings(context.Background(), &database.BotSettings{
		TenantID: tenantID,
		BotToken: token,
	}))
}

func TestEnsureBotIsSingleflight(t *testing.T) {
	ctx := context.Background()
	reg, store, creates := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")

	var wg sync.WaitGroup
	clients := make([]telegram.Client, 20)
	errs := make([]error, 20)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i], errs[i] = reg.EnsureBot(ctx, "t1")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), creates.Load())
	for _, c := range clients {
		require.Same(t, clients[0], c)
	}

	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusOnline, settings.Status)
}

func TestEnsureBotWithoutToken(t *testing.T) {
	ctx := context.Background()
	reg, store, creates := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "")

	_, err := reg.EnsureBot(ctx, "t1")
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = reg.EnsureBot(ctx, "unknown-tenant")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, creates.Load())
}

func TestEnsureBotRejectedToken(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "bad-token")

	reg.newClient = func(string, telegram.Options) (telegram.Client, error) {
		return nil, errors.New("getMe: unauthorized")
	}

	_, err := reg.EnsureBot(ctx, "t1")
	require.ErrorIs(t, err, ErrInvalidToken)

	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusError, settings.Status)
}

func TestEnsureBotWebhookMode(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t, config.TelegramConfig{
		WebhookBaseURL: "https://bots.example.com",
	})
	saveSettings(t, store, "t1", "token-1")

	client, err := reg.EnsureBot(ctx, "t1")
	require.NoError(t, err)

	fc := client.(*fakeClient)
	require.Equal(t, "https://bots.example.com/v1/telegram/webhook", fc.webhookURL)
	require.NotEmpty(t, fc.webhookSecret)
	require.False(t, fc.pollingStarted.Load())

	// The generated secret is persisted so the webhook can resolve back to
	// the tenant.
	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, fc.webhookSecret, settings.WebhookSecret)
}

type failingSecretStore struct {
	database.Store
}

func (s *failingSecretStore) SetWebhookSecret(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestEnsureBotSecretPersistFailureMarksError(t *testing.T) {
	ctx := context.Background()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log)

	sessions := router.NewSessions(time.Minute)
	rt := router.New(store, sessions, nil, config.MessagesConfig{
		DefaultReply: "d", GeneralError: "e", NotActive: "n", FormReceived: "f",
	}, log)

	reg := New(&failingSecretStore{Store: store}, rt, config.TelegramConfig{
		WebhookBaseURL: "https://bots.example.com",
	}, log)
	reg.newClient = func(string, telegram.Options) (telegram.Client, error) {
		return &fakeClient{}, nil
	}

	saveSettings(t, store, "t1", "token-1")

	_, err = reg.EnsureBot(ctx, "t1")
	require.Error(t, err)

	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusError, settings.Status)
}

func TestEnsureBotPollingMode(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")

	client, err := reg.EnsureBot(ctx, "t1")
	require.NoError(t, err)

	fc := client.(*fakeClient)
	require.Eventually(t, fc.pollingStarted.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.RemoveBot(ctx, "t1"))
}

func TestRemoveBotMarksOffline(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")

	_, err := reg.EnsureBot(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, reg.RemoveBot(ctx, "t1"))

	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusOffline, settings.Status)

	// Removing again is a no-op.
	require.NoError(t, reg.RemoveBot(ctx, "t1"))
}

func TestRefreshRecreatesClient(t *testing.T) {
	ctx := context.Background()
	reg, store, creates := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")

	first, err := reg.EnsureBot(ctx, "t1")
	require.NoError(t, err)

	saveSettings(t, store, "t1", "token-2")
	require.NoError(t, reg.Refresh(ctx, "t1"))

	second, err := reg.EnsureBot(ctx, "t1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int32(2), creates.Load())
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	reg, store, creates := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")
	saveSettings(t, store, "t2", "token-2")
	saveSettings(t, store, "t3", "")

	require.NoError(t, reg.Reconcile(ctx))
	require.Equal(t, int32(2), creates.Load())

	// Dropping a tenant's token stops its client on the next pass.
	saveSettings(t, store, "t1", "")
	require.NoError(t, reg.Reconcile(ctx))

	settings, err := store.GetBotSettings(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusOffline, settings.Status)

	settings, err = store.GetBotSettings(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, database.BotStatusOnline, settings.Status)
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t, config.TelegramConfig{})
	saveSettings(t, store, "t1", "token-1")
	saveSettings(t, store, "t2", "token-2")

	require.NoError(t, reg.Reconcile(ctx))
	reg.StopAll(ctx)

	for _, tenantID := range []string{"t1", "t2"} {
		settings, err := store.GetBotSettings(ctx, tenantID)
		require.NoError(t, err)
		require.Equal(t, database.BotStatusOffline, settings.Status)
	}
}

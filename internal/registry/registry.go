// Package registry owns the live Telegram client per tenant: creating clients
// on demand, registering webhooks or starting polling, and reflecting client
// health into the tenant's bot status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/logger"
	"github.com/perkhub/loyalbot/internal/metrics"
	"github.com/perkhub/loyalbot/internal/router"
	"github.com/perkhub/loyalbot/internal/telegram"
)

var (
	// ErrNotConfigured is returned when a tenant has no bot token on file.
	ErrNotConfigured = errors.New("tenant bot is not configured")

	// ErrInvalidToken is returned when a client cannot be constructed from the
	// tenant's stored token.
	ErrInvalidToken = errors.New("tenant bot token rejected")
)

// webhookPath is where tenant webhooks land; the secret header identifies the
// tenant, so all tenants share one URL.
const webhookPath = "/v1/telegram/webhook"

type handle struct {
	tenantID string
	client   telegram.Client
	cancel   context.CancelFunc
	polling  bool
}

// Registry manages one Telegram client per tenant. Safe for concurrent use;
// concurrent EnsureBot calls for the same tenant collapse into a single
// client creation.
type Registry struct {
	store     database.Store
	router    *router.Router
	cfg       config.TelegramConfig
	logger    *slog.Logger
	newClient func(token string, opts telegram.Options) (telegram.Client, error)

	group singleflight.Group

	mu   sync.Mutex
	bots map[string]*handle
}

// New creates a Registry.
func New(store database.Store, rt *router.Router, cfg config.TelegramConfig, log *slog.Logger) *Registry {
	return &Registry{
		store:     store,
		router:    rt,
		cfg:       cfg,
		logger:    log.With("component", "registry"),
		newClient: telegram.NewClient,
		bots:      make(map[string]*handle),
	}
}

// EnsureBot returns the live client for a tenant, creating and starting one
// if needed. Returns ErrNotConfigured when the tenant has no bot token.
func (r *Registry) EnsureBot(ctx context.Context, tenantID string) (telegram.Client, error) {
	r.mu.Lock()
	if h, ok := r.bots[tenantID]; ok {
		r.mu.Unlock()
		return h.client, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		// Re-check under the group: a concurrent caller may have just
		// finished creating this tenant's client.
		r.mu.Lock()
		if h, ok := r.bots[tenantID]; ok {
			r.mu.Unlock()
			return h.client, nil
		}
		r.mu.Unlock()
		return r.createBot(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(telegram.Client), nil
}

func (r *Registry) createBot(ctx context.Context, tenantID string) (telegram.Client, error) {
	settings, err := r.store.GetBotSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if settings == nil || settings.BotToken == "" {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotConfigured)
	}

	// The handler closure runs only after the client is stored and started,
	// so reading clientRef here is safe.
	var clientRef telegram.Client
	handler := func(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
		r.router.HandleUpdate(ctx, tenantID, clientRef, update)
	}

	client, err := r.newClient(settings.BotToken, telegram.Options{
		PollTimeout: r.cfg.PollTimeout,
		SendRate:    r.cfg.SendRate,
		SendBurst:   r.cfg.SendBurst,
		BotOptions: []bot.Option{
			bot.WithDefaultHandler(handler),
			bot.WithMiddlewares(logger.UpdateMiddleware(r.logger, tenantID)),
		},
	})
	if err != nil {
		r.setStatus(ctx, tenantID, database.BotStatusError)
		return nil, fmt.Errorf("tenant %s: %w: %v", tenantID, ErrInvalidToken, err)
	}
	clientRef = client

	h := &handle{tenantID: tenantID, client: client}

	if r.cfg.WebhookBaseURL != "" {
		secret := settings.WebhookSecret
		if secret == "" {
			secret = uuid.NewString()
			if err := r.store.SetWebhookSecret(ctx, tenantID, secret); err != nil {
				r.setStatus(ctx, tenantID, database.BotStatusError)
				return nil, fmt.Errorf("failed to persist webhook secret for tenant %s: %w", tenantID, err)
			}
		}
		if err := client.SetWebhook(ctx, r.cfg.WebhookBaseURL+webhookPath, secret); err != nil {
			r.setStatus(ctx, tenantID, database.BotStatusError)
			return nil, fmt.Errorf("failed to register webhook for tenant %s: %w", tenantID, err)
		}
	} else {
		// Polling mode. Clear any stale webhook first or polling gets nothing.
		if err := client.DeleteWebhook(ctx); err != nil {
			r.logger.WarnContext(ctx, "Failed to clear webhook before polling",
				"tenant_id", tenantID, "error", err)
		}
		pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		h.cancel = cancel
		h.polling = true
		go client.StartPolling(pollCtx)
	}

	r.mu.Lock()
	r.bots[tenantID] = h
	r.mu.Unlock()

	r.setStatus(ctx, tenantID, database.BotStatusOnline)
	metrics.BotsOnline.Inc()
	r.logger.InfoContext(ctx, "Tenant bot started",
		"tenant_id", tenantID, "polling", h.polling)
	return client, nil
}

// RemoveBot stops a tenant's client, removes its webhook registration, and
// marks the tenant offline. Removing an unknown tenant is a no-op.
func (r *Registry) RemoveBot(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	h, ok := r.bots[tenantID]
	if ok {
		delete(r.bots, tenantID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if h.cancel != nil {
		h.cancel()
	}
	if !h.polling {
		if err := h.client.DeleteWebhook(ctx); err != nil {
			r.logger.WarnContext(ctx, "Failed to delete webhook",
				"tenant_id", tenantID, "error", err)
		}
	}

	r.setStatus(ctx, tenantID, database.BotStatusOffline)
	metrics.BotsOnline.Dec()
	r.logger.InfoContext(ctx, "Tenant bot stopped", "tenant_id", tenantID)
	return nil
}

// Refresh tears down and recreates a tenant's client, picking up changed
// settings such as a rotated bot token.
func (r *Registry) Refresh(ctx context.Context, tenantID string) error {
	if err := r.RemoveBot(ctx, tenantID); err != nil {
		return err
	}
	_, err := r.EnsureBot(ctx, tenantID)
	return err
}

// Client returns the live client for a tenant, starting one if needed.
func (r *Registry) Client(ctx context.Context, tenantID string) (telegram.Client, error) {
	return r.EnsureBot(ctx, tenantID)
}

// ProcessWebhookUpdate feeds a webhook-delivered update into the tenant's
// handler chain.
func (r *Registry) ProcessWebhookUpdate(ctx context.Context, tenantID string, update *tgmodels.Update) error {
	client, err := r.EnsureBot(ctx, tenantID)
	if err != nil {
		return err
	}
	client.ProcessUpdate(ctx, update)
	return nil
}

// Reconcile aligns the set of live clients with the bot_settings table:
// tenants with a token get a client, tenants whose settings row disappeared
// or lost its token are stopped.
func (r *Registry) Reconcile(ctx context.Context) error {
	rows, err := r.store.ListBotSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bot settings: %w", err)
	}

	want := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.BotToken == "" {
			continue
		}
		want[row.TenantID] = true
		if _, err := r.EnsureBot(ctx, row.TenantID); err != nil {
			r.logger.ErrorContext(ctx, "Failed to start tenant bot during reconcile",
				"tenant_id", row.TenantID, "error", err)
		}
	}

	r.mu.Lock()
	var stale []string
	for tenantID := range r.bots {
		if !want[tenantID] {
			stale = append(stale, tenantID)
		}
	}
	r.mu.Unlock()

	for _, tenantID := range stale {
		if err := r.RemoveBot(ctx, tenantID); err != nil {
			r.logger.ErrorContext(ctx, "Failed to stop stale tenant bot",
				"tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// StopAll stops every live client. Used on shutdown; webhook registrations
// are left in place so restarts resume receiving updates immediately.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.bots))
	for _, h := range r.bots {
		handles = append(handles, h)
	}
	r.bots = make(map[string]*handle)
	r.mu.Unlock()

	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
		r.setStatus(ctx, h.tenantID, database.BotStatusOffline)
		metrics.BotsOnline.Dec()
	}
	r.logger.InfoContext(ctx, "All tenant bots stopped", "count", len(handles))
}

func (r *Registry) setStatus(ctx context.Context, tenantID, status string) {
	if err := r.store.SetBotStatus(ctx, tenantID, status); err != nil {
		r.logger.WarnContext(ctx, "Failed to update bot status",
			"tenant_id", tenantID, "status", status, "error", err)
	}
}

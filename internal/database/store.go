package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the data access interface consumed by the bot registry,
// command router, campaign dispatcher, and delivery tracker. Methods accept
// context.Context for cancellation and timeouts. Lookups return (nil, nil)
// when no row matches.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Tenant bot settings.
	GetBotSettings(ctx context.Context, tenantID string) (*BotSettings, error)
	SaveBotSettings(ctx context.Context, settings *BotSettings) error
	ListBotSettings(ctx context.Context) ([]BotSettings, error)
	SetBotStatus(ctx context.Context, tenantID, status string) error
	SetWebhookSecret(ctx context.Context, tenantID, secret string) error
	FindTenantByWebhookSecret(ctx context.Context, secret string) (*BotSettings, error)

	// Subscriber directory.
	UpsertSubscriber(ctx context.Context, sub *Subscriber) (*Subscriber, error)
	FindSubscriber(ctx context.Context, tenantID string, chatID int64) (*Subscriber, error)
	SetSubscribed(ctx context.Context, tenantID string, chatID int64, subscribed bool) error
	ListAudience(ctx context.Context, tenantID string, filter AudienceFilter) ([]Subscriber, error)

	// Commands and menus.
	ListEnabledCommands(ctx context.Context, tenantID string) ([]Command, error)
	SaveCommand(ctx context.Context, cmd *Command) error
	GetMenu(ctx context.Context, tenantID, menuID string) (*Menu, error)
	SaveMenu(ctx context.Context, menu *Menu) error

	// Campaigns.
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	SaveCampaign(ctx context.Context, c *Campaign) error
	ListDueScheduledCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	MarkCampaignSending(ctx context.Context, id string, at time.Time) (bool, error)
	CancelCampaign(ctx context.Context, id string) (bool, error)
	UpdateCampaignCounters(ctx context.Context, id string, sent, delivered, errorCount int) error
	FinishCampaign(ctx context.Context, id, status string, sent, delivered, errorCount int, lastError string, at time.Time) error
	MirrorLinkedCampaignStatus(ctx context.Context, linkedID, status string) error

	// Per-recipient message records.
	CreateMessage(ctx context.Context, msg *Message) error
	MarkMessageSent(ctx context.Context, id string, telegramMsgID int64, at time.Time) error
	MarkMessageDelivered(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error)
	MarkMessageRead(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error)
	MarkMessageClicked(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error)
	GetMessageByProviderID(ctx context.Context, tenantID string, telegramMsgID int64) (*Message, error)
	CountCampaignMessages(ctx context.Context, campaignID string) (int, error)
	ListCampaignMessages(ctx context.Context, campaignID string) ([]Message, error)
	IncrementCampaignCounter(ctx context.Context, campaignID, counter string) error

	// Read-only loyalty lookups for the built-in handlers.
	GetLoyaltyAccount(ctx context.Context, tenantID, customerID string) (*LoyaltyAccount, error)
	SaveLoyaltyAccount(ctx context.Context, acc *LoyaltyAccount) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetBotSettings retrieves the bot settings row for a tenant.
func (s *sqlxStore) GetBotSettings(ctx context.Context, tenantID string) (*BotSettings, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id cannot be empty")
	}

	var settings BotSettings
	query := `SELECT * FROM bot_settings WHERE tenant_id = ?`

	err := s.db.GetContext(ctx, &settings, query, tenantID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No bot settings found", "tenant_id", tenantID)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get bot settings for tenant %s: %w", tenantID, err)
	}

	return &settings, nil
}

// SaveBotSettings inserts or replaces the settings row for a tenant.
func (s *sqlxStore) SaveBotSettings(ctx context.Context, settings *BotSettings) error {
	if settings == nil {
		return fmt.Errorf("cannot save nil bot settings")
	}
	if settings.TenantID == "" {
		return fmt.Errorf("bot settings must have a tenant_id")
	}

	now := time.Now().UTC()
	settings.UpdatedAt = now
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	if settings.Status == "" {
		settings.Status = BotStatusOffline
	}

	query := `
        INSERT INTO bot_settings (
            tenant_id, bot_token, webhook_url, webhook_secret, welcome_message,
            help_message, commands_enabled, status, created_at, updated_at
        ) VALUES (
            :tenant_id, :bot_token, :webhook_url, :webhook_secret, :welcome_message,
            :help_message, :commands_enabled, :status, :created_at, :updated_at
        )
        ON CONFLICT (tenant_id) DO UPDATE SET
            bot_token = excluded.bot_token,
            webhook_url = excluded.webhook_url,
            webhook_secret = excluded.webhook_secret,
            welcome_message = excluded.welcome_message,
            help_message = excluded.help_message,
            commands_enabled = excluded.commands_enabled,
            status = excluded.status,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, settings); err != nil {
		return fmt.Errorf("failed to save bot settings for tenant %s: %w", settings.TenantID, err)
	}

	s.logger.DebugContext(ctx, "Bot settings saved", "tenant_id", settings.TenantID)
	return nil
}

// ListBotSettings returns the settings rows for all tenants.
func (s *sqlxStore) ListBotSettings(ctx context.Context) ([]BotSettings, error) {
	var rows []BotSettings
	query := `SELECT * FROM bot_settings ORDER BY tenant_id`

	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list bot settings: %w", err)
	}
	return rows, nil
}

// SetBotStatus updates the status and updated_at of a tenant's settings row.
// Status is the only settings field the registry owns.
func (s *sqlxStore) SetBotStatus(ctx context.Context, tenantID, status string) error {
	query := `UPDATE bot_settings SET status = ?, updated_at = ? WHERE tenant_id = ?`

	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), tenantID)
	if err != nil {
		return fmt.Errorf("failed to set bot status for tenant %s: %w", tenantID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		s.logger.WarnContext(ctx, "Bot status update matched no settings row", "tenant_id", tenantID, "status", status)
	}
	return nil
}

// SetWebhookSecret stores a generated webhook secret for a tenant.
func (s *sqlxStore) SetWebhookSecret(ctx context.Context, tenantID, secret string) error {
	query := `UPDATE bot_settings SET webhook_secret = ?, updated_at = ? WHERE tenant_id = ?`

	if _, err := s.db.ExecContext(ctx, query, secret, time.Now().UTC(), tenantID); err != nil {
		return fmt.Errorf("failed to set webhook secret for tenant %s: %w", tenantID, err)
	}
	return nil
}

// FindTenantByWebhookSecret resolves the tenant owning the given webhook
// secret. Returns (nil, nil) when the secret matches no tenant.
func (s *sqlxStore) FindTenantByWebhookSecret(ctx context.Context, secret string) (*BotSettings, error) {
	if secret == "" {
		return nil, nil
	}

	var settings BotSettings
	query := `SELECT * FROM bot_settings WHERE webhook_secret = ?`

	err := s.db.GetContext(ctx, &settings, query, secret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up tenant by webhook secret: %w", err)
	}

	return &settings, nil
}

// UpsertSubscriber inserts or updates a subscriber keyed by (tenant_id,
// chat_id) and returns the stored row. Profile fields overwrite the stored
// ones; the subscribed flag is only set on insert, so re-interaction does not
// silently re-subscribe someone who opted out.
func (s *sqlxStore) UpsertSubscriber(ctx context.Context, sub *Subscriber) (*Subscriber, error) {
	if sub == nil {
		return nil, fmt.Errorf("cannot upsert nil subscriber")
	}
	if sub.TenantID == "" || sub.ChatID == 0 {
		return nil, fmt.Errorf("subscriber must have tenant_id and chat_id")
	}

	now := time.Now().UTC()
	sub.LastInteractionAt = now
	sub.UpdatedAt = now
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}

	query := `
        INSERT INTO subscribers (
            tenant_id, chat_id, first_name, last_name, username, customer_id,
            subscribed, last_interaction_at, created_at, updated_at
        ) VALUES (
            :tenant_id, :chat_id, :first_name, :last_name, :username, :customer_id,
            :subscribed, :last_interaction_at, :created_at, :updated_at
        )
        ON CONFLICT (tenant_id, chat_id) DO UPDATE SET
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            username = excluded.username,
            customer_id = COALESCE(excluded.customer_id, subscribers.customer_id),
            last_interaction_at = excluded.last_interaction_at,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, sub); err != nil {
		return nil, fmt.Errorf("failed to upsert subscriber (tenant %s, chat %d): %w", sub.TenantID, sub.ChatID, err)
	}

	stored, err := s.FindSubscriber(ctx, sub.TenantID, sub.ChatID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("subscriber missing after upsert (tenant %s, chat %d)", sub.TenantID, sub.ChatID)
	}
	return stored, nil
}

// FindSubscriber retrieves a subscriber by tenant and chat id.
func (s *sqlxStore) FindSubscriber(ctx context.Context, tenantID string, chatID int64) (*Subscriber, error) {
	var sub Subscriber
	query := `SELECT * FROM subscribers WHERE tenant_id = ? AND chat_id = ?`

	err := s.db.GetContext(ctx, &sub, query, tenantID, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find subscriber (tenant %s, chat %d): %w", tenantID, chatID, err)
	}
	return &sub, nil
}

// SetSubscribed flips the subscription flag. Unsubscribing never deletes the
// row: historical messages must still resolve to a subscriber.
func (s *sqlxStore) SetSubscribed(ctx context.Context, tenantID string, chatID int64, subscribed bool) error {
	query := `UPDATE subscribers SET subscribed = ?, updated_at = ? WHERE tenant_id = ? AND chat_id = ?`

	if _, err := s.db.ExecContext(ctx, query, subscribed, time.Now().UTC(), tenantID, chatID); err != nil {
		return fmt.Errorf("failed to set subscription (tenant %s, chat %d): %w", tenantID, chatID, err)
	}
	return nil
}

// audienceColumns is the set of profile fields an audience filter may match
// against. Filter keys outside this set are rejected rather than ignored.
var audienceColumns = map[string]string{
	"first_name":  "first_name",
	"last_name":   "last_name",
	"username":    "username",
	"customer_id": "customer_id",
}

// ListAudience returns the fully materialized set of subscribers matching the
// filter, in a stable order. The dispatcher iterates the slice in full before
// sending, so no live cursor semantics are involved.
func (s *sqlxStore) ListAudience(ctx context.Context, tenantID string, filter AudienceFilter) ([]Subscriber, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id cannot be empty")
	}

	var sb strings.Builder
	sb.WriteString(`SELECT * FROM subscribers WHERE tenant_id = ?`)
	args := []any{tenantID}

	if filter.SubscribedOnly {
		sb.WriteString(` AND subscribed = 1`)
	}
	for key, value := range filter.Fields {
		column, ok := audienceColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported audience filter field %q", key)
		}
		sb.WriteString(` AND ` + column + ` = ?`)
		args = append(args, value)
	}
	sb.WriteString(` ORDER BY id`)

	var subs []Subscriber
	if err := s.db.SelectContext(ctx, &subs, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list audience for tenant %s: %w", tenantID, err)
	}

	s.logger.DebugContext(ctx, "Resolved audience", "tenant_id", tenantID, "count", len(subs))
	return subs, nil
}

// ListEnabledCommands returns a tenant's enabled commands ordered by
// sort_order then name.
func (s *sqlxStore) ListEnabledCommands(ctx context.Context, tenantID string) ([]Command, error) {
	var cmds []Command
	query := `SELECT * FROM commands WHERE tenant_id = ? AND enabled = 1 ORDER BY sort_order, name`

	if err := s.db.SelectContext(ctx, &cmds, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list commands for tenant %s: %w", tenantID, err)
	}
	return cmds, nil
}

// SaveCommand inserts or updates a command keyed by (tenant_id, name).
func (s *sqlxStore) SaveCommand(ctx context.Context, cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("cannot save nil command")
	}
	if cmd.TenantID == "" || cmd.Name == "" {
		return fmt.Errorf("command must have tenant_id and name")
	}

	now := time.Now().UTC()
	cmd.UpdatedAt = now
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.Metadata == "" {
		cmd.Metadata = "{}"
	}

	query := `
        INSERT INTO commands (
            tenant_id, name, description, type, response_text, metadata,
            enabled, sort_order, created_at, updated_at
        ) VALUES (
            :tenant_id, :name, :description, :type, :response_text, :metadata,
            :enabled, :sort_order, :created_at, :updated_at
        )
        ON CONFLICT (tenant_id, name) DO UPDATE SET
            description = excluded.description,
            type = excluded.type,
            response_text = excluded.response_text,
            metadata = excluded.metadata,
            enabled = excluded.enabled,
            sort_order = excluded.sort_order,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, cmd); err != nil {
		return fmt.Errorf("failed to save command %s/%s: %w", cmd.TenantID, cmd.Name, err)
	}
	return nil
}

// GetMenu retrieves a menu by tenant and menu id.
func (s *sqlxStore) GetMenu(ctx context.Context, tenantID, menuID string) (*Menu, error) {
	var menu Menu
	query := `SELECT * FROM menus WHERE tenant_id = ? AND menu_id = ?`

	err := s.db.GetContext(ctx, &menu, query, tenantID, menuID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get menu %s/%s: %w", tenantID, menuID, err)
	}
	return &menu, nil
}

// SaveMenu inserts or updates a menu keyed by (tenant_id, menu_id).
func (s *sqlxStore) SaveMenu(ctx context.Context, menu *Menu) error {
	if menu == nil {
		return fmt.Errorf("cannot save nil menu")
	}
	if menu.TenantID == "" || menu.MenuID == "" {
		return fmt.Errorf("menu must have tenant_id and menu_id")
	}

	now := time.Now().UTC()
	menu.UpdatedAt = now
	if menu.CreatedAt.IsZero() {
		menu.CreatedAt = now
	}
	if menu.Items == "" {
		menu.Items = "[]"
	}

	query := `
        INSERT INTO menus (tenant_id, menu_id, title, items, created_at, updated_at)
        VALUES (:tenant_id, :menu_id, :title, :items, :created_at, :updated_at)
        ON CONFLICT (tenant_id, menu_id) DO UPDATE SET
            title = excluded.title,
            items = excluded.items,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, menu); err != nil {
		return fmt.Errorf("failed to save menu %s/%s: %w", menu.TenantID, menu.MenuID, err)
	}
	return nil
}

// GetLoyaltyAccount retrieves a customer's loyalty balance and tier.
func (s *sqlxStore) GetLoyaltyAccount(ctx context.Context, tenantID, customerID string) (*LoyaltyAccount, error) {
	var acc LoyaltyAccount
	query := `SELECT * FROM loyalty_accounts WHERE tenant_id = ? AND customer_id = ?`

	err := s.db.GetContext(ctx, &acc, query, tenantID, customerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get loyalty account %s/%s: %w", tenantID, customerID, err)
	}
	return &acc, nil
}

// SaveLoyaltyAccount inserts or updates a loyalty account row.
func (s *sqlxStore) SaveLoyaltyAccount(ctx context.Context, acc *LoyaltyAccount) error {
	if acc == nil {
		return fmt.Errorf("cannot save nil loyalty account")
	}

	acc.UpdatedAt = time.Now().UTC()

	query := `
        INSERT INTO loyalty_accounts (tenant_id, customer_id, points, tier, updated_at)
        VALUES (:tenant_id, :customer_id, :points, :tier, :updated_at)
        ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
            points = excluded.points,
            tier = excluded.tier,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, acc); err != nil {
		return fmt.Errorf("failed to save loyalty account %s/%s: %w", acc.TenantID, acc.CustomerID, err)
	}
	return nil
}

package database

import (
	"database/sql"
	"time"
)

// Bot status values stored on bot_settings.
const (
	BotStatusOnline  = "online"
	BotStatusOffline = "offline"
	BotStatusError   = "error"
)

// Campaign status values. Transitions are monotonic: once SENDING is entered a
// campaign only moves to COMPLETED or FAILED; CANCELLED is reachable from
// DRAFT and SCHEDULED only.
const (
	CampaignStatusDraft     = "DRAFT"
	CampaignStatusScheduled = "SCHEDULED"
	CampaignStatusSending   = "SENDING"
	CampaignStatusCompleted = "COMPLETED"
	CampaignStatusCancelled = "CANCELLED"
	CampaignStatusFailed    = "FAILED"
)

// Command types. The metadata column holds one JSON payload shape per type,
// parsed and validated when the tenant's command table is loaded.
const (
	CommandTypeText       = "text"
	CommandTypeButtonMenu = "button_menu"
	CommandTypePoints     = "points"
	CommandTypeMembership = "membership"
	CommandTypeCoupon     = "coupon"
	CommandTypeCustom     = "custom"
)

// BotSettings is the per-tenant bot configuration row. The registry mutates
// only Status and UpdatedAt; everything else is owned by the dashboard.
type BotSettings struct {
	TenantID        string    `db:"tenant_id"`
	BotToken        string    `db:"bot_token"`
	WebhookURL      string    `db:"webhook_url"`
	WebhookSecret   string    `db:"webhook_secret"`
	WelcomeMessage  string    `db:"welcome_message"`
	HelpMessage     string    `db:"help_message"`
	CommandsEnabled bool      `db:"commands_enabled"`
	Status          string    `db:"status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Subscriber is a chat participant tracked per tenant. Rows are never deleted:
// unsubscribing flips Subscribed to false so historical messages keep
// resolving to a subscriber row.
type Subscriber struct {
	ID                int64          `db:"id"`
	TenantID          string         `db:"tenant_id"`
	ChatID            int64          `db:"chat_id"`
	FirstName         string         `db:"first_name"`
	LastName          string         `db:"last_name"`
	Username          string         `db:"username"`
	CustomerID        sql.NullString `db:"customer_id"`
	Subscribed        bool           `db:"subscribed"`
	LastInteractionAt time.Time      `db:"last_interaction_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// DisplayName returns the best available human-readable name for the
// subscriber, or an empty string when nothing is stored.
func (s *Subscriber) DisplayName() string {
	if s.FirstName != "" {
		return s.FirstName
	}
	if s.Username != "" {
		return s.Username
	}
	return s.LastName
}

// Command is a tenant slash-command definition. Metadata is the raw JSON
// payload whose shape depends on Type.
type Command struct {
	ID           int64     `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	Type         string    `db:"type"`
	ResponseText string    `db:"response_text"`
	Metadata     string    `db:"metadata"`
	Enabled      bool      `db:"enabled"`
	SortOrder    int       `db:"sort_order"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Menu is a named, ordered set of inline-keyboard items referenced by
// button-menu commands and by `menu:<id>` callback data. Items is a JSON array
// of {label, action} objects.
type Menu struct {
	ID        int64     `db:"id"`
	TenantID  string    `db:"tenant_id"`
	MenuID    string    `db:"menu_id"`
	Title     string    `db:"title"`
	Items     string    `db:"items"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Campaign is a bulk broadcast definition with aggregate delivery counters.
type Campaign struct {
	ID               string         `db:"id"`
	TenantID         string         `db:"tenant_id"`
	ParentCampaignID sql.NullString `db:"parent_campaign_id"`
	Name             string         `db:"name"`
	MessageTemplate  string         `db:"message_template"`
	Buttons          string         `db:"buttons"`
	ImageURL         string         `db:"image_url"`
	AudienceFilter   string         `db:"audience_filter"`
	Status           string         `db:"status"`
	ScheduledFor     sql.NullTime   `db:"scheduled_for"`
	SentCount        int            `db:"sent_count"`
	DeliveredCount   int            `db:"delivered_count"`
	ErrorCount       int            `db:"error_count"`
	ReadCount        int            `db:"read_count"`
	ClickCount       int            `db:"click_count"`
	LastError        string         `db:"last_error"`
	SentAt           sql.NullTime   `db:"sent_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// Message is one per-recipient send record. Rows are append-only; only the
// delivered/read/clicked flag+timestamp pairs flip as provider feedback
// arrives, each exactly once.
type Message struct {
	ID            string         `db:"id"`
	TenantID      string         `db:"tenant_id"`
	CampaignID    sql.NullString `db:"campaign_id"`
	SubscriberID  int64          `db:"subscriber_id"`
	TelegramMsgID sql.NullInt64  `db:"telegram_msg_id"`
	Content       string         `db:"content"`
	IsFromUser    bool           `db:"is_from_user"`
	IsDelivered   bool           `db:"is_delivered"`
	IsRead        bool           `db:"is_read"`
	HasClicked    bool           `db:"has_clicked"`
	SentAt        time.Time      `db:"sent_at"`
	DeliveredAt   sql.NullTime   `db:"delivered_at"`
	ReadAt        sql.NullTime   `db:"read_at"`
	ClickedAt     sql.NullTime   `db:"clicked_at"`
}

// LoyaltyAccount is a read-only view of the external loyalty store consumed
// by the points/membership/coupon built-in handlers.
type LoyaltyAccount struct {
	TenantID   string    `db:"tenant_id"`
	CustomerID string    `db:"customer_id"`
	Points     int       `db:"points"`
	Tier       string    `db:"tier"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// NullString wraps a string as a sql.NullString that is valid when non-empty.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AudienceFilter selects which subscribers receive a campaign. SubscribedOnly
// is the minimum supported predicate; Fields adds equality matches against a
// fixed set of stored profile columns.
type AudienceFilter struct {
	SubscribedOnly bool              `json:"subscribed_only"`
	Fields         map[string]string `json:"fields,omitempty"`
}

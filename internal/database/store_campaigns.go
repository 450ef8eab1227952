package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCampaign retrieves a campaign by id.
func (s *sqlxStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	query := `SELECT * FROM campaigns WHERE id = ?`

	err := s.db.GetContext(ctx, &c, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

// SaveCampaign inserts or updates a campaign row. Counter and status fields
// are written as-is; callers mutating a live campaign should use the
// dedicated transition methods instead.
func (s *sqlxStore) SaveCampaign(ctx context.Context, c *Campaign) error {
	if c == nil {
		return fmt.Errorf("cannot save nil campaign")
	}
	if c.ID == "" || c.TenantID == "" {
		return fmt.Errorf("campaign must have id and tenant_id")
	}

	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = CampaignStatusDraft
	}
	if c.Buttons == "" {
		c.Buttons = "[]"
	}
	if c.AudienceFilter == "" {
		c.AudienceFilter = "{}"
	}

	query := `
        INSERT INTO campaigns (
            id, tenant_id, parent_campaign_id, name, message_template, buttons,
            image_url, audience_filter, status, scheduled_for, sent_count,
            delivered_count, error_count, read_count, click_count, last_error,
            sent_at, completed_at, created_at, updated_at
        ) VALUES (
            :id, :tenant_id, :parent_campaign_id, :name, :message_template, :buttons,
            :image_url, :audience_filter, :status, :scheduled_for, :sent_count,
            :delivered_count, :error_count, :read_count, :click_count, :last_error,
            :sent_at, :completed_at, :created_at, :updated_at
        )
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            message_template = excluded.message_template,
            buttons = excluded.buttons,
            image_url = excluded.image_url,
            audience_filter = excluded.audience_filter,
            status = excluded.status,
            scheduled_for = excluded.scheduled_for,
            updated_at = excluded.updated_at;
    `

	if _, err := s.db.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

// ListDueScheduledCampaigns returns SCHEDULED campaigns whose scheduled_for
// time has passed.
func (s *sqlxStore) ListDueScheduledCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	var rows []Campaign
	query := `
        SELECT * FROM campaigns
        WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
        ORDER BY scheduled_for;
    `

	if err := s.db.SelectContext(ctx, &rows, query, CampaignStatusScheduled, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list due scheduled campaigns: %w", err)
	}
	return rows, nil
}

// MarkCampaignSending transitions a campaign from DRAFT or SCHEDULED into
// SENDING and stamps sent_at. Returns false when the campaign was in any
// other state, which is how the dispatcher detects a send conflict without a
// read-modify-write race.
func (s *sqlxStore) MarkCampaignSending(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
        UPDATE campaigns SET status = ?, sent_at = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?);
    `

	res, err := s.db.ExecContext(ctx, query,
		CampaignStatusSending, at.UTC(), time.Now().UTC(),
		id, CampaignStatusDraft, CampaignStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign %s sending: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for campaign %s: %w", id, err)
	}
	return affected == 1, nil
}

// CancelCampaign transitions a campaign to CANCELLED. Only DRAFT and
// SCHEDULED campaigns can be cancelled; returns false otherwise.
func (s *sqlxStore) CancelCampaign(ctx context.Context, id string) (bool, error) {
	query := `
        UPDATE campaigns SET status = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?);
    `

	res, err := s.db.ExecContext(ctx, query,
		CampaignStatusCancelled, time.Now().UTC(),
		id, CampaignStatusDraft, CampaignStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel campaign %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for campaign %s: %w", id, err)
	}
	return affected == 1, nil
}

// UpdateCampaignCounters persists the dispatcher's running counters so
// progress is externally observable mid-flight.
func (s *sqlxStore) UpdateCampaignCounters(ctx context.Context, id string, sent, delivered, errorCount int) error {
	query := `
        UPDATE campaigns SET sent_count = ?, delivered_count = ?, error_count = ?, updated_at = ?
        WHERE id = ?;
    `

	if _, err := s.db.ExecContext(ctx, query, sent, delivered, errorCount, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update counters for campaign %s: %w", id, err)
	}
	return nil
}

// FinishCampaign records a terminal status with final counters.
func (s *sqlxStore) FinishCampaign(ctx context.Context, id, status string, sent, delivered, errorCount int, lastError string, at time.Time) error {
	query := `
        UPDATE campaigns SET
            status = ?, sent_count = ?, delivered_count = ?, error_count = ?,
            last_error = ?, completed_at = ?, updated_at = ?
        WHERE id = ?;
    `

	if _, err := s.db.ExecContext(ctx, query,
		status, sent, delivered, errorCount, lastError, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to finish campaign %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Campaign finished",
		"campaign_id", id, "status", status,
		"sent", sent, "delivered", delivered, "errors", errorCount)
	return nil
}

// MirrorLinkedCampaignStatus propagates a status to the dashboard campaign a
// Telegram campaign is linked to. The linked row lives outside this engine's
// state machine, so a plain status write is intended; a missing row is a
// no-op.
func (s *sqlxStore) MirrorLinkedCampaignStatus(ctx context.Context, linkedID, status string) error {
	query := `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), linkedID); err != nil {
		return fmt.Errorf("failed to mirror status to linked campaign %s: %w", linkedID, err)
	}
	return nil
}

// CreateMessage inserts a new per-recipient message record. The dispatcher
// creates the row before attempting the provider send, so a record exists
// even when the send fails.
func (s *sqlxStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot create nil message")
	}
	if msg.ID == "" || msg.TenantID == "" {
		return fmt.Errorf("message must have id and tenant_id")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	query := `
        INSERT INTO messages (
            id, tenant_id, campaign_id, subscriber_id, telegram_msg_id, content,
            is_from_user, is_delivered, is_read, has_clicked, sent_at,
            delivered_at, read_at, clicked_at
        ) VALUES (
            :id, :tenant_id, :campaign_id, :subscriber_id, :telegram_msg_id, :content,
            :is_from_user, :is_delivered, :is_read, :has_clicked, :sent_at,
            :delivered_at, :read_at, :clicked_at
        );
    `

	if _, err := s.db.NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("failed to create message %s: %w", msg.ID, err)
	}
	return nil
}

// MarkMessageSent records the provider message id for a successfully sent
// message and marks it delivered to the provider.
func (s *sqlxStore) MarkMessageSent(ctx context.Context, id string, telegramMsgID int64, at time.Time) error {
	query := `
        UPDATE messages SET telegram_msg_id = ?, is_delivered = 1, delivered_at = ?
        WHERE id = ?;
    `

	if _, err := s.db.ExecContext(ctx, query, telegramMsgID, at.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark message %s sent: %w", id, err)
	}
	return nil
}

// MarkMessageDelivered flips the delivered flag exactly once for the message
// with the given provider id. Returns true only when this call performed the
// transition, so duplicate callbacks produce a zero delta.
func (s *sqlxStore) MarkMessageDelivered(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error) {
	return s.flipMessageFlag(ctx, tenantID, telegramMsgID,
		`UPDATE messages SET is_delivered = 1, delivered_at = ?
         WHERE tenant_id = ? AND telegram_msg_id = ? AND is_delivered = 0`, at)
}

// MarkMessageRead flips the read flag exactly once. See MarkMessageDelivered.
func (s *sqlxStore) MarkMessageRead(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error) {
	return s.flipMessageFlag(ctx, tenantID, telegramMsgID,
		`UPDATE messages SET is_read = 1, read_at = ?
         WHERE tenant_id = ? AND telegram_msg_id = ? AND is_read = 0`, at)
}

// MarkMessageClicked flips the clicked flag exactly once. See MarkMessageDelivered.
func (s *sqlxStore) MarkMessageClicked(ctx context.Context, tenantID string, telegramMsgID int64, at time.Time) (bool, error) {
	return s.flipMessageFlag(ctx, tenantID, telegramMsgID,
		`UPDATE messages SET has_clicked = 1, clicked_at = ?
         WHERE tenant_id = ? AND telegram_msg_id = ? AND has_clicked = 0`, at)
}

func (s *sqlxStore) flipMessageFlag(ctx context.Context, tenantID string, telegramMsgID int64, query string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, at.UTC(), tenantID, telegramMsgID)
	if err != nil {
		return false, fmt.Errorf("failed to update message flag (tenant %s, provider id %d): %w", tenantID, telegramMsgID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected (tenant %s, provider id %d): %w", tenantID, telegramMsgID, err)
	}
	return affected == 1, nil
}

// GetMessageByProviderID looks up a message row by the provider's message id.
func (s *sqlxStore) GetMessageByProviderID(ctx context.Context, tenantID string, telegramMsgID int64) (*Message, error) {
	var msg Message
	query := `SELECT * FROM messages WHERE tenant_id = ? AND telegram_msg_id = ?`

	err := s.db.GetContext(ctx, &msg, query, tenantID, telegramMsgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get message by provider id %d: %w", telegramMsgID, err)
	}
	return &msg, nil
}

// CountCampaignMessages counts the message rows created for a campaign.
func (s *sqlxStore) CountCampaignMessages(ctx context.Context, campaignID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE campaign_id = ?`

	if err := s.db.GetContext(ctx, &count, query, campaignID); err != nil {
		return 0, fmt.Errorf("failed to count messages for campaign %s: %w", campaignID, err)
	}
	return count, nil
}

// ListCampaignMessages returns the per-recipient message records for a
// campaign in send order.
func (s *sqlxStore) ListCampaignMessages(ctx context.Context, campaignID string) ([]Message, error) {
	var msgs []Message
	query := `SELECT * FROM messages WHERE campaign_id = ? ORDER BY sent_at, id`

	if err := s.db.SelectContext(ctx, &msgs, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list messages for campaign %s: %w", campaignID, err)
	}
	return msgs, nil
}

// campaignCounters whitelists the counter columns the tracker may increment.
var campaignCounters = map[string]string{
	"delivered": "delivered_count",
	"read":      "read_count",
	"click":     "click_count",
}

// IncrementCampaignCounter adds one to a campaign aggregate counter. The
// counter name must be one of delivered, read, or click.
func (s *sqlxStore) IncrementCampaignCounter(ctx context.Context, campaignID, counter string) error {
	column, ok := campaignCounters[counter]
	if !ok {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}

	query := `UPDATE campaigns SET ` + column + ` = ` + column + ` + 1, updated_at = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), campaignID); err != nil {
		return fmt.Errorf("failed to increment %s counter for campaign %s: %w", counter, campaignID, err)
	}
	return nil
}

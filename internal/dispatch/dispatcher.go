// Package dispatch runs campaign broadcasts: it claims the campaign, resolves
// the audience, fans sends out in bounded batches, and records a per-recipient
// message row for every attempt.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/metrics"
	"github.com/perkhub/loyalbot/internal/telegram"
)

var (
	// ErrNotFound is returned when the campaign id matches no row.
	ErrNotFound = errors.New("campaign not found")

	// ErrConflict is returned when the campaign is not in a sendable state.
	// Re-triggering a SENDING or COMPLETED campaign hits this, so a broadcast
	// can never run twice.
	ErrConflict = errors.New("campaign is not in a sendable state")
)

// Linked dashboard campaigns track a simpler lifecycle than the engine's own
// state machine.
const (
	linkedStatusActive    = "ACTIVE"
	linkedStatusCompleted = "COMPLETED"
	linkedStatusCancelled = "CANCELLED"
	linkedStatusFailed    = "FAILED"
)

// ClientProvider resolves the live Telegram client for a tenant. Implemented
// by the bot registry.
type ClientProvider interface {
	Client(ctx context.Context, tenantID string) (telegram.Client, error)
}

// Dispatcher executes campaign broadcasts. Safe for concurrent use; the
// per-campaign claim in the database keeps two dispatchers off the same
// campaign.
type Dispatcher struct {
	store   database.Store
	clients ClientProvider
	cfg     config.DispatchConfig
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(store database.Store, clients ClientProvider, cfg config.DispatchConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		clients: clients,
		cfg:     cfg,
		logger:  log.With("component", "dispatcher"),
	}
}

// Send runs a campaign broadcast to completion. It returns ErrNotFound for an
// unknown id and ErrConflict when the campaign is not in DRAFT or SCHEDULED.
// Per-recipient send failures do not fail the broadcast; they are counted and
// the campaign still completes.
func (d *Dispatcher) Send(ctx context.Context, campaignID string) error {
	campaign, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	claimed, err := d.store.MarkCampaignSending(ctx, campaignID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("campaign %s in status %s: %w", campaignID, campaign.Status, ErrConflict)
	}

	log := d.logger.With("campaign_id", campaignID, "tenant_id", campaign.TenantID)
	d.mirrorLinked(ctx, campaign, linkedStatusActive)

	client, err := d.clients.Client(ctx, campaign.TenantID)
	if err != nil {
		return d.fail(ctx, campaign, 0, 0, 0, fmt.Errorf("no client for tenant %s: %w", campaign.TenantID, err))
	}

	filter, err := parseAudienceFilter(campaign.AudienceFilter)
	if err != nil {
		return d.fail(ctx, campaign, 0, 0, 0, err)
	}

	audience, err := d.store.ListAudience(ctx, campaign.TenantID, filter)
	if err != nil {
		return d.fail(ctx, campaign, 0, 0, 0, err)
	}
	if len(audience) == 0 {
		log.InfoContext(ctx, "Campaign has an empty audience")
		return d.complete(ctx, campaign, 0, 0, 0, "")
	}

	buttons, err := parseButtons(campaign.Buttons)
	if err != nil {
		return d.fail(ctx, campaign, 0, 0, 0, err)
	}
	keyboard := telegram.Rows(buttons, 2)

	log.InfoContext(ctx, "Campaign dispatch started",
		"audience", len(audience), "batch_size", d.cfg.BatchSize)

	var (
		mu        sync.Mutex
		sent      int
		delivered int
		errored   int
		lastError string
	)

	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	for start, batch := 0, 0; start < len(audience); start, batch = start+batchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			return d.fail(ctx, campaign, sent, delivered, errored, fmt.Errorf("dispatch interrupted: %w", err))
		}
		if batch > 0 && d.cfg.BatchDelay > 0 {
			select {
			case <-time.After(d.cfg.BatchDelay):
			case <-ctx.Done():
				return d.fail(ctx, campaign, sent, delivered, errored, fmt.Errorf("dispatch interrupted: %w", ctx.Err()))
			}
		}

		end := start + batchSize
		if end > len(audience) {
			end = len(audience)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, sub := range audience[start:end] {
			g.Go(func() error {
				ok, errMsg, err := d.sendOne(gctx, client, campaign, &sub, keyboard)
				if err != nil {
					return err
				}
				mu.Lock()
				sent++
				if ok {
					delivered++
				} else {
					errored++
					lastError = errMsg
				}
				mu.Unlock()
				return nil
			})
		}
		// A failed provider send is a per-recipient error; a failed message row
		// write aborts the whole dispatch, keeping sent equal to the number of
		// recorded rows.
		if err := g.Wait(); err != nil {
			return d.fail(ctx, campaign, sent, delivered, errored, err)
		}

		if d.cfg.FlushEvery > 0 && (batch+1)%d.cfg.FlushEvery == 0 {
			mu.Lock()
			s, dl, e := sent, delivered, errored
			mu.Unlock()
			if err := d.store.UpdateCampaignCounters(ctx, campaignID, s, dl, e); err != nil {
				log.WarnContext(ctx, "Failed to flush campaign counters", "error", err)
			}
		}
	}

	log.InfoContext(ctx, "Campaign dispatch finished",
		"sent", sent, "delivered", delivered, "errors", errored)
	return d.complete(ctx, campaign, sent, delivered, errored, lastError)
}

// sendOne renders and sends the campaign message to a single recipient. The
// message row is created before the provider call so a record exists even
// when the send fails; if the row itself cannot be written the error is
// returned and the dispatch aborts.
func (d *Dispatcher) sendOne(ctx context.Context, client telegram.Client, campaign *database.Campaign, sub *database.Subscriber, keyboard [][]telegram.Button) (bool, string, error) {
	content := Render(campaign.MessageTemplate, templateVars(ctx, d.store, sub))

	msg := &database.Message{
		ID:           ulid.Make().String(),
		TenantID:     campaign.TenantID,
		CampaignID:   database.NullString(campaign.ID),
		SubscriberID: sub.ID,
		Content:      content,
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return false, "", fmt.Errorf("failed to create message record for subscriber %d: %w", sub.ID, err)
	}

	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}

	started := time.Now()
	var providerID int64
	var err error
	if campaign.ImageURL != "" {
		providerID, err = client.SendPhoto(sendCtx, sub.ChatID, campaign.ImageURL, content, keyboard)
	} else {
		providerID, err = client.SendText(sendCtx, sub.ChatID, content, keyboard)
	}
	metrics.ProviderSendLatency.Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.ProviderSends.WithLabelValues(campaign.TenantID, "error").Inc()
		d.logger.WarnContext(ctx, "Campaign send failed",
			"campaign_id", campaign.ID, "chat_id", sub.ChatID, "error", err)
		return false, err.Error(), nil
	}

	metrics.ProviderSends.WithLabelValues(campaign.TenantID, "ok").Inc()
	if err := d.store.MarkMessageSent(ctx, msg.ID, providerID, time.Now().UTC()); err != nil {
		d.logger.WarnContext(ctx, "Failed to record provider message id",
			"campaign_id", campaign.ID, "message_id", msg.ID, "error", err)
	}
	return true, "", nil
}

// Cancel transitions a DRAFT or SCHEDULED campaign to CANCELLED. Returns
// ErrConflict when the campaign has already started or finished.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID string) error {
	campaign, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	ok, err := d.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %s in status %s: %w", campaignID, campaign.Status, ErrConflict)
	}

	d.mirrorLinked(ctx, campaign, linkedStatusCancelled)
	metrics.CampaignsFinished.WithLabelValues(database.CampaignStatusCancelled).Inc()
	d.logger.InfoContext(ctx, "Campaign cancelled", "campaign_id", campaignID)
	return nil
}

// SendDue dispatches every SCHEDULED campaign whose time has come. Failures
// are logged per campaign so one broken campaign does not block the rest.
func (d *Dispatcher) SendDue(ctx context.Context) error {
	due, err := d.store.ListDueScheduledCampaigns(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, campaign := range due {
		if err := d.Send(ctx, campaign.ID); err != nil {
			// A conflict means another dispatcher claimed it first.
			if errors.Is(err, ErrConflict) {
				continue
			}
			d.logger.ErrorContext(ctx, "Failed to dispatch scheduled campaign",
				"campaign_id", campaign.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, campaign *database.Campaign, sent, delivered, errored int, lastError string) error {
	if err := d.store.FinishCampaign(ctx, campaign.ID, database.CampaignStatusCompleted,
		sent, delivered, errored, lastError, time.Now().UTC()); err != nil {
		return err
	}
	d.mirrorLinked(ctx, campaign, linkedStatusCompleted)
	metrics.CampaignsFinished.WithLabelValues(database.CampaignStatusCompleted).Inc()
	return nil
}

// fail records a FAILED terminal state for procedure-level errors: no client,
// a broken audience filter, or an interrupted dispatch. The original error is
// returned to the caller.
func (d *Dispatcher) fail(ctx context.Context, campaign *database.Campaign, sent, delivered, errored int, cause error) error {
	if err := d.store.FinishCampaign(ctx, campaign.ID, database.CampaignStatusFailed,
		sent, delivered, errored, cause.Error(), time.Now().UTC()); err != nil {
		d.logger.ErrorContext(ctx, "Failed to record campaign failure",
			"campaign_id", campaign.ID, "error", err)
	}
	d.mirrorLinked(ctx, campaign, linkedStatusFailed)
	metrics.CampaignsFinished.WithLabelValues(database.CampaignStatusFailed).Inc()
	return cause
}

// mirrorLinked propagates lifecycle changes to the dashboard campaign this
// broadcast belongs to, when one is linked.
func (d *Dispatcher) mirrorLinked(ctx context.Context, campaign *database.Campaign, status string) {
	if !campaign.ParentCampaignID.Valid || campaign.ParentCampaignID.String == "" {
		return
	}
	if err := d.store.MirrorLinkedCampaignStatus(ctx, campaign.ParentCampaignID.String, status); err != nil {
		d.logger.WarnContext(ctx, "Failed to mirror linked campaign status",
			"campaign_id", campaign.ID, "linked_id", campaign.ParentCampaignID.String, "error", err)
	}
}

// parseAudienceFilter decodes the stored filter JSON. Subscribed-only is
// enforced regardless of what the stored filter says: unsubscribed chats
// never receive campaigns.
func parseAudienceFilter(raw string) (database.AudienceFilter, error) {
	var filter database.AudienceFilter
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			return filter, fmt.Errorf("invalid audience filter: %w", err)
		}
	}
	filter.SubscribedOnly = true
	return filter, nil
}

func parseButtons(raw string) ([]telegram.Button, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var buttons []telegram.Button
	if err := json.Unmarshal([]byte(raw), &buttons); err != nil {
		return nil, fmt.Errorf("invalid campaign buttons: %w", err)
	}
	return buttons, nil
}

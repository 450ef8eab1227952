// Package tracker applies provider delivery feedback to message records and
// rolls the changes up into campaign counters. Every transition is idempotent:
// duplicate callbacks flip nothing and count nothing.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/metrics"
)

// Tracker records delivered, read, and clicked events for campaign messages.
type Tracker struct {
	store  database.Store
	logger *slog.Logger
}

// New creates a Tracker.
func New(store database.Store, log *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: log.With("component", "tracker"),
	}
}

// MarkDelivered flips a message's delivered flag. Unknown provider ids and
// repeat callbacks are no-ops.
func (t *Tracker) MarkDelivered(ctx context.Context, tenantID string, providerMsgID int64) error {
	return t.mark(ctx, tenantID, providerMsgID, "delivered", t.store.MarkMessageDelivered)
}

// MarkRead flips a message's read flag.
func (t *Tracker) MarkRead(ctx context.Context, tenantID string, providerMsgID int64) error {
	return t.mark(ctx, tenantID, providerMsgID, "read", t.store.MarkMessageRead)
}

// MarkClicked flips a message's clicked flag.
func (t *Tracker) MarkClicked(ctx context.Context, tenantID string, providerMsgID int64) error {
	return t.mark(ctx, tenantID, providerMsgID, "click", t.store.MarkMessageClicked)
}

// RecordClick satisfies the router's click hook: inline-keyboard taps on
// campaign messages count as clicks. Taps on non-campaign messages resolve to
// no message row and fall through silently.
func (t *Tracker) RecordClick(ctx context.Context, tenantID string, providerMsgID int64) error {
	return t.MarkClicked(ctx, tenantID, providerMsgID)
}

type flipFunc func(ctx context.Context, tenantID string, providerMsgID int64, at time.Time) (bool, error)

// mark flips one message flag and, only when this call performed the flip,
// increments the owning campaign's aggregate counter. The flag update is the
// source of truth for the delta, so replayed callbacks cannot inflate
// counters.
func (t *Tracker) mark(ctx context.Context, tenantID string, providerMsgID int64, event string, flip flipFunc) error {
	flipped, err := flip(ctx, tenantID, providerMsgID, time.Now().UTC())
	if err != nil {
		return err
	}

	metrics.DeliveryCallbacks.WithLabelValues(event, applied(flipped)).Inc()
	if !flipped {
		return nil
	}

	msg, err := t.store.GetMessageByProviderID(ctx, tenantID, providerMsgID)
	if err != nil {
		return err
	}
	if msg == nil || !msg.CampaignID.Valid {
		return nil
	}

	if err := t.store.IncrementCampaignCounter(ctx, msg.CampaignID.String, event); err != nil {
		return err
	}

	t.logger.DebugContext(ctx, "Delivery event applied",
		"tenant_id", tenantID, "provider_msg_id", providerMsgID,
		"event", event, "campaign_id", msg.CampaignID.String)
	return nil
}

func applied(flipped bool) string {
	if flipped {
		return "true"
	}
	return "false"
}

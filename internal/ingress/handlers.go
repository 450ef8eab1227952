package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/gorilla/mux"

	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/dispatch"
	"github.com/perkhub/loyalbot/internal/metrics"
	"github.com/perkhub/loyalbot/internal/registry"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// handleWebhook receives updates for all tenant bots on one URL. The secret
// header identifies the tenant; the check runs before the body is parsed so
// unauthenticated callers cost nothing. The update is handed off and 200 is
// returned immediately, which is what keeps Telegram from retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(secretHeader)
	if secret == "" {
		metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing secret token")
		return
	}

	settings, err := s.store.FindTenantByWebhookSecret(r.Context(), secret)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("error").Inc()
		s.logger.Error("Webhook tenant lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if settings == nil {
		metrics.WebhookRequests.WithLabelValues("unknown_tenant").Inc()
		writeError(w, http.StatusNotFound, "unknown webhook secret")
		return
	}

	var update tgmodels.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	tenantID := settings.TenantID
	go func() {
		if err := s.registry.ProcessWebhookUpdate(s.jobCtx, tenantID, &update); err != nil {
			s.logger.Error("Webhook update handoff failed",
				"tenant_id", tenantID, "error", err)
		}
	}()

	metrics.WebhookRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// handleCampaignSend triggers a broadcast. The campaign is validated and the
// tenant's client resolved synchronously so the caller gets a meaningful
// status; the send itself runs in the background and is observable through
// the campaign's status and counters.
func (s *Server) handleCampaignSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to load campaign", err)
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if campaign.Status != database.CampaignStatusDraft && campaign.Status != database.CampaignStatusScheduled {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "campaign is not in a sendable state",
			"status": campaign.Status,
		})
		return
	}

	if _, err := s.registry.Client(r.Context(), campaign.TenantID); err != nil {
		if errors.Is(err, registry.ErrNotConfigured) || errors.Is(err, registry.ErrInvalidToken) {
			writeError(w, http.StatusUnprocessableEntity, "tenant bot is not available")
			return
		}
		s.internalError(w, "Failed to resolve tenant client", err)
		return
	}

	go func() {
		if err := s.dispatcher.Send(s.jobCtx, id); err != nil && !errors.Is(err, dispatch.ErrConflict) {
			s.logger.Error("Background campaign dispatch failed",
				"campaign_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, campaignResponse(campaign, database.CampaignStatusSending))
}

func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.dispatcher.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, dispatch.ErrConflict):
		writeError(w, http.StatusConflict, "campaign can no longer be cancelled")
	case err != nil:
		s.internalError(w, "Failed to cancel campaign", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     id,
			"status": database.CampaignStatusCancelled,
		})
	}
}

func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to load campaign", err)
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse(campaign, campaign.Status))
}

func (s *Server) handleCampaignMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to load campaign", err)
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	msgs, err := s.store.ListCampaignMessages(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to list campaign messages", err)
		return
	}

	out := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageResponse(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"messages":    out,
	})
}

// handleBotRefresh is the settings-save hook: the dashboard calls it after
// changing a tenant's bot settings so the registry picks up the new token.
func (s *Server) handleBotRefresh(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]

	err := s.registry.Refresh(r.Context(), tenantID)
	switch {
	case errors.Is(err, registry.ErrNotConfigured), errors.Is(err, registry.ErrInvalidToken):
		writeError(w, http.StatusUnprocessableEntity, "tenant bot is not available")
	case err != nil:
		s.internalError(w, "Failed to refresh tenant bot", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"tenant_id": tenantID,
			"status":    database.BotStatusOnline,
		})
	}
}

type deliveryEventRequest struct {
	TenantID      string `json:"tenant_id"`
	ProviderMsgID int64  `json:"provider_msg_id"`
	Event         string `json:"event"`
}

// handleDeliveryEvent feeds provider or dashboard delivery feedback into the
// tracker. Duplicate events are accepted and ignored.
func (s *Server) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	var req deliveryEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.TenantID == "" || req.ProviderMsgID == 0 {
		writeError(w, http.StatusBadRequest, "tenant_id and provider_msg_id are required")
		return
	}

	var err error
	switch req.Event {
	case "delivered":
		err = s.tracker.MarkDelivered(r.Context(), req.TenantID, req.ProviderMsgID)
	case "read":
		err = s.tracker.MarkRead(r.Context(), req.TenantID, req.ProviderMsgID)
	case "click":
		err = s.tracker.MarkClicked(r.Context(), req.TenantID, req.ProviderMsgID)
	default:
		writeError(w, http.StatusBadRequest, "event must be delivered, read, or click")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to apply delivery event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// campaignResponse builds the campaign JSON view. status overrides the stored
// status so the send trigger can report SENDING before the background task
// has claimed the row.
func campaignResponse(c *database.Campaign, status string) map[string]any {
	resp := map[string]any{
		"id":              c.ID,
		"tenant_id":       c.TenantID,
		"name":            c.Name,
		"status":          status,
		"sent_count":      c.SentCount,
		"delivered_count": c.DeliveredCount,
		"error_count":     c.ErrorCount,
		"read_count":      c.ReadCount,
		"click_count":     c.ClickCount,
	}
	if c.ParentCampaignID.Valid {
		resp["parent_campaign_id"] = c.ParentCampaignID.String
	}
	if c.ScheduledFor.Valid {
		resp["scheduled_for"] = c.ScheduledFor.Time.Format(time.RFC3339)
	}
	if c.SentAt.Valid {
		resp["sent_at"] = c.SentAt.Time.Format(time.RFC3339)
	}
	if c.CompletedAt.Valid {
		resp["completed_at"] = c.CompletedAt.Time.Format(time.RFC3339)
	}
	if c.LastError != "" {
		resp["last_error"] = c.LastError
	}
	return resp
}

func messageResponse(m *database.Message) map[string]any {
	resp := map[string]any{
		"id":            m.ID,
		"subscriber_id": m.SubscriberID,
		"is_delivered":  m.IsDelivered,
		"is_read":       m.IsRead,
		"has_clicked":   m.HasClicked,
		"sent_at":       m.SentAt.Format(time.RFC3339),
	}
	if m.TelegramMsgID.Valid {
		resp["telegram_msg_id"] = m.TelegramMsgID.Int64
	}
	return resp
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

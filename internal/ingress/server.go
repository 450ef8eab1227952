// Package ingress is the HTTP surface of the engine: the shared Telegram
// webhook endpoint, campaign trigger and status routes, delivery feedback,
// health, and metrics.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/telegram"
)

// BotRegistry is the slice of registry behavior the ingress needs.
type BotRegistry interface {
	Client(ctx context.Context, tenantID string) (telegram.Client, error)
	Refresh(ctx context.Context, tenantID string) error
	ProcessWebhookUpdate(ctx context.Context, tenantID string, update *tgmodels.Update) error
}

// CampaignDispatcher triggers and cancels campaign broadcasts.
type CampaignDispatcher interface {
	Send(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

// DeliveryTracker applies provider delivery feedback.
type DeliveryTracker interface {
	MarkDelivered(ctx context.Context, tenantID string, providerMsgID int64) error
	MarkRead(ctx context.Context, tenantID string, providerMsgID int64) error
	MarkClicked(ctx context.Context, tenantID string, providerMsgID int64) error
}

// Server is the ingress HTTP server.
type Server struct {
	cfg        config.HTTPConfig
	store      database.Store
	registry   BotRegistry
	dispatcher CampaignDispatcher
	tracker    DeliveryTracker
	logger     *slog.Logger

	// jobCtx outlives individual requests; background work started by a
	// handler (campaign dispatch, webhook handoff) runs on it so an early
	// client disconnect cannot abort a broadcast.
	jobCtx context.Context
}

// NewServer creates the ingress server.
func NewServer(cfg config.HTTPConfig, store database.Store, reg BotRegistry, disp CampaignDispatcher, trk DeliveryTracker, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		dispatcher: disp,
		tracker:    trk,
		logger:     log.With("component", "ingress"),
		jobCtx:     context.Background(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/telegram/webhook", s.handleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/v1/campaigns/{id}/send", s.handleCampaignSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/cancel", s.handleCampaignCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}", s.handleCampaignGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/messages", s.handleCampaignMessages).Methods(http.MethodGet)

	r.HandleFunc("/v1/tenants/{id}/bot/refresh", s.handleBotRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/delivery/events", s.handleDeliveryEvent).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	s.jobCtx = context.WithoutCancel(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

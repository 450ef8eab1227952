// Package metrics defines the prometheus collectors for the loyalbot engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	UpdatesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "loyalbot_updates_processed_total", Help: "Inbound Telegram updates by route outcome"},
		[]string{"tenant_id", "route"},
	)
	ProviderSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "loyalbot_provider_sends_total", Help: "Provider send outcomes"},
		[]string{"tenant_id", "result"},
	)
	ProviderSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "loyalbot_provider_send_latency_seconds", Help: "Provider send latency"},
	)
	CampaignsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "loyalbot_campaigns_finished_total", Help: "Campaigns reaching a terminal status"},
		[]string{"status"},
	)
	DeliveryCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "loyalbot_delivery_callbacks_total", Help: "Delivery/read/click callbacks by applied delta"},
		[]string{"event", "applied"},
	)
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "loyalbot_webhook_requests_total", Help: "Webhook ingress requests by result"},
		[]string{"result"},
	)
	BotsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "loyalbot_bots_online", Help: "Live tenant bot clients"},
	)
)

// Register installs all collectors on the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		UpdatesProcessed,
		ProviderSends,
		ProviderSendLatency,
		CampaignsFinished,
		DeliveryCallbacks,
		WebhookRequests,
		BotsOnline,
	)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		webhookEventsTotal,
		webhookDuration,
		webhookSignatureFailures,
	)
}

var (
	// result: ok|invalid_signature|bad_payload|error|ignored
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Webhook deliveries by provider, event type and result.",
		},
		[]string{"provider", "event_type", "result"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_webhook_duration_seconds",
			Help:    "Duration of webhook handling in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"provider"},
	)

	webhookSignatureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_signature_failures_total",
			Help: "Webhook deliveries rejected for a bad or missing signature.",
		},
		[]string{"provider"},
	)
)

func IncWebhookEvent(provider, eventType, result string) {
	webhookEventsTotal.WithLabelValues(norm(provider), norm(eventType), norm(result)).Inc()
}

func ObserveWebhookDuration(provider string, d time.Duration) {
	webhookDuration.WithLabelValues(norm(provider)).Observe(d.Seconds())
}

func IncWebhookSignatureFailure(provider string) {
	webhookSignatureFailures.WithLabelValues(norm(provider)).Inc()
}

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	backlog    prometheus.Gauge
}

var (
	webhookOnce     sync.Once
	webhookRegistry *WebhookMetrics
)

func Webhooks() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "payfwd_webhook_deliveries_total",
				Help: "Count of webhook delivery attempts by destination and outcome.",
			}, []string{"destination", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "payfwd_webhook_failures_total",
				Help: "Number of webhook deliveries that exhausted their retries.",
			}, []string{"destination"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "payfwd_webhook_delivery_seconds",
				Help:    "Latency distribution for webhook deliveries.",
				Buckets: prometheus.DefBuckets,
			}, []string{"destination"}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "payfwd_webhook_backlog",
				Help: "Number of deliveries waiting in the outbox.",
			}),
		}
		prometheus.MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.failures,
			webhookRegistry.latency,
			webhookRegistry.backlog,
		)
	})
	return webhookRegistry
}

func (m *WebhookMetrics) ObserveDelivery(destination string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(destination, outcome).Inc()
	m.latency.WithLabelValues(destination).Observe(d.Seconds())
}

func (m *WebhookMetrics) ObserveExhausted(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.failures.WithLabelValues(destination).Inc()
}

func (m *WebhookMetrics) SetBacklog(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.backlog.Set(float64(depth))
}

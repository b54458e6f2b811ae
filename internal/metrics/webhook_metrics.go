package metrics

import (
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebhookMetrics интерфейс для метрик обработки вебхуков
type WebhookMetrics interface {
	IncEventProcessed(kind, result string)
	ObserveProcessingDuration(kind string, seconds float64)
	IncFanOutWrite(outcome string)
}

type webhookMetrics struct {
	log             *logger.Logger
	eventsProcessed *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	fanOutWrites    *prometheus.CounterVec
}

// NewWebhookMetrics создает новые метрики обработки вебхуков
func NewWebhookMetrics(registry *prometheus.Registry, log *logger.Logger) WebhookMetrics {
	eventsProcessed := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "The total number of billing webhook events by kind and result",
		},
		[]string{"kind", "result"},
	)

	duration := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_event_duration_seconds",
			Help:    "Webhook event processing duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	fanOutWrites := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_writes_total",
			Help: "The total number of per-account entitlement writes by outcome",
		},
		[]string{"outcome"},
	)

	return &webhookMetrics{
		log:             log,
		eventsProcessed: eventsProcessed,
		duration:        duration,
		fanOutWrites:    fanOutWrites,
	}
}

// IncEventProcessed увеличивает счетчик обработанных событий
func (m *webhookMetrics) IncEventProcessed(kind, result string) {
	m.eventsProcessed.WithLabelValues(kind, result).Inc()
}

// ObserveProcessingDuration записывает длительность обработки события
func (m *webhookMetrics) ObserveProcessingDuration(kind string, seconds float64) {
	m.duration.WithLabelValues(kind).Observe(seconds)
}

// IncFanOutWrite увеличивает счетчик записей entitlement
func (m *webhookMetrics) IncFanOutWrite(outcome string) {
	m.fanOutWrites.WithLabelValues(outcome).Inc()
}

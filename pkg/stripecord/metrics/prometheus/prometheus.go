package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Digital39999/StripeCord/pkg/stripecord"
)

// Metrics implements stripecord.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	domainEventsTotal         *prometheus.CounterVec
	catalogSyncTotal          *prometheus.CounterVec
	catalogSyncDuration       prometheus.Histogram
	remoteMutationsTotal      *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from Stripe.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		domainEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "domain_events_total",
			Help:      "Total number of domain events emitted to the handler.",
		}, []string{"event_type"}),

		catalogSyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "catalog_sync_total",
			Help:      "Total number of catalog synchronization runs.",
		}, []string{"status"}),

		catalogSyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "catalog_sync_duration_seconds",
			Help:      "Duration of catalog synchronization runs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		remoteMutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "remote_mutations_total",
			Help:      "Total number of write operations issued against Stripe.",
		}, []string{"operation", "status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripecord",
			Name:      "api_calls_total",
			Help:      "Total number of read calls issued against Stripe.",
		}, []string{"endpoint", "status"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordDomainEvent(eventType string) {
	m.domainEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordCatalogSync(status string) {
	m.catalogSyncTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCatalogSyncDuration(duration time.Duration) {
	m.catalogSyncDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRemoteMutation(operation, status string) {
	m.remoteMutationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) stripecord.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

package stripecord

import "time"

// Metrics defines the interface for tracking engine operations.
// All methods are optional - the manager gracefully handles nil metrics by
// substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery by Stripe event type.
	// status: "success", "error", "rejected" or "unhandled"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a delivery took to process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "signature", "missing_metadata", "lookup_failed", "processing"
	RecordWebhookError(errorType string)

	// RecordDomainEvent records an emitted domain event by type.
	RecordDomainEvent(eventType string)

	// RecordCatalogSync records a catalog synchronization run.
	// status: "success" or "error"
	RecordCatalogSync(status string)

	// RecordCatalogSyncDuration records how long a sync run took.
	RecordCatalogSyncDuration(duration time.Duration)

	// RecordRemoteMutation records a write against the Stripe catalog.
	// op: "create_product", "update_product", "create_price", "update_price"
	RecordRemoteMutation(op, status string)

	// RecordAPICall records an outbound API call.
	// status: HTTP-ish status as string ("success", "error", "not_found")
	RecordAPICall(endpoint, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordDomainEvent(_ string)                                {}
func (n *NoopMetrics) RecordCatalogSync(_ string)                                {}
func (n *NoopMetrics) RecordCatalogSyncDuration(_ time.Duration)                 {}
func (n *NoopMetrics) RecordRemoteMutation(_, _ string)                          {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}

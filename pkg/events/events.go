// Package events defines the fixed set of domain events the webhook
// reconciliation engine emits. Events are transient: they are handed to the
// configured Handler once per webhook delivery and never persisted, so the
// same event may be re-emitted when Stripe redelivers a webhook. Idempotent
// consumption is the downstream's responsibility.
package events

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
)

// Type names one of the domain events.
type Type string

const (
	TypeSubscriptionCreated  Type = "subscription_created"
	TypeSubscriptionRenewed  Type = "subscription_renewed"
	TypeSubscriptionCanceled Type = "subscription_canceled"
	TypeSubscriptionDeleted  Type = "subscription_deleted"
	TypeSubscriptionUpdated  Type = "subscription_updated"
	TypeTierChanged          Type = "tier_changed"
	TypeAddonsChanged        Type = "addons_changed"
	TypeInvoiceNeedsPayment  Type = "invoice_needs_payment"
	TypeInvoicePaymentFailed Type = "invoice_payment_failed"
	TypeEarlyFraudWarning    Type = "early_fraud_warning"
	TypeDisputeWarning       Type = "dispute_warning"
	TypeUnprocessedWebhook   Type = "unprocessed_webhook"
	TypeDebug                Type = "debug"
)

// Event is the typed union of all domain events; consumers type-switch on
// the concrete payload structs.
type Event interface {
	Type() Type
}

// Handler receives emitted events. Emission is synchronous and in delivery
// order within a single webhook; unrelated deliveries carry no ordering
// guarantee.
type Handler func(ctx context.Context, event Event)

// AddonChangeKind classifies how a single add-on moved between two
// subscription snapshots.
type AddonChangeKind string

const (
	AddonAdded   AddonChangeKind = "added"
	AddonRemoved AddonChangeKind = "removed"
	AddonUpdated AddonChangeKind = "updated"
	AddonNothing AddonChangeKind = "nothing"
)

// AddonChange is one add-on's classified change. Quantity is the current
// quantity, or the last held quantity for removed add-ons.
type AddonChange struct {
	Kind     AddonChangeKind
	Addon    catalog.Addon
	Quantity int64
}

// PaymentStatus classifies why an invoice needs attention.
type PaymentStatus string

const (
	PaymentOpen           PaymentStatus = "open"
	PaymentActionRequired PaymentStatus = "action_required"
	PaymentFailed         PaymentStatus = "failed"
)

// SubscriptionCreated fires when an invoice with billing reason
// "subscription_create" is paid.
type SubscriptionCreated struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Addons       []catalog.AddonQuantity
	Annual       bool
	Subscription *stripe.Subscription
	Invoice      *stripe.Invoice
}

// SubscriptionRenewed fires when an invoice with billing reason
// "subscription_cycle" is paid.
type SubscriptionRenewed struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Addons       []catalog.AddonQuantity
	Annual       bool
	Subscription *stripe.Subscription
	Invoice      *stripe.Invoice
}

// SubscriptionCanceled fires when a subscription update transitions the
// status to canceled.
type SubscriptionCanceled struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Subscription *stripe.Subscription
}

// SubscriptionDeleted fires when Stripe deletes the subscription object.
type SubscriptionDeleted struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Subscription *stripe.Subscription
}

// SubscriptionUpdated fires on every subscription update, after any more
// specific events for the same delivery.
type SubscriptionUpdated struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Addons       []catalog.AddonQuantity
	Subscription *stripe.Subscription
}

// TierChanged fires when the main tier item differs between the previous and
// current snapshots of an updated subscription.
type TierChanged struct {
	Subject      catalog.Subject
	PreviousTier catalog.Tier
	NewTier      catalog.Tier
	Subscription *stripe.Subscription
}

// AddonsChanged fires when the add-on set or quantities differ between the
// previous and current snapshots. Changes holds one classified entry per
// currently- or previously-held add-on.
type AddonsChanged struct {
	Subject      catalog.Subject
	Tier         catalog.Tier
	Changes      []AddonChange
	Current      []catalog.AddonQuantity
	Previous     []catalog.AddonQuantity
	Subscription *stripe.Subscription
}

// InvoiceNeedsPayment fires for finalized or action-required invoices that
// are not already resolved (paid, void or uncollectible).
type InvoiceNeedsPayment struct {
	Subject       catalog.Subject
	Tier          catalog.Tier
	Status        PaymentStatus
	ShouldNotify  bool
	HostedPayLink string
	Invoice       *stripe.Invoice
	Subscription  *stripe.Subscription
}

// InvoicePaymentFailed fires when a payment attempt on an unresolved invoice
// fails.
type InvoicePaymentFailed struct {
	Subject       catalog.Subject
	Tier          catalog.Tier
	Status        PaymentStatus
	ShouldNotify  bool
	HostedPayLink string
	Invoice       *stripe.Invoice
	Subscription  *stripe.Subscription
}

// EarlyFraudWarning fires for actionable fraud warnings. The engine refunds
// the underlying charge immediately after emitting it.
type EarlyFraudWarning struct {
	Warning  *stripe.RadarEarlyFraudWarning
	ChargeID string
}

// DisputeWarning fires when a dispute is opened against a charge.
type DisputeWarning struct {
	Dispute      *stripe.Dispute
	DashboardURL string
}

// UnprocessedWebhook fires for deliveries the engine could not handle:
// signature failures and unrecognized event types. Payload is the raw body
// as received.
type UnprocessedWebhook struct {
	EventType string
	Payload   []byte
	Reason    string
}

// Debug carries diagnostic breadcrumbs for deliveries that were recognized
// but intentionally ignored.
type Debug struct {
	Message string
	Fields  map[string]any
}

func (SubscriptionCreated) Type() Type  { return TypeSubscriptionCreated }
func (SubscriptionRenewed) Type() Type  { return TypeSubscriptionRenewed }
func (SubscriptionCanceled) Type() Type { return TypeSubscriptionCanceled }
func (SubscriptionDeleted) Type() Type  { return TypeSubscriptionDeleted }
func (SubscriptionUpdated) Type() Type  { return TypeSubscriptionUpdated }
func (TierChanged) Type() Type          { return TypeTierChanged }
func (AddonsChanged) Type() Type        { return TypeAddonsChanged }
func (InvoiceNeedsPayment) Type() Type  { return TypeInvoiceNeedsPayment }
func (InvoicePaymentFailed) Type() Type { return TypeInvoicePaymentFailed }
func (EarlyFraudWarning) Type() Type    { return TypeEarlyFraudWarning }
func (DisputeWarning) Type() Type       { return TypeDisputeWarning }
func (UnprocessedWebhook) Type() Type   { return TypeUnprocessedWebhook }
func (Debug) Type() Type                { return TypeDebug }

package stripecord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
	"github.com/Digital39999/StripeCord/pkg/events"
)

// maxWebhookBody caps the request body read by WebhookHandler. Stripe event
// payloads are far smaller than this.
const maxWebhookBody = 1 << 20

// Result is the HTTP outcome the caller should relay back to Stripe for a
// processed webhook delivery.
type Result struct {
	Status  int
	Message string
}

func okResult() Result {
	return Result{Status: http.StatusOK, Message: "ok"}
}

// HandleWebhook verifies and decodes one raw webhook delivery and emits the
// resulting domain events through the configured handler.
//
// The returned Result carries the status Stripe should see. A non-nil error
// accompanies failures the operator must act on (bad signature, undeclared
// tier); recoverable payload problems such as missing metadata yield a 400
// Result with a nil error so Stripe stops retrying.
func (m *Manager) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	secret, ok := m.secret()
	if !ok {
		return Result{Status: http.StatusServiceUnavailable, Message: "webhook secret not configured"}, ErrWebhookSecretNotReady
	}

	start := time.Now()
	event, err := stripe.ConstructEvent(payload, signature, secret)
	if err != nil {
		m.metrics.RecordWebhookError("signature")
		m.emit(ctx, events.UnprocessedWebhook{
			EventType: "unknown",
			Payload:   json.RawMessage(payload),
			Reason:    "signature verification failed",
		})
		return Result{Status: http.StatusBadRequest, Message: "invalid signature"}, fmt.Errorf("verifying webhook signature: %w", ErrInvalidSignature)
	}

	res, err := m.dispatchEvent(ctx, &event)
	status := "success"
	if err != nil || res.Status >= 400 {
		status = "error"
	}
	m.metrics.RecordWebhookEvent(string(event.Type), status)
	m.metrics.RecordWebhookProcessingDuration(string(event.Type), time.Since(start))
	return res, err
}

// WebhookHandler adapts HandleWebhook to net/http so it can be mounted on
// any router. It consumes the Stripe-Signature header and writes the Result
// status back.
func (m *Manager) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		res, err := m.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			m.log.Error("webhook processing failed", Field{"error", err})
		}
		w.WriteHeader(res.Status)
		_, _ = w.Write([]byte(res.Message))
	})
}

func (m *Manager) dispatchEvent(ctx context.Context, event *stripe.Event) (Result, error) {
	m.log.Debug("webhook event received", Field{"type", string(event.Type)}, Field{"id", event.ID})

	switch event.Type {
	case "invoice.paid":
		return m.onInvoicePaid(ctx, event)
	case "customer.subscription.updated":
		return m.onSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return m.onSubscriptionDeleted(ctx, event)
	case "invoice.finalized", "invoice.payment_action_required", "invoice.payment_failed":
		return m.onInvoicePaymentDue(ctx, event)
	case "radar.early_fraud_warning.created":
		return m.onEarlyFraudWarning(ctx, event)
	case "charge.dispute.created":
		return m.onDisputeCreated(ctx, event)
	case "charge.dispute.funds_withdrawn":
		return m.onDisputeLost(ctx, event)
	default:
		m.emit(ctx, events.UnprocessedWebhook{
			EventType: string(event.Type),
			Payload:   event.Data.Raw,
			Reason:    "no handler registered for event type",
		})
		return Result{Status: http.StatusBadRequest, Message: "Unhandled webhook"}, nil
	}
}

// subscriptionContext is everything the subscription-scoped emitters need:
// the decoded metadata tags, the resolved subject, and the declared tier.
type subscriptionContext struct {
	tags    catalog.SubscriptionTags
	subject catalog.Subject
	tier    catalog.Tier
}

// resolveSubscription decodes the billing tags off a subscription and maps
// them back onto the declared catalog. A missing or malformed tag set is a
// recoverable payload problem; a tag set naming an undeclared tier is an
// operator error carrying a reference number.
func (m *Manager) resolveSubscription(sub *stripe.Subscription) (subscriptionContext, *Result, error) {
	tags, err := catalog.ParseSubscriptionTags(sub.Metadata)
	if err != nil {
		m.metrics.RecordWebhookError("missing_metadata")
		m.log.Warn("subscription carries no usable billing tags",
			Field{"subscription", sub.ID},
			Field{"error", err},
		)
		return subscriptionContext{}, &Result{Status: http.StatusBadRequest, Message: "subscription metadata missing"}, nil
	}

	tier, ok := m.tier(tags.TierID, tags.SubjectType())
	if !ok {
		wrapped := newError("webhook", ErrTierNotFound, fmt.Sprintf("subscription %s references tier %q", sub.ID, tags.TierID))
		return subscriptionContext{}, &Result{Status: http.StatusInternalServerError, Message: "tier not declared"}, wrapped
	}

	return subscriptionContext{tags: tags, subject: tags.Subject(), tier: tier}, nil, nil
}

// resolveItems maps a subscription's line items to declared add-ons, logging
// any tagged item that no longer resolves against the declared catalog.
func (m *Manager) resolveItems(sub *stripe.Subscription, items []*stripe.SubscriptionItem) []catalog.AddonQuantity {
	for _, item := range items {
		tags, ok := itemTags(item)
		if !ok || tags.Kind != catalog.KindAddon {
			continue
		}
		if _, declared := m.addon(tags.ID, tags.SubjectType); !declared {
			m.log.Warn("subscription item references undeclared addon",
				Field{"subscription", sub.ID},
				Field{"addon", tags.ID},
				Field{"item", item.ID},
			)
		}
	}
	return ResolveAddons(items, m.declaredAddons())
}

func (m *Manager) onInvoicePaid(ctx context.Context, event *stripe.Event) (Result, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed invoice payload"}, fmt.Errorf("decoding invoice: %w", err)
	}

	subID := invoiceSubscriptionID(event.Data.Raw)
	if subID == "" {
		m.emit(ctx, events.Debug{
			Message: "invoice.paid without subscription, ignoring",
			Fields:  map[string]any{"invoice": invoice.ID},
		})
		return okResult(), nil
	}

	sub, err := m.client.V1Subscriptions.Retrieve(ctx, subID, nil)
	if err != nil {
		m.metrics.RecordAPICall("/subscriptions", "error")
		return Result{Status: http.StatusInternalServerError, Message: "subscription lookup failed"}, fmt.Errorf("retrieving subscription %s: %w", subID, err)
	}
	m.metrics.RecordAPICall("/subscriptions", "success")

	sc, res, err := m.resolveSubscription(sub)
	if res != nil {
		return *res, err
	}

	var items []*stripe.SubscriptionItem
	if sub.Items != nil {
		items = sub.Items.Data
	}
	addons := m.resolveItems(sub, items)

	switch invoice.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCreate:
		m.emit(ctx, events.SubscriptionCreated{
			Subject:      sc.subject,
			Tier:         sc.tier,
			Addons:       addons,
			Annual:       sc.tags.IsAnnual,
			Subscription: sub,
			Invoice:      &invoice,
		})
	case stripe.InvoiceBillingReasonSubscriptionCycle:
		m.emit(ctx, events.SubscriptionRenewed{
			Subject:      sc.subject,
			Tier:         sc.tier,
			Addons:       addons,
			Annual:       sc.tags.IsAnnual,
			Subscription: sub,
			Invoice:      &invoice,
		})
	default:
		m.emit(ctx, events.Debug{
			Message: "invoice.paid with unhandled billing reason",
			Fields: map[string]any{
				"invoice": invoice.ID,
				"reason":  string(invoice.BillingReason),
			},
		})
	}
	return okResult(), nil
}

func (m *Manager) onSubscriptionUpdated(ctx context.Context, event *stripe.Event) (Result, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed subscription payload"}, fmt.Errorf("decoding subscription: %w", err)
	}

	sc, res, err := m.resolveSubscription(&sub)
	if res != nil {
		return *res, err
	}

	prev := previousSubscriptionState(event.Data.PreviousAttributes)

	var items []*stripe.SubscriptionItem
	if sub.Items != nil {
		items = sub.Items.Data
	}
	prevItems := items
	if prev.items != nil {
		prevItems = prev.items
	}

	// A cancellation is either the status flipping to canceled or a newly
	// scheduled cancel-at-period-end.
	canceledNow := sub.Status == stripe.SubscriptionStatusCanceled && prev.hadStatus && prev.status != string(stripe.SubscriptionStatusCanceled)
	scheduledNow := sub.CancelAtPeriodEnd && prev.hadCancelAtPeriodEnd && !prev.cancelAtPeriodEnd
	if canceledNow || scheduledNow {
		m.emit(ctx, events.SubscriptionCanceled{
			Subject:      sc.subject,
			Tier:         sc.tier,
			Subscription: &sub,
		})
	}

	if diff := DiffTier(items, prevItems, m.declaredTiers()); diff != nil {
		m.emit(ctx, events.TierChanged{
			Subject:      sc.subject,
			PreviousTier: diff.Old,
			NewTier:      diff.New,
			Subscription: &sub,
		})
	}

	if diff := DiffAddons(items, prevItems, m.declaredAddons()); diff != nil {
		m.emit(ctx, events.AddonsChanged{
			Subject:      sc.subject,
			Tier:         sc.tier,
			Changes:      ClassifyAddonChanges(diff.Current, diff.Previous),
			Current:      diff.Current,
			Previous:     diff.Previous,
			Subscription: &sub,
		})
	}

	m.emit(ctx, events.SubscriptionUpdated{
		Subject:      sc.subject,
		Tier:         sc.tier,
		Addons:       m.resolveItems(&sub, items),
		Subscription: &sub,
	})
	return okResult(), nil
}

func (m *Manager) onSubscriptionDeleted(ctx context.Context, event *stripe.Event) (Result, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed subscription payload"}, fmt.Errorf("decoding subscription: %w", err)
	}

	sc, res, err := m.resolveSubscription(&sub)
	if res != nil {
		return *res, err
	}

	m.emit(ctx, events.SubscriptionDeleted{
		Subject:      sc.subject,
		Tier:         sc.tier,
		Subscription: &sub,
	})
	return okResult(), nil
}

func (m *Manager) onInvoicePaymentDue(ctx context.Context, event *stripe.Event) (Result, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed invoice payload"}, fmt.Errorf("decoding invoice: %w", err)
	}

	// Settled and written-off invoices need no payment nudging.
	switch invoice.Status {
	case stripe.InvoiceStatusPaid, stripe.InvoiceStatusVoid, stripe.InvoiceStatusUncollectible:
		m.emit(ctx, events.Debug{
			Message: "invoice event on settled invoice, ignoring",
			Fields:  map[string]any{"invoice": invoice.ID, "status": string(invoice.Status)},
		})
		return okResult(), nil
	}

	subID := invoiceSubscriptionID(event.Data.Raw)
	if subID == "" {
		m.emit(ctx, events.Debug{
			Message: "invoice event without subscription, ignoring",
			Fields:  map[string]any{"invoice": invoice.ID},
		})
		return okResult(), nil
	}

	sub, err := m.client.V1Subscriptions.Retrieve(ctx, subID, nil)
	if err != nil {
		m.metrics.RecordAPICall("/subscriptions", "error")
		return Result{Status: http.StatusInternalServerError, Message: "subscription lookup failed"}, fmt.Errorf("retrieving subscription %s: %w", subID, err)
	}
	m.metrics.RecordAPICall("/subscriptions", "success")

	sc, res, err := m.resolveSubscription(sub)
	if res != nil {
		return *res, err
	}

	status := events.PaymentOpen
	switch event.Type {
	case "invoice.payment_action_required":
		status = events.PaymentActionRequired
	case "invoice.payment_failed":
		status = events.PaymentFailed
	}

	// Nudge the subject when action is required, or when a failed payment has
	// a hosted link they can retry on. A freshly finalized open invoice will
	// usually collect on its own.
	notify := status == events.PaymentActionRequired ||
		(status == events.PaymentFailed && invoice.HostedInvoiceURL != "")

	if status == events.PaymentFailed {
		m.emit(ctx, events.InvoicePaymentFailed{
			Subject:       sc.subject,
			Tier:          sc.tier,
			Status:        status,
			ShouldNotify:  notify,
			HostedPayLink: invoice.HostedInvoiceURL,
			Invoice:       &invoice,
			Subscription:  sub,
		})
	} else {
		m.emit(ctx, events.InvoiceNeedsPayment{
			Subject:       sc.subject,
			Tier:          sc.tier,
			Status:        status,
			ShouldNotify:  notify,
			HostedPayLink: invoice.HostedInvoiceURL,
			Invoice:       &invoice,
			Subscription:  sub,
		})
	}
	return okResult(), nil
}

func (m *Manager) onEarlyFraudWarning(ctx context.Context, event *stripe.Event) (Result, error) {
	var warning stripe.RadarEarlyFraudWarning
	if err := json.Unmarshal(event.Data.Raw, &warning); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed fraud warning payload"}, fmt.Errorf("decoding fraud warning: %w", err)
	}

	if !warning.Actionable {
		m.emit(ctx, events.Debug{
			Message: "fraud warning is not actionable, ignoring",
			Fields:  map[string]any{"warning": warning.ID},
		})
		return okResult(), nil
	}

	chargeID := ""
	if warning.Charge != nil {
		chargeID = warning.Charge.ID
	}
	m.emit(ctx, events.EarlyFraudWarning{
		Warning:  &warning,
		ChargeID: chargeID,
	})

	if chargeID == "" {
		return okResult(), nil
	}

	// Refund proactively so the flagged payment never escalates into a
	// dispute with its associated fee.
	refundParams := &stripe.RefundCreateParams{
		Charge: stripe.String(chargeID),
		Reason: stripe.String(string(stripe.RefundReasonFraudulent)),
	}
	if _, err := m.client.V1Refunds.Create(ctx, refundParams); err != nil {
		m.metrics.RecordRemoteMutation("create_refund", "error")
		return Result{Status: http.StatusInternalServerError, Message: "refund failed"}, fmt.Errorf("refunding flagged charge %s: %w", chargeID, err)
	}
	m.metrics.RecordRemoteMutation("create_refund", "success")
	m.log.Info("flagged charge refunded", Field{"charge", chargeID})
	return okResult(), nil
}

func (m *Manager) onDisputeCreated(ctx context.Context, event *stripe.Event) (Result, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed dispute payload"}, fmt.Errorf("decoding dispute: %w", err)
	}

	m.emit(ctx, events.DisputeWarning{
		Dispute:      &dispute,
		DashboardURL: "https://dashboard.stripe.com/disputes/" + dispute.ID,
	})
	return okResult(), nil
}

// onDisputeLost reacts to funds being withdrawn for a lost dispute: the
// disputing customer's active subscriptions are canceled immediately,
// optionally issuing a final invoice for unbilled usage.
func (m *Manager) onDisputeLost(ctx context.Context, event *stripe.Event) (Result, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return Result{Status: http.StatusBadRequest, Message: "malformed dispute payload"}, fmt.Errorf("decoding dispute: %w", err)
	}
	if dispute.Charge == nil {
		return okResult(), nil
	}

	charge, err := m.client.V1Charges.Retrieve(ctx, dispute.Charge.ID, nil)
	if err != nil {
		m.metrics.RecordAPICall("/charges", "error")
		return Result{Status: http.StatusInternalServerError, Message: "charge lookup failed"}, fmt.Errorf("retrieving disputed charge: %w", err)
	}
	m.metrics.RecordAPICall("/charges", "success")
	if charge.Customer == nil {
		return okResult(), nil
	}

	listParams := &stripe.SubscriptionListParams{
		Customer: stripe.String(charge.Customer.ID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	var active []*stripe.Subscription
	for sub, err := range m.client.V1Subscriptions.List(ctx, listParams) {
		if err != nil {
			m.metrics.RecordAPICall("/subscriptions", "error")
			return Result{Status: http.StatusInternalServerError, Message: "subscription listing failed"}, fmt.Errorf("listing subscriptions for %s: %w", charge.Customer.ID, err)
		}
		active = append(active, sub)
	}
	m.metrics.RecordAPICall("/subscriptions", "success")

	for _, sub := range active {
		cancelParams := &stripe.SubscriptionCancelParams{
			InvoiceNow: stripe.Bool(m.cfg.Options.InvoiceAllOnDisputeLoss),
			Prorate:    stripe.Bool(false),
		}
		if _, err := m.client.V1Subscriptions.Cancel(ctx, sub.ID, cancelParams); err != nil {
			m.metrics.RecordRemoteMutation("cancel_subscription", "error")
			return Result{Status: http.StatusInternalServerError, Message: "cancellation failed"}, fmt.Errorf("canceling subscription %s after dispute loss: %w", sub.ID, err)
		}
		m.metrics.RecordRemoteMutation("cancel_subscription", "success")
	}

	m.log.Warn("dispute lost, subscriptions canceled",
		Field{"dispute", dispute.ID},
		Field{"customer", charge.Customer.ID},
		Field{"canceled", len(active)},
	)
	return okResult(), nil
}

// previousState carries the fragments of previous_attributes the decoder
// cares about. Stripe only includes fields that actually changed, so every
// fragment tracks whether it was present at all.
type previousState struct {
	items                []*stripe.SubscriptionItem
	status               string
	hadStatus            bool
	cancelAtPeriodEnd    bool
	hadCancelAtPeriodEnd bool
}

// previousSubscriptionState re-marshals the loosely typed previous_attributes
// map so the fragments can be decoded into SDK types.
func previousSubscriptionState(attributes map[string]interface{}) previousState {
	var state previousState
	if len(attributes) == 0 {
		return state
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return state
	}

	var attrs struct {
		Items             *stripe.SubscriptionItemList `json:"items"`
		Status            *string                      `json:"status"`
		CancelAtPeriodEnd *bool                        `json:"cancel_at_period_end"`
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return state
	}
	if attrs.Items != nil {
		state.items = attrs.Items.Data
	}
	if attrs.Status != nil {
		state.status = *attrs.Status
		state.hadStatus = true
	}
	if attrs.CancelAtPeriodEnd != nil {
		state.cancelAtPeriodEnd = *attrs.CancelAtPeriodEnd
		state.hadCancelAtPeriodEnd = true
	}
	return state
}

// invoiceSubscriptionID pulls the subscription reference off a raw invoice
// payload. Depending on expansion it arrives as an ID string or as an
// embedded object.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	field, ok := probe["subscription"]
	if !ok {
		// Newer API versions nest the reference under parent.subscription_details.
		parentRaw, ok := probe["parent"]
		if !ok {
			return ""
		}
		var parent struct {
			SubscriptionDetails struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		}
		if err := json.Unmarshal(parentRaw, &parent); err != nil {
			return ""
		}
		field = parent.SubscriptionDetails.Subscription
	}
	if len(field) == 0 {
		return ""
	}

	var id string
	if err := json.Unmarshal(field, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(field, &obj); err == nil {
		return obj.ID
	}
	return ""
}

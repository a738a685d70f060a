package stripecord

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
)

// ChargeType controls how the cost delta of a subscription mutation is
// collected.
type ChargeType string

const (
	// ChargeImmediate invoices the proration right away on the default
	// payment method.
	ChargeImmediate ChargeType = "immediate"
	// ChargeEndOfPeriod records prorations and rolls them into the next
	// scheduled invoice.
	ChargeEndOfPeriod ChargeType = "end_of_period"
	// ChargeSendInvoice records prorations and issues a separate emailed
	// invoice due within Options.DefaultDueDays.
	ChargeSendInvoice ChargeType = "send_invoice"
)

func (c ChargeType) prorationBehavior() string {
	if c == ChargeImmediate {
		return "always_invoice"
	}
	return "create_prorations"
}

// ChangeSubscriptionTier moves the subject's active subscription onto a
// different declared tier by substituting the tier line item's price.
// Changing to the currently held tier is a no-op and performs no remote
// writes. Billing cadence (monthly or yearly) is preserved.
func (m *Manager) ChangeSubscriptionTier(ctx context.Context, subject catalog.Subject, newTierID string, charge ChargeType) (*stripe.Subscription, error) {
	sub, tags, err := m.activeSubscription(ctx, subject)
	if err != nil {
		return nil, err
	}
	if tags.TierID == newTierID {
		m.log.Debug("tier change is a no-op", Field{"subscription", sub.ID}, Field{"tier", newTierID})
		return sub, nil
	}

	if _, ok := m.tier(newTierID, subject.Type); !ok {
		return nil, newError("mutate", ErrTierNotFound, fmt.Sprintf("tier %q not declared for %s subjects", newTierID, subject.Type))
	}
	rt, err := m.remoteTier(ctx, newTierID, subject.Type)
	if err != nil {
		return nil, err
	}

	tierItem := m.findTierItem(sub)
	if tierItem == nil {
		return nil, newError("mutate", ErrSubscriptionNotFound, fmt.Sprintf("subscription %s carries no tagged tier item", sub.ID))
	}

	updateParams := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(tierItem.ID),
				Price: stripe.String(rt.PriceID(tags.IsAnnual)),
			},
		},
		ProrationBehavior: stripe.String(charge.prorationBehavior()),
	}
	updateParams.AddMetadata(catalog.MetaTierID, newTierID)

	updated, err := m.client.V1Subscriptions.Update(ctx, sub.ID, updateParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("update_subscription", "error")
		return nil, fmt.Errorf("changing tier on %s: %w", sub.ID, err)
	}
	m.metrics.RecordRemoteMutation("update_subscription", "success")

	if charge == ChargeSendInvoice {
		if err := m.sendProrationInvoice(ctx, updated); err != nil {
			return updated, err
		}
	}

	m.log.Info("subscription tier changed",
		Field{"subscription", sub.ID},
		Field{"from", tags.TierID},
		Field{"to", newTierID},
	)
	return updated, nil
}

// ChangeSubscriptionAddons reconciles the subject's subscription line items
// against the desired add-on set: missing add-ons are attached, surplus ones
// detached, and quantity drift corrected. A desired set that already matches
// the subscription is a no-op and performs no remote writes.
func (m *Manager) ChangeSubscriptionAddons(ctx context.Context, subject catalog.Subject, desired []AddonSelection, charge ChargeType) (*stripe.Subscription, error) {
	sub, tags, err := m.activeSubscription(ctx, subject)
	if err != nil {
		return nil, err
	}

	for _, sel := range desired {
		if _, ok := m.addon(sel.ID, subject.Type); !ok {
			return nil, newError("mutate", ErrAddonNotFound, fmt.Sprintf("addon %q not declared for %s subjects", sel.ID, subject.Type))
		}
	}

	current := make(map[string]*stripe.SubscriptionItem)
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			itTags, ok := itemTags(item)
			if !ok || itTags.Kind != catalog.KindAddon {
				continue
			}
			current[itTags.ID] = item
		}
	}

	var itemParams []*stripe.SubscriptionUpdateItemParams
	wanted := make(map[string]bool, len(desired))
	for _, sel := range desired {
		qty := sel.Quantity
		if qty <= 0 {
			qty = 1
		}
		wanted[sel.ID] = true

		if item, ok := current[sel.ID]; ok {
			if item.Quantity == qty {
				continue
			}
			itemParams = append(itemParams, &stripe.SubscriptionUpdateItemParams{
				ID:       stripe.String(item.ID),
				Quantity: stripe.Int64(qty),
			})
			continue
		}

		ra, err := m.remoteAddon(ctx, sel.ID, subject.Type)
		if err != nil {
			return nil, err
		}
		itemParams = append(itemParams, &stripe.SubscriptionUpdateItemParams{
			Price:    stripe.String(ra.PriceID(tags.IsAnnual)),
			Quantity: stripe.Int64(qty),
		})
	}
	for id, item := range current {
		if wanted[id] {
			continue
		}
		itemParams = append(itemParams, &stripe.SubscriptionUpdateItemParams{
			ID:      stripe.String(item.ID),
			Deleted: stripe.Bool(true),
		})
	}

	if len(itemParams) == 0 {
		m.log.Debug("addon change is a no-op", Field{"subscription", sub.ID})
		return sub, nil
	}

	updateParams := &stripe.SubscriptionUpdateParams{
		Items:             itemParams,
		ProrationBehavior: stripe.String(charge.prorationBehavior()),
	}
	updated, err := m.client.V1Subscriptions.Update(ctx, sub.ID, updateParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("update_subscription", "error")
		return nil, fmt.Errorf("changing addons on %s: %w", sub.ID, err)
	}
	m.metrics.RecordRemoteMutation("update_subscription", "success")

	if charge == ChargeSendInvoice {
		if err := m.sendProrationInvoice(ctx, updated); err != nil {
			return updated, err
		}
	}

	m.log.Info("subscription addons changed",
		Field{"subscription", sub.ID},
		Field{"items", len(itemParams)},
	)
	return updated, nil
}

// CancelSubscription ends the subject's active subscription, either at the
// period boundary or immediately.
func (m *Manager) CancelSubscription(ctx context.Context, subject catalog.Subject, atPeriodEnd bool) (*stripe.Subscription, error) {
	sub, _, err := m.activeSubscription(ctx, subject)
	if err != nil {
		return nil, err
	}

	if atPeriodEnd {
		updateParams := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		updated, err := m.client.V1Subscriptions.Update(ctx, sub.ID, updateParams)
		if err != nil {
			m.metrics.RecordRemoteMutation("update_subscription", "error")
			return nil, fmt.Errorf("scheduling cancellation of %s: %w", sub.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_subscription", "success")
		m.log.Info("subscription cancellation scheduled", Field{"subscription", sub.ID})
		return updated, nil
	}

	canceled, err := m.client.V1Subscriptions.Cancel(ctx, sub.ID, &stripe.SubscriptionCancelParams{})
	if err != nil {
		m.metrics.RecordRemoteMutation("cancel_subscription", "error")
		return nil, fmt.Errorf("canceling %s: %w", sub.ID, err)
	}
	m.metrics.RecordRemoteMutation("cancel_subscription", "success")
	m.log.Info("subscription canceled", Field{"subscription", sub.ID})
	return canceled, nil
}

// RefundCharge refunds a charge in full. reason must be one of Stripe's
// accepted refund reasons, or empty.
func (m *Manager) RefundCharge(ctx context.Context, chargeID, reason string) (*stripe.Refund, error) {
	refundParams := &stripe.RefundCreateParams{
		Charge: stripe.String(chargeID),
	}
	if reason != "" {
		refundParams.Reason = stripe.String(reason)
	}
	refund, err := m.client.V1Refunds.Create(ctx, refundParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_refund", "error")
		return nil, fmt.Errorf("refunding charge %s: %w", chargeID, err)
	}
	m.metrics.RecordRemoteMutation("create_refund", "success")
	m.log.Info("charge refunded", Field{"charge", chargeID})
	return refund, nil
}

// TransferSubscription retargets a subscription's billing metadata to a new
// subject without touching line items or the underlying customer. The held
// tier must be declared for the new subject's type.
func (m *Manager) TransferSubscription(ctx context.Context, subscriptionID string, newSubject catalog.Subject) (*stripe.Subscription, error) {
	if !newSubject.Type.Valid() || newSubject.UserID == "" {
		return nil, newError("mutate", ErrSubjectTypeMismatch, "new subject is incomplete")
	}
	if newSubject.Type == catalog.SubjectGuild && newSubject.GuildID == "" {
		return nil, newError("mutate", ErrSubjectTypeMismatch, "guild subject requires a guild id")
	}

	sub, err := m.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		m.metrics.RecordAPICall("/subscriptions", "error")
		return nil, fmt.Errorf("retrieving subscription %s: %w", subscriptionID, err)
	}
	m.metrics.RecordAPICall("/subscriptions", "success")

	tags, err := catalog.ParseSubscriptionTags(sub.Metadata)
	if err != nil {
		return nil, newError("mutate", err, fmt.Sprintf("subscription %s carries no usable billing tags", subscriptionID))
	}
	if _, ok := m.tier(tags.TierID, newSubject.Type); !ok {
		return nil, newError("mutate", ErrSubjectTypeMismatch,
			fmt.Sprintf("tier %q is not declared for %s subjects", tags.TierID, newSubject.Type))
	}

	newTags := catalog.SubscriptionTags{
		TierID:    tags.TierID,
		SubjectID: newSubject.UserID,
		GuildID:   newSubject.GuildID,
		IsUserSub: newSubject.Type == catalog.SubjectUser,
		IsAnnual:  tags.IsAnnual,
	}
	updateParams := &stripe.SubscriptionUpdateParams{}
	for k, v := range newTags.Encode() {
		updateParams.AddMetadata(k, v)
	}

	updated, err := m.client.V1Subscriptions.Update(ctx, subscriptionID, updateParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("update_subscription", "error")
		return nil, fmt.Errorf("transferring subscription %s: %w", subscriptionID, err)
	}
	m.metrics.RecordRemoteMutation("update_subscription", "success")
	m.log.Info("subscription transferred",
		Field{"subscription", subscriptionID},
		Field{"subject", newSubject.UserID},
		Field{"subject_type", string(newSubject.Type)},
	)
	return updated, nil
}

// activeSubscription locates the subject's active subscription and decodes
// its billing tags.
func (m *Manager) activeSubscription(ctx context.Context, subject catalog.Subject) (*stripe.Subscription, catalog.SubscriptionTags, error) {
	sub, err := m.findActiveSubscription(ctx, subject)
	if err != nil {
		return nil, catalog.SubscriptionTags{}, err
	}
	if sub == nil {
		return nil, catalog.SubscriptionTags{}, newError("mutate", ErrSubscriptionNotFound,
			fmt.Sprintf("%s subject %s holds no active subscription", subject.Type, subject.UserID))
	}
	tags, err := catalog.ParseSubscriptionTags(sub.Metadata)
	if err != nil {
		return nil, catalog.SubscriptionTags{}, newError("mutate", err,
			fmt.Sprintf("subscription %s carries no usable billing tags", sub.ID))
	}
	return sub, tags, nil
}

func (m *Manager) findTierItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		tags, ok := itemTags(item)
		if ok && tags.Kind == catalog.KindTier {
			return item
		}
	}
	return nil
}

// sendProrationInvoice collects the pending proration items onto an emailed
// invoice due within Options.DefaultDueDays, and finalizes it so Stripe
// sends it.
func (m *Manager) sendProrationInvoice(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil {
		return newError("mutate", ErrSubscriptionNotFound, fmt.Sprintf("subscription %s has no customer", sub.ID))
	}

	invoiceParams := &stripe.InvoiceCreateParams{
		Customer:         stripe.String(sub.Customer.ID),
		Subscription:     stripe.String(sub.ID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(m.cfg.Options.DefaultDueDays),
		AutoAdvance:      stripe.Bool(false),
	}
	invoice, err := m.client.V1Invoices.Create(ctx, invoiceParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_invoice", "error")
		return fmt.Errorf("creating proration invoice for %s: %w", sub.ID, err)
	}
	m.metrics.RecordRemoteMutation("create_invoice", "success")

	if _, err := m.client.V1Invoices.FinalizeInvoice(ctx, invoice.ID, nil); err != nil {
		m.metrics.RecordRemoteMutation("finalize_invoice", "error")
		return fmt.Errorf("finalizing proration invoice %s: %w", invoice.ID, err)
	}
	m.metrics.RecordRemoteMutation("finalize_invoice", "success")

	m.log.Info("proration invoice sent",
		Field{"subscription", sub.ID},
		Field{"invoice", invoice.ID},
		Field{"due_days", m.cfg.Options.DefaultDueDays},
	)
	return nil
}

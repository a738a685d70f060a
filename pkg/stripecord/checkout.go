package stripecord

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
)

// AddonSelection picks a declared add-on by identifier for a purchase or a
// subscription mutation.
type AddonSelection struct {
	ID       string
	Quantity int64
}

// CheckoutParams describes one hosted checkout session for a subject.
type CheckoutParams struct {
	Subject catalog.Subject
	TierID  string
	Addons  []AddonSelection
	Annual  bool

	// SuccessURL and CancelURL override Options.RedirectURL when set.
	SuccessURL string
	CancelURL  string

	// CustomerEmail seeds the Stripe customer on first purchase.
	CustomerEmail string
}

// CreateCheckoutSession builds a hosted checkout session for a tier plus
// optional add-ons. The session's subscription is tagged with the billing
// metadata the webhook decoder resolves against, so the resulting
// subscription is self-describing.
//
// A subject with an active subscription cannot open a second one; callers
// should use ChangeSubscriptionTier or ChangeSubscriptionAddons instead.
func (m *Manager) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	if err := m.validateCheckoutParams(&p); err != nil {
		return nil, err
	}

	tier, _ := m.tier(p.TierID, p.Subject.Type)
	if !tier.Active {
		return nil, newError("checkout", ErrTierNotFound, fmt.Sprintf("tier %q is not purchasable", p.TierID))
	}
	if tier.PriceCents <= 0 {
		return nil, newError("checkout", ErrInvalidPrice, fmt.Sprintf("tier %q has no positive price", p.TierID))
	}

	existing, err := m.findActiveSubscription(ctx, p.Subject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, newError("checkout", ErrDuplicateSubscription, fmt.Sprintf("subject already holds subscription %s", existing.ID))
	}

	customer, err := m.ensureCustomer(ctx, p.Subject, p.CustomerEmail)
	if err != nil {
		return nil, err
	}

	lineItems, err := m.checkoutLineItems(ctx, p)
	if err != nil {
		return nil, err
	}

	successURL := p.SuccessURL
	if successURL == "" {
		successURL = m.cfg.Options.RedirectURL
	}
	cancelURL := p.CancelURL
	if cancelURL == "" {
		cancelURL = m.cfg.Options.RedirectURL
	}

	sessionParams := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customer.ID),
		ClientReferenceID: stripe.String(p.Subject.UserID),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems:         lineItems,
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	tags := catalog.SubscriptionTags{
		TierID:    p.TierID,
		SubjectID: p.Subject.UserID,
		GuildID:   p.Subject.GuildID,
		IsUserSub: p.Subject.Type == catalog.SubjectUser,
		IsAnnual:  p.Annual,
	}
	for k, v := range tags.Encode() {
		sessionParams.SubscriptionData.AddMetadata(k, v)
	}

	session, err := m.client.V1CheckoutSessions.Create(ctx, sessionParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_checkout_session", "error")
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	m.metrics.RecordRemoteMutation("create_checkout_session", "success")

	m.log.Info("checkout session created",
		Field{"session", session.ID},
		Field{"tier", p.TierID},
		Field{"subject_type", string(p.Subject.Type)},
		Field{"annual", p.Annual},
	)
	return session, nil
}

// CreatePortalSession opens a billing portal session so an existing customer
// can manage payment methods and invoices on Stripe's hosted pages.
func (m *Manager) CreatePortalSession(ctx context.Context, subject catalog.Subject, returnURL string) (*stripe.BillingPortalSession, error) {
	customer, err := m.findCustomer(ctx, subject)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, newError("portal", ErrSubscriptionNotFound, "subject has no billing customer")
	}

	if returnURL == "" {
		returnURL = m.cfg.Options.RedirectURL
	}
	portalParams := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customer.ID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := m.client.V1BillingPortalSessions.Create(ctx, portalParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_portal_session", "error")
		return nil, fmt.Errorf("creating portal session: %w", err)
	}
	m.metrics.RecordRemoteMutation("create_portal_session", "success")
	return session, nil
}

func (m *Manager) validateCheckoutParams(p *CheckoutParams) error {
	if !p.Subject.Type.Valid() {
		return newError("checkout", ErrSubjectTypeMismatch, fmt.Sprintf("unknown subject type %q", p.Subject.Type))
	}
	if p.Subject.UserID == "" {
		return newError("checkout", ErrSubjectTypeMismatch, "subject user id is required")
	}
	if p.Subject.Type == catalog.SubjectGuild && p.Subject.GuildID == "" {
		return newError("checkout", ErrSubjectTypeMismatch, "guild subject requires a guild id")
	}

	if _, ok := m.tier(p.TierID, p.Subject.Type); !ok {
		return newError("checkout", ErrTierNotFound, fmt.Sprintf("tier %q not declared for %s subjects", p.TierID, p.Subject.Type))
	}
	for _, sel := range p.Addons {
		addon, ok := m.addon(sel.ID, p.Subject.Type)
		if !ok {
			return newError("checkout", ErrAddonNotFound, fmt.Sprintf("addon %q not declared for %s subjects", sel.ID, p.Subject.Type))
		}
		if !addon.Active || addon.PriceCents <= 0 {
			return newError("checkout", ErrAddonNotFound, fmt.Sprintf("addon %q is not purchasable", sel.ID))
		}
	}
	return nil
}

func (m *Manager) checkoutLineItems(ctx context.Context, p CheckoutParams) ([]*stripe.CheckoutSessionCreateLineItemParams, error) {
	rt, err := m.remoteTier(ctx, p.TierID, p.Subject.Type)
	if err != nil {
		return nil, err
	}

	lineItems := []*stripe.CheckoutSessionCreateLineItemParams{
		{
			Price:    stripe.String(rt.PriceID(p.Annual)),
			Quantity: stripe.Int64(1),
		},
	}
	for _, sel := range p.Addons {
		ra, err := m.remoteAddon(ctx, sel.ID, p.Subject.Type)
		if err != nil {
			return nil, err
		}
		qty := sel.Quantity
		if qty <= 0 {
			qty = 1
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionCreateLineItemParams{
			Price:    stripe.String(ra.PriceID(p.Annual)),
			Quantity: stripe.Int64(qty),
		})
	}
	return lineItems, nil
}

// findActiveSubscription locates the subject's active subscription through
// Stripe's search index on the billing metadata.
func (m *Manager) findActiveSubscription(ctx context.Context, subject catalog.Subject) (*stripe.Subscription, error) {
	var query string
	switch subject.Type {
	case catalog.SubjectGuild:
		query = fmt.Sprintf("status:'active' AND metadata['%s']:'%s'", catalog.MetaGuildID, subject.GuildID)
	default:
		query = fmt.Sprintf("status:'active' AND metadata['%s']:'%s' AND metadata['%s']:'true'",
			catalog.MetaSubjectID, subject.UserID, catalog.MetaIsUserSub)
	}

	searchParams := &stripe.SubscriptionSearchParams{}
	searchParams.Query = query
	for sub, err := range m.client.V1Subscriptions.Search(ctx, searchParams) {
		if err != nil {
			m.metrics.RecordAPICall("/subscriptions/search", "error")
			return nil, fmt.Errorf("searching subscriptions: %w", err)
		}
		m.metrics.RecordAPICall("/subscriptions/search", "success")
		return sub, nil
	}
	m.metrics.RecordAPICall("/subscriptions/search", "success")
	return nil, nil
}

// findCustomer looks up the Stripe customer previously created for a
// subject, or nil when none exists yet.
func (m *Manager) findCustomer(ctx context.Context, subject catalog.Subject) (*stripe.Customer, error) {
	query := fmt.Sprintf("metadata['%s']:'%s'", catalog.MetaSubjectID, subject.UserID)
	searchParams := &stripe.CustomerSearchParams{}
	searchParams.Query = query
	for customer, err := range m.client.V1Customers.Search(ctx, searchParams) {
		if err != nil {
			m.metrics.RecordAPICall("/customers/search", "error")
			return nil, fmt.Errorf("searching customers: %w", err)
		}
		m.metrics.RecordAPICall("/customers/search", "success")
		return customer, nil
	}
	m.metrics.RecordAPICall("/customers/search", "success")
	return nil, nil
}

// ensureCustomer reuses the subject's existing Stripe customer or creates
// one tagged with the subject identity. Search-first keeps repeat purchases
// from scattering payment history across duplicate customers.
func (m *Manager) ensureCustomer(ctx context.Context, subject catalog.Subject, email string) (*stripe.Customer, error) {
	customer, err := m.findCustomer(ctx, subject)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		return customer, nil
	}

	createParams := &stripe.CustomerCreateParams{}
	if email != "" {
		createParams.Email = stripe.String(email)
	}
	createParams.AddMetadata(catalog.MetaSubjectID, subject.UserID)
	if subject.GuildID != "" {
		createParams.AddMetadata(catalog.MetaGuildID, subject.GuildID)
	}
	customer, err = m.client.V1Customers.Create(ctx, createParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_customer", "error")
		return nil, fmt.Errorf("creating customer: %w", err)
	}
	m.metrics.RecordRemoteMutation("create_customer", "success")
	m.log.Info("customer created",
		Field{"customer", customer.ID},
		Field{"subject", subject.UserID},
	)
	return customer, nil
}

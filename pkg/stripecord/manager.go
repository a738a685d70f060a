// Package stripecord reconciles a declarative tier/add-on catalog and a
// Stripe webhook stream into typed domain events. The engine holds no state
// of its own between webhook deliveries: Stripe is authoritative and every
// reconciliation operation is idempotent and safe to re-run out of order.
package stripecord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
	"github.com/Digital39999/StripeCord/pkg/events"
)

const defaultDueDays = 7

// Manager is the engine facade: catalog synchronization, webhook decoding,
// checkout and subscription mutations.
type Manager struct {
	cfg     Config
	client  *stripe.Client
	log     Logger
	metrics Metrics
	handler events.Handler

	tiersByKey  map[string]catalog.Tier
	addonsByKey map[string]catalog.Addon

	// Webhook secret state machine: Uninitialized -> Ready. Guarded because
	// Bootstrap may race with inbound deliveries.
	secretMu      sync.RWMutex
	webhookSecret string

	// Remote catalog cache, refreshed by SyncCatalog/ResolveRemoteCatalog.
	remoteMu     sync.RWMutex
	remoteTiers  map[string]catalog.RemoteTier
	remoteAddons map[string]catalog.RemoteAddon
}

// New creates a Manager from the declared configuration. The webhook secret
// state is Ready immediately when Config.WebhookSecret is set; otherwise
// Bootstrap must be called once before HandleWebhook.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Options.DefaultDueDays <= 0 {
		cfg.Options.DefaultDueDays = defaultDueDays
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	var client *stripe.Client
	if cfg.APIBaseURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL: stripe.String(cfg.APIBaseURL),
		})
		client = stripe.NewClient(apiKey, stripe.WithBackends(&stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}))
	} else {
		client = stripe.NewClient(apiKey)
	}

	m := &Manager{
		cfg:           cfg,
		client:        client,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		handler:       cfg.Handler,
		tiersByKey:    make(map[string]catalog.Tier, len(cfg.Tiers)),
		addonsByKey:   make(map[string]catalog.Addon, len(cfg.Addons)),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		remoteTiers:   make(map[string]catalog.RemoteTier),
		remoteAddons:  make(map[string]catalog.RemoteAddon),
	}
	for _, t := range cfg.Tiers {
		m.tiersByKey[catalog.Key(t.ID, t.SubjectType)] = t
	}
	for _, a := range cfg.Addons {
		m.addonsByKey[catalog.Key(a.ID, a.SubjectType)] = a
	}
	return m, nil
}

// Bootstrap registers a webhook endpoint at Config.WebhookURL and captures
// its signing secret, moving the secret state machine to Ready. Stripe only
// reveals the secret at endpoint creation, so when an endpoint for the URL
// already exists the operator must configure WebhookSecret explicitly.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.secretMu.RLock()
	ready := m.webhookSecret != ""
	m.secretMu.RUnlock()
	if ready {
		return nil
	}
	if m.cfg.WebhookURL == "" {
		return fmt.Errorf("%w: no WebhookURL to register", ErrNotConfigured)
	}

	listParams := &stripe.WebhookEndpointListParams{}
	for endpoint, err := range m.client.V1WebhookEndpoints.List(ctx, listParams) {
		if err != nil {
			m.metrics.RecordAPICall("/webhook_endpoints", "error")
			return fmt.Errorf("listing webhook endpoints: %w", err)
		}
		if endpoint.URL == m.cfg.WebhookURL {
			return fmt.Errorf("%w: endpoint %s already registered for %s; set WebhookSecret from the dashboard",
				ErrWebhookSecretNotReady, endpoint.ID, m.cfg.WebhookURL)
		}
	}

	createParams := &stripe.WebhookEndpointCreateParams{
		URL: stripe.String(m.cfg.WebhookURL),
		EnabledEvents: stripe.StringSlice([]string{
			"invoice.paid",
			"invoice.finalized",
			"invoice.payment_failed",
			"invoice.payment_action_required",
			"customer.subscription.updated",
			"customer.subscription.deleted",
			"radar.early_fraud_warning.created",
			"charge.dispute.created",
			"charge.dispute.funds_withdrawn",
		}),
	}
	endpoint, err := m.client.V1WebhookEndpoints.Create(ctx, createParams)
	if err != nil {
		m.metrics.RecordAPICall("/webhook_endpoints", "error")
		return fmt.Errorf("creating webhook endpoint: %w", err)
	}
	m.metrics.RecordAPICall("/webhook_endpoints", "success")

	m.secretMu.Lock()
	m.webhookSecret = endpoint.Secret
	m.secretMu.Unlock()

	m.log.Info("webhook endpoint registered",
		Field{"endpoint_id", endpoint.ID},
		Field{"url", m.cfg.WebhookURL},
	)
	return nil
}

// secret returns the signing secret once the state machine is Ready.
func (m *Manager) secret() (string, bool) {
	m.secretMu.RLock()
	defer m.secretMu.RUnlock()
	return m.webhookSecret, m.webhookSecret != ""
}

// emit hands one domain event to the configured handler.
func (m *Manager) emit(ctx context.Context, event events.Event) {
	m.metrics.RecordDomainEvent(string(event.Type()))
	m.log.Debug("emitting domain event", Field{"type", string(event.Type())})
	if m.handler != nil {
		m.handler(ctx, event)
	}
}

// tier looks up a declared tier by identity key.
func (m *Manager) tier(id string, subjectType catalog.SubjectType) (catalog.Tier, bool) {
	t, ok := m.tiersByKey[catalog.Key(id, subjectType)]
	return t, ok
}

// addon looks up a declared add-on by identity key.
func (m *Manager) addon(id string, subjectType catalog.SubjectType) (catalog.Addon, bool) {
	a, ok := m.addonsByKey[catalog.Key(id, subjectType)]
	return a, ok
}

// declaredTiers returns the declared tiers in configuration order.
func (m *Manager) declaredTiers() []catalog.Tier { return m.cfg.Tiers }

// declaredAddons returns the declared add-ons in configuration order.
func (m *Manager) declaredAddons() []catalog.Addon { return m.cfg.Addons }

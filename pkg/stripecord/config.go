package stripecord

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/Digital39999/StripeCord/pkg/catalog"
	"github.com/Digital39999/StripeCord/pkg/events"
)

// Options tune engine behavior. The zero value is usable.
type Options struct {
	// IncludeTaxInPrice marks created prices as tax-inclusive instead of
	// tax-exclusive.
	IncludeTaxInPrice bool

	// DeleteUnknownEntries deactivates remote products (and their prices)
	// that carry catalog tags but are absent from the declared catalog.
	DeleteUnknownEntries bool

	// DefaultDueDays is the due-date offset for send-invoice mutations.
	// Defaults to 7 when zero.
	DefaultDueDays int64

	// RedirectURL is the default success/cancel destination for hosted
	// checkout sessions when the caller does not override it.
	RedirectURL string

	// InvoiceAllOnDisputeLoss forces an immediate final invoice when a
	// subscription is canceled after dispute funds are withdrawn.
	InvoiceAllOnDisputeLoss bool
}

// Config is the declarative configuration the engine consumes read-only.
type Config struct {
	// APIKey is the Stripe secret key used for all outbound calls.
	APIKey string `validate:"required"`

	// WebhookURL is where Stripe delivers events. Required only when no
	// WebhookSecret is configured, so Bootstrap can register the endpoint
	// and capture the signing secret.
	WebhookURL string `validate:"omitempty,url"`

	// WebhookSecret verifies inbound webhook signatures. When empty the
	// secret state machine starts Uninitialized and Bootstrap must be called
	// before any webhook can be handled.
	WebhookSecret string

	// APIBaseURL overrides the Stripe API base URL. Used in tests.
	APIBaseURL string

	// Tiers and Addons form the declared catalog, the source of truth the
	// remote catalog is reconciled against.
	Tiers  []catalog.Tier
	Addons []catalog.Addon

	Options Options

	// Handler consumes emitted domain events. A nil handler drops events
	// after logging them.
	Handler events.Handler

	// Logger defaults to NoopLogger, Metrics to NoopMetrics.
	Logger  Logger
	Metrics Metrics
}

var validateConfig = validator.New()

func (c *Config) validate() error {
	if err := validateConfig.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	if c.WebhookSecret == "" && c.WebhookURL == "" {
		return fmt.Errorf("%w: either WebhookSecret or WebhookURL is required", ErrNotConfigured)
	}
	seen := make(map[string]bool)
	for _, t := range c.Tiers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		key := catalog.Key(t.ID, t.SubjectType)
		if seen["tier:"+key] {
			return fmt.Errorf("%w: duplicate tier identity %s", ErrNotConfigured, key)
		}
		seen["tier:"+key] = true
	}
	for _, a := range c.Addons {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		key := catalog.Key(a.ID, a.SubjectType)
		if seen["addon:"+key] {
			return fmt.Errorf("%w: duplicate addon identity %s", ErrNotConfigured, key)
		}
		seen["addon:"+key] = true
	}
	return nil
}

type envConfig struct {
	APIKey                  string `envconfig:"API_KEY" required:"true"`
	WebhookURL              string `envconfig:"WEBHOOK_URL"`
	WebhookSecret           string `envconfig:"WEBHOOK_SECRET"`
	IncludeTaxInPrice       bool   `envconfig:"INCLUDE_TAX_IN_PRICE"`
	DeleteUnknownEntries    bool   `envconfig:"DELETE_UNKNOWN_ENTRIES"`
	DefaultDueDays          int64  `envconfig:"DEFAULT_DUE_DAYS"`
	RedirectURL             string `envconfig:"REDIRECT_URL"`
	InvoiceAllOnDisputeLoss bool   `envconfig:"INVOICE_ALL_ON_DISPUTE_LOSS"`
}

// LoadEnv fills the scalar configuration (keys, URLs, options) from
// STRIPECORD_* environment variables. The declared catalog cannot come from
// the environment; append Tiers and Addons before constructing the manager.
func LoadEnv() (Config, error) {
	var env envConfig
	if err := envconfig.Process("stripecord", &env); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	return Config{
		APIKey:        env.APIKey,
		WebhookURL:    env.WebhookURL,
		WebhookSecret: env.WebhookSecret,
		Options: Options{
			IncludeTaxInPrice:       env.IncludeTaxInPrice,
			DeleteUnknownEntries:    env.DeleteUnknownEntries,
			DefaultDueDays:          env.DefaultDueDays,
			RedirectURL:             env.RedirectURL,
			InvoiceAllOnDisputeLoss: env.InvoiceAllOnDisputeLoss,
		},
	}, nil
}

// Package catalog holds the declarative subscription catalog: tiers and
// add-ons scoped to a user or guild subject, and their remote Stripe
// counterparts. The catalog is pure data; reconciliation against Stripe
// lives in pkg/stripecord.
package catalog

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SubjectType identifies who a tier, add-on or subscription belongs to.
type SubjectType string

const (
	SubjectUser  SubjectType = "user"
	SubjectGuild SubjectType = "guild"
)

// Valid reports whether the subject type is one of the known values.
func (s SubjectType) Valid() bool {
	return s == SubjectUser || s == SubjectGuild
}

// Kind distinguishes tier products from add-on products in remote metadata.
type Kind string

const (
	KindTier  Kind = "tier"
	KindAddon Kind = "addon"
)

// defaultYearlyMultiplier is applied when a declared entry carries no
// explicit multiplier (or one below 1, which is treated as absent).
const defaultYearlyMultiplier = 10

// Tier is a declared subscription plan. The pair (ID, SubjectType) is the
// stable identity key echoed into Stripe metadata; everything else may change
// between catalog versions.
type Tier struct {
	ID               string      `validate:"required"`
	SubjectType      SubjectType `validate:"required,oneof=user guild"`
	Name             string      `validate:"required"`
	PriceCents       int64
	Currency         string `validate:"required,len=3"`
	YearlyMultiplier float64
	Active           bool
}

// Addon is a declared optional extra billed alongside a tier. Add-ons are
// quantity-bearing on subscriptions.
type Addon struct {
	ID               string      `validate:"required"`
	SubjectType      SubjectType `validate:"required,oneof=user guild"`
	Name             string      `validate:"required"`
	PriceCents       int64
	Currency         string `validate:"required,len=3"`
	YearlyMultiplier float64
	Active           bool
}

// RemoteRef holds the Stripe object identifiers backing a declared entry.
// At most one monthly and one yearly price are active per product at any
// time; the synchronizer restores that invariant after every run.
type RemoteRef struct {
	ProductID      string
	MonthlyPriceID string
	YearlyPriceID  string
}

// PriceID selects the price for a billing cadence.
func (r RemoteRef) PriceID(annual bool) string {
	if annual {
		return r.YearlyPriceID
	}
	return r.MonthlyPriceID
}

// RemoteTier is a declared tier together with its Stripe counterparts.
type RemoteTier struct {
	Tier
	RemoteRef
}

// RemoteAddon is a declared add-on together with its Stripe counterparts.
type RemoteAddon struct {
	Addon
	RemoteRef
}

// AddonQuantity is an add-on as held on a subscription.
type AddonQuantity struct {
	Addon    Addon
	Quantity int64
}

// Subject is the resolved identity a subscription belongs to. UserID is the
// paying user; GuildID is set only for guild subscriptions.
type Subject struct {
	Type    SubjectType
	UserID  string
	GuildID string
}

// Key returns the identity key for an (id, subjectType) pair.
func Key(id string, subjectType SubjectType) string {
	return id + ":" + string(subjectType)
}

var validate = validator.New()

// Validate checks a declared tier for structural problems. Prices are
// validated at sync time so that one bad entry cannot abort the batch.
func (t Tier) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("tier %q: %w", t.ID, err)
	}
	return nil
}

// Validate checks a declared add-on for structural problems.
func (a Addon) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("addon %q: %w", a.ID, err)
	}
	return nil
}

// YearlyPriceCents derives the yearly amount from the monthly one. An
// explicit multiplier of at least 1 is used as-is; anything below that
// (including the zero value) falls back to the default 10x.
func (t Tier) YearlyPriceCents() int64 {
	return yearlyPrice(t.PriceCents, t.YearlyMultiplier)
}

// YearlyPriceCents derives the yearly amount from the monthly one, applying
// the same multiplier policy as tiers.
func (a Addon) YearlyPriceCents() int64 {
	return yearlyPrice(a.PriceCents, a.YearlyMultiplier)
}

func yearlyPrice(monthly int64, multiplier float64) int64 {
	if multiplier < 1 {
		multiplier = defaultYearlyMultiplier
	}
	return int64(float64(monthly) * multiplier)
}

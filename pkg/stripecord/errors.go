package stripecord

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotConfigured is returned when the manager is created without the
	// required configuration.
	ErrNotConfigured = errors.New("stripecord: manager not configured")

	// ErrWebhookSecretNotReady is returned when a webhook arrives before the
	// signing secret reached the Ready state (configure it explicitly or call
	// Bootstrap first).
	ErrWebhookSecretNotReady = errors.New("stripecord: webhook secret not initialized")

	// ErrInvalidSignature is returned when webhook signature verification fails.
	ErrInvalidSignature = errors.New("stripecord: invalid webhook signature")

	// ErrTierNotFound is returned when a referenced tier is not in the
	// declared catalog.
	ErrTierNotFound = errors.New("stripecord: tier not found in declared catalog")

	// ErrAddonNotFound is returned when a referenced add-on is not in the
	// declared catalog.
	ErrAddonNotFound = errors.New("stripecord: addon not found in declared catalog")

	// ErrSubscriptionNotFound is returned when a subscription cannot be
	// retrieved from Stripe.
	ErrSubscriptionNotFound = errors.New("stripecord: subscription not found")

	// ErrSubjectTypeMismatch is returned when a tier or add-on is requested
	// for the wrong subject type.
	ErrSubjectTypeMismatch = errors.New("stripecord: subject type mismatch")

	// ErrDuplicateSubscription is returned when the subject already has an
	// active subscription.
	ErrDuplicateSubscription = errors.New("stripecord: subject already has an active subscription")

	// ErrInvalidPrice is returned for declared entries priced at zero or less.
	ErrInvalidPrice = errors.New("stripecord: declared price must be greater than zero")
)

// Error is a hard error carrying a short internal reference number so that a
// report from a subject ("it failed, ref 3f9c2a1d") can be matched to logs.
type Error struct {
	Ref    string
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s) [ref %s]", e.Op, e.Err, e.Detail, e.Ref)
	}
	return fmt.Sprintf("%s: %v [ref %s]", e.Op, e.Err, e.Ref)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps a sentinel with operation context and a fresh reference
// number.
func newError(op string, err error, detail string) *Error {
	return &Error{
		Ref:    uuid.NewString()[:8],
		Op:     op,
		Detail: detail,
		Err:    err,
	}
}

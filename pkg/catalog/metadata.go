package catalog

import (
	"errors"
	"strconv"
)

// Stripe metadata only supports string values, so booleans travel as
// "true"/"false" on the wire. The codecs below parse them into proper types
// at the boundary; business logic never compares raw metadata strings.
const (
	MetaKind        = "kind"
	MetaID          = "id"
	MetaSubjectType = "subject_type"

	MetaTierID    = "tier_id"
	MetaSubjectID = "subject_id"
	MetaGuildID   = "guild_id"
	MetaIsUserSub = "is_user_sub"
	MetaIsAnnual  = "is_annual"
)

var (
	// ErrMissingTags is returned when a subscription's metadata does not
	// satisfy the contract: tier_id and subject_id present, and either
	// guild_id or is_user_sub present.
	ErrMissingTags = errors.New("subscription metadata tags missing or incomplete")
)

// ProductTags identify which declared catalog entry a Stripe product or
// price represents.
type ProductTags struct {
	Kind        Kind
	ID          string
	SubjectType SubjectType
}

// Encode renders the tags as Stripe metadata.
func (t ProductTags) Encode() map[string]string {
	return map[string]string{
		MetaKind:        string(t.Kind),
		MetaID:          t.ID,
		MetaSubjectType: string(t.SubjectType),
	}
}

// ParseProductTags recovers catalog identity from product or price metadata.
// The second return is false when the object carries no (or foreign) tags;
// such objects are invisible to the reconciler.
func ParseProductTags(metadata map[string]string) (ProductTags, bool) {
	if metadata == nil {
		return ProductTags{}, false
	}
	tags := ProductTags{
		Kind:        Kind(metadata[MetaKind]),
		ID:          metadata[MetaID],
		SubjectType: SubjectType(metadata[MetaSubjectType]),
	}
	if tags.ID == "" || !tags.SubjectType.Valid() {
		return ProductTags{}, false
	}
	if tags.Kind != KindTier && tags.Kind != KindAddon {
		return ProductTags{}, false
	}
	return tags, true
}

// SubscriptionTags are the metadata written onto every subscription at
// checkout. They are the only way a remote subscription is mapped back to a
// local tier and subject.
type SubscriptionTags struct {
	TierID    string
	SubjectID string
	GuildID   string
	IsUserSub bool
	IsAnnual  bool
}

// Encode renders the tags as Stripe metadata strings.
func (t SubscriptionTags) Encode() map[string]string {
	m := map[string]string{
		MetaTierID:    t.TierID,
		MetaSubjectID: t.SubjectID,
		MetaIsUserSub: strconv.FormatBool(t.IsUserSub),
		MetaIsAnnual:  strconv.FormatBool(t.IsAnnual),
	}
	if t.GuildID != "" {
		m[MetaGuildID] = t.GuildID
	}
	return m
}

// ParseSubscriptionTags parses and validates subscription metadata. It
// enforces the metadata contract shared by every subscription-affecting
// webhook event.
func ParseSubscriptionTags(metadata map[string]string) (SubscriptionTags, error) {
	if metadata == nil {
		return SubscriptionTags{}, ErrMissingTags
	}
	tags := SubscriptionTags{
		TierID:    metadata[MetaTierID],
		SubjectID: metadata[MetaSubjectID],
		GuildID:   metadata[MetaGuildID],
	}
	if v, ok := metadata[MetaIsUserSub]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return SubscriptionTags{}, ErrMissingTags
		}
		tags.IsUserSub = b
	} else if tags.GuildID == "" {
		return SubscriptionTags{}, ErrMissingTags
	}
	if v, ok := metadata[MetaIsAnnual]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			tags.IsAnnual = b
		}
	}
	if tags.TierID == "" || tags.SubjectID == "" {
		return SubscriptionTags{}, ErrMissingTags
	}
	// A guild subscription without a guild id is unusable downstream.
	if !tags.IsUserSub && tags.GuildID == "" {
		return SubscriptionTags{}, ErrMissingTags
	}
	return tags, nil
}

// SubjectType derives the subject type encoded in the tags.
func (t SubscriptionTags) SubjectType() SubjectType {
	if t.IsUserSub {
		return SubjectUser
	}
	return SubjectGuild
}

// Subject assembles the full subject identity from the tags.
func (t SubscriptionTags) Subject() Subject {
	return Subject{
		Type:    t.SubjectType(),
		UserID:  t.SubjectID,
		GuildID: t.GuildID,
	}
}

package stripecord

import (
	"github.com/stripe/stripe-go/v83"

	"github.com/Digital39999/StripeCord/pkg/catalog"
	"github.com/Digital39999/StripeCord/pkg/events"
)

// The resolver maps a subscription's line items back to declared catalog
// identities via the metadata tags stamped onto every price by the
// synchronizer. Items without a matching tag (the main tier item when
// resolving add-ons, items for entries since removed from the catalog,
// foreign items) are invisible: stale state must not contaminate resolved
// state.

// itemTags extracts catalog tags from a line item's embedded price.
func itemTags(item *stripe.SubscriptionItem) (catalog.ProductTags, bool) {
	if item == nil || item.Price == nil {
		return catalog.ProductTags{}, false
	}
	return catalog.ParseProductTags(item.Price.Metadata)
}

// ResolveAddons maps line items to known add-ons with quantities. Unmatched
// items are silently dropped.
func ResolveAddons(items []*stripe.SubscriptionItem, known []catalog.Addon) []catalog.AddonQuantity {
	byKey := make(map[string]catalog.Addon, len(known))
	for _, a := range known {
		byKey[catalog.Key(a.ID, a.SubjectType)] = a
	}

	var resolved []catalog.AddonQuantity
	for _, item := range items {
		tags, ok := itemTags(item)
		if !ok || tags.Kind != catalog.KindAddon {
			continue
		}
		addon, ok := byKey[catalog.Key(tags.ID, tags.SubjectType)]
		if !ok {
			continue
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		resolved = append(resolved, catalog.AddonQuantity{Addon: addon, Quantity: qty})
	}
	return resolved
}

// ResolveTier returns the first line item that maps to a known tier, or nil.
// A subscription is expected to carry exactly one tier item.
func ResolveTier(items []*stripe.SubscriptionItem, known []catalog.Tier) *catalog.Tier {
	byKey := make(map[string]catalog.Tier, len(known))
	for _, t := range known {
		byKey[catalog.Key(t.ID, t.SubjectType)] = t
	}
	for _, item := range items {
		tags, ok := itemTags(item)
		if !ok || tags.Kind != catalog.KindTier {
			continue
		}
		if tier, ok := byKey[catalog.Key(tags.ID, tags.SubjectType)]; ok {
			return &tier
		}
	}
	return nil
}

// TierDiff records a tier change between two item snapshots.
type TierDiff struct {
	Old catalog.Tier
	New catalog.Tier
}

// DiffTier resolves each snapshot to at most one tier and returns a change
// record only when both sides resolve and differ. An empty or unresolvable
// side yields nil rather than a guess.
func DiffTier(newItems, oldItems []*stripe.SubscriptionItem, known []catalog.Tier) *TierDiff {
	newTier := ResolveTier(newItems, known)
	oldTier := ResolveTier(oldItems, known)
	if newTier == nil || oldTier == nil {
		return nil
	}
	if newTier.ID == oldTier.ID && newTier.SubjectType == oldTier.SubjectType {
		return nil
	}
	return &TierDiff{Old: *oldTier, New: *newTier}
}

// AddonDiff records add-on changes between two item snapshots.
// ChangedQuantity lists add-ons present in both snapshots at different
// quantities (at the new quantity).
type AddonDiff struct {
	Current         []catalog.AddonQuantity
	Previous        []catalog.AddonQuantity
	ChangedQuantity []catalog.AddonQuantity
}

// DiffAddons resolves both snapshots and returns nil when there is no
// detectable difference at all - no addition, removal or requantification.
// The nil acts as a sentinel so callers can skip firing an add-ons-changed
// event for unrelated subscription updates.
func DiffAddons(newItems, oldItems []*stripe.SubscriptionItem, known []catalog.Addon) *AddonDiff {
	current := ResolveAddons(newItems, known)
	previous := ResolveAddons(oldItems, known)

	prevByKey := make(map[string]catalog.AddonQuantity, len(previous))
	for _, aq := range previous {
		prevByKey[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)] = aq
	}
	curByKey := make(map[string]catalog.AddonQuantity, len(current))
	for _, aq := range current {
		curByKey[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)] = aq
	}

	changed := false
	var changedQuantity []catalog.AddonQuantity
	for _, aq := range current {
		prev, held := prevByKey[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)]
		if !held {
			changed = true
			continue
		}
		if prev.Quantity != aq.Quantity {
			changed = true
			changedQuantity = append(changedQuantity, aq)
		}
	}
	for _, aq := range previous {
		if _, held := curByKey[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)]; !held {
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return &AddonDiff{
		Current:         current,
		Previous:        previous,
		ChangedQuantity: changedQuantity,
	}
}

// ClassifyAddonChanges partitions every add-on appearing in either snapshot
// into exactly one of Added, Removed, Updated or Nothing. The partition is
// exhaustive: each add-on identity appears in exactly one bucket.
func ClassifyAddonChanges(current, previous []catalog.AddonQuantity) []events.AddonChange {
	prevByKey := make(map[string]catalog.AddonQuantity, len(previous))
	for _, aq := range previous {
		prevByKey[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)] = aq
	}

	changes := make([]events.AddonChange, 0, len(current)+len(previous))
	seen := make(map[string]bool, len(current))

	for _, aq := range current {
		key := catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)
		seen[key] = true
		prev, held := prevByKey[key]
		switch {
		case !held:
			changes = append(changes, events.AddonChange{Kind: events.AddonAdded, Addon: aq.Addon, Quantity: aq.Quantity})
		case prev.Quantity != aq.Quantity:
			changes = append(changes, events.AddonChange{Kind: events.AddonUpdated, Addon: aq.Addon, Quantity: aq.Quantity})
		default:
			changes = append(changes, events.AddonChange{Kind: events.AddonNothing, Addon: aq.Addon, Quantity: aq.Quantity})
		}
	}
	for _, aq := range previous {
		if seen[catalog.Key(aq.Addon.ID, aq.Addon.SubjectType)] {
			continue
		}
		changes = append(changes, events.AddonChange{Kind: events.AddonRemoved, Addon: aq.Addon, Quantity: aq.Quantity})
	}
	return changes
}

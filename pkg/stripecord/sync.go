package stripecord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/Digital39999/StripeCord/pkg/catalog"
)

// declaredEntry is the common shape of a tier or add-on as the synchronizer
// sees it.
type declaredEntry struct {
	kind        catalog.Kind
	id          string
	name        string
	subjectType catalog.SubjectType
	monthly     int64
	yearly      int64
	currency    string
	active      bool
}

func (e declaredEntry) key() string {
	return string(e.kind) + ":" + catalog.Key(e.id, e.subjectType)
}

func (e declaredEntry) tags() catalog.ProductTags {
	return catalog.ProductTags{Kind: e.kind, ID: e.id, SubjectType: e.subjectType}
}

// remoteProduct is one tagged Stripe product with all of its prices.
type remoteProduct struct {
	product *stripe.Product
	prices  []*stripe.Price
	tags    catalog.ProductTags
}

// SyncCatalog reconciles the remote Stripe catalog against the declared
// tiers and add-ons: missing products and prices are created, changed prices
// are replaced by retargeting (amounts are never mutated in place), drifted
// product attributes are updated, and - when Options.DeleteUnknownEntries is
// set - tagged remote entries absent from the declared catalog are
// deactivated. The run is idempotent: re-running against converged remote
// state performs no writes.
//
// Entries are reconciled independently with fire-all/collect-all semantics;
// one bad entry cannot abort or roll back the batch. The returned error
// joins every per-entry failure.
func (m *Manager) SyncCatalog(ctx context.Context) error {
	start := time.Now()

	remote, err := m.listRemoteCatalog(ctx)
	if err != nil {
		m.metrics.RecordCatalogSync("error")
		return fmt.Errorf("listing remote catalog: %w", err)
	}

	entries := m.declaredEntries()
	refs := make([]catalog.RemoteRef, len(entries))
	errs := make([]error, len(entries))

	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			ref, entryErr := m.syncEntry(ctx, entry, remote[entry.key()])
			refs[i] = ref
			if entryErr != nil {
				errs[i] = fmt.Errorf("%s %q (%s): %w", entry.kind, entry.id, entry.subjectType, entryErr)
				m.log.Error("catalog entry sync failed",
					Field{"kind", string(entry.kind)},
					Field{"id", entry.id},
					Field{"error", entryErr},
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if m.cfg.Options.DeleteUnknownEntries {
		declared := make(map[string]bool, len(entries))
		for _, e := range entries {
			declared[e.key()] = true
		}
		for key, rp := range remote {
			if declared[key] || !rp.product.Active {
				continue
			}
			if err := m.deactivateProduct(ctx, rp); err != nil {
				errs = append(errs, fmt.Errorf("deactivating %s: %w", key, err))
			}
		}
	}

	m.storeRemoteRefs(entries, refs, errs)

	joined := errors.Join(errs...)
	if joined != nil {
		m.metrics.RecordCatalogSync("error")
	} else {
		m.metrics.RecordCatalogSync("success")
	}
	m.metrics.RecordCatalogSyncDuration(time.Since(start))
	m.log.Info("catalog sync finished",
		Field{"entries", len(entries)},
		Field{"duration", time.Since(start).String()},
	)
	return joined
}

// ResolveRemoteCatalog fetches the remote listing and maps it back onto the
// declared catalog. Declared entries with no remote counterpart yet are
// omitted. The result also refreshes the manager's remote catalog cache.
func (m *Manager) ResolveRemoteCatalog(ctx context.Context) ([]catalog.RemoteTier, []catalog.RemoteAddon, error) {
	remote, err := m.listRemoteCatalog(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing remote catalog: %w", err)
	}

	var tiers []catalog.RemoteTier
	var addons []catalog.RemoteAddon
	for _, entry := range m.declaredEntries() {
		rp, ok := remote[entry.key()]
		if !ok {
			continue
		}
		ref := remoteRef(rp)
		switch entry.kind {
		case catalog.KindTier:
			tier, _ := m.tier(entry.id, entry.subjectType)
			tiers = append(tiers, catalog.RemoteTier{Tier: tier, RemoteRef: ref})
		case catalog.KindAddon:
			addon, _ := m.addon(entry.id, entry.subjectType)
			addons = append(addons, catalog.RemoteAddon{Addon: addon, RemoteRef: ref})
		}
	}

	m.remoteMu.Lock()
	for _, rt := range tiers {
		m.remoteTiers[catalog.Key(rt.ID, rt.SubjectType)] = rt
	}
	for _, ra := range addons {
		m.remoteAddons[catalog.Key(ra.ID, ra.SubjectType)] = ra
	}
	m.remoteMu.Unlock()

	return tiers, addons, nil
}

func (m *Manager) declaredEntries() []declaredEntry {
	entries := make([]declaredEntry, 0, len(m.cfg.Tiers)+len(m.cfg.Addons))
	for _, t := range m.cfg.Tiers {
		entries = append(entries, declaredEntry{
			kind:        catalog.KindTier,
			id:          t.ID,
			name:        t.Name,
			subjectType: t.SubjectType,
			monthly:     t.PriceCents,
			yearly:      t.YearlyPriceCents(),
			currency:    strings.ToLower(t.Currency),
			active:      t.Active,
		})
	}
	for _, a := range m.cfg.Addons {
		entries = append(entries, declaredEntry{
			kind:        catalog.KindAddon,
			id:          a.ID,
			name:        a.Name,
			subjectType: a.SubjectType,
			monthly:     a.PriceCents,
			yearly:      a.YearlyPriceCents(),
			currency:    strings.ToLower(a.Currency),
			active:      a.Active,
		})
	}
	return entries
}

// listRemoteCatalog pages the full product and price listings to exhaustion
// and indexes the tagged ones by declared identity. The list iterators pull
// pages lazily, so nothing beyond the tagged subset is materialized.
func (m *Manager) listRemoteCatalog(ctx context.Context) (map[string]*remoteProduct, error) {
	byProductID := make(map[string]*remoteProduct)
	byKey := make(map[string]*remoteProduct)

	productParams := &stripe.ProductListParams{}
	productParams.Limit = stripe.Int64(100)
	for product, err := range m.client.V1Products.List(ctx, productParams) {
		if err != nil {
			m.metrics.RecordAPICall("/products", "error")
			return nil, err
		}
		tags, ok := catalog.ParseProductTags(product.Metadata)
		if !ok {
			continue
		}
		rp := &remoteProduct{product: product, tags: tags}
		byProductID[product.ID] = rp
		byKey[string(tags.Kind)+":"+catalog.Key(tags.ID, tags.SubjectType)] = rp
	}
	m.metrics.RecordAPICall("/products", "success")

	priceParams := &stripe.PriceListParams{}
	priceParams.Limit = stripe.Int64(100)
	for price, err := range m.client.V1Prices.List(ctx, priceParams) {
		if err != nil {
			m.metrics.RecordAPICall("/prices", "error")
			return nil, err
		}
		if price.Product == nil {
			continue
		}
		if rp, ok := byProductID[price.Product.ID]; ok {
			rp.prices = append(rp.prices, price)
		}
	}
	m.metrics.RecordAPICall("/prices", "success")

	return byKey, nil
}

// syncEntry reconciles one declared entry against its remote counterpart and
// returns the resulting remote identifiers.
func (m *Manager) syncEntry(ctx context.Context, e declaredEntry, rp *remoteProduct) (catalog.RemoteRef, error) {
	// Reject before any remote call; a broken declared price must not leave
	// a half-created product behind.
	if e.monthly <= 0 {
		return catalog.RemoteRef{}, newError("sync", ErrInvalidPrice, fmt.Sprintf("%s %s priced at %d", e.kind, e.id, e.monthly))
	}

	if rp == nil {
		return m.createEntry(ctx, e)
	}

	if rp.product.Name != e.name || rp.product.Active != e.active {
		updateParams := &stripe.ProductUpdateParams{
			Name:   stripe.String(e.name),
			Active: stripe.Bool(e.active),
		}
		if _, err := m.client.V1Products.Update(ctx, rp.product.ID, updateParams); err != nil {
			m.metrics.RecordRemoteMutation("update_product", "error")
			return catalog.RemoteRef{}, fmt.Errorf("updating product %s: %w", rp.product.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_product", "success")
		m.log.Info("product attributes updated",
			Field{"product", rp.product.ID},
			Field{"name", e.name},
			Field{"active", e.active},
		)
	}

	monthlyID, err := m.ensureIntervalPrice(ctx, e, rp, stripe.PriceRecurringIntervalMonth, e.monthly)
	if err != nil {
		return catalog.RemoteRef{}, err
	}
	yearlyID, err := m.ensureIntervalPrice(ctx, e, rp, stripe.PriceRecurringIntervalYear, e.yearly)
	if err != nil {
		return catalog.RemoteRef{}, err
	}

	// The product's default price must point at the active monthly price.
	if rp.product.DefaultPrice == nil || rp.product.DefaultPrice.ID != monthlyID {
		updateParams := &stripe.ProductUpdateParams{DefaultPrice: stripe.String(monthlyID)}
		if _, err := m.client.V1Products.Update(ctx, rp.product.ID, updateParams); err != nil {
			m.metrics.RecordRemoteMutation("update_product", "error")
			return catalog.RemoteRef{}, fmt.Errorf("retargeting default price on %s: %w", rp.product.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_product", "success")
	}

	return catalog.RemoteRef{
		ProductID:      rp.product.ID,
		MonthlyPriceID: monthlyID,
		YearlyPriceID:  yearlyID,
	}, nil
}

// createEntry creates the product and its monthly/yearly price pair, and
// points the default price at the monthly one.
func (m *Manager) createEntry(ctx context.Context, e declaredEntry) (catalog.RemoteRef, error) {
	productParams := &stripe.ProductCreateParams{
		Name:   stripe.String(e.name),
		Active: stripe.Bool(e.active),
	}
	for k, v := range e.tags().Encode() {
		productParams.AddMetadata(k, v)
	}
	product, err := m.client.V1Products.Create(ctx, productParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_product", "error")
		return catalog.RemoteRef{}, fmt.Errorf("creating product: %w", err)
	}
	m.metrics.RecordRemoteMutation("create_product", "success")

	monthly, err := m.createPrice(ctx, e, product.ID, stripe.PriceRecurringIntervalMonth, e.monthly)
	if err != nil {
		return catalog.RemoteRef{}, err
	}
	yearly, err := m.createPrice(ctx, e, product.ID, stripe.PriceRecurringIntervalYear, e.yearly)
	if err != nil {
		return catalog.RemoteRef{}, err
	}

	updateParams := &stripe.ProductUpdateParams{DefaultPrice: stripe.String(monthly.ID)}
	if _, err := m.client.V1Products.Update(ctx, product.ID, updateParams); err != nil {
		m.metrics.RecordRemoteMutation("update_product", "error")
		return catalog.RemoteRef{}, fmt.Errorf("setting default price on %s: %w", product.ID, err)
	}
	m.metrics.RecordRemoteMutation("update_product", "success")

	m.log.Info("catalog entry created remotely",
		Field{"kind", string(e.kind)},
		Field{"id", e.id},
		Field{"product", product.ID},
	)
	return catalog.RemoteRef{
		ProductID:      product.ID,
		MonthlyPriceID: monthly.ID,
		YearlyPriceID:  yearly.ID,
	}, nil
}

func (m *Manager) createPrice(ctx context.Context, e declaredEntry, productID string, interval stripe.PriceRecurringInterval, amount int64) (*stripe.Price, error) {
	priceParams := &stripe.PriceCreateParams{
		Product:    stripe.String(productID),
		Currency:   stripe.String(e.currency),
		UnitAmount: stripe.Int64(amount),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(string(interval)),
		},
		TaxBehavior: stripe.String(m.taxBehavior()),
	}
	for k, v := range e.tags().Encode() {
		priceParams.AddMetadata(k, v)
	}
	price, err := m.client.V1Prices.Create(ctx, priceParams)
	if err != nil {
		m.metrics.RecordRemoteMutation("create_price", "error")
		return nil, fmt.Errorf("creating %s price: %w", interval, err)
	}
	m.metrics.RecordRemoteMutation("create_price", "success")
	return price, nil
}

// ensureIntervalPrice restores the invariant that exactly one active price
// exists per billing interval, at the declared amount. Amounts are never
// mutated in place: a matching historical price is reused and reactivated,
// otherwise a new price object is created; superseded prices are
// deactivated so issued invoices keep resolving.
func (m *Manager) ensureIntervalPrice(ctx context.Context, e declaredEntry, rp *remoteProduct, interval stripe.PriceRecurringInterval, amount int64) (string, error) {
	var chosen *stripe.Price
	var superseded []*stripe.Price

	for _, price := range rp.prices {
		if price.Recurring == nil || price.Recurring.Interval != interval {
			continue
		}
		if price.UnitAmount == amount && strings.EqualFold(string(price.Currency), e.currency) {
			// Prefer an already-active match so converged state needs no writes.
			if chosen == nil || (!chosen.Active && price.Active) {
				chosen = price
			}
			continue
		}
		if price.Active {
			superseded = append(superseded, price)
		}
	}

	if chosen == nil {
		created, err := m.createPrice(ctx, e, rp.product.ID, interval, amount)
		if err != nil {
			return "", err
		}
		chosen = created
	} else if !chosen.Active {
		updateParams := &stripe.PriceUpdateParams{Active: stripe.Bool(true)}
		if _, err := m.client.V1Prices.Update(ctx, chosen.ID, updateParams); err != nil {
			m.metrics.RecordRemoteMutation("update_price", "error")
			return "", fmt.Errorf("reactivating price %s: %w", chosen.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_price", "success")
		m.log.Info("historical price reused",
			Field{"price", chosen.ID},
			Field{"interval", string(interval)},
			Field{"amount", amount},
		)
	}

	for _, price := range superseded {
		updateParams := &stripe.PriceUpdateParams{Active: stripe.Bool(false)}
		if _, err := m.client.V1Prices.Update(ctx, price.ID, updateParams); err != nil {
			m.metrics.RecordRemoteMutation("update_price", "error")
			return "", fmt.Errorf("deactivating superseded price %s: %w", price.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_price", "success")
		m.log.Info("superseded price deactivated",
			Field{"price", price.ID},
			Field{"interval", string(interval)},
		)
	}

	return chosen.ID, nil
}

// deactivateProduct soft-deletes a tagged remote entry that is no longer
// declared. Stripe products and prices are immutable in that sense: delete
// always means deactivate.
func (m *Manager) deactivateProduct(ctx context.Context, rp *remoteProduct) error {
	for _, price := range rp.prices {
		if !price.Active {
			continue
		}
		updateParams := &stripe.PriceUpdateParams{Active: stripe.Bool(false)}
		if _, err := m.client.V1Prices.Update(ctx, price.ID, updateParams); err != nil {
			m.metrics.RecordRemoteMutation("update_price", "error")
			return fmt.Errorf("deactivating price %s: %w", price.ID, err)
		}
		m.metrics.RecordRemoteMutation("update_price", "success")
	}

	updateParams := &stripe.ProductUpdateParams{Active: stripe.Bool(false)}
	if _, err := m.client.V1Products.Update(ctx, rp.product.ID, updateParams); err != nil {
		m.metrics.RecordRemoteMutation("update_product", "error")
		return fmt.Errorf("deactivating product %s: %w", rp.product.ID, err)
	}
	m.metrics.RecordRemoteMutation("update_product", "success")
	m.log.Info("undeclared catalog entry deactivated",
		Field{"product", rp.product.ID},
		Field{"id", rp.tags.ID},
	)
	return nil
}

func (m *Manager) taxBehavior() string {
	if m.cfg.Options.IncludeTaxInPrice {
		return "inclusive"
	}
	return "exclusive"
}

// remoteRef extracts the active monthly/yearly price pair from a remote
// product listing.
func remoteRef(rp *remoteProduct) catalog.RemoteRef {
	ref := catalog.RemoteRef{ProductID: rp.product.ID}
	for _, price := range rp.prices {
		if !price.Active || price.Recurring == nil {
			continue
		}
		switch price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			ref.MonthlyPriceID = price.ID
		case stripe.PriceRecurringIntervalYear:
			ref.YearlyPriceID = price.ID
		}
	}
	return ref
}

// storeRemoteRefs refreshes the remote catalog cache with the outcome of a
// sync run, skipping entries that failed.
func (m *Manager) storeRemoteRefs(entries []declaredEntry, refs []catalog.RemoteRef, errs []error) {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()
	for i, entry := range entries {
		if i < len(errs) && errs[i] != nil {
			continue
		}
		if refs[i].ProductID == "" {
			continue
		}
		switch entry.kind {
		case catalog.KindTier:
			tier, _ := m.tier(entry.id, entry.subjectType)
			m.remoteTiers[catalog.Key(entry.id, entry.subjectType)] = catalog.RemoteTier{Tier: tier, RemoteRef: refs[i]}
		case catalog.KindAddon:
			addon, _ := m.addon(entry.id, entry.subjectType)
			m.remoteAddons[catalog.Key(entry.id, entry.subjectType)] = catalog.RemoteAddon{Addon: addon, RemoteRef: refs[i]}
		}
	}
}

// remoteTier returns the cached remote counterpart of a declared tier,
// resolving the remote catalog on first use.
func (m *Manager) remoteTier(ctx context.Context, id string, subjectType catalog.SubjectType) (catalog.RemoteTier, error) {
	m.remoteMu.RLock()
	rt, ok := m.remoteTiers[catalog.Key(id, subjectType)]
	m.remoteMu.RUnlock()
	if ok {
		return rt, nil
	}
	if _, _, err := m.ResolveRemoteCatalog(ctx); err != nil {
		return catalog.RemoteTier{}, err
	}
	m.remoteMu.RLock()
	defer m.remoteMu.RUnlock()
	rt, ok = m.remoteTiers[catalog.Key(id, subjectType)]
	if !ok {
		return catalog.RemoteTier{}, newError("catalog", ErrTierNotFound, fmt.Sprintf("tier %s has no remote counterpart; run SyncCatalog", id))
	}
	return rt, nil
}

// remoteAddon returns the cached remote counterpart of a declared add-on,
// resolving the remote catalog on first use.
func (m *Manager) remoteAddon(ctx context.Context, id string, subjectType catalog.SubjectType) (catalog.RemoteAddon, error) {
	m.remoteMu.RLock()
	ra, ok := m.remoteAddons[catalog.Key(id, subjectType)]
	m.remoteMu.RUnlock()
	if ok {
		return ra, nil
	}
	if _, _, err := m.ResolveRemoteCatalog(ctx); err != nil {
		return catalog.RemoteAddon{}, err
	}
	m.remoteMu.RLock()
	defer m.remoteMu.RUnlock()
	ra, ok = m.remoteAddons[catalog.Key(id, subjectType)]
	if !ok {
		return catalog.RemoteAddon{}, newError("catalog", ErrAddonNotFound, fmt.Sprintf("addon %s has no remote counterpart; run SyncCatalog", id))
	}
	return ra, nil
}

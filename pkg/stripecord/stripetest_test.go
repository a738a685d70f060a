package stripecord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Digital39999/StripeCord/pkg/catalog"
	"github.com/Digital39999/StripeCord/pkg/events"
)

// obj is a loose Stripe API object. The fake keeps everything as raw JSON
// shapes so responses unmarshal through stripe-go exactly like real ones.
type obj = map[string]any

type recordedRequest struct {
	Method string
	Path   string
	Form   map[string][]string
}

// fakeStripe is an in-memory stand-in for the Stripe API, covering the
// endpoints the engine touches. State mutates like the real API: creates
// allocate ids, updates merge fields, lists return everything.
type fakeStripe struct {
	t  *testing.T
	mu sync.Mutex

	products      map[string]obj
	prices        map[string]obj
	subscriptions map[string]obj
	customers     map[string]obj
	charges       map[string]obj
	invoices      map[string]obj
	endpoints     map[string]obj

	requests []recordedRequest
	nextID   int

	server *httptest.Server
}

func newFakeStripe(t *testing.T) *fakeStripe {
	t.Helper()
	f := &fakeStripe{
		t:             t,
		products:      make(map[string]obj),
		prices:        make(map[string]obj),
		subscriptions: make(map[string]obj),
		customers:     make(map[string]obj),
		charges:       make(map[string]obj),
		invoices:      make(map[string]obj),
		endpoints:     make(map[string]obj),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeStripe) url() string { return f.server.URL }

func (f *fakeStripe) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

// writeCount reports how many mutating requests the fake has served.
func (f *fakeStripe) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method != http.MethodGet {
			n++
		}
	}
	return n
}

// lastForm returns the form of the most recent request to a path.
func (f *fakeStripe) lastForm(method, path string) map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Method == method && f.requests[i].Path == path {
			return f.requests[i].Form
		}
	}
	return nil
}

func (f *fakeStripe) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Form: r.Form})

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodGet && path == "products":
		writeList(w, values(f.products))
	case r.Method == http.MethodPost && path == "products":
		f.createProduct(w, r)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "products":
		f.updateObject(w, f.products, parts[1], r)

	case r.Method == http.MethodGet && path == "prices":
		writeList(w, values(f.prices))
	case r.Method == http.MethodPost && path == "prices":
		f.createPrice(w, r)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "prices":
		f.updateObject(w, f.prices, parts[1], r)

	case r.Method == http.MethodGet && path == "subscriptions/search":
		writeList(w, f.searchSubscriptions(r.Form.Get("query")))
	case r.Method == http.MethodGet && path == "subscriptions":
		writeList(w, f.listSubscriptions(r))
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "subscriptions":
		writeObject(w, f.subscriptions, parts[1])
	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "subscriptions":
		f.updateSubscription(w, parts[1], r)
	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "subscriptions":
		f.cancelSubscription(w, parts[1])

	case r.Method == http.MethodGet && path == "customers/search":
		writeList(w, f.searchCustomers(r.Form.Get("query")))
	case r.Method == http.MethodPost && path == "customers":
		f.createCustomer(w, r)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "charges":
		writeObject(w, f.charges, parts[1])

	case r.Method == http.MethodPost && path == "checkout/sessions":
		writeJSON(w, obj{"id": f.id("cs"), "object": "checkout.session", "url": "https://checkout.example/session"})
	case r.Method == http.MethodPost && path == "billing_portal/sessions":
		writeJSON(w, obj{"id": f.id("bps"), "object": "billing_portal.session", "url": "https://billing.example/portal"})

	case r.Method == http.MethodPost && path == "invoices":
		inv := obj{"id": f.id("in"), "object": "invoice", "status": "draft"}
		f.invoices[inv["id"].(string)] = inv
		writeJSON(w, inv)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "invoices" && parts[2] == "finalize":
		inv, ok := f.invoices[parts[1]]
		if !ok {
			notFound(w)
			return
		}
		inv["status"] = "open"
		writeJSON(w, inv)

	case r.Method == http.MethodPost && path == "refunds":
		writeJSON(w, obj{"id": f.id("re"), "object": "refund", "status": "succeeded"})

	case r.Method == http.MethodGet && path == "webhook_endpoints":
		writeList(w, values(f.endpoints))
	case r.Method == http.MethodPost && path == "webhook_endpoints":
		ep := obj{
			"id":     f.id("we"),
			"object": "webhook_endpoint",
			"url":    r.Form.Get("url"),
			"secret": "whsec_bootstrap",
		}
		f.endpoints[ep["id"].(string)] = ep
		writeJSON(w, ep)

	default:
		notFound(w)
	}
}

func (f *fakeStripe) createProduct(w http.ResponseWriter, r *http.Request) {
	p := obj{
		"id":       f.id("prod"),
		"object":   "product",
		"name":     r.Form.Get("name"),
		"active":   r.Form.Get("active") != "false",
		"metadata": formMetadata(r),
	}
	f.products[p["id"].(string)] = p
	writeJSON(w, p)
}

func (f *fakeStripe) createPrice(w http.ResponseWriter, r *http.Request) {
	amount, _ := strconv.ParseInt(r.Form.Get("unit_amount"), 10, 64)
	p := obj{
		"id":          f.id("price"),
		"object":      "price",
		"product":     r.Form.Get("product"),
		"currency":    r.Form.Get("currency"),
		"unit_amount": amount,
		"active":      true,
		"metadata":    formMetadata(r),
	}
	if interval := r.Form.Get("recurring[interval]"); interval != "" {
		p["recurring"] = obj{"interval": interval}
	}
	f.prices[p["id"].(string)] = p
	writeJSON(w, p)
}

func (f *fakeStripe) updateObject(w http.ResponseWriter, store map[string]obj, id string, r *http.Request) {
	o, ok := store[id]
	if !ok {
		notFound(w)
		return
	}
	if v := r.Form.Get("name"); v != "" {
		o["name"] = v
	}
	if v := r.Form.Get("active"); v != "" {
		o["active"] = v == "true"
	}
	if v := r.Form.Get("default_price"); v != "" {
		o["default_price"] = v
	}
	writeJSON(w, o)
}

func (f *fakeStripe) updateSubscription(w http.ResponseWriter, id string, r *http.Request) {
	sub, ok := f.subscriptions[id]
	if !ok {
		notFound(w)
		return
	}
	meta, _ := sub["metadata"].(map[string]string)
	if meta == nil {
		meta = make(map[string]string)
	}
	for k, vals := range r.Form {
		if strings.HasPrefix(k, "metadata[") && strings.HasSuffix(k, "]") {
			meta[k[len("metadata["):len(k)-1]] = vals[0]
		}
	}
	sub["metadata"] = meta
	if v := r.Form.Get("cancel_at_period_end"); v != "" {
		sub["cancel_at_period_end"] = v == "true"
	}
	writeJSON(w, sub)
}

func (f *fakeStripe) cancelSubscription(w http.ResponseWriter, id string) {
	sub, ok := f.subscriptions[id]
	if !ok {
		notFound(w)
		return
	}
	sub["status"] = "canceled"
	writeJSON(w, sub)
}

func (f *fakeStripe) createCustomer(w http.ResponseWriter, r *http.Request) {
	c := obj{
		"id":       f.id("cus"),
		"object":   "customer",
		"email":    r.Form.Get("email"),
		"metadata": formMetadata(r),
	}
	f.customers[c["id"].(string)] = c
	writeJSON(w, c)
}

func (f *fakeStripe) listSubscriptions(r *http.Request) []obj {
	var out []obj
	customer := r.Form.Get("customer")
	status := r.Form.Get("status")
	for _, sub := range f.subscriptions {
		if customer != "" && sub["customer"] != customer {
			continue
		}
		if status != "" && sub["status"] != status {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// searchSubscriptions honors the tiny query dialect the engine emits:
// clauses joined by AND, each either status:'x' or metadata['k']:'v'.
func (f *fakeStripe) searchSubscriptions(query string) []obj {
	var out []obj
	for _, sub := range f.subscriptions {
		if matchesQuery(sub, query) {
			out = append(out, sub)
		}
	}
	return out
}

func (f *fakeStripe) searchCustomers(query string) []obj {
	var out []obj
	for _, c := range f.customers {
		if matchesQuery(c, query) {
			out = append(out, c)
		}
	}
	return out
}

func matchesQuery(o obj, query string) bool {
	for _, clause := range strings.Split(query, " AND ") {
		clause = strings.TrimSpace(clause)
		key, value, ok := strings.Cut(clause, ":")
		if !ok {
			return false
		}
		value = strings.Trim(value, "'")
		switch {
		case key == "status":
			if o["status"] != value {
				return false
			}
		case strings.HasPrefix(key, "metadata['"):
			metaKey := strings.TrimSuffix(strings.TrimPrefix(key, "metadata['"), "']")
			meta, _ := o["metadata"].(map[string]string)
			if meta[metaKey] != value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func formMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for k, vals := range r.Form {
		if strings.HasPrefix(k, "metadata[") && strings.HasSuffix(k, "]") {
			meta[k[len("metadata["):len(k)-1]] = vals[0]
		}
	}
	return meta
}

func values(store map[string]obj) []obj {
	out := make([]obj, 0, len(store))
	for _, o := range store {
		out = append(out, o)
	}
	return out
}

func writeList(w http.ResponseWriter, data []obj) {
	if data == nil {
		data = []obj{}
	}
	writeJSON(w, obj{"object": "list", "data": data, "has_more": false})
}

func writeObject(w http.ResponseWriter, store map[string]obj, id string) {
	o, ok := store[id]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, o)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such object"}}`))
}

// --- fixture helpers -------------------------------------------------------

// seedRemoteEntry plants a converged product with active monthly and yearly
// prices, as a finished sync run would leave them.
func (f *fakeStripe) seedRemoteEntry(kind catalog.Kind, id string, subjectType catalog.SubjectType, name string, monthly, yearly int64) (productID, monthlyID, yearlyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tags := catalog.ProductTags{Kind: kind, ID: id, SubjectType: subjectType}
	meta := tags.Encode()

	productID = f.id("prod")
	monthlyID = f.id("price")
	yearlyID = f.id("price")

	f.prices[monthlyID] = obj{
		"id": monthlyID, "object": "price", "product": productID,
		"currency": "usd", "unit_amount": monthly, "active": true,
		"metadata": meta, "recurring": obj{"interval": "month"},
	}
	f.prices[yearlyID] = obj{
		"id": yearlyID, "object": "price", "product": productID,
		"currency": "usd", "unit_amount": yearly, "active": true,
		"metadata": meta, "recurring": obj{"interval": "year"},
	}
	f.products[productID] = obj{
		"id": productID, "object": "product", "name": name,
		"active": true, "metadata": meta, "default_price": monthlyID,
	}
	return productID, monthlyID, yearlyID
}

// seedSubscription plants an active subscription with the given billing tags
// and line items. Each item's price must already exist in the fake.
func (f *fakeStripe) seedSubscription(id, customerID string, tags catalog.SubscriptionTags, items []obj) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[id] = obj{
		"id":                   id,
		"object":               "subscription",
		"status":               "active",
		"customer":             customerID,
		"cancel_at_period_end": false,
		"metadata":             tags.Encode(),
		"items":                obj{"object": "list", "data": items, "has_more": false},
	}
}

// subscriptionItem builds the embedded line-item shape for seedSubscription.
func (f *fakeStripe) subscriptionItem(itemID, priceID string, qty int64) obj {
	f.mu.Lock()
	price, ok := f.prices[priceID]
	f.mu.Unlock()
	if !ok {
		f.t.Fatalf("subscriptionItem: price %s not seeded", priceID)
	}
	return obj{
		"id":       itemID,
		"object":   "subscription_item",
		"quantity": qty,
		"price":    price,
	}
}

func (f *fakeStripe) seedCustomer(id, subjectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[id] = obj{
		"id": id, "object": "customer",
		"metadata": map[string]string{catalog.MetaSubjectID: subjectID},
	}
}

func (f *fakeStripe) seedCharge(id, customerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[id] = obj{
		"id": id, "object": "charge", "customer": customerID,
	}
}

// --- manager helpers -------------------------------------------------------

// eventSink collects emitted domain events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) handler() events.Handler {
	return func(_ context.Context, e events.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, e)
	}
}

func (s *eventSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func (s *eventSink) ofType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

const testWebhookSecret = "whsec_test"

func newTestManager(t *testing.T, f *fakeStripe, sink *eventSink, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		APIKey:        "sk_test_fake",
		WebhookSecret: testWebhookSecret,
		APIBaseURL:    f.url(),
		Tiers: []catalog.Tier{
			{ID: "gold", SubjectType: catalog.SubjectUser, Name: "Gold", PriceCents: 500, Currency: "usd", Active: true},
			{ID: "platinum", SubjectType: catalog.SubjectUser, Name: "Platinum", PriceCents: 1500, Currency: "usd", Active: true},
			{ID: "clan", SubjectType: catalog.SubjectGuild, Name: "Clan", PriceCents: 2000, Currency: "usd", Active: true},
		},
		Addons: []catalog.Addon{
			{ID: "seats", SubjectType: catalog.SubjectUser, Name: "Extra Seats", PriceCents: 100, Currency: "usd", Active: true},
			{ID: "storage", SubjectType: catalog.SubjectUser, Name: "Extra Storage", PriceCents: 200, Currency: "usd", Active: true},
		},
	}
	if sink != nil {
		cfg.Handler = sink.handler()
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

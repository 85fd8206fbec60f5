package checkout

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dermaglow/checkout/internal/cart"
	"github.com/dermaglow/checkout/internal/catalog"
	"github.com/dermaglow/checkout/internal/inventory"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	products map[string]catalog.Product
	err      error
}

func (f *fakeCatalog) GetMany(_ context.Context, ids []string) (map[string]catalog.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]catalog.Product{}
	for _, id := range ids {
		p, ok := f.products[id]
		if !ok {
			return nil, errors.New("product not found: " + id)
		}
		out[id] = p
	}
	return out, nil
}

type fakeStock struct {
	reserveErr error
	reserved   map[string][]inventory.ItemQty
	released   []string
}

func (f *fakeStock) ReserveAll(_ context.Context, orderID string, items []inventory.ItemQty) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	if f.reserved == nil {
		f.reserved = map[string][]inventory.ItemQty{}
	}
	f.reserved[orderID] = items
	return nil
}

func (f *fakeStock) ReleaseAll(_ context.Context, orderID string) error {
	f.released = append(f.released, orderID)
	return nil
}

type fakeLedger struct {
	createErr   error
	bindErr     error
	created     []*orders.Order
	bound       map[string]string // orderID -> family:ref
	transitions []string          // "orderID:to"
}

func (f *fakeLedger) CreatePendingOrder(_ context.Context, orderID, userID string, items []orders.LineItem, addr orders.Address, t orders.Totals) (*orders.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	o := &orders.Order{ID: orderID, UserID: userID, Status: orders.StatusPending, Items: items, Address: addr, Totals: t}
	f.created = append(f.created, o)
	return o, nil
}

func (f *fakeLedger) BindProviderSession(_ context.Context, orderID, family, ref string) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.bound == nil {
		f.bound = map[string]string{}
	}
	f.bound[orderID] = family + ":" + ref
	return nil
}

func (f *fakeLedger) Transition(_ context.Context, orderID string, from []orders.Status, to orders.Status, _ orders.TransitionMeta) (*orders.Order, error) {
	f.transitions = append(f.transitions, orderID+":"+string(to))
	return &orders.Order{ID: orderID, Status: to}, nil
}

type fakeProvider struct {
	family  string
	session *payments.Session
	err     error
	gotReq  *payments.SessionRequest
}

func (f *fakeProvider) Family() string { return f.family }

func (f *fakeProvider) CreateSession(_ context.Context, req payments.SessionRequest) (*payments.Session, error) {
	f.gotReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeProvider) VerifyEvent(context.Context, []byte, http.Header) (*payments.Event, error) {
	return &payments.Event{Kind: payments.EventIgnored}, nil
}

func (f *fakeProvider) Capture(context.Context, string) (payments.CaptureStatus, error) {
	return payments.CaptureSucceeded, nil
}

func newOrchestrator(cat *fakeCatalog, stock *fakeStock, ledger *fakeLedger, prov *fakeProvider) *Orchestrator {
	return &Orchestrator{
		Catalog:   cat,
		Stock:     stock,
		Ledger:    ledger,
		Providers: map[string]payments.Provider{prov.family: prov},
		Pricing: Pricing{
			Currency:              "usd",
			ShippingFlatCents:     599,
			FreeShippingOverCents: 5000,
			TaxRateBps:            825,
		},
		ProviderTimeout: 2 * time.Second,
	}
}

func testLines() []cart.Line {
	return []cart.Line{
		{ProductID: "serum-1", Name: "Vitamin C Serum", UnitPriceCents: 2999, Qty: 2},
		{ProductID: "balm-1", Name: "Lip Balm", UnitPriceCents: 499, Qty: 1},
	}
}

func testProducts() map[string]catalog.Product {
	return map[string]catalog.Product{
		"serum-1": {ID: "serum-1", Name: "Vitamin C Serum", PriceCents: 2999, Stock: 10},
		"balm-1":  {ID: "balm-1", Name: "Lip Balm", PriceCents: 499, Stock: 50},
	}
}

func TestCreateSessionHappyPath(t *testing.T) {
	cat := &fakeCatalog{products: testProducts()}
	stock := &fakeStock{}
	ledger := &fakeLedger{}
	prov := &fakeProvider{
		family:  payments.FamilyStripeCheckout,
		session: &payments.Session{Ref: "cs_test_123", RedirectURL: "https://checkout.stripe.com/cs_test_123"},
	}
	o := newOrchestrator(cat, stock, ledger, prov)

	res, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{Name: "A", Line1: "1 St", City: "X", PostalCode: "0", Country: "US"}, payments.FamilyStripeCheckout)
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, "https://checkout.stripe.com/cs_test_123", res.RedirectURL)

	require.Len(t, ledger.created, 1)
	created := ledger.created[0]
	assert.Equal(t, orders.StatusPending, created.Status)
	assert.Equal(t, int64(2*2999+499), created.Totals.SubtotalCents)
	assert.Zero(t, created.Totals.ShippingCents, "subtotal above free-shipping threshold")

	assert.Equal(t, payments.FamilyStripeCheckout+":cs_test_123", ledger.bound[res.OrderID])
	require.Contains(t, stock.reserved, res.OrderID)
	assert.Len(t, stock.reserved[res.OrderID], 2)
	assert.Empty(t, stock.released)
	assert.Empty(t, ledger.transitions)

	require.NotNil(t, prov.gotReq)
	assert.Equal(t, created.Totals.TotalCents, prov.gotReq.TotalCents)
}

// The cart's price snapshots are advisory; the order is priced off the
// catalog's current values.
func TestCreateSessionUsesServerPrices(t *testing.T) {
	products := testProducts()
	p := products["serum-1"]
	p.PriceCents = 3499 // raised since the line was staged
	products["serum-1"] = p

	cat := &fakeCatalog{products: products}
	stock := &fakeStock{}
	ledger := &fakeLedger{}
	prov := &fakeProvider{family: payments.FamilyPayPal, session: &payments.Session{Ref: "PP-1", RedirectURL: "https://paypal/approve"}}
	o := newOrchestrator(cat, stock, ledger, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, payments.FamilyPayPal)
	require.NoError(t, err)

	require.Len(t, ledger.created, 1)
	for _, it := range ledger.created[0].Items {
		if it.ProductID == "serum-1" {
			assert.Equal(t, int64(3499), it.UnitPriceCents, "stale cart snapshot must lose to catalog price")
		}
	}
}

func TestCreateSessionEmptyCart(t *testing.T) {
	prov := &fakeProvider{family: payments.FamilyStripeIntent}
	o := newOrchestrator(&fakeCatalog{}, &fakeStock{}, &fakeLedger{}, prov)

	_, err := o.CreateSession(context.Background(), "user-1", nil, orders.Address{}, payments.FamilyStripeIntent)
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCreateSessionUnknownProvider(t *testing.T) {
	prov := &fakeProvider{family: payments.FamilyStripeIntent}
	o := newOrchestrator(&fakeCatalog{}, &fakeStock{}, &fakeLedger{}, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, "bitcoin")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCreateSessionInsufficientStock(t *testing.T) {
	stockErr := &inventory.InsufficientStockError{
		Shortfalls: []inventory.Shortfall{{ProductID: "serum-1", Requested: 2, Available: 1}},
	}
	cat := &fakeCatalog{products: testProducts()}
	stock := &fakeStock{reserveErr: stockErr}
	ledger := &fakeLedger{}
	prov := &fakeProvider{family: payments.FamilyStripeCheckout}
	o := newOrchestrator(cat, stock, ledger, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, payments.FamilyStripeCheckout)
	var ise *inventory.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, stockErr.Shortfalls, ise.Shortfalls)
	assert.Empty(t, ledger.created, "no order row when the reservation fails")
}

// A gateway failure after the pending order exists must not leave it pending:
// the order rolls to expired and the reservation is released.
func TestCreateSessionProviderFailureRollsBack(t *testing.T) {
	cat := &fakeCatalog{products: testProducts()}
	stock := &fakeStock{}
	ledger := &fakeLedger{}
	prov := &fakeProvider{family: payments.FamilyStripeCheckout, err: errors.New("stripe: 503")}
	o := newOrchestrator(cat, stock, ledger, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, payments.FamilyStripeCheckout)
	require.ErrorIs(t, err, ErrProvider)

	require.Len(t, ledger.created, 1)
	orderID := ledger.created[0].ID
	assert.Contains(t, ledger.transitions, orderID+":"+string(orders.StatusExpired))
	assert.Contains(t, stock.released, orderID)
	assert.Empty(t, ledger.bound)
}

func TestCreateSessionBindFailureRollsBack(t *testing.T) {
	cat := &fakeCatalog{products: testProducts()}
	stock := &fakeStock{}
	ledger := &fakeLedger{bindErr: orders.ErrProviderRefBound}
	prov := &fakeProvider{family: payments.FamilyStripeCheckout, session: &payments.Session{Ref: "cs_dup"}}
	o := newOrchestrator(cat, stock, ledger, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, payments.FamilyStripeCheckout)
	require.ErrorIs(t, err, ErrProvider)

	require.Len(t, ledger.created, 1)
	orderID := ledger.created[0].ID
	assert.Contains(t, ledger.transitions, orderID+":"+string(orders.StatusExpired))
	assert.Contains(t, stock.released, orderID)
}

func TestCreateSessionCreateOrderFailureReleasesStock(t *testing.T) {
	cat := &fakeCatalog{products: testProducts()}
	stock := &fakeStock{}
	ledger := &fakeLedger{createErr: errors.New("db down")}
	prov := &fakeProvider{family: payments.FamilyStripeCheckout}
	o := newOrchestrator(cat, stock, ledger, prov)

	_, err := o.CreateSession(context.Background(), "user-1", testLines(), orders.Address{}, payments.FamilyStripeCheckout)
	require.Error(t, err)
	assert.Len(t, stock.released, 1)
}

func TestCreateSessionInvalidLine(t *testing.T) {
	prov := &fakeProvider{family: payments.FamilyStripeCheckout}
	o := newOrchestrator(&fakeCatalog{products: testProducts()}, &fakeStock{}, &fakeLedger{}, prov)

	_, err := o.CreateSession(context.Background(), "user-1",
		[]cart.Line{{ProductID: "serum-1", Qty: 0}}, orders.Address{}, payments.FamilyStripeCheckout)
	assert.Error(t, err)
}

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	byRef       map[string]*orders.Order // "family:ref" -> order
	transitions []string                 // "orderID:to"
	current     map[string]orders.Status // simulated live status per order
}

func (f *fakeLedger) FindByProviderRef(_ context.Context, family, ref string) (*orders.Order, error) {
	o, ok := f.byRef[family+":"+ref]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o, nil
}

func (f *fakeLedger) Transition(_ context.Context, orderID string, from []orders.Status, to orders.Status, _ orders.TransitionMeta) (*orders.Order, error) {
	cur := f.current[orderID]
	allowed := false
	for _, s := range from {
		if s == cur {
			allowed = true
		}
	}
	if !allowed {
		return nil, &orders.InvalidTransitionError{OrderID: orderID, Current: cur, To: to}
	}
	f.current[orderID] = to
	f.transitions = append(f.transitions, orderID+":"+string(to))
	return &orders.Order{ID: orderID, Status: to}, nil
}

type fakeStock struct{ released []string }

func (f *fakeStock) ReleaseAll(_ context.Context, orderID string) error {
	f.released = append(f.released, orderID)
	return nil
}

type fakeProvider struct {
	family        string
	event         *payments.Event
	verifyErr     error
	verifyCalls   int
	captureStatus payments.CaptureStatus
	captureErr    error
}

func (f *fakeProvider) Family() string { return f.family }

func (f *fakeProvider) CreateSession(context.Context, payments.SessionRequest) (*payments.Session, error) {
	return nil, errors.New("not under test")
}

func (f *fakeProvider) VerifyEvent(_ context.Context, _ []byte, _ http.Header) (*payments.Event, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.event, nil
}

func (f *fakeProvider) Capture(context.Context, string) (payments.CaptureStatus, error) {
	return f.captureStatus, f.captureErr
}

type capturingPublisher struct{ envelopes []orders.Envelope }

func (c *capturingPublisher) Publish(_, value []byte, _ ...kafkago.Header) {
	var env orders.Envelope
	if err := json.Unmarshal(value, &env); err == nil {
		c.envelopes = append(c.envelopes, env)
	}
}

func newHandler(ledger *fakeLedger, stock *fakeStock, prov *fakeProvider) (*Handler, *capturingPublisher, *capturingPublisher, *capturingPublisher) {
	paid := &capturingPublisher{}
	failed := &capturingPublisher{}
	expired := &capturingPublisher{}
	h := &Handler{
		Ledger:          ledger,
		Stock:           stock,
		Providers:       map[string]payments.Provider{prov.family: prov},
		ProducerPaid:    paid,
		ProducerFailed:  failed,
		ProducerExpired: expired,
		ServiceName:     "checkout-test",
	}
	return h, paid, failed, expired
}

func pendingLedger(orderID, family, ref string) *fakeLedger {
	return &fakeLedger{
		byRef:   map[string]*orders.Order{family + ":" + ref: {ID: orderID, UserID: "user-1", Status: orders.StatusPending, ProviderFamily: family, ProviderRef: ref}},
		current: map[string]orders.Status{orderID: orders.StatusPending},
	}
}

func TestWebhookPaymentSucceeded(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	prov := &fakeProvider{family: payments.FamilyStripeIntent, event: &payments.Event{Kind: payments.EventPaymentSucceeded, Ref: "pi_1"}}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	err := h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1:paid"}, ledger.transitions)
	require.Len(t, paid.envelopes, 1)
	assert.Equal(t, orders.EventOrderPaid, paid.envelopes[0].EventType)
}

func TestWebhookSessionCompletedMarksProcessing(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeCheckout, "cs_1")
	prov := &fakeProvider{family: payments.FamilyStripeCheckout,
		event: &payments.Event{Kind: payments.EventSessionCompleted, Ref: "cs_1", Meta: map[string]string{"customer_email": "a@b.c"}}}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	err := h.HandleWebhook(context.Background(), payments.FamilyStripeCheckout, []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1:processing"}, ledger.transitions)
	assert.Len(t, paid.envelopes, 1)
}

// A retried delivery finds the order already past pending; the handler
// acknowledges without a second transition or a second event.
func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	prov := &fakeProvider{family: payments.FamilyStripeIntent, event: &payments.Event{Kind: payments.EventPaymentSucceeded, Ref: "pi_1"}}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{}))
	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{}))

	assert.Equal(t, []string{"o-1:paid"}, ledger.transitions, "second delivery must not transition again")
	assert.Len(t, paid.envelopes, 1, "second delivery must not re-publish")
}

func TestWebhookUnknownRefIsNoOp(t *testing.T) {
	ledger := &fakeLedger{byRef: map[string]*orders.Order{}, current: map[string]orders.Status{}}
	prov := &fakeProvider{family: payments.FamilyStripeIntent, event: &payments.Event{Kind: payments.EventPaymentSucceeded, Ref: "pi_unknown"}}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	err := h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{})
	assert.NoError(t, err, "unknown ref acknowledges so the provider stops retrying")
	assert.Empty(t, ledger.transitions)
	assert.Empty(t, paid.envelopes)
}

func TestWebhookSignatureFailureRejectsBeforeLedger(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	prov := &fakeProvider{family: payments.FamilyStripeIntent, verifyErr: payments.ErrSignatureVerification}
	h, _, _, _ := newHandler(ledger, &fakeStock{}, prov)

	err := h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, payments.ErrSignatureVerification)
	assert.Empty(t, ledger.transitions, "unauthenticated payloads never touch order state")
}

func TestWebhookIgnoredEventKind(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	prov := &fakeProvider{family: payments.FamilyStripeIntent, event: &payments.Event{Kind: payments.EventIgnored}}
	h, _, _, _ := newHandler(ledger, &fakeStock{}, prov)

	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{}))
	assert.Empty(t, ledger.transitions)
}

func TestWebhookUnknownProvider(t *testing.T) {
	prov := &fakeProvider{family: payments.FamilyStripeIntent}
	h, _, _, _ := newHandler(&fakeLedger{}, &fakeStock{}, prov)

	err := h.HandleWebhook(context.Background(), "bitcoin", []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Zero(t, prov.verifyCalls)
}

func TestWebhookPaymentFailedReleasesStock(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	stock := &fakeStock{}
	prov := &fakeProvider{family: payments.FamilyStripeIntent,
		event: &payments.Event{Kind: payments.EventPaymentFailed, Ref: "pi_1", Meta: map[string]string{"reason": "card_declined"}}}
	h, _, failed, _ := newHandler(ledger, stock, prov)

	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{}))
	assert.Equal(t, []string{"o-1:payment_failed"}, ledger.transitions)
	assert.Equal(t, []string{"o-1"}, stock.released)
	require.Len(t, failed.envelopes, 1)
	assert.Equal(t, orders.EventOrderPaymentFailed, failed.envelopes[0].EventType)

	var payload orders.OrderPaymentFailedPayload
	require.NoError(t, json.Unmarshal(failed.envelopes[0].Payload, &payload))
	assert.Equal(t, "card_declined", payload.Reason)
}

func TestWebhookSessionExpiredReleasesStock(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeCheckout, "cs_1")
	stock := &fakeStock{}
	prov := &fakeProvider{family: payments.FamilyStripeCheckout,
		event: &payments.Event{Kind: payments.EventSessionExpired, Ref: "cs_1"}}
	h, _, _, expired := newHandler(ledger, stock, prov)

	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeCheckout, []byte("{}"), http.Header{}))
	assert.Equal(t, []string{"o-1:expired"}, ledger.transitions)
	assert.Equal(t, []string{"o-1"}, stock.released)
	assert.Len(t, expired.envelopes, 1)
}

// A failure event arriving after the order is paid must not claw it back.
func TestWebhookFailureAfterPaidIsAbsorbed(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyStripeIntent, "pi_1")
	ledger.current["o-1"] = orders.StatusPaid
	stock := &fakeStock{}
	prov := &fakeProvider{family: payments.FamilyStripeIntent,
		event: &payments.Event{Kind: payments.EventPaymentFailed, Ref: "pi_1"}}
	h, _, failed, _ := newHandler(ledger, stock, prov)

	require.NoError(t, h.HandleWebhook(context.Background(), payments.FamilyStripeIntent, []byte("{}"), http.Header{}))
	assert.Empty(t, ledger.transitions)
	assert.Empty(t, stock.released, "paid stock is sold, never refunded by a stray failure event")
	assert.Empty(t, failed.envelopes)
}

func TestCaptureSuccess(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyPayPal, "PP-1")
	prov := &fakeProvider{family: payments.FamilyPayPal, captureStatus: payments.CaptureSucceeded}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	o, err := h.Capture(context.Background(), payments.FamilyPayPal, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Len(t, paid.envelopes, 1)
}

// Only the provider's reported status moves the order; an HTTP round trip
// that ends in anything but succeeded leaves the ledger alone.
func TestCaptureIncompleteStatus(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyPayPal, "PP-1")
	prov := &fakeProvider{family: payments.FamilyPayPal, captureStatus: payments.CapturePending}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	_, err := h.Capture(context.Background(), payments.FamilyPayPal, "PP-1")
	assert.ErrorIs(t, err, ErrCaptureIncomplete)
	assert.Empty(t, ledger.transitions)
	assert.Empty(t, paid.envelopes)
}

func TestCaptureProviderError(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyPayPal, "PP-1")
	prov := &fakeProvider{family: payments.FamilyPayPal, captureErr: errors.New("paypal: 500")}
	h, _, _, _ := newHandler(ledger, &fakeStock{}, prov)

	_, err := h.Capture(context.Background(), payments.FamilyPayPal, "PP-1")
	require.Error(t, err)
	assert.Empty(t, ledger.transitions)
}

// The webhook can win the race against the capture response; the capture
// caller still gets the order back instead of an error.
func TestCaptureAfterWebhookRace(t *testing.T) {
	ledger := pendingLedger("o-1", payments.FamilyPayPal, "PP-1")
	ledger.current["o-1"] = orders.StatusPaid
	prov := &fakeProvider{family: payments.FamilyPayPal, captureStatus: payments.CaptureSucceeded}
	h, paid, _, _ := newHandler(ledger, &fakeStock{}, prov)

	o, err := h.Capture(context.Background(), payments.FamilyPayPal, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", o.ID)
	assert.Empty(t, paid.envelopes, "the webhook already published order.paid")
}

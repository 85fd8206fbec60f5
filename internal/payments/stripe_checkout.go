package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeCheckout drives Stripe's hosted checkout session flow. The buyer is
// redirected to Stripe and the session id is the correlation ref.
type StripeCheckout struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeCheckout(secretKey, webhookSecret, successURL, cancelURL string) *StripeCheckout {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeCheckout{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

func (p *StripeCheckout) Family() string { return FamilyStripeCheckout }

func (p *StripeCheckout) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, it := range req.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(it.Qty),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(it.UnitPriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.Name),
				},
			},
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SubmitType: stripe.String("pay"),
		LineItems:  lineItems,
		SuccessURL: stripe.String(p.successURL),
		CancelURL:  stripe.String(p.cancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"order_id": req.OrderID,
				"user_id":  req.UserID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	return &Session{Ref: sess.ID, RedirectURL: sess.URL}, nil
}

func (p *StripeCheckout) VerifyEvent(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, headers.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		cs, err := unmarshalSession(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		meta := map[string]string{}
		if cs.CustomerDetails != nil {
			meta["customer_email"] = cs.CustomerDetails.Email
			meta["customer_name"] = cs.CustomerDetails.Name
		}
		return &Event{Kind: EventSessionCompleted, Ref: cs.ID, Meta: meta}, nil
	case "checkout.session.expired":
		cs, err := unmarshalSession(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventSessionExpired, Ref: cs.ID}, nil
	default:
		return &Event{Kind: EventIgnored}, nil
	}
}

func (p *StripeCheckout) Capture(ctx context.Context, ref string) (CaptureStatus, error) {
	return "", ErrCaptureUnsupported
}

func unmarshalSession(raw json.RawMessage) (*stripe.CheckoutSession, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session event: %w", err)
	}
	return &cs, nil
}

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

// StripeIntent drives the direct payment-intent flow: the client confirms
// the intent in-page with the returned client secret, no redirect.
type StripeIntent struct {
	api           *client.API
	webhookSecret string
}

func NewStripeIntent(secretKey, webhookSecret string) *StripeIntent {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeIntent{api: api, webhookSecret: webhookSecret}
}

func (p *StripeIntent) Family() string { return FamilyStripeIntent }

func (p *StripeIntent) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.TotalCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("user_id", req.UserID)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}
	return &Session{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeIntent) VerifyEvent(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, headers.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		pi, err := unmarshalIntent(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventPaymentSucceeded, Ref: pi.ID}, nil
	case "payment_intent.payment_failed":
		pi, err := unmarshalIntent(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		meta := map[string]string{}
		if pi.LastPaymentError != nil {
			meta["reason"] = string(pi.LastPaymentError.Code)
		}
		return &Event{Kind: EventPaymentFailed, Ref: pi.ID, Meta: meta}, nil
	default:
		return &Event{Kind: EventIgnored}, nil
	}
}

// Capture completes a two-step intent. Only the intent's own status decides
// the outcome; a 200 from the capture call alone proves nothing.
func (p *StripeIntent) Capture(ctx context.Context, ref string) (CaptureStatus, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Capture(ref, params)
	if err != nil {
		return CaptureFailed, fmt.Errorf("stripe capture: %w", err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return CaptureSucceeded, nil
	case stripe.PaymentIntentStatusProcessing:
		return CapturePending, nil
	default:
		return CaptureFailed, nil
	}
}

func unmarshalIntent(raw json.RawMessage) (*stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent event: %w", err)
	}
	return &pi, nil
}

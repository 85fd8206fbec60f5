package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/plutov/paypal/v4"
)

// PayPal drives the order/capture flow: an order is created and approved by
// the buyer on PayPal, then captured explicitly when the buyer returns.
type PayPal struct {
	client    *paypal.Client
	webhookID string
	returnURL string
	cancelURL string
}

func NewPayPal(clientID, secret string, live bool, webhookID, returnURL, cancelURL string) (*PayPal, error) {
	base := paypal.APIBaseSandBox
	if live {
		base = paypal.APIBaseLive
	}
	c, err := paypal.NewClient(clientID, secret, base)
	if err != nil {
		return nil, fmt.Errorf("paypal client: %w", err)
	}
	return &PayPal{client: c, webhookID: webhookID, returnURL: returnURL, cancelURL: cancelURL}, nil
}

func (p *PayPal) Family() string { return FamilyPayPal }

func (p *PayPal) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: req.OrderID,
		CustomID:    req.OrderID,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: strings.ToUpper(req.Currency),
			Value:    centsToDecimal(req.TotalCents),
		},
	}}
	order, err := p.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, &paypal.ApplicationContext{
		ReturnURL: p.returnURL,
		CancelURL: p.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("paypal create order: %w", err)
	}

	var approve string
	for _, l := range order.Links {
		if l.Rel == "approve" {
			approve = l.Href
			break
		}
	}
	if approve == "" {
		return nil, fmt.Errorf("paypal order %s: no approve link", order.ID)
	}
	return &Session{Ref: order.ID, RedirectURL: approve}, nil
}

func (p *PayPal) VerifyEvent(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers.Clone()

	verify, err := p.client.VerifyWebhookSignature(ctx, httpReq, p.webhookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	if verify.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: status %s", ErrSignatureVerification, verify.VerificationStatus)
	}

	var ev struct {
		ID        string          `json:"id"`
		EventType string          `json:"event_type"`
		Resource  json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}

	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return &Event{Kind: EventPaymentSucceeded, Ref: captureOrderRef(ev.Resource)}, nil
	case "PAYMENT.CAPTURE.DENIED":
		return &Event{Kind: EventPaymentFailed, Ref: captureOrderRef(ev.Resource)}, nil
	case "CHECKOUT.ORDER.APPROVED":
		var res struct {
			ID string `json:"id"`
			Payer struct {
				EmailAddress string `json:"email_address"`
			} `json:"payer"`
		}
		_ = json.Unmarshal(ev.Resource, &res)
		return &Event{Kind: EventSessionCompleted, Ref: res.ID, Meta: map[string]string{
			"payer_email": res.Payer.EmailAddress,
		}}, nil
	default:
		return &Event{Kind: EventIgnored}, nil
	}
}

// Capture finalizes an approved PayPal order. The response's own status is
// authoritative; a 2xx with any other status is not treated as paid.
func (p *PayPal) Capture(ctx context.Context, ref string) (CaptureStatus, error) {
	resp, err := p.client.CaptureOrder(ctx, ref, paypal.CaptureOrderRequest{})
	if err != nil {
		return CaptureFailed, fmt.Errorf("paypal capture: %w", err)
	}
	switch resp.Status {
	case "COMPLETED":
		return CaptureSucceeded, nil
	case "APPROVED", "PENDING", "IN_PROGRESS":
		return CapturePending, nil
	default:
		return CaptureFailed, nil
	}
}

// A capture resource correlates back to the paypal order through
// supplementary_data; that order id is what the Order Ledger bound.
func captureOrderRef(resource json.RawMessage) string {
	var res struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	}
	_ = json.Unmarshal(resource, &res)
	if res.SupplementaryData.RelatedIDs.OrderID != "" {
		return res.SupplementaryData.RelatedIDs.OrderID
	}
	return res.ID
}

func centsToDecimal(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// Package payments wraps the third-party gateways behind one capability
// interface so checkout and reconciliation are written once, not once per
// provider.
package payments

import (
	"context"
	"errors"
	"net/http"
)

const (
	FamilyStripeCheckout = "stripe_checkout"
	FamilyStripeIntent   = "stripe_intent"
	FamilyPayPal         = "paypal"
)

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventSessionCompleted EventKind = "session_completed"
	EventSessionExpired   EventKind = "session_expired"
	EventIgnored          EventKind = "ignored"
)

// Event is a provider webhook normalized to what reconciliation needs: the
// kind of transition it asks for, the artifact ref to correlate on, and
// whatever echo data the provider sent back.
type Event struct {
	Kind EventKind
	Ref  string
	Meta map[string]string
}

type SessionItem struct {
	Name           string
	Qty            int64
	UnitPriceCents int64
}

type SessionRequest struct {
	OrderID    string
	UserID     string
	Currency   string
	Items      []SessionItem
	TotalCents int64
}

// Session is the created provider artifact. Exactly one of RedirectURL or
// ClientSecret is set, depending on the provider's checkout style.
type Session struct {
	Ref          string
	RedirectURL  string
	ClientSecret string
}

type CaptureStatus string

const (
	CaptureSucceeded CaptureStatus = "succeeded"
	CapturePending   CaptureStatus = "pending"
	CaptureFailed    CaptureStatus = "failed"
)

var (
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrCaptureUnsupported    = errors.New("capture not supported by this provider")
)

// Provider is one payment gateway variant. VerifyEvent must authenticate the
// raw payload before any parsing or dispatch happens.
type Provider interface {
	Family() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	VerifyEvent(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
	Capture(ctx context.Context, ref string) (CaptureStatus, error)
}

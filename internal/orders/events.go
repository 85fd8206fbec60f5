package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPaid          = "OrderPaid"
	EventOrderPaymentFailed = "OrderPaymentFailed"
	EventOrderExpired       = "OrderExpired"
)

// Envelope wraps every lifecycle event published for downstream consumers
// (fulfillment, notifications, the reservation finalizer).
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPaidPayload struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id"`
	TotalCents     int64  `json:"total_cents"`
	ProviderFamily string `json:"provider_family"`
	ProviderRef    string `json:"provider_ref"`
}

type OrderPaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderExpiredPayload struct {
	OrderID string `json:"order_id"`
}

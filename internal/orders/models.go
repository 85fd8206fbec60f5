package orders

import "time"

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// LineItem carries the unit price snapshotted at order time. It is never
// updated after the order row is written.
type LineItem struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

type Order struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         Status     `json:"status"`
	Items          []LineItem `json:"items"`
	Address        Address    `json:"shipping_address"`
	Totals         Totals     `json:"totals"`
	ProviderFamily string     `json:"provider_family,omitempty"`
	ProviderRef    string     `json:"provider_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type Reservation struct {
	ID        int64
	OrderID   string
	ProductID string
	Qty       int
	Status    string // RESERVED | RELEASED | CONFIRMED
	CreatedAt time.Time
}

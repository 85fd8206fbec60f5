package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dermaglow/checkout/internal/cart"
	"github.com/dermaglow/checkout/internal/catalog"
	"github.com/dermaglow/checkout/internal/inventory"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	"github.com/google/uuid"
)

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrProvider is what checkout callers see when the gateway call fails.
	// The order has already been rolled back server-side by then.
	ErrProvider = errors.New("payment could not be started")
)

type Catalog interface {
	GetMany(ctx context.Context, ids []string) (map[string]catalog.Product, error)
}

type Stock interface {
	ReserveAll(ctx context.Context, orderID string, items []inventory.ItemQty) error
	ReleaseAll(ctx context.Context, orderID string) error
}

type Ledger interface {
	CreatePendingOrder(ctx context.Context, orderID, userID string, items []orders.LineItem, addr orders.Address, t orders.Totals) (*orders.Order, error)
	BindProviderSession(ctx context.Context, orderID, family, ref string) error
	Transition(ctx context.Context, orderID string, from []orders.Status, to orders.Status, meta orders.TransitionMeta) (*orders.Order, error)
}

type Pricing struct {
	Currency              string
	ShippingFlatCents     int64
	FreeShippingOverCents int64
	TaxRateBps            int64
}

type Result struct {
	OrderID      string `json:"order_id"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Orchestrator turns a staged cart into a pending order bound to a provider
// checkout artifact. Construction-time config only; no globals.
type Orchestrator struct {
	Catalog         Catalog
	Stock           Stock
	Ledger          Ledger
	Providers       map[string]payments.Provider
	Pricing         Pricing
	ProviderTimeout time.Duration
}

// CreateSession re-validates the cart against current server-side prices and
// stock, creates the pending order, then asks the provider for its artifact.
// A provider failure after the order exists rolls the order to expired and
// releases the reservation before returning.
func (o *Orchestrator) CreateSession(ctx context.Context, userID string, lines []cart.Line, addr orders.Address, family string) (*Result, error) {
	provider, ok := o.Providers[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, family)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Qty < 1 {
			return nil, fmt.Errorf("invalid line item: product=%q qty=%d", l.ProductID, l.Qty)
		}
		ids = append(ids, l.ProductID)
	}

	// Current catalog prices, never the cart's snapshots.
	products, err := o.Catalog.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	items := make([]orders.LineItem, 0, len(lines))
	reserve := make([]inventory.ItemQty, 0, len(lines))
	for _, l := range lines {
		p := products[l.ProductID]
		items = append(items, orders.LineItem{
			ProductID:      p.ID,
			Name:           p.Name,
			Qty:            l.Qty,
			UnitPriceCents: p.PriceCents,
		})
		reserve = append(reserve, inventory.ItemQty{ProductID: p.ID, Qty: l.Qty})
	}

	if err := o.Stock.ReserveAll(ctx, orderID, reserve); err != nil {
		return nil, err
	}

	totals := orders.ComputeTotals(items, o.Pricing.ShippingFlatCents, o.Pricing.FreeShippingOverCents, o.Pricing.TaxRateBps)
	order, err := o.Ledger.CreatePendingOrder(ctx, orderID, userID, items, addr, totals)
	if err != nil {
		o.releaseStock(ctx, orderID)
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, o.ProviderTimeout)
	defer cancel()
	sess, err := provider.CreateSession(pctx, payments.SessionRequest{
		OrderID:    order.ID,
		UserID:     userID,
		Currency:   o.Pricing.Currency,
		TotalCents: totals.TotalCents,
		Items:      sessionItems(items),
	})
	if err != nil {
		slog.Error("provider session failed, rolling back order",
			slog.String("order_id", order.ID), slog.String("provider", family), slog.Any("error", err))
		o.rollback(ctx, order.ID, "provider session creation failed")
		return nil, fmt.Errorf("%w: %s", ErrProvider, family)
	}

	if err := o.Ledger.BindProviderSession(ctx, order.ID, family, sess.Ref); err != nil {
		slog.Error("binding provider session failed, rolling back order",
			slog.String("order_id", order.ID), slog.String("provider_ref", sess.Ref), slog.Any("error", err))
		o.rollback(ctx, order.ID, "provider session binding failed")
		return nil, fmt.Errorf("%w: %s", ErrProvider, family)
	}

	return &Result{OrderID: order.ID, RedirectURL: sess.RedirectURL, ClientSecret: sess.ClientSecret}, nil
}

// rollback marks the half-created order expired and releases its stock so it
// never lingers as pending without a provider artifact.
func (o *Orchestrator) rollback(ctx context.Context, orderID, reason string) {
	if _, err := o.Ledger.Transition(ctx, orderID, []orders.Status{orders.StatusPending}, orders.StatusExpired,
		orders.TransitionMeta{Reason: reason}); err != nil {
		slog.Error("rollback transition failed", slog.String("order_id", orderID), slog.Any("error", err))
	}
	o.releaseStock(ctx, orderID)
}

func (o *Orchestrator) releaseStock(ctx context.Context, orderID string) {
	if err := o.Stock.ReleaseAll(ctx, orderID); err != nil {
		slog.Error("stock release failed", slog.String("order_id", orderID), slog.Any("error", err))
	}
}

func sessionItems(items []orders.LineItem) []payments.SessionItem {
	out := make([]payments.SessionItem, 0, len(items))
	for _, it := range items {
		out = append(out, payments.SessionItem{
			Name:           it.Name,
			Qty:            int64(it.Qty),
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	return out
}

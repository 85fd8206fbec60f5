package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dermaglow/checkout/internal/cart"
	"github.com/dermaglow/checkout/internal/checkout"
	"github.com/dermaglow/checkout/internal/inventory"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	"github.com/dermaglow/checkout/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

type CheckoutHandler struct {
	Orchestrator *checkout.Orchestrator
	Reconciler   *reconcile.Handler
	Carts        cart.Persistence
}

type checkoutReq struct {
	Provider        string         `json:"provider"`
	ShippingAddress orders.Address `json:"shipping_address"`
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout", h.createSession)
	r.Post("/checkout/paypal/{ref}/capture", h.capturePayPal)
}

func (h *CheckoutHandler) createSession(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing provider"})
		return
	}
	if req.ShippingAddress.Line1 == "" || req.ShippingAddress.City == "" || req.ShippingAddress.Country == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "incomplete shipping address"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	// The staged cart is re-validated server-side; its price snapshots are
	// only a display convenience.
	store := cart.NewStore(user, h.Carts)
	if err := store.Load(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cart unavailable"})
		return
	}

	res, err := h.Orchestrator.CreateSession(ctx, user, store.Lines(), req.ShippingAddress, req.Provider)
	if err != nil {
		var stockErr *inventory.InsufficientStockError
		switch {
		case errors.As(err, &stockErr):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "insufficient stock",
				"shortfalls": stockErr.Shortfalls,
			})
		case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, checkout.ErrUnknownProvider):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, checkout.ErrProvider):
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment could not be started"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "checkout failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) capturePayPal(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing ref"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	order, err := h.Reconciler.Capture(ctx, payments.FamilyPayPal, ref)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrCaptureIncomplete):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "payment could not be completed"})
		case errors.Is(err, orders.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment could not be completed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"order_id": order.ID, "status": order.Status})
}

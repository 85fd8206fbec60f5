package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dermaglow/checkout/internal/cart"
	"github.com/dermaglow/checkout/internal/catalog"
	"github.com/go-chi/chi/v5"
)

type CartHandler struct {
	Carts   cart.Persistence
	Catalog *catalog.Repo
}

type addCartItemReq struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type updateCartItemReq struct {
	Qty int `json:"qty"`
}

type cartResp struct {
	Items      []cart.Line `json:"items"`
	TotalCents int64       `json:"total_cents"`
	TotalItems int         `json:"total_items"`
}

func (h *CartHandler) Register(r *chi.Mux) {
	r.Get("/cart", h.get)
	r.Post("/cart/items", h.addItem)
	r.Put("/cart/items/{productID}", h.updateItem)
	r.Delete("/cart/items/{productID}", h.removeItem)
	r.Delete("/cart", h.clear)
}

func (h *CartHandler) load(w http.ResponseWriter, r *http.Request) (*cart.Store, context.Context, context.CancelFunc, bool) {
	user := userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)

	store := cart.NewStore(user, h.Carts)
	if err := store.Load(ctx); err != nil {
		cancel()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cart unavailable"})
		return nil, nil, nil, false
	}
	return store, ctx, cancel, true
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	store, _, cancel, ok := h.load(w, r)
	if !ok {
		return
	}
	defer cancel()
	writeJSON(w, http.StatusOK, cartResp{Items: store.Lines(), TotalCents: store.TotalCents(), TotalItems: store.TotalItems()})
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" || req.Qty < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing product_id or qty"})
		return
	}

	store, ctx, cancel, ok := h.load(w, r)
	if !ok {
		return
	}
	defer cancel()

	products, err := h.Catalog.GetMany(ctx, []string{req.ProductID})
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
		return
	}
	p := products[req.ProductID]

	line := cart.Line{
		ProductID:      p.ID,
		Name:           p.Name,
		UnitPriceCents: p.PriceCents,
		Qty:            req.Qty,
		StockCeiling:   p.Stock,
	}
	if err := store.Add(ctx, line); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Items: store.Lines(), TotalCents: store.TotalCents(), TotalItems: store.TotalItems()})
}

func (h *CartHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateCartItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	store, ctx, cancel, ok := h.load(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := store.UpdateQuantity(ctx, chi.URLParam(r, "productID"), req.Qty); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Items: store.Lines(), TotalCents: store.TotalCents(), TotalItems: store.TotalItems()})
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	store, ctx, cancel, ok := h.load(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := store.Remove(ctx, chi.URLParam(r, "productID")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Items: store.Lines(), TotalCents: store.TotalCents(), TotalItems: store.TotalItems()})
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	store, ctx, cancel, ok := h.load(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := store.Clear(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Items: []cart.Line{}})
}

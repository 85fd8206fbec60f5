package httpx

import (
	"errors"
	"io"
	"net/http"

	"github.com/dermaglow/checkout/internal/payments"
	"github.com/dermaglow/checkout/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

type WebhookHandler struct {
	Reconciler *reconcile.Handler
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/webhooks/{provider}", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	family := chi.URLParam(r, "provider")
	err = h.Reconciler.HandleWebhook(r.Context(), family, payload, r.Header)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, payments.ErrSignatureVerification):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signature verification failed"})
	case errors.Is(err, reconcile.ErrUnknownProvider):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
	default:
		// Transient server-side trouble: a 5xx makes the provider retry.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not processed"})
	}
}

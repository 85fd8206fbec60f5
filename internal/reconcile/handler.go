package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	kafkax "github.com/dermaglow/checkout/internal/kafka"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	"github.com/dermaglow/checkout/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

var (
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrCaptureIncomplete: the capture call went through but the provider
	// did not report the payment as succeeded.
	ErrCaptureIncomplete = errors.New("payment capture not completed")
)

type Ledger interface {
	FindByProviderRef(ctx context.Context, family, ref string) (*orders.Order, error)
	Transition(ctx context.Context, orderID string, from []orders.Status, to orders.Status, meta orders.TransitionMeta) (*orders.Order, error)
}

type Stock interface {
	ReleaseAll(ctx context.Context, orderID string) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Handler consumes asynchronous provider events and advances order status
// through the Ledger's guarded transitions. Duplicate or out-of-order
// deliveries are absorbed, never surfaced to the provider as failures.
type Handler struct {
	Ledger    Ledger
	Stock     Stock
	Providers map[string]payments.Provider

	// Optional plumbing; nil-safe for tests.
	Redis           *redis.Client
	ProducerPaid    Publisher
	ProducerFailed  Publisher
	ProducerExpired Publisher
	ServiceName     string
	ProviderTimeout time.Duration
}

// HandleWebhook: verify before parse, parse before dispatch. A signature
// failure returns before the Ledger is ever touched.
func (h *Handler) HandleWebhook(ctx context.Context, family string, payload []byte, headers http.Header) error {
	provider, ok := h.Providers[family]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, family)
	}

	ev, err := provider.VerifyEvent(ctx, payload, headers)
	if err != nil {
		return err
	}
	if ev.Kind == payments.EventIgnored {
		return nil
	}

	order, err := h.Ledger.FindByProviderRef(ctx, family, ev.Ref)
	if errors.Is(err, orders.ErrNotFound) {
		// No matching order: acknowledge so the provider stops retrying.
		slog.Info("webhook for unknown provider ref, ignoring",
			slog.String("provider", family), slog.String("ref", ev.Ref))
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Kind {
	case payments.EventPaymentSucceeded:
		return h.markPaid(ctx, order, orders.StatusPaid, "payment succeeded")

	case payments.EventSessionCompleted:
		// Provider echo (customer/shipping) rides along in the event meta.
		return h.markPaid(ctx, order, orders.StatusProcessing, "checkout session completed "+flatten(ev.Meta))

	case payments.EventPaymentFailed:
		reason := ev.Meta["reason"]
		if reason == "" {
			reason = "provider reported failure"
		}
		o2, err := h.Ledger.Transition(ctx, order.ID, []orders.Status{orders.StatusPending}, orders.StatusPaymentFailed,
			orders.TransitionMeta{Reason: reason})
		if absorbed(err) {
			return nil
		}
		if err != nil {
			return err
		}
		h.releaseStock(ctx, o2.ID)
		h.cacheStatus(ctx, o2)
		h.publish(h.ProducerFailed, orders.EventOrderPaymentFailed, o2.ID,
			orders.OrderPaymentFailedPayload{OrderID: o2.ID, Reason: reason})
		return nil

	case payments.EventSessionExpired:
		o2, err := h.Ledger.Transition(ctx, order.ID, []orders.Status{orders.StatusPending}, orders.StatusExpired,
			orders.TransitionMeta{Reason: "checkout session expired"})
		if absorbed(err) {
			return nil
		}
		if err != nil {
			return err
		}
		h.releaseStock(ctx, o2.ID)
		h.cacheStatus(ctx, o2)
		h.publish(h.ProducerExpired, orders.EventOrderExpired, o2.ID, orders.OrderExpiredPayload{OrderID: o2.ID})
		return nil
	}
	return nil
}

// Capture drives the explicit second step for authorize-then-capture
// providers. Only the provider's reported status moves the order; the HTTP
// call succeeding on its own proves nothing.
func (h *Handler) Capture(ctx context.Context, family, ref string) (*orders.Order, error) {
	provider, ok := h.Providers[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, family)
	}

	cctx := ctx
	if h.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, h.ProviderTimeout)
		defer cancel()
	}
	status, err := provider.Capture(cctx, ref)
	if err != nil {
		return nil, err
	}
	if status != payments.CaptureSucceeded {
		return nil, fmt.Errorf("%w: provider status %s", ErrCaptureIncomplete, status)
	}

	order, err := h.Ledger.FindByProviderRef(ctx, family, ref)
	if err != nil {
		return nil, err
	}

	o2, err := h.Ledger.Transition(ctx, order.ID, []orders.Status{orders.StatusPending}, orders.StatusPaid,
		orders.TransitionMeta{Reason: "capture completed"})
	if absorbed(err) {
		return order, nil // already reconciled, e.g. the webhook won the race
	}
	if err != nil {
		return nil, err
	}
	h.cacheStatus(ctx, o2)
	h.publishPaid(o2)
	return o2, nil
}

func (h *Handler) markPaid(ctx context.Context, order *orders.Order, to orders.Status, reason string) error {
	o2, err := h.Ledger.Transition(ctx, order.ID, []orders.Status{orders.StatusPending}, to,
		orders.TransitionMeta{Reason: reason})
	if absorbed(err) {
		return nil
	}
	if err != nil {
		return err
	}
	h.cacheStatus(ctx, o2)
	h.publishPaid(o2)
	return nil
}

func (h *Handler) publishPaid(o *orders.Order) {
	h.publish(h.ProducerPaid, orders.EventOrderPaid, o.ID, orders.OrderPaidPayload{
		OrderID:        o.ID,
		UserID:         o.UserID,
		TotalCents:     o.Totals.TotalCents,
		ProviderFamily: o.ProviderFamily,
		ProviderRef:    o.ProviderRef,
	})
}

// absorbed reports whether the transition error came from a duplicate or
// out-of-order delivery, which is a silent no-op success per provider retry
// semantics.
func absorbed(err error) bool {
	var ite *orders.InvalidTransitionError
	if errors.As(err, &ite) {
		slog.Info("duplicate or out-of-order event absorbed",
			slog.String("order_id", ite.OrderID),
			slog.String("current", string(ite.Current)),
			slog.String("attempted", string(ite.To)))
		return true
	}
	return false
}

func (h *Handler) releaseStock(ctx context.Context, orderID string) {
	if h.Stock == nil {
		return
	}
	if err := h.Stock.ReleaseAll(ctx, orderID); err != nil {
		slog.Error("stock release failed", slog.String("order_id", orderID), slog.Any("error", err))
	}
}

func (h *Handler) cacheStatus(ctx context.Context, o *orders.Order) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	val := fmt.Sprintf(`{"status":%q}`, o.Status)
	_ = h.Redis.Set(ctx, key, val, redisx.TTLStatusCache).Err()
}

func (h *Handler) publish(p Publisher, eventType, orderID string, payload any) {
	if p == nil {
		return
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func flatten(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	out := ""
	for k, v := range meta {
		if v == "" {
			continue
		}
		out += fmt.Sprintf("(%s=%s)", k, v)
	}
	return out
}

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkax "github.com/dermaglow/checkout/internal/kafka"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// Service finalizes reservations once an order is paid. It runs as a Kafka
// consumer in cmd/inventory, decoupled from the webhook request path.
type Service struct {
	Guard       *Guard
	Redis       *redis.Client
	ServiceName string
}

// HandleOrderPaid is installed as the consumer handler for order.paid.
func (s *Service) HandleOrderPaid(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderPaid {
		return nil
	}

	// Dedup on event_id: the producer may redeliver.
	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
	if err != nil {
		return err
	}

	if err := s.Guard.ConfirmAll(ctx, p.OrderID); err != nil {
		return err
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	slog.Info("reservation confirmed", slog.String("order_id", p.OrderID))
	return nil
}

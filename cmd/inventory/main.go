package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dermaglow/checkout/internal/config"
	"github.com/dermaglow/checkout/internal/inventory"
	kafkax "github.com/dermaglow/checkout/internal/kafka"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/postgres"
	"github.com/dermaglow/checkout/internal/redisx"
	"github.com/joho/godotenv"
)

// Reservation finalizer: consumes order.paid and makes the stock
// reservation permanent, off the webhook request path.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &inventory.Service{
		Guard:       &inventory.Guard{DB: db},
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-inventory",
	}

	group := getenv("INVENTORY_GROUP", "inventory-finalizer")
	workers := mustAtoi(os.Getenv("INVENTORY_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderPaid, workers)

	go func() {
		log.Printf("inventory consumer started: group=%s topic=%s workers=%d", group, orders.TopicOrderPaid, workers)
		if err := cons.Start(ctx, svc.HandleOrderPaid); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

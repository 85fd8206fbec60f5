package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dermaglow/checkout/internal/cart"
	"github.com/dermaglow/checkout/internal/catalog"
	"github.com/dermaglow/checkout/internal/checkout"
	"github.com/dermaglow/checkout/internal/config"
	"github.com/dermaglow/checkout/internal/httpx"
	"github.com/dermaglow/checkout/internal/inventory"
	kafkax "github.com/dermaglow/checkout/internal/kafka"
	"github.com/dermaglow/checkout/internal/orders"
	"github.com/dermaglow/checkout/internal/payments"
	"github.com/dermaglow/checkout/internal/postgres"
	"github.com/dermaglow/checkout/internal/reconcile"
	"github.com/dermaglow/checkout/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per lifecycle topic
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024)
	pPaid.Start(ctx)
	pFailed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaymentFailed, 1024)
	pFailed.Start(ctx)
	pExpired := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderExpired, 1024)
	pExpired.Start(ctx)

	// Payment providers, registered only when configured
	providers := map[string]payments.Provider{}
	if cfg.Stripe.SecretKey != "" {
		providers[payments.FamilyStripeCheckout] = payments.NewStripeCheckout(
			cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Checkout.SuccessURL, cfg.Checkout.CancelURL)
		providers[payments.FamilyStripeIntent] = payments.NewStripeIntent(
			cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	}
	if cfg.PayPal.ClientID != "" {
		pp, err := payments.NewPayPal(cfg.PayPal.ClientID, cfg.PayPal.Secret, cfg.PayPal.Live,
			cfg.PayPal.WebhookID, cfg.Checkout.SuccessURL, cfg.Checkout.CancelURL)
		if err != nil {
			log.Fatalf("paypal: %v", err)
		}
		if err := pp.Authenticate(ctx); err != nil {
			log.Fatalf("paypal auth: %v", err)
		}
		providers[payments.FamilyPayPal] = pp
	}

	// Core
	ledger := &orders.Ledger{DB: db}
	guard := &inventory.Guard{DB: db}
	products := &catalog.Repo{DB: db}
	carts := &cart.RedisPersistence{RDB: rdb}

	orchestrator := &checkout.Orchestrator{
		Catalog:   products,
		Stock:     guard,
		Ledger:    ledger,
		Providers: providers,
		Pricing: checkout.Pricing{
			Currency:              cfg.Pricing.Currency,
			ShippingFlatCents:     cfg.Pricing.ShippingFlatCents,
			FreeShippingOverCents: cfg.Pricing.FreeShippingOverCents,
			TaxRateBps:            cfg.Pricing.TaxRateBps,
		},
		ProviderTimeout: cfg.Checkout.ProviderTimeout,
	}
	reconciler := &reconcile.Handler{
		Ledger:          ledger,
		Stock:           guard,
		Providers:       providers,
		Redis:           rdb,
		ProducerPaid:    pPaid,
		ProducerFailed:  pFailed,
		ProducerExpired: pExpired,
		ServiceName:     cfg.ServiceName,
		ProviderTimeout: cfg.Checkout.ProviderTimeout,
	}

	// HTTP
	router := httpx.NewRouter()
	(&httpx.CheckoutHandler{Orchestrator: orchestrator, Reconciler: reconciler, Carts: carts}).Register(router)
	(&httpx.WebhookHandler{Reconciler: reconciler}).Register(router)
	(&httpx.CartHandler{Carts: carts, Catalog: products}).Register(router)
	(&httpx.OrdersHandler{Ledger: ledger, Catalog: products, Redis: rdb}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pPaid.Close()
	pFailed.Close()
	pExpired.Close()
	cancel()
	pPaid.WaitClosed()
	pFailed.WaitClosed()
	pExpired.WaitClosed()
}

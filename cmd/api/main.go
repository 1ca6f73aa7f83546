package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storekit/go-shop-settlement/internal/config"
	"github.com/storekit/go-shop-settlement/internal/httpx"
	kafkax "github.com/storekit/go-shop-settlement/internal/kafka"
	"github.com/storekit/go-shop-settlement/internal/metrics"
	"github.com/storekit/go-shop-settlement/internal/orders"
	"github.com/storekit/go-shop-settlement/internal/payment"
	"github.com/storekit/go-shop-settlement/internal/postgres"
	"github.com/storekit/go-shop-settlement/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers for post-commit events
	pSettled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderSettled, 1024)
	pSettled.Start(ctx)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024)
	pCancelled.Start(ctx)

	// Payment provider
	gateway := payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecret)

	repo := &orders.Repo{DB: db}
	settler := &orders.Settler{
		DB:              db,
		Gateway:         gateway,
		SettledEvents:   pSettled,
		CancelledEvents: pCancelled,
		Service:         cfg.ServiceName,
	}

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Repo:        repo,
		Settler:     settler,
		Redis:       rdb,
		Metrics:     metrics.NewSettlement("api"),
		ShippingFee: cfg.ShippingFee,
		Service:     cfg.ServiceName,
	}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pSettled.Close()
	pCancelled.Close()
	cancel()
	pSettled.WaitClosed()
	pCancelled.WaitClosed()
}

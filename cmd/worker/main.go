package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/storekit/go-shop-settlement/internal/config"
	kafkax "github.com/storekit/go-shop-settlement/internal/kafka"
	"github.com/storekit/go-shop-settlement/internal/notification"
	"github.com/storekit/go-shop-settlement/internal/orders"
	"github.com/storekit/go-shop-settlement/internal/payment"
	"github.com/storekit/go-shop-settlement/internal/postgres"
	"github.com/storekit/go-shop-settlement/internal/redisx"
)

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

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// The sweeper re-emits cancellation events once a stuck compensation
	// finally confirms, so the worker carries its own producer.
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 256)
	// background context: the producer must outlive ctx cancellation so the
	// sweeper can still publish while the group drains; closed explicitly below
	pCancelled.Start(context.Background())

	repo := &orders.Repo{DB: db}
	settler := &orders.Settler{
		DB:              db,
		Gateway:         payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecret),
		CancelledEvents: pCancelled,
		Service:         cfg.ServiceName + "-worker",
	}
	svc := &notification.Service{
		Repo:        repo,
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-notification",
	}

	group := getenv("NOTIFY_GROUP", "notification-svc")
	workers := mustAtoi(os.Getenv("NOTIFY_WORKERS"), "4")
	consSettled := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderSettled, workers)
	consCancelled := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderCancelled, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("notification consumer started: group=%s topic=%s workers=%d", group, orders.TopicOrderSettled, workers)
		return consSettled.Start(gctx, svc.HandleOrderEvent)
	})
	g.Go(func() error {
		log.Printf("notification consumer started: group=%s topic=%s workers=%d", group, orders.TopicOrderCancelled, workers)
		return consCancelled.Start(gctx, svc.HandleOrderEvent)
	})
	g.Go(func() error {
		// crash-recovery sweep: finish compensations whose cancel call never
		// confirmed before the process died
		tick := time.NewTicker(time.Minute)
		defer tick.Stop()
		for {
			n, err := settler.SweepCompensations(gctx, time.Minute, 50)
			if err != nil {
				log.Printf("compensation sweep: %v", err)
			} else if n > 0 {
				log.Printf("compensation sweep: resolved %d intents", n)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-tick.C:
			}
		}
	})

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down worker...")
	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("worker exit: %v", err)
	}
	pCancelled.Close()
	pCancelled.WaitClosed()
}

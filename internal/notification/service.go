package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/storekit/go-shop-settlement/internal/kafka"
	"github.com/storekit/go-shop-settlement/internal/orders"
	"github.com/storekit/go-shop-settlement/internal/redisx"
)

// BuyerStore is the repository surface the mailer needs. Satisfied by
// orders.Repo; faked in tests.
type BuyerStore interface {
	GetBuyer(ctx context.Context, userID string) (orders.Buyer, error)
}

// Cache is the slice of redis.Client used for event dedup.
type Cache interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Service consumes post-commit order events and mails the buyer a summary.
// Delivery failures are this service's problem alone; settlement has already
// committed by the time an event reaches us.
type Service struct {
	Repo        BuyerStore
	Redis       Cache
	ServiceName string
}

// HandleOrderEvent is installed as the consumer handler for both the settled
// and cancelled topics.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, "notification", env.EventID)
	if n, err := s.Redis.Exists(ctx, dkey).Result(); err == nil && n > 0 {
		return nil
	}

	var err error
	switch env.EventType {
	case orders.EventOrderSettled:
		err = s.handleSettled(ctx, env.Payload)
	case orders.EventOrderCancelled:
		err = s.handleCancelled(ctx, env.Payload)
	}
	if err != nil {
		// the key stays unset so the redelivery gets another attempt
		return err
	}

	// at-least-once delivery: mark the event only once it is fully handled
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}

func (s *Service) handleSettled(ctx context.Context, payload json.RawMessage) error {
	p, err := kafkax.UnwrapPayload[orders.OrderSettledPayload](payload)
	if err != nil {
		return err
	}
	buyer, err := s.Repo.GetBuyer(ctx, p.UserID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your order %s is confirmed.\n", p.OrderID)
	fmt.Fprintf(&b, "Ship to: %s, %s\n", p.Recipient, p.Address)
	for _, ln := range p.Lines {
		opt := ln.AddOn
		if opt == "" {
			opt = ln.Color + "/" + ln.Size
		}
		fmt.Fprintf(&b, "- %s (%s) x%d @ %d\n", ln.ProductName, opt, ln.Qty, ln.UnitPrice)
	}
	fmt.Fprintf(&b, "Total paid: %d (payment %s)\n", p.TotalPrice, p.PaymentID)

	s.send(buyer, "Order confirmed", b.String())
	return nil
}

func (s *Service) handleCancelled(ctx context.Context, payload json.RawMessage) error {
	p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](payload)
	if err != nil {
		return err
	}
	buyer, err := s.Repo.GetBuyer(ctx, p.UserID)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf(
		"Your order %s could not be completed and the payment of %d was cancelled. Your items are back in the cart.",
		p.OrderID, p.Amount)
	s.send(buyer, "Order cancelled", msg)
	return nil
}

func (s *Service) send(buyer orders.Buyer, subject, body string) {
	// delivery goes through the mail relay in production; the summary itself
	// is the contract here
	log.Printf("EMAIL TO %s <%s> [%s]\n%s", buyer.Name, buyer.Email, subject, body)
}

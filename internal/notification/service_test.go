package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	kafkax "github.com/storekit/go-shop-settlement/internal/kafka"
	"github.com/storekit/go-shop-settlement/internal/orders"
)

type fakeCache struct{ keys map[string]bool }

func (c *fakeCache) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if c.keys[k] {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (c *fakeCache) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	c.keys[key] = true
	return redis.NewStatusResult("OK", nil)
}

type fakeBuyers struct {
	err   error
	calls int
}

func (b *fakeBuyers) GetBuyer(ctx context.Context, userID string) (orders.Buyer, error) {
	b.calls++
	if b.err != nil {
		return orders.Buyer{}, b.err
	}
	return orders.Buyer{ID: userID, Name: "Kim", Email: "kim@example.com"}, nil
}

func settledMessage(eventID string) kafkago.Message {
	env := orders.Envelope{
		EventID:   eventID,
		EventType: orders.EventOrderSettled,
		Payload: kafkax.MustMarshal(orders.OrderSettledPayload{
			OrderID:    "o1",
			PaymentID:  "pay-1",
			UserID:     "u1",
			Recipient:  "Kim",
			Address:    "12 Mapo-daero",
			TotalPrice: 36820,
		}),
	}
	return kafkago.Message{Value: kafkax.MustMarshal(env)}
}

func TestHandleOrderEventRedeliveryAfterFailure(t *testing.T) {
	cache := &fakeCache{keys: map[string]bool{}}
	buyers := &fakeBuyers{err: errors.New("db blip")}
	svc := &Service{Repo: buyers, Redis: cache, ServiceName: "test"}
	msg := settledMessage("ev-1")

	// transient failure: the error propagates so the offset stays uncommitted,
	// and the event must remain eligible for the redelivery
	require.Error(t, svc.HandleOrderEvent(context.Background(), msg))
	require.Empty(t, cache.keys)

	buyers.err = nil
	require.NoError(t, svc.HandleOrderEvent(context.Background(), msg))
	require.Equal(t, 2, buyers.calls)
	require.Len(t, cache.keys, 1)
}

func TestHandleOrderEventDropsDuplicates(t *testing.T) {
	cache := &fakeCache{keys: map[string]bool{}}
	buyers := &fakeBuyers{}
	svc := &Service{Repo: buyers, Redis: cache, ServiceName: "test"}
	msg := settledMessage("ev-dup")

	require.NoError(t, svc.HandleOrderEvent(context.Background(), msg))
	require.NoError(t, svc.HandleOrderEvent(context.Background(), msg))
	require.Equal(t, 1, buyers.calls)
}

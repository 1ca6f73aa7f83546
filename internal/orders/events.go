package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderSettled   = "OrderSettled"
	EventOrderCancelled = "OrderCancelled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderSettledPayload struct {
	OrderID    string      `json:"order_id"`
	PaymentID  string      `json:"payment_id"`
	UserID     string      `json:"user_id"`
	Recipient  string      `json:"recipient"`
	Address    string      `json:"address"`
	Lines      []OrderLine `json:"lines"`
	TotalPrice int64       `json:"total_price"`
}

type OrderCancelledPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

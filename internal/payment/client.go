package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payment is the provider's view of a transaction.
type Payment struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Amount        Amount `json:"amount"`
}

type Amount struct {
	Total int64 `json:"total"`
}

// StatusPaid is the only provider status settlement accepts.
const StatusPaid = "PAID"

// Client talks to the payment provider's REST API. It only reads and cancels
// payments; charging happens client-side against the provider directly.
type Client struct {
	base   string
	secret string
	hc     *http.Client
}

func NewClient(base, secret string) *Client {
	return &Client{
		base:   base,
		secret: secret,
		hc:     &http.Client{Timeout: 10 * time.Second},
	}
}

// GetPayment looks a payment up by the id we minted at prepare time.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/payments/%s", c.base, paymentID), nil)
	if err != nil {
		return Payment{}, err
	}
	req.Header.Set("Authorization", "PortOne "+c.secret)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("payment lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Payment{}, fmt.Errorf("payment lookup: status %d: %s", resp.StatusCode, body)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Payment{}, fmt.Errorf("payment lookup: decode: %w", err)
	}
	return p, nil
}

// CancelPayment asks the provider to refund the full amount. Used only as the
// compensating action after a settlement abort.
func (c *Client) CancelPayment(ctx context.Context, paymentID, reason string, amount int64) error {
	payload, err := json.Marshal(map[string]any{
		"reason": reason,
		"amount": amount,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/payments/%s/cancel", c.base, paymentID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "PortOne "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("payment cancel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("payment cancel: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

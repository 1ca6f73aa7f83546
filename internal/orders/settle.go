package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/storekit/go-shop-settlement/internal/kafka"
	"github.com/storekit/go-shop-settlement/internal/payment"
)

// Gateway is the payment-provider surface settlement needs. Satisfied by
// payment.Client; faked in tests.
type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (payment.Payment, error)
	CancelPayment(ctx context.Context, paymentID, reason string, amount int64) error
}

// Publisher is the producer surface settlement publishes through. Satisfied
// by kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Settler applies a verified payment's side effects in one transaction:
// stock, coupon, mileage, order status. On failure it rolls everything back
// and unwinds the external payment.
type Settler struct {
	DB              Store
	Gateway         Gateway
	SettledEvents   Publisher
	CancelledEvents Publisher
	Service         string
}

// Complete settles an order in prepare status against the provider
// transaction txID. Only the first call for an order can succeed; retried
// webhook deliveries find the status already advanced and get
// ErrOrderNotEligible without touching anything.
func (s *Settler) Complete(ctx context.Context, orderID, paymentID, txID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID, StatusPrepare)
	if err != nil {
		// not eligible / not found: no settlement ran, nothing to compensate
		return err
	}
	if o.PaymentID != paymentID {
		return fmt.Errorf("%w: payment id mismatch for %s", ErrOrderNotEligible, orderID)
	}

	if err := s.applySettlement(ctx, tx, o, lines, txID); err != nil {
		_ = tx.Rollback(ctx)
		return s.compensate(ctx, o, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.compensate(ctx, o, err)
	}

	// fire-and-forget: a notification hiccup never unwinds a committed settlement
	s.publishSettled(o, lines)
	return nil
}

// lockOrder fetches the order iff it is still in the expected status, taking
// a row lock so a concurrent settlement of the same order blocks and then
// fails the status filter cleanly.
func lockOrder(ctx context.Context, tx pgx.Tx, orderID string, expect Status) (*Order, []OrderLine, error) {
	var o Order
	var couponID *string
	err := tx.QueryRow(ctx, `
		SELECT id, payment_id, user_id, recipient, address, coupon_id, mileage_used, total_price
		FROM orders
		WHERE id=$1 AND shipping_status=$2
		FOR UPDATE`,
		orderID, expect).
		Scan(&o.ID, &o.PaymentID, &o.UserID, &o.Recipient, &o.Address,
			&couponID, &o.MileageUsed, &o.TotalPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrOrderNotEligible, orderID)
	}
	if err != nil {
		return nil, nil, err
	}
	if couponID != nil {
		o.CouponID = *couponID
	}
	o.Status = expect

	rows, err := tx.Query(ctx, `
		SELECT product_id, product_name, color, size, add_on, qty, unit_price
		FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var ln OrderLine
		if err := rows.Scan(&ln.ProductID, &ln.ProductName, &ln.Color, &ln.Size, &ln.AddOn, &ln.Qty, &ln.UnitPrice); err != nil {
			return nil, nil, err
		}
		lines = append(lines, ln)
	}
	return &o, lines, rows.Err()
}

// applySettlement runs steps b-f of the settlement sequence on the open
// transaction. Order matters: each step's preconditions depend on the
// previous step's success.
func (s *Settler) applySettlement(ctx context.Context, tx pgx.Tx, o *Order, lines []OrderLine, txID string) error {
	if err := s.verifyPayment(ctx, o, txID); err != nil {
		return err
	}
	if err := DecrementStock(ctx, tx, lines); err != nil {
		return err
	}

	if o.CouponID != "" {
		// conditional flip: a racing order that consumed the coupon first
		// leaves zero rows here and aborts the whole settlement
		ct, err := tx.Exec(ctx, `
			UPDATE user_coupons SET is_used=true, used_at=now(), used_order_id=$2
			WHERE id=$1 AND is_used=false`, o.CouponID, o.ID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidOrUsedCoupon, o.CouponID)
		}
	}

	if o.MileageUsed > 0 {
		ct, err := tx.Exec(ctx, `
			UPDATE users SET mileage = mileage - $2 WHERE id=$1 AND mileage >= $2`,
			o.UserID, o.MileageUsed)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: balance dropped below %d", ErrInsufficientMileage, o.MileageUsed)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO mileage_ledger(id, user_id, amount, type, description, order_id)
			VALUES ($1,$2,$3,'spend','order payment',$4)`,
			uuid.NewString(), o.UserID, -o.MileageUsed, o.ID); err != nil {
			return err
		}
	}

	_, err := tx.Exec(ctx, `
		UPDATE orders SET shipping_status=$2, tx_id=$3, updated_at=now() WHERE id=$1`,
		o.ID, StatusPending, txID)
	return err
}

// verifyPayment confirms identity, state, and amount with the provider. The
// transaction id must match the caller's claim (defends against id
// substitution) and the paid amount must equal the stored total exactly.
func (s *Settler) verifyPayment(ctx context.Context, o *Order, txID string) error {
	p, err := s.Gateway.GetPayment(ctx, o.PaymentID)
	if err != nil {
		return err
	}
	switch {
	case p.ID != o.PaymentID:
		return fmt.Errorf("%w: provider returned payment %s", ErrPaymentVerificationFailed, p.ID)
	case p.TransactionID != txID:
		return fmt.Errorf("%w: transaction id mismatch", ErrPaymentVerificationFailed)
	case p.Status != payment.StatusPaid:
		return fmt.Errorf("%w: status %s", ErrPaymentVerificationFailed, p.Status)
	case p.Amount.Total != o.TotalPrice:
		return fmt.Errorf("%w: paid %d, expected %d", ErrPaymentVerificationFailed, p.Amount.Total, o.TotalPrice)
	}
	return nil
}

// compensate unwinds the external payment after the local transaction has
// been rolled back. The intent row is written first on its own connection so
// a crash between rollback and cancel leaves a durable trail the sweeper can
// finish.
func (s *Settler) compensate(ctx context.Context, o *Order, cause error) error {
	reason := fmt.Sprintf("internal settlement failure for order %s", o.ID)

	intentID := uuid.NewString()
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO compensation_intents(id, order_id, payment_id, amount, reason)
		VALUES ($1,$2,$3,$4,$5)`,
		intentID, o.ID, o.PaymentID, o.TotalPrice, reason); err != nil {
		log.Printf("compensation intent write failed for payment %s: %v", o.PaymentID, err)
	}

	if err := s.Gateway.CancelPayment(ctx, o.PaymentID, reason, o.TotalPrice); err != nil {
		log.Printf("MANUAL INTERVENTION REQUIRED: payment %s cancel failed after settlement abort: %v (settlement cause: %v)",
			o.PaymentID, err, cause)
		return errors.Join(cause, ErrCompensationFailed)
	}

	s.resolveIntent(ctx, intentID, o, reason)
	log.Printf("settlement aborted, payment %s cancelled: %v", o.PaymentID, cause)
	return fmt.Errorf("settlement aborted, payment cancelled: %w", cause)
}

// resolveIntent marks the intent done, parks the order in cancel, and emits
// the cancellation event. Shared by the inline path and the sweeper. The
// intent id doubles as the event id so a sweep retry of the same intent
// dedups on the consumer side instead of mailing the buyer twice.
func (s *Settler) resolveIntent(ctx context.Context, intentID string, o *Order, reason string) {
	if _, err := s.DB.Exec(ctx,
		`UPDATE compensation_intents SET resolved_at=now() WHERE id=$1`, intentID); err != nil {
		log.Printf("compensation intent %s resolve failed: %v", intentID, err)
	}
	if _, err := s.DB.Exec(ctx, `
		UPDATE orders SET shipping_status=$2, updated_at=now()
		WHERE id=$1 AND shipping_status=$3`,
		o.ID, StatusCancel, StatusPrepare); err != nil {
		log.Printf("order %s cancel update failed: %v", o.ID, err)
	}
	s.publishCancelled(intentID, o, reason)
}

// CancelSettled unwinds a settled order that has not shipped yet: stock goes
// back, spent mileage is refunded, the payment is refunded at the provider,
// and the order parks in cancel. A consumed coupon stays consumed;
// reinstating one is a manual correction.
func (s *Settler) CancelSettled(ctx context.Context, orderID, reason string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID, StatusPending)
	if err != nil {
		return err
	}

	if err := RestoreStock(ctx, tx, lines); err != nil {
		return err
	}
	if o.MileageUsed > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET mileage = mileage + $2 WHERE id=$1`,
			o.UserID, o.MileageUsed); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO mileage_ledger(id, user_id, amount, type, description, order_id)
			VALUES ($1,$2,$3,'earn','order cancellation refund',$4)`,
			uuid.NewString(), o.UserID, o.MileageUsed, o.ID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET shipping_status=$2, updated_at=now() WHERE id=$1`,
		o.ID, StatusCancel); err != nil {
		return err
	}

	// the refund intent commits with the unwind, so a crash before the
	// provider call leaves the sweeper something to finish
	intentID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO compensation_intents(id, order_id, payment_id, amount, reason)
		VALUES ($1,$2,$3,$4,$5)`,
		intentID, o.ID, o.PaymentID, o.TotalPrice, reason); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := s.Gateway.CancelPayment(ctx, o.PaymentID, reason, o.TotalPrice); err != nil {
		log.Printf("MANUAL INTERVENTION REQUIRED: refund of payment %s failed after cancelling order %s: %v",
			o.PaymentID, o.ID, err)
		return fmt.Errorf("%w: refund of payment %s unconfirmed", ErrCompensationFailed, o.PaymentID)
	}
	if _, err := s.DB.Exec(ctx,
		`UPDATE compensation_intents SET resolved_at=now() WHERE id=$1`, intentID); err != nil {
		log.Printf("compensation intent %s resolve failed: %v", intentID, err)
	}
	s.publishCancelled(intentID, o, reason)
	return nil
}

// Intent is an unresolved compensating cancellation.
type Intent struct {
	ID        string
	OrderID   string
	PaymentID string
	UserID    string
	Amount    int64
	Reason    string
	CreatedAt time.Time
}

// SweepCompensations retries cancellations whose first attempt never
// confirmed, e.g. after a crash between rollback and cancel. Returns the
// number of intents resolved.
func (s *Settler) SweepCompensations(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT i.id, i.order_id, i.payment_id, o.user_id, i.amount, i.reason, i.created_at
		FROM compensation_intents i
		JOIN orders o ON o.id = i.order_id
		WHERE i.resolved_at IS NULL AND i.created_at < now() - make_interval(secs => $1)
		ORDER BY i.created_at
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return 0, err
	}
	var intents []Intent
	for rows.Next() {
		var it Intent
		if err := rows.Scan(&it.ID, &it.OrderID, &it.PaymentID, &it.UserID, &it.Amount, &it.Reason, &it.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		intents = append(intents, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	resolved := 0
	for _, it := range intents {
		if err := s.Gateway.CancelPayment(ctx, it.PaymentID, it.Reason, it.Amount); err != nil {
			log.Printf("MANUAL INTERVENTION REQUIRED: sweep cancel of payment %s still failing (intent %s, since %s): %v",
				it.PaymentID, it.ID, it.CreatedAt.Format(time.RFC3339), err)
			continue
		}
		o := &Order{ID: it.OrderID, PaymentID: it.PaymentID, UserID: it.UserID, TotalPrice: it.Amount}
		s.resolveIntent(ctx, it.ID, o, it.Reason)
		resolved++
	}
	return resolved, nil
}

func (s *Settler) publishSettled(o *Order, lines []OrderLine) {
	if s.SettledEvents == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderSettled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(OrderSettledPayload{
			OrderID:    o.ID,
			PaymentID:  o.PaymentID,
			UserID:     o.UserID,
			Recipient:  o.Recipient,
			Address:    o.Address,
			Lines:      lines,
			TotalPrice: o.TotalPrice,
		}),
	}
	s.SettledEvents.Publish(PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderSettled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Settler) publishCancelled(eventID string, o *Order, reason string) {
	if s.CancelledEvents == nil {
		return
	}
	ev := Envelope{
		EventID:       eventID,
		EventType:     EventOrderCancelled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(OrderCancelledPayload{
			OrderID:   o.ID,
			PaymentID: o.PaymentID,
			UserID:    o.UserID,
			Amount:    o.TotalPrice,
			Reason:    reason,
		}),
	}
	s.CancelledEvents.Publish(PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCancelled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

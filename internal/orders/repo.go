package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the slice of pgxpool.Pool the order paths use. Keeping it an
// interface lets the transactional flows run against a mock in tests.
type Store interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{ DB Store }

// PrepareInput carries everything Prepare needs. PaymentID is the
// client-generated idempotency key for this checkout attempt.
type PrepareInput struct {
	PaymentID   string
	UserID      string
	Recipient   string
	Phone       string
	Address     string
	PostalCode  string
	Items       []LineInput
	CouponID    string
	Mileage     int64
	ShippingFee int64
}

type PrepareResult struct {
	OrderID     string
	PaymentID   string
	TotalAmount int64
	Idempotent  bool
}

// PrepareOrder recomputes pricing server-side, validates the requested
// discounts, and upserts the draft order keyed on the payment id. Calling it
// again with the same key updates the existing draft instead of creating a
// second order. All validation runs before anything is written.
func (r *Repo) PrepareOrder(ctx context.Context, in PrepareInput) (PrepareResult, error) {
	res, err := r.prepareOrder(ctx, in)
	if isUniqueViolation(err) {
		// two first-time calls raced on a brand-new key and both passed the
		// FOR UPDATE probe; the loser re-reads the winner's draft
		return r.prepareOrder(ctx, in)
	}
	return res, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repo) prepareOrder(ctx context.Context, in PrepareInput) (PrepareResult, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PrepareResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Existing draft for this idempotency key? Lock it so concurrent Prepare
	// retries serialize instead of racing the item rewrite.
	var orderID string
	var status Status
	existed := true
	err = tx.QueryRow(ctx,
		`SELECT id, shipping_status FROM orders WHERE payment_id=$1 FOR UPDATE`,
		in.PaymentID).Scan(&orderID, &status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existed = false
		orderID = uuid.NewString()
	case err != nil:
		return PrepareResult{}, err
	case status != StatusPrepare:
		// the key was already settled or cancelled; a retry must not revive it
		return PrepareResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotEligible, orderID, status)
	}

	products, err := r.loadPricing(ctx, tx, in.Items)
	if err != nil {
		return PrepareResult{}, err
	}
	quote, err := RecalculateQuote(in.Items, products, in.ShippingFee)
	if err != nil {
		return PrepareResult{}, err
	}

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT mileage FROM users WHERE id=$1`, in.UserID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PrepareResult{}, fmt.Errorf("%w: %s", ErrUserNotFound, in.UserID)
		}
		return PrepareResult{}, err
	}

	var coupon *CouponSnapshot
	if in.CouponID != "" {
		coupon, err = r.loadCoupon(ctx, tx, in.CouponID)
		if err != nil {
			return PrepareResult{}, err
		}
	}

	disc, err := ResolveDiscount(quote.Subtotal, coupon, in.UserID, in.Mileage, balance)
	if err != nil {
		return PrepareResult{}, err
	}
	// discounts apply to the goods subtotal; shipping is charged on top
	total := disc.Payable + quote.ShippingFee

	if existed {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET
				user_id=$2, recipient=$3, phone=$4, address=$5, postal_code=$6,
				subtotal=$7, shipping_fee=$8, coupon_id=NULLIF($9,''), coupon_cut=$10,
				mileage_used=$11, total_price=$12, updated_at=now()
			WHERE id=$1`,
			orderID, in.UserID, in.Recipient, in.Phone, in.Address, in.PostalCode,
			quote.Subtotal, quote.ShippingFee, in.CouponID, disc.CouponDiscount,
			disc.MileageUsed, total); err != nil {
			return PrepareResult{}, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, orderID); err != nil {
			return PrepareResult{}, err
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders(id, payment_id, user_id, shipping_status,
				recipient, phone, address, postal_code,
				subtotal, shipping_fee, coupon_id, coupon_cut, mileage_used, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14)`,
			orderID, in.PaymentID, in.UserID, StatusPrepare,
			in.Recipient, in.Phone, in.Address, in.PostalCode,
			quote.Subtotal, quote.ShippingFee, in.CouponID, disc.CouponDiscount,
			disc.MileageUsed, total); err != nil {
			return PrepareResult{}, err
		}
	}

	for _, ln := range quote.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, product_name, color, size, add_on, qty, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			orderID, ln.ProductID, ln.ProductName, ln.Color, ln.Size, ln.AddOn, ln.Qty, ln.UnitPrice); err != nil {
			return PrepareResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PrepareResult{}, err
	}
	return PrepareResult{OrderID: orderID, PaymentID: in.PaymentID, TotalAmount: total, Idempotent: existed}, nil
}

// loadPricing fetches the product snapshots every cart line references.
func (r *Repo) loadPricing(ctx context.Context, tx pgx.Tx, items []LineInput) (map[string]ProductPricing, error) {
	seen := map[string]bool{}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}

	out := map[string]ProductPricing{}
	rows, err := tx.Query(ctx,
		`SELECT id, name, base_price, discount_percent FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p ProductPricing
		if err := rows.Scan(&p.ID, &p.Name, &p.BasePrice, &p.DiscountPercent); err != nil {
			rows.Close()
			return nil, err
		}
		out[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := tx.Query(ctx,
		`SELECT product_id, color, size, stock FROM product_variants WHERE product_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for vrows.Next() {
		var pid string
		var v VariantStock
		if err := vrows.Scan(&pid, &v.Color, &v.Size, &v.Stock); err != nil {
			vrows.Close()
			return nil, err
		}
		p := out[pid]
		p.Variants = append(p.Variants, v)
		out[pid] = p
	}
	vrows.Close()
	if err := vrows.Err(); err != nil {
		return nil, err
	}

	arows, err := tx.Query(ctx,
		`SELECT product_id, name, surcharge FROM product_add_ons WHERE product_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for arows.Next() {
		var pid string
		var a AddOnPrice
		if err := arows.Scan(&pid, &a.Name, &a.Surcharge); err != nil {
			arows.Close()
			return nil, err
		}
		p := out[pid]
		p.AddOns = append(p.AddOns, a)
		out[pid] = p
	}
	arows.Close()
	return out, arows.Err()
}

func (r *Repo) loadCoupon(ctx context.Context, tx pgx.Tx, instanceID string) (*CouponSnapshot, error) {
	var c CouponSnapshot
	err := tx.QueryRow(ctx, `
		SELECT uc.id, uc.user_id, uc.is_used,
		       c.discount_type, c.discount_value, c.max_discount_amount, c.min_order_amount
		FROM user_coupons uc
		JOIN coupons c ON c.id = uc.coupon_id
		WHERE uc.id = $1`, instanceID).
		Scan(&c.InstanceID, &c.OwnerID, &c.IsUsed,
			&c.DiscountType, &c.DiscountValue, &c.MaxDiscountAmount, &c.MinOrderAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidOrUsedCoupon
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT shipping_status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// CancelPrepared flips a draft to cancel when the client reports the payment
// step failed. No settlement ran, so there is nothing to compensate.
func (r *Repo) CancelPrepared(ctx context.Context, orderID, paymentID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET shipping_status=$3, updated_at=now()
		WHERE id=$1 AND payment_id=$2 AND shipping_status=$4`,
		orderID, paymentID, StatusCancel, StatusPrepare)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotEligible, orderID)
	}
	return nil
}

func (r *Repo) GetBuyer(ctx context.Context, userID string) (Buyer, error) {
	var b Buyer
	err := r.DB.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id=$1`, userID).
		Scan(&b.ID, &b.Name, &b.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Buyer{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return b, err
}

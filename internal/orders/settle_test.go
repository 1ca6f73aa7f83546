package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/storekit/go-shop-settlement/internal/payment"
)

type fakeGateway struct {
	payment    payment.Payment
	lookupErr  error
	cancelErr  error
	cancels    int
	lastReason string
	lastAmount int64
}

func (g *fakeGateway) GetPayment(ctx context.Context, paymentID string) (payment.Payment, error) {
	if g.lookupErr != nil {
		return payment.Payment{}, g.lookupErr
	}
	return g.payment, nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, paymentID, reason string, amount int64) error {
	g.cancels++
	g.lastReason = reason
	g.lastAmount = amount
	return g.cancelErr
}

type capturePublisher struct{ values [][]byte }

func (c *capturePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	c.values = append(c.values, value)
}

func paidPayment() payment.Payment {
	return payment.Payment{
		ID:            "pay-1",
		Status:        payment.StatusPaid,
		TransactionID: "tx-1",
		Amount:        payment.Amount{Total: 36820},
	}
}

func testOrder() *Order {
	return &Order{ID: "o1", PaymentID: "pay-1", UserID: "u1", TotalPrice: 36820}
}

func lockedOrderRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "payment_id", "user_id", "recipient", "address",
		"coupon_id", "mileage_used", "total_price",
	}).AddRow("o1", "pay-1", "u1", "Kim", "12 Mapo-daero", nil, int64(0), int64(36820))
}

func orderItemRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"product_id", "product_name", "color", "size", "add_on", "qty", "unit_price",
	}).AddRow("p1", "wool coat", "black", "M", "", 2, int64(16910))
}

func TestVerifyPaymentAccepts(t *testing.T) {
	s := &Settler{Gateway: &fakeGateway{payment: paidPayment()}}
	require.NoError(t, s.verifyPayment(context.Background(), testOrder(), "tx-1"))
}

func TestVerifyPaymentRejectsMismatches(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*payment.Payment)
		txID   string
	}{
		{"substituted payment id", func(p *payment.Payment) { p.ID = "pay-other" }, "tx-1"},
		{"transaction id mismatch", func(p *payment.Payment) {}, "tx-forged"},
		{"not paid", func(p *payment.Payment) { p.Status = "CANCELLED" }, "tx-1"},
		{"amount short by one", func(p *payment.Payment) { p.Amount.Total = 36819 }, "tx-1"},
		{"amount over by one", func(p *payment.Payment) { p.Amount.Total = 36821 }, "tx-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := paidPayment()
			tc.mutate(&p)
			s := &Settler{Gateway: &fakeGateway{payment: p}}
			err := s.verifyPayment(context.Background(), testOrder(), tc.txID)
			require.ErrorIs(t, err, ErrPaymentVerificationFailed)
		})
	}
}

func TestVerifyPaymentPropagatesLookupFailure(t *testing.T) {
	boom := errors.New("provider down")
	s := &Settler{Gateway: &fakeGateway{lookupErr: boom}}
	err := s.verifyPayment(context.Background(), testOrder(), "tx-1")
	require.ErrorIs(t, err, boom)
	// a lookup failure is not a verification verdict
	require.NotErrorIs(t, err, ErrPaymentVerificationFailed)
}

func TestCompleteNotEligibleLeavesPaymentAlone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	g := &fakeGateway{payment: paidPayment()}
	s := &Settler{DB: mock, Gateway: g}

	// the order already advanced past prepare, e.g. a replayed webhook
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, payment_id").
		WithArgs("o1", StatusPrepare).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err = s.Complete(context.Background(), "o1", "pay-1", "tx-1")
	require.ErrorIs(t, err, ErrOrderNotEligible)
	require.Zero(t, g.cancels, "a replay must never cancel the settled payment")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCompensatesOnVerificationFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := paidPayment()
	p.Amount.Total = 1 // provider reports a different charge than the order total
	g := &fakeGateway{payment: p}
	pub := &capturePublisher{}
	s := &Settler{DB: mock, Gateway: g, CancelledEvents: pub, Service: "test"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, payment_id").
		WithArgs("o1", StatusPrepare).
		WillReturnRows(lockedOrderRows())
	mock.ExpectQuery("SELECT product_id, product_name").
		WithArgs("o1").
		WillReturnRows(orderItemRows())
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO compensation_intents").
		WithArgs(pgxmock.AnyArg(), "o1", "pay-1", int64(36820), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE compensation_intents SET resolved_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE orders SET shipping_status").
		WithArgs("o1", StatusCancel, StatusPrepare).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = s.Complete(context.Background(), "o1", "pay-1", "tx-1")
	require.ErrorIs(t, err, ErrPaymentVerificationFailed)
	require.NotErrorIs(t, err, ErrCompensationFailed)
	require.Equal(t, 1, g.cancels)
	require.Equal(t, int64(36820), g.lastAmount, "the full amount is cancelled")
	require.Len(t, pub.values, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAbortsWhenLastUnitLost(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	g := &fakeGateway{payment: paidPayment()}
	s := &Settler{DB: mock, Gateway: g}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, payment_id").
		WithArgs("o1", StatusPrepare).
		WillReturnRows(lockedOrderRows())
	mock.ExpectQuery("SELECT product_id, product_name").
		WithArgs("o1").
		WillReturnRows(orderItemRows())
	// a concurrent order took the stock between prepare and complete
	mock.ExpectExec("UPDATE product_variants SET stock").
		WithArgs("p1", "black", "M", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO compensation_intents").
		WithArgs(pgxmock.AnyArg(), "o1", "pay-1", int64(36820), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE compensation_intents SET resolved_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE orders SET shipping_status").
		WithArgs("o1", StatusCancel, StatusPrepare).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = s.Complete(context.Background(), "o1", "pay-1", "tx-1")
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 1, g.cancels)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCancelFailureJoinsCause(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := paidPayment()
	p.Amount.Total = 1
	g := &fakeGateway{payment: p, cancelErr: errors.New("provider 500")}
	s := &Settler{DB: mock, Gateway: g}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, payment_id").
		WithArgs("o1", StatusPrepare).
		WillReturnRows(lockedOrderRows())
	mock.ExpectQuery("SELECT product_id, product_name").
		WithArgs("o1").
		WillReturnRows(orderItemRows())
	mock.ExpectRollback()
	// the intent stays unresolved for the sweeper
	mock.ExpectExec("INSERT INTO compensation_intents").
		WithArgs(pgxmock.AnyArg(), "o1", "pay-1", int64(36820), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = s.Complete(context.Background(), "o1", "pay-1", "tx-1")
	require.ErrorIs(t, err, ErrCompensationFailed)
	require.ErrorIs(t, err, ErrPaymentVerificationFailed, "the original cause stays visible")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveIntentEventIDStableAcrossRetries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub := &capturePublisher{}
	s := &Settler{DB: mock, CancelledEvents: pub, Service: "test"}
	o := testOrder()

	for i := 0; i < 2; i++ {
		mock.ExpectExec("UPDATE compensation_intents SET resolved_at").
			WithArgs("intent-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("UPDATE orders SET shipping_status").
			WithArgs("o1", StatusCancel, StatusPrepare).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		s.resolveIntent(context.Background(), "intent-1", o, "stock gone")
	}

	require.Len(t, pub.values, 2)
	var first, second Envelope
	require.NoError(t, json.Unmarshal(pub.values[0], &first))
	require.NoError(t, json.Unmarshal(pub.values[1], &second))
	require.Equal(t, "intent-1", first.EventID)
	// a retried publish carries the same event id so the consumer dedups it
	require.Equal(t, first.EventID, second.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func percentCoupon(owner string) *CouponSnapshot {
	return &CouponSnapshot{
		InstanceID:        "uc1",
		OwnerID:           owner,
		DiscountType:      CouponPercent,
		DiscountValue:     50,
		MaxDiscountAmount: 5000,
		MinOrderAmount:    10000,
	}
}

func TestResolveDiscountPercentClamp(t *testing.T) {
	// 50% of 20000 is 10000 but the cap limits the cut to exactly 5000
	res, err := ResolveDiscount(20000, percentCoupon("u1"), "u1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), res.CouponDiscount)
	require.Equal(t, int64(15000), res.Payable)
}

func TestResolveDiscountPercentUnderCap(t *testing.T) {
	c := percentCoupon("u1")
	c.DiscountValue = 10
	res, err := ResolveDiscount(20000, c, "u1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2000), res.CouponDiscount)
}

func TestResolveDiscountFixed(t *testing.T) {
	c := &CouponSnapshot{InstanceID: "uc2", OwnerID: "u1", DiscountType: CouponFixed, DiscountValue: 3000}
	res, err := ResolveDiscount(20000, c, "u1", 1000, 5000)
	require.NoError(t, err)
	require.Equal(t, int64(3000), res.CouponDiscount)
	require.Equal(t, int64(1000), res.MileageUsed)
	require.Equal(t, int64(16000), res.Payable)
}

func TestResolveDiscountMinimumOrderNotMet(t *testing.T) {
	_, err := ResolveDiscount(9999, percentCoupon("u1"), "u1", 0, 0)
	require.ErrorIs(t, err, ErrMinimumOrderNotMet)
}

func TestResolveDiscountCouponOwnership(t *testing.T) {
	_, err := ResolveDiscount(20000, percentCoupon("someone-else"), "u1", 0, 0)
	require.ErrorIs(t, err, ErrInvalidOrUsedCoupon)

	used := percentCoupon("u1")
	used.IsUsed = true
	_, err = ResolveDiscount(20000, used, "u1", 0, 0)
	require.ErrorIs(t, err, ErrInvalidOrUsedCoupon)
}

func TestResolveDiscountMileageFloor(t *testing.T) {
	_, err := ResolveDiscount(20000, nil, "u1", 5001, 5000)
	require.ErrorIs(t, err, ErrInsufficientMileage)

	_, err = ResolveDiscount(20000, nil, "u1", -1, 5000)
	require.ErrorIs(t, err, ErrInsufficientMileage)
}

func TestResolveDiscountNeverNegative(t *testing.T) {
	c := &CouponSnapshot{InstanceID: "uc3", OwnerID: "u1", DiscountType: CouponFixed, DiscountValue: 30000}
	res, err := ResolveDiscount(20000, c, "u1", 5000, 5000)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Payable)
}

func TestResolveDiscountNoDiscounts(t *testing.T) {
	res, err := ResolveDiscount(12340, nil, "u1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(12340), res.Payable)
	require.Zero(t, res.CouponDiscount)
}

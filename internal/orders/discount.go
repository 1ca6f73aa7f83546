package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	CouponPercent = "percent"
	CouponFixed   = "fixed"
)

// DiscountResult is the resolved reduction against a recomputed subtotal.
type DiscountResult struct {
	CouponDiscount int64
	MileageUsed    int64
	Payable        int64
}

// ResolveDiscount validates the requested coupon and mileage against the
// server-side subtotal and returns the final payable amount. The result is
// never negative. coupon may be nil when none was requested.
func ResolveDiscount(subtotal int64, coupon *CouponSnapshot, userID string, mileage, mileageBalance int64) (DiscountResult, error) {
	if mileage < 0 {
		return DiscountResult{}, fmt.Errorf("%w: negative amount", ErrInsufficientMileage)
	}
	if mileage > mileageBalance {
		return DiscountResult{}, fmt.Errorf("%w: requested %d, balance %d", ErrInsufficientMileage, mileage, mileageBalance)
	}

	var cut int64
	if coupon != nil {
		if coupon.OwnerID != userID || coupon.IsUsed {
			return DiscountResult{}, ErrInvalidOrUsedCoupon
		}
		if subtotal < coupon.MinOrderAmount {
			return DiscountResult{}, fmt.Errorf("%w: subtotal %d, minimum %d", ErrMinimumOrderNotMet, subtotal, coupon.MinOrderAmount)
		}
		cut = couponDiscount(subtotal, coupon)
	}

	payable := subtotal - cut - mileage
	if payable < 0 {
		payable = 0
	}
	return DiscountResult{CouponDiscount: cut, MileageUsed: mileage, Payable: payable}, nil
}

func couponDiscount(subtotal int64, c *CouponSnapshot) int64 {
	switch c.DiscountType {
	case CouponPercent:
		cut := decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromInt(c.DiscountValue)).
			Div(decimal.NewFromInt(100)).
			Floor().IntPart()
		if c.MaxDiscountAmount > 0 && cut > c.MaxDiscountAmount {
			cut = c.MaxDiscountAmount
		}
		return cut
	case CouponFixed:
		return c.DiscountValue
	default:
		return 0
	}
}

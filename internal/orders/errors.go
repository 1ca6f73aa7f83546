package orders

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrUserNotFound    = errors.New("user not found")

	// ErrInvalidLineItem: a line that is neither a full size+color variant
	// nor a resolvable additional option.
	ErrInvalidLineItem = errors.New("invalid line item")

	ErrInvalidOrUsedCoupon = errors.New("coupon missing, not owned, or already used")
	ErrMinimumOrderNotMet  = errors.New("order subtotal below coupon minimum")
	ErrInsufficientMileage = errors.New("mileage balance too low")

	// ErrInsufficientStock: the conditional decrement matched zero rows, a
	// concurrent order took the remaining units.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrPaymentVerificationFailed = errors.New("payment verification failed")

	// ErrOrderNotEligible: the order is not in prepare status; a duplicate or
	// late Complete call. Never retried, never compensated.
	ErrOrderNotEligible = errors.New("order not eligible for completion")

	// ErrCompensationFailed: settlement failed AND the payment cancel call
	// failed too. Money may be stuck provider-side; requires manual action.
	ErrCompensationFailed = errors.New("payment cancellation failed, manual intervention required")
)

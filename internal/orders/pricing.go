package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Unit prices are floored to the nearest 10 currency units after the
// percentage discount, matching the storefront's display rounding.
const priceFloorUnit = 10

// LineInput is a raw cart line as submitted by the client. Either color+size
// (standard variant) or add_on (additional option) must be set, never a mix.
type LineInput struct {
	ProductID string `json:"product_id"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	AddOn     string `json:"add_on,omitempty"`
	Qty       int    `json:"qty"`
}

// Quote is the authoritative server-side pricing result. Client-supplied
// totals are never consulted.
type Quote struct {
	Lines       []OrderLine
	Subtotal    int64
	ShippingFee int64
	Total       int64 // subtotal + shipping, before coupon/mileage
}

// RecalculateQuote prices every cart line against the product snapshots and
// sums them with the flat shipping fee. Pure computation, no side effects.
func RecalculateQuote(items []LineInput, products map[string]ProductPricing, shippingFee int64) (Quote, error) {
	q := Quote{ShippingFee: shippingFee, Lines: make([]OrderLine, 0, len(items))}

	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		if it.Qty <= 0 {
			return Quote{}, fmt.Errorf("%w: non-positive qty for %s", ErrInvalidLineItem, it.ProductID)
		}

		unit, err := resolveUnitPrice(p, it)
		if err != nil {
			return Quote{}, err
		}

		q.Lines = append(q.Lines, OrderLine{
			ProductID:   p.ID,
			ProductName: p.Name,
			Color:       it.Color,
			Size:        it.Size,
			AddOn:       it.AddOn,
			Qty:         it.Qty,
			UnitPrice:   unit,
		})
		q.Subtotal += unit * int64(it.Qty)
	}

	q.Total = q.Subtotal + q.ShippingFee
	return q, nil
}

// resolveUnitPrice classifies the line as a standard variant or an additional
// option and returns the discounted, floored unit price.
func resolveUnitPrice(p ProductPricing, it LineInput) (int64, error) {
	hasVariant := it.Color != "" && it.Size != ""
	hasHalfVariant := (it.Color != "") != (it.Size != "")

	switch {
	case hasHalfVariant:
		return 0, fmt.Errorf("%w: %s has only one of color/size", ErrInvalidLineItem, p.ID)
	case hasVariant && it.AddOn != "":
		return 0, fmt.Errorf("%w: %s mixes variant and add-on", ErrInvalidLineItem, p.ID)
	case hasVariant:
		if !variantExists(p, it.Color, it.Size) {
			return 0, fmt.Errorf("%w: %s has no variant %s/%s", ErrInvalidLineItem, p.ID, it.Color, it.Size)
		}
		return discountedPrice(p.BasePrice, p.DiscountPercent), nil
	case it.AddOn != "":
		for _, a := range p.AddOns {
			if a.Name == it.AddOn {
				return addOnPrice(p.BasePrice, p.DiscountPercent, a.Surcharge), nil
			}
		}
		return 0, fmt.Errorf("%w: %s has no add-on %q", ErrInvalidLineItem, p.ID, it.AddOn)
	default:
		return 0, fmt.Errorf("%w: %s has neither variant nor add-on", ErrInvalidLineItem, p.ID)
	}
}

func variantExists(p ProductPricing, color, size string) bool {
	for _, v := range p.Variants {
		if v.Color == color && v.Size == size {
			return true
		}
	}
	return false
}

func discounted(base int64, discountPercent int) decimal.Decimal {
	return decimal.NewFromInt(base).
		Mul(decimal.NewFromInt(int64(100 - discountPercent))).
		Div(decimal.NewFromInt(100))
}

func discountedPrice(base int64, discountPercent int) int64 {
	return floorToUnit(discounted(base, discountPercent), priceFloorUnit)
}

// addOnPrice discounts the base only; the option surcharge is charged at full
// price and added before the floor.
func addOnPrice(base int64, discountPercent int, surcharge int64) int64 {
	price := discounted(base, discountPercent).Add(decimal.NewFromInt(surcharge))
	return floorToUnit(price, priceFloorUnit)
}

func floorToUnit(d decimal.Decimal, unit int64) int64 {
	u := decimal.NewFromInt(unit)
	return d.Div(u).Floor().Mul(u).IntPart()
}

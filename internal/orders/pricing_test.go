package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCatalog() map[string]ProductPricing {
	return map[string]ProductPricing{
		"p1": {
			ID:              "p1",
			Name:            "wool coat",
			BasePrice:       19900,
			DiscountPercent: 15,
			Variants: []VariantStock{
				{Color: "black", Size: "M", Stock: 3},
				{Color: "black", Size: "L", Stock: 1},
			},
			AddOns: []AddOnPrice{
				{Name: "monogram", Surcharge: 1500},
			},
		},
		"p2": {
			ID:        "p2",
			Name:      "gift wrap set",
			BasePrice: 5000,
			AddOns: []AddOnPrice{
				{Name: "ribbon", Surcharge: 1500},
			},
		},
	}
}

func TestRecalculateQuoteStandardVariant(t *testing.T) {
	q, err := RecalculateQuote([]LineInput{
		{ProductID: "p1", Color: "black", Size: "M", Qty: 2},
	}, testCatalog(), 3000)
	require.NoError(t, err)

	// 19900 * 0.85 = 16915, floored to 16910
	require.Equal(t, int64(16910), q.Lines[0].UnitPrice)
	require.Equal(t, int64(33820), q.Subtotal)
	require.Equal(t, int64(36820), q.Total)
	require.Equal(t, "wool coat", q.Lines[0].ProductName)
}

func TestRecalculateQuoteAddOn(t *testing.T) {
	q, err := RecalculateQuote([]LineInput{
		{ProductID: "p2", AddOn: "ribbon", Qty: 1},
	}, testCatalog(), 0)
	require.NoError(t, err)

	// no discount: base 5000 + surcharge 1500
	require.Equal(t, int64(6500), q.Lines[0].UnitPrice)
	require.Equal(t, int64(6500), q.Total)
}

func TestRecalculateQuoteDiscountedAddOn(t *testing.T) {
	q, err := RecalculateQuote([]LineInput{
		{ProductID: "p1", AddOn: "monogram", Qty: 1},
	}, testCatalog(), 0)
	require.NoError(t, err)

	// the discount applies to the base only: 19900 * 0.85 = 16915, then the
	// surcharge at full price, 16915 + 1500 = 18415, floored to 18410
	require.Equal(t, int64(18410), q.Lines[0].UnitPrice)
}

func TestRecalculateQuoteRejectsBadLines(t *testing.T) {
	cases := []struct {
		name string
		line LineInput
		want error
	}{
		{"missing product", LineInput{ProductID: "nope", Color: "black", Size: "M", Qty: 1}, ErrProductNotFound},
		{"only size", LineInput{ProductID: "p1", Size: "M", Qty: 1}, ErrInvalidLineItem},
		{"only color", LineInput{ProductID: "p1", Color: "black", Qty: 1}, ErrInvalidLineItem},
		{"unknown variant", LineInput{ProductID: "p1", Color: "red", Size: "M", Qty: 1}, ErrInvalidLineItem},
		{"unknown add-on", LineInput{ProductID: "p2", AddOn: "bow", Qty: 1}, ErrInvalidLineItem},
		{"variant plus add-on", LineInput{ProductID: "p1", Color: "black", Size: "M", AddOn: "x", Qty: 1}, ErrInvalidLineItem},
		{"nothing selected", LineInput{ProductID: "p1", Qty: 1}, ErrInvalidLineItem},
		{"zero qty", LineInput{ProductID: "p1", Color: "black", Size: "M", Qty: 0}, ErrInvalidLineItem},
		{"negative qty", LineInput{ProductID: "p1", Color: "black", Size: "M", Qty: -2}, ErrInvalidLineItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RecalculateQuote([]LineInput{tc.line}, testCatalog(), 0)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRecalculateQuoteMixedCart(t *testing.T) {
	q, err := RecalculateQuote([]LineInput{
		{ProductID: "p1", Color: "black", Size: "L", Qty: 1},
		{ProductID: "p2", AddOn: "ribbon", Qty: 3},
	}, testCatalog(), 3000)
	require.NoError(t, err)
	require.Len(t, q.Lines, 2)
	require.Equal(t, int64(16910+3*6500), q.Subtotal)
	require.Equal(t, q.Subtotal+3000, q.Total)
}

func TestDiscountFlooring(t *testing.T) {
	// 10000 * 0.87 = 8700, already on the 10-unit grid
	require.Equal(t, int64(8700), discountedPrice(10000, 13))
	// 9999 * 0.90 = 8999.1, floors to 8990
	require.Equal(t, int64(8990), discountedPrice(9999, 10))
	require.Equal(t, int64(10000), discountedPrice(10000, 0))
}

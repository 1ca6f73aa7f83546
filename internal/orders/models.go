package orders

import "time"

// Order is the persisted order. TotalPrice is always the server-side
// recomputation; PaymentID doubles as the idempotency key while the order is
// in prepare status.
type Order struct {
	ID          string
	PaymentID   string
	UserID      string
	Status      Status
	Recipient   string
	Phone       string
	Address     string
	PostalCode  string
	Subtotal    int64
	ShippingFee int64
	CouponID    string // user_coupons id, empty when no coupon applied
	CouponCut   int64
	MileageUsed int64
	TotalPrice  int64 // final payable amount
	TxID        string // provider transaction id, set on settlement
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderLine is a priced line item, a snapshot of the catalog at order time so
// later catalog edits never change historical orders.
type OrderLine struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Color       string `json:"color,omitempty"`
	Size        string `json:"size,omitempty"`
	AddOn       string `json:"add_on,omitempty"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unit_price"`
}

// VariantStock is one color/size stock counter of a product.
type VariantStock struct {
	Color string
	Size  string
	Stock int
}

// AddOnPrice is a named additional option with its surcharge over the
// discounted base price.
type AddOnPrice struct {
	Name      string
	Surcharge int64
}

// ProductPricing is the read-only product snapshot the recalculator prices
// against.
type ProductPricing struct {
	ID              string
	Name            string
	BasePrice       int64
	DiscountPercent int
	Variants        []VariantStock
	AddOns          []AddOnPrice
}

// CouponSnapshot joins a user's coupon instance with its definition.
type CouponSnapshot struct {
	InstanceID        string
	OwnerID           string
	IsUsed            bool
	DiscountType      string // "percent" | "fixed"
	DiscountValue     int64  // percent rate or flat amount
	MaxDiscountAmount int64  // 0 means no cap
	MinOrderAmount    int64
}

// MileageEntry is one signed row of the mileage ledger. The user's cached
// balance must equal the signed sum of their entries.
type MileageEntry struct {
	ID          string
	UserID      string
	Amount      int64 // negative for spend
	Type        string // "earn" | "spend"
	Description string
	OrderID     string
	CreatedAt   time.Time
}

// Buyer is the slice of the user record the notification worker needs.
type Buyer struct {
	ID    string
	Name  string
	Email string
}

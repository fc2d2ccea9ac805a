package domain

import "time"

// Address captures the billing or shipping contact used during checkout.
type Address struct {
	FirstName  string
	LastName   string
	Company    string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
	Email      string
}

// DiscountType enumerates the coupon mechanics supported by the storefront.
type DiscountType string

const (
	// DiscountPercent takes a percentage of the cart subtotal.
	DiscountPercent DiscountType = "percent"
	// DiscountFixed subtracts a fixed amount, never exceeding the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping zeroes the shipping cost regardless of the selected method.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Coupon is the snapshot of a backend coupon taken when the code was applied.
// Validation runs against this snapshot on every totals recomputation.
type Coupon struct {
	Code string
	Type DiscountType
	// Amount holds the percentage for percent coupons and the discount in
	// minor currency units for fixed coupons. Unused for free_shipping.
	Amount       int64
	MinimumSpend int64
	ExpiresAt    *time.Time
	UsageLimit   int
	UsageCount   int
}

// CartLine is a single priced entry in the checkout session.
type CartLine struct {
	// Key identifies the line within the session. Lines with the same
	// product, attributes and custom fields share a key and merge by quantity.
	Key          string
	ProductID    string
	SKU          string
	Name         string
	Quantity     int
	UnitPrice    int64
	Attributes   map[string]string
	CustomFields map[string]string
}

// ShippingMethod enumerates the delivery options offered at checkout.
type ShippingMethod string

const (
	ShippingFlatRate    ShippingMethod = "flat_rate"
	ShippingFree        ShippingMethod = "free_shipping"
	ShippingLocalPickup ShippingMethod = "local_pickup"
)

// ShippingSelection records the chosen method and its resolved cost.
type ShippingSelection struct {
	Method ShippingMethod
	Cost   int64
}

// Totals is the derived money breakdown for a session. It is recomputed on
// every mutation and on load, and is never persisted.
type Totals struct {
	Currency string
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// SessionState tracks the checkout lifecycle.
type SessionState string

const (
	// SessionDraft accepts cart and address mutations.
	SessionDraft SessionState = "draft"
	// SessionValidated passed checkout validation; the cart is locked.
	SessionValidated SessionState = "validated"
	// SessionPaymentPending has a payment intent awaiting confirmation.
	SessionPaymentPending SessionState = "payment_pending"
	// SessionPaymentConfirmed has a verified gateway confirmation.
	SessionPaymentConfirmed SessionState = "payment_confirmed"
	// SessionOrderSubmitted has an order recorded on the commerce backend.
	SessionOrderSubmitted SessionState = "order_submitted"
	// SessionCompleted is terminal; the order is paid and reconciled.
	SessionCompleted SessionState = "completed"
	// SessionFailed records the failing stage and allows a retry.
	SessionFailed SessionState = "failed"
	// SessionAbandoned is terminal; the visitor walked away.
	SessionAbandoned SessionState = "abandoned"
)

// CheckoutSession is the aggregate a visitor builds up before placing an order.
type CheckoutSession struct {
	ID       string
	State    SessionState
	Currency string

	Lines             []CartLine
	Billing           *Address
	Shipping          *Address
	ShippingSelection *ShippingSelection
	Coupon            *Coupon
	PaymentMethod     string
	CustomerNote      string
	TaxAmount         int64

	CustomerRef      string
	PaymentIntentRef string
	OrderRef         string
	OrderNumber      string

	FailedStage   string
	FailureReason string
	RetryToken    string

	OrderValidated bool
	EmailSaved     bool

	// Totals are derived from the persisted fields; never stored.
	Totals Totals
	// Hydrated is set once totals have been re-derived after a load.
	// Consumers must not act on a session that is not hydrated.
	Hydrated bool
	// Revision carries the storage update timestamp used for optimistic
	// concurrency on save. Zero for sessions not yet persisted.
	Revision time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomerProfile is the registration payload derived from the session addresses.
type CustomerProfile struct {
	Email     string
	FirstName string
	LastName  string
	Billing   *Address
	Shipping  *Address
}

// CustomerRef points at a customer record on the commerce backend.
type CustomerRef struct {
	ID    string
	Email string
}

// OrderRef points at an order recorded on the commerce backend.
type OrderRef struct {
	ID     string
	Number string
	Status string
	Total  int64
}

// OrderDraftLine is one purchasable row of a backend order payload.
type OrderDraftLine struct {
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
	Metadata  map[string]string
}

// OrderDraft is the full order payload submitted to the commerce backend.
type OrderDraft struct {
	SessionID     string
	CustomerID    string
	Currency      string
	Billing       Address
	Shipping      Address
	Lines         []OrderDraftLine
	ShippingName  string
	ShippingCost  int64
	CouponCode    string
	CouponAmount  int64
	CustomerNote  string
	PaymentRef    string
	PaymentMethod string
	Total         int64
}

package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tidegate/storefront/internal/domain"
)

var (
	// ErrTotalsInvalidInput signals bad pricing data such as negative unit prices.
	ErrTotalsInvalidInput = errors.New("totals: invalid input")
)

// TotalsInput is everything the engine needs to derive a money breakdown.
// The coupon must already carry its validation verdict; the engine applies
// whatever it is given and performs no I/O.
type TotalsInput struct {
	Currency string
	Lines    []domain.CartLine
	Coupon   *domain.Coupon
	// CouponValid gates coupon application. The caller revalidates the
	// snapshot before every computation.
	CouponValid bool
	Shipping    *domain.ShippingSelection
	Tax         int64
}

// TotalsEngine derives order totals deterministically from session data.
type TotalsEngine struct {
	policy *CouponPolicy
	logger func(context.Context, string, map[string]any)
}

// TotalsEngineDeps configures the engine.
type TotalsEngineDeps struct {
	Policy *CouponPolicy
	Logger func(context.Context, string, map[string]any)
}

// NewTotalsEngine constructs a TotalsEngine.
func NewTotalsEngine(deps TotalsEngineDeps) (*TotalsEngine, error) {
	policy := deps.Policy
	if policy == nil {
		policy = NewCouponPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &TotalsEngine{policy: policy, logger: logger}, nil
}

// Compute returns the breakdown for the given input. The identity is
// total = max(0, subtotal - discount + tax + shipping).
func (e *TotalsEngine) Compute(ctx context.Context, input TotalsInput) (domain.Totals, error) {
	if e == nil {
		return domain.Totals{}, errors.New("totals engine is nil")
	}
	if input.Tax < 0 {
		return domain.Totals{}, fmt.Errorf("%w: tax cannot be negative", ErrTotalsInvalidInput)
	}

	subtotal, err := linesSubtotal(input.Lines)
	if err != nil {
		return domain.Totals{}, err
	}

	var discount int64
	freeShipping := false
	if input.Coupon != nil && input.CouponValid {
		applied := e.policy.Apply(*input.Coupon, subtotal)
		discount = applied.Discount
		freeShipping = applied.FreeShipping
	}
	if discount > subtotal {
		e.logger(ctx, "totals_discount_clamped", map[string]any{"subtotal": subtotal, "discount": discount})
		discount = subtotal
	}

	shipping := int64(0)
	if input.Shipping != nil {
		shipping = input.Shipping.Cost
		if shipping < 0 {
			return domain.Totals{}, fmt.Errorf("%w: shipping cost cannot be negative", ErrTotalsInvalidInput)
		}
	}
	if freeShipping {
		shipping = 0
	}

	total := subtotal - discount + input.Tax + shipping
	if total < 0 {
		total = 0
	}

	return domain.Totals{
		Currency: input.Currency,
		Subtotal: subtotal,
		Discount: discount,
		Tax:      input.Tax,
		Shipping: shipping,
		Total:    total,
	}, nil
}

func linesSubtotal(lines []domain.CartLine) (int64, error) {
	var subtotal int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			return 0, fmt.Errorf("%w: line %s quantity must be positive", ErrTotalsInvalidInput, line.Key)
		}
		if line.UnitPrice < 0 {
			return 0, fmt.Errorf("%w: line %s unit price cannot be negative", ErrTotalsInvalidInput, line.Key)
		}
		quantity := int64(line.Quantity)
		if line.UnitPrice > 0 && line.UnitPrice > math.MaxInt64/quantity {
			return 0, fmt.Errorf("%w: line %s subtotal overflow", ErrTotalsInvalidInput, line.Key)
		}
		lineSubtotal := line.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineSubtotal {
			return 0, fmt.Errorf("%w: cart subtotal overflow", ErrTotalsInvalidInput)
		}
		subtotal += lineSubtotal
	}
	return subtotal, nil
}

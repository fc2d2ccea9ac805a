package services

import (
	"strings"
	"time"

	"github.com/tidegate/storefront/internal/domain"
)

// CouponRejectReason explains why a coupon snapshot failed validation.
// Rejection is an expected outcome, never an error.
type CouponRejectReason string

const (
	CouponRejectExpired       CouponRejectReason = "expired"
	CouponRejectBelowMinimum  CouponRejectReason = "below_minimum"
	CouponRejectUsageExceeded CouponRejectReason = "usage_exhausted"
	CouponRejectUnknownType   CouponRejectReason = "unknown_type"
)

// CouponValidation is the outcome of checking a coupon snapshot against the
// current clock and subtotal.
type CouponValidation struct {
	OK     bool
	Reason CouponRejectReason
}

// CouponApplication carries the monetary effect of an applicable coupon.
type CouponApplication struct {
	Discount     int64
	FreeShipping bool
}

// CouponPolicy owns coupon eligibility and discount arithmetic. All methods
// are pure; callers supply the clock.
type CouponPolicy struct{}

// NewCouponPolicy constructs the stateless coupon policy.
func NewCouponPolicy() *CouponPolicy {
	return &CouponPolicy{}
}

// Validate checks the snapshot against expiry, minimum spend, and usage
// limits. Every recomputation revalidates; a coupon that was valid when
// applied can expire mid-session.
func (p *CouponPolicy) Validate(coupon domain.Coupon, subtotal int64, now time.Time) CouponValidation {
	if !knownDiscountType(coupon.Type) {
		return CouponValidation{Reason: CouponRejectUnknownType}
	}
	if coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(now) {
		return CouponValidation{Reason: CouponRejectExpired}
	}
	if coupon.MinimumSpend > 0 && subtotal < coupon.MinimumSpend {
		return CouponValidation{Reason: CouponRejectBelowMinimum}
	}
	if coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit {
		return CouponValidation{Reason: CouponRejectUsageExceeded}
	}
	return CouponValidation{OK: true}
}

// Apply computes the discount for an already validated coupon. Percent
// coupons discount the subtotal only; fixed coupons are capped at the
// subtotal so the discount can never exceed the goods value.
func (p *CouponPolicy) Apply(coupon domain.Coupon, subtotal int64) CouponApplication {
	switch coupon.Type {
	case domain.DiscountPercent:
		pct := coupon.Amount
		if pct <= 0 {
			return CouponApplication{}
		}
		if pct > 100 {
			pct = 100
		}
		// Split the multiplication so large subtotals cannot overflow.
		discount := subtotal/100*pct + subtotal%100*pct/100
		return CouponApplication{Discount: discount}
	case domain.DiscountFixed:
		discount := coupon.Amount
		if discount < 0 {
			discount = 0
		}
		if discount > subtotal {
			discount = subtotal
		}
		return CouponApplication{Discount: discount}
	case domain.DiscountFreeShipping:
		return CouponApplication{FreeShipping: true}
	default:
		return CouponApplication{}
	}
}

func knownDiscountType(t domain.DiscountType) bool {
	switch t {
	case domain.DiscountPercent, domain.DiscountFixed, domain.DiscountFreeShipping:
		return true
	default:
		return false
	}
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tidegate/storefront/internal/domain"
)

func newTestEngine(t *testing.T) *TotalsEngine {
	t.Helper()
	engine, err := NewTotalsEngine(TotalsEngineDeps{})
	if err != nil {
		t.Fatalf("unexpected error creating engine: %v", err)
	}
	return engine
}

func TestTotalsEngineComputeBreakdown(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	cases := []struct {
		name     string
		input    TotalsInput
		expected domain.Totals
	}{
		{
			name: "fixed coupon",
			input: TotalsInput{
				Currency: "USD",
				Lines: []domain.CartLine{
					{Key: "a", Quantity: 2, UnitPrice: 2500},
					{Key: "b", Quantity: 1, UnitPrice: 5000},
				},
				Coupon:      &domain.Coupon{Code: "SAVE10", Type: domain.DiscountFixed, Amount: 1000},
				CouponValid: true,
				Shipping:    &domain.ShippingSelection{Method: domain.ShippingFlatRate, Cost: 950},
				Tax:         800,
			},
			expected: domain.Totals{Currency: "USD", Subtotal: 10000, Discount: 1000, Tax: 800, Shipping: 950, Total: 10750},
		},
		{
			name: "fixed coupon capped at subtotal",
			input: TotalsInput{
				Currency:    "USD",
				Lines:       []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 4000}},
				Coupon:      &domain.Coupon{Code: "BIG", Type: domain.DiscountFixed, Amount: 5000},
				CouponValid: true,
			},
			expected: domain.Totals{Currency: "USD", Subtotal: 4000, Discount: 4000, Total: 0},
		},
		{
			name: "percent coupon discounts subtotal only",
			input: TotalsInput{
				Currency:    "USD",
				Lines:       []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 5000}},
				Coupon:      &domain.Coupon{Code: "PCT20", Type: domain.DiscountPercent, Amount: 20},
				CouponValid: true,
				Shipping:    &domain.ShippingSelection{Method: domain.ShippingFlatRate, Cost: 950},
				Tax:         500,
			},
			expected: domain.Totals{Currency: "USD", Subtotal: 5000, Discount: 1000, Tax: 500, Shipping: 950, Total: 5450},
		},
		{
			name: "free shipping coupon zeroes shipping",
			input: TotalsInput{
				Currency:    "USD",
				Lines:       []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 3000}},
				Coupon:      &domain.Coupon{Code: "SHIPFREE", Type: domain.DiscountFreeShipping},
				CouponValid: true,
				Shipping:    &domain.ShippingSelection{Method: domain.ShippingFlatRate, Cost: 1500},
			},
			expected: domain.Totals{Currency: "USD", Subtotal: 3000, Shipping: 0, Total: 3000},
		},
		{
			name: "invalid coupon contributes nothing",
			input: TotalsInput{
				Currency:    "USD",
				Lines:       []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 3000}},
				Coupon:      &domain.Coupon{Code: "OLD", Type: domain.DiscountFixed, Amount: 500},
				CouponValid: false,
			},
			expected: domain.Totals{Currency: "USD", Subtotal: 3000, Total: 3000},
		},
		{
			name: "empty cart",
			input: TotalsInput{
				Currency: "USD",
				Tax:      0,
			},
			expected: domain.Totals{Currency: "USD"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			totals, err := engine.Compute(ctx, tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if totals != tc.expected {
				t.Fatalf("expected %+v, got %+v", tc.expected, totals)
			}
		})
	}
}

func TestTotalsEngineComputeRejectsNegativeTax(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Compute(context.Background(), TotalsInput{Currency: "USD", Tax: -1})
	if !errors.Is(err, ErrTotalsInvalidInput) {
		t.Fatalf("expected ErrTotalsInvalidInput, got %v", err)
	}
}

func TestTotalsEngineComputeRejectsNegativeShipping(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Compute(context.Background(), TotalsInput{
		Currency: "USD",
		Lines:    []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 100}},
		Shipping: &domain.ShippingSelection{Method: domain.ShippingFlatRate, Cost: -5},
	})
	if !errors.Is(err, ErrTotalsInvalidInput) {
		t.Fatalf("expected ErrTotalsInvalidInput, got %v", err)
	}
}

func TestTotalsEngineComputeRejectsBadLines(t *testing.T) {
	engine := newTestEngine(t)
	cases := []struct {
		name string
		line domain.CartLine
	}{
		{"zero quantity", domain.CartLine{Key: "a", Quantity: 0, UnitPrice: 100}},
		{"negative unit price", domain.CartLine{Key: "a", Quantity: 1, UnitPrice: -100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Compute(context.Background(), TotalsInput{Currency: "USD", Lines: []domain.CartLine{tc.line}})
			if !errors.Is(err, ErrTotalsInvalidInput) {
				t.Fatalf("expected ErrTotalsInvalidInput, got %v", err)
			}
		})
	}
}

func TestTotalsEngineTotalNeverNegative(t *testing.T) {
	engine := newTestEngine(t)
	// A stale percent snapshot clamped to 100 still cannot push the total
	// below zero once tax and shipping are folded in.
	totals, err := engine.Compute(context.Background(), TotalsInput{
		Currency:    "USD",
		Lines:       []domain.CartLine{{Key: "a", Quantity: 1, UnitPrice: 100}},
		Coupon:      &domain.Coupon{Code: "ALL", Type: domain.DiscountPercent, Amount: 150},
		CouponValid: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if totals.Discount != 100 {
		t.Fatalf("expected discount clamped to 100, got %d", totals.Discount)
	}
	if totals.Total != 0 {
		t.Fatalf("expected total 0, got %d", totals.Total)
	}
}

func TestCouponPolicyValidate(t *testing.T) {
	policy := NewCouponPolicy()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name     string
		coupon   domain.Coupon
		subtotal int64
		ok       bool
		reason   CouponRejectReason
	}{
		{
			name:     "valid fixed coupon",
			coupon:   domain.Coupon{Code: "OK", Type: domain.DiscountFixed, Amount: 500, ExpiresAt: &future},
			subtotal: 2000,
			ok:       true,
		},
		{
			name:     "expired",
			coupon:   domain.Coupon{Code: "OLD", Type: domain.DiscountFixed, Amount: 500, ExpiresAt: &past},
			subtotal: 2000,
			reason:   CouponRejectExpired,
		},
		{
			name:     "expiry boundary is exclusive",
			coupon:   domain.Coupon{Code: "EDGE", Type: domain.DiscountFixed, Amount: 500, ExpiresAt: &now},
			subtotal: 2000,
			reason:   CouponRejectExpired,
		},
		{
			name:     "below minimum spend",
			coupon:   domain.Coupon{Code: "MIN", Type: domain.DiscountPercent, Amount: 10, MinimumSpend: 5000},
			subtotal: 2000,
			reason:   CouponRejectBelowMinimum,
		},
		{
			name:     "usage exhausted",
			coupon:   domain.Coupon{Code: "USED", Type: domain.DiscountPercent, Amount: 10, UsageLimit: 3, UsageCount: 3},
			subtotal: 2000,
			reason:   CouponRejectUsageExceeded,
		},
		{
			name:     "unknown type",
			coupon:   domain.Coupon{Code: "WEIRD", Type: domain.DiscountType("bogo")},
			subtotal: 2000,
			reason:   CouponRejectUnknownType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := policy.Validate(tc.coupon, tc.subtotal, now)
			if verdict.OK != tc.ok {
				t.Fatalf("expected OK=%v, got %v (reason %s)", tc.ok, verdict.OK, verdict.Reason)
			}
			if verdict.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, verdict.Reason)
			}
		})
	}
}

func TestCouponPolicyApply(t *testing.T) {
	policy := NewCouponPolicy()

	cases := []struct {
		name     string
		coupon   domain.Coupon
		subtotal int64
		expected CouponApplication
	}{
		{"percent", domain.Coupon{Type: domain.DiscountPercent, Amount: 25}, 8000, CouponApplication{Discount: 2000}},
		{"percent above hundred clamps", domain.Coupon{Type: domain.DiscountPercent, Amount: 120}, 8000, CouponApplication{Discount: 8000}},
		{"percent zero", domain.Coupon{Type: domain.DiscountPercent, Amount: 0}, 8000, CouponApplication{}},
		{"percent truncates", domain.Coupon{Type: domain.DiscountPercent, Amount: 10}, 5555, CouponApplication{Discount: 555}},
		{"percent on max subtotal", domain.Coupon{Type: domain.DiscountPercent, Amount: 25}, math.MaxInt64, CouponApplication{Discount: 2305843009213693951}},
		{"fixed", domain.Coupon{Type: domain.DiscountFixed, Amount: 300}, 8000, CouponApplication{Discount: 300}},
		{"fixed capped", domain.Coupon{Type: domain.DiscountFixed, Amount: 9000}, 8000, CouponApplication{Discount: 8000}},
		{"fixed negative ignored", domain.Coupon{Type: domain.DiscountFixed, Amount: -10}, 8000, CouponApplication{}},
		{"free shipping", domain.Coupon{Type: domain.DiscountFreeShipping}, 8000, CouponApplication{FreeShipping: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			applied := policy.Apply(tc.coupon, tc.subtotal)
			if applied != tc.expected {
				t.Fatalf("expected %+v, got %+v", tc.expected, applied)
			}
		})
	}
}

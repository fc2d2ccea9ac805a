package services

import (
	"context"
	"errors"
	"time"

	"github.com/tidegate/storefront/internal/domain"
)

// OrderStatusAPI is the backend surface that moves recorded orders between
// fulfilment statuses.
type OrderStatusAPI interface {
	UpdateOrderStatus(ctx context.Context, orderID, status string) (domain.OrderRef, error)
}

const paidOrderStatus = "processing"

// OrderStatusReconciler pushes the paid status to the backend after payment
// succeeded. Payment is never rolled back here: when the backend stays
// unreachable the order is parked for operator follow-up instead.
type OrderStatusReconciler struct {
	orders   OrderStatusAPI
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   func(context.Context, string, map[string]any)
}

// OrderStatusReconcilerDeps wires the reconciler dependencies.
type OrderStatusReconcilerDeps struct {
	Orders   OrderStatusAPI
	Attempts int
	Backoff  time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   func(context.Context, string, map[string]any)
}

// NewOrderStatusReconciler validates dependencies and constructs the reconciler.
func NewOrderStatusReconciler(deps OrderStatusReconcilerDeps) (*OrderStatusReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order status reconciler: order status api is required")
	}
	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := deps.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderStatusReconciler{
		orders:   deps.Orders,
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleep,
		logger:   logger,
	}, nil
}

// MarkPaid moves the order to the paid status with bounded retries. A true
// confirmationPending return means every attempt failed and the order needs
// manual reconciliation; this is not an error for the caller because the
// payment already happened.
func (r *OrderStatusReconciler) MarkPaid(ctx context.Context, orderID string) (confirmationPending bool, err error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		_, updateErr := r.orders.UpdateOrderStatus(ctx, orderID, paidOrderStatus)
		if updateErr == nil {
			if attempt > 1 {
				r.logger(ctx, "order_status_reconciled", map[string]any{"orderId": orderID, "attempt": attempt})
			}
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lastErr = updateErr
		r.logger(ctx, "order_status_update_failed", map[string]any{
			"orderId": orderID,
			"attempt": attempt,
			"error":   updateErr.Error(),
		})
		if attempt < r.attempts {
			if sleepErr := r.sleep(ctx, r.backoff*time.Duration(attempt)); sleepErr != nil {
				return false, sleepErr
			}
		}
	}

	r.logger(ctx, "order_confirmation_pending", map[string]any{
		"orderId": orderID,
		"error":   lastErr.Error(),
	})
	return true, nil
}

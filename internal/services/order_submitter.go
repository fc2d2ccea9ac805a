package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
	"github.com/tidegate/storefront/internal/platform/idempotency"
)

var (
	// ErrSubmitNotConfirmed rejects submission from any state but payment_confirmed.
	ErrSubmitNotConfirmed = errors.New("order submitter: payment not confirmed")
	// ErrSubmitInFlight reports a concurrent submission holding the reservation.
	ErrSubmitInFlight = errors.New("order submitter: submission already in flight")
)

// OrderAPI is the backend surface that records orders.
type OrderAPI interface {
	SubmitOrder(ctx context.Context, draft domain.OrderDraft) (domain.OrderRef, error)
}

// OrderSubmitter maps a confirmed session to a backend order exactly once.
// The session id keys a submission record reserved before the backend call,
// so a crash between call and bookkeeping cannot double-order.
type OrderSubmitter struct {
	orders       OrderAPI
	reservations idempotency.Store
	ttl          time.Duration
	retryDelay   time.Duration
	clock        func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	logger       func(context.Context, string, map[string]any)
}

// OrderSubmitterDeps wires the submitter dependencies.
type OrderSubmitterDeps struct {
	Orders       OrderAPI
	Reservations idempotency.Store
	TTL          time.Duration
	RetryDelay   time.Duration
	Clock        func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
	Logger       func(context.Context, string, map[string]any)
}

// NewOrderSubmitter validates dependencies and constructs the submitter.
func NewOrderSubmitter(deps OrderSubmitterDeps) (*OrderSubmitter, error) {
	if deps.Orders == nil {
		return nil, errors.New("order submitter: order api is required")
	}
	if deps.Reservations == nil {
		return nil, errors.New("order submitter: reservation store is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	retryDelay := deps.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderSubmitter{
		orders:       deps.Orders,
		reservations: deps.Reservations,
		ttl:          ttl,
		retryDelay:   retryDelay,
		clock: func() time.Time {
			return clock().UTC()
		},
		sleep:  sleep,
		logger: logger,
	}, nil
}

// Submit records the order for the session. Re-submission returns the
// previously recorded reference. Transient backend failures are retried
// exactly once; validation failures are surfaced without retry.
func (s *OrderSubmitter) Submit(ctx context.Context, session domain.CheckoutSession) (domain.OrderRef, error) {
	if session.State != domain.SessionPaymentConfirmed {
		return domain.OrderRef{}, fmt.Errorf("%w: session is %s", ErrSubmitNotConfirmed, session.State)
	}
	if strings.TrimSpace(session.OrderRef) != "" {
		// Already submitted; replay the recorded reference.
		return domain.OrderRef{ID: session.OrderRef, Number: session.OrderNumber}, nil
	}

	reservation, err := s.reservations.Reserve(ctx, session.ID, s.clock(), s.ttl)
	if err != nil {
		return domain.OrderRef{}, err
	}
	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		s.logger(ctx, "order_submit_replayed", map[string]any{"sessionId": session.ID, "orderId": reservation.Record.OrderID})
		return domain.OrderRef{ID: reservation.Record.OrderID, Number: reservation.Record.OrderNumber}, nil
	case idempotency.ReservationStatePending:
		return domain.OrderRef{}, fmt.Errorf("%w: session %s", ErrSubmitInFlight, session.ID)
	}

	draft, err := buildOrderDraft(session)
	if err != nil {
		_ = s.reservations.Release(ctx, session.ID)
		return domain.OrderRef{}, err
	}

	ref, err := s.submitWithRetry(ctx, session.ID, draft)
	if err != nil {
		_ = s.reservations.Release(ctx, session.ID)
		return domain.OrderRef{}, err
	}

	if err := s.reservations.Complete(ctx, session.ID, ref.ID, ref.Number, s.clock(), s.ttl); err != nil {
		// The order exists; losing the record only costs a replay lookup.
		s.logger(ctx, "order_submit_record_failed", map[string]any{"sessionId": session.ID, "orderId": ref.ID, "error": err.Error()})
	}
	s.logger(ctx, "order_submitted", map[string]any{"sessionId": session.ID, "orderId": ref.ID, "number": ref.Number})
	return ref, nil
}

func (s *OrderSubmitter) submitWithRetry(ctx context.Context, sessionID string, draft domain.OrderDraft) (domain.OrderRef, error) {
	ref, err := s.orders.SubmitOrder(ctx, draft)
	if err == nil {
		return ref, nil
	}
	if !retryableSubmitError(err) {
		return domain.OrderRef{}, err
	}

	s.logger(ctx, "order_submit_retry", map[string]any{"sessionId": sessionID, "error": err.Error()})
	if sleepErr := s.sleep(ctx, s.retryDelay); sleepErr != nil {
		return domain.OrderRef{}, sleepErr
	}
	return s.orders.SubmitOrder(ctx, draft)
}

// retryableSubmitError allows one retry for transient failures and 5xx
// backend responses only.
func retryableSubmitError(err error) bool {
	if gateways.IsTransient(err) {
		return true
	}
	var backendErr *gateways.BackendError
	if errors.As(err, &backendErr) {
		return backendErr.StatusCode >= 500
	}
	return false
}

func buildOrderDraft(session domain.CheckoutSession) (domain.OrderDraft, error) {
	if session.Billing == nil || session.Shipping == nil {
		return domain.OrderDraft{}, fmt.Errorf("%w: addresses are required", ErrSessionInvalidInput)
	}
	if !session.Hydrated {
		return domain.OrderDraft{}, errors.New("order submitter: session is not hydrated")
	}

	lines := make([]domain.OrderDraftLine, 0, len(session.Lines))
	for _, line := range session.Lines {
		meta := make(map[string]string, len(line.Attributes)+len(line.CustomFields))
		for k, v := range line.Attributes {
			meta[k] = v
		}
		for k, v := range line.CustomFields {
			meta[k] = v
		}
		if len(meta) == 0 {
			meta = nil
		}
		lines = append(lines, domain.OrderDraftLine{
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.UnitPrice * int64(line.Quantity),
			Metadata:  meta,
		})
	}

	draft := domain.OrderDraft{
		SessionID:     session.ID,
		CustomerID:    session.CustomerRef,
		Currency:      session.Currency,
		Billing:       *session.Billing,
		Shipping:      *session.Shipping,
		Lines:         lines,
		CustomerNote:  session.CustomerNote,
		PaymentRef:    session.PaymentIntentRef,
		PaymentMethod: session.PaymentMethod,
		Total:         session.Totals.Total,
	}
	if session.ShippingSelection != nil {
		draft.ShippingName = string(session.ShippingSelection.Method)
		draft.ShippingCost = session.Totals.Shipping
	}
	if session.Coupon != nil && session.Totals.Discount > 0 {
		draft.CouponCode = session.Coupon.Code
		draft.CouponAmount = session.Totals.Discount
	}
	if session.Coupon != nil && session.Coupon.Type == domain.DiscountFreeShipping {
		draft.CouponCode = session.Coupon.Code
	}
	return draft, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

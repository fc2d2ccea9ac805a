package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
)

var (
	// ErrIntentAmountMismatch rejects a gateway confirmation whose authorized
	// amount differs from the current session total.
	ErrIntentAmountMismatch = errors.New("payment intent: amount does not match session total")
	// ErrIntentNotConfirmed is returned when the gateway has not (yet)
	// confirmed the intent.
	ErrIntentNotConfirmed = errors.New("payment intent: not confirmed")
)

// PaymentIntent is the coordinator's view of a gateway intent.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	Succeeded    bool
}

// PaymentIntentRequest creates a fresh intent for the session total.
type PaymentIntentRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentGateway is the gateway surface the coordinator drives.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	UpdateIntentAmount(ctx context.Context, intentID string, amount int64) (PaymentIntent, error)
	GetIntent(ctx context.Context, intentID string) (PaymentIntent, error)
}

// PaymentIntentCoordinator keeps the gateway intent aligned with the session
// total. A stale amount is corrected before confirmation, never confirmed.
type PaymentIntentCoordinator struct {
	gateway PaymentGateway
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// PaymentIntentCoordinatorDeps wires the coordinator dependencies.
type PaymentIntentCoordinatorDeps struct {
	Gateway PaymentGateway
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// NewPaymentIntentCoordinator validates dependencies and constructs the coordinator.
func NewPaymentIntentCoordinator(deps PaymentIntentCoordinatorDeps) (*PaymentIntentCoordinator, error) {
	if deps.Gateway == nil {
		return nil, errors.New("payment intent coordinator: gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentIntentCoordinator{
		gateway: deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// EnsureIntent returns an intent whose amount equals the current session
// total. Creates one when the session has none; updates the amount when the
// total drifted; recreates when the gateway refuses the update. A captured
// intent is never replaced: drift on a succeeded intent surfaces
// ErrIntentAmountMismatch.
func (c *PaymentIntentCoordinator) EnsureIntent(ctx context.Context, session domain.CheckoutSession) (PaymentIntent, error) {
	if !session.Hydrated {
		return PaymentIntent{}, errors.New("payment intent coordinator: session is not hydrated")
	}
	total := session.Totals.Total

	if strings.TrimSpace(session.PaymentIntentRef) == "" {
		return c.createIntent(ctx, session, total)
	}

	intent, err := c.gateway.GetIntent(ctx, session.PaymentIntentRef)
	if err != nil {
		if gateways.IsNotFound(err) {
			return c.createIntent(ctx, session, total)
		}
		return PaymentIntent{}, err
	}
	if intent.Amount == total {
		return intent, nil
	}
	if intent.Succeeded {
		// The gateway already captured this intent. A replacement would
		// charge the customer a second time.
		c.logger(ctx, "payment_intent_captured_amount_drift", map[string]any{
			"sessionId": session.ID,
			"intentId":  intent.ID,
			"captured":  intent.Amount,
			"total":     total,
		})
		return PaymentIntent{}, fmt.Errorf("%w: captured %d, total %d", ErrIntentAmountMismatch, intent.Amount, total)
	}

	c.logger(ctx, "payment_intent_amount_drift", map[string]any{
		"sessionId": session.ID,
		"intentId":  intent.ID,
		"was":       intent.Amount,
		"now":       total,
	})
	updated, err := c.gateway.UpdateIntentAmount(ctx, intent.ID, total)
	if err == nil {
		return updated, nil
	}
	if gateways.IsGateway(err) || gateways.IsConflict(err) {
		// The intent can no longer be amended; replace it.
		return c.createIntent(ctx, session, total)
	}
	return PaymentIntent{}, err
}

// VerifyConfirmed checks the gateway's view of the intent before the order is
// submitted. The authorized amount must equal the current session total.
func (c *PaymentIntentCoordinator) VerifyConfirmed(ctx context.Context, session domain.CheckoutSession) (PaymentIntent, error) {
	if !session.Hydrated {
		return PaymentIntent{}, errors.New("payment intent coordinator: session is not hydrated")
	}
	if strings.TrimSpace(session.PaymentIntentRef) == "" {
		return PaymentIntent{}, fmt.Errorf("%w: session has no payment intent", ErrIntentNotConfirmed)
	}
	intent, err := c.gateway.GetIntent(ctx, session.PaymentIntentRef)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !intent.Succeeded {
		return PaymentIntent{}, fmt.Errorf("%w: gateway reports %s", ErrIntentNotConfirmed, intent.Status)
	}
	if intent.Amount != session.Totals.Total {
		c.logger(ctx, "payment_intent_mismatch", map[string]any{
			"sessionId":  session.ID,
			"intentId":   intent.ID,
			"authorized": intent.Amount,
			"total":      session.Totals.Total,
		})
		return PaymentIntent{}, fmt.Errorf("%w: authorized %d, total %d", ErrIntentAmountMismatch, intent.Amount, session.Totals.Total)
	}
	return intent, nil
}

func (c *PaymentIntentCoordinator) createIntent(ctx context.Context, session domain.CheckoutSession, total int64) (PaymentIntent, error) {
	intent, err := c.gateway.CreateIntent(ctx, PaymentIntentRequest{
		Amount:         total,
		Currency:       session.Currency,
		IdempotencyKey: fmt.Sprintf("%s:%d", session.ID, total),
		Metadata: map[string]string{
			"session_id": session.ID,
		},
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	c.logger(ctx, "payment_intent_created", map[string]any{
		"sessionId": session.ID,
		"intentId":  intent.ID,
		"amount":    intent.Amount,
	})
	return intent, nil
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
)

type stubPaymentGateway struct {
	createFunc func(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	updateFunc func(ctx context.Context, intentID string, amount int64) (PaymentIntent, error)
	getFunc    func(ctx context.Context, intentID string) (PaymentIntent, error)
}

func (s *stubPaymentGateway) CreateIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	return s.createFunc(ctx, req)
}

func (s *stubPaymentGateway) UpdateIntentAmount(ctx context.Context, intentID string, amount int64) (PaymentIntent, error) {
	return s.updateFunc(ctx, intentID, amount)
}

func (s *stubPaymentGateway) GetIntent(ctx context.Context, intentID string) (PaymentIntent, error) {
	return s.getFunc(ctx, intentID)
}

func hydratedSession(total int64) domain.CheckoutSession {
	return domain.CheckoutSession{
		ID:       "cs_1",
		State:    domain.SessionValidated,
		Currency: "USD",
		Totals:   domain.Totals{Currency: "USD", Total: total},
		Hydrated: true,
	}
}

func newCoordinatorForTest(t *testing.T, gateway PaymentGateway) *PaymentIntentCoordinator {
	t.Helper()
	coordinator, err := NewPaymentIntentCoordinator(PaymentIntentCoordinatorDeps{Gateway: gateway})
	if err != nil {
		t.Fatalf("unexpected error creating coordinator: %v", err)
	}
	return coordinator
}

func TestEnsureIntentCreatesForFreshSession(t *testing.T) {
	var captured PaymentIntentRequest
	gateway := &stubPaymentGateway{
		createFunc: func(_ context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
			captured = req
			return PaymentIntent{ID: "pi_1", ClientSecret: "sec", Amount: req.Amount, Currency: req.Currency}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	intent, err := coordinator.EnsureIntent(context.Background(), hydratedSession(5450))
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if intent.ID != "pi_1" {
		t.Fatalf("expected pi_1, got %s", intent.ID)
	}
	if captured.Amount != 5450 {
		t.Fatalf("expected amount 5450, got %d", captured.Amount)
	}
	if captured.IdempotencyKey != "cs_1:5450" {
		t.Fatalf("expected amount-scoped idempotency key, got %s", captured.IdempotencyKey)
	}
	if captured.Metadata["session_id"] != "cs_1" {
		t.Fatalf("expected session metadata, got %v", captured.Metadata)
	}
}

func TestEnsureIntentReusesMatchingIntent(t *testing.T) {
	gateway := &stubPaymentGateway{
		getFunc: func(_ context.Context, intentID string) (PaymentIntent, error) {
			if intentID != "pi_1" {
				t.Fatalf("expected pi_1 lookup, got %s", intentID)
			}
			return PaymentIntent{ID: "pi_1", Amount: 5000}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	session := hydratedSession(5000)
	session.PaymentIntentRef = "pi_1"
	intent, err := coordinator.EnsureIntent(context.Background(), session)
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if intent.ID != "pi_1" {
		t.Fatalf("expected pi_1, got %s", intent.ID)
	}
}

func TestEnsureIntentUpdatesDriftedAmount(t *testing.T) {
	updated := false
	gateway := &stubPaymentGateway{
		getFunc: func(context.Context, string) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_1", Amount: 4000}, nil
		},
		updateFunc: func(_ context.Context, intentID string, amount int64) (PaymentIntent, error) {
			updated = true
			if amount != 5000 {
				t.Fatalf("expected updated amount 5000, got %d", amount)
			}
			return PaymentIntent{ID: intentID, Amount: amount}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	session := hydratedSession(5000)
	session.PaymentIntentRef = "pi_1"
	intent, err := coordinator.EnsureIntent(context.Background(), session)
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if !updated {
		t.Fatal("expected the drifted intent to be updated")
	}
	if intent.Amount != 5000 {
		t.Fatalf("expected amount 5000, got %d", intent.Amount)
	}
}

func TestEnsureIntentRecreatesWhenUpdateRefused(t *testing.T) {
	gateway := &stubPaymentGateway{
		getFunc: func(context.Context, string) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_1", Amount: 4000}, nil
		},
		updateFunc: func(context.Context, string, int64) (PaymentIntent, error) {
			return PaymentIntent{}, &gateways.GatewayError{Op: "stripe.updateIntent", Code: "intent_locked", Err: errors.New("cannot amend")}
		},
		createFunc: func(_ context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_2", Amount: req.Amount}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	session := hydratedSession(5000)
	session.PaymentIntentRef = "pi_1"
	intent, err := coordinator.EnsureIntent(context.Background(), session)
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if intent.ID != "pi_2" {
		t.Fatalf("expected replacement pi_2, got %s", intent.ID)
	}
}

func TestEnsureIntentNeverReplacesCapturedIntent(t *testing.T) {
	created := false
	gateway := &stubPaymentGateway{
		getFunc: func(context.Context, string) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_1", Amount: 9000, Status: "succeeded", Succeeded: true}, nil
		},
		updateFunc: func(context.Context, string, int64) (PaymentIntent, error) {
			t.Fatal("a captured intent must not be amended")
			return PaymentIntent{}, nil
		},
		createFunc: func(context.Context, PaymentIntentRequest) (PaymentIntent, error) {
			created = true
			return PaymentIntent{ID: "pi_2"}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	session := hydratedSession(10000)
	session.PaymentIntentRef = "pi_1"
	_, err := coordinator.EnsureIntent(context.Background(), session)
	if !errors.Is(err, ErrIntentAmountMismatch) {
		t.Fatalf("expected ErrIntentAmountMismatch, got %v", err)
	}
	if created {
		t.Fatal("a second chargeable intent was created on top of a captured payment")
	}
}

func TestEnsureIntentRecreatesWhenIntentMissing(t *testing.T) {
	gateway := &stubPaymentGateway{
		getFunc: func(context.Context, string) (PaymentIntent, error) {
			return PaymentIntent{}, &gateways.NotFoundError{Op: "stripe.getIntent", Err: errors.New("no such intent")}
		},
		createFunc: func(_ context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_2", Amount: req.Amount}, nil
		},
	}
	coordinator := newCoordinatorForTest(t, gateway)

	session := hydratedSession(5000)
	session.PaymentIntentRef = "pi_gone"
	intent, err := coordinator.EnsureIntent(context.Background(), session)
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if intent.ID != "pi_2" {
		t.Fatalf("expected pi_2, got %s", intent.ID)
	}
}

func TestEnsureIntentRequiresHydration(t *testing.T) {
	coordinator := newCoordinatorForTest(t, &stubPaymentGateway{})
	session := hydratedSession(5000)
	session.Hydrated = false
	if _, err := coordinator.EnsureIntent(context.Background(), session); err == nil {
		t.Fatal("expected an error for an unhydrated session")
	}
}

func TestVerifyConfirmed(t *testing.T) {
	cases := []struct {
		name    string
		intent  PaymentIntent
		wantErr error
	}{
		{
			name:   "confirmed with matching amount",
			intent: PaymentIntent{ID: "pi_1", Amount: 5000, Status: "succeeded", Succeeded: true},
		},
		{
			name:    "not yet confirmed",
			intent:  PaymentIntent{ID: "pi_1", Amount: 5000, Status: "requires_payment_method"},
			wantErr: ErrIntentNotConfirmed,
		},
		{
			name:    "amount mismatch",
			intent:  PaymentIntent{ID: "pi_1", Amount: 4000, Status: "succeeded", Succeeded: true},
			wantErr: ErrIntentAmountMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gateway := &stubPaymentGateway{
				getFunc: func(context.Context, string) (PaymentIntent, error) {
					return tc.intent, nil
				},
			}
			coordinator := newCoordinatorForTest(t, gateway)

			session := hydratedSession(5000)
			session.PaymentIntentRef = "pi_1"
			_, err := coordinator.VerifyConfirmed(context.Background(), session)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestVerifyConfirmedWithoutIntentRef(t *testing.T) {
	coordinator := newCoordinatorForTest(t, &stubPaymentGateway{})
	session := hydratedSession(5000)
	if _, err := coordinator.VerifyConfirmed(context.Background(), session); !errors.Is(err, ErrIntentNotConfirmed) {
		t.Fatalf("expected ErrIntentNotConfirmed, got %v", err)
	}
}

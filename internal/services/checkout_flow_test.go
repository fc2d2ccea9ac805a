package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
	"github.com/tidegate/storefront/internal/platform/idempotency"
)

type flowFixture struct {
	flow     *CheckoutFlow
	sessions *SessionService
	gateway  *stubPaymentGateway
	orders   *stubOrderAPI
	status   *stubOrderStatusAPI
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	sessions := newSessionServiceForTest(t, nil, nil)

	directory := &stubCustomerDirectory{
		findFunc: func(context.Context, string) (domain.CustomerRef, error) {
			return domain.CustomerRef{}, notFound("commerce.findCustomer")
		},
		createFunc: func(_ context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error) {
			return domain.CustomerRef{ID: "cust-1", Email: profile.Email}, nil
		},
	}
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: directory})
	if err != nil {
		t.Fatalf("create registrar: %v", err)
	}

	gateway := &stubPaymentGateway{
		createFunc: func(_ context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_1", ClientSecret: "sec_1", Amount: req.Amount, Currency: req.Currency}, nil
		},
		getFunc: func(context.Context, string) (PaymentIntent, error) {
			return PaymentIntent{ID: "pi_1", Amount: 5500, Status: "succeeded", Succeeded: true}, nil
		},
	}
	coordinator, err := NewPaymentIntentCoordinator(PaymentIntentCoordinatorDeps{Gateway: gateway})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}

	orders := &stubOrderAPI{
		submitFunc: func(context.Context, domain.OrderDraft) (domain.OrderRef, error) {
			return domain.OrderRef{ID: "1001", Number: "ORD-1001"}, nil
		},
	}
	submitter, err := NewOrderSubmitter(OrderSubmitterDeps{
		Orders:       orders,
		Reservations: idempotency.NewMemoryStore(),
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("create submitter: %v", err)
	}

	status := &stubOrderStatusAPI{
		updateFunc: func(_ context.Context, orderID, s string) (domain.OrderRef, error) {
			return domain.OrderRef{ID: orderID, Status: s}, nil
		},
	}
	reconciler, err := NewOrderStatusReconciler(OrderStatusReconcilerDeps{
		Orders: status,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("create reconciler: %v", err)
	}

	flow, err := NewCheckoutFlow(CheckoutFlowDeps{
		Sessions:    sessions,
		Registrar:   registrar,
		Coordinator: coordinator,
		Submitter:   submitter,
		Reconciler:  reconciler,
	})
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}

	return &flowFixture{flow: flow, sessions: sessions, gateway: gateway, orders: orders, status: status}
}

// validatedSession takes a fresh draft through validation. The fixture cart is
// 4000 subtotal plus the 1500 flat-rate tier, so the expected total is 5500.
func (f *flowFixture) validatedSession(t *testing.T) domain.CheckoutSession {
	t.Helper()
	session := readyDraft(t, f.sessions, 4000, 1)
	validated, issues, err := f.sessions.Validate(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues %+v", issues)
	}
	return validated
}

func TestCheckoutFlowSubmit(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	session := fixture.validatedSession(t)

	result, err := fixture.flow.Submit(ctx, session.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Session.State != domain.SessionPaymentPending {
		t.Fatalf("expected payment_pending, got %s", result.Session.State)
	}
	if result.ClientSecret != "sec_1" {
		t.Fatalf("expected client secret, got %q", result.ClientSecret)
	}
	if result.Intent.Amount != 5500 {
		t.Fatalf("expected intent amount 5500, got %d", result.Intent.Amount)
	}
	if result.Session.CustomerRef != "cust-1" {
		t.Fatalf("expected customer ref persisted, got %q", result.Session.CustomerRef)
	}
	if !result.Session.EmailSaved {
		t.Fatal("expected email saved flag")
	}
	if result.Session.PaymentIntentRef != "pi_1" {
		t.Fatalf("expected intent ref persisted, got %q", result.Session.PaymentIntentRef)
	}
}

func TestCheckoutFlowSubmitRequiresValidatedSession(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	session, err := fixture.sessions.CreateSession(ctx, CreateSessionCommand{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := fixture.flow.Submit(ctx, session.ID); !errors.Is(err, ErrSessionStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCheckoutFlowSubmitPaymentFailureParksSession(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	fixture.gateway.createFunc = func(context.Context, PaymentIntentRequest) (PaymentIntent, error) {
		return PaymentIntent{}, &gateways.GatewayError{Op: "stripe.createIntent", Code: "card_error", Err: errors.New("declined")}
	}
	session := fixture.validatedSession(t)

	_, err := fixture.flow.Submit(ctx, session.ID)
	if !gateways.IsGateway(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	failed, err := fixture.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if failed.State != domain.SessionFailed {
		t.Fatalf("expected failed state, got %s", failed.State)
	}
	if failed.FailedStage != "payment" {
		t.Fatalf("expected payment stage, got %q", failed.FailedStage)
	}
	if failed.RetryToken == "" {
		t.Fatal("expected a retry token")
	}

	// The recorded token returns the session to validated for another run.
	recovered, err := fixture.sessions.Retry(ctx, session.ID, failed.RetryToken)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if recovered.State != domain.SessionValidated {
		t.Fatalf("expected validated, got %s", recovered.State)
	}
	if recovered.CustomerRef != "cust-1" {
		t.Fatal("expected registered customer retained through failure")
	}
}

func TestCheckoutFlowConfirm(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	session := fixture.validatedSession(t)

	if _, err := fixture.flow.Submit(ctx, session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := fixture.flow.Confirm(ctx, session.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Session.State != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", result.Session.State)
	}
	if result.Order.ID != "1001" || result.Order.Number != "ORD-1001" {
		t.Fatalf("unexpected order %+v", result.Order)
	}
	if result.ConfirmationPending {
		t.Fatal("expected confirmation to succeed")
	}
	if result.Session.OrderRef != "1001" || result.Session.OrderNumber != "ORD-1001" {
		t.Fatalf("expected order recorded on session, got %+v", result.Session)
	}
}

func TestCheckoutFlowConfirmRejectsUnconfirmedIntent(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	session := fixture.validatedSession(t)

	if _, err := fixture.flow.Submit(ctx, session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fixture.gateway.getFunc = func(context.Context, string) (PaymentIntent, error) {
		return PaymentIntent{ID: "pi_1", Amount: 5500, Status: "requires_payment_method"}, nil
	}

	if _, err := fixture.flow.Confirm(ctx, session.ID); !errors.Is(err, ErrIntentNotConfirmed) {
		t.Fatalf("expected ErrIntentNotConfirmed, got %v", err)
	}

	// An unconfirmed payment is not a stage failure; the session stays in
	// payment_pending for the storefront to finish the payment.
	loaded, err := fixture.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.State != domain.SessionPaymentPending {
		t.Fatalf("expected payment_pending, got %s", loaded.State)
	}
}

func TestCheckoutFlowConfirmAmountMismatch(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	session := fixture.validatedSession(t)

	if _, err := fixture.flow.Submit(ctx, session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fixture.gateway.getFunc = func(context.Context, string) (PaymentIntent, error) {
		return PaymentIntent{ID: "pi_1", Amount: 100, Status: "succeeded", Succeeded: true}, nil
	}

	if _, err := fixture.flow.Confirm(ctx, session.ID); !errors.Is(err, ErrIntentAmountMismatch) {
		t.Fatalf("expected ErrIntentAmountMismatch, got %v", err)
	}
}

func TestCheckoutFlowConfirmOrderFailureKeepsPayment(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	fixture.orders.submitFunc = func(context.Context, domain.OrderDraft) (domain.OrderRef, error) {
		return domain.OrderRef{}, &gateways.ValidationError{Op: "commerce.submitOrder", Message: "bad sku"}
	}
	session := fixture.validatedSession(t)

	if _, err := fixture.flow.Submit(ctx, session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := fixture.flow.Confirm(ctx, session.ID)
	if !gateways.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	failed, err := fixture.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if failed.State != domain.SessionFailed {
		t.Fatalf("expected failed state, got %s", failed.State)
	}
	if failed.FailedStage != "order" {
		t.Fatalf("expected order stage, got %q", failed.FailedStage)
	}
	if failed.PaymentIntentRef != "pi_1" {
		t.Fatal("expected intent reference retained so a retry does not re-charge")
	}
}

func TestCheckoutFlowConfirmReconcilerExhaustionCompletes(t *testing.T) {
	ctx := context.Background()
	fixture := newFlowFixture(t)
	fixture.status.updateFunc = func(context.Context, string, string) (domain.OrderRef, error) {
		return domain.OrderRef{}, &gateways.TransientError{Op: "commerce.updateOrderStatus", Err: errors.New("down")}
	}
	session := fixture.validatedSession(t)

	if _, err := fixture.flow.Submit(ctx, session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := fixture.flow.Confirm(ctx, session.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !result.ConfirmationPending {
		t.Fatal("expected confirmation pending")
	}
	if result.Session.State != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", result.Session.State)
	}
}

func TestCheckoutFlowInFlightGuard(t *testing.T) {
	fixture := newFlowFixture(t)

	release, err := fixture.flow.acquire("cs_busy")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := fixture.flow.Submit(context.Background(), "cs_busy"); !errors.Is(err, ErrFlowBusy) {
		t.Fatalf("expected ErrFlowBusy, got %v", err)
	}
	if _, err := fixture.flow.Confirm(context.Background(), "cs_busy"); !errors.Is(err, ErrFlowBusy) {
		t.Fatalf("expected ErrFlowBusy, got %v", err)
	}
}

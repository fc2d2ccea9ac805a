package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidegate/storefront/internal/domain"
)

// ErrFlowBusy rejects a request while another checkout stage for the same
// session is still running in this process.
var ErrFlowBusy = errors.New("checkout flow: another request for this session is in flight")

const (
	stageCustomer     = "customer"
	stagePayment      = "payment"
	stageOrder        = "order"
	stageConfirmation = "confirmation"
)

// CheckoutFlow drives a validated session through customer registration,
// payment intent setup, order submission, and status reconciliation. Each
// stage failure parks the session in failed with the stage recorded, so a
// retry resumes from validated without losing collected data.
type CheckoutFlow struct {
	sessions    *SessionService
	registrar   *CustomerRegistrar
	coordinator *PaymentIntentCoordinator
	submitter   *OrderSubmitter
	reconciler  *OrderStatusReconciler
	logger      func(context.Context, string, map[string]any)

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// CheckoutFlowDeps wires the flow dependencies.
type CheckoutFlowDeps struct {
	Sessions    *SessionService
	Registrar   *CustomerRegistrar
	Coordinator *PaymentIntentCoordinator
	Submitter   *OrderSubmitter
	Reconciler  *OrderStatusReconciler
	Logger      func(context.Context, string, map[string]any)
}

// NewCheckoutFlow validates dependencies and constructs the flow.
func NewCheckoutFlow(deps CheckoutFlowDeps) (*CheckoutFlow, error) {
	if deps.Sessions == nil {
		return nil, errors.New("checkout flow: session service is required")
	}
	if deps.Registrar == nil {
		return nil, errors.New("checkout flow: customer registrar is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("checkout flow: payment intent coordinator is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("checkout flow: order submitter is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("checkout flow: order status reconciler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CheckoutFlow{
		sessions:    deps.Sessions,
		registrar:   deps.Registrar,
		coordinator: deps.Coordinator,
		submitter:   deps.Submitter,
		reconciler:  deps.Reconciler,
		logger:      logger,
		inFlight:    make(map[string]struct{}),
	}, nil
}

// SubmitResult carries the session after payment setup plus the client secret
// the storefront needs to confirm the payment.
type SubmitResult struct {
	Session      domain.CheckoutSession
	Intent       PaymentIntent
	ClientSecret string
}

// Submit takes a validated session through customer registration and payment
// intent setup, leaving it in payment_pending. A stage failure moves the
// session to failed with a retry token.
func (f *CheckoutFlow) Submit(ctx context.Context, id string) (SubmitResult, error) {
	release, err := f.acquire(id)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	session, err := f.sessions.GetSession(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	if session.State != domain.SessionValidated {
		return SubmitResult{}, fmt.Errorf("%w: submit requires a validated session, got %s", ErrSessionStateConflict, session.State)
	}

	if strings.TrimSpace(session.CustomerRef) == "" {
		ref, regErr := f.registrar.Register(ctx, customerProfileFromSession(session))
		if regErr != nil {
			return SubmitResult{}, f.fail(ctx, session.ID, stageCustomer, regErr)
		}
		session, err = f.sessions.Transition(ctx, session.ID, domain.SessionValidated, func(s *domain.CheckoutSession) {
			s.CustomerRef = ref.ID
			s.EmailSaved = true
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}

	intent, err := f.coordinator.EnsureIntent(ctx, session)
	if err != nil {
		return SubmitResult{}, f.fail(ctx, session.ID, stagePayment, err)
	}

	session, err = f.sessions.Transition(ctx, session.ID, domain.SessionPaymentPending, func(s *domain.CheckoutSession) {
		s.PaymentIntentRef = intent.ID
	})
	if err != nil {
		return SubmitResult{}, err
	}

	f.logger(ctx, "checkout_submitted", map[string]any{
		"sessionId": session.ID,
		"intentId":  intent.ID,
		"amount":    intent.Amount,
	})
	return SubmitResult{Session: session, Intent: intent, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmResult carries the completed session and the recorded order. When
// ConfirmationPending is true the payment succeeded and the order exists but
// its paid status could not be pushed to the backend yet.
type ConfirmResult struct {
	Session             domain.CheckoutSession
	Order               domain.OrderRef
	ConfirmationPending bool
}

// Confirm verifies the payment with the gateway, records the order exactly
// once, and reconciles the order status. Payment is never rolled back past
// this point; a reconciliation failure parks the order for follow-up.
func (f *CheckoutFlow) Confirm(ctx context.Context, id string) (ConfirmResult, error) {
	release, err := f.acquire(id)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer release()

	session, err := f.sessions.GetSession(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if session.State != domain.SessionPaymentPending {
		return ConfirmResult{}, fmt.Errorf("%w: confirm requires payment_pending, got %s", ErrSessionStateConflict, session.State)
	}

	if _, err := f.coordinator.VerifyConfirmed(ctx, session); err != nil {
		if errors.Is(err, ErrIntentNotConfirmed) || errors.Is(err, ErrIntentAmountMismatch) {
			return ConfirmResult{}, err
		}
		return ConfirmResult{}, f.fail(ctx, session.ID, stagePayment, err)
	}

	session, err = f.sessions.Transition(ctx, session.ID, domain.SessionPaymentConfirmed, nil)
	if err != nil {
		return ConfirmResult{}, err
	}

	order, err := f.submitter.Submit(ctx, session)
	if err != nil {
		// The payment stands either way; the failed session keeps the intent
		// reference so a retry resubmits the order without a second charge.
		return ConfirmResult{}, f.fail(ctx, session.ID, stageOrder, err)
	}

	session, err = f.sessions.Transition(ctx, session.ID, domain.SessionOrderSubmitted, func(s *domain.CheckoutSession) {
		s.OrderRef = order.ID
		s.OrderNumber = order.Number
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	pending, err := f.reconciler.MarkPaid(ctx, order.ID)
	if err != nil {
		return ConfirmResult{}, f.fail(ctx, session.ID, stageConfirmation, err)
	}

	session, err = f.sessions.Transition(ctx, session.ID, domain.SessionCompleted, nil)
	if err != nil {
		return ConfirmResult{}, err
	}

	f.logger(ctx, "checkout_completed", map[string]any{
		"sessionId":           session.ID,
		"orderId":             order.ID,
		"confirmationPending": pending,
	})
	return ConfirmResult{Session: session, Order: order, ConfirmationPending: pending}, nil
}

// fail parks the session in failed with the stage and reason recorded, and
// wraps the original error so callers can still classify it.
func (f *CheckoutFlow) fail(ctx context.Context, id, stage string, cause error) error {
	token := f.sessions.NewRetryToken()
	if _, err := f.sessions.Transition(ctx, id, domain.SessionFailed, func(s *domain.CheckoutSession) {
		s.FailedStage = stage
		s.FailureReason = cause.Error()
		s.RetryToken = token
	}); err != nil {
		f.logger(ctx, "checkout_fail_record_error", map[string]any{"sessionId": id, "error": err.Error()})
	}
	f.logger(ctx, "checkout_stage_failed", map[string]any{
		"sessionId": id,
		"stage":     stage,
		"error":     cause.Error(),
	})
	return fmt.Errorf("checkout %s stage: %w", stage, cause)
}

func (f *CheckoutFlow) acquire(id string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inFlight[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrFlowBusy, id)
	}
	f.inFlight[id] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.inFlight, id)
		f.mu.Unlock()
	}, nil
}

func customerProfileFromSession(session domain.CheckoutSession) domain.CustomerProfile {
	profile := domain.CustomerProfile{}
	if session.Billing != nil {
		b := *session.Billing
		profile.Email = strings.ToLower(strings.TrimSpace(b.Email))
		profile.FirstName = b.FirstName
		profile.LastName = b.LastName
		profile.Billing = &b
	}
	if session.Shipping != nil {
		sh := *session.Shipping
		profile.Shipping = &sh
	}
	return profile
}

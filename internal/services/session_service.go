package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
	"github.com/tidegate/storefront/internal/repositories"
)

var (
	// ErrSessionInvalidInput signals bad request data such as empty product ids or negative quantities.
	ErrSessionInvalidInput = errors.New("checkout session: invalid input")
	// ErrSessionNotFound is returned when no session exists for the given id.
	ErrSessionNotFound = errors.New("checkout session: not found")
	// ErrSessionLocked rejects cart mutations once the session left the draft state.
	ErrSessionLocked = errors.New("checkout session: cart is locked")
	// ErrSessionStateConflict is returned for transitions the lifecycle does not allow.
	ErrSessionStateConflict = errors.New("checkout session: state conflict")
	// ErrSessionUnavailable indicates a transient persistence outage.
	ErrSessionUnavailable = errors.New("checkout session: storage unavailable")
	// ErrCouponNotFound is returned when the backend knows no coupon for the code.
	ErrCouponNotFound = errors.New("checkout session: coupon not found")
)

var sessionStateTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionDraft: {domain.SessionValidated, domain.SessionAbandoned},
	// The validated self-loop lets the flow attach customer and payment refs
	// without advancing the lifecycle. Failed is reachable from validated
	// because submission stages run before the move to payment_pending.
	domain.SessionValidated:        {domain.SessionValidated, domain.SessionPaymentPending, domain.SessionFailed, domain.SessionAbandoned},
	domain.SessionPaymentPending:   {domain.SessionPaymentConfirmed, domain.SessionFailed, domain.SessionAbandoned},
	domain.SessionPaymentConfirmed: {domain.SessionOrderSubmitted, domain.SessionFailed, domain.SessionAbandoned},
	domain.SessionOrderSubmitted:   {domain.SessionCompleted, domain.SessionFailed},
	domain.SessionFailed:           {domain.SessionValidated, domain.SessionAbandoned},
	domain.SessionCompleted:        {},
	domain.SessionAbandoned:        {},
}

func canTransitionSession(from, to domain.SessionState) bool {
	allowed, ok := sessionStateTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// CouponSource resolves coupon codes against the commerce backend.
type CouponSource interface {
	CouponByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// ShippingTier maps a subtotal band to a flat-rate cost. UpTo is the
// inclusive upper bound in minor units; zero means no upper bound.
type ShippingTier struct {
	UpTo int64
	Cost int64
}

// ShippingRateTable resolves shipping costs from the cart subtotal. The
// flat-rate tier is re-resolved on every recomputation so removing a coupon
// restores the tier matching the current subtotal.
type ShippingRateTable struct {
	Tiers []ShippingTier
	// FreeShippingThreshold gates the free_shipping method. Below it the
	// selection falls back to the flat-rate tier cost.
	FreeShippingThreshold int64
}

// FlatRateCost returns the flat-rate cost for the subtotal.
func (t ShippingRateTable) FlatRateCost(subtotal int64) int64 {
	var fallback int64
	for _, tier := range t.Tiers {
		if tier.UpTo == 0 {
			fallback = tier.Cost
			continue
		}
		if subtotal <= tier.UpTo {
			return tier.Cost
		}
	}
	return fallback
}

// Resolve returns the selection cost for the method at the given subtotal.
func (t ShippingRateTable) Resolve(method domain.ShippingMethod, subtotal int64) int64 {
	switch method {
	case domain.ShippingLocalPickup:
		return 0
	case domain.ShippingFree:
		if t.FreeShippingThreshold > 0 && subtotal < t.FreeShippingThreshold {
			return t.FlatRateCost(subtotal)
		}
		return 0
	default:
		return t.FlatRateCost(subtotal)
	}
}

// SessionService owns the checkout session lifecycle: cart mutations in
// draft, synchronous totals derivation, validation, and state transitions.
type SessionService struct {
	sessions repositories.CheckoutSessionRepository
	coupons  CouponSource
	engine   *TotalsEngine
	policy   *CouponPolicy
	rates    ShippingRateTable
	currency string
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// SessionServiceDeps wires the service dependencies.
type SessionServiceDeps struct {
	Sessions        repositories.CheckoutSessionRepository
	Coupons         CouponSource
	Engine          *TotalsEngine
	Policy          *CouponPolicy
	Rates           ShippingRateTable
	DefaultCurrency string
	Clock           func() time.Time
	Logger          func(context.Context, string, map[string]any)
}

// NewSessionService validates dependencies and constructs the service.
func NewSessionService(deps SessionServiceDeps) (*SessionService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("session service: session repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("session service: totals engine is required")
	}
	policy := deps.Policy
	if policy == nil {
		policy = NewCouponPolicy()
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &SessionService{
		sessions: deps.Sessions,
		coupons:  deps.Coupons,
		engine:   deps.Engine,
		policy:   policy,
		rates:    deps.Rates,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSessionCommand opens a new draft session.
type CreateSessionCommand struct {
	Currency string
}

// CreateSession opens an empty draft session.
func (s *SessionService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (domain.CheckoutSession, error) {
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	now := s.clock()
	session := domain.CheckoutSession{
		ID:        "cs_" + ulid.Make().String(),
		State:     domain.SessionDraft,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		return domain.CheckoutSession{}, s.mapRepositoryError(err)
	}
	if err := s.hydrate(ctx, &created); err != nil {
		return domain.CheckoutSession{}, err
	}
	s.logger(ctx, "checkout_session_created", map[string]any{"sessionId": created.ID, "currency": currency})
	return created, nil
}

// GetSession loads and hydrates the session.
func (s *SessionService) GetSession(ctx context.Context, id string) (domain.CheckoutSession, error) {
	return s.load(ctx, id)
}

// LineInput describes a line to add to the cart. The unit price is
// normalised once at insertion and never recomputed afterwards.
type LineInput struct {
	ProductID    string
	SKU          string
	Name         string
	Quantity     int
	UnitPrice    int64
	Attributes   map[string]string
	CustomFields map[string]string
}

// AddLine appends the line or, when a line with the same identity key
// already exists, merges quantities into it.
func (s *SessionService) AddLine(ctx context.Context, id string, input LineInput) (domain.CheckoutSession, error) {
	if strings.TrimSpace(input.ProductID) == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: product id is required", ErrSessionInvalidInput)
	}
	if input.Quantity <= 0 {
		return domain.CheckoutSession{}, fmt.Errorf("%w: quantity must be positive", ErrSessionInvalidInput)
	}
	if input.UnitPrice < 0 {
		return domain.CheckoutSession{}, fmt.Errorf("%w: unit price cannot be negative", ErrSessionInvalidInput)
	}

	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		key := lineKey(input.ProductID, input.Attributes, input.CustomFields)
		for i := range session.Lines {
			if session.Lines[i].Key == key {
				session.Lines[i].Quantity += input.Quantity
				return nil
			}
		}
		session.Lines = append(session.Lines, domain.CartLine{
			Key:          key,
			ProductID:    strings.TrimSpace(input.ProductID),
			SKU:          strings.TrimSpace(input.SKU),
			Name:         strings.TrimSpace(input.Name),
			Quantity:     input.Quantity,
			UnitPrice:    input.UnitPrice,
			Attributes:   cloneStringMap(input.Attributes),
			CustomFields: cloneStringMap(input.CustomFields),
		})
		return nil
	})
}

// UpdateLineQuantity sets the quantity of an existing line.
func (s *SessionService) UpdateLineQuantity(ctx context.Context, id, key string, quantity int) (domain.CheckoutSession, error) {
	if quantity <= 0 {
		return domain.CheckoutSession{}, fmt.Errorf("%w: quantity must be positive", ErrSessionInvalidInput)
	}
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		for i := range session.Lines {
			if session.Lines[i].Key == key {
				session.Lines[i].Quantity = quantity
				return nil
			}
		}
		return fmt.Errorf("%w: unknown line %s", ErrSessionInvalidInput, key)
	})
}

// RemoveLine deletes the line with the given key.
func (s *SessionService) RemoveLine(ctx context.Context, id, key string) (domain.CheckoutSession, error) {
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		for i := range session.Lines {
			if session.Lines[i].Key == key {
				session.Lines = append(session.Lines[:i], session.Lines[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: unknown line %s", ErrSessionInvalidInput, key)
	})
}

// SetAddresses stores the billing and shipping addresses. A nil shipping
// address mirrors billing.
func (s *SessionService) SetAddresses(ctx context.Context, id string, billing, shipping *domain.Address) (domain.CheckoutSession, error) {
	if billing == nil {
		return domain.CheckoutSession{}, fmt.Errorf("%w: billing address is required", ErrSessionInvalidInput)
	}
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		b := *billing
		session.Billing = &b
		if shipping != nil {
			sh := *shipping
			session.Shipping = &sh
		} else {
			sh := b
			session.Shipping = &sh
		}
		return nil
	})
}

// SetShippingMethod selects the delivery method. The cost is resolved from
// the rate table for the current subtotal and re-resolved on every
// recomputation.
func (s *SessionService) SetShippingMethod(ctx context.Context, id string, method domain.ShippingMethod) (domain.CheckoutSession, error) {
	switch method {
	case domain.ShippingFlatRate, domain.ShippingFree, domain.ShippingLocalPickup:
	default:
		return domain.CheckoutSession{}, fmt.Errorf("%w: unknown shipping method %q", ErrSessionInvalidInput, method)
	}
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		session.ShippingSelection = &domain.ShippingSelection{Method: method}
		return nil
	})
}

// ApplyCouponResult carries the session plus the policy verdict. A rejected
// coupon is a normal outcome, not an error; the snapshot is not attached.
type ApplyCouponResult struct {
	Session domain.CheckoutSession
	Applied bool
	Reason  CouponRejectReason
}

// ApplyCoupon fetches the coupon from the backend, validates it against the
// current subtotal and clock, and attaches the snapshot when eligible.
func (s *SessionService) ApplyCoupon(ctx context.Context, id, code string) (ApplyCouponResult, error) {
	normalized := normalizeCouponCode(code)
	if normalized == "" {
		return ApplyCouponResult{}, fmt.Errorf("%w: coupon code is required", ErrSessionInvalidInput)
	}
	if s.coupons == nil {
		return ApplyCouponResult{}, errors.New("session service: coupon source not configured")
	}

	coupon, err := s.coupons.CouponByCode(ctx, normalized)
	if err != nil {
		if gateways.IsNotFound(err) {
			return ApplyCouponResult{}, fmt.Errorf("%w: %s", ErrCouponNotFound, normalized)
		}
		return ApplyCouponResult{}, err
	}

	var rejection CouponRejectReason
	session, err := s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		subtotal, subErr := linesSubtotal(session.Lines)
		if subErr != nil {
			return subErr
		}
		verdict := s.policy.Validate(coupon, subtotal, s.clock())
		if !verdict.OK {
			rejection = verdict.Reason
			return nil
		}
		snapshot := coupon
		session.Coupon = &snapshot
		return nil
	})
	if err != nil {
		return ApplyCouponResult{}, err
	}
	if rejection != "" {
		s.logger(ctx, "checkout_coupon_rejected", map[string]any{"sessionId": id, "code": normalized, "reason": string(rejection)})
		return ApplyCouponResult{Session: session, Reason: rejection}, nil
	}
	s.logger(ctx, "checkout_coupon_applied", map[string]any{"sessionId": id, "code": normalized})
	return ApplyCouponResult{Session: session, Applied: true}, nil
}

// RemoveCoupon detaches the coupon snapshot. The shipping tier is restored
// for the undiscounted subtotal by the recomputation that follows.
func (s *SessionService) RemoveCoupon(ctx context.Context, id string) (domain.CheckoutSession, error) {
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		session.Coupon = nil
		return nil
	})
}

// SetPaymentMethod records the visitor's payment method choice.
func (s *SessionService) SetPaymentMethod(ctx context.Context, id, method string) (domain.CheckoutSession, error) {
	trimmed := strings.TrimSpace(method)
	if trimmed == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: payment method is required", ErrSessionInvalidInput)
	}
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		session.PaymentMethod = trimmed
		return nil
	})
}

// SetCustomerNote stores the free-form order note.
func (s *SessionService) SetCustomerNote(ctx context.Context, id, note string) (domain.CheckoutSession, error) {
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		session.CustomerNote = strings.TrimSpace(note)
		return nil
	})
}

// SetTaxAmount stores the externally supplied tax scalar for the session.
func (s *SessionService) SetTaxAmount(ctx context.Context, id string, amount int64) (domain.CheckoutSession, error) {
	if amount < 0 {
		return domain.CheckoutSession{}, fmt.Errorf("%w: tax cannot be negative", ErrSessionInvalidInput)
	}
	return s.mutate(ctx, id, func(session *domain.CheckoutSession) error {
		session.TaxAmount = amount
		return nil
	})
}

// ValidationIssue names a field the checkout validation found incomplete.
type ValidationIssue struct {
	Field   string
	Message string
}

// Validate runs the checkout readiness checks and, when they pass, moves the
// session to validated and locks the cart. Validation is re-entrant; a
// failing run leaves the session in draft with the issues returned.
func (s *SessionService) Validate(ctx context.Context, id string) (domain.CheckoutSession, []ValidationIssue, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, nil, err
	}
	if session.State != domain.SessionDraft && session.State != domain.SessionValidated {
		return domain.CheckoutSession{}, nil, fmt.Errorf("%w: cannot validate in state %s", ErrSessionStateConflict, session.State)
	}

	issues := validateSession(session)
	if len(issues) > 0 {
		return session, issues, nil
	}

	session.State = domain.SessionValidated
	session.OrderValidated = true
	session.UpdatedAt = s.clock()
	saved, err := s.save(ctx, session)
	if err != nil {
		return domain.CheckoutSession{}, nil, err
	}
	s.logger(ctx, "checkout_session_validated", map[string]any{"sessionId": saved.ID, "total": saved.Totals.Total})
	return saved, nil, nil
}

// Retry returns a failed session to validated so the submission can run
// again without re-collecting addresses. The token must match the one
// recorded at failure time.
func (s *SessionService) Retry(ctx context.Context, id, token string) (domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if session.State != domain.SessionFailed {
		return domain.CheckoutSession{}, fmt.Errorf("%w: retry requires a failed session, got %s", ErrSessionStateConflict, session.State)
	}
	if session.RetryToken != "" && token != session.RetryToken {
		return domain.CheckoutSession{}, fmt.Errorf("%w: retry token mismatch", ErrSessionStateConflict)
	}

	session.State = domain.SessionValidated
	session.FailedStage = ""
	session.FailureReason = ""
	session.RetryToken = ""
	session.UpdatedAt = s.clock()
	saved, err := s.save(ctx, session)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	s.logger(ctx, "checkout_session_retry", map[string]any{"sessionId": saved.ID})
	return saved, nil
}

// Abandon marks the session abandoned. After order submission the request is
// advisory only: the order stands and the session state is left untouched.
func (s *SessionService) Abandon(ctx context.Context, id string) (domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	switch session.State {
	case domain.SessionOrderSubmitted, domain.SessionCompleted:
		s.logger(ctx, "checkout_abandon_advisory", map[string]any{"sessionId": session.ID, "state": string(session.State)})
		return session, nil
	case domain.SessionAbandoned:
		return session, nil
	}
	if !canTransitionSession(session.State, domain.SessionAbandoned) {
		return domain.CheckoutSession{}, fmt.Errorf("%w: cannot abandon in state %s", ErrSessionStateConflict, session.State)
	}
	session.State = domain.SessionAbandoned
	session.UpdatedAt = s.clock()
	return s.save(ctx, session)
}

// Transition moves the session along the lifecycle, applying extra updates
// inside the same save. Used by the checkout flow stages.
func (s *SessionService) Transition(ctx context.Context, id string, to domain.SessionState, apply func(*domain.CheckoutSession)) (domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if !canTransitionSession(session.State, to) {
		return domain.CheckoutSession{}, fmt.Errorf("%w: %s -> %s", ErrSessionStateConflict, session.State, to)
	}
	session.State = to
	if apply != nil {
		apply(&session)
	}
	session.UpdatedAt = s.clock()
	return s.save(ctx, session)
}

// NewRetryToken mints the token recorded on a failed session.
func (s *SessionService) NewRetryToken() string {
	return "rt_" + ulid.Make().String()
}

func (s *SessionService) mutate(ctx context.Context, id string, fn func(*domain.CheckoutSession) error) (domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if session.State != domain.SessionDraft {
		return domain.CheckoutSession{}, fmt.Errorf("%w: session is %s", ErrSessionLocked, session.State)
	}
	if err := fn(&session); err != nil {
		return domain.CheckoutSession{}, err
	}
	session.UpdatedAt = s.clock()
	return s.save(ctx, session)
}

// save persists the session and re-derives totals on the stored value.
func (s *SessionService) save(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	if err := s.refreshDerived(ctx, &session); err != nil {
		return domain.CheckoutSession{}, err
	}
	saved, err := s.sessions.Save(ctx, session)
	if err != nil {
		return domain.CheckoutSession{}, s.mapRepositoryError(err)
	}
	if err := s.hydrate(ctx, &saved); err != nil {
		return domain.CheckoutSession{}, err
	}
	return saved, nil
}

func (s *SessionService) load(ctx context.Context, id string) (domain.CheckoutSession, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: session id is required", ErrSessionInvalidInput)
	}
	session, err := s.sessions.Get(ctx, trimmed)
	if err != nil {
		return domain.CheckoutSession{}, s.mapRepositoryError(err)
	}
	if err := s.hydrate(ctx, &session); err != nil {
		return domain.CheckoutSession{}, err
	}
	return session, nil
}

// refreshDerived re-resolves the shipping tier for the current subtotal.
// Runs before every save so a removed coupon immediately restores the tier.
func (s *SessionService) refreshDerived(ctx context.Context, session *domain.CheckoutSession) error {
	if session.ShippingSelection == nil {
		return nil
	}
	subtotal, err := linesSubtotal(session.Lines)
	if err != nil {
		return err
	}
	session.ShippingSelection.Cost = s.rates.Resolve(session.ShippingSelection.Method, subtotal)
	return nil
}

// hydrate revalidates the coupon snapshot and re-derives totals. Totals are
// never read from storage.
func (s *SessionService) hydrate(ctx context.Context, session *domain.CheckoutSession) error {
	if err := s.refreshDerived(ctx, session); err != nil {
		return err
	}
	couponValid := false
	if session.Coupon != nil {
		subtotal, err := linesSubtotal(session.Lines)
		if err != nil {
			return err
		}
		verdict := s.policy.Validate(*session.Coupon, subtotal, s.clock())
		couponValid = verdict.OK
		if !verdict.OK {
			s.logger(ctx, "checkout_coupon_invalidated", map[string]any{
				"sessionId": session.ID,
				"code":      session.Coupon.Code,
				"reason":    string(verdict.Reason),
			})
		}
	}
	totals, err := s.engine.Compute(ctx, TotalsInput{
		Currency:    session.Currency,
		Lines:       session.Lines,
		Coupon:      session.Coupon,
		CouponValid: couponValid,
		Shipping:    session.ShippingSelection,
		Tax:         session.TaxAmount,
	})
	if err != nil {
		return err
	}
	session.Totals = totals
	session.Hydrated = true
	return nil
}

func (s *SessionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrSessionStateConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
		}
	}
	return err
}

func validateSession(session domain.CheckoutSession) []ValidationIssue {
	var issues []ValidationIssue
	if len(session.Lines) == 0 {
		issues = append(issues, ValidationIssue{Field: "lines", Message: "cart is empty"})
	}
	issues = append(issues, addressIssues("billing", session.Billing)...)
	issues = append(issues, addressIssues("shipping", session.Shipping)...)
	if session.Billing != nil && strings.TrimSpace(session.Billing.Email) == "" {
		issues = append(issues, ValidationIssue{Field: "billing.email", Message: "email is required"})
	}
	if session.ShippingSelection == nil {
		issues = append(issues, ValidationIssue{Field: "shipping_method", Message: "shipping method is required"})
	}
	if strings.TrimSpace(session.PaymentMethod) == "" {
		issues = append(issues, ValidationIssue{Field: "payment_method", Message: "payment method is required"})
	}
	return issues
}

func addressIssues(prefix string, addr *domain.Address) []ValidationIssue {
	if addr == nil {
		return []ValidationIssue{{Field: prefix, Message: "address is required"}}
	}
	var issues []ValidationIssue
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, ValidationIssue{Field: prefix + "." + field, Message: field + " is required"})
		}
	}
	require("first_name", addr.FirstName)
	require("last_name", addr.LastName)
	require("line1", addr.Line1)
	require("city", addr.City)
	require("postal_code", addr.PostalCode)
	require("country", addr.Country)
	return issues
}

// lineKey derives the identity key from the product id plus canonicalised
// attributes and custom fields.
func lineKey(productID string, attributes, customFields map[string]string) string {
	parts := []string{strings.TrimSpace(productID)}
	parts = append(parts, canonicalMap(attributes))
	parts = append(parts, canonicalMap(customFields))
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalMap(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, strings.TrimSpace(k)+"="+strings.TrimSpace(values[k]))
	}
	return strings.Join(pairs, "&")
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

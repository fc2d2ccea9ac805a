// Package memory provides in-memory repositories for tests and local
// development without a Firestore emulator.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidegate/storefront/internal/domain"
)

type notFoundError struct{ id string }

func (e *notFoundError) Error() string       { return fmt.Sprintf("memory: session %s not found", e.id) }
func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }

type conflictError struct{ id string }

func (e *conflictError) Error() string {
	return fmt.Sprintf("memory: session %s revision conflict", e.id)
}
func (e *conflictError) IsNotFound() bool    { return false }
func (e *conflictError) IsConflict() bool    { return true }
func (e *conflictError) IsUnavailable() bool { return false }

// SessionRepository keeps checkout sessions in a mutex-guarded map. Revisions
// mimic the stored document update time so optimistic concurrency behaves
// like the Firestore implementation.
type SessionRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.CheckoutSession
	now      func() time.Time
}

// NewSessionRepository constructs an empty in-memory repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[string]domain.CheckoutSession),
		now:      time.Now,
	}
}

// Create stores a new session.
func (r *SessionRepository) Create(_ context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return domain.CheckoutSession{}, &conflictError{id: session.ID}
	}
	session.Revision = r.now().UTC()
	r.sessions[session.ID] = cloneSession(session)
	return session, nil
}

// Get loads the session by id.
func (r *SessionRepository) Get(_ context.Context, id string) (domain.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[id]
	if !ok {
		return domain.CheckoutSession{}, &notFoundError{id: id}
	}
	return cloneSession(stored), nil
}

// Save overwrites the session, enforcing the revision precondition when the
// caller carries one.
func (r *SessionRepository) Save(_ context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[session.ID]
	if !ok {
		return domain.CheckoutSession{}, &notFoundError{id: session.ID}
	}
	if !session.Revision.IsZero() && !stored.Revision.Equal(session.Revision) {
		return domain.CheckoutSession{}, &conflictError{id: session.ID}
	}
	session.Revision = r.now().UTC()
	if session.Revision.Equal(stored.Revision) {
		session.Revision = stored.Revision.Add(time.Nanosecond)
	}
	r.sessions[session.ID] = cloneSession(session)
	return session, nil
}

// cloneSession deep-copies the session so callers never share slices or maps
// with the stored value. Derived totals are not stored.
func cloneSession(session domain.CheckoutSession) domain.CheckoutSession {
	out := session
	out.Totals = domain.Totals{}
	out.Hydrated = false
	if session.Lines != nil {
		out.Lines = make([]domain.CartLine, len(session.Lines))
		for i, line := range session.Lines {
			copied := line
			copied.Attributes = cloneMap(line.Attributes)
			copied.CustomFields = cloneMap(line.CustomFields)
			out.Lines[i] = copied
		}
	}
	if session.Billing != nil {
		b := *session.Billing
		out.Billing = &b
	}
	if session.Shipping != nil {
		s := *session.Shipping
		out.Shipping = &s
	}
	if session.ShippingSelection != nil {
		sel := *session.ShippingSelection
		out.ShippingSelection = &sel
	}
	if session.Coupon != nil {
		coupon := *session.Coupon
		if session.Coupon.ExpiresAt != nil {
			expires := *session.Coupon.ExpiresAt
			coupon.ExpiresAt = &expires
		}
		out.Coupon = &coupon
	}
	return out
}

func cloneMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

package repositories

import (
	"context"

	"github.com/tidegate/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CheckoutSessionRepository persists checkout session aggregates.
//
// Implementations store only the durable fields of the session: cart lines,
// addresses, shipping selection, coupon snapshot, payment method, note, state
// bookkeeping, and external references. Derived totals and transient flags
// are never written; callers re-derive them after every Get.
type CheckoutSessionRepository interface {
	// Create persists a new session and returns it with storage metadata set.
	Create(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error)
	// Get loads the session by ID. Totals are zero and Hydrated is false on
	// the returned value.
	Get(ctx context.Context, id string) (domain.CheckoutSession, error)
	// Save overwrites the session, honouring the Revision field as an
	// optimistic concurrency precondition when set.
	Save(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error)
}

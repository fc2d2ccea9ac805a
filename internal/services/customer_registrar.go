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

// ErrRegistrarInvalidInput signals a missing or malformed email.
var ErrRegistrarInvalidInput = errors.New("customer registrar: invalid input")

// CustomerDirectory is the backend surface for customer lookup and creation.
// The backend owns the email uniqueness constraint.
type CustomerDirectory interface {
	FindCustomerByEmail(ctx context.Context, email string) (domain.CustomerRef, error)
	CreateCustomer(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error)
}

// CustomerRegistrar upserts the checkout customer by email. Registration is
// idempotent: an existing record is returned unchanged, and a creation race
// resolves by re-reading the record the concurrent writer produced.
type CustomerRegistrar struct {
	directory CustomerDirectory
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// CustomerRegistrarDeps wires the registrar dependencies.
type CustomerRegistrarDeps struct {
	Directory CustomerDirectory
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// NewCustomerRegistrar validates dependencies and constructs the registrar.
func NewCustomerRegistrar(deps CustomerRegistrarDeps) (*CustomerRegistrar, error) {
	if deps.Directory == nil {
		return nil, errors.New("customer registrar: directory is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CustomerRegistrar{
		directory: deps.Directory,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Register returns the customer record for the email, creating it when
// absent. A conflict during creation means another writer won the race; the
// existing record is looked up and returned.
func (r *CustomerRegistrar) Register(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error) {
	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" {
		return domain.CustomerRef{}, fmt.Errorf("%w: email is required", ErrRegistrarInvalidInput)
	}
	profile.Email = email

	existing, err := r.directory.FindCustomerByEmail(ctx, email)
	if err == nil {
		r.logger(ctx, "customer_registrar_existing", map[string]any{"customerId": existing.ID})
		return existing, nil
	}
	if !gateways.IsNotFound(err) {
		return domain.CustomerRef{}, err
	}

	created, err := r.directory.CreateCustomer(ctx, profile)
	if err == nil {
		r.logger(ctx, "customer_registrar_created", map[string]any{"customerId": created.ID})
		return created, nil
	}
	if gateways.IsConflict(err) {
		// Lost the creation race; the record now exists.
		winner, lookupErr := r.directory.FindCustomerByEmail(ctx, email)
		if lookupErr != nil {
			return domain.CustomerRef{}, lookupErr
		}
		r.logger(ctx, "customer_registrar_race_resolved", map[string]any{"customerId": winner.ID})
		return winner, nil
	}
	return domain.CustomerRef{}, err
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
)

type stubCustomerDirectory struct {
	findFunc   func(ctx context.Context, email string) (domain.CustomerRef, error)
	createFunc func(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error)
}

func (s *stubCustomerDirectory) FindCustomerByEmail(ctx context.Context, email string) (domain.CustomerRef, error) {
	return s.findFunc(ctx, email)
}

func (s *stubCustomerDirectory) CreateCustomer(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error) {
	return s.createFunc(ctx, profile)
}

func notFound(op string) error {
	return &gateways.NotFoundError{Op: op, Err: errors.New("missing")}
}

func TestCustomerRegistrarReturnsExisting(t *testing.T) {
	directory := &stubCustomerDirectory{
		findFunc: func(_ context.Context, email string) (domain.CustomerRef, error) {
			if email != "ada@example.com" {
				t.Fatalf("expected lowercased email, got %s", email)
			}
			return domain.CustomerRef{ID: "cust-1", Email: email}, nil
		},
		createFunc: func(context.Context, domain.CustomerProfile) (domain.CustomerRef, error) {
			t.Fatal("create should not be called when the customer exists")
			return domain.CustomerRef{}, nil
		},
	}
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: directory})
	if err != nil {
		t.Fatalf("unexpected error creating registrar: %v", err)
	}

	ref, err := registrar.Register(context.Background(), domain.CustomerProfile{Email: " Ada@Example.com "})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.ID != "cust-1" {
		t.Fatalf("expected cust-1, got %s", ref.ID)
	}
}

func TestCustomerRegistrarCreatesWhenAbsent(t *testing.T) {
	var created domain.CustomerProfile
	directory := &stubCustomerDirectory{
		findFunc: func(context.Context, string) (domain.CustomerRef, error) {
			return domain.CustomerRef{}, notFound("commerce.findCustomer")
		},
		createFunc: func(_ context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error) {
			created = profile
			return domain.CustomerRef{ID: "cust-2", Email: profile.Email}, nil
		},
	}
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: directory})
	if err != nil {
		t.Fatalf("unexpected error creating registrar: %v", err)
	}

	ref, err := registrar.Register(context.Background(), domain.CustomerProfile{Email: "new@example.com", FirstName: "New"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.ID != "cust-2" {
		t.Fatalf("expected cust-2, got %s", ref.ID)
	}
	if created.Email != "new@example.com" || created.FirstName != "New" {
		t.Fatalf("unexpected create payload %+v", created)
	}
}

func TestCustomerRegistrarResolvesCreationRace(t *testing.T) {
	lookups := 0
	directory := &stubCustomerDirectory{
		findFunc: func(context.Context, string) (domain.CustomerRef, error) {
			lookups++
			if lookups == 1 {
				return domain.CustomerRef{}, notFound("commerce.findCustomer")
			}
			return domain.CustomerRef{ID: "cust-3"}, nil
		},
		createFunc: func(context.Context, domain.CustomerProfile) (domain.CustomerRef, error) {
			return domain.CustomerRef{}, &gateways.ConflictError{Op: "commerce.createCustomer", Err: errors.New("email exists")}
		},
	}
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: directory})
	if err != nil {
		t.Fatalf("unexpected error creating registrar: %v", err)
	}

	ref, err := registrar.Register(context.Background(), domain.CustomerProfile{Email: "race@example.com"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.ID != "cust-3" {
		t.Fatalf("expected race winner cust-3, got %s", ref.ID)
	}
	if lookups != 2 {
		t.Fatalf("expected 2 lookups, got %d", lookups)
	}
}

func TestCustomerRegistrarRequiresEmail(t *testing.T) {
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: &stubCustomerDirectory{}})
	if err != nil {
		t.Fatalf("unexpected error creating registrar: %v", err)
	}
	if _, err := registrar.Register(context.Background(), domain.CustomerProfile{}); !errors.Is(err, ErrRegistrarInvalidInput) {
		t.Fatalf("expected ErrRegistrarInvalidInput, got %v", err)
	}
}

func TestCustomerRegistrarSurfacesLookupErrors(t *testing.T) {
	boom := &gateways.TransientError{Op: "commerce.findCustomer", Err: errors.New("timeout")}
	directory := &stubCustomerDirectory{
		findFunc: func(context.Context, string) (domain.CustomerRef, error) {
			return domain.CustomerRef{}, boom
		},
	}
	registrar, err := NewCustomerRegistrar(CustomerRegistrarDeps{Directory: directory})
	if err != nil {
		t.Fatalf("unexpected error creating registrar: %v", err)
	}
	if _, err := registrar.Register(context.Background(), domain.CustomerProfile{Email: "x@example.com"}); !gateways.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

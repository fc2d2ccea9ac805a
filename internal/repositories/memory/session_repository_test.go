package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/repositories"
)

func repoError(t *testing.T, err error) repositories.RepositoryError {
	t.Helper()
	repoErr, ok := err.(repositories.RepositoryError)
	if !ok {
		t.Fatalf("expected repository error, got %T: %v", err, err)
	}
	return repoErr
}

func sampleSession(id string) domain.CheckoutSession {
	billing := domain.Address{FirstName: "Ada", Line1: "12 Analytical Way", City: "London", Country: "GB"}
	return domain.CheckoutSession{
		ID:       id,
		State:    domain.SessionDraft,
		Currency: "USD",
		Lines: []domain.CartLine{
			{Key: "line-1", ProductID: "prod-1", Quantity: 1, UnitPrice: 4000, Attributes: map[string]string{"size": "M"}},
		},
		Billing: &billing,
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()

	if _, err := repo.Create(ctx, sampleSession("cs_1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := repo.Create(ctx, sampleSession("cs_1"))
	if err == nil || !repoError(t, err).IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	repo := NewSessionRepository()

	_, err := repo.Get(context.Background(), "cs_missing")
	if err == nil || !repoError(t, err).IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveEnforcesRevision(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleSession("cs_1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := repo.Save(ctx, created)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !first.Revision.After(created.Revision) {
		t.Fatalf("expected revision to advance, got %v -> %v", created.Revision, first.Revision)
	}

	// A writer still holding the old revision loses.
	stale := created
	stale.CustomerNote = "stale write"
	_, err = repo.Save(ctx, stale)
	if err == nil || !repoError(t, err).IsConflict() {
		t.Fatalf("expected revision conflict, got %v", err)
	}
}

func TestSaveUnknownSession(t *testing.T) {
	repo := NewSessionRepository()

	_, err := repo.Save(context.Background(), sampleSession("cs_missing"))
	if err == nil || !repoError(t, err).IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()

	if _, err := repo.Create(ctx, sampleSession("cs_1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := repo.Get(ctx, "cs_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loaded.Lines[0].Attributes["size"] = "XL"
	loaded.Billing.City = "Paris"

	again, err := repo.Get(ctx, "cs_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Lines[0].Attributes["size"] != "M" {
		t.Fatalf("stored line attributes mutated: %+v", again.Lines[0].Attributes)
	}
	if again.Billing.City != "London" {
		t.Fatalf("stored billing mutated: %+v", again.Billing)
	}
}

func TestDerivedTotalsNotPersisted(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()

	session := sampleSession("cs_1")
	session.Totals = domain.Totals{Currency: "USD", Subtotal: 4000, Total: 5500}
	session.Hydrated = true
	if _, err := repo.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := repo.Get(ctx, "cs_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Hydrated {
		t.Fatal("expected hydrated flag cleared on load")
	}
	if loaded.Totals != (domain.Totals{}) {
		t.Fatalf("expected empty totals, got %+v", loaded.Totals)
	}
}

func TestSaveBumpsEqualRevision(t *testing.T) {
	repo := NewSessionRepository()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleSession("cs_1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	saved, err := repo.Save(ctx, created)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !saved.Revision.After(created.Revision) {
		t.Fatalf("expected revision bump under a frozen clock, got %v -> %v", created.Revision, saved.Revision)
	}
}

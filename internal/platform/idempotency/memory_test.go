package idempotency

import (
	"context"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReserveNewKey(t *testing.T) {
	store := NewMemoryStore()

	reservation, err := store.Reserve(context.Background(), "cs_1", testNow, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", reservation.State)
	}
	if reservation.Record.Status != StatusPending {
		t.Fatalf("expected pending record, got %v", reservation.Record.Status)
	}
	if !reservation.Record.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", reservation.Record.ExpiresAt)
	}
}

func TestReserveHeldKeyReportsPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "cs_1", testNow, time.Hour); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	reservation, err := store.Reserve(ctx, "cs_1", testNow.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if reservation.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", reservation.State)
	}
}

func TestReserveReplaysCompletedRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "cs_1", testNow, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "cs_1", "1001", "ORD-1001", testNow, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reservation, err := store.Reserve(ctx, "cs_1", testNow.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("reserve after complete: %v", err)
	}
	if reservation.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v", reservation.State)
	}
	if reservation.Record.OrderID != "1001" || reservation.Record.OrderNumber != "ORD-1001" {
		t.Fatalf("unexpected record %+v", reservation.Record)
	}
}

func TestReserveTakesOverExpiredRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "cs_1", testNow, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reservation, err := store.Reserve(ctx, "cs_1", testNow.Add(2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("expected expired record taken over as new, got %v", reservation.State)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "cs_1", testNow, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, "cs_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	reservation, err := store.Reserve(ctx, "cs_1", testNow.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("expected new reservation after release, got %v", reservation.State)
	}
}

func TestReserveDefaultsTTL(t *testing.T) {
	store := NewMemoryStore()

	reservation, err := store.Reserve(context.Background(), "cs_1", testNow, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reservation.Record.ExpiresAt.Equal(testNow.Add(DefaultTTL)) {
		t.Fatalf("expected default ttl expiry, got %v", reservation.Record.ExpiresAt)
	}
}

func TestCleanupExpiredHonorsLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"cs_1", "cs_2", "cs_3"} {
		if _, err := store.Reserve(ctx, key, testNow, time.Hour); err != nil {
			t.Fatalf("reserve %s: %v", key, err)
		}
	}
	if _, err := store.Reserve(ctx, "cs_live", testNow, 48*time.Hour); err != nil {
		t.Fatalf("reserve cs_live: %v", err)
	}

	later := testNow.Add(2 * time.Hour)
	removed, err := store.CleanupExpired(ctx, later, 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}

	removed, err = store.CleanupExpired(ctx, later, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 remaining expired record, got %d", removed)
	}

	reservation, err := store.Reserve(ctx, "cs_live", later, time.Hour)
	if err != nil {
		t.Fatalf("reserve cs_live: %v", err)
	}
	if reservation.State != ReservationStatePending {
		t.Fatalf("expected live record untouched, got %v", reservation.State)
	}
}

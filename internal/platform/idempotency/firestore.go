package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/tidegate/storefront/internal/platform/firestore"
)

const submissionCollection = "order_submissions"

type submissionDocument struct {
	Status      string    `firestore:"status"`
	OrderID     string    `firestore:"orderId,omitempty"`
	OrderNumber string    `firestore:"orderNumber,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

// FirestoreStore persists submission records in Firestore, keyed by session id.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

// NewFirestoreStore constructs a Firestore-backed submission store.
func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{provider: provider}, nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(submissionCollection).Doc(key), nil
}

// Reserve implements the Store interface. The initial write uses Create so a
// concurrent submission loses with AlreadyExists and observes the winner.
func (s *FirestoreStore) Reserve(ctx context.Context, key string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	doc, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	fresh := submissionDocument{
		Status:    string(StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := doc.Create(ctx, fresh); err == nil {
		return Reservation{State: ReservationStateNew, Record: recordFromDocument(key, fresh)}, nil
	} else if status.Code(err) != codes.AlreadyExists {
		return Reservation{}, pfirestore.WrapError("order_submissions.reserve", err)
	}

	snap, err := doc.Get(ctx)
	if err != nil {
		return Reservation{}, pfirestore.WrapError("order_submissions.reserve", err)
	}
	var existing submissionDocument
	if err := snap.DataTo(&existing); err != nil {
		return Reservation{}, err
	}

	// Expired reservations are taken over.
	if !existing.ExpiresAt.IsZero() && !now.Before(existing.ExpiresAt) {
		if _, err := doc.Set(ctx, fresh); err != nil {
			return Reservation{}, pfirestore.WrapError("order_submissions.reserve", err)
		}
		return Reservation{State: ReservationStateNew, Record: recordFromDocument(key, fresh)}, nil
	}

	record := recordFromDocument(key, existing)
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// Complete implements the Store interface.
func (s *FirestoreStore) Complete(ctx context.Context, key, orderID, orderNumber string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	doc, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = doc.Set(ctx, map[string]any{
		"status":      string(StatusCompleted),
		"orderId":     orderID,
		"orderNumber": orderNumber,
		"updatedAt":   now,
		"expiresAt":   now.Add(ttl),
	}, firestore.MergeAll)
	return pfirestore.WrapError("order_submissions.complete", err)
}

// Release implements the Store interface.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	doc, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := doc.Delete(ctx); err != nil {
		return pfirestore.WrapError("order_submissions.release", err)
	}
	return nil
}

// CleanupExpired implements the Store interface.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}

	iter := client.Collection(submissionCollection).
		Where("expiresAt", "<=", now).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, pfirestore.WrapError("order_submissions.cleanup", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, pfirestore.WrapError("order_submissions.cleanup", err)
		}
		removed++
	}
	return removed, nil
}

func recordFromDocument(key string, doc submissionDocument) Record {
	return Record{
		Key:         key,
		Status:      Status(doc.Status),
		OrderID:     doc.OrderID,
		OrderNumber: doc.OrderNumber,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		ExpiresAt:   doc.ExpiresAt,
	}
}

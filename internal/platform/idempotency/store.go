// Package idempotency guards order submission against duplicates. A record is
// reserved under the session id before the backend call and completed with
// the resulting order reference, so a crashed submit can never double-order.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the default retention for submission records.
const DefaultTTL = 24 * time.Hour

// Status represents the lifecycle state of a submission record.
type Status string

const (
	// StatusPending indicates a submission has reserved the key but not yet recorded an order.
	StatusPending Status = "pending"
	// StatusCompleted indicates the order reference has been stored and can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a key.
type ReservationState int

const (
	// ReservationStateNew means no existing reservation was found and the caller may submit.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means an order was already recorded and should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another submission is currently in flight for this key.
	ReservationStatePending
)

// Record captures the persisted submission outcome for a session.
type Record struct {
	Key         string
	Status      Status
	OrderID     string
	OrderNumber string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Reservation encapsulates the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Store persists submission reservations and outcomes.
type Store interface {
	Reserve(ctx context.Context, key string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, orderID, orderNumber string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrUnknownKey is returned when completing a key that was never reserved.
var ErrUnknownKey = errors.New("idempotency: unknown key")

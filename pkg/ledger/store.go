package ledger

import (
	"context"
	"time"
)

// AccountStore persists accounts with versioned conditional updates.
type AccountStore interface {
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	FindAccountByCustomerID(ctx context.Context, customerID string) (Account, error)
	// CreateAccount inserts the account with version 1 or fails with ErrAccountExists.
	// The entries are recorded in the same write.
	CreateAccount(ctx context.Context, account Account, entries ...Entry) (Account, error)
	// UpdateAccount writes the account only while the stored version equals the expected one,
	// returning ErrVersionConflict otherwise. The stored version is incremented on success.
	UpdateAccount(ctx context.Context, update AccountUpdate) (Account, error)
	// ListEntries returns the user's entries created before the cutoff, newest first.
	ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error)
}

// EventStore claims provider events exactly once and keeps an audit trail of their outcomes.
type EventStore interface {
	ReserveEvent(ctx context.Context, event ProcessedEvent) (ReserveResult, error)
	RecordOutcome(ctx context.Context, outcome EventOutcome) error
	// GetOutcome returns the recorded outcome or ErrOutcomeNotFound.
	GetOutcome(ctx context.Context, eventID string) (EventOutcome, error)
	// ListUnreconciled returns events claimed before the cutoff that have no outcome or a failed one.
	ListUnreconciled(ctx context.Context, before time.Time, limit int) ([]ProcessedEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// ReservationStore keeps metered reservations for auditing.
type ReservationStore interface {
	CreateReservation(ctx context.Context, reservation Reservation) error
	// SettleReservation moves a held reservation to committed or released.
	SettleReservation(ctx context.Context, reservationID string, state ReservationState, settledAt time.Time) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
}

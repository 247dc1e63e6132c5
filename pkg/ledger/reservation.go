package ledger

import (
	"fmt"
	"strings"
	"time"
)

// ReservationState tracks a metered charge from debit to settlement.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// ParseReservationState validates a stored reservation state.
func ParseReservationState(raw string) (ReservationState, error) {
	state := ReservationState(strings.TrimSpace(raw))
	switch state {
	case ReservationHeld, ReservationCommitted, ReservationReleased:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationState, raw)
	}
}

// Reservation is the record of coins debited ahead of a metered call.
type Reservation struct {
	ReservationID string
	UserID        UserID
	Amount        Coins
	Endpoint      string
	State         ReservationState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanSettle reports whether a held reservation may move to the target state.
func (reservation Reservation) CanSettle(target ReservationState) bool {
	return reservation.State == ReservationHeld && (target == ReservationCommitted || target == ReservationReleased)
}

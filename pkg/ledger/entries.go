package ledger

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultEntryListLimit is used when a caller asks for entries without a limit.
	DefaultEntryListLimit = 50
	// MaxEntryListLimit caps a single page of entries.
	MaxEntryListLimit = 500
)

// EntryType classifies a balance change.
type EntryType string

const (
	EntrySignupBonus EntryType = "signup_bonus"
	EntryPurchase    EntryType = "purchase"
	EntryRenewal     EntryType = "subscription_renewal"
	EntryCredit      EntryType = "credit"
	EntryDebit       EntryType = "debit"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	entryType := EntryType(strings.TrimSpace(raw))
	switch entryType {
	case EntrySignupBonus, EntryPurchase, EntryRenewal, EntryCredit, EntryDebit:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is one immutable line of a user's coin history. EntryID is the mutation id of the
// account write that produced it; Amount is signed.
type Entry struct {
	EntryID      string
	UserID       UserID
	Type         EntryType
	Amount       int64
	BalanceAfter Coins
	Reason       string
	CreatedAt    time.Time
}

// NewEntry validates an entry read back from a store.
func NewEntry(entryID string, userID UserID, entryType EntryType, amount int64, balanceAfter Coins, reason string, createdAt time.Time) (Entry, error) {
	trimmedID := strings.TrimSpace(entryID)
	if trimmedID == "" {
		return Entry{}, fmt.Errorf("%w: empty entry id", ErrInvalidEntry)
	}
	if userID.IsZero() {
		return Entry{}, fmt.Errorf("%w: empty user id", ErrInvalidEntry)
	}
	if amount == 0 {
		return Entry{}, fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	}
	if balanceAfter < 0 {
		return Entry{}, fmt.Errorf("%w: negative balance", ErrInvalidEntry)
	}
	return Entry{
		EntryID:      trimmedID,
		UserID:       userID,
		Type:         entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

// NormalizeEntryLimit clamps a requested page size.
func NormalizeEntryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEntryListLimit
	case limit > MaxEntryListLimit:
		return MaxEntryListLimit
	default:
		return limit
	}
}

package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// UserID identifies the owner of an account.
type UserID struct {
	value string
}

// NewUserID validates and constructs a user identifier.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

func (userID UserID) String() string {
	return userID.value
}

// IsZero reports whether the identifier was never set.
func (userID UserID) IsZero() bool {
	return userID.value == ""
}

// Coins is an integer count of coins. Balances are non-negative, amounts are positive.
type Coins int64

// NewCoins validates a positive amount of coins used for credits and debits.
func NewCoins(raw int64) (Coins, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoins)
	}
	return Coins(raw), nil
}

// NewBalance validates a stored balance.
func NewBalance(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidBalance)
	}
	return Coins(raw), nil
}

// Int64 returns the raw count.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

func addCoins(balance Coins, amount Coins) (Coins, error) {
	if amount > 0 && balance > Coins(math.MaxInt64)-amount {
		return 0, ErrBalanceOverflow
	}
	return balance + amount, nil
}

// SubscriptionState is the lifecycle state of an account's subscription.
type SubscriptionState string

const (
	SubscriptionInactive SubscriptionState = "inactive"
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionPastDue  SubscriptionState = "past_due"
	SubscriptionCanceled SubscriptionState = "canceled"
)

// ParseSubscriptionState validates a stored or configured state.
func ParseSubscriptionState(raw string) (SubscriptionState, error) {
	state := SubscriptionState(strings.TrimSpace(raw))
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionState, raw)
	}
	return state, nil
}

// Valid reports whether the state is one of the known lifecycle states.
func (state SubscriptionState) Valid() bool {
	switch state {
	case SubscriptionInactive, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return true
	default:
		return false
	}
}

func (state SubscriptionState) String() string {
	return string(state)
}

// Account is the durable per-user record mutated by the ledger.
type Account struct {
	UserID                 UserID
	CoinBalance            Coins
	SubscriptionState      SubscriptionState
	ActivePlanID           string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	Version                int64
	LastMutationID         string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AccountUpdate is a conditional write: it applies only while the stored version equals ExpectedVersion.
// Entry, when set, is recorded in the same write.
type AccountUpdate struct {
	Account         Account
	ExpectedVersion int64
	Entry           *Entry
}

// SubscriptionChange describes a requested subscription transition and the identifiers it carries.
type SubscriptionChange struct {
	State          SubscriptionState
	PlanID         string
	CustomerID     string
	SubscriptionID string
}

// Package memstore keeps accounts, event claims and reservations in process memory.
// It backs the memory:// database URL and tests; data does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	operationStore = "store"

	subjectAccount     = "account"
	subjectEvent       = "event"
	subjectOutcome     = "outcome"
	subjectReservation = "reservation"

	codeCreate = "create"
	codeUpdate = "update"
	codeLookup = "lookup"
	codeSettle = "settle"
)

// Store implements the ledger store contracts over maps guarded by a single mutex.
type Store struct {
	mutex        sync.Mutex
	accounts     map[string]ledger.Account
	customers    map[string]string
	events       map[string]ledger.ProcessedEvent
	outcomes     map[string]ledger.EventOutcome
	reservations map[string]ledger.Reservation
	entries      map[string][]ledger.Entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]ledger.Account),
		customers:    make(map[string]string),
		events:       make(map[string]ledger.ProcessedEvent),
		outcomes:     make(map[string]ledger.EventOutcome),
		reservations: make(map[string]ledger.Reservation),
		entries:      make(map[string][]ledger.Entry),
	}
}

// GetAccount returns the stored account.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ledger.Account{}, ledger.WrapError(operationStore, subjectAccount, codeLookup, ledger.ErrAccountNotFound)
	}
	return account, nil
}

// FindAccountByCustomerID returns the account linked to a provider customer.
func (store *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.customers[strings.TrimSpace(customerID)]
	if !ok {
		return ledger.Account{}, ledger.WrapError(operationStore, subjectAccount, codeLookup, ledger.ErrAccountNotFound)
	}
	return store.accounts[userID], nil
}

// CreateAccount inserts a new account at version 1 together with its opening entries.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, entries ...ledger.Entry) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := account.UserID.String()
	if _, exists := store.accounts[key]; exists {
		return ledger.Account{}, ledger.WrapError(operationStore, subjectAccount, codeCreate, ledger.ErrAccountExists)
	}
	account.Version = 1
	store.accounts[key] = account
	store.indexCustomer(account)
	store.entries[key] = append(store.entries[key], entries...)
	return account, nil
}

// UpdateAccount replaces the account when the stored version matches.
func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := update.Account.UserID.String()
	current, ok := store.accounts[key]
	if !ok {
		return ledger.Account{}, ledger.WrapError(operationStore, subjectAccount, codeUpdate, ledger.ErrAccountNotFound)
	}
	if current.Version != update.ExpectedVersion {
		return ledger.Account{}, ledger.WrapError(operationStore, subjectAccount, codeUpdate, ledger.ErrVersionConflict)
	}
	next := update.Account
	next.Version = update.ExpectedVersion + 1
	next.CreatedAt = current.CreatedAt
	store.accounts[key] = next
	store.indexCustomer(next)
	if update.Entry != nil {
		store.entries[key] = append(store.entries[key], *update.Entry)
	}
	return next, nil
}

// ListEntries returns the user's entries created before the cutoff, newest first.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	limit = ledger.NormalizeEntryLimit(limit)
	history := store.entries[userID.String()]
	entries := make([]ledger.Entry, 0, min(limit, len(history)))
	for index := len(history) - 1; index >= 0 && len(entries) < limit; index-- {
		if history[index].CreatedAt.Before(before) {
			entries = append(entries, history[index])
		}
	}
	return entries, nil
}

func (store *Store) indexCustomer(account ledger.Account) {
	if account.ExternalCustomerID != "" {
		store.customers[account.ExternalCustomerID] = account.UserID.String()
	}
}

// ReserveEvent claims the event id if nobody has.
func (store *Store) ReserveEvent(ctx context.Context, event ledger.ProcessedEvent) (ledger.ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.events[event.EventID]; exists {
		return ledger.ReserveResultAlreadyProcessed, nil
	}
	store.events[event.EventID] = event
	return ledger.ReserveResultReserved, nil
}

// RecordOutcome stores or replaces the outcome of a claimed event.
func (store *Store) RecordOutcome(ctx context.Context, outcome ledger.EventOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	details := make(map[string]string, len(outcome.Details))
	for key, value := range outcome.Details {
		details[key] = value
	}
	outcome.Details = details
	store.outcomes[outcome.EventID] = outcome
	return nil
}

// GetOutcome returns the recorded outcome of an event.
func (store *Store) GetOutcome(ctx context.Context, eventID string) (ledger.EventOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ledger.EventOutcome{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	outcome, ok := store.outcomes[eventID]
	if !ok {
		return ledger.EventOutcome{}, ledger.WrapError(operationStore, subjectOutcome, codeLookup, ledger.ErrOutcomeNotFound)
	}
	return outcome, nil
}

// ListUnreconciled returns claimed events with no outcome or a failed one, oldest first.
func (store *Store) ListUnreconciled(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var pending []ledger.ProcessedEvent
	for eventID, event := range store.events {
		if !event.ProcessedAt.Before(before) {
			continue
		}
		outcome, recorded := store.outcomes[eventID]
		if recorded && outcome.Status != ledger.OutcomeFailed {
			continue
		}
		pending = append(pending, event)
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].ProcessedAt.Before(pending[right].ProcessedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// PruneEvents removes claims and outcomes older than the cutoff.
func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var removed int64
	for eventID, event := range store.events {
		if event.ProcessedAt.Before(before) {
			delete(store.events, eventID)
			delete(store.outcomes, eventID)
			removed++
		}
	}
	return removed, nil
}

// CreateReservation records a held reservation.
func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.reservations[reservation.ReservationID]; exists {
		return ledger.WrapError(operationStore, subjectReservation, codeCreate, ledger.ErrInvalidReservationID)
	}
	store.reservations[reservation.ReservationID] = reservation
	return nil
}

// SettleReservation moves a held reservation to its final state.
func (store *Store) SettleReservation(ctx context.Context, reservationID string, state ledger.ReservationState, settledAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ledger.WrapError(operationStore, subjectReservation, codeSettle, ledger.ErrReservationNotFound)
	}
	if !reservation.CanSettle(state) {
		return ledger.WrapError(operationStore, subjectReservation, codeSettle, ledger.ErrReservationClosed)
	}
	reservation.State = state
	reservation.UpdatedAt = settledAt
	store.reservations[reservationID] = reservation
	return nil
}

// GetReservation returns a stored reservation.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ledger.Reservation{}, ledger.WrapError(operationStore, subjectReservation, codeLookup, ledger.ErrReservationNotFound)
	}
	return reservation, nil
}

// Ping reports the store as reachable.
func (store *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases nothing and exists for parity with the durable stores.
func (store *Store) Close() error {
	return nil
}

var (
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.EventStore       = (*Store)(nil)
	_ ledger.ReservationStore = (*Store)(nil)
)

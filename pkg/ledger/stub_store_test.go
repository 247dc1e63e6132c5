package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

type writeFault int

const (
	writeFaultNone writeFault = iota
	writeFaultApplyThenUnavailable
	writeFaultUnavailableWithoutApply
	writeFaultForeignWriteThenUnavailable
	writeFaultCommitAfterNextRead
	writeFaultApplyThenCancel
)

type stubStore struct {
	mutex              sync.Mutex
	accounts           map[string]Account
	customers          map[string]string
	getAccountError    error
	createAccountError error
	updateAccountError error
	conflictsRemaining int
	writeFaults        []writeFault
	updateCalls        int
	entries            []Entry
	pendingUpdate      *AccountUpdate
	cancelCaller       context.CancelFunc
}

func newStubStore(test *testing.T, accounts ...Account) *stubStore {
	test.Helper()
	store := &stubStore{
		accounts:  make(map[string]Account),
		customers: make(map[string]string),
	}
	for _, account := range accounts {
		if account.Version == 0 {
			account.Version = 1
		}
		if account.SubscriptionState == "" {
			account.SubscriptionState = SubscriptionInactive
		}
		store.accounts[account.UserID.String()] = account
		if account.ExternalCustomerID != "" {
			store.customers[account.ExternalCustomerID] = account.UserID.String()
		}
	}
	return store
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID.String()]
	if store.pendingUpdate != nil {
		store.commit(*store.pendingUpdate)
		store.pendingUpdate = nil
	}
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var entries []Entry
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		entry := store.entries[index]
		if entry.UserID == userID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (store *stubStore) FindAccountByCustomerID(ctx context.Context, customerID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.customers[customerID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return store.accounts[userID], nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account, entries ...Entry) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createAccountError != nil {
		return Account{}, store.createAccountError
	}
	if _, exists := store.accounts[account.UserID.String()]; exists {
		return Account{}, ErrAccountExists
	}
	account.Version = 1
	store.accounts[account.UserID.String()] = account
	store.entries = append(store.entries, entries...)
	return account, nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, update AccountUpdate) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.updateCalls++
	if store.updateAccountError != nil {
		return Account{}, store.updateAccountError
	}
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return Account{}, ErrVersionConflict
	}
	fault := writeFaultNone
	if len(store.writeFaults) > 0 {
		fault = store.writeFaults[0]
		store.writeFaults = store.writeFaults[1:]
	}
	key := update.Account.UserID.String()
	current, ok := store.accounts[key]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if current.Version != update.ExpectedVersion {
		return Account{}, ErrVersionConflict
	}
	switch fault {
	case writeFaultUnavailableWithoutApply:
		return Account{}, ErrStoreUnavailable
	case writeFaultForeignWriteThenUnavailable:
		current.Version++
		current.LastMutationID = "foreign-mutation"
		store.accounts[key] = current
		return Account{}, ErrStoreUnavailable
	case writeFaultCommitAfterNextRead:
		pending := update
		store.pendingUpdate = &pending
		return Account{}, ErrStoreUnavailable
	}
	next := store.commit(update)
	switch fault {
	case writeFaultApplyThenUnavailable:
		return Account{}, ErrStoreUnavailable
	case writeFaultApplyThenCancel:
		store.cancelCaller()
		return Account{}, ctx.Err()
	}
	return next, nil
}

func (store *stubStore) commit(update AccountUpdate) Account {
	key := update.Account.UserID.String()
	next := update.Account
	next.Version = update.ExpectedVersion + 1
	store.accounts[key] = next
	if next.ExternalCustomerID != "" {
		store.customers[next.ExternalCustomerID] = key
	}
	if update.Entry != nil {
		store.entries = append(store.entries, *update.Entry)
	}
	return next
}

func (store *stubStore) account(test *testing.T, userID UserID) Account {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		test.Fatalf("account %s missing", userID)
	}
	return account
}

var fastRetryPolicy = RetryPolicy{
	MaxAttempts:     500,
	InitialInterval: time.Microsecond,
	MaxInterval:     50 * time.Microsecond,
}

func fixedClock() time.Time {
	return time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
}

func mustNewService(test *testing.T, store AccountStore, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(fastRetryPolicy)}, options...)
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustAccount(test *testing.T, rawUserID string, balance Coins) Account {
	test.Helper()
	return Account{
		UserID:            mustUserID(test, rawUserID),
		CoinBalance:       balance,
		SubscriptionState: SubscriptionInactive,
		Version:           1,
	}
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	errorMismatchMessage = "expected %v, got %v"
	balanceMismatch      = "expected balance %d, got %d"
)

var errStoreFailure = errors.New("store error")

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		store AccountStore
		clock func() time.Time
	}{
		{name: "nil store", store: nil, clock: fixedClock},
		{name: "nil clock", store: newStubStore(test), clock: nil},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewService(testCase.store, testCase.clock)
			if !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
			}
		})
	}
}

func TestCreditAndDebitUpdateBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	account, err := service.Credit(context.Background(), userID, 5, "test")
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if account.CoinBalance != 15 || account.Version != 2 {
		test.Fatalf("unexpected account after credit: %+v", account)
	}
	account, err = service.Debit(context.Background(), userID, 15, "test")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if account.CoinBalance != 0 {
		test.Fatalf(balanceMismatch, 0, account.CoinBalance)
	}
	if account.LastMutationID == "" || !account.UpdatedAt.Equal(fixedClock()) {
		test.Fatalf("expected mutation metadata, got %+v", account)
	}
}

func TestMutationsRejectInvalidInput(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	testCases := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name: "credit zero",
			call: func() error {
				_, err := service.Credit(context.Background(), userID, 0, "test")
				return err
			},
			wantErr: ErrInvalidCoins,
		},
		{
			name: "debit negative",
			call: func() error {
				_, err := service.Debit(context.Background(), userID, -1, "test")
				return err
			},
			wantErr: ErrInvalidCoins,
		},
		{
			name: "credit missing account",
			call: func() error {
				_, err := service.Credit(context.Background(), mustUserID(test, "missing"), 1, "test")
				return err
			},
			wantErr: ErrAccountNotFound,
		},
		{
			name: "debit zero user",
			call: func() error {
				_, err := service.Debit(context.Background(), UserID{}, 1, "test")
				return err
			},
			wantErr: ErrInvalidUserID,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			if err := testCase.call(); !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
	if balance := store.account(test, userID).CoinBalance; balance != 10 {
		test.Fatalf(balanceMismatch, 10, balance)
	}
}

func TestDebitInsufficientBalanceLeavesBalanceUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 3))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	_, err := service.Debit(context.Background(), userID, 5, "test")
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientBalanceError, got %T", err)
	}
	if insufficient.Required != 5 || insufficient.Available != 3 {
		test.Fatalf("unexpected shortfall: %+v", insufficient)
	}
	account := store.account(test, userID)
	if account.CoinBalance != 3 || account.Version != 1 {
		test.Fatalf("expected untouched account, got %+v", account)
	}
}

func TestConcurrentDebitsAllowExactlyOneWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	amounts := []Coins{7, 5}
	errs := make([]error, len(amounts))
	var waitGroup sync.WaitGroup
	start := make(chan struct{})
	for index, amount := range amounts {
		waitGroup.Add(1)
		go func(index int, amount Coins) {
			defer waitGroup.Done()
			<-start
			_, errs[index] = service.Debit(context.Background(), userID, amount, "race")
		}(index, amount)
	}
	close(start)
	waitGroup.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientBalance):
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		test.Fatalf("expected exactly one successful debit, got %d", successes)
	}
	balance := store.account(test, userID).CoinBalance
	if balance != 3 && balance != 5 {
		test.Fatalf("expected balance 3 or 5, got %d", balance)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	const (
		startingBalance = 15
		debitCount      = 25
	)
	store := newStubStore(test, mustAccount(test, userIDValue, startingBalance))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for index := 0; index < debitCount; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Debit(context.Background(), userID, 1, "race")
			if err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != startingBalance {
		test.Fatalf("expected %d successful debits, got %d", startingBalance, succeeded)
	}
	if balance := store.account(test, userID).CoinBalance; balance != 0 {
		test.Fatalf(balanceMismatch, 0, balance)
	}
}

func TestMutationRetriesAfterVersionConflict(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	store.conflictsRemaining = 3
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, userIDValue)

	account, err := service.Credit(context.Background(), userID, 1, "retry")
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if account.CoinBalance != 11 {
		test.Fatalf(balanceMismatch, 11, account.CoinBalance)
	}
	entries := logger.snapshot()
	if len(entries) != 1 || entries[0].Attempts != 4 {
		test.Fatalf("expected one log entry with 4 attempts, got %+v", entries)
	}
}

func TestMutationGivesUpAfterRetryBudget(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	store.conflictsRemaining = 100
	service := mustNewService(test, store, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Microsecond}))
	userID := mustUserID(test, userIDValue)

	_, err := service.Credit(context.Background(), userID, 1, "retry")
	if !errors.Is(err, ErrConflictRetriesExhausted) {
		test.Fatalf(errorMismatchMessage, ErrConflictRetriesExhausted, err)
	}
	if !errors.Is(err, ErrVersionConflict) {
		test.Fatalf("expected wrapped version conflict, got %v", err)
	}
	if store.updateCalls != 3 {
		test.Fatalf("expected 3 update calls, got %d", store.updateCalls)
	}
	if balance := store.account(test, userID).CoinBalance; balance != 10 {
		test.Fatalf(balanceMismatch, 10, balance)
	}
}

func TestWriteWithUnknownOutcomeIsReconciled(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		fault       writeFault
		wantErr     error
		wantBalance Coins
	}{
		{name: "applied before timeout", fault: writeFaultApplyThenUnavailable, wantBalance: 15},
		{name: "not applied", fault: writeFaultUnavailableWithoutApply, wantBalance: 15},
		{name: "overtaken by another writer", fault: writeFaultForeignWriteThenUnavailable, wantErr: ErrOutcomeUnknown, wantBalance: 10},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test, mustAccount(test, userIDValue, 10))
			store.writeFaults = []writeFault{testCase.fault}
			service := mustNewService(test, store)
			userID := mustUserID(test, userIDValue)

			_, err := service.Credit(context.Background(), userID, 5, "unknown")
			if testCase.wantErr == nil && err != nil {
				test.Fatalf("credit: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if balance := store.account(test, userID).CoinBalance; balance != testCase.wantBalance {
				test.Fatalf(balanceMismatch, testCase.wantBalance, balance)
			}
		})
	}
}

func TestSlowStoreCallIsReportedUnavailable(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, blockingStore{}, WithStoreTimeout(time.Millisecond), WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Microsecond}))

	_, err := service.GetBalance(context.Background(), mustUserID(test, userIDValue))
	if !errors.Is(err, ErrStoreUnavailable) {
		test.Fatalf(errorMismatchMessage, ErrStoreUnavailable, err)
	}
	if !IsRetryable(err) {
		test.Fatalf("expected retryable error, got %v", err)
	}
}

func TestStoreErrorsPropagate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	store.updateAccountError = errStoreFailure
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), mustUserID(test, userIDValue), 1, "test")
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	if store.updateCalls != 1 {
		test.Fatalf("expected a single write attempt, got %d", store.updateCalls)
	}
}

func TestOpenAccountGrantsSignupCoinsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "new-user")

	account, created, err := service.OpenAccount(context.Background(), userID, DefaultSignupCoins)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if !created || account.CoinBalance != DefaultSignupCoins || account.SubscriptionState != SubscriptionInactive {
		test.Fatalf("unexpected opened account: %+v created=%v", account, created)
	}
	if _, err := service.Credit(context.Background(), userID, 5, "test"); err != nil {
		test.Fatalf("credit: %v", err)
	}
	account, created, err = service.OpenAccount(context.Background(), userID, DefaultSignupCoins)
	if err != nil {
		test.Fatalf("reopen: %v", err)
	}
	if created || account.CoinBalance != 15 {
		test.Fatalf("expected existing account with 15 coins, got %+v created=%v", account, created)
	}
}

func TestOpenAccountToleratesConcurrentCreation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "new-user")

	var waitGroup sync.WaitGroup
	createdCount := 0
	var mutex sync.Mutex
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, created, err := service.OpenAccount(context.Background(), userID, DefaultSignupCoins)
			if err != nil {
				test.Errorf("open: %v", err)
				return
			}
			if created {
				mutex.Lock()
				createdCount++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	if createdCount != 1 {
		test.Fatalf("expected one creation, got %d", createdCount)
	}
	if balance := store.account(test, userID).CoinBalance; balance != DefaultSignupCoins {
		test.Fatalf(balanceMismatch, DefaultSignupCoins, balance)
	}
}

func TestCreditPurchaseLinksCustomerOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 0))
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	if _, err := service.CreditPurchase(context.Background(), userID, 100, "cus_first"); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	account, err := service.CreditPurchase(context.Background(), userID, 50, "cus_second")
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if account.CoinBalance != 150 || account.ExternalCustomerID != "cus_first" {
		test.Fatalf("unexpected account: %+v", account)
	}
	found, err := service.FindByCustomerID(context.Background(), "cus_first")
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if found.UserID != userID {
		test.Fatalf(errorMismatchMessage, userID, found.UserID)
	}
}

type blockingStore struct{}

func (blockingStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	<-ctx.Done()
	return Account{}, ctx.Err()
}

func (blockingStore) FindAccountByCustomerID(ctx context.Context, customerID string) (Account, error) {
	<-ctx.Done()
	return Account{}, ctx.Err()
}

func (blockingStore) CreateAccount(ctx context.Context, account Account, entries ...Entry) (Account, error) {
	<-ctx.Done()
	return Account{}, ctx.Err()
}

func (blockingStore) UpdateAccount(ctx context.Context, update AccountUpdate) (Account, error) {
	<-ctx.Done()
	return Account{}, ctx.Err()
}

func (blockingStore) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLateCommitIsNotAppliedTwice(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	store.writeFaults = []writeFault{writeFaultCommitAfterNextRead}
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	account, err := service.Debit(context.Background(), userID, 4, "late commit")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if account.CoinBalance != 6 {
		test.Fatalf(balanceMismatch, 6, account.CoinBalance)
	}
	if balance := store.account(test, userID).CoinBalance; balance != 6 {
		test.Fatalf(balanceMismatch, 6, balance)
	}
	entries, err := service.ListEntries(context.Background(), userID, time.Time{}, 0)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != -4 {
		test.Fatalf("expected a single -4 entry, got %+v", entries)
	}
}

func TestWriteCommittedWhileCallerCancelsIsApplied(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancelCaller = cancel
	store.writeFaults = []writeFault{writeFaultApplyThenCancel}
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	account, err := service.Debit(ctx, userID, 4, "cancelled")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	stored := store.account(test, userID)
	if stored.CoinBalance != 6 || account.LastMutationID != stored.LastMutationID {
		test.Fatalf("expected the committed write to be reported, got %+v stored %+v", account, stored)
	}
}

func TestCancelledCallerWithUnappliedWriteGetsUnknownOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, mustAccount(test, userIDValue, 10))
	store.writeFaults = []writeFault{writeFaultForeignWriteThenUnavailable}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	service := mustNewService(test, store)

	_, err := service.Debit(ctx, mustUserID(test, userIDValue), 4, "cancelled")
	if err == nil {
		test.Fatalf("expected an error for a cancelled caller")
	}
	if balance := store.account(test, mustUserID(test, userIDValue)).CoinBalance; balance != 10 {
		test.Fatalf(balanceMismatch, 10, balance)
	}
}

func TestMutationsRecordEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	if _, _, err := service.OpenAccount(context.Background(), userID, DefaultSignupCoins); err != nil {
		test.Fatalf("open: %v", err)
	}
	if _, err := service.CreditPurchase(context.Background(), userID, 100, "cus_1"); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	debited, err := service.Debit(context.Background(), userID, 3, "metered:summarize")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if _, err := service.Debit(context.Background(), userID, 1000, "too much"); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}

	entries, err := service.ListEntries(context.Background(), userID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	expected := []struct {
		entryType    EntryType
		amount       int64
		balanceAfter Coins
	}{
		{entryType: EntryDebit, amount: -3, balanceAfter: 107},
		{entryType: EntryPurchase, amount: 100, balanceAfter: 110},
		{entryType: EntrySignupBonus, amount: 10, balanceAfter: 10},
	}
	if len(entries) != len(expected) {
		test.Fatalf("expected %d entries, got %+v", len(expected), entries)
	}
	for index, want := range expected {
		entry := entries[index]
		if entry.Type != want.entryType || entry.Amount != want.amount || entry.BalanceAfter != want.balanceAfter {
			test.Fatalf("entry %d: expected %+v, got %+v", index, want, entry)
		}
	}
	if entries[0].EntryID != debited.LastMutationID || entries[0].Reason != "metered:summarize" {
		test.Fatalf("debit entry not keyed by its mutation: %+v", entries[0])
	}

	if _, err := service.ListEntries(context.Background(), UserID{}, time.Time{}, 10); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidUserID, err)
	}
}

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const postgresURLEnv = "COINLEDGER_TEST_POSTGRES_URL"

func TestWrapStoreErrorClassification(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, unavailable: true},
		{name: "connect", err: &pgconn.ConnectError{}, unavailable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgUniqueViolationCode}, unavailable: false},
		{name: "plain", err: errors.New("boom"), unavailable: false},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			wrapped := wrapStoreError(errorSubjectAccount, errorCodeGet, testCase.err)
			assert.Equal(test, testCase.unavailable, errors.Is(wrapped, ledger.ErrStoreUnavailable))
			var operationErr ledger.OperationError
			require.ErrorAs(test, wrapped, &operationErr)
			assert.Equal(test, errorSubjectAccount, operationErr.Subject())
		})
	}
}

func TestIsUniqueViolation(test *testing.T) {
	test.Parallel()
	assert.True(test, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode})))
	assert.False(test, isUniqueViolation(&pgconn.PgError{Code: "23514"}))
	assert.False(test, isUniqueViolation(nil))
}

func newLiveStore(test *testing.T) *Store {
	test.Helper()
	url := os.Getenv(postgresURLEnv)
	if url == "" {
		test.Skipf("%s not set", postgresURLEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(test, err)
	test.Cleanup(pool.Close)
	store := New(pool)
	require.NoError(test, store.Migrate(ctx))
	return store
}

func TestLiveAccountAndEventFlow(test *testing.T) {
	store := newLiveStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	suffix := fmt.Sprintf("%d", now.UnixNano())
	userID, err := ledger.NewUserID("pg-user-" + suffix)
	require.NoError(test, err)

	account, err := store.CreateAccount(ctx, ledger.Account{
		UserID:         userID,
		CoinBalance:    10,
		LastMutationID: "seed",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(test, err)
	assert.Equal(test, int64(1), account.Version)

	_, err = store.CreateAccount(ctx, account)
	assert.ErrorIs(test, err, ledger.ErrAccountExists)

	next := account
	next.CoinBalance = 3
	next.ExternalCustomerID = "cus_" + suffix
	next.LastMutationID = "m2"
	debit := ledger.Entry{EntryID: "m2-" + suffix, UserID: userID, Type: ledger.EntryDebit, Amount: -7, BalanceAfter: 3, Reason: "metered:summarize", CreatedAt: now}
	updated, err := store.UpdateAccount(ctx, ledger.AccountUpdate{Account: next, ExpectedVersion: 1, Entry: &debit})
	require.NoError(test, err)
	assert.Equal(test, int64(2), updated.Version)

	stale := ledger.Entry{EntryID: "m3-" + suffix, UserID: userID, Type: ledger.EntryDebit, Amount: -1, BalanceAfter: 2, CreatedAt: now}
	_, err = store.UpdateAccount(ctx, ledger.AccountUpdate{Account: next, ExpectedVersion: 1, Entry: &stale})
	assert.ErrorIs(test, err, ledger.ErrVersionConflict)

	entries, err := store.ListEntries(ctx, userID, now.Add(time.Second), 10)
	require.NoError(test, err)
	require.Len(test, entries, 1)
	assert.Equal(test, debit.EntryID, entries[0].EntryID)
	assert.Equal(test, int64(-7), entries[0].Amount)

	found, err := store.FindAccountByCustomerID(ctx, "cus_"+suffix)
	require.NoError(test, err)
	assert.Equal(test, ledger.Coins(3), found.CoinBalance)

	event, err := ledger.NewProcessedEvent("evt_"+suffix, "checkout.session.completed", now)
	require.NoError(test, err)
	result, err := store.ReserveEvent(ctx, event)
	require.NoError(test, err)
	assert.Equal(test, ledger.ReserveResultReserved, result)
	result, err = store.ReserveEvent(ctx, event)
	require.NoError(test, err)
	assert.Equal(test, ledger.ReserveResultAlreadyProcessed, result)

	require.NoError(test, store.RecordOutcome(ctx, ledger.EventOutcome{
		EventID:    event.EventID,
		Status:     ledger.OutcomeFailed,
		Summary:    "ledger unavailable",
		RecordedAt: now,
	}))
	outcome, err := store.GetOutcome(ctx, event.EventID)
	require.NoError(test, err)
	assert.Equal(test, ledger.OutcomeFailed, outcome.Status)
	assert.Equal(test, "ledger unavailable", outcome.Summary)
	_, err = store.GetOutcome(ctx, "evt_missing_"+suffix)
	assert.ErrorIs(test, err, ledger.ErrOutcomeNotFound)

	pending, err := store.ListUnreconciled(ctx, now.Add(time.Second), 0)
	require.NoError(test, err)
	var ids []string
	for _, item := range pending {
		ids = append(ids, item.EventID)
	}
	assert.Contains(test, ids, event.EventID)
}

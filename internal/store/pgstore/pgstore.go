// Package pgstore implements the ledger stores directly on a pgx connection pool.
// Every account write is a conditional update keyed on the account version, committed
// together with its history entry.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectEvent       = "event"
	errorSubjectOutcome     = "outcome"
	errorSubjectReservation = "reservation"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMigrate        = "migrate"
	errorCodePrune          = "prune"
	errorCodeReserve        = "reserve"
	errorCodeSettle         = "settle"
	errorCodeUpdate         = "update"

	// Schema creates the tables used by the store.
	Schema = `
		create table if not exists accounts (
			user_id text primary key,
			coin_balance bigint not null check (coin_balance >= 0),
			subscription_state text not null default 'inactive',
			active_plan_id text not null default '',
			external_customer_id text unique,
			external_subscription_id text not null default '',
			version bigint not null,
			last_mutation_id text not null,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists ledger_entries (
			entry_id text primary key,
			user_id text not null,
			entry_type text not null,
			amount bigint not null,
			balance_after bigint not null,
			reason text not null default '',
			created_at timestamptz not null
		);
		create index if not exists idx_ledger_entries_user_created on ledger_entries(user_id, created_at desc);
		create table if not exists processed_events (
			event_id text primary key,
			event_type text not null,
			processed_at timestamptz not null
		);
		create index if not exists idx_processed_events_processed_at on processed_events(processed_at);
		create table if not exists event_outcomes (
			event_id text primary key,
			status text not null,
			user_id text not null default '',
			summary text not null default '',
			details jsonb not null default '{}'::jsonb,
			recorded_at timestamptz not null
		);
		create table if not exists metered_reservations (
			reservation_id text primary key,
			user_id text not null,
			amount_coins bigint not null,
			endpoint text not null,
			state text not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_metered_reservations_user on metered_reservations(user_id);
	`

	accountColumns = `user_id, coin_balance, subscription_state, active_plan_id, coalesce(external_customer_id, ''),
		external_subscription_id, version, last_mutation_id, created_at, updated_at`

	sqlSelectAccount = `select ` + accountColumns + ` from accounts where user_id = $1`

	sqlSelectAccountByCustomer = `select ` + accountColumns + ` from accounts where external_customer_id = $1`

	sqlInsertAccount = `
		insert into accounts(user_id, coin_balance, subscription_state, active_plan_id, external_customer_id,
			external_subscription_id, version, last_mutation_id, created_at, updated_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6, 1, $7, $8, $9)
	`

	sqlUpdateAccount = `
		update accounts
		set coin_balance = $3, subscription_state = $4, active_plan_id = $5,
			external_customer_id = nullif($6, ''), external_subscription_id = $7,
			version = $2 + 1, last_mutation_id = $8, updated_at = $9
		where user_id = $1 and version = $2
	`

	sqlAccountExists = `select exists(select 1 from accounts where user_id = $1)`

	sqlInsertEntry = `
		insert into ledger_entries(entry_id, user_id, entry_type, amount, balance_after, reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlListEntries = `
		select entry_id, user_id, entry_type, amount, balance_after, reason, created_at
		from ledger_entries
		where user_id = $1 and created_at < $2
		order by created_at desc, entry_id desc
		limit $3
	`

	sqlReserveEvent = `
		insert into processed_events(event_id, event_type, processed_at) values ($1, $2, $3)
		on conflict (event_id) do nothing
	`

	sqlUpsertOutcome = `
		insert into event_outcomes(event_id, status, user_id, summary, details, recorded_at)
		values ($1, $2, $3, $4, $5::jsonb, $6)
		on conflict (event_id) do update set status = excluded.status, user_id = excluded.user_id,
			summary = excluded.summary, details = excluded.details, recorded_at = excluded.recorded_at
	`

	sqlSelectOutcome = `
		select event_id, status, user_id, summary, details, recorded_at from event_outcomes where event_id = $1
	`

	sqlListUnreconciled = `
		select pe.event_id, pe.event_type, pe.processed_at
		from processed_events pe
		left join event_outcomes eo on eo.event_id = pe.event_id
		where pe.processed_at < $1 and (eo.event_id is null or eo.status = $2)
		order by pe.processed_at asc
		limit $3
	`

	sqlPruneOutcomes = `
		delete from event_outcomes where event_id in (select event_id from processed_events where processed_at < $1)
	`

	sqlPruneEvents = `delete from processed_events where processed_at < $1`

	sqlInsertReservation = `
		insert into metered_reservations(reservation_id, user_id, amount_coins, endpoint, state, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlSettleReservation = `
		update metered_reservations set state = $2, updated_at = $3
		where reservation_id = $1 and state = 'held'
	`

	sqlSelectReservation = `
		select reservation_id, user_id, amount_coins, endpoint, state, created_at, updated_at
		from metered_reservations where reservation_id = $1
	`

	unreconciledUnlimited = 1 << 30
)

// querier is the part of pgxpool.Pool and pgx.Tx the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements the ledger store contracts using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies Schema.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

// Close releases the pool.
func (store *Store) Close() error {
	store.pool.Close()
	return nil
}

// GetAccount loads an account by user id.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return scanAccount(store.pool.QueryRow(ctx, sqlSelectAccount, userID.String()), errorCodeGet)
}

// FindAccountByCustomerID loads the account linked to a provider customer.
func (store *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	return scanAccount(store.pool.QueryRow(ctx, sqlSelectAccountByCustomer, strings.TrimSpace(customerID)), errorCodeLookup)
}

// CreateAccount inserts an account at version 1 and its opening entries in one transaction.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, entries ...ledger.Entry) (ledger.Account, error) {
	state := account.SubscriptionState
	if state == "" {
		state = ledger.SubscriptionInactive
	}
	err := store.withTx(ctx, func(transaction querier) error {
		_, err := transaction.Exec(ctx, sqlInsertAccount,
			account.UserID.String(),
			account.CoinBalance.Int64(),
			string(state),
			account.ActivePlanID,
			account.ExternalCustomerID,
			account.ExternalSubscriptionID,
			account.LastMutationID,
			account.CreatedAt.UTC(),
			account.UpdatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
		}
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
		return insertEntries(ctx, transaction, entries...)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	account.SubscriptionState = state
	account.Version = 1
	return account, nil
}

// UpdateAccount applies the write only while the stored version equals the expected one.
func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	account := update.Account
	err := store.withTx(ctx, func(transaction querier) error {
		tag, err := transaction.Exec(ctx, sqlUpdateAccount,
			account.UserID.String(),
			update.ExpectedVersion,
			account.CoinBalance.Int64(),
			string(account.SubscriptionState),
			account.ActivePlanID,
			account.ExternalCustomerID,
			account.ExternalSubscriptionID,
			account.LastMutationID,
			account.UpdatedAt.UTC(),
		)
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := transaction.QueryRow(ctx, sqlAccountExists, account.UserID.String()).Scan(&exists); err != nil {
				return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
			}
			if !exists {
				return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrVersionConflict)
		}
		if update.Entry == nil {
			return nil
		}
		return insertEntries(ctx, transaction, *update.Entry)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	account.Version = update.ExpectedVersion + 1
	return account, nil
}

// ListEntries returns the user's entries created before the cutoff, newest first.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	rows, err := store.pool.Query(ctx, sqlListEntries, userID.String(), before.UTC(), ledger.NormalizeEntryLimit(limit))
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryID      string
			userValue    string
			typeValue    string
			amount       int64
			balanceValue int64
			reason       string
			createdAt    time.Time
		)
		if err := rows.Scan(&entryID, &userValue, &typeValue, &amount, &balanceValue, &reason, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry, err := mapEntry(entryID, userValue, typeValue, amount, balanceValue, reason, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func insertEntries(ctx context.Context, transaction querier, entries ...ledger.Entry) error {
	for _, entry := range entries {
		_, err := transaction.Exec(ctx, sqlInsertEntry,
			entry.EntryID,
			entry.UserID.String(),
			entry.Type.String(),
			entry.Amount,
			entry.BalanceAfter.Int64(),
			entry.Reason,
			entry.CreatedAt.UTC(),
		)
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
	}
	return nil
}

func mapEntry(entryID string, userValue string, typeValue string, amount int64, balanceValue int64, reason string, createdAt time.Time) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(typeValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	balance, err := ledger.NewBalance(balanceValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, userID, entryType, amount, balance, reason, createdAt)
}

// ReserveEvent inserts the event id; a conflict means it was already claimed.
func (store *Store) ReserveEvent(ctx context.Context, event ledger.ProcessedEvent) (ledger.ReserveResult, error) {
	tag, err := store.pool.Exec(ctx, sqlReserveEvent, event.EventID, event.EventType, event.ProcessedAt.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodeReserve, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ReserveResultAlreadyProcessed, nil
	}
	return ledger.ReserveResultReserved, nil
}

// RecordOutcome upserts the outcome of a claimed event.
func (store *Store) RecordOutcome(ctx context.Context, outcome ledger.EventOutcome) error {
	details := outcome.Details
	if details == nil {
		details = map[string]string{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	_, err = store.pool.Exec(ctx, sqlUpsertOutcome,
		outcome.EventID,
		string(outcome.Status),
		outcome.UserID,
		outcome.Summary,
		string(encoded),
		outcome.RecordedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInsert, err)
	}
	return nil
}

// GetOutcome loads the recorded outcome of an event.
func (store *Store) GetOutcome(ctx context.Context, eventID string) (ledger.EventOutcome, error) {
	var (
		outcome     ledger.EventOutcome
		statusValue string
		details     []byte
	)
	err := store.pool.QueryRow(ctx, sqlSelectOutcome, eventID).Scan(
		&outcome.EventID,
		&statusValue,
		&outcome.UserID,
		&outcome.Summary,
		&details,
		&outcome.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeGet, ledger.ErrOutcomeNotFound)
	}
	if err != nil {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeGet, err)
	}
	if outcome.Status, err = ledger.ParseOutcomeStatus(statusValue); err != nil {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	outcome.Details = map[string]string{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &outcome.Details); err != nil {
			return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
		}
	}
	return outcome, nil
}

// ListUnreconciled returns events claimed before the cutoff with no outcome or a failed one.
func (store *Store) ListUnreconciled(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedEvent, error) {
	if limit <= 0 {
		limit = unreconciledUnlimited
	}
	rows, err := store.pool.Query(ctx, sqlListUnreconciled, before.UTC(), string(ledger.OutcomeFailed), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	var events []ledger.ProcessedEvent
	for rows.Next() {
		var event ledger.ProcessedEvent
		if err := rows.Scan(&event.EventID, &event.EventType, &event.ProcessedAt); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

// PruneEvents deletes claims older than the cutoff together with their outcomes in one transaction.
func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := store.withTx(ctx, func(transaction querier) error {
		if _, err := transaction.Exec(ctx, sqlPruneOutcomes, before.UTC()); err != nil {
			return wrapStoreError(errorSubjectOutcome, errorCodePrune, err)
		}
		tag, err := transaction.Exec(ctx, sqlPruneEvents, before.UTC())
		if err != nil {
			return wrapStoreError(errorSubjectEvent, errorCodePrune, err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CreateReservation records a held reservation.
func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.pool.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID,
		reservation.UserID.String(),
		reservation.Amount.Int64(),
		reservation.Endpoint,
		string(reservation.State),
		reservation.CreatedAt.UTC(),
		reservation.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrInvalidReservationID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

// SettleReservation moves a held reservation to its final state.
func (store *Store) SettleReservation(ctx context.Context, reservationID string, state ledger.ReservationState, settledAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlSettleReservation, reservationID, string(state), settledAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetReservation(ctx, reservationID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, ledger.ErrReservationClosed)
	}
	return nil
}

// GetReservation loads a reservation.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	var (
		reservation ledger.Reservation
		userValue   string
		amountValue int64
		stateValue  string
	)
	err := store.pool.QueryRow(ctx, sqlSelectReservation, reservationID).Scan(
		&reservation.ReservationID,
		&userValue,
		&amountValue,
		&reservation.Endpoint,
		&stateValue,
		&reservation.CreatedAt,
		&reservation.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	if reservation.UserID, err = ledger.NewUserID(userValue); err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	if reservation.Amount, err = ledger.NewCoins(amountValue); err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	if reservation.State, err = ledger.ParseReservationState(stateValue); err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) withTx(ctx context.Context, fn func(transaction querier) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func scanAccount(row pgx.Row, code string) (ledger.Account, error) {
	var (
		userValue    string
		balanceValue int64
		stateValue   string
		account      ledger.Account
	)
	err := row.Scan(
		&userValue,
		&balanceValue,
		&stateValue,
		&account.ActivePlanID,
		&account.ExternalCustomerID,
		&account.ExternalSubscriptionID,
		&account.Version,
		&account.LastMutationID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	if account.UserID, err = ledger.NewUserID(userValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if account.CoinBalance, err = ledger.NewBalance(balanceValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if account.SubscriptionState, err = ledger.ParseSubscriptionState(stateValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

var (
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.EventStore       = (*Store)(nil)
	_ ledger.ReservationStore = (*Store)(nil)
	_ querier                 = (*pgxpool.Pool)(nil)
)

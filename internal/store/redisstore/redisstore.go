// Package redisstore keeps accounts, event claims and reservations in Redis.
// Account writes use WATCH/MULTI so a concurrent writer aborts the transaction
// instead of overwriting it, and the history entry joins the same MULTI. Event
// claims use SETNX and expire after the retention window.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	// DefaultKeyPrefix namespaces every key the store writes.
	DefaultKeyPrefix = "coinledger"
	// DefaultEventRetention bounds how long event claims and outcomes live.
	DefaultEventRetention = 30 * 24 * time.Hour

	operationStore     = "store"
	subjectAccount     = "account"
	subjectEntry       = "entry"
	subjectEvent       = "event"
	subjectOutcome     = "outcome"
	subjectReservation = "reservation"

	codeCreate  = "create"
	codeDecode  = "decode"
	codeEncode  = "encode"
	codeGet     = "get"
	codeList    = "list"
	codeLookup  = "lookup"
	codePrune   = "prune"
	codeRecord  = "record"
	codeReserve = "reserve"
	codeSettle  = "settle"
	codeUpdate  = "update"

	scanBatchSize = 200
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			store.prefix = trimmed
		}
	}
}

// WithEventRetention overrides DefaultEventRetention.
func WithEventRetention(retention time.Duration) Option {
	return func(store *Store) {
		if retention > 0 {
			store.retention = retention
		}
	}
}

// Store implements the ledger store contracts on a Redis client.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// New returns a Store using client.
func New(client redis.UniversalClient, options ...Option) *Store {
	store := &Store{
		client:    client,
		prefix:    DefaultKeyPrefix,
		retention: DefaultEventRetention,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// keyReader is satisfied by both the client and a WATCH transaction.
type keyReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type accountRecord struct {
	UserID                 string    `json:"user_id"`
	CoinBalance            int64     `json:"coin_balance"`
	SubscriptionState      string    `json:"subscription_state"`
	ActivePlanID           string    `json:"active_plan_id,omitempty"`
	ExternalCustomerID     string    `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string    `json:"external_subscription_id,omitempty"`
	Version                int64     `json:"version"`
	LastMutationID         string    `json:"last_mutation_id"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type entryRecord struct {
	EntryID      string    `json:"entry_id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type eventRecord struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

type outcomeRecord struct {
	EventID    string            `json:"event_id"`
	Status     string            `json:"status"`
	UserID     string            `json:"user_id,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

type reservationRecord struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Endpoint      string    `json:"endpoint"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (store *Store) accountKey(userID string) string {
	return store.prefix + ":account:" + userID
}

func (store *Store) customerKey(customerID string) string {
	return store.prefix + ":customer:" + customerID
}

func (store *Store) entriesKey(userID string) string {
	return store.prefix + ":entries:" + userID
}

func (store *Store) eventKey(eventID string) string {
	return store.prefix + ":event:" + eventID
}

func (store *Store) outcomeKey(eventID string) string {
	return store.prefix + ":outcome:" + eventID
}

func (store *Store) reservationKey(reservationID string) string {
	return store.prefix + ":reservation:" + reservationID
}

// Ping checks that Redis answers.
func (store *Store) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

// Close closes the client.
func (store *Store) Close() error {
	return store.client.Close()
}

// GetAccount loads an account by user id.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.loadAccount(ctx, store.client, userID.String(), codeGet)
}

// FindAccountByCustomerID follows the customer index to the linked account.
func (store *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	userID, err := store.client.Get(ctx, store.customerKey(strings.TrimSpace(customerID))).Result()
	if errors.Is(err, redis.Nil) {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeLookup, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeLookup, err)
	}
	return store.loadAccount(ctx, store.client, userID, codeLookup)
}

// CreateAccount inserts an account at version 1 together with its opening entries.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, entries ...ledger.Entry) (ledger.Account, error) {
	if account.SubscriptionState == "" {
		account.SubscriptionState = ledger.SubscriptionInactive
	}
	account.Version = 1
	payload, err := json.Marshal(encodeAccount(account))
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeEncode, err)
	}
	members, err := encodeEntries(entries...)
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectEntry, codeEncode, err)
	}
	key := store.accountKey(account.UserID.String())
	err = store.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ledger.ErrAccountExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if account.ExternalCustomerID != "" {
				pipe.Set(ctx, store.customerKey(account.ExternalCustomerID), account.UserID.String(), 0)
			}
			if len(members) > 0 {
				pipe.ZAdd(ctx, store.entriesKey(account.UserID.String()), members...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ledger.ErrAccountExists
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeCreate, err)
	}
	return account, nil
}

// UpdateAccount writes the account only while the stored version equals the expected one.
func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	next := update.Account
	key := store.accountKey(next.UserID.String())
	var members []redis.Z
	if update.Entry != nil {
		encoded, err := encodeEntries(*update.Entry)
		if err != nil {
			return ledger.Account{}, wrapStoreError(subjectEntry, codeEncode, err)
		}
		members = encoded
	}
	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := store.loadAccount(ctx, tx, next.UserID.String(), codeUpdate)
		if err != nil {
			return err
		}
		if current.Version != update.ExpectedVersion {
			return ledger.ErrVersionConflict
		}
		next.Version = update.ExpectedVersion + 1
		next.CreatedAt = current.CreatedAt
		payload, err := json.Marshal(encodeAccount(next))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.ExternalCustomerID != "" && next.ExternalCustomerID != current.ExternalCustomerID {
				pipe.Set(ctx, store.customerKey(next.ExternalCustomerID), next.UserID.String(), 0)
			}
			if len(members) > 0 {
				pipe.ZAdd(ctx, store.entriesKey(next.UserID.String()), members...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ledger.ErrVersionConflict
	}
	if err != nil {
		var operationError ledger.OperationError
		if errors.As(err, &operationError) {
			return ledger.Account{}, err
		}
		return ledger.Account{}, wrapStoreError(subjectAccount, codeUpdate, err)
	}
	return next, nil
}

// ListEntries returns the user's entries created before the cutoff, newest first. Entries
// are scored by their creation time in microseconds.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	members, err := store.client.ZRevRangeByScore(ctx, store.entriesKey(userID.String()), &redis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(before.UTC().UnixMicro(), 10),
		Min:   "-inf",
		Count: int64(ledger.NormalizeEntryLimit(limit)),
	}).Result()
	if err != nil {
		return nil, wrapStoreError(subjectEntry, codeList, err)
	}
	entries := make([]ledger.Entry, 0, len(members))
	for _, member := range members {
		var record entryRecord
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			return nil, wrapStoreError(subjectEntry, codeDecode, err)
		}
		entry, err := decodeEntry(record)
		if err != nil {
			return nil, wrapStoreError(subjectEntry, codeDecode, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func encodeEntries(entries ...ledger.Entry) ([]redis.Z, error) {
	members := make([]redis.Z, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(entryRecord{
			EntryID:      entry.EntryID,
			UserID:       entry.UserID.String(),
			Type:         entry.Type.String(),
			Amount:       entry.Amount,
			BalanceAfter: entry.BalanceAfter.Int64(),
			Reason:       entry.Reason,
			CreatedAt:    entry.CreatedAt.UTC(),
		})
		if err != nil {
			return nil, err
		}
		members = append(members, redis.Z{Score: float64(entry.CreatedAt.UTC().UnixMicro()), Member: string(payload)})
	}
	return members, nil
}

func decodeEntry(record entryRecord) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(record.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(record.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	balance, err := ledger.NewBalance(record.BalanceAfter)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(record.EntryID, userID, entryType, record.Amount, balance, record.Reason, record.CreatedAt)
}

func (store *Store) loadAccount(ctx context.Context, reader keyReader, userID string, code string) (ledger.Account, error) {
	raw, err := reader.Get(ctx, store.accountKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Account{}, wrapStoreError(subjectAccount, code, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, code, err)
	}
	var record accountRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeDecode, err)
	}
	account, err := decodeAccount(record)
	if err != nil {
		return ledger.Account{}, wrapStoreError(subjectAccount, codeDecode, err)
	}
	return account, nil
}

// ReserveEvent claims the event id with SETNX; the claim expires after the retention window.
func (store *Store) ReserveEvent(ctx context.Context, event ledger.ProcessedEvent) (ledger.ReserveResult, error) {
	payload, err := json.Marshal(eventRecord{EventID: event.EventID, EventType: event.EventType, ProcessedAt: event.ProcessedAt.UTC()})
	if err != nil {
		return 0, wrapStoreError(subjectEvent, codeEncode, err)
	}
	claimed, err := store.client.SetNX(ctx, store.eventKey(event.EventID), payload, store.retention).Result()
	if err != nil {
		return 0, wrapStoreError(subjectEvent, codeReserve, err)
	}
	if !claimed {
		return ledger.ReserveResultAlreadyProcessed, nil
	}
	return ledger.ReserveResultReserved, nil
}

// RecordOutcome stores or replaces the outcome of a claimed event.
func (store *Store) RecordOutcome(ctx context.Context, outcome ledger.EventOutcome) error {
	payload, err := json.Marshal(outcomeRecord{
		EventID:    outcome.EventID,
		Status:     string(outcome.Status),
		UserID:     outcome.UserID,
		Summary:    outcome.Summary,
		Details:    outcome.Details,
		RecordedAt: outcome.RecordedAt.UTC(),
	})
	if err != nil {
		return wrapStoreError(subjectOutcome, codeEncode, err)
	}
	if err := store.client.Set(ctx, store.outcomeKey(outcome.EventID), payload, store.retention).Err(); err != nil {
		return wrapStoreError(subjectOutcome, codeRecord, err)
	}
	return nil
}

// GetOutcome returns the recorded outcome of an event.
func (store *Store) GetOutcome(ctx context.Context, eventID string) (ledger.EventOutcome, error) {
	raw, err := store.client.Get(ctx, store.outcomeKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.EventOutcome{}, wrapStoreError(subjectOutcome, codeGet, ledger.ErrOutcomeNotFound)
	}
	if err != nil {
		return ledger.EventOutcome{}, wrapStoreError(subjectOutcome, codeGet, err)
	}
	var record outcomeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ledger.EventOutcome{}, wrapStoreError(subjectOutcome, codeDecode, err)
	}
	status, err := ledger.ParseOutcomeStatus(record.Status)
	if err != nil {
		return ledger.EventOutcome{}, wrapStoreError(subjectOutcome, codeDecode, err)
	}
	return ledger.EventOutcome{
		EventID:    record.EventID,
		Status:     status,
		UserID:     record.UserID,
		Summary:    record.Summary,
		Details:    record.Details,
		RecordedAt: record.RecordedAt,
	}, nil
}

// ListUnreconciled scans event claims older than the cutoff whose outcome is missing or failed.
func (store *Store) ListUnreconciled(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedEvent, error) {
	events, err := store.scanEvents(ctx, before)
	if err != nil {
		return nil, wrapStoreError(subjectEvent, codeList, err)
	}
	var pending []ledger.ProcessedEvent
	for _, event := range events {
		raw, err := store.client.Get(ctx, store.outcomeKey(event.EventID)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, wrapStoreError(subjectOutcome, codeList, err)
		}
		if err == nil {
			var record outcomeRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return nil, wrapStoreError(subjectOutcome, codeDecode, err)
			}
			if record.Status != string(ledger.OutcomeFailed) {
				continue
			}
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

// PruneEvents deletes claims older than the cutoff ahead of their expiry.
func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := store.scanEvents(ctx, before)
	if err != nil {
		return 0, wrapStoreError(subjectEvent, codePrune, err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(events)*2)
	for _, event := range events {
		keys = append(keys, store.eventKey(event.EventID), store.outcomeKey(event.EventID))
	}
	if err := store.client.Del(ctx, keys...).Err(); err != nil {
		return 0, wrapStoreError(subjectEvent, codePrune, err)
	}
	return int64(len(events)), nil
}

func (store *Store) scanEvents(ctx context.Context, before time.Time) ([]ledger.ProcessedEvent, error) {
	var events []ledger.ProcessedEvent
	iterator := store.client.Scan(ctx, 0, store.eventKey("*"), scanBatchSize).Iterator()
	for iterator.Next(ctx) {
		raw, err := store.client.Get(ctx, iterator.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var record eventRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, err
		}
		if !record.ProcessedAt.Before(before) {
			continue
		}
		events = append(events, ledger.ProcessedEvent{
			EventID:     record.EventID,
			EventType:   record.EventType,
			ProcessedAt: record.ProcessedAt,
		})
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// CreateReservation records a held reservation.
func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	payload, err := json.Marshal(encodeReservation(reservation))
	if err != nil {
		return wrapStoreError(subjectReservation, codeEncode, err)
	}
	created, err := store.client.SetNX(ctx, store.reservationKey(reservation.ReservationID), payload, 0).Result()
	if err != nil {
		return wrapStoreError(subjectReservation, codeCreate, err)
	}
	if !created {
		return wrapStoreError(subjectReservation, codeCreate, ledger.ErrInvalidReservationID)
	}
	return nil
}

// SettleReservation moves a held reservation to its final state.
func (store *Store) SettleReservation(ctx context.Context, reservationID string, state ledger.ReservationState, settledAt time.Time) error {
	key := store.reservationKey(reservationID)
	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		reservation, err := store.loadReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if !reservation.CanSettle(state) {
			return ledger.ErrReservationClosed
		}
		reservation.State = state
		reservation.UpdatedAt = settledAt
		payload, err := json.Marshal(encodeReservation(reservation))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ledger.ErrReservationClosed
	}
	if err != nil {
		var operationError ledger.OperationError
		if errors.As(err, &operationError) {
			return err
		}
		return wrapStoreError(subjectReservation, codeSettle, err)
	}
	return nil
}

// GetReservation loads a reservation.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	return store.loadReservation(ctx, store.client, reservationID)
}

func (store *Store) loadReservation(ctx context.Context, reader keyReader, reservationID string) (ledger.Reservation, error) {
	raw, err := reader.Get(ctx, store.reservationKey(reservationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Reservation{}, wrapStoreError(subjectReservation, codeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(subjectReservation, codeGet, err)
	}
	var record reservationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ledger.Reservation{}, wrapStoreError(subjectReservation, codeDecode, err)
	}
	reservation, err := decodeReservation(record)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(subjectReservation, codeDecode, err)
	}
	return reservation, nil
}

func encodeAccount(account ledger.Account) accountRecord {
	return accountRecord{
		UserID:                 account.UserID.String(),
		CoinBalance:            account.CoinBalance.Int64(),
		SubscriptionState:      string(account.SubscriptionState),
		ActivePlanID:           account.ActivePlanID,
		ExternalCustomerID:     account.ExternalCustomerID,
		ExternalSubscriptionID: account.ExternalSubscriptionID,
		Version:                account.Version,
		LastMutationID:         account.LastMutationID,
		CreatedAt:              account.CreatedAt.UTC(),
		UpdatedAt:              account.UpdatedAt.UTC(),
	}
}

func decodeAccount(record accountRecord) (ledger.Account, error) {
	userID, err := ledger.NewUserID(record.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewBalance(record.CoinBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	state, err := ledger.ParseSubscriptionState(record.SubscriptionState)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		UserID:                 userID,
		CoinBalance:            balance,
		SubscriptionState:      state,
		ActivePlanID:           record.ActivePlanID,
		ExternalCustomerID:     record.ExternalCustomerID,
		ExternalSubscriptionID: record.ExternalSubscriptionID,
		Version:                record.Version,
		LastMutationID:         record.LastMutationID,
		CreatedAt:              record.CreatedAt,
		UpdatedAt:              record.UpdatedAt,
	}, nil
}

func encodeReservation(reservation ledger.Reservation) reservationRecord {
	return reservationRecord{
		ReservationID: reservation.ReservationID,
		UserID:        reservation.UserID.String(),
		Amount:        reservation.Amount.Int64(),
		Endpoint:      reservation.Endpoint,
		State:         string(reservation.State),
		CreatedAt:     reservation.CreatedAt.UTC(),
		UpdatedAt:     reservation.UpdatedAt.UTC(),
	}
}

func decodeReservation(record reservationRecord) (ledger.Reservation, error) {
	userID, err := ledger.NewUserID(record.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewCoins(record.Amount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	state, err := ledger.ParseReservationState(record.State)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ReservationID: record.ReservationID,
		UserID:        userID,
		Amount:        amount,
		Endpoint:      record.Endpoint,
		State:         state,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return ledger.WrapError(operationStore, subject, code, err)
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var (
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.EventStore       = (*Store)(nil)
	_ ledger.ReservationStore = (*Store)(nil)
)

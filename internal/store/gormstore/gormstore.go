package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const emptyDetailsJSON = "{}"

// Store implements the ledger store contracts using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables the store uses.
func Migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(&Account{}, &LedgerEntry{}, &ProcessedEvent{}, &EventOutcome{}, &MeteredReservation{})
	if err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAccount loads an account by user id.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// FindAccountByCustomerID loads the account linked to a provider customer.
func (store *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("external_customer_id = ?", strings.TrimSpace(customerID)).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model)
}

// CreateAccount inserts an account at version 1 and its opening entries in one transaction.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, entries ...ledger.Entry) (ledger.Account, error) {
	model := toAccountModel(account)
	model.Version = 1
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Create(&model).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
		return insertEntries(transaction, entries...)
	})
	if err != nil {
		return ledger.Account{}, commitError(errorSubjectAccount, err)
	}
	return mapAccount(model)
}

// UpdateAccount issues UPDATE ... WHERE user_id = ? AND version = ? and reports a conflict when no row matched.
// The entry, if any, is inserted in the same transaction.
func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	model := toAccountModel(update.Account)
	model.Version = update.ExpectedVersion + 1
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&Account{}).
			Where("user_id = ? AND version = ?", model.UserID, update.ExpectedVersion).
			Updates(map[string]interface{}{
				"coin_balance":             model.CoinBalance,
				"subscription_state":       model.SubscriptionState,
				"active_plan_id":           model.ActivePlanID,
				"external_customer_id":     model.ExternalCustomerID,
				"external_subscription_id": model.ExternalSubscriptionID,
				"version":                  model.Version,
				"last_mutation_id":         model.LastMutationID,
				"updated_at":               model.UpdatedAt,
			})
		if result.Error != nil {
			if isUniqueViolation(result.Error) {
				return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, result.Error)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := transaction.Model(&Account{}).Where("user_id = ?", model.UserID).Count(&count).Error; err != nil {
				return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
			}
			if count == 0 {
				return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrVersionConflict)
		}
		if update.Entry == nil {
			return nil
		}
		return insertEntries(transaction, *update.Entry)
	})
	if err != nil {
		return ledger.Account{}, commitError(errorSubjectAccount, err)
	}
	updated := update.Account
	updated.Version = model.Version
	return updated, nil
}

// ListEntries returns the user's entries created before the cutoff, newest first.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before.UTC()).
		Order("created_at DESC, entry_id DESC").
		Limit(ledger.NormalizeEntryLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func insertEntries(transaction *gorm.DB, entries ...ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		models = append(models, LedgerEntry{
			EntryID:      entry.EntryID,
			UserID:       entry.UserID.String(),
			EntryType:    entry.Type.String(),
			Amount:       entry.Amount,
			BalanceAfter: entry.BalanceAfter.Int64(),
			Reason:       entry.Reason,
			CreatedAt:    entry.CreatedAt.UTC(),
		})
	}
	if err := transaction.Create(&models).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func mapEntry(row LedgerEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entryType, err := ledger.ParseEntryType(row.EntryType)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	balance, err := ledger.NewBalance(row.BalanceAfter)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry, err := ledger.NewEntry(row.EntryID, userID, entryType, row.Amount, balance, row.Reason, row.CreatedAt)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

// commitError keeps errors already classified inside a transaction and wraps the rest,
// which come from begin or commit.
func commitError(subject string, err error) error {
	var operationError ledger.OperationError
	if errors.As(err, &operationError) {
		return err
	}
	return wrapStoreError(subject, errorCodeCommit, err)
}

// ReserveEvent inserts the event id with ON CONFLICT DO NOTHING; zero affected rows means it was already claimed.
func (store *Store) ReserveEvent(ctx context.Context, event ledger.ProcessedEvent) (ledger.ReserveResult, error) {
	model := ProcessedEvent{
		EventID:     event.EventID,
		EventType:   event.EventType,
		ProcessedAt: event.ProcessedAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ledger.ReserveResultAlreadyProcessed, nil
		}
		return 0, wrapStoreError(errorSubjectEvent, errorCodeReserve, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.ReserveResultAlreadyProcessed, nil
	}
	return ledger.ReserveResultReserved, nil
}

// RecordOutcome upserts the outcome of a claimed event.
func (store *Store) RecordOutcome(ctx context.Context, outcome ledger.EventOutcome) error {
	details, err := encodeDetails(outcome.Details)
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	model := EventOutcome{
		EventID:    outcome.EventID,
		Status:     string(outcome.Status),
		UserID:     outcome.UserID,
		Summary:    outcome.Summary,
		Details:    details,
		RecordedAt: outcome.RecordedAt.UTC(),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInsert, err)
	}
	return nil
}

// GetOutcome loads the recorded outcome of an event.
func (store *Store) GetOutcome(ctx context.Context, eventID string) (ledger.EventOutcome, error) {
	var model EventOutcome
	err := store.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeGet, ledger.ErrOutcomeNotFound)
	}
	if err != nil {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeGet, err)
	}
	status, err := ledger.ParseOutcomeStatus(model.Status)
	if err != nil {
		return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	details := map[string]string{}
	if len(model.Details) > 0 {
		if err := json.Unmarshal(model.Details, &details); err != nil {
			return ledger.EventOutcome{}, wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
		}
	}
	return ledger.EventOutcome{
		EventID:    model.EventID,
		Status:     status,
		UserID:     model.UserID,
		Summary:    model.Summary,
		Details:    details,
		RecordedAt: model.RecordedAt,
	}, nil
}

// ListUnreconciled returns events claimed before the cutoff with no outcome or a failed one.
func (store *Store) ListUnreconciled(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedEvent, error) {
	query := store.db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Select("processed_events.event_id, processed_events.event_type, processed_events.processed_at").
		Joins("LEFT JOIN event_outcomes ON event_outcomes.event_id = processed_events.event_id").
		Where("processed_events.processed_at < ?", before.UTC()).
		Where("event_outcomes.event_id IS NULL OR event_outcomes.status = ?", string(ledger.OutcomeFailed)).
		Order("processed_events.processed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []ProcessedEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]ledger.ProcessedEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, ledger.ProcessedEvent{EventID: row.EventID, EventType: row.EventType, ProcessedAt: row.ProcessedAt})
	}
	return events, nil
}

// PruneEvents deletes claims older than the cutoff together with their outcomes.
func (store *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		expired := transaction.Model(&ProcessedEvent{}).Select("event_id").Where("processed_at < ?", before.UTC())
		if err := transaction.Where("event_id IN (?)", expired).Delete(&EventOutcome{}).Error; err != nil {
			return err
		}
		result := transaction.Where("processed_at < ?", before.UTC()).Delete(&ProcessedEvent{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePrune, err)
	}
	return removed, nil
}

// CreateReservation records a held reservation.
func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := MeteredReservation{
		ReservationID: reservation.ReservationID,
		UserID:        reservation.UserID.String(),
		AmountCoins:   reservation.Amount.Int64(),
		Endpoint:      reservation.Endpoint,
		State:         string(reservation.State),
		CreatedAt:     reservation.CreatedAt.UTC(),
		UpdatedAt:     reservation.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
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
	result := store.db.WithContext(ctx).
		Model(&MeteredReservation{}).
		Where("reservation_id = ? AND state = ?", reservationID, string(ledger.ReservationHeld)).
		Updates(map[string]interface{}{"state": string(state), "updated_at": settledAt.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetReservation(ctx, reservationID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, ledger.ErrReservationClosed)
	}
	return nil
}

// GetReservation loads a reservation.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	var model MeteredReservation
	err := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	amount, err := ledger.NewCoins(model.AmountCoins)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	state, err := ledger.ParseReservationState(model.State)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return ledger.Reservation{
		ReservationID: model.ReservationID,
		UserID:        userID,
		Amount:        amount,
		Endpoint:      model.Endpoint,
		State:         state,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

func toAccountModel(account ledger.Account) Account {
	var customerID *string
	if trimmed := strings.TrimSpace(account.ExternalCustomerID); trimmed != "" {
		customerID = &trimmed
	}
	state := account.SubscriptionState
	if state == "" {
		state = ledger.SubscriptionInactive
	}
	return Account{
		UserID:                 account.UserID.String(),
		CoinBalance:            account.CoinBalance.Int64(),
		SubscriptionState:      string(state),
		ActivePlanID:           account.ActivePlanID,
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: account.ExternalSubscriptionID,
		Version:                account.Version,
		LastMutationID:         account.LastMutationID,
		CreatedAt:              account.CreatedAt.UTC(),
		UpdatedAt:              account.UpdatedAt.UTC(),
	}
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewBalance(model.CoinBalance)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	state, err := ledger.ParseSubscriptionState(model.SubscriptionState)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	customerID := ""
	if model.ExternalCustomerID != nil {
		customerID = *model.ExternalCustomerID
	}
	return ledger.Account{
		UserID:                 userID,
		CoinBalance:            balance,
		SubscriptionState:      state,
		ActivePlanID:           model.ActivePlanID,
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: model.ExternalSubscriptionID,
		Version:                model.Version,
		LastMutationID:         model.LastMutationID,
		CreatedAt:              model.CreatedAt,
		UpdatedAt:              model.UpdatedAt,
	}, nil
}

func encodeDetails(details map[string]string) (datatypes.JSON, error) {
	if len(details) == 0 {
		return datatypes.JSON([]byte(emptyDetailsJSON)), nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

var (
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.EventStore       = (*Store)(nil)
	_ ledger.ReservationStore = (*Store)(nil)
)

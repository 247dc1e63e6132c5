package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the accounts table.
type Account struct {
	UserID                 string    `gorm:"primaryKey"`
	CoinBalance            int64     `gorm:"not null;check:chk_accounts_coin_balance,coin_balance >= 0"`
	SubscriptionState      string    `gorm:"not null;default:inactive"`
	ActivePlanID           string    `gorm:"not null;default:''"`
	ExternalCustomerID     *string   `gorm:"uniqueIndex:idx_accounts_external_customer"`
	ExternalSubscriptionID string    `gorm:"not null;default:''"`
	Version                int64     `gorm:"not null"`
	LastMutationID         string    `gorm:"not null"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.LastMutationID == "" {
		account.LastMutationID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent mirrors the processed_events table. Rows are never updated.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey"`
	EventType   string    `gorm:"not null"`
	ProcessedAt time.Time `gorm:"not null;index:idx_processed_events_processed_at"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// EventOutcome mirrors the event_outcomes audit table.
type EventOutcome struct {
	EventID    string         `gorm:"primaryKey"`
	Status     string         `gorm:"not null;index:idx_event_outcomes_status"`
	UserID     string         `gorm:"not null;default:'';index:idx_event_outcomes_user"`
	Summary    string         `gorm:"not null;default:''"`
	Details    datatypes.JSON `gorm:"not null"`
	RecordedAt time.Time      `gorm:"not null"`
}

func (EventOutcome) TableName() string { return "event_outcomes" }

// LedgerEntry mirrors the ledger_entries history table. Rows are never updated.
type LedgerEntry struct {
	EntryID      string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index:idx_ledger_entries_user_created,priority:1"`
	EntryType    string    `gorm:"not null"`
	Amount       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Reason       string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null;index:idx_ledger_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// MeteredReservation mirrors the metered_reservations table.
type MeteredReservation struct {
	ReservationID string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index:idx_metered_reservations_user"`
	AmountCoins   int64     `gorm:"not null"`
	Endpoint      string    `gorm:"not null"`
	State         string    `gorm:"not null;index:idx_metered_reservations_state"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (MeteredReservation) TableName() string { return "metered_reservations" }

func (reservation *MeteredReservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

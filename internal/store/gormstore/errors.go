package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	sqliteBusyCode        = 5
	sqliteLockedCode      = 6

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectEvent       = "event"
	errorSubjectOutcome     = "outcome"
	errorSubjectReservation = "reservation"
	errorSubjectSchema      = "schema"
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
)

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isUnavailable reports failures where the database could not be reached or did not answer in time.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

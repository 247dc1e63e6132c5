package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service and its stores.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountExists            = errors.New("account already exists")
	ErrVersionConflict          = errors.New("account version conflict")
	ErrConflictRetriesExhausted = errors.New("conflict retries exhausted")
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrOutcomeUnknown           = errors.New("mutation outcome unknown")
	ErrInvalidTransition        = errors.New("invalid subscription transition")
	ErrSubscriptionMismatch     = errors.New("subscription mismatch")
	ErrBalanceOverflow          = errors.New("balance overflow")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrOutcomeNotFound          = errors.New("event outcome not found")
	ErrInvalidEntry             = errors.New("invalid entry")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidCoins             = errors.New("invalid coins")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidSubscriptionState = errors.New("invalid subscription state")
	ErrInvalidEventID           = errors.New("invalid event id")
	ErrInvalidEventType         = errors.New("invalid event type")
	ErrInvalidOutcomeStatus     = errors.New("invalid outcome status")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidReservationState  = errors.New("invalid reservation state")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientBalanceError reports how many coins a debit needed and how many were present.
type InsufficientBalanceError struct {
	Required  Coins
	Available Coins
}

// Error returns the formatted error message.
func (insufficientBalanceError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientBalance, insufficientBalanceError.Required, insufficientBalanceError.Available)
}

// Is reports whether target is ErrInsufficientBalance.
func (insufficientBalanceError *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRetryable reports whether err is transient and the caller may try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflictRetriesExhausted)
}

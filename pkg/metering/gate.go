// Package metering charges coins for a metered call before it runs and refunds calls that fail
// for reasons outside the caller's control.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

// DefaultCompensationTimeout bounds the refund issued after a failed call.
const DefaultCompensationTimeout = 5 * time.Second

const (
	reasonMeteredCall   = "metered:"
	reasonMeteredRefund = "metered_refund:"
)

var (
	ErrInvalidGateConfig  = errors.New("invalid gate config")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrCompensationFailed = errors.New("compensating credit failed")
)

// UserInputError marks a call failure caused by the caller's input. The charge is kept.
type UserInputError struct {
	Err error
}

// NewUserInputError wraps err as a user-input failure.
func NewUserInputError(err error) error {
	if err == nil {
		return nil
	}
	return &UserInputError{Err: err}
}

// Error returns the formatted error message.
func (userInputError *UserInputError) Error() string {
	return fmt.Sprintf("user input error: %v", userInputError.Err)
}

// Unwrap returns the underlying error.
func (userInputError *UserInputError) Unwrap() error {
	return userInputError.Err
}

// IsUserInputError reports whether err carries a UserInputError.
func IsUserInputError(err error) bool {
	var userInputError *UserInputError
	return errors.As(err, &userInputError)
}

// Ledger is the subset of ledger.Service the gate needs.
type Ledger interface {
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.Coins, reason string) (ledger.Account, error)
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.Coins, reason string) (ledger.Account, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithReservationStore records every reservation and its settlement.
func WithReservationStore(store ledger.ReservationStore) Option {
	return func(gate *Gate) {
		gate.reservations = store
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(gate *Gate) {
		if logger != nil {
			gate.logger = logger
		}
	}
}

// WithCompensationTimeout bounds the refund call.
func WithCompensationTimeout(timeout time.Duration) Option {
	return func(gate *Gate) {
		if timeout > 0 {
			gate.compensationTimeout = timeout
		}
	}
}

// WithReservationIDGenerator replaces the reservation id generator.
func WithReservationIDGenerator(generate func() string) Option {
	return func(gate *Gate) {
		if generate != nil {
			gate.newReservationID = generate
		}
	}
}

// Gate wraps metered calls with debit-before-execute accounting.
type Gate struct {
	accounts            Ledger
	reservations        ledger.ReservationStore
	clock               func() time.Time
	logger              *zap.Logger
	compensationTimeout time.Duration
	newReservationID    func() string
}

// NewGate wires a Gate.
func NewGate(accounts Ledger, clock func() time.Time, options ...Option) (*Gate, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidGateConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidGateConfig)
	}
	gate := &Gate{
		accounts:            accounts,
		clock:               clock,
		logger:              zap.NewNop(),
		compensationTimeout: DefaultCompensationTimeout,
		newReservationID:    uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Meter debits cost, runs call and settles the reservation.
//
// Insufficient balance returns *ledger.InsufficientBalanceError without running call. A nil
// result or a UserInputError commits the charge. Any other failure, including cancellation of
// ctx, issues a compensating credit that survives the cancellation and the call's error is
// returned. A debit that lands after ctx is cancelled is refunded without running call.
// A panic in call is refunded before it propagates.
func (gate *Gate) Meter(ctx context.Context, userID ledger.UserID, cost ledger.Coins, endpoint string, call func(ctx context.Context) error) (reservation ledger.Reservation, err error) {
	if cost <= 0 {
		return ledger.Reservation{}, fmt.Errorf("%w: cost must be greater than zero", ledger.ErrInvalidCoins)
	}
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return ledger.Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidEndpoint)
	}
	if call == nil {
		return ledger.Reservation{}, fmt.Errorf("%w: call is nil", ErrInvalidGateConfig)
	}
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	if _, err := gate.accounts.Debit(ctx, userID, cost, reasonMeteredCall+trimmedEndpoint); err != nil {
		if errors.Is(err, ledger.ErrOutcomeUnknown) {
			gate.logger.Error("metered debit outcome unknown",
				zap.String("user_id", userID.String()),
				zap.Int64("coins", cost.Int64()),
				zap.String("endpoint", trimmedEndpoint),
				zap.Error(err),
			)
		}
		return ledger.Reservation{}, err
	}

	now := gate.clock().UTC()
	reservation = ledger.Reservation{
		ReservationID: gate.newReservationID(),
		UserID:        userID,
		Amount:        cost,
		Endpoint:      trimmedEndpoint,
		State:         ledger.ReservationHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	gate.recordReservation(ctx, reservation)

	defer func() {
		if recovered := recover(); recovered != nil {
			gate.compensate(ctx, reservation, fmt.Errorf("metered call panicked: %v", recovered))
			panic(recovered)
		}
	}()

	if err := ctx.Err(); err != nil {
		reservation, compensated := gate.compensate(ctx, reservation, err)
		if !compensated {
			return reservation, fmt.Errorf("%w: reservation %s: %w", ErrCompensationFailed, reservation.ReservationID, err)
		}
		return reservation, err
	}

	callErr := call(ctx)
	if callErr == nil || IsUserInputError(callErr) {
		reservation = gate.settle(ctx, reservation, ledger.ReservationCommitted)
		return reservation, callErr
	}
	var compensated bool
	reservation, compensated = gate.compensate(ctx, reservation, callErr)
	if !compensated {
		return reservation, fmt.Errorf("%w: reservation %s: %w", ErrCompensationFailed, reservation.ReservationID, callErr)
	}
	return reservation, callErr
}

func (gate *Gate) compensate(ctx context.Context, reservation ledger.Reservation, cause error) (ledger.Reservation, bool) {
	compensationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gate.compensationTimeout)
	defer cancel()
	if _, err := gate.accounts.Credit(compensationCtx, reservation.UserID, reservation.Amount, reasonMeteredRefund+reservation.Endpoint); err != nil {
		gate.logger.Error("compensating credit failed",
			zap.String("reservation_id", reservation.ReservationID),
			zap.String("user_id", reservation.UserID.String()),
			zap.Int64("coins", reservation.Amount.Int64()),
			zap.String("endpoint", reservation.Endpoint),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return reservation, false
	}
	gate.logger.Info("metered call refunded",
		zap.String("reservation_id", reservation.ReservationID),
		zap.String("user_id", reservation.UserID.String()),
		zap.Int64("coins", reservation.Amount.Int64()),
		zap.NamedError("cause", cause),
	)
	return gate.settle(ctx, reservation, ledger.ReservationReleased), true
}

func (gate *Gate) recordReservation(ctx context.Context, reservation ledger.Reservation) {
	if gate.reservations == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gate.compensationTimeout)
	defer cancel()
	if err := gate.reservations.CreateReservation(recordCtx, reservation); err != nil {
		gate.logger.Warn("record reservation failed", zap.String("reservation_id", reservation.ReservationID), zap.Error(err))
	}
}

func (gate *Gate) settle(ctx context.Context, reservation ledger.Reservation, state ledger.ReservationState) ledger.Reservation {
	settledAt := gate.clock().UTC()
	reservation.State = state
	reservation.UpdatedAt = settledAt
	if gate.reservations == nil {
		return reservation
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gate.compensationTimeout)
	defer cancel()
	if err := gate.reservations.SettleReservation(settleCtx, reservation.ReservationID, state, settledAt); err != nil {
		gate.logger.Warn("settle reservation failed", zap.String("reservation_id", reservation.ReservationID), zap.String("state", string(state)), zap.Error(err))
	}
	return reservation
}

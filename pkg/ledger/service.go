package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Service applies balance and subscription mutations over an AccountStore.
// Every mutation is a read-decide-conditional-write loop keyed on the account version.
type Service struct {
	store         AccountStore
	clock         func() time.Time
	logger        OperationLogger
	storeTimeout  time.Duration
	retryPolicy   RetryPolicy
	newMutationID func() string
}

// NewService wires a Service.
func NewService(store AccountStore, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		clock:         clock,
		storeTimeout:  DefaultStoreTimeout,
		retryPolicy:   DefaultRetryPolicy(),
		newMutationID: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetAccount returns a point-in-time copy of the account.
func (service *Service) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	return service.readWithRetry(ctx, func(callCtx context.Context) (Account, error) {
		return service.store.GetAccount(callCtx, userID)
	})
}

// GetBalance returns the point-in-time coin balance.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Coins, error) {
	account, err := service.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.CoinBalance, nil
}

// FindByCustomerID resolves an account through its payment-provider customer id.
func (service *Service) FindByCustomerID(ctx context.Context, customerID string) (Account, error) {
	trimmed := strings.TrimSpace(customerID)
	if trimmed == "" {
		return Account{}, fmt.Errorf("%w: empty customer id", ErrAccountNotFound)
	}
	return service.readWithRetry(ctx, func(callCtx context.Context) (Account, error) {
		return service.store.FindAccountByCustomerID(callCtx, trimmed)
	})
}

// OpenAccount creates the account with the signup bonus when it does not exist yet.
// The boolean result reports whether this call created it.
func (service *Service) OpenAccount(ctx context.Context, userID UserID, signupCoins Coins) (Account, bool, error) {
	if signupCoins < 0 {
		return Account{}, false, fmt.Errorf("%w: signup coins must be non-negative", ErrInvalidCoins)
	}
	existing, err := service.GetAccount(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, false, err
	}
	now := service.clock().UTC()
	mutationID := service.newMutationID()
	candidate := Account{
		UserID:            userID,
		CoinBalance:       signupCoins,
		SubscriptionState: SubscriptionInactive,
		Version:           1,
		LastMutationID:    mutationID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var entries []Entry
	if signupCoins > 0 {
		entries = append(entries, Entry{
			EntryID:      mutationID,
			UserID:       userID,
			Type:         EntrySignupBonus,
			Amount:       signupCoins.Int64(),
			BalanceAfter: signupCoins,
			Reason:       reasonSignupBonus,
			CreatedAt:    now,
		})
	}
	callCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	created, createErr := service.store.CreateAccount(callCtx, candidate, entries...)
	cancel()
	if errors.Is(createErr, ErrAccountExists) {
		existing, err := service.GetAccount(ctx, userID)
		return existing, false, err
	}
	service.logOperation(ctx, OperationLog{
		Operation:         operationOpen,
		UserID:            userID,
		Amount:            signupCoins,
		Balance:           created.CoinBalance,
		SubscriptionState: SubscriptionInactive,
		Reason:            reasonSignupBonus,
		MutationID:        mutationID,
		Attempts:          1,
		Error:             createErr,
	})
	if createErr != nil {
		return Account{}, false, createErr
	}
	return created, true, nil
}

// Credit adds coins to the balance.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Coins, reason string) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoins)
	}
	account, attempts, mutationID, err := service.mutate(ctx, userID, EntryCredit, reason, func(account *Account) error {
		balance, err := addCoins(account.CoinBalance, amount)
		if err != nil {
			return err
		}
		account.CoinBalance = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationCredit,
		UserID:     userID,
		Amount:     amount,
		Balance:    account.CoinBalance,
		Reason:     reason,
		MutationID: mutationID,
		Attempts:   attempts,
		Error:      err,
	})
	return account, err
}

// CreditPurchase adds purchased coins and links the provider customer id if none is known yet.
func (service *Service) CreditPurchase(ctx context.Context, userID UserID, amount Coins, customerID string) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoins)
	}
	trimmedCustomerID := strings.TrimSpace(customerID)
	account, attempts, mutationID, err := service.mutate(ctx, userID, EntryPurchase, reasonPurchase, func(account *Account) error {
		balance, err := addCoins(account.CoinBalance, amount)
		if err != nil {
			return err
		}
		account.CoinBalance = balance
		if account.ExternalCustomerID == "" && trimmedCustomerID != "" {
			account.ExternalCustomerID = trimmedCustomerID
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationPurchase,
		UserID:     userID,
		Amount:     amount,
		Balance:    account.CoinBalance,
		Reason:     reasonPurchase,
		MutationID: mutationID,
		Attempts:   attempts,
		Error:      err,
	})
	return account, err
}

// Debit removes coins from the balance. It fails with *InsufficientBalanceError and leaves
// the balance unchanged when the account holds fewer coins than requested.
func (service *Service) Debit(ctx context.Context, userID UserID, amount Coins, reason string) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoins)
	}
	account, attempts, mutationID, err := service.mutate(ctx, userID, EntryDebit, reason, func(account *Account) error {
		if account.CoinBalance < amount {
			return &InsufficientBalanceError{Required: amount, Available: account.CoinBalance}
		}
		account.CoinBalance -= amount
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationDebit,
		UserID:     userID,
		Amount:     amount,
		Balance:    account.CoinBalance,
		Reason:     reason,
		MutationID: mutationID,
		Attempts:   attempts,
		Error:      err,
	})
	return account, err
}

// SetSubscriptionState moves the subscription along the lifecycle. Repeating the current
// state with the same identifiers is a no-op that returns the stored account.
func (service *Service) SetSubscriptionState(ctx context.Context, userID UserID, change SubscriptionChange) (Account, error) {
	account, attempts, mutationID, err := service.mutate(ctx, userID, "", "", func(account *Account) error {
		return applySubscriptionChange(account, change)
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationSubscription,
		UserID:            userID,
		Balance:           account.CoinBalance,
		SubscriptionState: change.State,
		MutationID:        mutationID,
		Attempts:          attempts,
		Error:             err,
	})
	return account, err
}

// RenewSubscription keeps or sets the subscription active and grants the period's coins in one write.
func (service *Service) RenewSubscription(ctx context.Context, userID UserID, change SubscriptionChange, coins Coins) (Account, error) {
	if coins < 0 {
		return Account{}, fmt.Errorf("%w: renewal coins must be non-negative", ErrInvalidCoins)
	}
	change.State = SubscriptionActive
	account, attempts, mutationID, err := service.mutate(ctx, userID, EntryRenewal, reasonRenewal, func(account *Account) error {
		changeErr := applySubscriptionChange(account, change)
		if changeErr != nil && !errors.Is(changeErr, errNoChange) {
			return changeErr
		}
		if coins == 0 {
			return changeErr
		}
		balance, err := addCoins(account.CoinBalance, coins)
		if err != nil {
			return err
		}
		account.CoinBalance = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationRenew,
		UserID:            userID,
		Amount:            coins,
		Balance:           account.CoinBalance,
		SubscriptionState: SubscriptionActive,
		Reason:            reasonRenewal,
		MutationID:        mutationID,
		Attempts:          attempts,
		Error:             err,
	})
	return account, err
}

// ListEntries returns the user's coin history created before the cutoff, newest first.
// A zero cutoff lists from the most recent entry.
func (service *Service) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if before.IsZero() {
		before = entryCutoffUnbounded
	}
	limit = NormalizeEntryLimit(limit)
	entries, err := backoff.Retry(ctx, func() ([]Entry, error) {
		callCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
		defer cancel()
		entries, err := service.store.ListEntries(callCtx, userID, before.UTC(), limit)
		switch {
		case err == nil:
			return entries, nil
		case errors.Is(err, ErrStoreUnavailable):
			return nil, err
		case callCtx.Err() != nil && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(service.retryPolicy.newBackOff()), backoff.WithMaxTries(service.retryPolicy.MaxAttempts))
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// mutate runs read, decide, conditional write until the write lands, the decision fails,
// or the retry budget is spent. Every mutation id it issues is remembered: a write that
// was reported as failed but committed later is recognized on the next read instead of
// being applied a second time.
func (service *Service) mutate(ctx context.Context, userID UserID, entryType EntryType, reason string, decide func(account *Account) error) (Account, int, string, error) {
	if userID.IsZero() {
		return Account{}, 0, "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	attempts := 0
	lastMutationID := ""
	issued := make(map[string]struct{})
	account, err := backoff.Retry(ctx, func() (Account, error) {
		attempts++
		current, err := service.readAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return Account{}, err
			}
			return Account{}, backoff.Permanent(err)
		}
		if _, applied := issued[current.LastMutationID]; applied {
			lastMutationID = current.LastMutationID
			return current, nil
		}
		next := current
		if err := decide(&next); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return Account{}, backoff.Permanent(err)
		}
		mutationID := service.newMutationID()
		issued[mutationID] = struct{}{}
		lastMutationID = mutationID
		next.LastMutationID = mutationID
		next.UpdatedAt = service.clock().UTC()
		updated, err := service.writeAccount(ctx, AccountUpdate{
			Account:         next,
			ExpectedVersion: current.Version,
			Entry:           entryFor(current, next, entryType, reason),
		})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, ErrVersionConflict):
			return Account{}, err
		case errors.Is(err, ErrStoreUnavailable), ctx.Err() != nil:
			return service.resolveUnknownOutcome(ctx, userID, current.Version, mutationID, err)
		default:
			return Account{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(service.retryPolicy.newBackOff()), backoff.WithMaxTries(service.retryPolicy.MaxAttempts))
	if err != nil && len(issued) > 0 && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !errors.Is(err, ErrOutcomeUnknown) {
		account, err = service.settleAbandoned(ctx, userID, issued, err)
	}
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if errors.Is(err, ErrVersionConflict) {
			err = fmt.Errorf("%w after %d attempts: %w", ErrConflictRetriesExhausted, attempts, err)
		}
		return Account{}, attempts, lastMutationID, err
	}
	if account.LastMutationID != "" {
		if _, applied := issued[account.LastMutationID]; applied {
			lastMutationID = account.LastMutationID
		}
	}
	return account, attempts, lastMutationID, nil
}

// resolveUnknownOutcome decides whether a write with no definite answer was applied by
// re-reading the account. The re-read outlives the caller's context so a write that
// committed while the caller gave up is still reported as applied.
func (service *Service) resolveUnknownOutcome(ctx context.Context, userID UserID, expectedVersion int64, mutationID string, cause error) (Account, error) {
	observed, err := service.readAccount(context.WithoutCancel(ctx), userID)
	if err != nil {
		return Account{}, backoff.Permanent(fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause))
	}
	if observed.LastMutationID == mutationID {
		return observed, nil
	}
	if ctx.Err() == nil && observed.Version == expectedVersion {
		return Account{}, cause
	}
	return Account{}, backoff.Permanent(fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause))
}

// settleAbandoned runs when the caller's context ended between attempts after at least one
// write was issued. One of those writes may still have landed.
func (service *Service) settleAbandoned(ctx context.Context, userID UserID, issued map[string]struct{}, cause error) (Account, error) {
	observed, err := service.readAccount(context.WithoutCancel(ctx), userID)
	if err == nil {
		if _, applied := issued[observed.LastMutationID]; applied {
			return observed, nil
		}
	}
	return Account{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause)
}

func entryFor(before Account, after Account, entryType EntryType, reason string) *Entry {
	delta := after.CoinBalance.Int64() - before.CoinBalance.Int64()
	if entryType == "" || delta == 0 {
		return nil
	}
	return &Entry{
		EntryID:      after.LastMutationID,
		UserID:       after.UserID,
		Type:         entryType,
		Amount:       delta,
		BalanceAfter: after.CoinBalance,
		Reason:       reason,
		CreatedAt:    after.UpdatedAt,
	}
}

func (service *Service) readWithRetry(ctx context.Context, read func(callCtx context.Context) (Account, error)) (Account, error) {
	account, err := backoff.Retry(ctx, func() (Account, error) {
		account, err := service.callStore(ctx, read)
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return Account{}, backoff.Permanent(err)
		}
		return account, err
	}, backoff.WithBackOff(service.retryPolicy.newBackOff()), backoff.WithMaxTries(service.retryPolicy.MaxAttempts))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return account, err
}

func (service *Service) readAccount(ctx context.Context, userID UserID) (Account, error) {
	return service.callStore(ctx, func(callCtx context.Context) (Account, error) {
		return service.store.GetAccount(callCtx, userID)
	})
}

func (service *Service) writeAccount(ctx context.Context, update AccountUpdate) (Account, error) {
	return service.callStore(ctx, func(callCtx context.Context) (Account, error) {
		return service.store.UpdateAccount(callCtx, update)
	})
}

// callStore runs a single store call under the store timeout. A call that runs out of its
// own time while the caller's context is still live is reported as ErrStoreUnavailable.
func (service *Service) callStore(ctx context.Context, call func(callCtx context.Context) (Account, error)) (Account, error) {
	callCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	account, err := call(callCtx)
	if err != nil && !errors.Is(err, ErrStoreUnavailable) && callCtx.Err() != nil && ctx.Err() == nil {
		return Account{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return account, err
}

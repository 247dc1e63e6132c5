// Package fulfillment turns verified payment-provider events into ledger mutations exactly once.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"
)

// Status is the result of handling one delivery.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

const outcomeRecordTimeout = 5 * time.Second

var (
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
	errUnknownUser            = errors.New("unknown user")
)

// Ledger is the subset of ledger.Service the processor mutates.
type Ledger interface {
	GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	FindByCustomerID(ctx context.Context, customerID string) (ledger.Account, error)
	CreditPurchase(ctx context.Context, userID ledger.UserID, amount ledger.Coins, customerID string) (ledger.Account, error)
	SetSubscriptionState(ctx context.Context, userID ledger.UserID, change ledger.SubscriptionChange) (ledger.Account, error)
	RenewSubscription(ctx context.Context, userID ledger.UserID, change ledger.SubscriptionChange, coins ledger.Coins) (ledger.Account, error)
}

// CoinResolver looks up coin grants that the event payload does not carry.
type CoinResolver interface {
	CheckoutSessionCoins(ctx context.Context, sessionID string) (ledger.Coins, error)
	PriceCoins(ctx context.Context, priceID string) (ledger.Coins, error)
}

// Outcome describes what fulfilling an event did to the ledger.
type Outcome struct {
	Kind    EventKind
	Status  ledger.OutcomeStatus
	UserID  string
	Summary string
	Details map[string]string
}

// Result is the processor's answer for one delivery.
type Result struct {
	EventID   string
	EventType string
	Kind      EventKind
	Status    Status
	UserID    string
	Summary   string
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithCoinResolver sets the fallback used when an event does not declare its coins.
func WithCoinResolver(resolver CoinResolver) Option {
	return func(processor *Processor) {
		processor.coinResolver = resolver
	}
}

// Processor claims each event id once, fulfills it and records the outcome.
type Processor struct {
	accounts     Ledger
	events       ledger.EventStore
	clock        func() time.Time
	coinResolver CoinResolver
	logger       *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(accounts Ledger, events ledger.EventStore, clock func() time.Time, options ...Option) (*Processor, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidProcessorConfig)
	}
	if events == nil {
		return nil, fmt.Errorf("%w: event store dependency is nil", ErrInvalidProcessorConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorConfig)
	}
	processor := &Processor{accounts: accounts, events: events, clock: clock, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Handle reserves the event id, fulfills the event and records its outcome.
// A redelivered event returns StatusDuplicate without touching the ledger. When fulfillment
// fails after the reservation the event stays claimed, a failed outcome is recorded for
// reconciliation and the error is returned alongside a StatusFailed result.
func (processor *Processor) Handle(ctx context.Context, event webhook.VerifiedEvent) (Result, error) {
	result := Result{EventID: event.ID, EventType: event.Type}
	processedEvent, err := ledger.NewProcessedEvent(event.ID, event.Type, processor.clock())
	if err != nil {
		return result, err
	}
	reserveResult, err := processor.events.ReserveEvent(ctx, processedEvent)
	if err != nil {
		processor.logger.Error("reserve event failed", zap.String("event_id", event.ID), zap.String("event_type", event.Type), zap.Error(err))
		return result, fmt.Errorf("reserve event %s: %w", event.ID, err)
	}
	if reserveResult == ledger.ReserveResultAlreadyProcessed {
		processor.logger.Info("duplicate event skipped", zap.String("event_id", event.ID), zap.String("event_type", event.Type))
		result.Status = StatusDuplicate
		return result, nil
	}

	outcome, fulfillErr := processor.Fulfill(ctx, event)
	if fulfillErr != nil {
		outcome.Status = ledger.OutcomeFailed
		outcome.Summary = fulfillErr.Error()
		processor.logger.Error("fulfillment failed, event left for reconciliation",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("kind", outcome.Kind.String()),
			zap.String("user_id", outcome.UserID),
			zap.Error(fulfillErr),
		)
	}
	processor.recordOutcome(ctx, event, outcome)

	result.Kind = outcome.Kind
	result.UserID = outcome.UserID
	result.Summary = outcome.Summary
	switch outcome.Status {
	case ledger.OutcomeApplied:
		result.Status = StatusApplied
	case ledger.OutcomeIgnored:
		result.Status = StatusIgnored
	default:
		result.Status = StatusFailed
	}
	return result, fulfillErr
}

// Fulfill applies the ledger effect of an event without idempotency bookkeeping.
func (processor *Processor) Fulfill(ctx context.Context, event webhook.VerifiedEvent) (Outcome, error) {
	object, err := decodeEventObject(event.Object)
	if err != nil {
		return Outcome{Kind: KindIgnored}, fmt.Errorf("decode %s object: %w", event.Type, err)
	}
	kind := classify(event.Type, object)
	switch kind {
	case KindPurchaseCompleted:
		return processor.fulfillPurchase(ctx, event, object)
	case KindSubscriptionActivated:
		return processor.fulfillActivation(ctx, event, object)
	case KindSubscriptionRenewed:
		return processor.fulfillRenewal(ctx, event, object)
	case KindSubscriptionPaymentFailed:
		return processor.fulfillTransition(ctx, kind, event, object, ledger.SubscriptionPastDue)
	case KindSubscriptionCanceled:
		return processor.fulfillTransition(ctx, kind, event, object, ledger.SubscriptionCanceled)
	default:
		return ignored(kind, "", "unhandled event"), nil
	}
}

func (processor *Processor) fulfillPurchase(ctx context.Context, event webhook.VerifiedEvent, object eventObject) (Outcome, error) {
	kind := KindPurchaseCompleted
	userID, err := processor.resolveUser(ctx, object)
	if err != nil {
		return processor.unresolvedUser(kind, event, err)
	}
	coins, err := processor.checkoutCoins(ctx, object)
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	if coins <= 0 {
		processor.logger.Error("purchase without coin amount ignored, check product metadata",
			zap.String("event_id", event.ID),
			zap.String("session_id", object.ID),
			zap.String("user_id", userID.String()),
		)
		return ignored(kind, userID.String(), "no coin amount"), nil
	}
	account, err := processor.accounts.CreditPurchase(ctx, userID, coins, object.customerID())
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	processor.logger.Info("purchase credited",
		zap.String("event_id", event.ID),
		zap.String("user_id", userID.String()),
		zap.Int64("coins", coins.Int64()),
		zap.Int64("balance", account.CoinBalance.Int64()),
	)
	return applied(kind, account, fmt.Sprintf("credited %d coins", coins), map[string]string{
		"coins":      strconv.FormatInt(coins.Int64(), 10),
		"session_id": object.ID,
	}), nil
}

func (processor *Processor) fulfillActivation(ctx context.Context, event webhook.VerifiedEvent, object eventObject) (Outcome, error) {
	kind := KindSubscriptionActivated
	userID, err := processor.resolveUser(ctx, object)
	if err != nil {
		return processor.unresolvedUser(kind, event, err)
	}
	change := processor.subscriptionChange(object, ledger.SubscriptionActive)
	var (
		account ledger.Account
		coins   ledger.Coins
	)
	if object.Object == objectTypeSub {
		account, err = processor.accounts.SetSubscriptionState(ctx, userID, change)
	} else {
		coins, err = processor.checkoutCoins(ctx, object)
		if err != nil {
			return Outcome{Kind: kind, UserID: userID.String()}, err
		}
		account, err = processor.accounts.RenewSubscription(ctx, userID, change, coins)
	}
	if outcome, handled := rejectedTransition(kind, userID, err); handled {
		return outcome, nil
	}
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	summary := "subscription active"
	if object.CancelAtPeriodEnd {
		summary = "subscription active, cancels at period end"
	}
	return applied(kind, account, summary, map[string]string{
		"subscription_id": change.SubscriptionID,
		"plan_id":         change.PlanID,
		"coins":           strconv.FormatInt(coins.Int64(), 10),
	}), nil
}

func (processor *Processor) fulfillRenewal(ctx context.Context, event webhook.VerifiedEvent, object eventObject) (Outcome, error) {
	kind := KindSubscriptionRenewed
	userID, err := processor.resolveUser(ctx, object)
	if err != nil {
		return processor.unresolvedUser(kind, event, err)
	}
	change := processor.subscriptionChange(object, ledger.SubscriptionActive)
	coins, err := object.declaredCoins()
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	if coins == 0 && processor.coinResolver != nil && change.PlanID != "" {
		coins, err = processor.coinResolver.PriceCoins(ctx, change.PlanID)
		if err != nil {
			return Outcome{Kind: kind, UserID: userID.String()}, fmt.Errorf("resolve renewal coins: %w", err)
		}
	}
	account, err := processor.accounts.RenewSubscription(ctx, userID, change, coins)
	if outcome, handled := rejectedTransition(kind, userID, err); handled {
		return outcome, nil
	}
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	return applied(kind, account, fmt.Sprintf("renewed with %d coins", coins), map[string]string{
		"subscription_id": change.SubscriptionID,
		"coins":           strconv.FormatInt(coins.Int64(), 10),
	}), nil
}

func (processor *Processor) fulfillTransition(ctx context.Context, kind EventKind, event webhook.VerifiedEvent, object eventObject, state ledger.SubscriptionState) (Outcome, error) {
	userID, err := processor.resolveUser(ctx, object)
	if err != nil {
		return processor.unresolvedUser(kind, event, err)
	}
	change := processor.subscriptionChange(object, state)
	account, err := processor.accounts.SetSubscriptionState(ctx, userID, change)
	if outcome, handled := rejectedTransition(kind, userID, err); handled {
		return outcome, nil
	}
	if err != nil {
		return Outcome{Kind: kind, UserID: userID.String()}, err
	}
	return applied(kind, account, "subscription "+string(state), map[string]string{
		"subscription_id": change.SubscriptionID,
	}), nil
}

func (processor *Processor) subscriptionChange(object eventObject, state ledger.SubscriptionState) ledger.SubscriptionChange {
	return ledger.SubscriptionChange{
		State:          state,
		PlanID:         object.planID(),
		CustomerID:     object.customerID(),
		SubscriptionID: object.subscriptionID(),
	}
}

// checkoutCoins prefers the coins declared on the session and falls back to the catalog.
func (processor *Processor) checkoutCoins(ctx context.Context, object eventObject) (ledger.Coins, error) {
	coins, err := object.declaredCoins()
	if err != nil || coins > 0 {
		return coins, err
	}
	if processor.coinResolver == nil || object.ID == "" {
		return 0, nil
	}
	coins, err = processor.coinResolver.CheckoutSessionCoins(ctx, object.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve checkout coins: %w", err)
	}
	return coins, nil
}

// resolveUser tries client_reference_id, then metadata user ids, then the customer id.
func (processor *Processor) resolveUser(ctx context.Context, object eventObject) (ledger.UserID, error) {
	for _, candidate := range object.userIDCandidates() {
		userID, err := ledger.NewUserID(candidate)
		if err != nil {
			continue
		}
		_, err = processor.accounts.GetAccount(ctx, userID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.UserID{}, err
		}
	}
	if customerID := object.customerID(); customerID != "" {
		account, err := processor.accounts.FindByCustomerID(ctx, customerID)
		if err == nil {
			return account.UserID, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.UserID{}, err
		}
	}
	return ledger.UserID{}, errUnknownUser
}

func (processor *Processor) unresolvedUser(kind EventKind, event webhook.VerifiedEvent, err error) (Outcome, error) {
	if !errors.Is(err, errUnknownUser) {
		return Outcome{Kind: kind}, err
	}
	processor.logger.Warn("event for unknown user ignored", zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	return ignored(kind, "", "unknown user"), nil
}

func (processor *Processor) recordOutcome(ctx context.Context, event webhook.VerifiedEvent, outcome Outcome) {
	details := map[string]string{"kind": outcome.Kind.String(), "event_type": event.Type}
	for key, value := range outcome.Details {
		details[key] = value
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeRecordTimeout)
	defer cancel()
	err := processor.events.RecordOutcome(recordCtx, ledger.EventOutcome{
		EventID:    event.ID,
		Status:     outcome.Status,
		UserID:     outcome.UserID,
		Summary:    outcome.Summary,
		Details:    details,
		RecordedAt: processor.clock().UTC(),
	})
	if err != nil {
		processor.logger.Error("record event outcome failed", zap.String("event_id", event.ID), zap.String("status", string(outcome.Status)), zap.Error(err))
	}
}

func rejectedTransition(kind EventKind, userID ledger.UserID, err error) (Outcome, bool) {
	if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrSubscriptionMismatch) {
		return ignored(kind, userID.String(), err.Error()), true
	}
	return Outcome{}, false
}

func applied(kind EventKind, account ledger.Account, summary string, details map[string]string) Outcome {
	if details == nil {
		details = map[string]string{}
	}
	details["balance"] = strconv.FormatInt(account.CoinBalance.Int64(), 10)
	details["subscription_state"] = account.SubscriptionState.String()
	return Outcome{
		Kind:    kind,
		Status:  ledger.OutcomeApplied,
		UserID:  account.UserID.String(),
		Summary: summary,
		Details: details,
	}
}

func ignored(kind EventKind, userID string, summary string) Outcome {
	return Outcome{Kind: kind, Status: ledger.OutcomeIgnored, UserID: userID, Summary: summary}
}

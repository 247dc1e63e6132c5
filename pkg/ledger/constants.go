package ledger

import "time"

var entryCutoffUnbounded = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

const (
	operationCredit       = "credit"
	operationDebit        = "debit"
	operationSubscription = "subscription"
	operationRenew        = "renew"
	operationOpen         = "open"
	operationPurchase     = "purchase"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonSignupBonus = "signup_bonus"
	reasonPurchase    = "purchase"
	reasonRenewal     = "subscription_renewal"

	// DefaultStoreTimeout bounds every individual store call.
	DefaultStoreTimeout = 3 * time.Second
	// DefaultMaxAttempts bounds the read-decide-write loop of a single mutation.
	DefaultMaxAttempts = 8
	// DefaultSignupCoins is the free balance granted when an account is opened.
	DefaultSignupCoins Coins = 10

	defaultInitialRetryInterval = 10 * time.Millisecond
	defaultMaxRetryInterval     = 250 * time.Millisecond
)

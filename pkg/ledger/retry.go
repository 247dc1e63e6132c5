package ledger

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a mutation is retried after losing a version race.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: defaultInitialRetryInterval,
		MaxInterval:     defaultMaxRetryInterval,
	}
}

func (policy RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	return policy
}

func (policy RetryPolicy) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	exponential.MaxInterval = policy.MaxInterval
	return exponential
}

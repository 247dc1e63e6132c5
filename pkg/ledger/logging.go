package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation         string
	UserID            UserID
	Amount            Coins
	Balance           Coins
	SubscriptionState SubscriptionState
	Reason            string
	MutationID        string
	Attempts          int
	Status            string
	Error             error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStoreTimeout bounds each individual store call.
func WithStoreTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.storeTimeout = timeout
		}
	}
}

// WithRetryPolicy replaces the conflict retry policy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = policy.withDefaults()
	}
}

// WithMutationIDGenerator replaces the generator of last_mutation_id values.
func WithMutationIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newMutationID = generate
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

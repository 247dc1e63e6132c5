// Package oplog forwards ledger operation logs to zap.
package oplog

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const messageOperation = "ledger operation"

// ZapLogger implements ledger.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards entries.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("ledger")}
}

// LogOperation writes one structured line per operation. Failures log at warn,
// and failures with an unknown outcome or an unavailable store log at error.
func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
		zap.Int("attempts", entry.Attempts),
	}
	if entry.SubscriptionState != "" {
		fields = append(fields, zap.String("subscription_state", entry.SubscriptionState.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.MutationID != "" {
		fields = append(fields, zap.String("mutation_id", entry.MutationID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(levelFor(entry), messageOperation, fields...)
}

func levelFor(entry ledger.OperationLog) zapcore.Level {
	switch {
	case entry.Error == nil:
		return zapcore.InfoLevel
	case errors.Is(entry.Error, ledger.ErrOutcomeUnknown) || ledger.IsRetryable(entry.Error):
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

var _ ledger.OperationLogger = (*ZapLogger)(nil)

package delivery

import (
	"context"
	"log/slog"

	"github.com/warp/market-engine/ledger"
)

// Log reports every delivery and notification as successful and only
// writes it to the logger. Used when no webhook is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Deliver(_ context.Context, payloadRef string, recipient ledger.AccountID, caption string) error {
	l.logger.Info("file delivered", "payload", payloadRef, "recipient", recipient, "caption", caption)
	return nil
}

func (l *Log) Notify(_ context.Context, account ledger.AccountID, message string) error {
	l.logger.Info("notification sent", "account", account, "message", message)
	return nil
}

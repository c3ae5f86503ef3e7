package market

import (
	"context"
	"log/slog"

	"github.com/warp/market-engine/ledger"
)

// Gateway transmits a purchased file to its buyer. A non-nil error means
// the file was not delivered; the engine never retries inside Purchase.
type Gateway interface {
	Deliver(ctx context.Context, payloadRef string, recipient ledger.AccountID, caption string) error
}

// Notifier sends a best-effort message to an account holder.
type Notifier interface {
	Notify(ctx context.Context, account ledger.AccountID, message string) error
}

// AffiliateLog records sales attributed to a referrer. Fire-and-forget.
type AffiliateLog interface {
	LogSale(ctx context.Context, referrer ledger.AccountID, productName string, price ledger.Amount) error
}

// =============================================================================
// NO-OP COLLABORATORS
// =============================================================================

// nopGateway reports every delivery as successful and only logs it.
type nopGateway struct{ logger *slog.Logger }

func (g nopGateway) Deliver(_ context.Context, payloadRef string, recipient ledger.AccountID, _ string) error {
	g.logger.Debug("delivery skipped, no gateway configured", "payload", payloadRef, "recipient", recipient)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ledger.AccountID, string) error { return nil }

type nopAffiliates struct{}

func (nopAffiliates) LogSale(context.Context, ledger.AccountID, string, ledger.Amount) error {
	return nil
}

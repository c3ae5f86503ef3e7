package delivery

import (
	"context"
	"errors"

	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

var (
	_ market.Gateway      = (*Webhook)(nil)
	_ market.Notifier     = (*Webhook)(nil)
	_ market.Gateway      = (*Log)(nil)
	_ market.Notifier     = (*Log)(nil)
	_ market.Notifier     = (*EventNotifier)(nil)
	_ market.AffiliateLog = (*AffiliateEvents)(nil)
	_ market.Notifier     = Notifiers(nil)
)

// Notifiers fans a notification out to every notifier and joins their errors.
type Notifiers []market.Notifier

func (ns Notifiers) Notify(ctx context.Context, account ledger.AccountID, message string) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, account, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

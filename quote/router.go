package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/market-engine/ledger"
)

// Router tries providers in order and returns the first price.
// Only ErrUnavailable moves on to the next provider.
type Router struct {
	providers []Provider
	logger    *slog.Logger
}

func NewRouter(logger *slog.Logger, providers ...Provider) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{providers: providers, logger: logger}
}

func (r *Router) Name() string { return "router" }

func (r *Router) Quote(ctx context.Context, p Pair) (ledger.Amount, error) {
	for _, provider := range r.providers {
		price, err := provider.Quote(ctx, p)
		if err == nil {
			return price, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return ledger.Amount{}, err
		}
		r.logger.Debug("quote provider skipped", "provider", provider.Name(), "pair", p.String(), "error", err)
	}
	return ledger.Amount{}, fmt.Errorf("%w: %s", ErrUnavailable, p)
}

// Resolve reports which provider answered, for display.
func (r *Router) Resolve(ctx context.Context, p Pair) (Result, error) {
	for _, provider := range r.providers {
		price, err := provider.Quote(ctx, p)
		if err == nil {
			return Result{Pair: p.String(), Price: price, Provider: provider.Name()}, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, p)
}

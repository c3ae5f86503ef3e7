package quote

import (
	"context"
	"fmt"

	"github.com/warp/market-engine/ledger"
)

var fiat = map[string]bool{"USD": true, "EUR": true, "GBP": true, "CHF": true, "JPY": true}

// Static serves prices from a fixed table. The simulated providers below
// stand in for the upstream APIs in development.
type Static struct {
	name     string
	prices   map[Pair]ledger.Amount
	fallback *ledger.Amount
	covers   func(Pair) bool // pairs the fallback answers
}

func NewStatic(name string, prices map[Pair]ledger.Amount) *Static {
	return &Static{name: name, prices: prices}
}

// WithFallback serves price for any pair covers accepts.
func (s *Static) WithFallback(price ledger.Amount, covers func(Pair) bool) *Static {
	s.fallback = &price
	s.covers = covers
	return s
}

func (s *Static) Name() string { return s.name }

func (s *Static) Quote(_ context.Context, p Pair) (ledger.Amount, error) {
	if price, ok := s.prices[p]; ok {
		return price, nil
	}
	if s.fallback != nil && s.covers(p) {
		return *s.fallback, nil
	}
	return ledger.Amount{}, fmt.Errorf("%w: %s has no price for %s", ErrUnavailable, s.name, p)
}

// SimulatedCrypto mirrors the crypto price feed used in development: three
// listed coins and a flat price for any other coin quoted in USD.
func SimulatedCrypto() *Static {
	return NewStatic("coingecko-sim", map[Pair]ledger.Amount{
		{Base: "BTC", Quote: "USD"}:  ledger.MustParseAmount("30000"),
		{Base: "ETH", Quote: "USD"}:  ledger.MustParseAmount("2000"),
		{Base: "DOGE", Quote: "USD"}: ledger.MustParseAmount("0.05"),
	}).WithFallback(ledger.MustParseAmount("123.45"), func(p Pair) bool {
		return p.Quote == "USD" && !fiat[p.Base]
	})
}

// SimulatedFX mirrors the exchange-rate feed used in development.
func SimulatedFX() *Static {
	return NewStatic("fx-sim", nil).
		WithFallback(ledger.MustParseAmount("1.23"), func(p Pair) bool {
			return fiat[p.Base] && fiat[p.Quote]
		})
}

// Package quote looks up external prices (crypto and FX) for display. It is
// kept apart from the transaction engine: no quote ever moves credit.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/market-engine/ledger"
)

var (
	// ErrUnavailable means no provider can price the pair right now.
	ErrUnavailable = errors.New("quote unavailable")

	ErrInvalidPair = errors.New("invalid currency pair")
)

// Pair is a currency pair such as BTC/USD.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair accepts "BTC/USD", "btc-usd" or "BTC_USD".
func ParsePair(s string) (Pair, error) {
	sep := strings.IndexAny(s, "/-_")
	if sep <= 0 || sep == len(s)-1 {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	p := Pair{
		Base:  strings.ToUpper(strings.TrimSpace(s[:sep])),
		Quote: strings.ToUpper(strings.TrimSpace(s[sep+1:])),
	}
	if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	return p, nil
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Provider prices a pair. Implementations return ErrUnavailable (possibly
// wrapped) when they do not cover the pair or their upstream is down.
type Provider interface {
	Name() string
	Quote(ctx context.Context, p Pair) (ledger.Amount, error)
}

// Result is what callers display.
type Result struct {
	Pair     string        `json:"pair"`
	Price    ledger.Amount `json:"price"`
	Provider string        `json:"provider"`
}

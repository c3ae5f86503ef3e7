package market

import (
	"github.com/shopspring/decimal"
	"github.com/warp/market-engine/ledger"
)

// DefaultFeeRate is charged twice: once on top of the price to the buyer and
// once out of the price to the seller.
var DefaultFeeRate = decimal.RequireFromString("0.01")

// FeeSchedule computes the two-sided platform fee.
//
//	buyer fee  = round(price * rate, 2)     gross = price + buyer fee
//	seller fee = round(price * rate, 2)     net   = price - seller fee
//	platform   = buyer fee + seller fee
//
// gross == net + platform, so a purchase moves no credit in or out of the system.
// The double charge (2% effective take at the default rate) matches the
// deployed behaviour and is kept until product confirms a single fee.
type FeeSchedule struct {
	Rate decimal.Decimal
}

func NewFeeSchedule(rate decimal.Decimal) FeeSchedule {
	return FeeSchedule{Rate: rate}
}

// PriceQuote is the full breakdown of one purchase.
type PriceQuote struct {
	Price     ledger.Amount `json:"price"`
	BuyerFee  ledger.Amount `json:"buyer_fee"`
	Gross     ledger.Amount `json:"gross"`
	SellerFee ledger.Amount `json:"seller_fee"`
	Net       ledger.Amount `json:"net"`
	Fee       ledger.Amount `json:"platform_fee"`
}

func (f FeeSchedule) Quote(price ledger.Amount) PriceQuote {
	side := price.Mul(f.Rate).Round()
	return PriceQuote{
		Price:     price,
		BuyerFee:  side,
		Gross:     price.Add(side),
		SellerFee: side,
		Net:       price.Sub(side),
		Fee:       side.Add(side),
	}
}

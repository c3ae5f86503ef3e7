/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  domain types (which carry no json tags) from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

MONEY:
  Every amount is a fixed-point string ("101.00"), never a float.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Price       ledger.Amount `json:"price"`
	Currency    string        `json:"currency"`
	Category    string        `json:"category"`
	Status      string        `json:"status"`
	SoldCount   int           `json:"sold_count"`
	PayloadRef  string        `json:"payload_ref,omitempty"` // owner only
	CreatedAt   string        `json:"created_at"`
}

type CreateProductRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Price       ledger.Amount `json:"price"`
	Currency    string        `json:"currency"`
	PayloadRef  string        `json:"payload_ref"`
	Category    string        `json:"category"`
}

// ProductDetailResponse is the product view with its purchase breakdown.
type ProductDetailResponse struct {
	Product ProductDTO        `json:"product"`
	Quote   market.PriceQuote `json:"quote"`
}

type PurchaseRequest struct {
	ReferrerID string `json:"referrer_id,omitempty"`
}

// =============================================================================
// SALES
// =============================================================================

type SaleDTO struct {
	ID          string        `json:"id"`
	ProductID   string        `json:"product_id"`
	ProductName string        `json:"product_name"`
	BuyerID     string        `json:"buyer_id"`
	SellerID    string        `json:"seller_id"`
	ReferrerID  string        `json:"referrer_id,omitempty"`
	Price       ledger.Amount `json:"price"`
	Gross       ledger.Amount `json:"gross"`
	Fee         ledger.Amount `json:"fee"`
	Net         ledger.Amount `json:"net"`
	Currency    string        `json:"currency"`
	TransferID  string        `json:"transfer_id"`
	Outcome     string        `json:"outcome"`
	CreatedAt   string        `json:"created_at"`
}

type DeliveryAttemptDTO struct {
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

type ReceiptDTO struct {
	Sale     SaleDTO            `json:"sale"`
	Quote    market.PriceQuote  `json:"quote"`
	Delivery DeliveryAttemptDTO `json:"delivery"`
	Outcome  string             `json:"outcome"`
}

type SaleDetailResponse struct {
	Sale           SaleDTO              `json:"sale"`
	DeliveryStatus string               `json:"delivery_status"`
	Attempts       []DeliveryAttemptDTO `json:"attempts"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type BalanceDTO struct {
	Account  string        `json:"account"`
	Balance  ledger.Amount `json:"balance"`
	Currency string        `json:"currency"`
}

type EntryDTO struct {
	TransferID   string        `json:"transfer_id"`
	Counterparty string        `json:"counterparty"`
	Delta        ledger.Amount `json:"delta"`
	Reason       string        `json:"reason"`
	Reference    string        `json:"reference,omitempty"`
	CreatedAt    string        `json:"created_at"`
}

// FundsRequest is used for deposits and payouts.
type FundsRequest struct {
	Amount    ledger.Amount `json:"amount"`
	Reference string        `json:"reference,omitempty"`
}

type FundsResponse struct {
	TransferID string        `json:"transfer_id"`
	Balance    ledger.Amount `json:"balance"`
}

// =============================================================================
// ADMIN
// =============================================================================

type StatsDTO struct {
	Accounts       int           `json:"accounts"`
	Products       int           `json:"products"`
	ActiveProducts int           `json:"active_products"`
	Sales          int           `json:"sales"`
	Volume         ledger.Amount `json:"volume"`
	PlatformFees   ledger.Amount `json:"platform_fees"`
	Halted         bool          `json:"halted"`
}

type VerifyResponse struct {
	Consistent bool   `json:"consistent"`
	Error      string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toProductDTO(p catalog.Product, viewer ledger.AccountID) ProductDTO {
	dto := ProductDTO{
		ID:          string(p.ID),
		OwnerID:     string(p.OwnerID),
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Currency:    string(p.Currency),
		Category:    string(p.Category),
		Status:      string(p.Status),
		SoldCount:   p.SoldCount,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
	if viewer == p.OwnerID {
		dto.PayloadRef = p.PayloadRef
	}
	return dto
}

func toProductDTOs(ps []catalog.Product, viewer ledger.AccountID) []ProductDTO {
	dtos := make([]ProductDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toProductDTO(p, viewer)
	}
	return dtos
}

func toSaleDTO(s market.Sale) SaleDTO {
	return SaleDTO{
		ID:          string(s.ID),
		ProductID:   string(s.ProductID),
		ProductName: s.ProductName,
		BuyerID:     string(s.BuyerID),
		SellerID:    string(s.SellerID),
		ReferrerID:  string(s.ReferrerID),
		Price:       s.Price,
		Gross:       s.Gross,
		Fee:         s.Fee,
		Net:         s.Net,
		Currency:    string(s.Currency),
		TransferID:  string(s.TransferID),
		Outcome:     string(s.Outcome),
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

func toAttemptDTO(a market.DeliveryAttempt) DeliveryAttemptDTO {
	return DeliveryAttemptDTO{
		Attempt: a.Attempt,
		Status:  string(a.Status),
		Reason:  a.Reason,
		At:      a.At.Format(time.RFC3339),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		TransferID:   string(e.TransferID),
		Counterparty: string(e.Counterparty),
		Delta:        e.Delta,
		Reason:       e.Reason,
		Reference:    e.Reference,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

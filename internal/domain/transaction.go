package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType enumerates the stock-affecting operations
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionSale       TransactionType = "sale"
	TransactionReturn     TransactionType = "return"
	TransactionAdjustment TransactionType = "adjustment"
)

// TransactionTypes lists every transaction type in reporting order
var TransactionTypes = []TransactionType{
	TransactionPurchase,
	TransactionSale,
	TransactionReturn,
	TransactionAdjustment,
}

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionSale, TransactionReturn, TransactionAdjustment:
		return true
	}
	return false
}

// StockDelta returns the signed stock change a line item of this type applies.
// Adjustment quantities are signed: a positive quantity removes stock, a negative one adds it back.
func (t TransactionType) StockDelta(quantity int) int {
	switch t {
	case TransactionPurchase, TransactionReturn:
		return quantity
	default:
		return -quantity
	}
}

// ReversalDelta returns the signed stock change that undoes StockDelta
func (t TransactionType) ReversalDelta(quantity int) int {
	return -t.StockDelta(quantity)
}

// ReferencePrefix is the prefix of auto-generated references
func (t TransactionType) ReferencePrefix() string {
	switch t {
	case TransactionPurchase:
		return "PO"
	case TransactionSale:
		return "SO"
	case TransactionReturn:
		return "RT"
	default:
		return "ADJ"
	}
}

// DefaultReference builds the reference used when the caller supplies none
func (t TransactionType) DefaultReference(at time.Time) string {
	return fmt.Sprintf("%s-%d", t.ReferencePrefix(), at.UnixMilli())
}

// DefaultNotes is the history note used when the caller supplies none
func (t TransactionType) DefaultNotes() string {
	switch t {
	case TransactionPurchase:
		return "Purchase transaction"
	case TransactionSale:
		return "Sale transaction"
	case TransactionReturn:
		return "Return transaction"
	default:
		return "Stock adjustment"
	}
}

// LineItem is one product movement inside a transaction
type LineItem struct {
	ProductID uuid.UUID       `json:"product_id" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// Amount is the absolute value of the line
func (li LineItem) Amount() decimal.Decimal {
	quantity := li.Quantity
	if quantity < 0 {
		quantity = -quantity
	}
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Transaction is an immutable inventory transaction record
type Transaction struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Type        TransactionType `json:"type" db:"type"`
	Date        time.Time       `json:"date" db:"date"`
	Items       []LineItem      `json:"items" db:"-"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Reference   string          `json:"reference" db:"reference"`
	Notes       string          `json:"notes" db:"notes"`
	CreatedBy   *uuid.UUID      `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ReversalReference is the history reference of a deleted transaction's compensation
func (t *Transaction) ReversalReference() string {
	return "reversal-" + t.ID.String()
}

// ReversalNotes is the history note of a deleted transaction's compensation
func (t *Transaction) ReversalNotes() string {
	return fmt.Sprintf("Reversal of %s transaction #%s", t.Type, t.ID)
}

// SumItems totals the line items
func SumItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount())
	}
	return total
}

// TypeStats aggregates the transactions of one type
type TypeStats struct {
	TotalValue decimal.Decimal `json:"total_value"`
	Count      int             `json:"count"`
}

// TransactionStats is the per-type summary with derived profit
type TransactionStats struct {
	Purchases   TypeStats       `json:"purchases"`
	Sales       TypeStats       `json:"sales"`
	Returns     TypeStats       `json:"returns"`
	Adjustments TypeStats       `json:"adjustments"`
	Profit      decimal.Decimal `json:"profit"`
}

// NewTransactionStats builds the summary from per-type aggregates.
// Adjustments are excluded from profit.
func NewTransactionStats(byType map[TransactionType]TypeStats) *TransactionStats {
	get := func(t TransactionType) TypeStats {
		if s, ok := byType[t]; ok {
			return s
		}
		return TypeStats{TotalValue: decimal.Zero}
	}

	stats := &TransactionStats{
		Purchases:   get(TransactionPurchase),
		Sales:       get(TransactionSale),
		Returns:     get(TransactionReturn),
		Adjustments: get(TransactionAdjustment),
	}
	stats.Profit = stats.Sales.TotalValue.Sub(stats.Purchases.TotalValue).Add(stats.Returns.TotalValue)
	return stats
}

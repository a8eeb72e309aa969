package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMinThreshold is the low-stock threshold used when none is given
const DefaultMinThreshold = 5

// StockDirection tells whether a stock history entry added or removed units
type StockDirection string

const (
	StockIn  StockDirection = "in"
	StockOut StockDirection = "out"
)

// DirectionOf returns the direction of a signed stock delta
func DirectionOf(delta int) StockDirection {
	if delta < 0 {
		return StockOut
	}
	return StockIn
}

// Price holds the purchase and selling price of a product
type Price struct {
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
	SellingPrice  decimal.Decimal `json:"selling_price" db:"selling_price"`
}

// Stock holds the on-hand quantity of a product
type Stock struct {
	Quantity     int    `json:"quantity" db:"stock_quantity"`
	MinThreshold int    `json:"min_threshold" db:"min_threshold"`
	Location     string `json:"location" db:"location"`
}

// Supplier identifies where a product is sourced from
type Supplier struct {
	Name        string `json:"name" db:"supplier_name"`
	ContactInfo string `json:"contact_info" db:"supplier_contact"`
}

// StockHistoryEntry is one append-only record of a stock quantity change
type StockHistoryEntry struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	ProductID uuid.UUID      `json:"product_id" db:"product_id"`
	Quantity  int            `json:"quantity" db:"quantity"`
	Direction StockDirection `json:"direction" db:"direction"`
	Notes     string         `json:"notes" db:"notes"`
	Reference string         `json:"reference" db:"reference"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Product represents a product in the catalog. It always belongs to a leaf category.
type Product struct {
	ID             uuid.UUID              `json:"id" db:"id"`
	Name           string                 `json:"name" db:"name"`
	Description    string                 `json:"description" db:"description"`
	SKU            string                 `json:"sku" db:"sku"`
	CategoryID     uuid.UUID              `json:"category_id" db:"category_id"`
	Type           string                 `json:"type" db:"type"`
	Specifications map[string]interface{} `json:"specifications,omitempty" db:"specifications"`
	Brand          string                 `json:"brand" db:"brand"`
	Price          Price                  `json:"price"`
	Stock          Stock                  `json:"stock"`
	Supplier       Supplier               `json:"supplier"`
	StockHistory   []StockHistoryEntry    `json:"stock_history,omitempty" db:"-"`
	IsActive       bool                   `json:"is_active" db:"is_active"`
	Images         []string               `json:"images" db:"images"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// StockValue is the current quantity valued at the selling price
func (p *Product) StockValue() decimal.Decimal {
	return p.Price.SellingPrice.Mul(decimal.NewFromInt(int64(p.Stock.Quantity)))
}

// IsLowStock reports whether the quantity has reached the minimum threshold
func (p *Product) IsLowStock() bool {
	return p.Stock.Quantity <= p.Stock.MinThreshold
}

// NewHistoryEntry builds the history entry for a signed stock delta
func (p *Product) NewHistoryEntry(delta int, notes, reference string, at time.Time) StockHistoryEntry {
	quantity := delta
	if quantity < 0 {
		quantity = -quantity
	}
	return StockHistoryEntry{
		ID:        uuid.New(),
		ProductID: p.ID,
		Quantity:  quantity,
		Direction: DirectionOf(delta),
		Notes:     notes,
		Reference: reference,
		CreatedAt: at,
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category is a node of the product category tree.
// Path lists ancestor ids root-first; Level is the depth (0 = root).
// TotalProducts and TotalStockValue are an eagerly maintained rollup of
// the direct products plus the stored totals of every child.
type Category struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Description     string          `json:"description" db:"description"`
	ParentID        *uuid.UUID      `json:"parent_id" db:"parent_id"`
	Path            []uuid.UUID     `json:"path" db:"path"`
	Level           int             `json:"level" db:"level"`
	TotalProducts   int             `json:"total_products" db:"total_products"`
	TotalStockValue decimal.Decimal `json:"total_stock_value" db:"total_stock_value"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`

	Children []*Category `json:"children,omitempty" db:"-"`
}

// IsRoot reports whether the category has no parent
func (c *Category) IsRoot() bool {
	return c.ParentID == nil
}

// RootID returns the id of the tree root this category belongs to
func (c *Category) RootID() uuid.UUID {
	if len(c.Path) > 0 {
		return c.Path[0]
	}
	return c.ID
}

// ChildPath returns the path a direct child of this category must carry
func (c *Category) ChildPath() []uuid.UUID {
	path := make([]uuid.UUID, 0, len(c.Path)+1)
	path = append(path, c.Path...)
	return append(path, c.ID)
}

// HasAncestor reports whether id appears in the category's ancestor path
func (c *Category) HasAncestor(id uuid.UUID) bool {
	for _, ancestor := range c.Path {
		if ancestor == id {
			return true
		}
	}
	return false
}

// CategoryTotals is the rollup persisted on a category node
type CategoryTotals struct {
	Products   int
	StockValue decimal.Decimal
}

// Add returns the sum of two rollups
func (t CategoryTotals) Add(other CategoryTotals) CategoryTotals {
	return CategoryTotals{
		Products:   t.Products + other.Products,
		StockValue: t.StockValue.Add(other.StockValue),
	}
}

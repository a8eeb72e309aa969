package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	initialStockNotes = "Initial stock"
	manualStockNotes  = "Manual adjustment"
)

// CreateProductInput holds the fields of a new product
type CreateProductInput struct {
	Name           string
	Description    string
	SKU            string
	CategoryID     uuid.UUID
	Type           string
	Specifications map[string]interface{}
	Brand          string
	PurchasePrice  decimal.Decimal
	SellingPrice   decimal.Decimal
	Quantity       int
	MinThreshold   *int
	Location       string
	Supplier       domain.Supplier
	IsActive       *bool
	Images         []string
}

// UpdateProductInput holds a partial product update. Nil fields are left unchanged.
type UpdateProductInput struct {
	Name             *string
	Description      *string
	SKU              *string
	CategoryID       *uuid.UUID
	Type             *string
	Specifications   map[string]interface{}
	Brand            *string
	PurchasePrice    *decimal.Decimal
	SellingPrice     *decimal.Decimal
	Quantity         *int
	MinThreshold     *int
	Location         *string
	Supplier         *domain.Supplier
	IsActive         *bool
	Images           []string
	StockChangeNotes string
}

// ProductService defines the interface for product business logic
type ProductService interface {
	Create(ctx context.Context, input CreateProductInput) (*domain.Product, error)
	// Get returns the product with its stock history
	Get(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	List(ctx context.Context, filter repository.ProductFilter) ([]*domain.Product, int, error)
	Search(ctx context.Context, query string, page, pageSize int) ([]*domain.Product, int, error)
	LowStock(ctx context.Context) ([]*domain.Product, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateProductInput) (*domain.Product, error)
	// SetStock sets the on-hand quantity and records the change in the stock history
	SetStock(ctx context.Context, id uuid.UUID, quantity int, notes string) (*domain.Product, error)
	Delete(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, id uuid.UUID) ([]domain.StockHistoryEntry, error)
}

type productService struct {
	productRepo  repository.ProductRepository
	categoryRepo repository.CategoryRepository
	aggregates   AggregateService
	txManager    repository.TxManager
	logger       *zap.Logger
	now          func() time.Time
}

// NewProductService creates a new instance of ProductService
func NewProductService(
	productRepo repository.ProductRepository,
	categoryRepo repository.CategoryRepository,
	aggregates AggregateService,
	txManager repository.TxManager,
	logger *zap.Logger,
) ProductService {
	return &productService{
		productRepo:  productRepo,
		categoryRepo: categoryRepo,
		aggregates:   aggregates,
		txManager:    txManager,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *productService) findProduct(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Product, error) {
	find := s.productRepo.FindByID
	if forUpdate {
		find = s.productRepo.FindByIDForUpdate
	}
	product, err := find(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, domain.NotFoundf("product %s not found", id)
		}
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	return product, nil
}

// leafCategory locks the trees of the category and of alsoLock, then
// checks the category can hold products
func (s *productService) leafCategory(ctx context.Context, id uuid.UUID, alsoLock ...uuid.UUID) (*domain.Category, error) {
	locked, err := lockTreesOf(ctx, s.categoryRepo, append([]uuid.UUID{id}, alsoLock...)...)
	if err != nil {
		return nil, err
	}
	category := locked[0]

	hasChildren, err := s.categoryRepo.HasChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	if hasChildren {
		return nil, domain.Conflictf("category %q has subcategories; products can only be added to leaf categories", category.Name)
	}
	return category, nil
}

func (s *productService) ensureSKUAvailable(ctx context.Context, sku string, self uuid.UUID) error {
	existing, err := s.productRepo.FindBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check sku: %w", err)
	}
	if existing.ID != self {
		return domain.Conflictf("sku %q is already in use", sku)
	}
	return nil
}

func translateProductError(err error, product *domain.Product) error {
	switch {
	case errors.Is(err, repository.ErrSKUAlreadyExists):
		return domain.Conflictf("sku %q is already in use", product.SKU)
	case errors.Is(err, repository.ErrCategoryNotFound):
		return domain.NotFoundf("category %s not found", product.CategoryID)
	case errors.Is(err, repository.ErrStockWouldGoNegative):
		return domain.InvalidStatef("stock of product %s cannot be negative", product.ID)
	case errors.Is(err, repository.ErrProductNotFound):
		return domain.NotFoundf("product %s not found", product.ID)
	}
	return err
}

func validatePrices(purchase, selling decimal.Decimal) error {
	if purchase.IsNegative() || selling.IsNegative() {
		return domain.Validationf("prices cannot be negative")
	}
	return nil
}

// Create adds a product to a leaf category
func (s *productService) Create(ctx context.Context, input CreateProductInput) (*domain.Product, error) {
	if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.SKU) == "" {
		return nil, domain.Validationf("name and sku are required")
	}
	if input.Quantity < 0 {
		return nil, domain.Validationf("stock quantity cannot be negative")
	}
	if err := validatePrices(input.PurchasePrice, input.SellingPrice); err != nil {
		return nil, err
	}

	now := s.now()
	product := &domain.Product{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		SKU:            strings.TrimSpace(input.SKU),
		CategoryID:     input.CategoryID,
		Type:           input.Type,
		Specifications: input.Specifications,
		Brand:          input.Brand,
		Price: domain.Price{
			PurchasePrice: input.PurchasePrice,
			SellingPrice:  input.SellingPrice,
		},
		Stock: domain.Stock{
			Quantity:     input.Quantity,
			MinThreshold: domain.DefaultMinThreshold,
			Location:     input.Location,
		},
		Supplier:  input.Supplier,
		IsActive:  true,
		Images:    input.Images,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.MinThreshold != nil {
		product.Stock.MinThreshold = *input.MinThreshold
	}
	if input.IsActive != nil {
		product.IsActive = *input.IsActive
	}
	if product.Images == nil {
		product.Images = []string{}
	}

	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.leafCategory(ctx, input.CategoryID); err != nil {
			return err
		}
		if err := s.ensureSKUAvailable(ctx, product.SKU, product.ID); err != nil {
			return err
		}

		if err := s.productRepo.Create(ctx, product); err != nil {
			return translateProductError(err, product)
		}

		if product.Stock.Quantity > 0 {
			entry := product.NewHistoryEntry(product.Stock.Quantity, initialStockNotes, "", now)
			if err := s.productRepo.AppendHistory(ctx, entry); err != nil {
				return err
			}
			product.StockHistory = []domain.StockHistoryEntry{entry}
		}

		return s.aggregates.Recompute(ctx, product.CategoryID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Product created",
		zap.String("product_id", product.ID.String()),
		zap.String("sku", product.SKU),
	)
	return product, nil
}

// Get retrieves a product with its stock history
func (s *productService) Get(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	product, err := s.findProduct(ctx, id, false)
	if err != nil {
		return nil, err
	}

	history, err := s.productRepo.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock history: %w", err)
	}
	product.StockHistory = history
	return product, nil
}

// List retrieves products with filtering, pagination and sorting
func (s *productService) List(ctx context.Context, filter repository.ProductFilter) ([]*domain.Product, int, error) {
	if filter.MinPrice != nil && filter.MaxPrice != nil && filter.MinPrice.GreaterThan(*filter.MaxPrice) {
		return nil, 0, domain.Validationf("min_price cannot exceed max_price")
	}
	products, total, err := s.productRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	return products, total, nil
}

// Search searches products by name, description or sku
func (s *productService) Search(ctx context.Context, query string, page, pageSize int) ([]*domain.Product, int, error) {
	products, total, err := s.productRepo.Search(ctx, query, page, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search products: %w", err)
	}
	return products, total, nil
}

// LowStock retrieves products at or below their minimum threshold
func (s *productService) LowStock(ctx context.Context) ([]*domain.Product, error) {
	products, err := s.productRepo.LowStock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	return products, nil
}

// Update applies a partial update and keeps history and rollups in step
func (s *productService) Update(ctx context.Context, id uuid.UUID, input UpdateProductInput) (*domain.Product, error) {
	if input.Quantity != nil && *input.Quantity < 0 {
		return nil, domain.Validationf("stock quantity cannot be negative")
	}
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, domain.Validationf("name cannot be empty")
	}
	if input.SKU != nil && strings.TrimSpace(*input.SKU) == "" {
		return nil, domain.Validationf("sku cannot be empty")
	}

	var updated *domain.Product
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		product, err := s.findProduct(ctx, id, true)
		if err != nil {
			return err
		}

		oldCategoryID := product.CategoryID
		moved := input.CategoryID != nil && *input.CategoryID != oldCategoryID
		if moved {
			if _, err := s.leafCategory(ctx, *input.CategoryID, oldCategoryID); err != nil {
				return err
			}
			product.CategoryID = *input.CategoryID
		} else if _, err := lockTreesOf(ctx, s.categoryRepo, oldCategoryID); err != nil {
			return err
		}

		if input.SKU != nil && strings.TrimSpace(*input.SKU) != product.SKU {
			product.SKU = strings.TrimSpace(*input.SKU)
			if err := s.ensureSKUAvailable(ctx, product.SKU, product.ID); err != nil {
				return err
			}
		}

		oldSellingPrice := product.Price.SellingPrice
		oldQuantity := product.Stock.Quantity
		applyProductUpdate(product, input)
		if err := validatePrices(product.Price.PurchasePrice, product.Price.SellingPrice); err != nil {
			return err
		}

		now := s.now()
		product.UpdatedAt = now
		if err := s.productRepo.Update(ctx, product); err != nil {
			return translateProductError(err, product)
		}

		quantityChanged := product.Stock.Quantity != oldQuantity
		if quantityChanged {
			notes := input.StockChangeNotes
			if notes == "" {
				notes = manualStockNotes
			}
			entry := product.NewHistoryEntry(product.Stock.Quantity-oldQuantity, notes, "", now)
			if err := s.productRepo.AppendHistory(ctx, entry); err != nil {
				return err
			}
		}

		switch {
		case moved:
			err = s.aggregates.RecomputeMany(ctx, []uuid.UUID{oldCategoryID, product.CategoryID})
		case quantityChanged || !product.Price.SellingPrice.Equal(oldSellingPrice):
			err = s.aggregates.Recompute(ctx, product.CategoryID)
		}
		if err != nil {
			return err
		}

		updated = product
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func applyProductUpdate(product *domain.Product, input UpdateProductInput) {
	if input.Name != nil {
		product.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		product.Description = *input.Description
	}
	if input.Type != nil {
		product.Type = *input.Type
	}
	if input.Specifications != nil {
		product.Specifications = input.Specifications
	}
	if input.Brand != nil {
		product.Brand = *input.Brand
	}
	if input.PurchasePrice != nil {
		product.Price.PurchasePrice = *input.PurchasePrice
	}
	if input.SellingPrice != nil {
		product.Price.SellingPrice = *input.SellingPrice
	}
	if input.Quantity != nil {
		product.Stock.Quantity = *input.Quantity
	}
	if input.MinThreshold != nil {
		product.Stock.MinThreshold = *input.MinThreshold
	}
	if input.Location != nil {
		product.Stock.Location = *input.Location
	}
	if input.Supplier != nil {
		product.Supplier = *input.Supplier
	}
	if input.IsActive != nil {
		product.IsActive = *input.IsActive
	}
	if input.Images != nil {
		product.Images = input.Images
	}
}

// SetStock sets an absolute stock quantity
func (s *productService) SetStock(ctx context.Context, id uuid.UUID, quantity int, notes string) (*domain.Product, error) {
	if quantity < 0 {
		return nil, domain.Validationf("stock quantity cannot be negative")
	}

	var updated *domain.Product
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		product, err := s.findProduct(ctx, id, true)
		if err != nil {
			return err
		}

		delta := quantity - product.Stock.Quantity
		if delta == 0 {
			updated = product
			return nil
		}

		now := s.now()
		if err := s.productRepo.UpdateStock(ctx, id, quantity, now); err != nil {
			return translateProductError(err, product)
		}
		if notes == "" {
			notes = manualStockNotes
		}
		if err := s.productRepo.AppendHistory(ctx, product.NewHistoryEntry(delta, notes, "", now)); err != nil {
			return err
		}

		product.Stock.Quantity = quantity
		product.UpdatedAt = now
		updated = product
		return s.aggregates.Recompute(ctx, product.CategoryID)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Delete removes a product and refreshes its category rollup
func (s *productService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		product, err := s.findProduct(ctx, id, true)
		if err != nil {
			return err
		}

		if err := s.productRepo.Delete(ctx, id); err != nil {
			return translateProductError(err, product)
		}

		s.logger.Info("Product deleted", zap.String("product_id", id.String()))
		return s.aggregates.Recompute(ctx, product.CategoryID)
	})
}

// History returns the stock history of a product, oldest first
func (s *productService) History(ctx context.Context, id uuid.UUID) ([]domain.StockHistoryEntry, error) {
	if _, err := s.findProduct(ctx, id, false); err != nil {
		return nil, err
	}
	history, err := s.productRepo.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock history: %w", err)
	}
	return history, nil
}

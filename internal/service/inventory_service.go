package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/metrics"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateTransactionInput holds a stock-affecting operation request.
// TotalAmount defaults to the sum of the line amounts, Date to now and
// Reference to a type prefix plus a millisecond timestamp.
type CreateTransactionInput struct {
	Type        domain.TransactionType
	Items       []domain.LineItem
	TotalAmount *decimal.Decimal
	Reference   string
	Notes       string
	Date        *time.Time
	CreatedBy   *uuid.UUID
}

// DeleteResult reports a completed reversal. SkippedProducts lists line items
// whose product no longer existed and was therefore left untouched.
type DeleteResult struct {
	TransactionID   uuid.UUID              `json:"transaction_id"`
	Type            domain.TransactionType `json:"type"`
	SkippedProducts []uuid.UUID            `json:"skipped_products"`
}

// InventoryService is the transaction engine. Every call that changes stock
// runs as one atomic scope covering product stock, stock history, the
// transaction record and the affected category rollups.
type InventoryService interface {
	Create(ctx context.Context, input CreateTransactionInput) (*domain.Transaction, error)
	// Delete reverses every stock change of a transaction and removes it
	Delete(ctx context.Context, id uuid.UUID) (*DeleteResult, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	List(ctx context.Context, filter repository.TransactionFilter) (*repository.TransactionPage, error)
	Stats(ctx context.Context, from, to *time.Time) (*domain.TransactionStats, error)
}

type inventoryService struct {
	txnRepo     repository.TransactionRepository
	productRepo repository.ProductRepository
	aggregates  AggregateService
	txManager   repository.TxManager
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewInventoryService creates a new instance of InventoryService
func NewInventoryService(
	txnRepo repository.TransactionRepository,
	productRepo repository.ProductRepository,
	aggregates AggregateService,
	txManager repository.TxManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) InventoryService {
	return &inventoryService{
		txnRepo:     txnRepo,
		productRepo: productRepo,
		aggregates:  aggregates,
		txManager:   txManager,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

func validateTransactionInput(input CreateTransactionInput) error {
	if !input.Type.Valid() {
		return domain.Validationf("unknown transaction type %q", input.Type)
	}
	if len(input.Items) == 0 {
		return domain.Validationf("a transaction needs at least one line item")
	}
	for i, item := range input.Items {
		if item.ProductID == uuid.Nil {
			return domain.Validationf("item %d: product id is required", i+1)
		}
		if input.Type == domain.TransactionAdjustment {
			if item.Quantity == 0 {
				return domain.Validationf("item %d: adjustment quantity cannot be zero", i+1)
			}
		} else if item.Quantity <= 0 {
			return domain.Validationf("item %d: quantity must be positive", i+1)
		}
		if item.UnitPrice.IsNegative() {
			return domain.Validationf("item %d: unit price cannot be negative", i+1)
		}
	}
	if input.TotalAmount != nil && input.TotalAmount.IsNegative() {
		return domain.Validationf("total amount cannot be negative")
	}
	return nil
}

// lockProducts row-locks the distinct products in id order so concurrent
// transactions touching the same products queue instead of deadlocking.
// Missing products are absent from the result.
func (s *inventoryService) lockProducts(ctx context.Context, items []domain.LineItem) (map[uuid.UUID]*domain.Product, error) {
	ids := make([]uuid.UUID, 0, len(items))
	seen := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	products := make(map[uuid.UUID]*domain.Product, len(ids))
	for _, id := range ids {
		product, err := s.productRepo.FindByIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrProductNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load product %s: %w", id, err)
		}
		products[id] = product
	}
	return products, nil
}

// persistStock writes the final quantity of every touched product and
// returns their distinct categories
func (s *inventoryService) persistStock(ctx context.Context, touched map[uuid.UUID]*domain.Product, at time.Time) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	categories := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool)
	for _, id := range ids {
		product := touched[id]
		if err := s.productRepo.UpdateStock(ctx, id, product.Stock.Quantity, at); err != nil {
			if errors.Is(err, repository.ErrStockWouldGoNegative) {
				return nil, domain.InvalidStatef("stock of product %s (%s) cannot go below zero", product.Name, id)
			}
			return nil, fmt.Errorf("failed to update stock of product %s: %w", id, err)
		}
		if !seen[product.CategoryID] {
			seen[product.CategoryID] = true
			categories = append(categories, product.CategoryID)
		}
	}
	return categories, nil
}

// Create applies every line item and records the transaction, or nothing at all
func (s *inventoryService) Create(ctx context.Context, input CreateTransactionInput) (*domain.Transaction, error) {
	if err := validateTransactionInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	txn := &domain.Transaction{
		ID:          uuid.New(),
		Type:        input.Type,
		Date:        now,
		Items:       append([]domain.LineItem(nil), input.Items...),
		TotalAmount: domain.SumItems(input.Items),
		Reference:   strings.TrimSpace(input.Reference),
		Notes:       input.Notes,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
	}
	if input.Date != nil {
		txn.Date = *input.Date
	}
	if input.TotalAmount != nil {
		txn.TotalAmount = *input.TotalAmount
	}
	if txn.Reference == "" {
		txn.Reference = input.Type.DefaultReference(now)
	}
	notes := input.Notes
	if notes == "" {
		notes = input.Type.DefaultNotes()
	}

	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		products, err := s.lockProducts(ctx, txn.Items)
		if err != nil {
			return err
		}

		touched := make(map[uuid.UUID]*domain.Product, len(products))
		for i, item := range txn.Items {
			product, ok := products[item.ProductID]
			if !ok {
				return domain.NotFoundf("item %d: product %s not found", i+1, item.ProductID)
			}

			delta := txn.Type.StockDelta(item.Quantity)
			if product.Stock.Quantity+delta < 0 {
				s.metrics.RecordInsufficientStock(string(txn.Type))
				return domain.InvalidStatef("insufficient stock for product %q (%s): available %d, requested %d",
					product.Name, product.ID, product.Stock.Quantity, -delta)
			}

			product.Stock.Quantity += delta
			if err := s.productRepo.AppendHistory(ctx, product.NewHistoryEntry(delta, notes, txn.Reference, now)); err != nil {
				return err
			}
			touched[product.ID] = product
		}

		categories, err := s.persistStock(ctx, touched, now)
		if err != nil {
			return err
		}

		if err := s.txnRepo.Create(ctx, txn); err != nil {
			return fmt.Errorf("failed to record transaction: %w", err)
		}

		return s.aggregates.RecomputeMany(ctx, categories)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindInvalidState) || domain.IsKind(err, domain.KindNotFound) {
			s.logger.Warn("Transaction rejected",
				zap.String("type", string(input.Type)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.metrics.RecordTransactionCreated(string(txn.Type))
	s.logger.Info("Transaction created",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("type", string(txn.Type)),
		zap.Int("items", len(txn.Items)),
		zap.String("total_amount", txn.TotalAmount.StringFixed(2)),
	)
	return txn, nil
}

// Delete reverses a transaction. A line item whose product no longer exists
// is skipped and reported; any other failure aborts the whole reversal.
func (s *inventoryService) Delete(ctx context.Context, id uuid.UUID) (*DeleteResult, error) {
	result := &DeleteResult{TransactionID: id, SkippedProducts: []uuid.UUID{}}

	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		result.SkippedProducts = []uuid.UUID{}

		txn, err := s.txnRepo.FindByIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				return domain.NotFoundf("transaction %s not found", id)
			}
			return fmt.Errorf("failed to find transaction: %w", err)
		}
		result.Type = txn.Type

		products, err := s.lockProducts(ctx, txn.Items)
		if err != nil {
			return err
		}

		now := s.now()
		touched := make(map[uuid.UUID]*domain.Product, len(products))
		for _, item := range txn.Items {
			product, ok := products[item.ProductID]
			if !ok {
				s.logger.Warn("Skipping reversal of missing product",
					zap.String("transaction_id", txn.ID.String()),
					zap.String("product_id", item.ProductID.String()),
				)
				s.metrics.RecordReversalSkipped()
				result.SkippedProducts = append(result.SkippedProducts, item.ProductID)
				continue
			}

			delta := txn.Type.ReversalDelta(item.Quantity)
			if product.Stock.Quantity+delta < 0 {
				return domain.InvalidStatef("cannot reverse %s transaction %s: product %q (%s) has %d in stock, reversal removes %d",
					txn.Type, txn.ID, product.Name, product.ID, product.Stock.Quantity, -delta)
			}

			product.Stock.Quantity += delta
			entry := product.NewHistoryEntry(delta, txn.ReversalNotes(), txn.ReversalReference(), now)
			if err := s.productRepo.AppendHistory(ctx, entry); err != nil {
				return err
			}
			touched[product.ID] = product
		}

		categories, err := s.persistStock(ctx, touched, now)
		if err != nil {
			return err
		}

		if err := s.txnRepo.Delete(ctx, txn.ID); err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				return domain.NotFoundf("transaction %s not found", id)
			}
			return fmt.Errorf("failed to delete transaction: %w", err)
		}

		return s.aggregates.RecomputeMany(ctx, categories)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransactionDeleted(string(result.Type))
	s.logger.Info("Transaction reversed",
		zap.String("transaction_id", id.String()),
		zap.String("type", string(result.Type)),
		zap.Int("skipped_products", len(result.SkippedProducts)),
	)
	return result, nil
}

// Get retrieves a transaction with its line items
func (s *inventoryService) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.txnRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, domain.NotFoundf("transaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return txn, nil
}

// List retrieves transactions newest first
func (s *inventoryService) List(ctx context.Context, filter repository.TransactionFilter) (*repository.TransactionPage, error) {
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, domain.Validationf("unknown transaction type %q", *filter.Type)
	}
	if err := validateRange(filter.From, filter.To); err != nil {
		return nil, err
	}

	page, err := s.txnRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return page, nil
}

// Stats summarizes transactions per type over an optional date range
func (s *inventoryService) Stats(ctx context.Context, from, to *time.Time) (*domain.TransactionStats, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	byType, err := s.txnRepo.Stats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return domain.NewTransactionStats(byType), nil
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return domain.Validationf("start date must not be after end date")
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockroom/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound      = errors.New("product not found")
	ErrSKUAlreadyExists     = errors.New("product with this sku already exists")
	ErrStockWouldGoNegative = errors.New("stock quantity cannot be negative")
)

// SortOrder represents the sort direction
type SortOrder string

const (
	SortOrderAsc  SortOrder = "ASC"
	SortOrderDesc SortOrder = "DESC"
)

// ProductFilter narrows a product listing. CategoryID matches the category
// and every category below it.
type ProductFilter struct {
	CategoryID *uuid.UUID
	Search     string
	Brand      string
	MinPrice   *decimal.Decimal
	MaxPrice   *decimal.Decimal
	InStock    bool
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  SortOrder
}

// ProductRepository defines the interface for product data access
type ProductRepository interface {
	Create(ctx context.Context, product *domain.Product) error
	Update(ctx context.Context, product *domain.Product) error
	UpdateStock(ctx context.Context, id uuid.UUID, quantity int, updatedAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	// FindByIDForUpdate loads a product and locks its row until the surrounding
	// transaction ends.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	FindBySKU(ctx context.Context, sku string) (*domain.Product, error)
	List(ctx context.Context, filter ProductFilter) ([]*domain.Product, int, error)
	Search(ctx context.Context, query string, page, pageSize int) ([]*domain.Product, int, error)
	ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*domain.Product, error)
	LowStock(ctx context.Context) ([]*domain.Product, error)
	ExistsInCategory(ctx context.Context, categoryID uuid.UUID) (bool, error)
	DirectTotals(ctx context.Context, categoryID uuid.UUID) (domain.CategoryTotals, error)
	AppendHistory(ctx context.Context, entry domain.StockHistoryEntry) error
	History(ctx context.Context, productID uuid.UUID) ([]domain.StockHistoryEntry, error)
}

type productRepository struct {
	db *sql.DB
}

// NewProductRepository creates a new instance of ProductRepository
func NewProductRepository(db *sql.DB) ProductRepository {
	return &productRepository{db: db}
}

const productColumns = `id, name, description, sku, category_id, type, specifications, brand,
	purchase_price, selling_price, stock_quantity, min_threshold, location,
	supplier_name, supplier_contact, is_active, images, created_at, updated_at`

func scanProduct(row rowScanner) (*domain.Product, error) {
	product := &domain.Product{}
	var specifications, images []byte

	err := row.Scan(
		&product.ID,
		&product.Name,
		&product.Description,
		&product.SKU,
		&product.CategoryID,
		&product.Type,
		&specifications,
		&product.Brand,
		&product.Price.PurchasePrice,
		&product.Price.SellingPrice,
		&product.Stock.Quantity,
		&product.Stock.MinThreshold,
		&product.Stock.Location,
		&product.Supplier.Name,
		&product.Supplier.ContactInfo,
		&product.IsActive,
		&images,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(specifications) > 0 {
		if err := json.Unmarshal(specifications, &product.Specifications); err != nil {
			return nil, fmt.Errorf("invalid specifications for product %s: %w", product.ID, err)
		}
	}
	product.Images = []string{}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &product.Images); err != nil {
			return nil, fmt.Errorf("invalid images for product %s: %w", product.ID, err)
		}
	}
	return product, nil
}

func (r *productRepository) queryProducts(ctx context.Context, query string, args ...interface{}) ([]*domain.Product, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []*domain.Product{}
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, product)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}

	return products, nil
}

func encodeJSON(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func productJSONColumns(product *domain.Product) (string, string, error) {
	specifications, err := encodeJSON(product.Specifications, "{}")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode specifications: %w", err)
	}
	images, err := encodeJSON(product.Images, "[]")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode images: %w", err)
	}
	return specifications, images, nil
}

func translateProductWriteError(err error, action string) error {
	switch {
	case isUniqueViolation(err, "products_sku_key"):
		return ErrSKUAlreadyExists
	case isForeignKeyViolation(err):
		return ErrCategoryNotFound
	case isCheckViolation(err, "chk_products_stock_non_negative"):
		return ErrStockWouldGoNegative
	}
	return fmt.Errorf("failed to %s product: %w", action, err)
}

// Create inserts a new product into the database using parameterized queries
func (r *productRepository) Create(ctx context.Context, product *domain.Product) error {
	specifications, images, err := productJSONColumns(product)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = conn(ctx, r.db).ExecContext(
		ctx,
		query,
		product.ID,
		product.Name,
		product.Description,
		product.SKU,
		product.CategoryID,
		product.Type,
		specifications,
		product.Brand,
		product.Price.PurchasePrice,
		product.Price.SellingPrice,
		product.Stock.Quantity,
		product.Stock.MinThreshold,
		product.Stock.Location,
		product.Supplier.Name,
		product.Supplier.ContactInfo,
		product.IsActive,
		images,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		return translateProductWriteError(err, "create")
	}

	return nil
}

// Update updates an existing product in the database using parameterized queries
func (r *productRepository) Update(ctx context.Context, product *domain.Product) error {
	specifications, images, err := productJSONColumns(product)
	if err != nil {
		return err
	}

	query := `
		UPDATE products
		SET name = $2, description = $3, sku = $4, category_id = $5, type = $6,
		    specifications = $7, brand = $8, purchase_price = $9, selling_price = $10,
		    stock_quantity = $11, min_threshold = $12, location = $13,
		    supplier_name = $14, supplier_contact = $15, is_active = $16, images = $17,
		    updated_at = $18
		WHERE id = $1
	`

	result, err := conn(ctx, r.db).ExecContext(
		ctx,
		query,
		product.ID,
		product.Name,
		product.Description,
		product.SKU,
		product.CategoryID,
		product.Type,
		specifications,
		product.Brand,
		product.Price.PurchasePrice,
		product.Price.SellingPrice,
		product.Stock.Quantity,
		product.Stock.MinThreshold,
		product.Stock.Location,
		product.Supplier.Name,
		product.Supplier.ContactInfo,
		product.IsActive,
		images,
		product.UpdatedAt,
	)
	if err != nil {
		return translateProductWriteError(err, "update")
	}

	return expectOneRow(result, ErrProductNotFound)
}

// UpdateStock writes a new on-hand quantity
func (r *productRepository) UpdateStock(ctx context.Context, id uuid.UUID, quantity int, updatedAt time.Time) error {
	query := `UPDATE products SET stock_quantity = $2, updated_at = $3 WHERE id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, quantity, updatedAt)
	if err != nil {
		return translateProductWriteError(err, "update stock of")
	}

	return expectOneRow(result, ErrProductNotFound)
}

// Delete removes a product from the database. Its stock history goes with it.
func (r *productRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}

	return expectOneRow(result, ErrProductNotFound)
}

func (r *productRepository) findOne(ctx context.Context, query string, arg interface{}) (*domain.Product, error) {
	product, err := scanProduct(conn(ctx, r.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	return product, nil
}

// FindByID retrieves a product by ID using parameterized queries
func (r *productRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return r.findOne(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
}

// FindByIDForUpdate retrieves a product by ID and row-locks it
func (r *productRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, query, id)
}

// FindBySKU retrieves a product by its stock keeping unit
func (r *productRepository) FindBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return r.findOne(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)
}

// List retrieves products matching the filter with pagination and sorting
func (r *productRepository) List(ctx context.Context, filter ProductFilter) ([]*domain.Product, int, error) {
	// Validate sort field to prevent SQL injection
	validSortFields := map[string]string{
		"name":       "name",
		"price":      "selling_price",
		"stock":      "stock_quantity",
		"brand":      "brand",
		"created_at": "created_at",
	}

	sortColumn, ok := validSortFields[filter.SortBy]
	if !ok {
		sortColumn = "created_at"
	}

	sortOrder := filter.SortOrder
	if sortOrder != SortOrderAsc && sortOrder != SortOrderDesc {
		sortOrder = SortOrderDesc
	}

	conditions := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CategoryID != nil {
		prefix, err := subtreePath(ctx, r.db, *filter.CategoryID)
		if errors.Is(err, ErrCategoryNotFound) {
			return []*domain.Product{}, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		conditions = append(conditions, fmt.Sprintf(
			"category_id IN (SELECT id FROM categories WHERE id = %s OR path = %s OR path LIKE %s)",
			arg(*filter.CategoryID), arg(prefix), arg(prefix+pathSeparator+"%")))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		p := arg("%" + search + "%")
		conditions = append(conditions, fmt.Sprintf("(name ILIKE %s OR description ILIKE %s OR sku ILIKE %s)", p, p, p))
	}
	if filter.Brand != "" {
		conditions = append(conditions, fmt.Sprintf("brand ILIKE %s", arg(filter.Brand)))
	}
	if filter.MinPrice != nil {
		conditions = append(conditions, fmt.Sprintf("selling_price >= %s", arg(*filter.MinPrice)))
	}
	if filter.MaxPrice != nil {
		conditions = append(conditions, fmt.Sprintf("selling_price <= %s", arg(*filter.MaxPrice)))
	}
	if filter.InStock {
		conditions = append(conditions, "stock_quantity > 0")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM products %s", whereClause)
	if err := conn(ctx, r.db).QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	query := fmt.Sprintf(`
		SELECT %s
		FROM products
		%s
		ORDER BY %s %s, id ASC
		LIMIT %s OFFSET %s
	`, productColumns, whereClause, sortColumn, sortOrder, arg(pageSize), arg((page-1)*pageSize))

	products, err := r.queryProducts(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return products, total, nil
}

// Search searches for products by name, description or sku with pagination
func (r *productRepository) Search(ctx context.Context, query string, page, pageSize int) ([]*domain.Product, int, error) {
	return r.List(ctx, ProductFilter{
		Search:    query,
		Page:      page,
		PageSize:  pageSize,
		SortBy:    "created_at",
		SortOrder: SortOrderDesc,
	})
}

// ListByCategory retrieves every product in the category or below it
func (r *productRepository) ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*domain.Product, error) {
	prefix, err := subtreePath(ctx, r.db, categoryID)
	if errors.Is(err, ErrCategoryNotFound) {
		return []*domain.Product{}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE category_id IN (SELECT id FROM categories WHERE id = $1 OR path = $2 OR path LIKE $3)
		ORDER BY name ASC
	`, categoryID, prefix, prefix+pathSeparator+"%")
}

// LowStock retrieves active products at or below their minimum threshold
func (r *productRepository) LowStock(ctx context.Context) ([]*domain.Product, error) {
	return r.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active AND stock_quantity <= min_threshold
		ORDER BY stock_quantity ASC, name ASC
	`)
}

// ExistsInCategory reports whether any product is directly assigned to the category
func (r *productRepository) ExistsInCategory(ctx context.Context, categoryID uuid.UUID) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE category_id = $1)`, categoryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check category products: %w", err)
	}
	return exists, nil
}

// DirectTotals counts and values the products directly assigned to a category
func (r *productRepository) DirectTotals(ctx context.Context, categoryID uuid.UUID) (domain.CategoryTotals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(stock_quantity * selling_price), 0)
		FROM products
		WHERE category_id = $1
	`

	var count int
	var value decimal.Decimal
	if err := conn(ctx, r.db).QueryRowContext(ctx, query, categoryID).Scan(&count, &value); err != nil {
		return domain.CategoryTotals{}, fmt.Errorf("failed to sum category products: %w", err)
	}
	return domain.CategoryTotals{Products: count, StockValue: value}, nil
}

// AppendHistory adds an entry to a product's stock history
func (r *productRepository) AppendHistory(ctx context.Context, entry domain.StockHistoryEntry) error {
	query := `
		INSERT INTO stock_history (id, product_id, quantity, direction, notes, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := conn(ctx, r.db).ExecContext(
		ctx,
		query,
		entry.ID,
		entry.ProductID,
		entry.Quantity,
		string(entry.Direction),
		entry.Notes,
		entry.Reference,
		entry.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrProductNotFound
		}
		return fmt.Errorf("failed to append stock history: %w", err)
	}

	return nil
}

// History retrieves a product's stock history in insertion order
func (r *productRepository) History(ctx context.Context, productID uuid.UUID) ([]domain.StockHistoryEntry, error) {
	query := `
		SELECT id, product_id, quantity, direction, notes, reference, created_at
		FROM stock_history
		WHERE product_id = $1
		ORDER BY seq ASC
	`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock history: %w", err)
	}
	defer rows.Close()

	history := []domain.StockHistoryEntry{}
	for rows.Next() {
		var entry domain.StockHistoryEntry
		var direction string
		if err := rows.Scan(
			&entry.ID,
			&entry.ProductID,
			&entry.Quantity,
			&direction,
			&entry.Notes,
			&entry.Reference,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock history: %w", err)
		}
		entry.Direction = domain.StockDirection(direction)
		history = append(history, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock history: %w", err)
	}

	return history, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

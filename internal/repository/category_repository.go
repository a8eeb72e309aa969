package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"stockroom/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrCategoryNotFound = errors.New("category not found")
	ErrCategoryInUse    = errors.New("category is referenced by other records")
)

const pathSeparator = "/"

// CategoryRepository defines the interface for category data access
type CategoryRepository interface {
	Create(ctx context.Context, category *domain.Category) error
	Update(ctx context.Context, category *domain.Category) error
	UpdateTotals(ctx context.Context, id uuid.UUID, totals domain.CategoryTotals) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Category, error)
	List(ctx context.Context) ([]*domain.Category, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Category, error)
	ListDescendants(ctx context.Context, id uuid.UUID) ([]*domain.Category, error)
	HasChildren(ctx context.Context, id uuid.UUID) (bool, error)
	ChildTotals(ctx context.Context, parentID uuid.UUID) (domain.CategoryTotals, error)
	// LockTrees serializes work on the trees rooted at rootIDs until the
	// surrounding transaction ends. It is a no-op outside a transaction.
	LockTrees(ctx context.Context, rootIDs ...uuid.UUID) error
}

type categoryRepository struct {
	db *sql.DB
}

// NewCategoryRepository creates a new instance of CategoryRepository
func NewCategoryRepository(db *sql.DB) CategoryRepository {
	return &categoryRepository{db: db}
}

const categoryColumns = `id, name, description, parent_id, path, level, total_products, total_stock_value, is_active, created_at, updated_at`

func encodePath(path []uuid.UUID) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = id.String()
	}
	return strings.Join(parts, pathSeparator)
}

func decodePath(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return []uuid.UUID{}, nil
	}
	parts := strings.Split(raw, pathSeparator)
	path := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid category path %q: %w", raw, err)
		}
		path = append(path, id)
	}
	return path, nil
}

// subtreePath returns the path stored on the direct children of id. Every
// descendant's path equals it or starts with it plus the separator, which
// lets the text_pattern_ops index on path serve subtree lookups.
func subtreePath(ctx context.Context, db *sql.DB, id uuid.UUID) (string, error) {
	var path string
	err := conn(ctx, db).QueryRowContext(ctx, `SELECT path FROM categories WHERE id = $1`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCategoryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read category path: %w", err)
	}
	if path == "" {
		return id.String(), nil
	}
	return path + pathSeparator + id.String(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCategory(row rowScanner) (*domain.Category, error) {
	category := &domain.Category{}
	var parentID uuid.NullUUID
	var path string

	err := row.Scan(
		&category.ID,
		&category.Name,
		&category.Description,
		&parentID,
		&path,
		&category.Level,
		&category.TotalProducts,
		&category.TotalStockValue,
		&category.IsActive,
		&category.CreatedAt,
		&category.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		id := parentID.UUID
		category.ParentID = &id
	}
	if category.Path, err = decodePath(path); err != nil {
		return nil, err
	}
	return category, nil
}

func (r *categoryRepository) queryCategories(ctx context.Context, query string, args ...interface{}) ([]*domain.Category, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	categories := []*domain.Category{}
	for rows.Next() {
		category, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, category)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}

	return categories, nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// Create inserts a new category using parameterized queries
func (r *categoryRepository) Create(ctx context.Context, category *domain.Category) error {
	query := `
		INSERT INTO categories (` + categoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := conn(ctx, r.db).ExecContext(
		ctx,
		query,
		category.ID,
		category.Name,
		category.Description,
		nullableUUID(category.ParentID),
		encodePath(category.Path),
		category.Level,
		category.TotalProducts,
		category.TotalStockValue,
		category.IsActive,
		category.CreatedAt,
		category.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrCategoryNotFound
		}
		return fmt.Errorf("failed to create category: %w", err)
	}

	return nil
}

// Update persists the descriptive and structural fields of a category.
// Rollup totals are only written by UpdateTotals.
func (r *categoryRepository) Update(ctx context.Context, category *domain.Category) error {
	query := `
		UPDATE categories
		SET name = $2, description = $3, parent_id = $4, path = $5, level = $6,
		    is_active = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := conn(ctx, r.db).ExecContext(
		ctx,
		query,
		category.ID,
		category.Name,
		category.Description,
		nullableUUID(category.ParentID),
		encodePath(category.Path),
		category.Level,
		category.IsActive,
		category.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrCategoryNotFound
		}
		return fmt.Errorf("failed to update category: %w", err)
	}

	return expectOneRow(result, ErrCategoryNotFound)
}

// UpdateTotals stores a recomputed rollup
func (r *categoryRepository) UpdateTotals(ctx context.Context, id uuid.UUID, totals domain.CategoryTotals) error {
	query := `
		UPDATE categories
		SET total_products = $2, total_stock_value = $3
		WHERE id = $1
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, totals.Products, totals.StockValue)
	if err != nil {
		return fmt.Errorf("failed to update category totals: %w", err)
	}

	return expectOneRow(result, ErrCategoryNotFound)
}

// Delete removes a category
func (r *categoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrCategoryInUse
		}
		return fmt.Errorf("failed to delete category: %w", err)
	}

	return expectOneRow(result, ErrCategoryNotFound)
}

// FindByID retrieves a category by ID
func (r *categoryRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE id = $1`

	category, err := scanCategory(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("failed to find category by ID: %w", err)
	}

	return category, nil
}

// List retrieves all categories, shallowest first
func (r *categoryRepository) List(ctx context.Context) ([]*domain.Category, error) {
	return r.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		ORDER BY level ASC, name ASC
	`)
}

// ListChildren retrieves the direct children of a category
func (r *categoryRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Category, error) {
	return r.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE parent_id = $1
		ORDER BY name ASC
	`, parentID)
}

// ListDescendants retrieves every category below id at any depth
func (r *categoryRepository) ListDescendants(ctx context.Context, id uuid.UUID) ([]*domain.Category, error) {
	prefix, err := subtreePath(ctx, r.db, id)
	if errors.Is(err, ErrCategoryNotFound) {
		return []*domain.Category{}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE path = $1 OR path LIKE $2
		ORDER BY level ASC, name ASC
	`, prefix, prefix+pathSeparator+"%")
}

// HasChildren reports whether any category references id as its parent
func (r *categoryRepository) HasChildren(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM categories WHERE parent_id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check category children: %w", err)
	}
	return exists, nil
}

// ChildTotals sums the stored rollups of the direct children of a category
func (r *categoryRepository) ChildTotals(ctx context.Context, parentID uuid.UUID) (domain.CategoryTotals, error) {
	query := `
		SELECT COALESCE(SUM(total_products), 0), COALESCE(SUM(total_stock_value), 0)
		FROM categories
		WHERE parent_id = $1
	`

	var products int
	var value decimal.Decimal
	if err := conn(ctx, r.db).QueryRowContext(ctx, query, parentID).Scan(&products, &value); err != nil {
		return domain.CategoryTotals{}, fmt.Errorf("failed to sum child totals: %w", err)
	}
	return domain.CategoryTotals{Products: products, StockValue: value}, nil
}

// LockTrees takes transaction-scoped advisory locks keyed by root id, in a
// stable order so concurrent callers cannot deadlock on each other.
func (r *categoryRepository) LockTrees(ctx context.Context, rootIDs ...uuid.UUID) error {
	if !inTx(ctx) {
		return nil
	}

	keys := make([]string, 0, len(rootIDs))
	seen := make(map[uuid.UUID]bool, len(rootIDs))
	for _, id := range rootIDs {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, id.String())
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := conn(ctx, r.db).ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("failed to lock category tree %s: %w", key, err)
		}
	}
	return nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return notFound
	}

	return nil
}

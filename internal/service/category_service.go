package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateCategoryInput holds the fields of a new category
type CreateCategoryInput struct {
	Name        string
	Description string
	ParentID    *uuid.UUID
}

// UpdateCategoryInput holds a partial category update. Nil fields are left unchanged.
// ClearParent moves the category to the top level.
type UpdateCategoryInput struct {
	Name        *string
	Description *string
	ParentID    *uuid.UUID
	ClearParent bool
	IsActive    *bool
}

// CategoryService defines the interface for category tree business logic
type CategoryService interface {
	Create(ctx context.Context, input CreateCategoryInput) (*domain.Category, error)
	// Get returns the category with its whole subtree nested in Children
	Get(ctx context.Context, id uuid.UUID) (*domain.Category, error)
	// Tree returns every top-level category with its subtree
	Tree(ctx context.Context) ([]*domain.Category, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateCategoryInput) (*domain.Category, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// Products returns the products of the category and of every category below it
	Products(ctx context.Context, id uuid.UUID) ([]*domain.Product, error)
}

type categoryService struct {
	categoryRepo repository.CategoryRepository
	productRepo  repository.ProductRepository
	aggregates   AggregateService
	txManager    repository.TxManager
	logger       *zap.Logger
	now          func() time.Time
}

// NewCategoryService creates a new instance of CategoryService
func NewCategoryService(
	categoryRepo repository.CategoryRepository,
	productRepo repository.ProductRepository,
	aggregates AggregateService,
	txManager repository.TxManager,
	logger *zap.Logger,
) CategoryService {
	return &categoryService{
		categoryRepo: categoryRepo,
		productRepo:  productRepo,
		aggregates:   aggregates,
		txManager:    txManager,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *categoryService) findCategory(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	category, err := s.categoryRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrCategoryNotFound) {
			return nil, domain.NotFoundf("category %s not found", id)
		}
		return nil, fmt.Errorf("failed to find category: %w", err)
	}
	return category, nil
}

// lockAndReload locks the trees of the given categories and returns them
// reloaded under those locks.
func (s *categoryService) lockAndReload(ctx context.Context, categories ...*domain.Category) ([]*domain.Category, error) {
	ids := make([]uuid.UUID, 0, len(categories))
	for _, category := range categories {
		ids = append(ids, category.ID)
	}
	return lockTreesOf(ctx, s.categoryRepo, ids...)
}

// ensureCanHoldChildren rejects a parent that directly owns products
func (s *categoryService) ensureCanHoldChildren(ctx context.Context, parent *domain.Category) error {
	hasProducts, err := s.productRepo.ExistsInCategory(ctx, parent.ID)
	if err != nil {
		return err
	}
	if hasProducts {
		return domain.Conflictf("category %q holds products and cannot have subcategories", parent.Name)
	}
	return nil
}

// Create adds a category at the top level or under an existing parent
func (s *categoryService) Create(ctx context.Context, input CreateCategoryInput) (*domain.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domain.Validationf("category name is required")
	}

	now := s.now()
	category := &domain.Category{
		ID:              uuid.New(),
		Name:            name,
		Description:     input.Description,
		Path:            []uuid.UUID{},
		Level:           0,
		TotalStockValue: decimal.Zero,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		if input.ParentID != nil {
			parent, err := s.findCategory(ctx, *input.ParentID)
			if err != nil {
				return err
			}
			locked, err := s.lockAndReload(ctx, parent)
			if err != nil {
				return err
			}
			parent = locked[0]

			if err := s.ensureCanHoldChildren(ctx, parent); err != nil {
				return err
			}

			parentID := parent.ID
			category.ParentID = &parentID
			category.Path = parent.ChildPath()
			category.Level = parent.Level + 1
		}

		if err := s.categoryRepo.Create(ctx, category); err != nil {
			if errors.Is(err, repository.ErrCategoryNotFound) {
				return domain.NotFoundf("parent category %s not found", *input.ParentID)
			}
			return fmt.Errorf("failed to create category: %w", err)
		}

		if category.ParentID != nil {
			return s.aggregates.Recompute(ctx, *category.ParentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Category created",
		zap.String("category_id", category.ID.String()),
		zap.Int("level", category.Level),
	)
	return category, nil
}

// Get returns a category with its descendants nested
func (s *categoryService) Get(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	category, err := s.findCategory(ctx, id)
	if err != nil {
		return nil, err
	}

	descendants, err := s.categoryRepo.ListDescendants(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list descendants: %w", err)
	}

	nested := buildForest(append([]*domain.Category{category}, descendants...))
	for _, root := range nested {
		if root.ID == id {
			return root, nil
		}
	}
	return category, nil
}

// Tree returns the whole category forest
func (s *categoryService) Tree(ctx context.Context) ([]*domain.Category, error) {
	categories, err := s.categoryRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return buildForest(categories), nil
}

// buildForest links categories to their parents. Categories whose parent is
// not in the set become roots of the result. Siblings are sorted by name.
func buildForest(categories []*domain.Category) []*domain.Category {
	byID := make(map[uuid.UUID]*domain.Category, len(categories))
	for _, category := range categories {
		category.Children = nil
		byID[category.ID] = category
	}

	roots := []*domain.Category{}
	for _, category := range categories {
		if category.ParentID != nil {
			if parent, ok := byID[*category.ParentID]; ok {
				parent.Children = append(parent.Children, category)
				continue
			}
		}
		roots = append(roots, category)
	}

	var sortLevel func(nodes []*domain.Category)
	sortLevel = func(nodes []*domain.Category) {
		sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
		for _, node := range nodes {
			sortLevel(node.Children)
		}
	}
	sortLevel(roots)

	return roots
}

// Update renames, toggles or reparents a category
func (s *categoryService) Update(ctx context.Context, id uuid.UUID, input UpdateCategoryInput) (*domain.Category, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, domain.Validationf("category name cannot be empty")
	}
	if input.ClearParent && input.ParentID != nil {
		return nil, domain.Validationf("parent_id cannot be set while clearing the parent")
	}

	var updated *domain.Category
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		category, err := s.findCategory(ctx, id)
		if err != nil {
			return err
		}

		reparent := input.ClearParent && category.ParentID != nil
		var newParent *domain.Category
		if input.ParentID != nil && (category.ParentID == nil || *category.ParentID != *input.ParentID) {
			if *input.ParentID == category.ID {
				return domain.Conflictf("category cannot be its own parent")
			}
			if newParent, err = s.findCategory(ctx, *input.ParentID); err != nil {
				return err
			}
			reparent = true
		}

		toLock := []*domain.Category{category}
		if newParent != nil {
			toLock = append(toLock, newParent)
		}
		locked, err := s.lockAndReload(ctx, toLock...)
		if err != nil {
			return err
		}
		category = locked[0]
		if newParent != nil {
			newParent = locked[1]
		}

		if input.Name != nil {
			category.Name = strings.TrimSpace(*input.Name)
		}
		if input.Description != nil {
			category.Description = *input.Description
		}
		if input.IsActive != nil {
			category.IsActive = *input.IsActive
		}
		category.UpdatedAt = s.now()

		if !reparent {
			if err := s.categoryRepo.Update(ctx, category); err != nil {
				return fmt.Errorf("failed to update category: %w", err)
			}
			updated = category
			return nil
		}

		oldParentID := category.ParentID
		if err := s.move(ctx, category, newParent); err != nil {
			return err
		}

		affected := []uuid.UUID{}
		if oldParentID != nil {
			affected = append(affected, *oldParentID)
		}
		if newParent != nil {
			affected = append(affected, newParent.ID)
		}
		if err := s.aggregates.RecomputeMany(ctx, affected); err != nil {
			return err
		}

		updated = category
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// move reattaches category under newParent (nil for top level) and
// re-derives path and level for the category and its whole subtree
func (s *categoryService) move(ctx context.Context, category, newParent *domain.Category) error {
	if newParent != nil {
		if newParent.ID == category.ID || newParent.HasAncestor(category.ID) {
			return domain.Conflictf("cannot move category %q below itself", category.Name)
		}
		if err := s.ensureCanHoldChildren(ctx, newParent); err != nil {
			return err
		}
	}

	descendants, err := s.categoryRepo.ListDescendants(ctx, category.ID)
	if err != nil {
		return fmt.Errorf("failed to list descendants: %w", err)
	}

	oldPrefixLen := len(category.Path) + 1
	if newParent != nil {
		parentID := newParent.ID
		category.ParentID = &parentID
		category.Path = newParent.ChildPath()
		category.Level = newParent.Level + 1
	} else {
		category.ParentID = nil
		category.Path = []uuid.UUID{}
		category.Level = 0
	}

	if err := s.categoryRepo.Update(ctx, category); err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}

	prefix := category.ChildPath()
	for _, descendant := range descendants {
		if len(descendant.Path) < oldPrefixLen {
			continue
		}
		path := make([]uuid.UUID, 0, len(prefix)+len(descendant.Path)-oldPrefixLen)
		path = append(path, prefix...)
		path = append(path, descendant.Path[oldPrefixLen:]...)

		descendant.Path = path
		descendant.Level = len(path)
		descendant.UpdatedAt = category.UpdatedAt
		if err := s.categoryRepo.Update(ctx, descendant); err != nil {
			return fmt.Errorf("failed to update descendant category: %w", err)
		}
	}

	s.logger.Info("Category moved",
		zap.String("category_id", category.ID.String()),
		zap.Int("level", category.Level),
		zap.Int("descendants", len(descendants)),
	)
	return nil
}

// Delete removes a category that has neither children nor products
func (s *categoryService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		category, err := s.findCategory(ctx, id)
		if err != nil {
			return err
		}
		locked, err := s.lockAndReload(ctx, category)
		if err != nil {
			return err
		}
		category = locked[0]

		hasChildren, err := s.categoryRepo.HasChildren(ctx, id)
		if err != nil {
			return err
		}
		if hasChildren {
			return domain.Conflictf("category %q has subcategories", category.Name)
		}

		hasProducts, err := s.productRepo.ExistsInCategory(ctx, id)
		if err != nil {
			return err
		}
		if hasProducts {
			return domain.Conflictf("category %q has products", category.Name)
		}

		if err := s.categoryRepo.Delete(ctx, id); err != nil {
			if errors.Is(err, repository.ErrCategoryInUse) {
				return domain.Conflictf("category %q is still referenced", category.Name)
			}
			if errors.Is(err, repository.ErrCategoryNotFound) {
				return domain.NotFoundf("category %s not found", id)
			}
			return fmt.Errorf("failed to delete category: %w", err)
		}

		s.logger.Info("Category deleted", zap.String("category_id", id.String()))

		if category.ParentID != nil {
			return s.aggregates.Recompute(ctx, *category.ParentID)
		}
		return nil
	})
}

// Products lists the products of a category and its descendants
func (s *categoryService) Products(ctx context.Context, id uuid.UUID) ([]*domain.Product, error) {
	if _, err := s.findCategory(ctx, id); err != nil {
		return nil, err
	}

	products, err := s.productRepo.ListByCategory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list category products: %w", err)
	}
	return products, nil
}

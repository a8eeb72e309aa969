package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/metrics"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AggregateService maintains the rolled-up product count and stock value
// stored on every category node.
//
// A node's rollup is its direct products plus the stored rollups of its
// direct children. Recomputation refreshes one node and then walks up to
// the root, so children must already be correct. Every call joins the
// caller's atomic scope when there is one and locks the affected trees
// for the rest of that scope.
type AggregateService interface {
	Recompute(ctx context.Context, categoryID uuid.UUID) error
	RecomputeMany(ctx context.Context, categoryIDs []uuid.UUID) error
	RebuildAll(ctx context.Context) error
}

type aggregateService struct {
	categoryRepo repository.CategoryRepository
	productRepo  repository.ProductRepository
	txManager    repository.TxManager
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewAggregateService creates a new instance of AggregateService
func NewAggregateService(
	categoryRepo repository.CategoryRepository,
	productRepo repository.ProductRepository,
	txManager repository.TxManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) AggregateService {
	return &aggregateService{
		categoryRepo: categoryRepo,
		productRepo:  productRepo,
		txManager:    txManager,
		metrics:      m,
		logger:       logger,
	}
}

// Recompute refreshes the category and every ancestor up to the root
func (s *aggregateService) Recompute(ctx context.Context, categoryID uuid.UUID) error {
	return s.RecomputeMany(ctx, []uuid.UUID{categoryID})
}

// RecomputeMany refreshes the union of the ancestor chains of categoryIDs.
// Each node is refreshed once, deepest level first, so a parent always
// reads children that are already up to date.
func (s *aggregateService) RecomputeMany(ctx context.Context, categoryIDs []uuid.UUID) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	defer s.metrics.TrackRecompute("recompute")(time.Now())

	return s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		categories, err := lockTreesOf(ctx, s.categoryRepo, categoryIDs...)
		if err != nil {
			return err
		}

		levels := make(map[uuid.UUID]int)
		for _, category := range categories {
			levels[category.ID] = category.Level
			for i := len(category.Path) - 1; i >= 0; i-- {
				levels[category.Path[i]] = i
			}
		}

		return s.refresh(ctx, bottomUp(levels))
	})
}

// lockTreesOf locks the trees holding ids and returns the categories as
// they stand once every lock is held. A reparent committing while we wait
// may have moved a category into another tree, so the categories are read
// again after each round and any root not yet held is locked, until no
// new root turns up. Each round locks its roots in one sorted batch.
func lockTreesOf(ctx context.Context, repo repository.CategoryRepository, ids ...uuid.UUID) ([]*domain.Category, error) {
	held := make(map[uuid.UUID]bool)
	for {
		categories := make([]*domain.Category, 0, len(ids))
		var pending []uuid.UUID
		for _, id := range ids {
			category, err := repo.FindByID(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrCategoryNotFound) {
					return nil, domain.NotFoundf("category %s not found", id)
				}
				return nil, fmt.Errorf("failed to load category: %w", err)
			}
			categories = append(categories, category)
			if root := category.RootID(); !held[root] {
				held[root] = true
				pending = append(pending, root)
			}
		}
		if len(pending) == 0 {
			return categories, nil
		}
		if err := repo.LockTrees(ctx, pending...); err != nil {
			return nil, err
		}
	}
}

// RebuildAll refreshes every category bottom-up. It repairs any stale rollup.
func (s *aggregateService) RebuildAll(ctx context.Context) error {
	defer s.metrics.TrackRecompute("rebuild_all")(time.Now())

	return s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		categories, err := s.categoryRepo.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list categories: %w", err)
		}

		levels := make(map[uuid.UUID]int, len(categories))
		roots := []uuid.UUID{}
		for _, category := range categories {
			levels[category.ID] = category.Level
			if category.IsRoot() {
				roots = append(roots, category.ID)
			}
		}

		if err := s.categoryRepo.LockTrees(ctx, roots...); err != nil {
			return err
		}

		if err := s.refresh(ctx, bottomUp(levels)); err != nil {
			return err
		}

		s.logger.Info("Category aggregates rebuilt", zap.Int("categories", len(categories)))
		return nil
	})
}

func (s *aggregateService) refresh(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		direct, err := s.productRepo.DirectTotals(ctx, id)
		if err != nil {
			return err
		}
		children, err := s.categoryRepo.ChildTotals(ctx, id)
		if err != nil {
			return err
		}

		if err := s.categoryRepo.UpdateTotals(ctx, id, direct.Add(children)); err != nil {
			if errors.Is(err, repository.ErrCategoryNotFound) {
				return domain.NotFoundf("category %s not found", id)
			}
			return err
		}
	}
	return nil
}

// bottomUp orders ids deepest level first, ties broken by id
func bottomUp(levels map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(levels))
	for id := range levels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if levels[ids[i]] != levels[ids[j]] {
			return levels[ids[i]] > levels[ids[j]]
		}
		return ids[i].String() < ids[j].String()
	})
	return ids
}

package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/metrics"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memStore is an in-memory stand-in for the catalog tables. Repositories
// built on it copy values in and out the way a database would.
type memStore struct {
	mu           sync.Mutex
	categories   map[uuid.UUID]*domain.Category
	products     map[uuid.UUID]*domain.Product
	history      map[uuid.UUID][]domain.StockHistoryEntry
	transactions map[uuid.UUID]*domain.Transaction

	// failStockUpdate makes UpdateStock fail for the given product
	failStockUpdate map[uuid.UUID]error
	lockedRoots     [][]uuid.UUID
	// onLockTrees runs after each LockTrees call, standing in for writers
	// that commit while the caller waits for the lock
	onLockTrees func(rootIDs []uuid.UUID)
}

func newMemStore() *memStore {
	return &memStore{
		categories:      make(map[uuid.UUID]*domain.Category),
		products:        make(map[uuid.UUID]*domain.Product),
		history:         make(map[uuid.UUID][]domain.StockHistoryEntry),
		transactions:    make(map[uuid.UUID]*domain.Transaction),
		failStockUpdate: make(map[uuid.UUID]error),
	}
}

func cloneCategory(c *domain.Category) *domain.Category {
	cp := *c
	cp.Path = append([]uuid.UUID{}, c.Path...)
	if c.ParentID != nil {
		id := *c.ParentID
		cp.ParentID = &id
	}
	cp.Children = nil
	return &cp
}

func cloneProduct(p *domain.Product) *domain.Product {
	cp := *p
	cp.Images = append([]string{}, p.Images...)
	cp.StockHistory = nil
	return &cp
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	cp := *t
	cp.Items = append([]domain.LineItem{}, t.Items...)
	return &cp
}

type memSnapshot struct {
	categories   map[uuid.UUID]*domain.Category
	products     map[uuid.UUID]*domain.Product
	history      map[uuid.UUID][]domain.StockHistoryEntry
	transactions map[uuid.UUID]*domain.Transaction
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		categories:   make(map[uuid.UUID]*domain.Category, len(s.categories)),
		products:     make(map[uuid.UUID]*domain.Product, len(s.products)),
		history:      make(map[uuid.UUID][]domain.StockHistoryEntry, len(s.history)),
		transactions: make(map[uuid.UUID]*domain.Transaction, len(s.transactions)),
	}
	for id, c := range s.categories {
		snap.categories[id] = cloneCategory(c)
	}
	for id, p := range s.products {
		snap.products[id] = cloneProduct(p)
	}
	for id, h := range s.history {
		snap.history[id] = append([]domain.StockHistoryEntry{}, h...)
	}
	for id, t := range s.transactions {
		snap.transactions[id] = cloneTransaction(t)
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.categories = snap.categories
	s.products = snap.products
	s.history = snap.history
	s.transactions = snap.transactions
}

// snapshotTxManager commits by keeping the store as is and rolls back by
// restoring the snapshot taken when the outermost scope began
type snapshotTxManager struct {
	store *memStore
}

type memTxKey struct{}

func (m *snapshotTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	snap := m.store.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.store.restore(snap)
		return err
	}
	return nil
}

// Category repository

type mockCategoryRepository struct {
	s *memStore
}

func (r *mockCategoryRepository) Create(ctx context.Context, category *domain.Category) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if category.ParentID != nil {
		if _, ok := r.s.categories[*category.ParentID]; !ok {
			return repository.ErrCategoryNotFound
		}
	}
	r.s.categories[category.ID] = cloneCategory(category)
	return nil
}

func (r *mockCategoryRepository) Update(ctx context.Context, category *domain.Category) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.categories[category.ID]
	if !ok {
		return repository.ErrCategoryNotFound
	}
	cp := cloneCategory(category)
	cp.TotalProducts = stored.TotalProducts
	cp.TotalStockValue = stored.TotalStockValue
	r.s.categories[category.ID] = cp
	return nil
}

func (r *mockCategoryRepository) UpdateTotals(ctx context.Context, id uuid.UUID, totals domain.CategoryTotals) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.categories[id]
	if !ok {
		return repository.ErrCategoryNotFound
	}
	stored.TotalProducts = totals.Products
	stored.TotalStockValue = totals.StockValue
	return nil
}

func (r *mockCategoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.categories[id]; !ok {
		return repository.ErrCategoryNotFound
	}
	for _, c := range r.s.categories {
		if c.ParentID != nil && *c.ParentID == id {
			return repository.ErrCategoryInUse
		}
	}
	for _, p := range r.s.products {
		if p.CategoryID == id {
			return repository.ErrCategoryInUse
		}
	}
	delete(r.s.categories, id)
	return nil
}

func (r *mockCategoryRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.categories[id]
	if !ok {
		return nil, repository.ErrCategoryNotFound
	}
	return cloneCategory(c), nil
}

func (r *mockCategoryRepository) collect(match func(c *domain.Category) bool) []*domain.Category {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	result := []*domain.Category{}
	for _, c := range r.s.categories {
		if match(c) {
			result = append(result, cloneCategory(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Level != result[j].Level {
			return result[i].Level < result[j].Level
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func (r *mockCategoryRepository) List(ctx context.Context) ([]*domain.Category, error) {
	return r.collect(func(*domain.Category) bool { return true }), nil
}

func (r *mockCategoryRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Category, error) {
	return r.collect(func(c *domain.Category) bool { return c.ParentID != nil && *c.ParentID == parentID }), nil
}

func (r *mockCategoryRepository) ListDescendants(ctx context.Context, id uuid.UUID) ([]*domain.Category, error) {
	return r.collect(func(c *domain.Category) bool { return c.HasAncestor(id) }), nil
}

func (r *mockCategoryRepository) HasChildren(ctx context.Context, id uuid.UUID) (bool, error) {
	children, _ := r.ListChildren(ctx, id)
	return len(children) > 0, nil
}

func (r *mockCategoryRepository) ChildTotals(ctx context.Context, parentID uuid.UUID) (domain.CategoryTotals, error) {
	children, _ := r.ListChildren(ctx, parentID)
	totals := domain.CategoryTotals{StockValue: decimal.Zero}
	for _, c := range children {
		totals = totals.Add(domain.CategoryTotals{Products: c.TotalProducts, StockValue: c.TotalStockValue})
	}
	return totals, nil
}

func (r *mockCategoryRepository) LockTrees(ctx context.Context, rootIDs ...uuid.UUID) error {
	r.s.mu.Lock()
	r.s.lockedRoots = append(r.s.lockedRoots, append([]uuid.UUID{}, rootIDs...))
	hook := r.s.onLockTrees
	r.s.mu.Unlock()

	if hook != nil {
		hook(rootIDs)
	}
	return nil
}

// Product repository

type mockProductRepository struct {
	s *memStore
}

func (r *mockProductRepository) checkWrite(product *domain.Product) error {
	for id, p := range r.s.products {
		if id != product.ID && p.SKU == product.SKU {
			return repository.ErrSKUAlreadyExists
		}
	}
	if _, ok := r.s.categories[product.CategoryID]; !ok {
		return repository.ErrCategoryNotFound
	}
	if product.Stock.Quantity < 0 {
		return repository.ErrStockWouldGoNegative
	}
	return nil
}

func (r *mockProductRepository) Create(ctx context.Context, product *domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.checkWrite(product); err != nil {
		return err
	}
	r.s.products[product.ID] = cloneProduct(product)
	return nil
}

func (r *mockProductRepository) Update(ctx context.Context, product *domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.products[product.ID]; !ok {
		return repository.ErrProductNotFound
	}
	if err := r.checkWrite(product); err != nil {
		return err
	}
	r.s.products[product.ID] = cloneProduct(product)
	return nil
}

func (r *mockProductRepository) UpdateStock(ctx context.Context, id uuid.UUID, quantity int, updatedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err, ok := r.s.failStockUpdate[id]; ok {
		return err
	}
	p, ok := r.s.products[id]
	if !ok {
		return repository.ErrProductNotFound
	}
	if quantity < 0 {
		return repository.ErrStockWouldGoNegative
	}
	p.Stock.Quantity = quantity
	p.UpdatedAt = updatedAt
	return nil
}

func (r *mockProductRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.products[id]; !ok {
		return repository.ErrProductNotFound
	}
	delete(r.s.products, id)
	delete(r.s.history, id)
	return nil
}

func (r *mockProductRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return cloneProduct(p), nil
}

func (r *mockProductRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return r.FindByID(ctx, id)
}

func (r *mockProductRepository) FindBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.products {
		if p.SKU == sku {
			return cloneProduct(p), nil
		}
	}
	return nil, repository.ErrProductNotFound
}

// inSubtree reports whether categoryID is root or below it. Caller holds the lock.
func (r *mockProductRepository) inSubtree(categoryID, root uuid.UUID) bool {
	if categoryID == root {
		return true
	}
	c, ok := r.s.categories[categoryID]
	return ok && c.HasAncestor(root)
}

func (r *mockProductRepository) collect(match func(p *domain.Product) bool) []*domain.Product {
	result := []*domain.Product{}
	for _, p := range r.s.products {
		if match(p) {
			result = append(result, cloneProduct(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (r *mockProductRepository) List(ctx context.Context, filter repository.ProductFilter) ([]*domain.Product, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	all := r.collect(func(p *domain.Product) bool {
		if filter.CategoryID != nil && !r.inSubtree(p.CategoryID, *filter.CategoryID) {
			return false
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.Description+" "+p.SKU), search) {
			return false
		}
		if filter.Brand != "" && !strings.EqualFold(p.Brand, filter.Brand) {
			return false
		}
		if filter.MinPrice != nil && p.Price.SellingPrice.LessThan(*filter.MinPrice) {
			return false
		}
		if filter.MaxPrice != nil && p.Price.SellingPrice.GreaterThan(*filter.MaxPrice) {
			return false
		}
		return !filter.InStock || p.Stock.Quantity > 0
	})

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (r *mockProductRepository) Search(ctx context.Context, query string, page, pageSize int) ([]*domain.Product, int, error) {
	return r.List(ctx, repository.ProductFilter{Search: query, Page: page, PageSize: pageSize})
}

func (r *mockProductRepository) ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.collect(func(p *domain.Product) bool { return r.inSubtree(p.CategoryID, categoryID) }), nil
}

func (r *mockProductRepository) LowStock(ctx context.Context) ([]*domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.collect(func(p *domain.Product) bool { return p.IsActive && p.IsLowStock() }), nil
}

func (r *mockProductRepository) ExistsInCategory(ctx context.Context, categoryID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.products {
		if p.CategoryID == categoryID {
			return true, nil
		}
	}
	return false, nil
}

func (r *mockProductRepository) DirectTotals(ctx context.Context, categoryID uuid.UUID) (domain.CategoryTotals, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	totals := domain.CategoryTotals{StockValue: decimal.Zero}
	for _, p := range r.s.products {
		if p.CategoryID == categoryID {
			totals.Products++
			totals.StockValue = totals.StockValue.Add(p.StockValue())
		}
	}
	return totals, nil
}

func (r *mockProductRepository) AppendHistory(ctx context.Context, entry domain.StockHistoryEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.products[entry.ProductID]; !ok {
		return repository.ErrProductNotFound
	}
	r.s.history[entry.ProductID] = append(r.s.history[entry.ProductID], entry)
	return nil
}

func (r *mockProductRepository) History(ctx context.Context, productID uuid.UUID) ([]domain.StockHistoryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.StockHistoryEntry{}, r.s.history[productID]...), nil
}

// Transaction repository

type mockTransactionRepository struct {
	s *memStore
}

func (r *mockTransactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.transactions[txn.ID] = cloneTransaction(txn)
	return nil
}

func (r *mockTransactionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	txn, ok := r.s.transactions[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

func (r *mockTransactionRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.FindByID(ctx, id)
}

func (r *mockTransactionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.transactions[id]; !ok {
		return repository.ErrTransactionNotFound
	}
	delete(r.s.transactions, id)
	return nil
}

func (r *mockTransactionRepository) matching(typ *domain.TransactionType, from, to *time.Time) []*domain.Transaction {
	result := []*domain.Transaction{}
	for _, txn := range r.s.transactions {
		if typ != nil && txn.Type != *typ {
			continue
		}
		if from != nil && txn.Date.Before(*from) {
			continue
		}
		if to != nil && txn.Date.After(*to) {
			continue
		}
		result = append(result, cloneTransaction(txn))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result
}

func (r *mockTransactionRepository) List(ctx context.Context, filter repository.TransactionFilter) (*repository.TransactionPage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	txns := r.matching(filter.Type, filter.From, filter.To)
	page := &repository.TransactionPage{Transactions: txns, Total: len(txns), TotalValue: decimal.Zero}
	for _, txn := range txns {
		page.TotalValue = page.TotalValue.Add(txn.TotalAmount)
	}
	return page, nil
}

func (r *mockTransactionRepository) Stats(ctx context.Context, from, to *time.Time) (map[domain.TransactionType]domain.TypeStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := make(map[domain.TransactionType]domain.TypeStats)
	for _, txn := range r.matching(nil, from, to) {
		s := stats[txn.Type]
		s.Count++
		s.TotalValue = s.TotalValue.Add(txn.TotalAmount)
		stats[txn.Type] = s
	}
	return stats, nil
}

// testEnv wires the catalog services over one memStore

type testEnv struct {
	store      *memStore
	categories CategoryService
	products   ProductService
	inventory  InventoryService
	aggregates AggregateService
	metrics    *metrics.Metrics
}

func newTestEnv() *testEnv {
	store := newMemStore()
	categoryRepo := &mockCategoryRepository{s: store}
	productRepo := &mockProductRepository{s: store}
	txnRepo := &mockTransactionRepository{s: store}
	txManager := &snapshotTxManager{store: store}
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg, reg)

	aggregates := NewAggregateService(categoryRepo, productRepo, txManager, m, logger)
	return &testEnv{
		store:      store,
		aggregates: aggregates,
		categories: NewCategoryService(categoryRepo, productRepo, aggregates, txManager, logger),
		products:   NewProductService(productRepo, categoryRepo, aggregates, txManager, logger),
		inventory:  NewInventoryService(txnRepo, productRepo, aggregates, txManager, m, logger),
		metrics:    m,
	}
}

func (e *testEnv) mustCategory(t *testing.T, name string, parent *domain.Category) *domain.Category {
	t.Helper()
	input := CreateCategoryInput{Name: name}
	if parent != nil {
		input.ParentID = &parent.ID
	}
	category, err := e.categories.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("failed to create category %q: %v", name, err)
	}
	return category
}

func (e *testEnv) mustProduct(t *testing.T, category *domain.Category, quantity int, sellingPrice string) *domain.Product {
	t.Helper()
	product, err := e.products.Create(context.Background(), CreateProductInput{
		Name:          "Product " + uuid.NewString()[:8],
		SKU:           "SKU-" + uuid.NewString(),
		CategoryID:    category.ID,
		Type:          "hardware",
		Brand:         "Acme",
		PurchasePrice: decimal.RequireFromString(sellingPrice).Div(decimal.NewFromInt(2)),
		SellingPrice:  decimal.RequireFromString(sellingPrice),
		Quantity:      quantity,
	})
	if err != nil {
		t.Fatalf("failed to create product: %v", err)
	}
	return product
}

func (e *testEnv) category(t *testing.T, id uuid.UUID) *domain.Category {
	t.Helper()
	c, err := (&mockCategoryRepository{s: e.store}).FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("category %s: %v", id, err)
	}
	return c
}

func (e *testEnv) stock(t *testing.T, id uuid.UUID) int {
	t.Helper()
	p, err := (&mockProductRepository{s: e.store}).FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("product %s: %v", id, err)
	}
	return p.Stock.Quantity
}

// rollupViolations recomputes every rollup from scratch and reports the
// categories whose stored totals disagree
func (e *testEnv) rollupViolations() []string {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	violations := []string{}
	for _, c := range e.store.categories {
		count := 0
		value := decimal.Zero
		for _, p := range e.store.products {
			owner, ok := e.store.categories[p.CategoryID]
			if p.CategoryID == c.ID || (ok && owner.HasAncestor(c.ID)) {
				count++
				value = value.Add(p.StockValue())
			}
		}
		if c.TotalProducts != count || !c.TotalStockValue.Equal(value) {
			violations = append(violations, c.Name+": stored "+
				c.TotalStockValue.String()+" want "+value.String())
		}
	}
	return violations
}

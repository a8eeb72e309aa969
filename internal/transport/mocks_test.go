package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/middleware"
	"stockroom/internal/repository"
	"stockroom/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "transport-test-secret"

// bearer signs an access token the auth middleware accepts
func bearer(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

type routeRegistrar interface {
	RegisterRoutes(r chi.Router, authMiddleware, adminMiddleware func(http.Handler) http.Handler)
}

// newRouter mounts handlers behind the real auth and admin middleware
func newRouter(handlers ...routeRegistrar) chi.Router {
	logger := zap.NewNop()
	r := chi.NewRouter()
	auth := middleware.AuthMiddleware(testSecret, logger)
	admin := middleware.RequireAdmin(logger)
	for _, h := range handlers {
		h.RegisterRoutes(r, auth, admin)
	}
	return r
}

// do sends a request through the router. body is JSON encoded unless it is a string.
func do(t *testing.T, router http.Handler, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// errorBody is the decoded error envelope
type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

// Stub services. Unset functions fail loudly.

type stubUserService struct {
	register       func(ctx context.Context, name, email, password string) (*domain.User, error)
	login          func(ctx context.Context, email, password string) (string, string, *domain.User, error)
	logout         func(ctx context.Context, refreshToken string) error
	refresh        func(ctx context.Context, refreshToken string) (string, error)
	getUserByID    func(ctx context.Context, id uuid.UUID) (*domain.User, error)
	forgotPassword func(ctx context.Context, email, baseURL string) error
	resetPassword  func(ctx context.Context, token, newPassword string) error
}

func (s *stubUserService) Register(ctx context.Context, name, email, password string) (*domain.User, error) {
	return s.register(ctx, name, email, password)
}

func (s *stubUserService) Login(ctx context.Context, email, password string) (string, string, *domain.User, error) {
	return s.login(ctx, email, password)
}

func (s *stubUserService) Logout(ctx context.Context, refreshToken string) error {
	return s.logout(ctx, refreshToken)
}

func (s *stubUserService) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	return s.refresh(ctx, refreshToken)
}

func (s *stubUserService) ValidateToken(tokenString string) (*service.Claims, error) {
	return nil, service.ErrInvalidToken
}

func (s *stubUserService) GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return s.getUserByID(ctx, id)
}

func (s *stubUserService) ForgotPassword(ctx context.Context, email, baseURL string) error {
	return s.forgotPassword(ctx, email, baseURL)
}

func (s *stubUserService) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.resetPassword(ctx, token, newPassword)
}

type stubCategoryService struct {
	created  *service.CreateCategoryInput
	updated  *service.UpdateCategoryInput
	deleted  []uuid.UUID
	category *domain.Category
	err      error
}

func (s *stubCategoryService) Create(_ context.Context, input service.CreateCategoryInput) (*domain.Category, error) {
	s.created = &input
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Category{ID: uuid.New(), Name: input.Name, ParentID: input.ParentID}, nil
}

func (s *stubCategoryService) Get(_ context.Context, id uuid.UUID) (*domain.Category, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.category, nil
}

func (s *stubCategoryService) Tree(context.Context) ([]*domain.Category, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*domain.Category{s.category}, nil
}

func (s *stubCategoryService) Update(_ context.Context, id uuid.UUID, input service.UpdateCategoryInput) (*domain.Category, error) {
	s.updated = &input
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Category{ID: id}, nil
}

func (s *stubCategoryService) Delete(_ context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return s.err
}

func (s *stubCategoryService) Products(context.Context, uuid.UUID) ([]*domain.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*domain.Product{}, nil
}

type stubAggregateService struct {
	rebuilds int
}

func (s *stubAggregateService) Recompute(context.Context, uuid.UUID) error        { return nil }
func (s *stubAggregateService) RecomputeMany(context.Context, []uuid.UUID) error { return nil }

func (s *stubAggregateService) RebuildAll(context.Context) error {
	s.rebuilds++
	return nil
}

type stubProductService struct {
	created  *service.CreateProductInput
	updated  *service.UpdateProductInput
	filter   *repository.ProductFilter
	query    string
	setStock *int
	notes    string
	err      error
}

func (s *stubProductService) Create(_ context.Context, input service.CreateProductInput) (*domain.Product, error) {
	s.created = &input
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Product{ID: uuid.New(), Name: input.Name, SKU: input.SKU, CategoryID: input.CategoryID}, nil
}

func (s *stubProductService) Get(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Product{ID: id}, nil
}

func (s *stubProductService) List(_ context.Context, filter repository.ProductFilter) ([]*domain.Product, int, error) {
	s.filter = &filter
	return []*domain.Product{{ID: uuid.New()}}, 41, s.err
}

func (s *stubProductService) Search(_ context.Context, query string, page, pageSize int) ([]*domain.Product, int, error) {
	s.query = query
	return []*domain.Product{}, 0, s.err
}

func (s *stubProductService) LowStock(context.Context) ([]*domain.Product, error) {
	return []*domain.Product{}, s.err
}

func (s *stubProductService) Update(_ context.Context, id uuid.UUID, input service.UpdateProductInput) (*domain.Product, error) {
	s.updated = &input
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Product{ID: id}, nil
}

func (s *stubProductService) SetStock(_ context.Context, id uuid.UUID, quantity int, notes string) (*domain.Product, error) {
	s.setStock = &quantity
	s.notes = notes
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Product{ID: id, Stock: domain.Stock{Quantity: quantity}}, nil
}

func (s *stubProductService) Delete(context.Context, uuid.UUID) error {
	return s.err
}

func (s *stubProductService) History(context.Context, uuid.UUID) ([]domain.StockHistoryEntry, error) {
	return []domain.StockHistoryEntry{}, s.err
}

type stubInventoryService struct {
	transactions map[uuid.UUID]*domain.Transaction
	created      *service.CreateTransactionInput
	filter       *repository.TransactionFilter
	deleted      []uuid.UUID
	statsFrom    *time.Time
	statsTo      *time.Time
	createErr    error
}

func newStubInventoryService() *stubInventoryService {
	return &stubInventoryService{transactions: make(map[uuid.UUID]*domain.Transaction)}
}

func (s *stubInventoryService) add(txnType domain.TransactionType) *domain.Transaction {
	txn := &domain.Transaction{ID: uuid.New(), Type: txnType}
	s.transactions[txn.ID] = txn
	return txn
}

func (s *stubInventoryService) Create(_ context.Context, input service.CreateTransactionInput) (*domain.Transaction, error) {
	s.created = &input
	if s.createErr != nil {
		return nil, s.createErr
	}
	txn := &domain.Transaction{ID: uuid.New(), Type: input.Type, Items: input.Items, CreatedBy: input.CreatedBy}
	s.transactions[txn.ID] = txn
	return txn, nil
}

func (s *stubInventoryService) Delete(_ context.Context, id uuid.UUID) (*service.DeleteResult, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return nil, domain.NotFoundf("transaction %s not found", id)
	}
	delete(s.transactions, id)
	s.deleted = append(s.deleted, id)
	return &service.DeleteResult{TransactionID: id, Type: txn.Type, SkippedProducts: []uuid.UUID{}}, nil
}

func (s *stubInventoryService) Get(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return nil, domain.NotFoundf("transaction %s not found", id)
	}
	return txn, nil
}

func (s *stubInventoryService) List(_ context.Context, filter repository.TransactionFilter) (*repository.TransactionPage, error) {
	s.filter = &filter
	return &repository.TransactionPage{Transactions: []*domain.Transaction{}}, nil
}

func (s *stubInventoryService) Stats(_ context.Context, from, to *time.Time) (*domain.TransactionStats, error) {
	s.statsFrom, s.statsTo = from, to
	return domain.NewTransactionStats(nil), nil
}

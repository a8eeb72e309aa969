package transport

import (
	"net/http"
	"strings"

	"stockroom/internal/domain"
	"stockroom/internal/middleware"
	"stockroom/internal/repository"
	"stockroom/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceRequest is the price block of a product payload
type PriceRequest struct {
	PurchasePrice *decimal.Decimal `json:"purchase_price" validate:"required"`
	SellingPrice  *decimal.Decimal `json:"selling_price" validate:"required"`
}

// StockRequest is the stock block of a product payload
type StockRequest struct {
	Quantity     *int   `json:"quantity" validate:"omitempty,gte=0"`
	MinThreshold *int   `json:"min_threshold" validate:"omitempty,gte=0"`
	Location     string `json:"location" validate:"max=100"`
}

// SupplierRequest is the supplier block of a product payload
type SupplierRequest struct {
	Name        string `json:"name" validate:"max=100"`
	ContactInfo string `json:"contact_info" validate:"max=200"`
}

// CreateProductRequest represents a new product
type CreateProductRequest struct {
	Name           string                 `json:"name" validate:"required,max=200"`
	Description    string                 `json:"description"`
	SKU            string                 `json:"sku" validate:"required,max=64"`
	CategoryID     uuid.UUID              `json:"category_id" validate:"required"`
	Type           string                 `json:"type" validate:"max=50"`
	Specifications map[string]interface{} `json:"specifications"`
	Brand          string                 `json:"brand" validate:"max=100"`
	Price          PriceRequest           `json:"price"`
	Stock          StockRequest           `json:"stock"`
	Supplier       SupplierRequest        `json:"supplier"`
	IsActive       *bool                  `json:"is_active"`
	Images         []string               `json:"images" validate:"omitempty,dive,min=1,max=500"`
}

// UpdatePriceRequest is the optional price block of a product update
type UpdatePriceRequest struct {
	PurchasePrice *decimal.Decimal `json:"purchase_price"`
	SellingPrice  *decimal.Decimal `json:"selling_price"`
}

// UpdateStockRequest is the optional stock block of a product update
type UpdateStockRequest struct {
	Quantity     *int    `json:"quantity" validate:"omitempty,gte=0"`
	MinThreshold *int    `json:"min_threshold" validate:"omitempty,gte=0"`
	Location     *string `json:"location" validate:"omitempty,max=100"`
	Notes        string  `json:"notes" validate:"max=500"`
}

// UpdateProductRequest is a partial update. Absent fields are left unchanged.
type UpdateProductRequest struct {
	Name           *string                `json:"name" validate:"omitempty,min=1,max=200"`
	Description    *string                `json:"description"`
	SKU            *string                `json:"sku" validate:"omitempty,min=1,max=64"`
	CategoryID     *uuid.UUID             `json:"category_id"`
	Type           *string                `json:"type" validate:"omitempty,max=50"`
	Specifications map[string]interface{} `json:"specifications"`
	Brand          *string                `json:"brand" validate:"omitempty,max=100"`
	Price          *UpdatePriceRequest    `json:"price"`
	Stock          *UpdateStockRequest    `json:"stock"`
	Supplier       *SupplierRequest       `json:"supplier"`
	IsActive       *bool                  `json:"is_active"`
	Images         []string               `json:"images" validate:"omitempty,dive,min=1,max=500"`
}

// SetStockRequest sets the absolute on-hand quantity
type SetStockRequest struct {
	Quantity *int   `json:"quantity" validate:"required,gte=0"`
	Notes    string `json:"notes" validate:"max=500"`
}

// ProductHandler serves the product catalog
type ProductHandler struct {
	productService service.ProductService
	logger         *zap.Logger
}

// NewProductHandler creates a new ProductHandler
func NewProductHandler(productService service.ProductService, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		productService: productService,
		logger:         logger,
	}
}

// RegisterRoutes registers the product routes. Reads are public.
func (h *ProductHandler) RegisterRoutes(r chi.Router, authMiddleware, adminMiddleware func(http.Handler) http.Handler) {
	r.Route("/api/products", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/search", h.Search)
		r.Get("/low-stock", h.LowStock)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/history", h.History)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/", h.Create)
			r.Put("/{id}", h.Update)
			r.Patch("/{id}/stock", h.SetStock)

			r.With(adminMiddleware).Delete("/{id}", h.Delete)
		})
	})
}

// List returns a filtered, paginated product listing
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize := pagination(r)

	categoryID, err := queryUUID(r, "category")
	if err != nil {
		middleware.RespondWithError(w, http.StatusBadRequest, "invalid category")
		return
	}
	minPrice, err := queryDecimal(r, "min_price")
	if err != nil {
		middleware.RespondWithError(w, http.StatusBadRequest, "invalid min_price")
		return
	}
	maxPrice, err := queryDecimal(r, "max_price")
	if err != nil {
		middleware.RespondWithError(w, http.StatusBadRequest, "invalid max_price")
		return
	}

	sortOrder := repository.SortOrderDesc
	if strings.EqualFold(q.Get("order"), "asc") {
		sortOrder = repository.SortOrderAsc
	}

	filter := repository.ProductFilter{
		CategoryID: categoryID,
		Search:     q.Get("search"),
		Brand:      q.Get("brand"),
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		InStock:    queryBool(r, "in_stock"),
		Page:       page,
		PageSize:   pageSize,
		SortBy:     q.Get("sort"),
		SortOrder:  sortOrder,
	}

	products, total, err := h.productService.List(r.Context(), filter)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	middleware.RespondWithJSON(w, http.StatusOK, ListResponse{
		Data:     products,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// Search matches products by name, description, brand or sku
func (h *ProductHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		middleware.RespondWithError(w, http.StatusBadRequest, "search query is required")
		return
	}
	page, pageSize := pagination(r)

	products, total, err := h.productService.Search(r.Context(), query, page, pageSize)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	middleware.RespondWithJSON(w, http.StatusOK, ListResponse{
		Data:     products,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// LowStock lists products at or below their minimum threshold
func (h *ProductHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.productService.LowStock(r.Context())
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}
	middleware.RespondWithJSON(w, http.StatusOK, products)
}

func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	product, err := h.productService.Get(r.Context(), id)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}
	middleware.RespondWithJSON(w, http.StatusOK, product)
}

// History returns the stock history of a product
func (h *ProductHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	history, err := h.productService.History(r.Context(), id)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}
	middleware.RespondWithJSON(w, http.StatusOK, history)
}

func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := middleware.DecodeAndValidate(r, &req); err != nil {
		middleware.RespondWithDecodeError(w, err)
		return
	}

	input := service.CreateProductInput{
		Name:           req.Name,
		Description:    req.Description,
		SKU:            req.SKU,
		CategoryID:     req.CategoryID,
		Type:           req.Type,
		Specifications: req.Specifications,
		Brand:          req.Brand,
		PurchasePrice:  *req.Price.PurchasePrice,
		SellingPrice:   *req.Price.SellingPrice,
		MinThreshold:   req.Stock.MinThreshold,
		Location:       req.Stock.Location,
		Supplier: domain.Supplier{
			Name:        req.Supplier.Name,
			ContactInfo: req.Supplier.ContactInfo,
		},
		IsActive: req.IsActive,
		Images:   req.Images,
	}
	if req.Stock.Quantity != nil {
		input.Quantity = *req.Stock.Quantity
	}

	product, err := h.productService.Create(r.Context(), input)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	middleware.RespondWithJSON(w, http.StatusCreated, product)
}

func (h *ProductHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req UpdateProductRequest
	if err := middleware.DecodeAndValidate(r, &req); err != nil {
		middleware.RespondWithDecodeError(w, err)
		return
	}

	input := service.UpdateProductInput{
		Name:           req.Name,
		Description:    req.Description,
		SKU:            req.SKU,
		CategoryID:     req.CategoryID,
		Type:           req.Type,
		Specifications: req.Specifications,
		Brand:          req.Brand,
		IsActive:       req.IsActive,
		Images:         req.Images,
	}
	if req.Price != nil {
		input.PurchasePrice = req.Price.PurchasePrice
		input.SellingPrice = req.Price.SellingPrice
	}
	if req.Stock != nil {
		input.Quantity = req.Stock.Quantity
		input.MinThreshold = req.Stock.MinThreshold
		input.Location = req.Stock.Location
		input.StockChangeNotes = req.Stock.Notes
	}
	if req.Supplier != nil {
		input.Supplier = &domain.Supplier{
			Name:        req.Supplier.Name,
			ContactInfo: req.Supplier.ContactInfo,
		}
	}

	product, err := h.productService.Update(r.Context(), id, input)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	middleware.RespondWithJSON(w, http.StatusOK, product)
}

// SetStock overwrites the on-hand quantity and records the change
func (h *ProductHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req SetStockRequest
	if err := middleware.DecodeAndValidate(r, &req); err != nil {
		middleware.RespondWithDecodeError(w, err)
		return
	}

	product, err := h.productService.SetStock(r.Context(), id, *req.Quantity, req.Notes)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	middleware.RespondWithJSON(w, http.StatusOK, product)
}

func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.productService.Delete(r.Context(), id); err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

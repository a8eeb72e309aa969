package transport

import (
	"net/http"
	"strings"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/middleware"
	"stockroom/internal/repository"
	"stockroom/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LineItemRequest is one product movement of a transaction.
// Adjustment quantities are signed; every other type takes a positive quantity.
type LineItemRequest struct {
	ProductID uuid.UUID        `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"ne=0"`
	UnitPrice *decimal.Decimal `json:"unit_price" validate:"required"`
}

// TransactionRequest represents a new inventory transaction. Type may be
// omitted on the per-type routes.
type TransactionRequest struct {
	Type        domain.TransactionType `json:"type" validate:"omitempty,oneof=purchase sale return adjustment"`
	Items       []LineItemRequest      `json:"items" validate:"required,min=1,dive"`
	TotalAmount *decimal.Decimal       `json:"total_amount"`
	Reference   string                 `json:"reference" validate:"max=100"`
	Notes       string                 `json:"notes" validate:"max=1000"`
	Date        *time.Time             `json:"date"`
}

// TransactionListResponse adds the value of every matching transaction to a page
type TransactionListResponse struct {
	ListResponse
	TotalValue decimal.Decimal `json:"total_value"`
}

// typeRoutes maps the per-type route segments to the type they serve
var typeRoutes = map[string]domain.TransactionType{
	"purchases":   domain.TransactionPurchase,
	"sales":       domain.TransactionSale,
	"returns":     domain.TransactionReturn,
	"adjustments": domain.TransactionAdjustment,
}

// InventoryHandler serves the transaction engine
type InventoryHandler struct {
	inventoryService service.InventoryService
	logger           *zap.Logger
}

// NewInventoryHandler creates a new InventoryHandler
func NewInventoryHandler(inventoryService service.InventoryService, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
		logger:           logger,
	}
}

// RegisterRoutes registers the inventory routes. Everything requires authentication.
func (h *InventoryHandler) RegisterRoutes(r chi.Router, authMiddleware, adminMiddleware func(http.Handler) http.Handler) {
	r.Route("/api/inventory", func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/stats", h.Stats)
		r.Get("/", h.list(nil))
		r.Post("/", h.create(""))
		r.Get("/{id}", h.get(""))
		r.With(adminMiddleware).Delete("/{id}", h.delete(""))

		for segment, txnType := range typeRoutes {
			r.Route("/"+segment, func(r chi.Router) {
				r.Get("/", h.list(&txnType))
				r.Post("/", h.create(txnType))
				r.Get("/{id}", h.get(txnType))
				r.With(adminMiddleware).Delete("/{id}", h.delete(txnType))
			})
		}
	})
}

// list serves a filtered page. A non-nil fixed type overrides the type query parameter.
func (h *InventoryHandler) list(fixed *domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pagination(r)
		filter := repository.TransactionFilter{
			Type:     fixed,
			Search:   strings.TrimSpace(r.URL.Query().Get("search")),
			Page:     page,
			PageSize: pageSize,
		}

		if fixed == nil {
			if raw := r.URL.Query().Get("type"); raw != "" {
				txnType := domain.TransactionType(raw)
				if !txnType.Valid() {
					middleware.RespondWithError(w, http.StatusBadRequest, "invalid type")
					return
				}
				filter.Type = &txnType
			}
		}

		var err error
		if filter.From, err = queryTime(r, "from", false); err != nil {
			middleware.RespondWithError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		if filter.To, err = queryTime(r, "to", true); err != nil {
			middleware.RespondWithError(w, http.StatusBadRequest, "invalid to date")
			return
		}

		result, err := h.inventoryService.List(r.Context(), filter)
		if err != nil {
			middleware.RespondWithServiceError(w, r, err, h.logger)
			return
		}

		middleware.RespondWithJSON(w, http.StatusOK, TransactionListResponse{
			ListResponse: ListResponse{
				Data:     result.Transactions,
				Total:    result.Total,
				Page:     page,
				PageSize: pageSize,
			},
			TotalValue: result.TotalValue,
		})
	}
}

// create commits a transaction. A non-empty fixed type overrides the body's type.
func (h *InventoryHandler) create(fixed domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransactionRequest
		if err := middleware.DecodeAndValidate(r, &req); err != nil {
			middleware.RespondWithDecodeError(w, err)
			return
		}

		txnType := req.Type
		if fixed != "" {
			txnType = fixed
		}
		if txnType == "" {
			middleware.RespondWithError(w, http.StatusBadRequest, "type is required")
			return
		}

		items := make([]domain.LineItem, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, domain.LineItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: *item.UnitPrice,
			})
		}

		input := service.CreateTransactionInput{
			Type:        txnType,
			Items:       items,
			TotalAmount: req.TotalAmount,
			Reference:   req.Reference,
			Notes:       req.Notes,
			Date:        req.Date,
		}
		if userID, ok := middleware.GetUserUUID(r.Context()); ok {
			input.CreatedBy = &userID
		}

		txn, err := h.inventoryService.Create(r.Context(), input)
		if err != nil {
			middleware.RespondWithServiceError(w, r, err, h.logger)
			return
		}

		middleware.RespondWithJSON(w, http.StatusCreated, txn)
	}
}

func (h *InventoryHandler) get(fixed domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, ok := h.lookup(w, r, fixed)
		if !ok {
			return
		}
		middleware.RespondWithJSON(w, http.StatusOK, txn)
	}
}

// delete reverses a transaction's stock effects and removes it
func (h *InventoryHandler) delete(fixed domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, ok := h.lookup(w, r, fixed)
		if !ok {
			return
		}

		result, err := h.inventoryService.Delete(r.Context(), txn.ID)
		if err != nil {
			middleware.RespondWithServiceError(w, r, err, h.logger)
			return
		}

		middleware.RespondWithJSON(w, http.StatusOK, result)
	}
}

// lookup loads the transaction named by the route. On a per-type route a
// transaction of another type is reported as missing.
func (h *InventoryHandler) lookup(w http.ResponseWriter, r *http.Request, fixed domain.TransactionType) (*domain.Transaction, bool) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	txn, err := h.inventoryService.Get(r.Context(), id)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return nil, false
	}
	if fixed != "" && txn.Type != fixed {
		middleware.RespondWithServiceError(w, r, domain.NotFoundf("%s transaction %s not found", fixed, id), h.logger)
		return nil, false
	}
	return txn, true
}

// Stats summarizes transactions per type with the derived profit
func (h *InventoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from", false)
	if err != nil {
		middleware.RespondWithError(w, http.StatusBadRequest, "invalid from date")
		return
	}
	to, err := queryTime(r, "to", true)
	if err != nil {
		middleware.RespondWithError(w, http.StatusBadRequest, "invalid to date")
		return
	}

	stats, err := h.inventoryService.Stats(r.Context(), from, to)
	if err != nil {
		middleware.RespondWithServiceError(w, r, err, h.logger)
		return
	}
	middleware.RespondWithJSON(w, http.StatusOK, stats)
}

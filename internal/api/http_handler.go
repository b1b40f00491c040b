package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/costprice"
	"catalog-cost-service/internal/domain"
)

// DefaultMigrationRateLimit is the number of migration requests accepted per
// client IP per minute.
const DefaultMigrationRateLimit = 10

// CostService is the part of costprice.Service exposed over HTTP and gRPC.
type CostService interface {
	ResolveForProduct(ctx context.Context, sku string) (domain.CostPriceResolution, error)
	ResolveForCategory(ctx context.Context, categoryID string) (domain.CostPriceResolution, error)
	ResolveBatch(ctx context.Context, products []domain.Product) (map[string]domain.CostPriceResolution, error)
	GetProductsInheritingCost(ctx context.Context, categoryID string) ([]domain.Product, error)

	MigrateCategoryFromProducts(ctx context.Context, categoryID string) (costprice.MigrationResult, error)
	ClearMigratedOverrides(ctx context.Context, categoryID string) ([]string, error)
	RollbackMigration(ctx context.Context, categoryID string) (costprice.RollbackResult, error)
	UpdateCategoryPrice(ctx context.Context, categoryID string, price *float64) error
	SetProductCostPrice(ctx context.Context, sku string, price *float64) error
	ImportProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	UpsertCategory(ctx context.Context, category domain.Category) (domain.Category, error)
}

// MigrationEnqueuer hands a migration to the background worker.
type MigrationEnqueuer interface {
	EnqueueMigration(ctx context.Context, categoryID string) (string, error)
}

// HTTPConfig holds optional handler settings.
type HTTPConfig struct {
	MigrationRateLimit int
}

// HTTPHandler holds dependencies for HTTP handlers.
type HTTPHandler struct {
	service   CostService
	enqueuer  MigrationEnqueuer // nil disables ?async=true
	validate  *validator.Validate
	logger    *zap.Logger
	rateLimit int
}

// NewHTTPHandler creates a new HTTPHandler with dependencies.
func NewHTTPHandler(service CostService, enqueuer MigrationEnqueuer, cfg HTTPConfig, logger *zap.Logger) *HTTPHandler {
	if cfg.MigrationRateLimit <= 0 {
		cfg.MigrationRateLimit = DefaultMigrationRateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		service:   service,
		enqueuer:  enqueuer,
		validate:  validator.New(),
		logger:    logger,
		rateLimit: cfg.MigrationRateLimit,
	}
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	// PendingSKUs lists the products still holding an override after a partially applied migration.
	PendingSKUs []string `json:"pendingSkus,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			zap.L().Error("failed to encode JSON response", zap.Error(err))
		}
	}
}

// respondWithServiceError maps service errors to HTTP statuses. action is the
// message used for unexpected failures.
func (h *HTTPHandler) respondWithServiceError(w http.ResponseWriter, err error, action string) {
	var partial *costprice.PartialMigrationError
	switch {
	case errors.Is(err, costprice.ErrValidation):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, costprice.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, costprice.ErrMigrationInProgress), errors.Is(err, costprice.ErrNothingToRollback):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, costprice.ErrClearPending) && errors.As(err, &partial):
		respondWithJSON(w, http.StatusConflict, ErrorResponse{
			Error:       "Previous migration not finished; clear the pending product overrides with POST /api/v1/categories/" + partial.CategoryID + "/migrate/clear",
			PendingSKUs: partial.PendingSKUs,
		})
	case errors.As(err, &partial):
		h.logger.Error(action+" partially applied", zap.String("category_id", partial.CategoryID), zap.Error(err))
		respondWithJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:       "Migration partially applied; clear the pending product overrides with POST /api/v1/categories/" + partial.CategoryID + "/migrate/clear",
			PendingSKUs: partial.PendingSKUs,
		})
	case errors.Is(err, batch.ErrServiceUnavailable):
		h.logger.Warn(action+" failed, store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.logger.Error(action+" failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

func (h *HTTPHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, input interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return false
	}
	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return false
	}
	return true
}

// --- Product Handlers ---

// ProductUpsertInput is the import-pipeline payload. It carries no cost
// price: explicit prices are only set through PUT /products/{sku}/cost.
type ProductUpsertInput struct {
	Name       string  `json:"name" validate:"max=255"`
	CategoryID *string `json:"categoryId" validate:"omitempty,min=1,max=128"`
}

func (h *HTTPHandler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	var input ProductUpsertInput
	if !h.decodeAndValidate(w, r, &input) {
		return
	}

	product, err := h.service.ImportProduct(r.Context(), domain.Product{
		SKU:        sku,
		Name:       input.Name,
		CategoryID: input.CategoryID,
	})
	if err != nil {
		h.respondWithServiceError(w, err, "save product")
		return
	}
	respondWithJSON(w, http.StatusOK, product)
}

func (h *HTTPHandler) GetProductCost(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	resolution, err := h.service.ResolveForProduct(r.Context(), sku)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve product cost price")
		return
	}
	respondWithJSON(w, http.StatusOK, resolution)
}

// ProductCostInput sets or clears (null) a product's explicit cost price.
type ProductCostInput struct {
	CustomCostPrice *float64 `json:"customCostPrice" validate:"omitempty,gte=0"`
}

func (h *HTTPHandler) SetProductCost(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	var input ProductCostInput
	if !h.decodeAndValidate(w, r, &input) {
		return
	}

	if err := h.service.SetProductCostPrice(r.Context(), sku, input.CustomCostPrice); err != nil {
		h.respondWithServiceError(w, err, "set product cost price")
		return
	}
	resolution, err := h.service.ResolveForProduct(r.Context(), sku)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve product cost price")
		return
	}
	respondWithJSON(w, http.StatusOK, resolution)
}

// BatchProductInput is one product of a batch resolution request.
type BatchProductInput struct {
	SKU             string   `json:"sku" validate:"required,max=128"`
	CategoryID      *string  `json:"categoryId" validate:"omitempty,max=128"`
	CustomCostPrice *float64 `json:"customCostPrice" validate:"omitempty,gte=0"`
}

// ResolveBatchInput defines the expected input for batch resolution.
type ResolveBatchInput struct {
	Products []BatchProductInput `json:"products" validate:"max=1000,dive"`
}

// ResolveBatchResponse maps each SKU to its resolution.
type ResolveBatchResponse struct {
	Results map[string]domain.CostPriceResolution `json:"results"`
}

func (h *HTTPHandler) ResolveBatch(w http.ResponseWriter, r *http.Request) {
	var input ResolveBatchInput
	if !h.decodeAndValidate(w, r, &input) {
		return
	}

	products := make([]domain.Product, 0, len(input.Products))
	for _, p := range input.Products {
		products = append(products, domain.Product{
			SKU:             p.SKU,
			CategoryID:      p.CategoryID,
			CustomCostPrice: p.CustomCostPrice,
		})
	}

	results, err := h.service.ResolveBatch(r.Context(), products)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve cost prices")
		return
	}
	respondWithJSON(w, http.StatusOK, ResolveBatchResponse{Results: results})
}

// --- Category Handlers ---

// CategoryUpsertInput defines the expected input for creating or renaming a category.
type CategoryUpsertInput struct {
	Name      string   `json:"name" validate:"required,max=255"`
	CostPrice *float64 `json:"costPrice" validate:"omitempty,gte=0"`
}

func (h *HTTPHandler) UpsertCategory(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	var input CategoryUpsertInput
	if !h.decodeAndValidate(w, r, &input) {
		return
	}

	category, err := h.service.UpsertCategory(r.Context(), domain.Category{
		ID:        categoryID,
		Name:      input.Name,
		CostPrice: input.CostPrice,
	})
	if err != nil {
		h.respondWithServiceError(w, err, "save category")
		return
	}
	respondWithJSON(w, http.StatusOK, category)
}

func (h *HTTPHandler) GetCategoryCost(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	resolution, err := h.service.ResolveForCategory(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve category cost price")
		return
	}
	respondWithJSON(w, http.StatusOK, resolution)
}

// CategoryCostInput sets or clears (null) a category's cost price.
type CategoryCostInput struct {
	CostPrice *float64 `json:"costPrice" validate:"omitempty,gte=0"`
}

func (h *HTTPHandler) SetCategoryCost(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	var input CategoryCostInput
	if !h.decodeAndValidate(w, r, &input) {
		return
	}

	if err := h.service.UpdateCategoryPrice(r.Context(), categoryID, input.CostPrice); err != nil {
		h.respondWithServiceError(w, err, "update category cost price")
		return
	}
	resolution, err := h.service.ResolveForCategory(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve category cost price")
		return
	}
	respondWithJSON(w, http.StatusOK, resolution)
}

func (h *HTTPHandler) ListInheritingProducts(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	products, err := h.service.GetProductsInheritingCost(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "list inheriting products")
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		Data []domain.Product `json:"data"`
	}{Data: products})
}

// --- Migration Handlers ---

// MigrationAccepted is returned for ?async=true migrations.
type MigrationAccepted struct {
	CategoryID string `json:"categoryId"`
	TaskID     string `json:"taskId"`
}

func (h *HTTPHandler) MigrateCategory(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	if r.URL.Query().Get("async") == "true" {
		if h.enqueuer == nil {
			respondWithError(w, http.StatusServiceUnavailable, "Background migrations are not configured")
			return
		}
		taskID, err := h.enqueuer.EnqueueMigration(r.Context(), categoryID)
		if err != nil {
			h.logger.Error("enqueue migration failed", zap.String("category_id", categoryID), zap.Error(err))
			respondWithError(w, http.StatusServiceUnavailable, "Failed to enqueue migration")
			return
		}
		respondWithJSON(w, http.StatusAccepted, MigrationAccepted{CategoryID: categoryID, TaskID: taskID})
		return
	}

	result, err := h.service.MigrateCategoryFromProducts(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "migrate category")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) ClearMigratedOverrides(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	cleared, err := h.service.ClearMigratedOverrides(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "clear migrated overrides")
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		CategoryID  string   `json:"categoryId"`
		ClearedSKUs []string `json:"clearedSkus"`
	}{CategoryID: categoryID, ClearedSKUs: cleared})
}

func (h *HTTPHandler) RollbackMigration(w http.ResponseWriter, r *http.Request) {
	categoryID := chi.URLParam(r, "categoryId")

	result, err := h.service.RollbackMigration(r.Context(), categoryID)
	if err != nil {
		h.respondWithServiceError(w, err, "roll back migration")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// RegisterRoutes sets up the HTTP routes for the service.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/products/{sku}", func(r chi.Router) {
		r.Put("/", h.UpsertProduct)      // PUT /api/v1/products/{sku}
		r.Get("/cost", h.GetProductCost) // GET /api/v1/products/{sku}/cost
		r.Put("/cost", h.SetProductCost) // PUT /api/v1/products/{sku}/cost
	})

	r.Post("/api/v1/costs/resolve", h.ResolveBatch) // POST /api/v1/costs/resolve

	r.Route("/api/v1/categories/{categoryId}", func(r chi.Router) {
		r.Put("/", h.UpsertCategory)                            // PUT /api/v1/categories/{categoryId}
		r.Get("/cost", h.GetCategoryCost)                       // GET /api/v1/categories/{categoryId}/cost
		r.Put("/cost", h.SetCategoryCost)                       // PUT /api/v1/categories/{categoryId}/cost
		r.Get("/inheriting-products", h.ListInheritingProducts) // GET /api/v1/categories/{categoryId}/inheriting-products

		// migration endpoints are rate limited per client IP
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))
			r.Post("/migrate", h.MigrateCategory)              // POST /api/v1/categories/{categoryId}/migrate
			r.Post("/migrate/clear", h.ClearMigratedOverrides) // POST /api/v1/categories/{categoryId}/migrate/clear
			r.Post("/rollback", h.RollbackMigration)           // POST /api/v1/categories/{categoryId}/rollback
		})
	})
}

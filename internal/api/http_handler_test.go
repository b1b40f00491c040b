package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/costprice"
	"catalog-cost-service/internal/domain"
)

// Helper for setting up tests with a chi router and handler
func setupTestChiServer(t *testing.T, svc CostService, enqueuer MigrationEnqueuer, cfg HTTPConfig) *httptest.Server {
	t.Helper()
	handler := NewHTTPHandler(svc, enqueuer, cfg, nil)
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestHTTPHandler_GetProductCost_Success(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	expected := domain.CostPriceResolution{Value: 12.5, Source: domain.SourceCategory, CategoryID: PtrTo("cat1"), SKU: "sku-1"}
	svc.On("ResolveForProduct", mock.Anything, "sku-1").Return(expected, nil).Once()

	res := doJSON(t, http.MethodGet, server.URL+"/api/v1/products/sku-1/cost", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := decodeBody[domain.CostPriceResolution](t, res)
	assert.Equal(t, expected, got)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &costprice.ValidationError{Field: "sku", Reason: "must not be empty"}, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: category %q", costprice.ErrNotFound, "cat1"), http.StatusNotFound},
		{"locked", costprice.ErrMigrationInProgress, http.StatusConflict},
		{"nothing to roll back", costprice.ErrNothingToRollback, http.StatusConflict},
		{"unavailable", &batch.ServiceUnavailableError{Attempts: 4, Cause: errors.New("reset")}, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockCostService)
			server := setupTestChiServer(t, svc, nil, HTTPConfig{})
			svc.On("ResolveForCategory", mock.Anything, "cat1").Return(domain.CostPriceResolution{}, tc.err).Once()

			res := doJSON(t, http.MethodGet, server.URL+"/api/v1/categories/cat1/cost", nil)
			assert.Equal(t, tc.code, res.StatusCode)
			errResp := decodeBody[ErrorResponse](t, res)
			assert.NotEmpty(t, errResp.Error)
			if tc.code == http.StatusServiceUnavailable {
				assert.Equal(t, "5", res.Header.Get("Retry-After"))
			}
		})
	}
}

func TestHTTPHandler_SetProductCost(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("SetProductCostPrice", mock.Anything, "sku-1", PtrTo(0.0)).Return(nil).Once()
	svc.On("ResolveForProduct", mock.Anything, "sku-1").
		Return(domain.CostPriceResolution{Value: 0, Source: domain.SourceProduct, SKU: "sku-1"}, nil).Once()

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/products/sku-1/cost", map[string]interface{}{"customCostPrice": 0})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.SourceProduct, decodeBody[domain.CostPriceResolution](t, res).Source)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_SetProductCost_Clear(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("SetProductCostPrice", mock.Anything, "sku-1", (*float64)(nil)).Return(nil).Once()
	svc.On("ResolveForProduct", mock.Anything, "sku-1").
		Return(domain.CostPriceResolution{Value: 3, Source: domain.SourceCategory, SKU: "sku-1"}, nil).Once()

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/products/sku-1/cost", map[string]interface{}{"customCostPrice": nil})
	require.Equal(t, http.StatusOK, res.StatusCode)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_SetProductCost_InvalidPayload_Validation(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/products/sku-1/cost", map[string]interface{}{"customCostPrice": -1})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	errResp := decodeBody[ErrorResponse](t, res)
	assert.Contains(t, errResp.Error, "Validation failed")

	res = doJSON(t, http.MethodPut, server.URL+"/api/v1/products/sku-1/cost", "not an object")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	svc.AssertNotCalled(t, "SetProductCostPrice", mock.Anything, mock.Anything, mock.Anything)
}

func TestHTTPHandler_UpsertProduct_IgnoresCostPrice(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("ImportProduct", mock.Anything, mock.MatchedBy(func(p domain.Product) bool {
		return p.SKU == "sku-1" && p.Name == "Beans" && p.CategoryID != nil && *p.CategoryID == "cat1" && p.CustomCostPrice == nil
	})).Return(domain.Product{SKU: "sku-1", Name: "Beans", CategoryID: PtrTo("cat1")}, nil).Once()

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/products/sku-1", map[string]interface{}{
		"name": "Beans", "categoryId": "cat1", "customCostPrice": 99,
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "sku-1", decodeBody[domain.Product](t, res).SKU)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_ResolveBatch(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	results := map[string]domain.CostPriceResolution{
		"a": {Value: 10, Source: domain.SourceCategory, CategoryID: PtrTo("cat1"), SKU: "a"},
		"b": {Value: 0, Source: domain.SourceDefault, CategoryID: PtrTo("cat2"), SKU: "b", Degraded: true},
	}
	svc.On("ResolveBatch", mock.Anything, mock.MatchedBy(func(products []domain.Product) bool {
		return len(products) == 2 && products[0].SKU == "a" && products[1].SKU == "b"
	})).Return(results, nil).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/costs/resolve", ResolveBatchInput{Products: []BatchProductInput{
		{SKU: "a", CategoryID: PtrTo("cat1")},
		{SKU: "b", CategoryID: PtrTo("cat2")},
	}})
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeBody[ResolveBatchResponse](t, res)
	assert.Equal(t, results, body.Results)
	svc.AssertExpectations(t)

	res = doJSON(t, http.MethodPost, server.URL+"/api/v1/costs/resolve", map[string]interface{}{
		"products": []map[string]interface{}{{"categoryId": "cat1"}},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, "sku is required")
}

func TestHTTPHandler_SetCategoryCost(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("UpdateCategoryPrice", mock.Anything, "cat1", PtrTo(20.0)).Return(nil).Once()
	svc.On("ResolveForCategory", mock.Anything, "cat1").
		Return(domain.CostPriceResolution{Value: 20, Source: domain.SourceCategory, CategoryID: PtrTo("cat1")}, nil).Once()

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/categories/cat1/cost", CategoryCostInput{CostPrice: PtrTo(20.0)})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 20.0, decodeBody[domain.CostPriceResolution](t, res).Value)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_UpsertCategory(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("UpsertCategory", mock.Anything, domain.Category{ID: "cat1", Name: "Coffee"}).
		Return(domain.Category{ID: "cat1", Name: "Coffee", CostPrice: PtrTo(4.0)}, nil).Once()

	res := doJSON(t, http.MethodPut, server.URL+"/api/v1/categories/cat1", CategoryUpsertInput{Name: "Coffee"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, PtrTo(4.0), decodeBody[domain.Category](t, res).CostPrice)

	res = doJSON(t, http.MethodPut, server.URL+"/api/v1/categories/cat1", CategoryUpsertInput{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, "name is required")
	svc.AssertExpectations(t)
}

func TestHTTPHandler_ListInheritingProducts(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("GetProductsInheritingCost", mock.Anything, "cat1").
		Return([]domain.Product{{SKU: "a", CategoryID: PtrTo("cat1")}}, nil).Once()

	res := doJSON(t, http.MethodGet, server.URL+"/api/v1/categories/cat1/inheriting-products", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody[struct {
		Data []domain.Product `json:"data"`
	}](t, res)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "a", body.Data[0].SKU)
}

func TestHTTPHandler_MigrateCategory(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("MigrateCategoryFromProducts", mock.Anything, "cat1").
		Return(costprice.MigrationResult{CategoryID: "cat1", Migrated: true, AggregateCostPrice: PtrTo(150.0), ClearedSKUs: []string{"a", "b"}}, nil).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	result := decodeBody[costprice.MigrationResult](t, res)
	assert.True(t, result.Migrated)
	assert.Equal(t, PtrTo(150.0), result.AggregateCostPrice)
	svc.AssertExpectations(t)
}

func TestHTTPHandler_MigrateCategory_PartialFailure(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	partial := &costprice.PartialMigrationError{CategoryID: "cat1", AggregateCostPrice: 150, PendingSKUs: []string{"a", "b"}, Cause: errors.New("boom")}
	svc.On("MigrateCategoryFromProducts", mock.Anything, "cat1").Return(costprice.MigrationResult{CategoryID: "cat1"}, partial).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate", nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	errResp := decodeBody[ErrorResponse](t, res)
	assert.Equal(t, []string{"a", "b"}, errResp.PendingSKUs)
	assert.Contains(t, errResp.Error, "/api/v1/categories/cat1/migrate/clear")
}

func TestHTTPHandler_MigrateCategory_ClearPending(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	pending := &costprice.PartialMigrationError{CategoryID: "cat1", AggregateCostPrice: 150, PendingSKUs: []string{"a"}, Cause: costprice.ErrClearPending}
	svc.On("MigrateCategoryFromProducts", mock.Anything, "cat1").Return(costprice.MigrationResult{CategoryID: "cat1"}, pending).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	errResp := decodeBody[ErrorResponse](t, res)
	assert.Equal(t, []string{"a"}, errResp.PendingSKUs)
	assert.Contains(t, errResp.Error, "/api/v1/categories/cat1/migrate/clear")
}

func TestHTTPHandler_MigrateCategory_Async(t *testing.T) {
	svc := new(MockCostService)
	enqueuer := new(MockEnqueuer)
	server := setupTestChiServer(t, svc, enqueuer, HTTPConfig{})

	enqueuer.On("EnqueueMigration", mock.Anything, "cat1").Return("task-1", nil).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate?async=true", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, MigrationAccepted{CategoryID: "cat1", TaskID: "task-1"}, decodeBody[MigrationAccepted](t, res))

	enqueuer.AssertExpectations(t)
	svc.AssertNotCalled(t, "MigrateCategoryFromProducts", mock.Anything, mock.Anything)
}

func TestHTTPHandler_MigrateCategory_AsyncNotConfigured(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate?async=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHTTPHandler_ClearAndRollback(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{})

	svc.On("ClearMigratedOverrides", mock.Anything, "cat1").Return([]string{"a"}, nil).Once()
	svc.On("RollbackMigration", mock.Anything, "cat1").
		Return(costprice.RollbackResult{CategoryID: "cat1", Exact: true, RestoredSKUs: []string{"a"}, CategoryPrice: PtrTo(7.0)}, nil).Once()

	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/migrate/clear", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	cleared := decodeBody[struct {
		ClearedSKUs []string `json:"clearedSkus"`
	}](t, res)
	assert.Equal(t, []string{"a"}, cleared.ClearedSKUs)

	res = doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/rollback", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	rollback := decodeBody[costprice.RollbackResult](t, res)
	assert.True(t, rollback.Exact)
	assert.Equal(t, PtrTo(7.0), rollback.CategoryPrice)

	svc.AssertExpectations(t)
}

func TestHTTPHandler_MigrationRateLimit(t *testing.T) {
	svc := new(MockCostService)
	server := setupTestChiServer(t, svc, nil, HTTPConfig{MigrationRateLimit: 2})

	svc.On("RollbackMigration", mock.Anything, "cat1").Return(costprice.RollbackResult{}, costprice.ErrNothingToRollback)

	for i := 0; i < 2; i++ {
		res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/rollback", nil)
		assert.Equal(t, http.StatusConflict, res.StatusCode)
	}
	res := doJSON(t, http.MethodPost, server.URL+"/api/v1/categories/cat1/rollback", nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	// resolution endpoints are not limited
	svc.On("ResolveForCategory", mock.Anything, "cat1").Return(domain.CostPriceResolution{Source: domain.SourceDefault}, nil)
	res = doJSON(t, http.MethodGet, server.URL+"/api/v1/categories/cat1/cost", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"catalog-cost-service/internal/costprice"
	"catalog-cost-service/internal/domain"
)

// MockCostService is a mock implementation of CostService
type MockCostService struct {
	mock.Mock
}

func (m *MockCostService) ResolveForProduct(ctx context.Context, sku string) (domain.CostPriceResolution, error) {
	args := m.Called(ctx, sku)
	return args.Get(0).(domain.CostPriceResolution), args.Error(1)
}

func (m *MockCostService) ResolveForCategory(ctx context.Context, categoryID string) (domain.CostPriceResolution, error) {
	args := m.Called(ctx, categoryID)
	return args.Get(0).(domain.CostPriceResolution), args.Error(1)
}

func (m *MockCostService) ResolveBatch(ctx context.Context, products []domain.Product) (map[string]domain.CostPriceResolution, error) {
	args := m.Called(ctx, products)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.CostPriceResolution), args.Error(1)
}

func (m *MockCostService) GetProductsInheritingCost(ctx context.Context, categoryID string) ([]domain.Product, error) {
	args := m.Called(ctx, categoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Product), args.Error(1)
}

func (m *MockCostService) MigrateCategoryFromProducts(ctx context.Context, categoryID string) (costprice.MigrationResult, error) {
	args := m.Called(ctx, categoryID)
	return args.Get(0).(costprice.MigrationResult), args.Error(1)
}

func (m *MockCostService) ClearMigratedOverrides(ctx context.Context, categoryID string) ([]string, error) {
	args := m.Called(ctx, categoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCostService) RollbackMigration(ctx context.Context, categoryID string) (costprice.RollbackResult, error) {
	args := m.Called(ctx, categoryID)
	return args.Get(0).(costprice.RollbackResult), args.Error(1)
}

func (m *MockCostService) UpdateCategoryPrice(ctx context.Context, categoryID string, price *float64) error {
	args := m.Called(ctx, categoryID, price)
	return args.Error(0)
}

func (m *MockCostService) SetProductCostPrice(ctx context.Context, sku string, price *float64) error {
	args := m.Called(ctx, sku, price)
	return args.Error(0)
}

func (m *MockCostService) ImportProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	args := m.Called(ctx, product)
	return args.Get(0).(domain.Product), args.Error(1)
}

func (m *MockCostService) UpsertCategory(ctx context.Context, category domain.Category) (domain.Category, error) {
	args := m.Called(ctx, category)
	return args.Get(0).(domain.Category), args.Error(1)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueMigration(ctx context.Context, categoryID string) (string, error) {
	args := m.Called(ctx, categoryID)
	return args.String(0), args.Error(1)
}

// Helper function to get a pointer (useful for optional fields in domain structs)
func PtrTo[T any](v T) *T {
	return &v
}

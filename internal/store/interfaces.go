package store

import (
	"context"

	"catalog-cost-service/internal/domain"
)

// CategoryStorer defines the document operations for categories.
type CategoryStorer interface {
	GetCategoryByID(ctx context.Context, id string) (*domain.Category, error)
	SaveCategory(ctx context.Context, category *domain.Category) error
	UpdateCategoryCostPrice(ctx context.Context, id string, price *float64) error
}

// ProductStorer defines the document operations for products.
type ProductStorer interface {
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProductsByCategory(ctx context.Context, categoryID string) ([]domain.Product, error)
	ListProductsInheritingCost(ctx context.Context, categoryID string) ([]domain.Product, error) // category members with no override
	SaveProduct(ctx context.Context, product *domain.Product) error
	SetCustomCostPrice(ctx context.Context, sku string, price *float64) error
	ClearCustomCostPrices(ctx context.Context, skus []string) error
}

// SnapshotStorer reads the snapshots captured by cost migrations.
type SnapshotStorer interface {
	GetMigrationSnapshot(ctx context.Context, categoryID string) (*domain.MigrationSnapshot, error)
}

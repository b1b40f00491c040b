// Package costprice resolves the effective cost price of products and moves
// explicit prices between the product and category layers.
package costprice

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog-cost-service/internal/domain"
	"catalog-cost-service/internal/store"
)

// DefaultFetchConcurrency bounds the category fan-out of ResolveBatch.
const DefaultFetchConcurrency = 8

// ResolverConfig groups optional settings.
type ResolverConfig struct {
	FetchConcurrency int
}

// Resolver computes effective cost prices. It holds no state between calls.
type Resolver struct {
	categories  store.CategoryStorer
	products    store.ProductStorer
	concurrency int
	logger      *zap.Logger
}

// NewResolver builds Resolver.
func NewResolver(categories store.CategoryStorer, products store.ProductStorer, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{categories: categories, products: products, concurrency: cfg.FetchConcurrency, logger: logger}
}

// categoryTable is the per-call lookup built from fetched categories.
// prices only holds categories that exist and carry a price.
type categoryTable struct {
	prices map[string]float64
	failed map[string]bool
}

// ResolveForProduct resolves one product by SKU. A missing product or category
// degrades to the default; store failures are returned as errors.
func (r *Resolver) ResolveForProduct(ctx context.Context, sku string) (domain.CostPriceResolution, error) {
	if err := validateID("sku", sku); err != nil {
		return domain.CostPriceResolution{}, err
	}

	product, err := r.products.GetProductBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return domain.DefaultResolution(sku, nil), nil
		}
		return domain.CostPriceResolution{}, fmt.Errorf("costprice: resolve product %q: %w", sku, err)
	}

	table := categoryTable{prices: map[string]float64{}}
	if categoryID, ok := categoryRef(*product); ok && !product.HasOverride() {
		category, err := r.categories.GetCategoryByID(ctx, categoryID)
		switch {
		case errors.Is(err, store.ErrCategoryNotFound):
			// dangling reference, resolved as default below
		case err != nil:
			return domain.CostPriceResolution{}, fmt.Errorf("costprice: resolve product %q: category %q: %w", sku, categoryID, err)
		case category.CostPrice != nil:
			table.prices[categoryID] = *category.CostPrice
		}
	}
	return resolveProduct(*product, table), nil
}

// ResolveForCategory returns the category's own price, or the default when it
// has none. Unlike product resolution a missing category is an error.
func (r *Resolver) ResolveForCategory(ctx context.Context, categoryID string) (domain.CostPriceResolution, error) {
	if err := validateID("categoryId", categoryID); err != nil {
		return domain.CostPriceResolution{}, err
	}

	category, err := r.categories.GetCategoryByID(ctx, categoryID)
	if err != nil {
		if errors.Is(err, store.ErrCategoryNotFound) {
			return domain.CostPriceResolution{}, fmt.Errorf("%w: category %q: %w", ErrNotFound, categoryID, err)
		}
		return domain.CostPriceResolution{}, fmt.Errorf("costprice: resolve category %q: %w", categoryID, err)
	}

	id := categoryID
	if category.CostPrice == nil {
		return domain.DefaultResolution("", &id), nil
	}
	return domain.CostPriceResolution{
		Value:      *category.CostPrice,
		Source:     domain.SourceCategory,
		CategoryID: &id,
	}, nil
}

// ResolveBatch resolves many products with one category read per distinct
// category. A failed category read downgrades its products to the default
// (flagged Degraded) instead of failing the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, products []domain.Product) (map[string]domain.CostPriceResolution, error) {
	ids := distinctCategoryIDs(products)

	prices := make([]*float64, len(ids))
	errs := make([]error, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			category, err := r.categories.GetCategoryByID(ctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			prices[i] = category.CostPrice
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("costprice: resolve batch: %w", err)
	}

	table := categoryTable{
		prices: make(map[string]float64, len(ids)),
		failed: make(map[string]bool),
	}
	for i, id := range ids {
		switch {
		case errs[i] == nil:
			if prices[i] != nil {
				table.prices[id] = *prices[i]
			}
		case errors.Is(errs[i], store.ErrCategoryNotFound):
		default:
			table.failed[id] = true
			r.logger.Warn("category lookup failed during batch resolution, using default",
				zap.String("category_id", id),
				zap.Error(errs[i]))
		}
	}

	results := make(map[string]domain.CostPriceResolution, len(products))
	for _, p := range products {
		results[p.SKU] = resolveProduct(p, table)
	}
	return results, nil
}

// GetProductsInheritingCost lists the products of a category that have no
// explicit override, i.e. those a category price change would affect.
func (r *Resolver) GetProductsInheritingCost(ctx context.Context, categoryID string) ([]domain.Product, error) {
	if err := validateID("categoryId", categoryID); err != nil {
		return nil, err
	}
	products, err := r.products.ListProductsInheritingCost(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("costprice: list products inheriting from %q: %w", categoryID, err)
	}
	return products, nil
}

// resolveProduct applies the override → category → default precedence
// against an in-memory table. It performs no store access.
func resolveProduct(p domain.Product, table categoryTable) domain.CostPriceResolution {
	categoryID, hasCategory := categoryRef(p)
	var ref *string
	if hasCategory {
		ref = &categoryID
	}

	if p.HasOverride() {
		return domain.CostPriceResolution{
			Value:      *p.CustomCostPrice,
			Source:     domain.SourceProduct,
			CategoryID: ref,
			SKU:        p.SKU,
		}
	}
	if !hasCategory {
		return domain.DefaultResolution(p.SKU, nil)
	}
	if price, ok := table.prices[categoryID]; ok {
		return domain.CostPriceResolution{
			Value:      price,
			Source:     domain.SourceCategory,
			CategoryID: ref,
			SKU:        p.SKU,
		}
	}
	res := domain.DefaultResolution(p.SKU, ref)
	res.Degraded = table.failed[categoryID]
	return res
}

func categoryRef(p domain.Product) (string, bool) {
	if p.CategoryID == nil || *p.CategoryID == "" {
		return "", false
	}
	return *p.CategoryID, true
}

// distinctCategoryIDs returns the referenced categories in first-seen order.
func distinctCategoryIDs(products []domain.Product) []string {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, p := range products {
		id, ok := categoryRef(p)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

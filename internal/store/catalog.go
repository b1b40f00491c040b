package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/docstore"
	"catalog-cost-service/internal/domain"
)

// Predefined errors for store operations
var (
	ErrCategoryNotFound = errors.New("store: category not found")
	ErrProductNotFound  = errors.New("store: product not found")
	ErrSnapshotNotFound = errors.New("store: migration snapshot not found")
)

// Document field names shared by queries and partial updates.
const (
	fieldCategoryID      = "categoryId"
	fieldCustomCostPrice = "customCostPrice"
	fieldCostPrice       = "costPrice"
	fieldUpdatedAt       = "updatedAt"
)

// CatalogStore implements the CategoryStorer, ProductStorer and SnapshotStorer
// interfaces on a document store. Reads go to the client directly, writes go
// through the batch writer.
type CatalogStore struct {
	client docstore.Client
	writer batch.Committer
	now    func() time.Time
}

// NewCatalogStore creates a new CatalogStore instance.
func NewCatalogStore(client docstore.Client, writer batch.Committer) *CatalogStore {
	return &CatalogStore{
		client: client,
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// --- CategoryStorer Implementation ---

func (s *CatalogStore) GetCategoryByID(ctx context.Context, id string) (*domain.Category, error) {
	doc, err := s.client.GetOne(ctx, domain.CategoriesCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("store: GetCategoryByID failed: %w", err)
	}
	var category domain.Category
	if err := doc.DataTo(&category); err != nil {
		return nil, fmt.Errorf("store: GetCategoryByID failed to decode %q: %w", id, err)
	}
	category.ID = doc.ID
	return &category, nil
}

func (s *CatalogStore) SaveCategory(ctx context.Context, category *domain.Category) error {
	category.UpdatedAt = s.now()
	fields, err := docstore.FieldsOf(category)
	if err != nil {
		return fmt.Errorf("store: SaveCategory failed: %w", err)
	}
	if err := s.writer.Commit(ctx, docstore.Set(domain.CategoriesCollection, category.ID, fields)); err != nil {
		return fmt.Errorf("store: SaveCategory failed: %w", err)
	}
	return nil
}

func (s *CatalogStore) UpdateCategoryCostPrice(ctx context.Context, id string, price *float64) error {
	if err := s.writer.Commit(ctx, s.CategoryCostPriceOp(id, price)); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrCategoryNotFound
		}
		return fmt.Errorf("store: UpdateCategoryCostPrice failed: %w", err)
	}
	return nil
}

// CategoryCostPriceOp builds the partial update that sets a category's price.
func (s *CatalogStore) CategoryCostPriceOp(id string, price *float64) docstore.Operation {
	return docstore.Update(domain.CategoriesCollection, id, docstore.Fields{
		fieldCostPrice: nullableFloat(price),
		fieldUpdatedAt: s.now(),
	})
}

// --- ProductStorer Implementation ---

func (s *CatalogStore) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	doc, err := s.client.GetOne(ctx, domain.ProductsCollection, sku)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("store: GetProductBySKU failed: %w", err)
	}
	return decodeProduct(doc)
}

func (s *CatalogStore) ListProductsByCategory(ctx context.Context, categoryID string) ([]domain.Product, error) {
	docs, err := s.client.GetMany(ctx, domain.ProductsCollection,
		docstore.Where(fieldCategoryID, docstore.OpEqual, categoryID))
	if err != nil {
		return nil, fmt.Errorf("store: ListProductsByCategory failed: %w", err)
	}
	return decodeProducts(docs)
}

func (s *CatalogStore) ListProductsInheritingCost(ctx context.Context, categoryID string) ([]domain.Product, error) {
	docs, err := s.client.GetMany(ctx, domain.ProductsCollection,
		docstore.Where(fieldCategoryID, docstore.OpEqual, categoryID),
		docstore.Where(fieldCustomCostPrice, docstore.OpEqual, nil))
	if err != nil {
		return nil, fmt.Errorf("store: ListProductsInheritingCost failed: %w", err)
	}
	return decodeProducts(docs)
}

func (s *CatalogStore) SaveProduct(ctx context.Context, product *domain.Product) error {
	product.UpdatedAt = s.now()
	fields, err := docstore.FieldsOf(product)
	if err != nil {
		return fmt.Errorf("store: SaveProduct failed: %w", err)
	}
	if err := s.writer.Commit(ctx, docstore.Set(domain.ProductsCollection, product.SKU, fields)); err != nil {
		return fmt.Errorf("store: SaveProduct failed: %w", err)
	}
	return nil
}

func (s *CatalogStore) SetCustomCostPrice(ctx context.Context, sku string, price *float64) error {
	if err := s.writer.Commit(ctx, s.ProductOverrideOp(sku, price)); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrProductNotFound
		}
		return fmt.Errorf("store: SetCustomCostPrice failed: %w", err)
	}
	return nil
}

// ClearCustomCostPrices switches every listed product to inheritance in a
// single batch.
func (s *CatalogStore) ClearCustomCostPrices(ctx context.Context, skus []string) error {
	if len(skus) == 0 {
		return nil
	}
	ops := make([]docstore.Operation, 0, len(skus))
	for _, sku := range skus {
		ops = append(ops, s.ProductOverrideOp(sku, nil))
	}
	if err := s.writer.Commit(ctx, ops...); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("store: ClearCustomCostPrices failed: %w", errors.Join(ErrProductNotFound, err))
		}
		return fmt.Errorf("store: ClearCustomCostPrices failed: %w", err)
	}
	return nil
}

// ProductOverrideOp builds the partial update that sets or clears a
// product's explicit cost price.
func (s *CatalogStore) ProductOverrideOp(sku string, price *float64) docstore.Operation {
	return docstore.Update(domain.ProductsCollection, sku, docstore.Fields{
		fieldCustomCostPrice: nullableFloat(price),
		fieldUpdatedAt:       s.now(),
	})
}

// --- SnapshotStorer Implementation ---

func (s *CatalogStore) GetMigrationSnapshot(ctx context.Context, categoryID string) (*domain.MigrationSnapshot, error) {
	doc, err := s.client.GetOne(ctx, domain.MigrationsCollection, categoryID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("store: GetMigrationSnapshot failed: %w", err)
	}
	var snapshot domain.MigrationSnapshot
	if err := doc.DataTo(&snapshot); err != nil {
		return nil, fmt.Errorf("store: GetMigrationSnapshot failed to decode %q: %w", categoryID, err)
	}
	return &snapshot, nil
}

// SnapshotSetOp builds the write that stores a migration snapshot, keyed by
// category so that only the latest migration is kept.
func (s *CatalogStore) SnapshotSetOp(snapshot domain.MigrationSnapshot) (docstore.Operation, error) {
	fields, err := docstore.FieldsOf(snapshot)
	if err != nil {
		return docstore.Operation{}, fmt.Errorf("store: encode migration snapshot: %w", err)
	}
	return docstore.Set(domain.MigrationsCollection, snapshot.CategoryID, fields), nil
}

// SnapshotDeleteOp builds the write that drops a category's snapshot.
func (s *CatalogStore) SnapshotDeleteOp(categoryID string) docstore.Operation {
	return docstore.Delete(domain.MigrationsCollection, categoryID)
}

func decodeProduct(doc docstore.Document) (*domain.Product, error) {
	var product domain.Product
	if err := doc.DataTo(&product); err != nil {
		return nil, fmt.Errorf("store: failed to decode product %q: %w", doc.ID, err)
	}
	product.SKU = doc.ID
	return &product, nil
}

func decodeProducts(docs []docstore.Document) ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		p, err := decodeProduct(doc)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, nil
}

// nullableFloat keeps a nil price as an explicit null in the document.
func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

package costprice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/docstore"
	"catalog-cost-service/internal/domain"
	"catalog-cost-service/internal/lock"
	"catalog-cost-service/internal/store"
)

// DefaultLockTTL is how long a category lock outlives a holder that stopped
// refreshing it.
const DefaultLockTTL = 30 * time.Second

// Catalog is the storage port used by Migrator.
type Catalog interface {
	store.CategoryStorer
	store.ProductStorer
	store.SnapshotStorer
	CategoryCostPriceOp(id string, price *float64) docstore.Operation
	ProductOverrideOp(sku string, price *float64) docstore.Operation
	SnapshotSetOp(snapshot domain.MigrationSnapshot) (docstore.Operation, error)
	SnapshotDeleteOp(categoryID string) docstore.Operation
}

// Locker serialises migrations of one category across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.ReleaseFunc, error)
}

// MigratorConfig groups optional settings.
type MigratorConfig struct {
	LockTTL time.Duration
}

// Migrator moves explicit product prices into category aggregates and back.
type Migrator struct {
	catalog Catalog
	writer  batch.Committer
	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewMigrator builds Migrator. locker may be nil, in which case concurrent
// migrations of a category are not serialised and the last write wins.
func NewMigrator(catalog Catalog, writer batch.Committer, locker Locker, cfg MigratorConfig, logger *zap.Logger) *Migrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		catalog: catalog,
		writer:  writer,
		locker:  locker,
		lockTTL: cfg.LockTTL,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MigrationResult describes the outcome of MigrateCategoryFromProducts.
type MigrationResult struct {
	CategoryID         string   `json:"categoryId"`
	Migrated           bool     `json:"migrated"`
	AggregateCostPrice *float64 `json:"aggregateCostPrice,omitempty"`
	ClearedSKUs        []string `json:"clearedSkus,omitempty"`
	SnapshotID         string   `json:"snapshotId,omitempty"`
}

// RollbackResult describes the outcome of RollbackMigration.
type RollbackResult struct {
	CategoryID    string   `json:"categoryId"`
	Exact         bool     `json:"exact"`
	RestoredSKUs  []string `json:"restoredSkus"`
	SkippedSKUs   []string `json:"skippedSkus,omitempty"`
	CategoryPrice *float64 `json:"categoryPrice"`
}

// MigrateCategoryFromProducts replaces the explicit prices of a category's
// products with their mean, stored on the category.
//
// The category aggregate and the rollback snapshot are committed in one batch
// before the product overrides are cleared in a second batch, so a failure in
// between leaves every product still resolving to its own explicit price.
func (m *Migrator) MigrateCategoryFromProducts(ctx context.Context, categoryID string) (MigrationResult, error) {
	result := MigrationResult{CategoryID: categoryID}
	if err := validateID("categoryId", categoryID); err != nil {
		return result, err
	}
	release, err := m.acquire(ctx, categoryID)
	if err != nil {
		return result, err
	}
	defer release()

	products, err := m.catalog.ListProductsByCategory(ctx, categoryID)
	if err != nil {
		return result, fmt.Errorf("costprice: migrate category %q: %w", categoryID, err)
	}
	if len(products) == 0 {
		m.logger.Info("no products in category, migration skipped", zap.String("category_id", categoryID))
		return result, nil
	}

	overrides := make(map[string]float64)
	values := make([]float64, 0, len(products))
	skus := make([]string, 0, len(products))
	for _, p := range products {
		if !p.HasOverride() {
			continue
		}
		overrides[p.SKU] = *p.CustomCostPrice
		values = append(values, *p.CustomCostPrice)
		skus = append(skus, p.SKU)
	}
	if len(values) == 0 {
		m.logger.Info("no explicit cost prices in category, migration skipped", zap.String("category_id", categoryID))
		return result, nil
	}
	sort.Strings(skus)

	// a new snapshot would record the unfinished aggregate as the previous price
	if err := m.checkNoPendingClear(ctx, categoryID, products); err != nil {
		return result, err
	}

	category, err := m.catalog.GetCategoryByID(ctx, categoryID)
	if err != nil {
		return result, m.categoryError("migrate", categoryID, err)
	}

	aggregate := averageCost(values)
	snapshot := domain.MigrationSnapshot{
		ID:                 uuid.NewString(),
		CategoryID:         categoryID,
		PreviousCostPrice:  category.CostPrice,
		AggregateCostPrice: aggregate,
		Overrides:          overrides,
		MigratedAt:         m.now(),
	}
	snapshotOp, err := m.catalog.SnapshotSetOp(snapshot)
	if err != nil {
		return result, err
	}
	if err := m.writer.Commit(ctx, snapshotOp, m.catalog.CategoryCostPriceOp(categoryID, &aggregate)); err != nil {
		return result, m.categoryError("migrate", categoryID, err)
	}

	if err := m.catalog.ClearCustomCostPrices(ctx, skus); err != nil {
		m.logger.Error("category aggregate written but clearing product overrides failed",
			zap.String("category_id", categoryID),
			zap.Float64("aggregate_cost_price", aggregate),
			zap.Int("pending", len(skus)),
			zap.Error(err))
		return result, &PartialMigrationError{
			CategoryID:         categoryID,
			AggregateCostPrice: aggregate,
			PendingSKUs:        skus,
			Cause:              err,
		}
	}

	m.logger.Info("category cost price migrated",
		zap.String("category_id", categoryID),
		zap.Float64("aggregate_cost_price", aggregate),
		zap.Int("products_cleared", len(skus)),
		zap.String("snapshot_id", snapshot.ID))

	result.Migrated = true
	result.AggregateCostPrice = &aggregate
	result.ClearedSKUs = skus
	result.SnapshotID = snapshot.ID
	return result, nil
}

// ClearMigratedOverrides re-runs only the product-clear step of the latest
// migration. Products whose override no longer equals the snapshotted value
// were edited since and are left alone.
func (m *Migrator) ClearMigratedOverrides(ctx context.Context, categoryID string) ([]string, error) {
	if err := validateID("categoryId", categoryID); err != nil {
		return nil, err
	}
	release, err := m.acquire(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	defer release()

	snapshot, err := m.catalog.GetMigrationSnapshot(ctx, categoryID)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("%w: no migration snapshot for category %q: %w", ErrNotFound, categoryID, err)
		}
		return nil, fmt.Errorf("costprice: clear overrides of %q: %w", categoryID, err)
	}
	products, err := m.catalog.ListProductsByCategory(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("costprice: clear overrides of %q: %w", categoryID, err)
	}

	pending := pendingClear(snapshot, products)
	if err := m.catalog.ClearCustomCostPrices(ctx, pending); err != nil {
		return nil, fmt.Errorf("costprice: clear overrides of %q: %w", categoryID, err)
	}
	m.logger.Info("migrated product overrides cleared",
		zap.String("category_id", categoryID),
		zap.Int("products_cleared", len(pending)))
	return pending, nil
}

// UpdateCategoryPrice writes a category price. No product is rewritten:
// inheriting products pick the new value up on their next resolution.
func (m *Migrator) UpdateCategoryPrice(ctx context.Context, categoryID string, price *float64) error {
	if err := validateID("categoryId", categoryID); err != nil {
		return err
	}
	if err := validatePrice("costPrice", price); err != nil {
		return err
	}
	if err := m.catalog.UpdateCategoryCostPrice(ctx, categoryID, price); err != nil {
		return m.categoryError("update price of", categoryID, err)
	}
	return nil
}

// RollbackMigration undoes the latest migration of a category.
//
// With a snapshot the rollback is exact: the previous category price and the
// snapshotted overrides of products still in the category are restored, and
// the snapshot is dropped. Without one it is best effort: the current
// aggregate is copied onto every inheriting product and the category price is
// cleared. Either way it is a single atomic batch.
func (m *Migrator) RollbackMigration(ctx context.Context, categoryID string) (RollbackResult, error) {
	result := RollbackResult{CategoryID: categoryID, RestoredSKUs: []string{}}
	if err := validateID("categoryId", categoryID); err != nil {
		return result, err
	}
	release, err := m.acquire(ctx, categoryID)
	if err != nil {
		return result, err
	}
	defer release()

	category, err := m.catalog.GetCategoryByID(ctx, categoryID)
	if err != nil {
		return result, m.categoryError("roll back", categoryID, err)
	}

	snapshot, err := m.catalog.GetMigrationSnapshot(ctx, categoryID)
	switch {
	case err == nil:
		return m.rollbackFromSnapshot(ctx, result, snapshot)
	case errors.Is(err, store.ErrSnapshotNotFound):
		return m.rollbackBestEffort(ctx, result, category)
	default:
		return result, fmt.Errorf("costprice: roll back %q: %w", categoryID, err)
	}
}

func (m *Migrator) rollbackFromSnapshot(ctx context.Context, result RollbackResult, snapshot *domain.MigrationSnapshot) (RollbackResult, error) {
	members, err := m.catalog.ListProductsByCategory(ctx, result.CategoryID)
	if err != nil {
		return result, fmt.Errorf("costprice: roll back %q: %w", result.CategoryID, err)
	}
	present := make(map[string]bool, len(members))
	for _, p := range members {
		present[p.SKU] = true
	}

	skus := make([]string, 0, len(snapshot.Overrides))
	for sku := range snapshot.Overrides {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	ops := []docstore.Operation{m.catalog.CategoryCostPriceOp(result.CategoryID, snapshot.PreviousCostPrice)}
	for _, sku := range skus {
		if !present[sku] {
			result.SkippedSKUs = append(result.SkippedSKUs, sku)
			continue
		}
		price := snapshot.Overrides[sku]
		ops = append(ops, m.catalog.ProductOverrideOp(sku, &price))
		result.RestoredSKUs = append(result.RestoredSKUs, sku)
	}
	ops = append(ops, m.catalog.SnapshotDeleteOp(result.CategoryID))

	if err := m.writer.Commit(ctx, ops...); err != nil {
		return result, m.categoryError("roll back", result.CategoryID, err)
	}
	result.Exact = true
	result.CategoryPrice = snapshot.PreviousCostPrice
	m.logger.Info("migration rolled back from snapshot",
		zap.String("category_id", result.CategoryID),
		zap.String("snapshot_id", snapshot.ID),
		zap.Int("restored", len(result.RestoredSKUs)),
		zap.Int("skipped", len(result.SkippedSKUs)))
	return result, nil
}

func (m *Migrator) rollbackBestEffort(ctx context.Context, result RollbackResult, category *domain.Category) (RollbackResult, error) {
	if category.CostPrice == nil {
		return result, fmt.Errorf("%w: category %q has no snapshot and no aggregate price", ErrNothingToRollback, result.CategoryID)
	}
	inheriting, err := m.catalog.ListProductsInheritingCost(ctx, result.CategoryID)
	if err != nil {
		return result, fmt.Errorf("costprice: roll back %q: %w", result.CategoryID, err)
	}

	aggregate := *category.CostPrice
	ops := []docstore.Operation{m.catalog.CategoryCostPriceOp(result.CategoryID, nil)}
	for _, p := range inheriting {
		ops = append(ops, m.catalog.ProductOverrideOp(p.SKU, &aggregate))
		result.RestoredSKUs = append(result.RestoredSKUs, p.SKU)
	}
	if err := m.writer.Commit(ctx, ops...); err != nil {
		return result, m.categoryError("roll back", result.CategoryID, err)
	}
	m.logger.Warn("migration rolled back without snapshot, overrides set to the aggregate",
		zap.String("category_id", result.CategoryID),
		zap.Float64("aggregate_cost_price", aggregate),
		zap.Int("restored", len(result.RestoredSKUs)))
	return result, nil
}

// SetProductCostPrice records an explicit user edit of a product's cost price.
// A nil price switches the product back to inheritance.
func (m *Migrator) SetProductCostPrice(ctx context.Context, sku string, price *float64) error {
	if err := validateID("sku", sku); err != nil {
		return err
	}
	if err := validatePrice("customCostPrice", price); err != nil {
		return err
	}
	if err := m.catalog.SetCustomCostPrice(ctx, sku, price); err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return fmt.Errorf("%w: product %q: %w", ErrNotFound, sku, err)
		}
		return fmt.Errorf("costprice: set cost price of %q: %w", sku, err)
	}
	return nil
}

// ImportProduct upserts a product from the import pipeline. Imports never
// carry an explicit cost price: new products inherit, existing ones keep the
// override they already have.
func (m *Migrator) ImportProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := validateID("sku", product.SKU); err != nil {
		return product, err
	}
	product.CustomCostPrice = nil
	existing, err := m.catalog.GetProductBySKU(ctx, product.SKU)
	switch {
	case err == nil:
		product.CustomCostPrice = existing.CustomCostPrice
	case !errors.Is(err, store.ErrProductNotFound):
		return product, fmt.Errorf("costprice: import product %q: %w", product.SKU, err)
	}
	if err := m.catalog.SaveProduct(ctx, &product); err != nil {
		return product, fmt.Errorf("costprice: import product %q: %w", product.SKU, err)
	}
	return product, nil
}

// UpsertCategory creates or renames a category. An omitted price keeps the
// stored one; prices are cleared through UpdateCategoryPrice.
func (m *Migrator) UpsertCategory(ctx context.Context, category domain.Category) (domain.Category, error) {
	if err := validateID("id", category.ID); err != nil {
		return category, err
	}
	if err := validatePrice("costPrice", category.CostPrice); err != nil {
		return category, err
	}
	if category.CostPrice == nil {
		existing, err := m.catalog.GetCategoryByID(ctx, category.ID)
		switch {
		case err == nil:
			category.CostPrice = existing.CostPrice
		case !errors.Is(err, store.ErrCategoryNotFound):
			return category, fmt.Errorf("costprice: upsert category %q: %w", category.ID, err)
		}
	}
	if err := m.catalog.SaveCategory(ctx, &category); err != nil {
		return category, fmt.Errorf("costprice: upsert category %q: %w", category.ID, err)
	}
	return category, nil
}

// checkNoPendingClear fails with a *PartialMigrationError caused by
// ErrClearPending when products still hold the override snapshotted by the
// latest migration.
func (m *Migrator) checkNoPendingClear(ctx context.Context, categoryID string, products []domain.Product) error {
	snapshot, err := m.catalog.GetMigrationSnapshot(ctx, categoryID)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("costprice: migrate category %q: %w", categoryID, err)
	}
	pending := pendingClear(snapshot, products)
	if len(pending) == 0 {
		return nil
	}
	m.logger.Warn("migration refused, previous migration not cleared",
		zap.String("category_id", categoryID),
		zap.String("snapshot_id", snapshot.ID),
		zap.Int("pending", len(pending)))
	return &PartialMigrationError{
		CategoryID:         categoryID,
		AggregateCostPrice: snapshot.AggregateCostPrice,
		PendingSKUs:        pending,
		Cause:              ErrClearPending,
	}
}

// pendingClear lists, sorted, the products whose override still equals the
// value the snapshot migrated.
func pendingClear(snapshot *domain.MigrationSnapshot, products []domain.Product) []string {
	pending := make([]string, 0)
	for _, p := range products {
		migrated, ok := snapshot.Overrides[p.SKU]
		if ok && p.HasOverride() && *p.CustomCostPrice == migrated {
			pending = append(pending, p.SKU)
		}
	}
	sort.Strings(pending)
	return pending
}

func (m *Migrator) acquire(ctx context.Context, categoryID string) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	key := lock.MigrationKey(categoryID)
	release, err := m.locker.Acquire(ctx, key, m.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %q", ErrMigrationInProgress, categoryID)
		}
		return nil, fmt.Errorf("costprice: lock category %q: %w", categoryID, err)
	}
	return func() {
		// the caller's context may already be done; the lock must still go
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(ctx); err != nil {
			m.logger.Warn("failed to release migration lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (m *Migrator) categoryError(action, categoryID string, err error) error {
	if errors.Is(err, store.ErrCategoryNotFound) || errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: category %q: %w", ErrNotFound, categoryID, err)
	}
	return fmt.Errorf("costprice: %s category %q: %w", action, categoryID, err)
}

// averageCost is the simple (unweighted) mean of values.
func averageCost(values []float64) float64 {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).InexactFloat64()
}

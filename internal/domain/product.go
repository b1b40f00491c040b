package domain

import (
	"time"
)

// DefaultCostPrice is the effective cost price when neither the product nor its
// category defines one.
const DefaultCostPrice float64 = 0

// Collection names used in the document store.
const (
	ProductsCollection   = "products"
	CategoriesCollection = "categories"
	MigrationsCollection = "costMigrations"
)

// Category represents a product category in the system.
// The json tags correspond to the stored document fields and API payloads.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CostPrice *float64  `json:"costPrice"` // nil means "no category default"
	UpdatedAt time.Time `json:"updatedAt"`
}

// Product represents a product in the catalog. The SKU doubles as the document id.
type Product struct {
	SKU             string    `json:"sku"`
	Name            string    `json:"name,omitempty"`
	CategoryID      *string   `json:"categoryId"`      // nil means no inheritance is possible
	CustomCostPrice *float64  `json:"customCostPrice"` // nil means "inherit"
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasOverride reports whether the product carries an explicit cost price.
func (p Product) HasOverride() bool {
	return p.CustomCostPrice != nil
}

// CostSource tells where a resolved cost price came from.
type CostSource string

const (
	SourceProduct  CostSource = "product"
	SourceCategory CostSource = "category"
	SourceDefault  CostSource = "default"
)

// CostPriceResolution is the computed effective cost price of a product.
// It is computed on demand and never persisted.
type CostPriceResolution struct {
	Value      float64    `json:"value"`
	Source     CostSource `json:"source"`
	CategoryID *string    `json:"categoryId"`
	SKU        string     `json:"sku"`
	// Degraded is set when a batch resolution could not read the category and
	// fell back to the default.
	Degraded bool `json:"degraded,omitempty"`
}

// DefaultResolution builds the fallback resolution for sku.
func DefaultResolution(sku string, categoryID *string) CostPriceResolution {
	return CostPriceResolution{
		Value:      DefaultCostPrice,
		Source:     SourceDefault,
		CategoryID: categoryID,
		SKU:        sku,
	}
}

// MigrationSnapshot captures the overrides a migration cleared so that the
// migration can be rolled back exactly.
type MigrationSnapshot struct {
	ID                 string             `json:"id"`
	CategoryID         string             `json:"categoryId"`
	PreviousCostPrice  *float64           `json:"previousCostPrice"`
	AggregateCostPrice float64            `json:"aggregateCostPrice"`
	Overrides          map[string]float64 `json:"overrides"`
	MigratedAt         time.Time          `json:"migratedAt"`
}

// Package service defines the contracts between the batch engine and its
// persistence and price-of-record backends.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// CatalogFilter selects products from the catalog. Zero values match everything.
type CatalogFilter struct {
	Vendor     string
	Status     model.ProductStatus
	VariantIDs []string // when set, only these variants (and their products) are returned
	Limit      int      // maximum number of products
}

// ResultFilter selects analysis results. Zero values match everything.
type ResultFilter struct {
	RunID       string
	VariantID   string
	AppliedOnly bool
	FailedOnly  bool
	Limit       int
}

// Catalog reads and mirrors products and their variants.
type Catalog interface {
	ListProducts(ctx context.Context, filter CatalogFilter) ([]model.Product, error)
	GetVariant(ctx context.Context, variantID string) (model.Product, model.Variant, error)
	UpsertProducts(ctx context.Context, products []model.Product) error
	UpdateVariantPrice(ctx context.Context, variantID string, price float64) error
}

// ResultStore keeps the append-only analysis history and its apply state.
type ResultStore interface {
	SaveAnalysisResult(ctx context.Context, result *model.AnalysisResult) error
	LatestResult(ctx context.Context, variantID string) (*model.AnalysisResult, error)
	LatestApplied(ctx context.Context, variantID string) (*model.AnalysisResult, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]model.AnalysisResult, error)
	MarkApplied(ctx context.Context, resultID int64, appliedAt time.Time, previous *float64) error
	ClearApplied(ctx context.Context, resultID int64) error
	RecordApplyError(ctx context.Context, resultID int64, msg string) error
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	Catalog
	ResultStore

	Checkpoint(ctx context.Context, prefix string) (string, error)
	Migrate(ctx context.Context) error
	Close() error
}

// PriceWriter writes a variant's price to the price of record.
type PriceWriter interface {
	SetPrice(ctx context.Context, variantID string, price float64) error
}

// ProductSource lists the catalog held by an external system.
type ProductSource interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
}

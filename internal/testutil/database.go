// Package testutil provides test databases and catalog fixtures shared by
// package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/storage"
)

// TestDB is a migrated in-memory database seeded with a catalog.
type TestDB struct {
	Storage  *storage.SQLiteStorage
	Products []model.Product
	t        *testing.T
}

// SetupTestDB creates a new in-memory test database seeded with products.
// It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t,
//		testutil.NewCatalog().
//			WithCountTiers("p1", "Vitamin D3", 24.99, 90, 180, 360).
//			Build()...,
//	)
func SetupTestDB(t *testing.T, products ...model.Product) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if len(products) > 0 {
		if err := store.UpsertProducts(ctx, products); err != nil {
			t.Fatalf("failed to seed catalog: %v", err)
		}
	}

	return &TestDB{Storage: store, Products: products, t: t}
}

// MustVariant returns the stored variant with the given ID or fails the test.
func (db *TestDB) MustVariant(id string) model.Variant {
	db.t.Helper()
	_, v, err := db.Storage.GetVariant(context.Background(), id)
	if err != nil {
		db.t.Fatalf("variant %q: %v", id, err)
	}
	return v
}

// MustLatest returns the newest analysis result for a variant or fails the test.
func (db *TestDB) MustLatest(variantID string) model.AnalysisResult {
	db.t.Helper()
	r, err := db.Storage.LatestResult(context.Background(), variantID)
	if err != nil {
		db.t.Fatalf("latest result for %q: %v", variantID, err)
	}
	return *r
}

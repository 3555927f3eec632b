// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// ProductStatus mirrors the storefront publication state of a product.
type ProductStatus string

// Product status constants.
const (
	StatusActive   ProductStatus = "active"
	StatusDraft    ProductStatus = "draft"
	StatusArchived ProductStatus = "archived"
)

// Product is a catalog entry that owns one or more priceable variants.
type Product struct {
	SyncedAt    time.Time
	ID          string
	Title       string
	Vendor      string
	ProductType string
	Status      ProductStatus
	Description string
	Tags        []string
	Variants    []Variant
}

// Variant is a single priceable unit of a product.
type Variant struct {
	ID             string
	ProductID      string
	Title          string // Variant label, e.g. "Black / 90 Count"
	SKU            string
	Cost           float64 // Zero when unknown
	CurrentPrice   float64
	CompareAtPrice float64 // Zero when unset
}

// HasCost reports whether a unit cost is known for the variant.
func (v Variant) HasCost() bool {
	return v.Cost > 0
}

// DisplayName returns a label suitable for logs and reports.
func (p Product) DisplayName(v Variant) string {
	if v.Title == "" || v.Title == "Default Title" {
		return p.Title
	}
	return fmt.Sprintf("%s (%s)", p.Title, v.Title)
}

// VariantByID returns the variant with the given ID, if present.
func (p Product) VariantByID(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Fingerprint creates a stable hash for the pricing-relevant parts of a product.
// Two products with the same fingerprint describe the same thing to a search provider.
func (p Product) Fingerprint() string {
	data := fmt.Sprintf("%s:%s:%s", p.Vendor, p.Title, p.ProductType)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:12])
}

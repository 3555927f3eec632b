package testutil

import (
	"fmt"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// Catalog builds test products with a fluent API.
type Catalog struct {
	products []model.Product
}

// NewCatalog starts an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// WithProduct adds a product with one default variant per price. Variant IDs
// are "<id>-v1", "<id>-v2", ...
func (c *Catalog) WithProduct(id, title string, prices ...float64) *Catalog {
	p := model.Product{ID: id, Title: title, Vendor: "Acme", Status: model.StatusActive}
	for i, price := range prices {
		label := "Default Title"
		if len(prices) > 1 {
			label = fmt.Sprintf("Option %d", i+1)
		}
		p.Variants = append(p.Variants, model.Variant{
			ID:           fmt.Sprintf("%s-v%d", id, i+1),
			ProductID:    id,
			Title:        label,
			CurrentPrice: price,
		})
	}
	c.products = append(c.products, p)
	return c
}

// WithCountTiers adds a product whose variants are labelled "<n> Count". Only
// the first (base) variant carries basePrice; the others start at zero so any
// price they end with was derived.
func (c *Catalog) WithCountTiers(id, title string, basePrice float64, counts ...int) *Catalog {
	p := model.Product{ID: id, Title: title, Vendor: "Acme", Status: model.StatusActive}
	for i, n := range counts {
		v := model.Variant{
			ID:        fmt.Sprintf("%s-%d", id, n),
			ProductID: id,
			Title:     fmt.Sprintf("%d Count", n),
		}
		if i == 0 {
			v.CurrentPrice = basePrice
		}
		p.Variants = append(p.Variants, v)
	}
	c.products = append(c.products, p)
	return c
}

// WithCost sets the unit cost of every variant of the last added product.
func (c *Catalog) WithCost(cost float64) *Catalog {
	if len(c.products) == 0 {
		return c
	}
	last := &c.products[len(c.products)-1]
	for i := range last.Variants {
		last.Variants[i].Cost = cost
	}
	return c
}

// Build returns the products.
func (c *Catalog) Build() []model.Product {
	return append([]model.Product(nil), c.products...)
}

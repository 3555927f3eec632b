package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// Validation errors.
var (
	ErrNilContext     = errors.New("context cannot be nil")
	ErrEmptyString    = errors.New("string parameter cannot be empty")
	ErrNilParameter   = errors.New("parameter cannot be nil")
	ErrEmptySlice     = errors.New("slice cannot be empty")
	ErrInvalidProduct = errors.New("invalid product")
	ErrInvalidResult  = errors.New("invalid analysis result")
	ErrInvalidPrice   = errors.New("invalid price")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateProducts(products []model.Product) error {
	if products == nil {
		return fmt.Errorf("%w: products", ErrNilParameter)
	}
	if len(products) == 0 {
		return fmt.Errorf("%w: products", ErrEmptySlice)
	}
	for i := range products {
		if err := validateProduct(&products[i]); err != nil {
			return fmt.Errorf("product at index %d: %w", i, err)
		}
	}
	return nil
}

func validateProduct(p *model.Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidProduct)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: %s missing title", ErrInvalidProduct, p.ID)
	}
	for _, v := range p.Variants {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("%w: %s has a variant without ID", ErrInvalidProduct, p.ID)
		}
		if v.CurrentPrice < 0 || v.Cost < 0 || v.CompareAtPrice < 0 {
			return fmt.Errorf("%w: variant %s has a negative amount", ErrInvalidProduct, v.ID)
		}
	}
	return nil
}

func validateResult(r *model.AnalysisResult) error {
	if r == nil {
		return fmt.Errorf("%w: result", ErrNilParameter)
	}
	if strings.TrimSpace(r.VariantID) == "" {
		return fmt.Errorf("%w: missing variant ID", ErrInvalidResult)
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("%w: missing product ID", ErrInvalidResult)
	}
	if r.SuggestedPrice != nil && *r.SuggestedPrice <= 0 {
		return fmt.Errorf("%w: suggested price must be positive", ErrInvalidResult)
	}
	return nil
}

func validatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %.2f", ErrInvalidPrice, price)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/service"
)

// idChunk bounds the size of IN lists sent to SQLite.
const idChunk = 500

var productColumns = []string{
	"p.id", "p.title", "p.vendor", "p.product_type", "p.status", "p.description", "p.tags", "p.synced_at",
}

var variantColumns = []string{
	"id", "product_id", "title", "sku", "cost", "current_price", "compare_at_price",
}

// ListProducts returns products with their variants, ordered by product ID
// and variant position.
func (s *SQLiteStorage) ListProducts(ctx context.Context, f service.CatalogFilter) ([]model.Product, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select(productColumns...).From("products p").OrderBy("p.id")
	if f.Vendor != "" {
		query = query.Where(sq.Expr("LOWER(p.vendor) = LOWER(?)", f.Vendor))
	}
	if f.Status != "" {
		query = query.Where(sq.Eq{"p.status": string(f.Status)})
	}
	if len(f.VariantIDs) > 0 {
		sub, args, err := sq.Select("product_id").From("variants").Where(sq.Eq{"id": f.VariantIDs}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build variant filter: %w", err)
		}
		query = query.Where("p.id IN ("+sub+")", args...)
	}
	if f.Limit > 0 {
		query = query.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build product query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var products []model.Product
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	if len(products) == 0 {
		return products, nil
	}

	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	for start := 0; start < len(ids); start += idChunk {
		end := min(start+idChunk, len(ids))
		variants, err := s.listVariants(ctx, ids[start:end], f.VariantIDs)
		if err != nil {
			return nil, err
		}
		for _, v := range variants {
			i := index[v.ProductID]
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return products, nil
}

func (s *SQLiteStorage) listVariants(ctx context.Context, productIDs, onlyIDs []string) ([]model.Variant, error) {
	query := sq.Select(variantColumns...).
		From("variants").
		Where(sq.Eq{"product_id": productIDs}).
		OrderBy("product_id", "position", "id")
	if len(onlyIDs) > 0 {
		query = query.Where(sq.Eq{"id": onlyIDs})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build variant query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var variants []model.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate variants: %w", err)
	}
	return variants, nil
}

// GetVariant returns a variant and its parent product (without siblings).
func (s *SQLiteStorage) GetVariant(ctx context.Context, variantID string) (model.Product, model.Variant, error) {
	if err := validateContext(ctx); err != nil {
		return model.Product{}, model.Variant{}, err
	}
	if err := validateString(variantID, "variantID"); err != nil {
		return model.Product{}, model.Variant{}, err
	}

	cols := append(append([]string{}, productColumns...),
		"v.id", "v.product_id", "v.title", "v.sku", "v.cost", "v.current_price", "v.compare_at_price")
	sqlStr, args, err := sq.Select(cols...).
		From("variants v").
		Join("products p ON p.id = v.product_id").
		Where(sq.Eq{"v.id": variantID}).
		ToSql()
	if err != nil {
		return model.Product{}, model.Variant{}, fmt.Errorf("failed to build variant query: %w", err)
	}

	var (
		p      model.Product
		v      model.Variant
		tags   string
		status string
		synced sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.Title, &p.Vendor, &p.ProductType, &status, &p.Description, &tags, &synced,
		&v.ID, &v.ProductID, &v.Title, &v.SKU, &v.Cost, &v.CurrentPrice, &v.CompareAtPrice,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, model.Variant{}, fmt.Errorf("variant %s: %w", variantID, common.ErrNotFound)
	}
	if err != nil {
		return model.Product{}, model.Variant{}, fmt.Errorf("failed to get variant: %w", err)
	}
	p.Status = model.ProductStatus(status)
	p.SyncedAt = synced.Time
	p.Tags = decodeStrings(tags)
	return p, v, nil
}

// UpsertProducts inserts or updates products and their variants. Variants no
// longer present on a product are removed.
func (s *SQLiteStorage) UpsertProducts(ctx context.Context, products []model.Product) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateProducts(products); err != nil {
		return err
	}

	now := time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range products {
			if err := upsertProductTx(ctx, tx, p, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertProductTx(ctx context.Context, tx *sql.Tx, p model.Product, now time.Time) error {
	status := p.Status
	if status == "" {
		status = model.StatusActive
	}
	tags, err := json.Marshal(nonNil(p.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	sqlStr, args, err := sq.Insert("products").
		Columns("id", "title", "vendor", "product_type", "status", "description", "tags", "synced_at").
		Values(p.ID, p.Title, p.Vendor, p.ProductType, string(status), p.Description, string(tags), now).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			vendor = excluded.vendor,
			product_type = excluded.product_type,
			status = excluded.status,
			description = excluded.description,
			tags = excluded.tags,
			synced_at = excluded.synced_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build product upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}

	keep := make([]string, 0, len(p.Variants))
	for i, v := range p.Variants {
		sqlStr, args, err := sq.Insert("variants").
			Columns("id", "product_id", "position", "title", "sku", "cost", "current_price", "compare_at_price", "updated_at").
			Values(v.ID, p.ID, i, v.Title, v.SKU, v.Cost, v.CurrentPrice, v.CompareAtPrice, now).
			Suffix(`ON CONFLICT(id) DO UPDATE SET
				product_id = excluded.product_id,
				position = excluded.position,
				title = excluded.title,
				sku = excluded.sku,
				cost = excluded.cost,
				current_price = excluded.current_price,
				compare_at_price = excluded.compare_at_price,
				updated_at = excluded.updated_at`).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build variant upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("failed to upsert variant %s: %w", v.ID, err)
		}
		keep = append(keep, v.ID)
	}

	del := sq.Delete("variants").Where(sq.Eq{"product_id": p.ID})
	if len(keep) > 0 {
		del = del.Where(sq.NotEq{"id": keep})
	}
	sqlStr, args, err = del.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build variant cleanup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to remove stale variants of %s: %w", p.ID, err)
	}
	return nil
}

// UpdateVariantPrice sets the mirrored current price of a variant.
func (s *SQLiteStorage) UpdateVariantPrice(ctx context.Context, variantID string, price float64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(variantID, "variantID"); err != nil {
		return err
	}
	if err := validatePrice(price); err != nil {
		return err
	}

	sqlStr, args, err := sq.Update("variants").
		Set("current_price", price).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": variantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build price update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to update variant price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("variant %s: %w", variantID, common.ErrNotFound)
	}
	return nil
}

// SetPrice makes the local mirror the price of record, for runs without a
// storefront connection.
func (s *SQLiteStorage) SetPrice(ctx context.Context, variantID string, price float64) error {
	return s.UpdateVariantPrice(ctx, variantID, price)
}

// CountVariants returns the number of variants in the mirror.
func (s *SQLiteStorage) CountVariants(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM variants").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count variants: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (model.Product, error) {
	var (
		p      model.Product
		tags   string
		status string
		synced sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Vendor, &p.ProductType, &status, &p.Description, &tags, &synced); err != nil {
		return model.Product{}, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Status = model.ProductStatus(status)
	p.Tags = decodeStrings(tags)
	p.SyncedAt = synced.Time
	return p, nil
}

func scanVariant(row rowScanner) (model.Variant, error) {
	var v model.Variant
	if err := row.Scan(&v.ID, &v.ProductID, &v.Title, &v.SKU, &v.Cost, &v.CurrentPrice, &v.CompareAtPrice); err != nil {
		return model.Variant{}, fmt.Errorf("failed to scan variant: %w", err)
	}
	return v, nil
}

func decodeStrings(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

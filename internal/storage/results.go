package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/service"
)

var resultColumns = []string{
	"id", "run_id", "product_id", "variant_id",
	"suggested_price", "price_floor", "price_ceiling", "previous_price",
	"confidence", "pricing_method", "competitor_count", "reasoning", "warnings",
	"error", "created_at", "applied", "applied_at", "apply_error",
}

// SaveAnalysisResult appends a result to the history and sets its ID.
// Results are never updated in place except for the apply bookkeeping.
func (s *SQLiteStorage) SaveAnalysisResult(ctx context.Context, r *model.AnalysisResult) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateResult(r); err != nil {
		return err
	}

	reasoning, err := json.Marshal(nonNil(r.Reasoning))
	if err != nil {
		return fmt.Errorf("failed to encode reasoning: %w", err)
	}
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	confidence := r.Confidence
	if confidence == "" {
		confidence = model.ConfidenceLow
	}
	method := r.PricingMethod
	if method == "" {
		method = model.PricingMethodAI
	}

	sqlStr, args, err := sq.Insert("analysis_results").
		Columns(resultColumns[1:]...).
		Values(
			r.RunID, r.ProductID, r.VariantID,
			nullFloat(r.SuggestedPrice), nullFloat(r.PriceFloor), nullFloat(r.PriceCeiling), nullFloat(r.PreviousPrice),
			string(confidence), string(method), r.CompetitorCount, string(reasoning), string(warnings),
			r.Error, r.CreatedAt, r.Applied, nullTime(r.AppliedAt), r.ApplyError,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build result insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read result id: %w", err)
	}
	r.ID = id
	return nil
}

// LatestResult returns the newest result for a variant.
func (s *SQLiteStorage) LatestResult(ctx context.Context, variantID string) (*model.AnalysisResult, error) {
	return s.latest(ctx, variantID, false)
}

// LatestApplied returns the newest applied result for a variant.
func (s *SQLiteStorage) LatestApplied(ctx context.Context, variantID string) (*model.AnalysisResult, error) {
	return s.latest(ctx, variantID, true)
}

func (s *SQLiteStorage) latest(ctx context.Context, variantID string, appliedOnly bool) (*model.AnalysisResult, error) {
	if err := validateString(variantID, "variantID"); err != nil {
		return nil, err
	}
	results, err := s.ListResults(ctx, service.ResultFilter{VariantID: variantID, AppliedOnly: appliedOnly, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("result for variant %s: %w", variantID, common.ErrNotFound)
	}
	return &results[0], nil
}

// ListResults returns results newest first.
func (s *SQLiteStorage) ListResults(ctx context.Context, f service.ResultFilter) ([]model.AnalysisResult, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select(resultColumns...).From("analysis_results").OrderBy("id DESC")
	if f.RunID != "" {
		query = query.Where(sq.Eq{"run_id": f.RunID})
	}
	if f.VariantID != "" {
		query = query.Where(sq.Eq{"variant_id": f.VariantID})
	}
	if f.AppliedOnly {
		query = query.Where(sq.Eq{"applied": true})
	}
	if f.FailedOnly {
		query = query.Where(sq.NotEq{"error": ""})
	}
	if f.Limit > 0 {
		query = query.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build result query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []model.AnalysisResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return results, nil
}

// MarkApplied records that a result's price was written to the price of
// record. previous is the price it replaced.
func (s *SQLiteStorage) MarkApplied(ctx context.Context, resultID int64, appliedAt time.Time, previous *float64) error {
	update := sq.Update("analysis_results").
		Set("applied", true).
		Set("applied_at", appliedAt).
		Set("apply_error", "")
	if previous != nil {
		update = update.Set("previous_price", *previous)
	}
	return s.updateResult(ctx, resultID, update)
}

// ClearApplied reverts a result to the not-applied state.
func (s *SQLiteStorage) ClearApplied(ctx context.Context, resultID int64) error {
	return s.updateResult(ctx, resultID, sq.Update("analysis_results").
		Set("applied", false).
		Set("applied_at", nil))
}

// RecordApplyError stores why applying a result failed.
func (s *SQLiteStorage) RecordApplyError(ctx context.Context, resultID int64, msg string) error {
	return s.updateResult(ctx, resultID, sq.Update("analysis_results").Set("apply_error", msg))
}

func (s *SQLiteStorage) updateResult(ctx context.Context, resultID int64, update sq.UpdateBuilder) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	sqlStr, args, err := update.Where(sq.Eq{"id": resultID}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build result update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to update result %d: %w", resultID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("result %d: %w", resultID, common.ErrNotFound)
	}
	return nil
}

func scanResult(row rowScanner) (model.AnalysisResult, error) {
	var (
		r                                  model.AnalysisResult
		suggested, floor, ceiling, previous sql.NullFloat64
		confidence, method                 string
		reasoning, warnings                string
		appliedAt                          sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.RunID, &r.ProductID, &r.VariantID,
		&suggested, &floor, &ceiling, &previous,
		&confidence, &method, &r.CompetitorCount, &reasoning, &warnings,
		&r.Error, &r.CreatedAt, &r.Applied, &appliedAt, &r.ApplyError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AnalysisResult{}, common.ErrNotFound
	}
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("failed to scan result: %w", err)
	}
	r.SuggestedPrice = floatPtr(suggested)
	r.PriceFloor = floatPtr(floor)
	r.PriceCeiling = floatPtr(ceiling)
	r.PreviousPrice = floatPtr(previous)
	r.Confidence = model.Confidence(confidence)
	r.PricingMethod = model.PricingMethod(method)
	r.Reasoning = decodeStrings(reasoning)
	r.Warnings = decodeStrings(warnings)
	if appliedAt.Valid {
		t := appliedAt.Time
		r.AppliedAt = &t
	}
	return r, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return model.Float(f.Float64)
}

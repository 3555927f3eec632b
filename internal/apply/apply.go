// Package apply writes recommended prices to the price of record and undoes
// them again.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/service"
)

// Errors returned by the Applier.
var (
	ErrNothingToApply  = errors.New("result has no suggested price")
	ErrNotPersisted    = errors.New("result was never persisted")
	ErrNoPreviousPrice = errors.New("applied result has no previous price")
)

// Store is the local state touched by apply and revert.
type Store interface {
	UpdateVariantPrice(ctx context.Context, variantID string, price float64) error
	LatestApplied(ctx context.Context, variantID string) (*model.AnalysisResult, error)
	ListResults(ctx context.Context, filter service.ResultFilter) ([]model.AnalysisResult, error)
	MarkApplied(ctx context.Context, resultID int64, appliedAt time.Time, previous *float64) error
	ClearApplied(ctx context.Context, resultID int64) error
	RecordApplyError(ctx context.Context, resultID int64, msg string) error
}

// Outcome describes one apply or revert.
type Outcome struct {
	Price    float64
	Previous *float64
	// Written is true once the price of record holds the new price.
	Written bool
	// Err joins every failure; a non-nil Err with Written true means only
	// local bookkeeping failed.
	Err error
}

// Applier applies and reverts prices.
type Applier struct {
	writer service.PriceWriter
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewApplier creates an applier that writes through writer and records in store.
func NewApplier(writer service.PriceWriter, store Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{writer: writer, store: store, logger: logger, now: time.Now}
}

// Apply writes result's suggested price for variant. The external write comes
// first and a failure there stops everything; the local mirror and the
// applied mark are both attempted afterwards. Marking result applied clears
// the mark of every earlier result for the variant, so at most one result per
// variant is ever revertible. result is updated in place and must already be
// persisted.
func (a *Applier) Apply(ctx context.Context, result *model.AnalysisResult, variant model.Variant) Outcome {
	if result == nil || !result.Succeeded() {
		return Outcome{Err: ErrNothingToApply}
	}
	if result.ID == 0 {
		return Outcome{Err: fmt.Errorf("%w: variant %s", ErrNotPersisted, variant.ID)}
	}
	price := *result.SuggestedPrice
	out := Outcome{Price: price}
	if variant.CurrentPrice > 0 {
		out.Previous = model.Float(variant.CurrentPrice)
	}

	if err := a.writer.SetPrice(ctx, variant.ID, price); err != nil {
		out.Err = fmt.Errorf("%w: %w", common.ErrPriceWriteFailed, err)
		result.ApplyError = out.Err.Error()
		if recErr := a.store.RecordApplyError(ctx, result.ID, result.ApplyError); recErr != nil {
			a.logger.Warn("failed to record apply error", "result_id", result.ID, "error", recErr)
		}
		return out
	}
	out.Written = true

	appliedAt := a.now()
	var errs []error
	if err := a.store.UpdateVariantPrice(ctx, variant.ID, price); err != nil {
		errs = append(errs, fmt.Errorf("mirror price locally: %w", err))
	}
	if err := a.store.MarkApplied(ctx, result.ID, appliedAt, out.Previous); err != nil {
		errs = append(errs, fmt.Errorf("mark result applied: %w", err))
	} else if err := a.supersede(ctx, variant.ID, result.ID); err != nil {
		errs = append(errs, fmt.Errorf("supersede earlier results: %w", err))
	}

	result.Applied = true
	result.AppliedAt = &appliedAt
	result.PreviousPrice = out.Previous
	result.ApplyError = ""
	if len(errs) > 0 {
		out.Err = errors.Join(errs...)
		result.ApplyError = out.Err.Error()
	}

	a.logger.Info("price applied",
		"variant_id", variant.ID,
		"price", price,
		"previous", derefOr(out.Previous, 0))
	return out
}

// supersede clears the applied mark of every result for variantID except keep.
func (a *Applier) supersede(ctx context.Context, variantID string, keep int64) error {
	earlier, err := a.store.ListResults(ctx, service.ResultFilter{VariantID: variantID, AppliedOnly: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range earlier {
		if r.ID == keep {
			continue
		}
		if err := a.store.ClearApplied(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("result %d: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Revert restores the price captured when variantID's latest applied result
// was applied. Reverting a variant with nothing applied is a no-op, so
// running it twice is safe.
func (a *Applier) Revert(ctx context.Context, variantID string) Outcome {
	applied, err := a.store.LatestApplied(ctx, variantID)
	if errors.Is(err, common.ErrNotFound) {
		a.logger.Debug("nothing to revert", "variant_id", variantID)
		return Outcome{}
	}
	if err != nil {
		return Outcome{Err: fmt.Errorf("load applied result: %w", err)}
	}
	return a.revert(ctx, applied)
}

func (a *Applier) revert(ctx context.Context, applied *model.AnalysisResult) Outcome {
	variantID := applied.VariantID
	if applied.PreviousPrice == nil {
		return Outcome{Err: fmt.Errorf("%w: result %d", ErrNoPreviousPrice, applied.ID)}
	}

	previous := *applied.PreviousPrice
	out := Outcome{Price: previous, Previous: applied.SuggestedPrice}
	if err := a.writer.SetPrice(ctx, variantID, previous); err != nil {
		out.Err = fmt.Errorf("%w: %w", common.ErrPriceWriteFailed, err)
		return out
	}
	out.Written = true

	var errs []error
	if err := a.store.UpdateVariantPrice(ctx, variantID, previous); err != nil {
		errs = append(errs, fmt.Errorf("mirror price locally: %w", err))
	}
	if err := a.store.ClearApplied(ctx, applied.ID); err != nil {
		errs = append(errs, fmt.Errorf("clear applied flag: %w", err))
	}
	out.Err = errors.Join(errs...)

	a.logger.Info("price reverted", "variant_id", variantID, "price", previous)
	return out
}

// RevertRun reverts every variant whose latest applied price came from runID.
// Variants re-applied by a later run are left alone.
func (a *Applier) RevertRun(ctx context.Context, runID string) (map[string]Outcome, error) {
	results, err := a.store.ListResults(ctx, service.ResultFilter{RunID: runID, AppliedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list applied results: %w", err)
	}

	outcomes := make(map[string]Outcome, len(results))
	for _, r := range results {
		if _, done := outcomes[r.VariantID]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		latest, err := a.store.LatestApplied(ctx, r.VariantID)
		if err != nil {
			outcomes[r.VariantID] = Outcome{Err: fmt.Errorf("load applied result: %w", err)}
			continue
		}
		if latest.ID != r.ID {
			a.logger.Info("skipping variant applied by a later run", "variant_id", r.VariantID, "result_id", latest.ID)
			continue
		}
		outcomes[r.VariantID] = a.revert(ctx, latest)
	}
	return outcomes, nil
}

func derefOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/apply"
	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/pipeline"
	"github.com/Veraticus/the-price-must-flow/internal/service"
	"github.com/Veraticus/the-price-must-flow/internal/volume"
)

// DefaultConcurrency is the number of products priced in parallel when
// Options.Concurrency is unset.
const DefaultConcurrency = 4

// ErrAlreadyRan is returned when Run is called twice on one Controller.
var ErrAlreadyRan = errors.New("controller has already run")

// Store is the persistence the controller reads the catalog from and writes
// results to.
type Store interface {
	ListProducts(ctx context.Context, filter service.CatalogFilter) ([]model.Product, error)
	SaveAnalysisResult(ctx context.Context, result *model.AnalysisResult) error
}

// Checkpointer snapshots the store before prices are written.
type Checkpointer interface {
	Checkpoint(ctx context.Context, prefix string) (string, error)
}

// Analyzer prices one variant.
type Analyzer interface {
	Analyze(ctx context.Context, item pipeline.Item, opts pipeline.Options) model.AnalysisResult
}

// Applier writes a recommendation to the price of record.
type Applier interface {
	Apply(ctx context.Context, result *model.AnalysisResult, variant model.Variant) apply.Outcome
}

// Observer receives per-variant and per-product outcomes, e.g. for metrics.
type Observer interface {
	VariantProcessed(method model.PricingMethod, outcome string)
	ProductProcessed(d time.Duration)
	FatalDetected()
}

// Variant outcomes reported to an Observer.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeApplied     = "applied"
	OutcomeApplyFailed = "apply_failed"
)

// Progress is a snapshot of a running batch.
type Progress struct {
	RunID       string
	LastProduct string
	Summary     Summary
	Processed   int64
	Done        bool
}

// Deps are the collaborators of a Controller. Applier, Checkpointer and
// Observer are optional.
type Deps struct {
	Store        Store
	Analyzer     Analyzer
	Applier      Applier
	Checkpointer Checkpointer
	Observer     Observer
	Logger       *slog.Logger
}

// Options configure one run.
type Options struct {
	Filter service.CatalogFilter
	// Products, when non-nil, are priced instead of the catalog selected by
	// Filter.
	Products    []model.Product
	RunID       string
	Volume      volume.Settings
	Concurrency int
	// Apply writes successful recommendations to the price of record.
	Apply bool
	// FastPath skips reflection and deliberation in the pipeline.
	FastPath bool
	// Checkpoint snapshots the store before the first price is written.
	Checkpoint bool
}

// Controller runs one repricing batch.
type Controller struct {
	store        Store
	analyzer     Analyzer
	applier      Applier
	checkpointer Checkpointer
	observer     Observer
	logger       *slog.Logger
	events       chan Progress

	fatal atomic.Bool
	ran   atomic.Bool
	done  atomic.Int64
	every int64
	total int64
}

// NewController creates a controller. Store and Analyzer are required.
func NewController(deps Deps) (*Controller, error) {
	if deps.Store == nil || deps.Analyzer == nil {
		return nil, fmt.Errorf("%w: batch controller needs a store and an analyzer", common.ErrMissingConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:        deps.Store,
		analyzer:     deps.Analyzer,
		applier:      deps.Applier,
		checkpointer: deps.Checkpointer,
		observer:     deps.Observer,
		logger:       logger,
		events:       make(chan Progress, 64),
	}, nil
}

// Events returns the progress channel. Sends never block, so slow consumers
// miss intermediate snapshots. The channel is closed when Run returns.
func (c *Controller) Events() <-chan Progress {
	return c.events
}

// Fatal reports whether a fatal provider error stopped dispatch.
func (c *Controller) Fatal() bool {
	return c.fatal.Load()
}

// Run prices the selected catalog and returns the finalized report. Unit
// failures are recorded in the report; Run only returns an error when the
// batch could not start.
//
// Cancelling ctx stops dispatch: products not yet started are reported as
// skipped, while products already in flight are priced, persisted and
// applied on a context that ignores the cancellation.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	defer close(c.events)

	if opts.Apply && c.applier == nil {
		return nil, fmt.Errorf("%w: apply requested without a price writer", common.ErrMissingConfig)
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Volume.Exponent == 0 {
		opts.Volume = volume.DefaultSettings()
	}

	products := opts.Products
	if products == nil {
		var err error
		if products, err = c.store.ListProducts(ctx, opts.Filter); err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
	}
	total := 0
	for _, p := range products {
		total += len(p.Variants)
	}

	report := NewReport(opts.RunID, total, time.Now())
	c.total = int64(total)
	c.every = max(1, c.total/20)

	c.logger.Info("starting batch",
		"run_id", opts.RunID,
		"products", len(products),
		"variants", total,
		"concurrency", opts.Concurrency,
		"apply", opts.Apply)

	work := context.WithoutCancel(ctx)
	if opts.Apply && opts.Checkpoint && c.checkpointer != nil && total > 0 {
		path, err := c.checkpointer.Checkpoint(work, "pre-run")
		if err != nil {
			c.logger.Warn("checkpoint skipped", "error", err)
		} else {
			c.logger.Info("checkpoint created", "path", path)
		}
	}

	runs := make([]*productRun, 0, len(products))
	tasks := make([]Task[struct{}], 0, len(products))
	for _, p := range products {
		if len(p.Variants) == 0 {
			continue
		}
		run := &productRun{
			Controller: c,
			product:    p,
			opts:       opts,
			report:     report,
			finished:   make(map[string]bool, len(p.Variants)),
		}
		runs = append(runs, run)
		tasks = append(tasks, Task[struct{}]{
			ID: p.ID,
			Run: func(ctx context.Context) (struct{}, error) {
				start := time.Now()
				run.process(ctx)
				if c.observer != nil {
					c.observer.ProductProcessed(time.Since(start))
				}
				return struct{}{}, nil
			},
		})
	}

	halt := func() bool { return c.fatal.Load() || ctx.Err() != nil }
	results := Run(work, tasks, opts.Concurrency, halt)
	for i, r := range results {
		switch {
		case r.Skipped:
			report.RecordSkipped(len(runs[i].product.Variants))
		case r.Err != nil:
			// process records its own failures; this is a panic.
			c.logger.Error("product task crashed",
				"product_id", r.ID,
				"error", r.Err,
				"stack", string(r.Stack))
			runs[i].failUnfinished(r.Err.Error())
		}
	}

	if err := ctx.Err(); err != nil && !c.fatal.Load() {
		c.logger.Warn("batch stopped before dispatching every product", "error", err)
	}

	report.Finalize(time.Now())
	c.publish(report, "", true)

	s := report.Summary
	c.logger.Info("batch finished",
		"run_id", opts.RunID,
		"completed", s.Completed,
		"failed", s.Failed,
		"applied", s.Applied,
		"volume_derived", s.VolumeDerived,
		"skipped", s.Skipped,
		"fatal", s.Fatal)
	return report, nil
}

// productRun prices the variants of one product and remembers which of them
// already have an outcome in the report.
type productRun struct {
	*Controller
	product  model.Product
	opts     Options
	report   *Report
	finished map[string]bool
}

// process prices every variant of the product. Quantity group bases go
// through the pipeline and their siblings are derived from the base price
// afterwards; all other variants are analyzed one by one.
func (r *productRun) process(ctx context.Context) {
	p, opts := r.product, r.opts
	groups, rest := volume.Partition(p.Variants)

	for _, g := range groups {
		base := g.Base().Variant
		result := r.analyze(ctx, p, base, opts)
		r.finish(ctx, base, &result)

		if !result.Succeeded() {
			for _, m := range g.Siblings() {
				failed := r.newResult(p, m.Variant, opts.RunID, model.PricingMethodVolumeFormula)
				failed.Error = fmt.Sprintf("volume base %s was not priced: %s", base.ID, result.Error)
				r.finish(ctx, m.Variant, &failed)
			}
			continue
		}
		r.deriveSiblings(ctx, g, &result)
	}

	for _, v := range rest {
		result := r.analyze(ctx, p, v, opts)
		r.finish(ctx, v, &result)
	}
}

// failUnfinished records msg as the failure of every variant that has no
// outcome yet.
func (r *productRun) failUnfinished(msg string) {
	derived := make(map[string]bool)
	groups, _ := volume.Partition(r.product.Variants)
	for _, g := range groups {
		for _, m := range g.Siblings() {
			derived[m.Variant.ID] = true
		}
	}
	for _, v := range r.product.Variants {
		if r.finished[v.ID] {
			continue
		}
		r.finished[v.ID] = true
		method := model.PricingMethodAI
		if derived[v.ID] {
			method = model.PricingMethodVolumeFormula
		}
		r.recordFailure(r.report, r.product, v, msg)
		r.observe(method, OutcomeFailed)
		r.publish(r.report, r.product.ID, false)
	}
}

func (c *Controller) analyze(ctx context.Context, p model.Product, v model.Variant, opts Options) model.AnalysisResult {
	result := c.analyzer.Analyze(ctx, pipeline.Item{Product: p, Variant: v}, pipeline.Options{FastPath: opts.FastPath})
	result.RunID = opts.RunID
	return result
}

func (r *productRun) deriveSiblings(ctx context.Context, g volume.Group, base *model.AnalysisResult) {
	p, opts := r.product, r.opts
	basePrice := *base.SuggestedPrice
	derived, err := volume.Derive(g, basePrice, opts.Volume)

	for _, m := range g.Siblings() {
		result := r.newResult(p, m.Variant, opts.RunID, model.PricingMethodVolumeFormula)
		if err != nil {
			result.Error = fmt.Sprintf("volume derivation failed: %v", err)
			r.finish(ctx, m.Variant, &result)
			continue
		}
		tier, ok := derived.Tier(m.Variant.ID)
		if !ok {
			result.Error = fmt.Sprintf("volume derivation produced no price for %s", m.Variant.ID)
			r.finish(ctx, m.Variant, &result)
			continue
		}
		result.SuggestedPrice = model.Float(tier.CalculatedPrice)
		result.Confidence = base.Confidence
		result.CompetitorCount = base.CompetitorCount
		result.AddReasoning(fmt.Sprintf(
			"Derived from %d-unit base at $%.2f: %d units ^ %.2f = $%.2f (%.2f%% per-unit discount)",
			g.Base().Quantity, basePrice, m.Quantity, opts.Volume.Exponent, tier.CalculatedPrice, tier.DiscountPct))
		result.Warnings = append(result.Warnings, derived.WarningsFor(m.Variant.ID)...)
		r.finish(ctx, m.Variant, &result)
	}
}

func (c *Controller) newResult(p model.Product, v model.Variant, runID string, method model.PricingMethod) model.AnalysisResult {
	r := model.AnalysisResult{
		RunID:         runID,
		ProductID:     p.ID,
		VariantID:     v.ID,
		PricingMethod: method,
		Confidence:    model.ConfidenceLow,
		CreatedAt:     time.Now(),
	}
	if v.CurrentPrice > 0 {
		r.PreviousPrice = model.Float(v.CurrentPrice)
	}
	return r
}

// finish persists a result, applies it when requested and records the
// outcome in the report. A recommendation that could not be persisted is
// recorded as a failure and never applied.
func (r *productRun) finish(ctx context.Context, v model.Variant, result *model.AnalysisResult) {
	p := r.product
	if err := r.store.SaveAnalysisResult(ctx, result); err != nil {
		r.logger.Warn("failed to persist analysis result",
			"product_id", p.ID,
			"variant_id", v.ID,
			"error", err)
		if result.Succeeded() {
			result.Error = fmt.Sprintf("failed to persist analysis result: %v", err)
		}
	}
	r.finished[v.ID] = true

	if !result.Succeeded() {
		r.recordFailure(r.report, p, v, result.Error)
		r.observe(result.PricingMethod, OutcomeFailed)
		r.publish(r.report, p.ID, false)
		return
	}

	r.report.RecordSuccess(result.PricingMethod == model.PricingMethodVolumeFormula)
	r.observe(result.PricingMethod, OutcomeSucceeded)

	if r.opts.Apply {
		out := r.applier.Apply(ctx, result, v)
		switch {
		case out.Written:
			r.report.RecordApplied()
			r.observe(result.PricingMethod, OutcomeApplied)
			if out.Err != nil {
				r.logger.Warn("price written but local bookkeeping failed",
					"variant_id", v.ID,
					"error", out.Err)
			}
		case out.Err != nil:
			r.report.RecordApplyFailure(r.failedUnit(p, v, out.Err.Error()))
			r.observe(result.PricingMethod, OutcomeApplyFailed)
			r.checkFatal(r.report, out.Err.Error())
		}
	}
	r.publish(r.report, p.ID, false)
}

func (c *Controller) recordFailure(report *Report, p model.Product, v model.Variant, msg string) {
	report.RecordFailure(c.failedUnit(p, v, msg))
	c.checkFatal(report, msg)
}

func (c *Controller) failedUnit(p model.Product, v model.Variant, msg string) FailedUnit {
	return FailedUnit{
		Timestamp:    time.Now(),
		ProductID:    p.ID,
		VariantID:    v.ID,
		ProductTitle: p.Title,
		VariantTitle: v.Title,
		Error:        msg,
	}
}

func (c *Controller) checkFatal(report *Report, msg string) {
	if !common.IsFatal(msg) {
		return
	}
	report.SetFatal(msg)
	if c.fatal.CompareAndSwap(false, true) {
		c.logger.Error("fatal provider error, no new products will be started", "error", msg)
		if c.observer != nil {
			c.observer.FatalDetected()
		}
	}
}

func (c *Controller) observe(method model.PricingMethod, outcome string) {
	if c.observer != nil {
		c.observer.VariantProcessed(method, outcome)
	}
}

// publish counts one finished variant and emits a snapshot every c.every
// completions and on the last one. Sends are non-blocking.
func (c *Controller) publish(report *Report, productID string, final bool) {
	n := c.done.Load()
	if !final {
		n = c.done.Add(1)
		if n%c.every != 0 && n != c.total {
			return
		}
	}
	p := Progress{
		RunID:       report.RunID,
		LastProduct: productID,
		Summary:     report.Snapshot(),
		Processed:   n,
		Done:        final,
	}
	if final {
		p.Summary = report.Summary
	}
	select {
	case c.events <- p:
	default:
	}
}

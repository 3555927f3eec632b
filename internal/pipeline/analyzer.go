// Package pipeline prices a single variant by escalating through
// identification, competitor search, scoring, query reflection and a
// deliberation fallback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/the-price-must-flow/internal/cache"
	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/search"
)

// MinUsableSignals is the number of priced competitors scoring needs before
// the result is trusted without escalation.
const MinUsableSignals = 2

// Item is one variant to price together with its parent product.
type Item struct {
	Product model.Product
	Variant model.Variant
}

// Options are caller-supplied per-run switches.
type Options struct {
	// FastPath skips reflection and deliberation.
	FastPath bool
}

// Score is a priced recommendation from the score or deliberate stage.
type Score struct {
	Price      *float64
	Floor      *float64
	Ceiling    *float64
	Confidence model.Confidence
	Reasoning  []string
}

// ScoreInput is what the score stage sees.
type ScoreInput struct {
	Product        model.Product
	Variant        model.Variant
	Identification model.Identification
	Competitors    []model.Competitor
}

// DeliberateInput is what the deliberate stage sees, including the prior attempt.
type DeliberateInput struct {
	Prior          *Score
	Product        model.Product
	Variant        model.Variant
	Identification model.Identification
	Competitors    []model.Competitor
}

// Identifier describes a product.
type Identifier interface {
	Identify(ctx context.Context, p model.Product) (model.Identification, error)
}

// Scorer turns market signals into a price.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (Score, error)
}

// Reflector proposes alternative search queries after a thin search.
type Reflector interface {
	Reflect(ctx context.Context, d search.Descriptor, tried []string, found int) ([]string, error)
}

// Deliberator prices from cost and tier when market data is insufficient.
type Deliberator interface {
	Deliberate(ctx context.Context, in DeliberateInput) (Score, error)
}

// Deps are the collaborators of an Analyzer. Identities may be nil, in
// which case nothing is cached.
type Deps struct {
	Identifier  Identifier
	Searcher    search.Searcher
	Scorer      Scorer
	Reflector   Reflector
	Deliberator Deliberator
	Identities  cache.Store[model.Identification]
	Events      chan<- Event
	Logger      *slog.Logger
	Guardrails  Guardrails
}

// Analyzer runs the per-variant state machine. It is safe for concurrent use.
type Analyzer struct {
	identifier  Identifier
	searcher    search.Searcher
	scorer      Scorer
	reflector   Reflector
	deliberator Deliberator
	identities  cache.Store[model.Identification]
	events      chan<- Event
	logger      *slog.Logger
	guardrails  Guardrails
}

// NewAnalyzer creates an analyzer. Identifier, Searcher and Scorer are required.
func NewAnalyzer(deps Deps) (*Analyzer, error) {
	if deps.Identifier == nil || deps.Searcher == nil || deps.Scorer == nil {
		return nil, fmt.Errorf("%w: analyzer needs an identifier, searcher and scorer", common.ErrMissingConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		identifier:  deps.Identifier,
		searcher:    deps.Searcher,
		scorer:      deps.Scorer,
		reflector:   deps.Reflector,
		deliberator: deps.Deliberator,
		identities:  deps.Identities,
		events:      deps.Events,
		logger:      logger,
		guardrails:  deps.Guardrails,
	}, nil
}

// stageError marks which stage terminated the pipeline.
type stageError struct {
	err   error
	stage Stage
}

func (e *stageError) Error() string { return fmt.Sprintf("%s stage: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// Analyze prices one variant. It never returns an error: a failing stage ends
// the pipeline with Error set and no suggested price.
func (a *Analyzer) Analyze(ctx context.Context, item Item, opts Options) model.AnalysisResult {
	result := model.AnalysisResult{
		ProductID:     item.Product.ID,
		VariantID:     item.Variant.ID,
		PricingMethod: model.PricingMethodAI,
		Confidence:    model.ConfidenceLow,
		CreatedAt:     time.Now(),
	}
	if item.Variant.CurrentPrice > 0 {
		result.PreviousPrice = model.Float(item.Variant.CurrentPrice)
	}

	if err := a.run(ctx, item, opts, &result); err != nil {
		result.SuggestedPrice = nil
		result.Error = err.Error()
		a.logger.Warn("analysis failed",
			"product_id", item.Product.ID,
			"variant_id", item.Variant.ID,
			"error", err)
	}
	return result
}

func (a *Analyzer) run(ctx context.Context, item Item, opts Options, result *model.AnalysisResult) error {
	ident, err := a.identify(ctx, item)
	if err != nil {
		return err
	}

	descriptor := search.NewDescriptor(item.Product, item.Variant, &ident)
	found, err := a.search(ctx, item, search.Query{Descriptor: descriptor})
	if err != nil {
		return err
	}

	score, err := a.score(ctx, item, ident, found.Competitors)
	if err != nil {
		return err
	}
	competitors := found.Competitors
	usable := model.CountUsable(competitors)

	if opts.FastPath {
		a.emit(item, StageReflect, EventSkipped, "fast path")
		a.emit(item, StageDeliberate, EventSkipped, "fast path")
	} else {
		if usable < MinUsableSignals && a.reflector != nil {
			retried, retriedScore, improved, err := a.reflect(ctx, item, ident, descriptor, found.Queries, usable)
			if err != nil {
				return err
			}
			if improved {
				competitors = retried
				score = retriedScore
				usable = model.CountUsable(competitors)
			}
		} else {
			a.emit(item, StageReflect, EventSkipped, "")
		}

		if a.deliberator != nil && (usable < MinUsableSignals || score.Confidence == model.ConfidenceLow || score.Price == nil) {
			score, err = a.deliberate(ctx, item, ident, competitors, score)
			if err != nil {
				return err
			}
		} else {
			a.emit(item, StageDeliberate, EventSkipped, "")
		}
	}

	if score.Price == nil || *score.Price <= 0 {
		return &stageError{stage: StageScore, err: common.ErrNoPrice}
	}

	result.SuggestedPrice = model.Float(roundCents(*score.Price))
	result.PriceFloor = score.Floor
	result.PriceCeiling = score.Ceiling
	result.Confidence = score.Confidence
	result.CompetitorCount = usable
	result.AddReasoning(score.Reasoning...)
	a.guardrails.apply(item.Variant, result)
	return nil
}

func (a *Analyzer) identify(ctx context.Context, item Item) (model.Identification, error) {
	key := item.Product.ID
	if a.identities != nil {
		if ident, ok, err := a.identities.Get(ctx, key); err == nil && ok {
			a.emit(item, StageIdentify, EventCompleted, "cached")
			return ident, nil
		}
	}

	a.emit(item, StageIdentify, EventStarted, "")
	ident, err := a.identifier.Identify(ctx, item.Product)
	if err != nil {
		a.emit(item, StageIdentify, EventFailed, err.Error())
		return model.Identification{}, &stageError{stage: StageIdentify, err: err}
	}
	if a.identities != nil {
		// Concurrent siblings may both get here; the last write wins.
		if err := a.identities.Set(ctx, key, ident); err != nil {
			a.logger.Warn("identity cache write failed", "product_id", key, "error", err)
		}
	}
	a.emit(item, StageIdentify, EventCompleted, ident.Category)
	return ident, nil
}

func (a *Analyzer) search(ctx context.Context, item Item, q search.Query) (search.Result, error) {
	a.emit(item, StageSearch, EventStarted, "")
	res, err := a.searcher.Search(ctx, q)
	if err != nil {
		a.emit(item, StageSearch, EventFailed, err.Error())
		return search.Result{}, &stageError{stage: StageSearch, err: err}
	}
	a.emit(item, StageSearch, EventCompleted, fmt.Sprintf("%d competitors", len(res.Competitors)))
	return res, nil
}

func (a *Analyzer) score(ctx context.Context, item Item, ident model.Identification, competitors []model.Competitor) (Score, error) {
	a.emit(item, StageScore, EventStarted, "")
	s, err := a.scorer.Score(ctx, ScoreInput{
		Product:        item.Product,
		Variant:        item.Variant,
		Identification: ident,
		Competitors:    usableOnly(competitors),
	})
	if err != nil {
		a.emit(item, StageScore, EventFailed, err.Error())
		return Score{}, &stageError{stage: StageScore, err: err}
	}
	a.emit(item, StageScore, EventCompleted, string(s.Confidence))
	return s, nil
}

// reflect reruns search and score with alternative queries. The retry is
// adopted only when it finds strictly more usable signals.
func (a *Analyzer) reflect(
	ctx context.Context,
	item Item,
	ident model.Identification,
	descriptor search.Descriptor,
	tried []string,
	usable int,
) ([]model.Competitor, Score, bool, error) {
	a.emit(item, StageReflect, EventStarted, "")

	// Reflection is an optional improvement: only fatal failures end the pipeline.
	abandon := func(err error) ([]model.Competitor, Score, bool, error) {
		a.emit(item, StageReflect, EventFailed, err.Error())
		if common.IsFatal(err.Error()) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, Score{}, false, &stageError{stage: StageReflect, err: err}
		}
		a.logger.Warn("reflection failed, keeping first search", "variant_id", item.Variant.ID, "error", err)
		return nil, Score{}, false, nil
	}

	queries, err := a.reflector.Reflect(ctx, descriptor, tried, usable)
	if err != nil {
		return abandon(err)
	}
	if len(queries) == 0 {
		a.emit(item, StageReflect, EventCompleted, "no alternative queries")
		return nil, Score{}, false, nil
	}

	found, err := a.search(ctx, item, search.Query{Descriptor: descriptor, Queries: queries})
	if err != nil {
		return abandon(err)
	}
	retriedUsable := model.CountUsable(found.Competitors)
	if retriedUsable <= usable {
		a.emit(item, StageReflect, EventCompleted, fmt.Sprintf("kept original (%d vs %d signals)", usable, retriedUsable))
		return nil, Score{}, false, nil
	}

	s, err := a.score(ctx, item, ident, found.Competitors)
	if err != nil {
		return abandon(err)
	}
	s.Reasoning = append([]string{fmt.Sprintf("Reflection found %d signals with alternative queries", retriedUsable)}, s.Reasoning...)
	a.emit(item, StageReflect, EventCompleted, fmt.Sprintf("adopted (%d signals)", retriedUsable))
	return found.Competitors, s, true, nil
}

// deliberate overwrites price, confidence and bounds but appends reasoning.
func (a *Analyzer) deliberate(ctx context.Context, item Item, ident model.Identification, competitors []model.Competitor, prior Score) (Score, error) {
	a.emit(item, StageDeliberate, EventStarted, "")
	d, err := a.deliberator.Deliberate(ctx, DeliberateInput{
		Prior:          &prior,
		Product:        item.Product,
		Variant:        item.Variant,
		Identification: ident,
		Competitors:    usableOnly(competitors),
	})
	if err != nil {
		a.emit(item, StageDeliberate, EventFailed, err.Error())
		return Score{}, &stageError{stage: StageDeliberate, err: err}
	}

	merged := Score{
		Price:      d.Price,
		Floor:      d.Floor,
		Ceiling:    d.Ceiling,
		Confidence: d.Confidence,
		Reasoning:  append(append([]string(nil), prior.Reasoning...), d.Reasoning...),
	}
	a.emit(item, StageDeliberate, EventCompleted, string(d.Confidence))
	return merged, nil
}

func usableOnly(competitors []model.Competitor) []model.Competitor {
	out := make([]model.Competitor, 0, len(competitors))
	for _, c := range competitors {
		if c.Usable() {
			out = append(out, c)
		}
	}
	return out
}

func roundCents(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

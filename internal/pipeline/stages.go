package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/search"
)

const analystSystem = "You are an e-commerce pricing analyst. Respond with ONLY a valid JSON object. " +
	"Do not include any explanatory text or markdown formatting."

// StageModels selects the model and effort used by each LLM-backed stage.
type StageModels struct {
	Identify        string
	Score           string
	Reflect         string
	Deliberate      string
	ReasoningEffort llm.ReasoningEffort
}

// LLMStages implements every stage interface on top of one completion client.
type LLMStages struct {
	client llm.Client
	models StageModels
}

// NewLLMStages creates LLM-backed stage implementations.
func NewLLMStages(client llm.Client, models StageModels) *LLMStages {
	return &LLMStages{client: client, models: models}
}

type identifyResponse struct {
	Category       string   `json:"category"`
	Subcategory    string   `json:"subcategory"`
	Brand          string   `json:"brand"`
	Tier           string   `json:"tier"`
	Features       []string `json:"features"`
	SearchKeywords []string `json:"searchKeywords"`
}

// Identify implements Identifier.
func (s *LLMStages) Identify(ctx context.Context, p model.Product) (model.Identification, error) {
	var b strings.Builder
	b.WriteString("Identify this product for competitive pricing research.\n\n")
	fmt.Fprintf(&b, "Title: %s\nVendor: %s\n", p.Title, p.Vendor)
	if p.ProductType != "" {
		fmt.Fprintf(&b, "Type: %s\n", p.ProductType)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(p.Tags, ", "))
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", common.Truncate(p.Description, 1500))
	}
	b.WriteString(`
Return {"category":"...","subcategory":"...","brand":"...","tier":"budget|mid|premium",` +
		`"features":["..."],"searchKeywords":["..."]}`)

	var resp identifyResponse
	if err := s.complete(ctx, b.String(), s.models.Identify, llm.ReasoningLow, &resp); err != nil {
		return model.Identification{}, err
	}
	if resp.Category == "" {
		return model.Identification{}, fmt.Errorf("%w: identification has no category", llm.ErrUnparseable)
	}
	return model.Identification{
		Category:       resp.Category,
		Subcategory:    resp.Subcategory,
		Brand:          resp.Brand,
		Tier:           parseTier(resp.Tier),
		Features:       resp.Features,
		SearchKeywords: resp.SearchKeywords,
	}, nil
}

type priceResponse struct {
	Price      *float64 `json:"price"`
	Floor      *float64 `json:"floor"`
	Ceiling    *float64 `json:"ceiling"`
	Confidence string   `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

func (r priceResponse) score() Score {
	return Score{
		Price:      positive(r.Price),
		Floor:      positive(r.Floor),
		Ceiling:    positive(r.Ceiling),
		Confidence: model.ParseConfidence(strings.ToLower(r.Confidence)),
		Reasoning:  r.Reasoning,
	}
}

// Score implements Scorer.
func (s *LLMStages) Score(ctx context.Context, in ScoreInput) (Score, error) {
	var b strings.Builder
	b.WriteString("Recommend a retail price for this product from competitor data.\n\n")
	writeItem(&b, in.Product, in.Variant, in.Identification)
	b.WriteString("\nCompetitor listings:\n")
	if len(in.Competitors) == 0 {
		b.WriteString("(none found)\n")
	}
	for _, c := range in.Competitors {
		fmt.Fprintf(&b, "- %s: %q $%.2f (match %.2f)\n", c.Source, c.Title, c.Price, c.Match)
	}
	b.WriteString(`
Return {"price":0.00,"floor":0.00,"ceiling":0.00,"confidence":"high|medium|low","reasoning":["..."]}. ` +
		`Use low confidence when fewer than two listings are comparable.`)

	var resp priceResponse
	if err := s.complete(ctx, b.String(), s.models.Score, s.models.ReasoningEffort, &resp); err != nil {
		return Score{}, err
	}
	return resp.score(), nil
}

type reflectResponse struct {
	Queries []string `json:"queries"`
}

// Reflect implements Reflector.
func (s *LLMStages) Reflect(ctx context.Context, d search.Descriptor, tried []string, found int) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "A competitor search for %q found only %d priced listings.\n\nQueries tried:\n", d.Name(), found)
	for _, q := range tried {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if d.Category != "" {
		fmt.Fprintf(&b, "\nCategory: %s\n", d.Category)
	}
	b.WriteString(`
Suggest up to 3 different queries likely to find the same product at other retailers ` +
		`(generic names, model numbers, shorter phrasing). Return {"queries":["..."]}`)

	var resp reflectResponse
	if err := s.complete(ctx, b.String(), s.models.Reflect, llm.ReasoningLow, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(tried))
	for _, q := range tried {
		seen[strings.ToLower(strings.TrimSpace(q))] = struct{}{}
	}
	var queries []string
	for _, q := range resp.Queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, strings.TrimSpace(q))
	}
	return queries, nil
}

// Deliberate implements Deliberator. When the model fails for a non-fatal
// reason the heuristic price is used instead.
func (s *LLMStages) Deliberate(ctx context.Context, in DeliberateInput) (Score, error) {
	heuristic, hasHeuristic := HeuristicPrice(in.Variant, in.Identification.Tier)

	var b strings.Builder
	b.WriteString("Market data for this product is insufficient. Recommend a price from cost, tier and category norms.\n\n")
	writeItem(&b, in.Product, in.Variant, in.Identification)
	if in.Prior != nil && in.Prior.Price != nil {
		fmt.Fprintf(&b, "Previous estimate: $%.2f (%s confidence)\n", *in.Prior.Price, in.Prior.Confidence)
	}
	if hasHeuristic {
		fmt.Fprintf(&b, "Cost-based estimate: $%.2f\n", heuristic)
	}
	for _, c := range in.Competitors {
		fmt.Fprintf(&b, "Known listing: %q $%.2f\n", c.Title, c.Price)
	}
	b.WriteString(`
Return {"price":0.00,"floor":0.00,"ceiling":0.00,"confidence":"high|medium|low","reasoning":["..."]}`)

	var resp priceResponse
	err := s.complete(ctx, b.String(), s.models.Deliberate, s.models.ReasoningEffort, &resp)
	if err == nil && positive(resp.Price) != nil {
		return resp.score(), nil
	}
	if err != nil && (common.IsFatal(err.Error()) || ctx.Err() != nil) {
		return Score{}, err
	}
	if !hasHeuristic {
		if err == nil {
			err = common.ErrNoPrice
		}
		return Score{}, fmt.Errorf("deliberation produced no price and no cost is known: %w", err)
	}
	return Score{
		Price:      model.Float(heuristic),
		Confidence: model.ConfidenceLow,
		Reasoning:  []string{fmt.Sprintf("Cost-based heuristic price $%.2f for %s tier", heuristic, tierOrDefault(in.Identification.Tier))},
	}, nil
}

func (s *LLMStages) complete(ctx context.Context, prompt, modelName string, effort llm.ReasoningEffort, out any) error {
	raw, err := s.client.Complete(ctx, prompt, llm.Options{
		Model:           modelName,
		System:          analystSystem,
		JSONMode:        true,
		ReasoningEffort: effort,
		MaxTokens:       1500,
	})
	if err != nil {
		return err
	}
	return llm.Extract(raw, out)
}

// tierMarkup is the cost multiplier used by the heuristic price per tier.
var tierMarkup = map[model.Tier]float64{
	model.TierBudget:  1.8,
	model.TierMid:     2.2,
	model.TierPremium: 2.8,
}

// HeuristicPrice prices from cost and tier, falling back to the current
// price when cost is unknown.
func HeuristicPrice(v model.Variant, tier model.Tier) (float64, bool) {
	if v.HasCost() {
		return roundCents(v.Cost * tierMarkup[tierOrDefault(tier)]), true
	}
	if v.CurrentPrice > 0 {
		return roundCents(v.CurrentPrice), true
	}
	return 0, false
}

func tierOrDefault(t model.Tier) model.Tier {
	if _, ok := tierMarkup[t]; ok {
		return t
	}
	return model.TierMid
}

func parseTier(s string) model.Tier {
	return tierOrDefault(model.Tier(strings.ToLower(strings.TrimSpace(s))))
}

func writeItem(b *strings.Builder, p model.Product, v model.Variant, ident model.Identification) {
	fmt.Fprintf(b, "Product: %s\n", p.DisplayName(v))
	if ident.Brand != "" {
		fmt.Fprintf(b, "Brand: %s\n", ident.Brand)
	}
	fmt.Fprintf(b, "Category: %s\nTier: %s\n", ident.Category, tierOrDefault(ident.Tier))
	if len(ident.Features) > 0 {
		fmt.Fprintf(b, "Features: %s\n", strings.Join(ident.Features, "; "))
	}
	if v.HasCost() {
		fmt.Fprintf(b, "Unit cost: $%.2f\n", v.Cost)
	}
	if v.CurrentPrice > 0 {
		fmt.Fprintf(b, "Current price: $%.2f\n", v.CurrentPrice)
	}
}

func positive(f *float64) *float64 {
	if f == nil || *f <= 0 {
		return nil
	}
	return f
}

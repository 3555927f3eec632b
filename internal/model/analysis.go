package model

import "time"

// Confidence is the qualitative certainty attached to a recommendation.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence normalizes a provider supplied label. Unknown labels are low.
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(s)
	case "HIGH", "High":
		return ConfidenceHigh
	case "MEDIUM", "Medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// PricingMethod records how a suggested price was produced.
type PricingMethod string

// Pricing methods.
const (
	PricingMethodAI            PricingMethod = "ai"
	PricingMethodVolumeFormula PricingMethod = "volume_formula"
)

// Tier is the market positioning assigned during identification.
type Tier string

// Market tiers.
const (
	TierBudget  Tier = "budget"
	TierMid     Tier = "mid"
	TierPremium Tier = "premium"
)

// Identification is the structured description of a product produced by the
// identify stage and shared by all of its variants within one run.
type Identification struct {
	Category       string   `json:"category"`
	Subcategory    string   `json:"subcategory,omitempty"`
	Brand          string   `json:"brand,omitempty"`
	Tier           Tier     `json:"tier"`
	Features       []string `json:"features,omitempty"`
	SearchKeywords []string `json:"searchKeywords,omitempty"`
}

// Competitor is a single market price signal.
type Competitor struct {
	Source string  `json:"source"`
	Title  string  `json:"title"`
	URL    string  `json:"url,omitempty"`
	Price  float64 `json:"price"`
	Match  float64 `json:"match,omitempty"` // 0..1 similarity to the analyzed unit
}

// Usable reports whether the signal can take part in scoring.
func (c Competitor) Usable() bool {
	return c.Price > 0
}

// CountUsable returns the number of usable competitor signals.
func CountUsable(competitors []Competitor) int {
	n := 0
	for _, c := range competitors {
		if c.Usable() {
			n++
		}
	}
	return n
}

// AnalysisResult is the outcome of pricing one variant in one run.
// A newer result for the same variant supersedes older ones.
type AnalysisResult struct {
	CreatedAt       time.Time
	AppliedAt       *time.Time
	SuggestedPrice  *float64
	PriceFloor      *float64
	PriceCeiling    *float64
	PreviousPrice   *float64
	ID              int64
	RunID           string
	ProductID       string
	VariantID       string
	Confidence      Confidence
	PricingMethod   PricingMethod
	Error           string
	ApplyError      string
	Reasoning       []string
	Warnings        []string
	CompetitorCount int
	Applied         bool
}

// Succeeded reports whether the analysis produced a usable price.
func (r AnalysisResult) Succeeded() bool {
	return r.Error == "" && r.SuggestedPrice != nil
}

// AddReasoning appends lines to the reasoning trail.
func (r *AnalysisResult) AddReasoning(lines ...string) {
	for _, l := range lines {
		if l != "" {
			r.Reasoning = append(r.Reasoning, l)
		}
	}
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}

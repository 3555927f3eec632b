package pipeline

import (
	"fmt"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// Guardrails bound a suggested price against the variant's own data.
type Guardrails struct {
	// MinMargin is the minimum markup over cost, e.g. 0.2 for 20%. Zero disables the floor.
	MinMargin float64
	// WarnAboveCompareAt flags prices above the compare-at price.
	WarnAboveCompareAt bool
}

func (g Guardrails) apply(v model.Variant, r *model.AnalysisResult) {
	if r.SuggestedPrice == nil {
		return
	}
	price := *r.SuggestedPrice

	if g.MinMargin > 0 && v.HasCost() {
		floor := roundCents(v.Cost * (1 + g.MinMargin))
		if price < floor {
			r.SuggestedPrice = model.Float(floor)
			r.AddReasoning(fmt.Sprintf("Raised from $%.2f to $%.2f to keep a %.0f%% margin over cost $%.2f",
				price, floor, g.MinMargin*100, v.Cost))
			r.Warnings = append(r.Warnings, "price raised to minimum margin")
			price = floor
		}
	}

	if g.WarnAboveCompareAt && v.CompareAtPrice > 0 && price > v.CompareAtPrice {
		r.Warnings = append(r.Warnings, fmt.Sprintf("suggested $%.2f exceeds compare-at $%.2f", price, v.CompareAtPrice))
	}
}

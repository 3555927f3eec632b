package volume

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// RoundingMethod selects how derived tier prices are rounded.
type RoundingMethod string

// Supported rounding methods.
const (
	RoundingNearestDollar RoundingMethod = "nearest_dollar"
	RoundingNearestHalf   RoundingMethod = "nearest_half"
	RoundingExact         RoundingMethod = "exact"
	RoundingCharm         RoundingMethod = "charm"
)

// Recommended exponent operating range. Values outside it are suspicious, not invalid.
const (
	MinRecommendedExponent = 0.80
	MaxRecommendedExponent = 0.99
	DefaultExponent        = 0.92
	DefaultMaxDiscountPct  = 35.0
)

// ErrInvalidInput is returned for inputs the formula cannot be applied to.
var ErrInvalidInput = errors.New("invalid volume pricing input")

// ParseRounding validates a rounding method name.
func ParseRounding(s string) (RoundingMethod, error) {
	switch m := RoundingMethod(s); m {
	case RoundingNearestDollar, RoundingNearestHalf, RoundingExact, RoundingCharm:
		return m, nil
	case "":
		return RoundingNearestDollar, nil
	default:
		return "", fmt.Errorf("%w: unknown rounding method %q", ErrInvalidInput, s)
	}
}

// Settings are the tunables of the volume curve.
type Settings struct {
	Rounding       RoundingMethod
	Exponent       float64
	MaxDiscountPct float64
}

// DefaultSettings returns the standard volume curve.
func DefaultSettings() Settings {
	return Settings{
		Exponent:       DefaultExponent,
		Rounding:       RoundingNearestDollar,
		MaxDiscountPct: DefaultMaxDiscountPct,
	}
}

// Tier is one quantity tier to price.
type Tier struct {
	VariantID string
	Quantity  int
}

// Input describes one volume pricing calculation.
type Input struct {
	Rounding     RoundingMethod
	Tiers        []Tier
	BasePrice    float64
	BaseQuantity int
	Exponent     float64
	// MaxDiscountPct caps the per-unit discount from the base tier. Zero means the default.
	MaxDiscountPct float64
}

// TierPrice is the derived price of one tier.
type TierPrice struct {
	VariantID       string
	Quantity        int
	RawPrice        float64
	CalculatedPrice float64
	PerUnit         float64
	DiscountPct     float64 // Per-unit discount relative to the base tier
	IsBase          bool
	// Warnings are the violations found at this tier.
	Warnings []string
}

// Result holds derived prices in ascending quantity order plus any
// commercially questionable findings.
type Result struct {
	Tiers []TierPrice
	// Warnings holds every warning of the calculation, curve and tier alike.
	Warnings []string
	// CurveWarnings concern the curve as a whole and apply to every tier.
	CurveWarnings []string
}

// Tier returns the derived price for a variant.
func (r Result) Tier(variantID string) (TierPrice, bool) {
	for _, t := range r.Tiers {
		if t.VariantID == variantID {
			return t, true
		}
	}
	return TierPrice{}, false
}

// WarningsFor returns the curve warnings followed by the warnings of the
// variant's own tier.
func (r Result) WarningsFor(variantID string) []string {
	warnings := append([]string(nil), r.CurveWarnings...)
	if t, ok := r.Tier(variantID); ok {
		warnings = append(warnings, t.Warnings...)
	}
	return warnings
}

// Calculate derives tier prices as base × (qty / baseQty)^exponent, rounded
// with the requested method. The base tier always keeps the base price.
// Monotonicity, per-unit and discount-cap violations are reported as warnings.
func Calculate(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}
	if in.Rounding == "" {
		in.Rounding = RoundingNearestDollar
	}
	maxDiscount := in.MaxDiscountPct
	if maxDiscount <= 0 {
		maxDiscount = DefaultMaxDiscountPct
	}

	var result Result
	if in.Exponent < MinRecommendedExponent || in.Exponent > MaxRecommendedExponent {
		result.CurveWarnings = append(result.CurveWarnings, fmt.Sprintf(
			"exponent %.2f is outside the recommended range [%.2f, %.2f]",
			in.Exponent, MinRecommendedExponent, MaxRecommendedExponent))
		result.Warnings = append(result.Warnings, result.CurveWarnings...)
	}

	tiers := make([]Tier, len(in.Tiers))
	copy(tiers, in.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Quantity < tiers[j].Quantity })

	base := decimal.NewFromFloat(in.BasePrice)
	baseQty := decimal.NewFromInt(int64(in.BaseQuantity))
	basePerUnit := base.Div(baseQty)

	for _, t := range tiers {
		tp := TierPrice{VariantID: t.VariantID, Quantity: t.Quantity}
		qty := decimal.NewFromInt(int64(t.Quantity))

		var price decimal.Decimal
		if t.Quantity == in.BaseQuantity {
			tp.IsBase = true
			tp.RawPrice = in.BasePrice
			price = base
		} else {
			ratio := float64(t.Quantity) / float64(in.BaseQuantity)
			raw := in.BasePrice * math.Pow(ratio, in.Exponent)
			tp.RawPrice = decimal.NewFromFloat(raw).Round(4).InexactFloat64()
			price = round(decimal.NewFromFloat(raw), in.Rounding)
		}

		perUnit := price.Div(qty)
		tp.CalculatedPrice = price.InexactFloat64()
		tp.PerUnit = perUnit.Round(4).InexactFloat64()
		tp.DiscountPct = decimal.NewFromInt(1).Sub(perUnit.Div(basePerUnit)).
			Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()

		result.Tiers = append(result.Tiers, tp)
	}

	result.Warnings = append(result.Warnings, check(result.Tiers, maxDiscount)...)
	return result, nil
}

// Derive prices every member of a group from the analyzed base price.
func Derive(g Group, basePrice float64, s Settings) (Result, error) {
	if len(g.Members) == 0 {
		return Result{}, fmt.Errorf("%w: empty group", ErrInvalidInput)
	}
	tiers := make([]Tier, 0, len(g.Members))
	for _, m := range g.Members {
		tiers = append(tiers, Tier{VariantID: m.Variant.ID, Quantity: m.Quantity})
	}
	return Calculate(Input{
		BasePrice:      basePrice,
		BaseQuantity:   g.Base().Quantity,
		Tiers:          tiers,
		Exponent:       s.Exponent,
		Rounding:       s.Rounding,
		MaxDiscountPct: s.MaxDiscountPct,
	})
}

func validate(in Input) error {
	switch {
	case in.BasePrice <= 0 || math.IsNaN(in.BasePrice) || math.IsInf(in.BasePrice, 0):
		return fmt.Errorf("%w: base price must be positive, got %v", ErrInvalidInput, in.BasePrice)
	case in.BaseQuantity <= 0:
		return fmt.Errorf("%w: base quantity must be positive, got %d", ErrInvalidInput, in.BaseQuantity)
	case in.Exponent <= 0 || in.Exponent > 1 || math.IsNaN(in.Exponent):
		return fmt.Errorf("%w: exponent must be in (0, 1], got %v", ErrInvalidInput, in.Exponent)
	}
	for _, t := range in.Tiers {
		if t.Quantity <= 0 {
			return fmt.Errorf("%w: tier %s has non-positive quantity %d", ErrInvalidInput, t.VariantID, t.Quantity)
		}
	}
	if _, err := ParseRounding(string(in.Rounding)); err != nil {
		return err
	}
	return nil
}

func round(d decimal.Decimal, method RoundingMethod) decimal.Decimal {
	switch method {
	case RoundingNearestDollar:
		return d.Round(0)
	case RoundingNearestHalf:
		two := decimal.NewFromInt(2)
		return d.Mul(two).Round(0).Div(two)
	case RoundingCharm:
		return d.Floor().Add(decimal.RequireFromString("0.99"))
	default:
		return d.Round(2)
	}
}

// check walks tiers in ascending quantity order and reports invariant
// violations. Each warning is also attached to the larger tier involved.
func check(tiers []TierPrice, maxDiscountPct float64) []string {
	var warnings []string
	warn := func(i int, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		tiers[i].Warnings = append(tiers[i].Warnings, msg)
		warnings = append(warnings, msg)
	}
	for i, t := range tiers {
		if t.DiscountPct > maxDiscountPct {
			warn(i, "%d-unit tier discount %.2f%% exceeds cap %.2f%%", t.Quantity, t.DiscountPct, maxDiscountPct)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.CalculatedPrice < prev.CalculatedPrice {
			warn(i, "total price decreases from %d units ($%.2f) to %d units ($%.2f)",
				prev.Quantity, prev.CalculatedPrice, t.Quantity, t.CalculatedPrice)
		}
		if t.PerUnit > prev.PerUnit {
			warn(i, "per-unit price increases from %d units ($%.4f) to %d units ($%.4f)",
				prev.Quantity, prev.PerUnit, t.Quantity, t.PerUnit)
		}
	}
	return warnings
}

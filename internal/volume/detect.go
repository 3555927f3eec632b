// Package volume detects quantity-tiered variants and derives tier prices from
// a single analyzed base price using a power-law volume curve.
package volume

import (
	"regexp"
	"strconv"
	"strings"
)

// Detection is the quantity found in a variant label.
type Detection struct {
	// FinishKey is the non-quantity remainder of the label, nil when nothing remains.
	FinishKey *string
	Quantity  int
}

// Key returns the finish key or the empty string.
func (d Detection) Key() string {
	if d.FinishKey == nil {
		return ""
	}
	return *d.FinishKey
}

type quantityPattern struct {
	regex *regexp.Regexp
	name  string
}

// Checked in order; the first pattern to match any component wins.
var quantityPatterns = []quantityPattern{
	{name: "qty", regex: regexp.MustCompile(`(?i)\b(?:qty|quantity)\s*[:=]?\s*(\d+)\b`)},
	{name: "count", regex: regexp.MustCompile(`(?i)\b(\d+)\s*(?:count|ct)\b\.?`)},
	{name: "pack", regex: regexp.MustCompile(`(?i)\b(\d+)\s*(?:pack|pk)s?\b`)},
	{name: "pieces", regex: regexp.MustCompile(`(?i)\b(\d+)\s*(?:pcs|pieces|piece|pc)\b\.?`)},
	{name: "case of", regex: regexp.MustCompile(`(?i)\b(?:case|box|pack|bag|set)\s+of\s+(\d+)\b`)},
	{name: "hyphenated", regex: regexp.MustCompile(`(?i)\b(\d+)-(?:count|pack|piece|pc|ct)\b`)},
	{name: "multiplier", regex: regexp.MustCompile(`(?i)(?:^|\s)x\s*(\d+)\b|\b(\d+)\s*x(?:\s|$)`)},
}

var (
	bareInteger     = regexp.MustCompile(`^\d+$`)
	labelSeparators = regexp.MustCompile(`\s*(?:/|\||\s-\s|–|—)\s*`)
)

// DetectQuantity scans a variant label for a pack quantity. Multi-attribute
// labels such as "Black / 90 Count" are split and examined per component.
// It returns nil when no quantity can be found.
func DetectQuantity(label string) *Detection {
	components := splitLabel(label)
	if len(components) == 0 {
		return nil
	}

	for _, p := range quantityPatterns {
		for i, component := range components {
			loc := p.regex.FindStringSubmatchIndex(component)
			if loc == nil {
				continue
			}
			qty := submatchInt(component, loc)
			if qty <= 0 {
				continue
			}
			remainder := strings.TrimSpace(component[:loc[0]] + " " + component[loc[1]:])
			return newDetection(qty, components, i, remainder)
		}
	}

	for i, component := range components {
		if !bareInteger.MatchString(component) {
			continue
		}
		qty, err := strconv.Atoi(component)
		if err != nil || qty < 2 {
			continue
		}
		return newDetection(qty, components, i, "")
	}

	return nil
}

func splitLabel(label string) []string {
	parts := labelSeparators.Split(strings.TrimSpace(label), -1)
	components := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			components = append(components, part)
		}
	}
	return components
}

// submatchInt returns the first non-empty capture group as an integer.
func submatchInt(s string, loc []int) int {
	for g := 1; 2*g+1 < len(loc); g++ {
		start, end := loc[2*g], loc[2*g+1]
		if start < 0 {
			continue
		}
		n, err := strconv.Atoi(s[start:end])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func newDetection(qty int, components []string, matched int, remainder string) *Detection {
	rest := make([]string, 0, len(components))
	for i, c := range components {
		if i == matched {
			if remainder = strings.Trim(remainder, " -,"); remainder != "" {
				rest = append(rest, remainder)
			}
			continue
		}
		rest = append(rest, c)
	}

	d := &Detection{Quantity: qty}
	if len(rest) > 0 {
		key := strings.Join(rest, " / ")
		d.FinishKey = &key
	}
	return d
}

package volume

import (
	"sort"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// Member is a variant with its detected quantity.
type Member struct {
	Variant  model.Variant
	Quantity int
}

// Group is a set of variants that share a finish key and differ only in pack
// quantity. Members are sorted by ascending quantity and quantities are
// pairwise distinct; the first member is the base tier.
type Group struct {
	FinishKey string
	Members   []Member
}

// Base returns the lowest-quantity member.
func (g Group) Base() Member {
	return g.Members[0]
}

// Siblings returns every member except the base.
func (g Group) Siblings() []Member {
	return g.Members[1:]
}

// GroupVariants returns the quantity groups found among a product's variants.
// A product qualifies only when at least two of its variants carry distinct
// detected quantities.
func GroupVariants(variants []model.Variant) []Group {
	groups, _ := Partition(variants)
	return groups
}

// Partition splits a product's variants into quantity groups and the
// remaining variants that must be analyzed individually. The relative order of
// the remaining variants is preserved.
func Partition(variants []model.Variant) ([]Group, []model.Variant) {
	type detected struct {
		variant   model.Variant
		finishKey string
		quantity  int
	}

	var found []detected
	quantities := make(map[int]struct{})
	for _, v := range variants {
		d := DetectQuantity(v.Title)
		if d == nil {
			continue
		}
		found = append(found, detected{variant: v, finishKey: d.Key(), quantity: d.Quantity})
		quantities[d.Quantity] = struct{}{}
	}

	if len(quantities) < 2 {
		return nil, variants
	}

	var keys []string
	byKey := make(map[string][]Member)
	for _, d := range found {
		members, seen := byKey[d.finishKey]
		if !seen {
			keys = append(keys, d.finishKey)
		}
		duplicate := false
		for _, m := range members {
			if m.Quantity == d.quantity {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		byKey[d.finishKey] = append(members, Member{Variant: d.variant, Quantity: d.quantity})
	}

	grouped := make(map[string]struct{})
	var groups []Group
	for _, key := range keys {
		members := byKey[key]
		if len(members) < 2 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Quantity < members[j].Quantity
		})
		for _, m := range members {
			grouped[m.Variant.ID] = struct{}{}
		}
		groups = append(groups, Group{FinishKey: key, Members: members})
	}

	rest := make([]model.Variant, 0, len(variants)-len(grouped))
	for _, v := range variants {
		if _, ok := grouped[v.ID]; !ok {
			rest = append(rest, v)
		}
	}
	return groups, rest
}

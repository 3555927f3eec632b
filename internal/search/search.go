// Package search gathers competitor price signals for a product variant.
// One Searcher implementation exists per configured search mode.
package search

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
)

// Search modes.
const (
	ModeNone = "none"
	ModeAI   = "ai"
	ModeHTML = "html"
)

// Descriptor is the product description a search is run for.
type Descriptor struct {
	Title        string
	Vendor       string
	VariantTitle string
	Category     string
	Brand        string
	Tier         model.Tier
	Keywords     []string
}

// NewDescriptor builds a descriptor from catalog data and an optional identification.
func NewDescriptor(p model.Product, v model.Variant, ident *model.Identification) Descriptor {
	d := Descriptor{Title: p.Title, Vendor: p.Vendor}
	if v.Title != "" && v.Title != "Default Title" {
		d.VariantTitle = v.Title
	}
	if ident != nil {
		d.Category = ident.Category
		d.Brand = ident.Brand
		d.Tier = ident.Tier
		d.Keywords = ident.SearchKeywords
	}
	if d.Brand == "" {
		d.Brand = p.Vendor
	}
	return d
}

// Name returns the full product name including the variant label.
func (d Descriptor) Name() string {
	if d.VariantTitle == "" {
		return d.Title
	}
	return d.Title + " " + d.VariantTitle
}

// Query is one search request. When Queries is empty the searcher derives
// queries from the descriptor.
type Query struct {
	Descriptor Descriptor
	Queries    []string
}

// Result holds the competitor signals and the queries that produced them.
type Result struct {
	Competitors []model.Competitor `json:"competitors"`
	Queries     []string           `json:"queries"`
}

// Searcher finds competitor prices.
type Searcher interface {
	Search(ctx context.Context, q Query) (Result, error)
}

// Config selects and configures a searcher.
type Config struct {
	Mode          string
	Model         string // AI mode model override
	URLTemplate   string // HTML mode, %s receives the escaped query
	ItemSelector  string
	TitleSelector string
	PriceSelector string
	LinkSelector  string
	MaxResults    int
	MaxRetries    int
}

// New builds the searcher for cfg.Mode. Every external call is wrapped by limiter.
func New(cfg Config, client llm.Client, limiter *ratelimit.Limiter) (Searcher, error) {
	var s Searcher
	switch strings.ToLower(cfg.Mode) {
	case "", ModeNone:
		return None{}, nil
	case ModeAI:
		if client == nil {
			return nil, fmt.Errorf("%w: ai search mode needs an LLM client", common.ErrMissingConfig)
		}
		s = NewAISearcher(client, cfg.Model, cfg.MaxResults)
	case ModeHTML:
		h, err := NewHTMLSearcher(HTMLConfig{
			URLTemplate:   cfg.URLTemplate,
			ItemSelector:  cfg.ItemSelector,
			TitleSelector: cfg.TitleSelector,
			PriceSelector: cfg.PriceSelector,
			LinkSelector:  cfg.LinkSelector,
			MaxResults:    cfg.MaxResults,
		}, nil)
		if err != nil {
			return nil, err
		}
		s = h
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", common.ErrInvalidConfig, cfg.Mode)
	}
	if limiter == nil {
		return s, nil
	}
	return NewLimited(s, limiter, cfg.MaxRetries), nil
}

// None is the "none" mode: it never yields signals.
type None struct{}

// Search implements Searcher.
func (None) Search(_ context.Context, q Query) (Result, error) {
	return Result{Queries: queriesFor(q)}, nil
}

// Limited routes searches through a rate limiter.
type Limited struct {
	next       Searcher
	limiter    *ratelimit.Limiter
	maxRetries int
}

// NewLimited wraps s with limiter.
func NewLimited(s Searcher, limiter *ratelimit.Limiter, maxRetries int) *Limited {
	return &Limited{next: s, limiter: limiter, maxRetries: maxRetries}
}

// Search implements Searcher.
func (l *Limited) Search(ctx context.Context, q Query) (Result, error) {
	return ratelimit.Do(ctx, l.limiter, l.maxRetries, func(ctx context.Context) (Result, error) {
		return l.next.Search(ctx, q)
	})
}

// BuildQueries derives search queries from a descriptor, most specific first.
func BuildQueries(d Descriptor) []string {
	var queries []string
	add := func(parts ...string) {
		q := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		if q == "" {
			return
		}
		for _, existing := range queries {
			if strings.EqualFold(existing, q) {
				return
			}
		}
		queries = append(queries, q)
	}

	brand := d.Brand
	if brand != "" && strings.Contains(strings.ToLower(d.Title), strings.ToLower(brand)) {
		brand = ""
	}
	add(brand, d.Name())
	add(brand, d.Title)
	if len(d.Keywords) > 0 {
		add(strings.Join(d.Keywords, " "))
	}
	return queries
}

func queriesFor(q Query) []string {
	if len(q.Queries) > 0 {
		return q.Queries
	}
	return BuildQueries(q.Descriptor)
}

// Similarity returns the share of title tokens found in candidate, from 0 to 1.
func Similarity(title, candidate string) float64 {
	want := tokens(title)
	if len(want) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range tokens(candidate) {
		have[t] = struct{}{}
	}
	hits := 0
	for _, t := range want {
		if _, ok := have[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CacheKey identifies a query for result caching.
func CacheKey(q Query) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", q.Descriptor.Brand, q.Descriptor.Name(), strings.Join(queriesFor(q), "|"))
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

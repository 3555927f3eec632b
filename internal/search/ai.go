package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/model"
)

const aiSearchSystem = "You are a retail market researcher. You report current competitor prices for a product. " +
	"Only report listings you are confident exist. Respond with ONLY a JSON object."

// AISearcher asks a search-capable model for competitor listings.
type AISearcher struct {
	client     llm.Client
	model      string
	maxResults int
}

// NewAISearcher creates an AI-backed searcher.
func NewAISearcher(client llm.Client, model string, maxResults int) *AISearcher {
	if maxResults <= 0 {
		maxResults = 8
	}
	return &AISearcher{client: client, model: model, maxResults: maxResults}
}

type aiSearchResponse struct {
	Competitors []struct {
		Source string  `json:"source"`
		Title  string  `json:"title"`
		URL    string  `json:"url"`
		Price  float64 `json:"price"`
	} `json:"competitors"`
}

// Search implements Searcher.
func (s *AISearcher) Search(ctx context.Context, q Query) (Result, error) {
	queries := queriesFor(q)
	raw, err := s.client.Complete(ctx, s.prompt(q.Descriptor, queries), llm.Options{
		Model:           s.model,
		System:          aiSearchSystem,
		JSONMode:        true,
		ReasoningEffort: llm.ReasoningLow,
		MaxTokens:       2048,
	})
	if err != nil {
		return Result{}, fmt.Errorf("competitor search: %w", err)
	}

	var resp aiSearchResponse
	if err := llm.Extract(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("competitor search: %w", err)
	}

	result := Result{Queries: queries}
	for _, c := range resp.Competitors {
		if len(result.Competitors) >= s.maxResults {
			break
		}
		result.Competitors = append(result.Competitors, model.Competitor{
			Source: c.Source,
			Title:  c.Title,
			URL:    c.URL,
			Price:  c.Price,
			Match:  Similarity(q.Descriptor.Name(), c.Title),
		})
	}
	return result, nil
}

func (s *AISearcher) prompt(d Descriptor, queries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find competitor prices for this product.\n\nProduct: %s\n", d.Name())
	if d.Brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", d.Brand)
	}
	if d.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", d.Category)
	}
	b.WriteString("\nSearch queries:\n")
	for _, q := range queries {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	fmt.Fprintf(&b, "\nReturn up to %d listings for the same product and pack size as "+
		`{"competitors":[{"source":"store name","title":"listing title","url":"https://...","price":12.99}]}`+
		". Use an empty list when nothing comparable is found.", s.maxResults)
	return b.String()
}

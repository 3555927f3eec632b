package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/search"
)

var testModels = StageModels{
	Identify:        "small",
	Score:           "large",
	Reflect:         "small",
	Deliberate:      "large",
	ReasoningEffort: llm.ReasoningMedium,
}

func TestLLMStages_Identify(t *testing.T) {
	client := llm.NewMockClient().On("Identify this product", `Sure! {"category":"Supplements","brand":"Acme",
		"tier":"Premium","features":["5000 IU"],"searchKeywords":["vitamin d3"],}`)
	stages := NewLLMStages(client, testModels)

	ident, err := stages.Identify(context.Background(), model.Product{Title: "Vitamin D3", Vendor: "Acme", Tags: []string{"health"}})
	require.NoError(t, err)
	assert.Equal(t, "Supplements", ident.Category)
	assert.Equal(t, model.TierPremium, ident.Tier)
	assert.Equal(t, []string{"vitamin d3"}, ident.SearchKeywords)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "small", calls[0].Options.Model)
	assert.Equal(t, llm.ReasoningLow, calls[0].Options.ReasoningEffort)
	assert.True(t, calls[0].Options.JSONMode)
	assert.Contains(t, calls[0].Prompt, "Tags: health")

	t.Run("missing category", func(t *testing.T) {
		stages := NewLLMStages(llm.NewMockClient().Default(`{"brand":"Acme"}`), testModels)
		_, err := stages.Identify(context.Background(), model.Product{Title: "X"})
		assert.ErrorIs(t, err, llm.ErrUnparseable)
	})
}

func TestLLMStages_Score(t *testing.T) {
	client := llm.NewMockClient().Default("```json\n" +
		`{"price":24.5,"floor":0,"ceiling":29,"confidence":"High","reasoning":["median of 3 listings"]}` + "\n```")
	stages := NewLLMStages(client, testModels)

	s, err := stages.Score(context.Background(), ScoreInput{
		Product:        model.Product{Title: "Widget"},
		Variant:        model.Variant{Title: "Blue", Cost: 8},
		Identification: model.Identification{Category: "Gadgets"},
		Competitors:    competitors(22, 25, 27),
	})
	require.NoError(t, err)
	assert.Equal(t, 24.5, *s.Price)
	assert.Nil(t, s.Floor, "zero bounds are dropped")
	assert.Equal(t, 29.0, *s.Ceiling)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)

	prompt := client.Calls()[0].Prompt
	assert.Contains(t, prompt, "Widget (Blue)")
	assert.Contains(t, prompt, "Unit cost: $8.00")
	assert.Contains(t, prompt, "Tier: mid")
	assert.Equal(t, llm.ReasoningMedium, client.Calls()[0].Options.ReasoningEffort)
}

func TestLLMStages_Reflect(t *testing.T) {
	client := llm.NewMockClient().Default(`{"queries":["Widget Blue","widget blue ","acme widget",""]}`)
	stages := NewLLMStages(client, testModels)

	queries, err := stages.Reflect(context.Background(), search.Descriptor{Title: "Widget", VariantTitle: "Blue"},
		[]string{"Widget Blue"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme widget"}, queries, "tried and duplicate queries are removed")
	assert.Contains(t, client.Calls()[0].Prompt, "found only 1 priced listings")
}

func TestLLMStages_Deliberate(t *testing.T) {
	in := DeliberateInput{
		Prior:          &Score{Price: model.Float(11), Confidence: model.ConfidenceLow},
		Product:        model.Product{Title: "Widget"},
		Variant:        model.Variant{Cost: 10, CurrentPrice: 19.99},
		Identification: model.Identification{Category: "Gadgets", Tier: model.TierBudget},
	}

	t.Run("model answer", func(t *testing.T) {
		client := llm.NewMockClient().Default(`{"price":21,"confidence":"medium","reasoning":["tier norm"]}`)
		s, err := NewLLMStages(client, testModels).Deliberate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 21.0, *s.Price)
		assert.Equal(t, model.ConfidenceMedium, s.Confidence)

		prompt := client.Calls()[0].Prompt
		assert.Contains(t, prompt, "Previous estimate: $11.00 (low confidence)")
		assert.Contains(t, prompt, "Cost-based estimate: $18.00")
	})

	t.Run("unparseable answer falls back to heuristic", func(t *testing.T) {
		client := llm.NewMockClient().Default("I cannot help with that")
		s, err := NewLLMStages(client, testModels).Deliberate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 18.0, *s.Price)
		assert.Equal(t, model.ConfidenceLow, s.Confidence)
		assert.Contains(t, s.Reasoning[0], "budget tier")
	})

	t.Run("fatal error is returned", func(t *testing.T) {
		client := llm.NewMockClient().OnError("Widget", errors.New("invalid x-api-key"))
		_, err := NewLLMStages(client, testModels).Deliberate(context.Background(), in)
		require.Error(t, err)
	})

	t.Run("no cost and no current price", func(t *testing.T) {
		bare := in
		bare.Variant = model.Variant{}
		client := llm.NewMockClient().Default(`{"price":0}`)
		_, err := NewLLMStages(client, testModels).Deliberate(context.Background(), bare)
		require.Error(t, err)
	})
}

func TestHeuristicPrice(t *testing.T) {
	tests := []struct {
		name    string
		variant model.Variant
		tier    model.Tier
		want    float64
		ok      bool
	}{
		{name: "budget", variant: model.Variant{Cost: 10}, tier: model.TierBudget, want: 18, ok: true},
		{name: "mid", variant: model.Variant{Cost: 10}, tier: model.TierMid, want: 22, ok: true},
		{name: "premium", variant: model.Variant{Cost: 10}, tier: model.TierPremium, want: 28, ok: true},
		{name: "unknown tier is mid", variant: model.Variant{Cost: 5.55}, tier: "luxury", want: 12.21, ok: true},
		{name: "current price without cost", variant: model.Variant{CurrentPrice: 14.99}, want: 14.99, ok: true},
		{name: "nothing known", variant: model.Variant{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := HeuristicPrice(tt.variant, tt.tier)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

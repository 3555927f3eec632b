package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/common"
)

// anthropicClient implements Client for the Anthropic messages API.
type anthropicClient struct {
	httpClient *http.Client
	cfg        Config
}

// newAnthropicClient creates a new Anthropic API client.
func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key is required", common.ErrMissingConfig)
	}
	cfg = cfg.withDefaults("claude-sonnet-4-5", "https://api.anthropic.com")

	return &anthropicClient{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []openAIMessage    `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
}

// anthropicResponse represents the Anthropic API response structure.
type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// thinkingBudgets maps reasoning effort onto extended thinking token budgets.
var thinkingBudgets = map[ReasoningEffort]int{
	ReasoningLow:    1024,
	ReasoningMedium: 4096,
	ReasoningHigh:   8192,
	ReasoningXHigh:  16384,
}

// Complete sends a messages request to Anthropic.
func (c *anthropicClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	reqBody := anthropicRequest{
		Model:     pick(opts.Model, c.cfg.Model),
		MaxTokens: pickInt(opts.MaxTokens, c.cfg.MaxTokens),
		System:    opts.System,
		Messages:  []openAIMessage{{Role: "user", Content: prompt}},
	}
	if opts.JSONMode {
		reqBody.System = strings.TrimSpace(reqBody.System + "\n\nRespond with ONLY a valid JSON object. Start your response with { and end with }.")
	}
	if budget, ok := thinkingBudgets[opts.ReasoningEffort]; ok {
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// The response budget must exceed the thinking budget.
		reqBody.MaxTokens += budget
	} else {
		temp := c.cfg.Temperature
		reqBody.Temperature = &temp
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	body, err := doRequest(c.httpClient, req, "anthropic")
	if err != nil {
		return "", err
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("no content in response")
	}
	return text.String(), nil
}

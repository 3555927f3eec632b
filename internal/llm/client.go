package llm

import (
	"context"
	"fmt"
	"time"
)

// ReasoningEffort hints how much reasoning a model should spend on a request.
type ReasoningEffort string

// Reasoning effort levels.
const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
	ReasoningXHigh  ReasoningEffort = "xhigh"
)

// ParseReasoningEffort validates an effort name. Empty means none.
func ParseReasoningEffort(s string) (ReasoningEffort, error) {
	switch e := ReasoningEffort(s); e {
	case ReasoningNone, ReasoningLow, ReasoningMedium, ReasoningHigh, ReasoningXHigh:
		return e, nil
	case "":
		return ReasoningNone, nil
	default:
		return "", fmt.Errorf("unknown reasoning effort %q", s)
	}
}

// Options are per-request completion settings. Zero values fall back to the
// client configuration.
type Options struct {
	Model           string
	System          string
	ReasoningEffort ReasoningEffort
	MaxTokens       int
	JSONMode        bool
}

// Client completes a prompt and returns the raw model text.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Config configures a provider client.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string // Overrides the provider endpoint, mainly for tests
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults(model, baseURL string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	return c
}

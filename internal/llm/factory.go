package llm

import (
	"fmt"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
)

// NewClient creates a provider client based on the provided configuration.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		client, err := newOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := newAnthropicClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("%w: unsupported LLM provider: %q", common.ErrInvalidConfig, cfg.Provider)
	}
}

// NewLimitedClient creates a provider client whose calls go through limiter.
func NewLimitedClient(cfg Config, limiter *ratelimit.Limiter, maxRetries int) (Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewLimited(client, limiter, maxRetries), nil
}

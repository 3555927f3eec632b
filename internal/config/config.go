// Package config loads the typed application configuration from viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/pipeline"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
	"github.com/Veraticus/the-price-must-flow/internal/search"
	"github.com/Veraticus/the-price-must-flow/internal/shopify"
	"github.com/Veraticus/the-price-must-flow/internal/volume"
)

// EnvPrefix is the prefix of environment variable overrides, e.g. REPRICE_BATCH_CONCURRENCY.
const EnvPrefix = "REPRICE"

// Config is the complete application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Shopify    ShopifyConfig    `mapstructure:"shopify"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Volume     VolumeConfig     `mapstructure:"volume"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig locates the local SQLite mirror.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LLMConfig configures the AI provider and the model used by each stage.
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	BaseURL         string        `mapstructure:"base_url"`
	ReasoningEffort string        `mapstructure:"reasoning_effort"`
	Models          StageModels   `mapstructure:"models"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// StageModels overrides the model per pipeline stage. Empty means LLMConfig.Model.
type StageModels struct {
	Identify   string `mapstructure:"identify"`
	Score      string `mapstructure:"score"`
	Reflect    string `mapstructure:"reflect"`
	Deliberate string `mapstructure:"deliberate"`
	Search     string `mapstructure:"search"`
}

// SearchConfig configures competitor search.
type SearchConfig struct {
	Mode          string `mapstructure:"mode"`
	URLTemplate   string `mapstructure:"url_template"`
	ItemSelector  string `mapstructure:"item_selector"`
	TitleSelector string `mapstructure:"title_selector"`
	PriceSelector string `mapstructure:"price_selector"`
	LinkSelector  string `mapstructure:"link_selector"`
	MaxResults    int    `mapstructure:"max_results"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

// ShopifyConfig configures the price-of-record writer.
type ShopifyConfig struct {
	Shop        string        `mapstructure:"shop"`
	AccessToken string        `mapstructure:"access_token"`
	APIVersion  string        `mapstructure:"api_version"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PageSize    int           `mapstructure:"page_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// LimitConfig bounds one external dependency.
type LimitConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxPerMinute  int           `mapstructure:"max_per_minute"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

// LimitsConfig holds one limit per dependency.
type LimitsConfig struct {
	AI        LimitConfig `mapstructure:"ai"`
	Search    LimitConfig `mapstructure:"search"`
	Ecommerce LimitConfig `mapstructure:"ecommerce"`
}

// BatchConfig tunes the batch controller.
type BatchConfig struct {
	ReportDir   string `mapstructure:"report_dir"`
	Concurrency int    `mapstructure:"concurrency"`
	Checkpoint  bool   `mapstructure:"checkpoint"`
}

// VolumeConfig tunes the volume tier curve.
type VolumeConfig struct {
	Rounding       string  `mapstructure:"rounding"`
	Exponent       float64 `mapstructure:"exponent"`
	MaxDiscountPct float64 `mapstructure:"max_discount_pct"`
}

// GuardrailsConfig bounds suggested prices.
type GuardrailsConfig struct {
	MinMargin          float64 `mapstructure:"min_margin"`
	WarnAboveCompareAt bool    `mapstructure:"warn_above_compare_at"`
}

// CacheConfig selects the search result cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "~/.local/share/reprice/reprice.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.reasoning_effort", string(llm.ReasoningMedium))

	v.SetDefault("search.mode", search.ModeNone)
	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.max_retries", 3)

	v.SetDefault("shopify.api_version", shopify.DefaultAPIVersion)
	v.SetDefault("shopify.timeout", 30*time.Second)
	v.SetDefault("shopify.page_size", 250)
	v.SetDefault("shopify.max_retries", 3)

	for dep, limit := range map[string]LimitConfig{
		"ai":        {MaxConcurrent: 8, MaxPerMinute: 500},
		"search":    {MaxConcurrent: 4, MaxPerMinute: 60},
		"ecommerce": {MaxConcurrent: 2, MaxPerMinute: 120},
	} {
		v.SetDefault("limits."+dep+".max_concurrent", limit.MaxConcurrent)
		v.SetDefault("limits."+dep+".max_per_minute", limit.MaxPerMinute)
		v.SetDefault("limits."+dep+".base_backoff", time.Second)
		v.SetDefault("limits."+dep+".max_backoff", 30*time.Second)
	}

	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.report_dir", "~/.local/share/reprice/reports")
	v.SetDefault("batch.checkpoint", true)

	v.SetDefault("volume.exponent", volume.DefaultExponent)
	v.SetDefault("volume.rounding", string(volume.RoundingNearestDollar))
	v.SetDefault("volume.max_discount_pct", volume.DefaultMaxDiscountPct)

	v.SetDefault("guardrails.min_margin", 0.0)
	v.SetDefault("guardrails.warn_above_compare_at", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_entries", 10000)

	// Keys without a useful default still need registering so that
	// AutomaticEnv overrides reach Unmarshal.
	for _, key := range []string{
		"llm.api_key", "llm.model", "llm.base_url",
		"shopify.shop", "shopify.access_token",
		"search.url_template", "cache.redis_addr", "cache.redis_password",
		"metrics.addr",
	} {
		v.SetDefault(key, "")
	}
}

// Load decodes v into a Config, fills credentials from the providers'
// conventional environment variables and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.Shopify.AccessToken == "" {
		cfg.Shopify.AccessToken = os.Getenv("SHOPIFY_ACCESS_TOKEN")
	}
	if cfg.Shopify.Shop == "" {
		cfg.Shopify.Shop = os.Getenv("SHOPIFY_SHOP")
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Batch.ReportDir = ExpandPath(cfg.Batch.ReportDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
// Credentials are checked by the commands that need them.
func (c *Config) Validate() error {
	var errs []error
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}
	if _, err := llm.ParseReasoningEffort(c.LLM.ReasoningEffort); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Search.Mode) {
	case search.ModeNone, search.ModeAI, search.ModeHTML:
	default:
		errs = append(errs, fmt.Errorf("unknown search mode %q", c.Search.Mode))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("redis cache backend needs cache.redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be at least 1, got %d", c.Batch.Concurrency))
	}
	if _, err := c.VolumeSettings(); err != nil {
		errs = append(errs, err)
	}
	for name, l := range map[string]LimitConfig{"ai": c.Limits.AI, "search": c.Limits.Search, "ecommerce": c.Limits.Ecommerce} {
		if l.MaxConcurrent <= 0 || l.MaxPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("limits.%s must allow at least one call", name))
		}
	}
	if c.Guardrails.MinMargin < 0 {
		errs = append(errs, fmt.Errorf("guardrails.min_margin must not be negative, got %v", c.Guardrails.MinMargin))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	return nil
}

// RateLimit converts a limit into a limiter configuration.
func (l LimitConfig) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent: l.MaxConcurrent,
		MaxPerMinute:  l.MaxPerMinute,
		BaseBackoff:   l.BaseBackoff,
		MaxBackoff:    l.MaxBackoff,
	}
}

// VolumeSettings converts the volume section into formula settings.
func (c *Config) VolumeSettings() (volume.Settings, error) {
	rounding, err := volume.ParseRounding(c.Volume.Rounding)
	if err != nil {
		return volume.Settings{}, err
	}
	if c.Volume.Exponent <= 0 || c.Volume.Exponent > 1 {
		return volume.Settings{}, fmt.Errorf("%w: volume.exponent must be in (0, 1], got %v", volume.ErrInvalidInput, c.Volume.Exponent)
	}
	return volume.Settings{
		Rounding:       rounding,
		Exponent:       c.Volume.Exponent,
		MaxDiscountPct: c.Volume.MaxDiscountPct,
	}, nil
}

// LLMClientConfig returns the provider client configuration.
func (c *Config) LLMClientConfig() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		APIKey:   c.LLM.APIKey,
		Model:    c.LLM.Model,
		BaseURL:  c.LLM.BaseURL,
		Timeout:  c.LLM.Timeout,
	}
}

// StageModels returns the model used by each pipeline stage.
func (c *Config) StageModels() pipeline.StageModels {
	pick := func(m string) string {
		if m != "" {
			return m
		}
		return c.LLM.Model
	}
	effort, _ := llm.ParseReasoningEffort(c.LLM.ReasoningEffort)
	return pipeline.StageModels{
		Identify:        pick(c.LLM.Models.Identify),
		Score:           pick(c.LLM.Models.Score),
		Reflect:         pick(c.LLM.Models.Reflect),
		Deliberate:      pick(c.LLM.Models.Deliberate),
		ReasoningEffort: effort,
	}
}

// SearchConfig returns the searcher configuration.
func (c *Config) SearchConfig() search.Config {
	model := c.LLM.Models.Search
	if model == "" {
		model = c.LLM.Model
	}
	return search.Config{
		Mode:          c.Search.Mode,
		Model:         model,
		URLTemplate:   c.Search.URLTemplate,
		ItemSelector:  c.Search.ItemSelector,
		TitleSelector: c.Search.TitleSelector,
		PriceSelector: c.Search.PriceSelector,
		LinkSelector:  c.Search.LinkSelector,
		MaxResults:    c.Search.MaxResults,
		MaxRetries:    c.Search.MaxRetries,
	}
}

// ShopifyClientConfig returns the storefront client configuration.
func (c *Config) ShopifyClientConfig() shopify.Config {
	return shopify.Config{
		Shop:        c.Shopify.Shop,
		AccessToken: c.Shopify.AccessToken,
		APIVersion:  c.Shopify.APIVersion,
		Timeout:     c.Shopify.Timeout,
		PageSize:    c.Shopify.PageSize,
		MaxRetries:  c.Shopify.MaxRetries,
	}
}

// PriceGuardrails returns the pipeline price guardrails.
func (c *Config) PriceGuardrails() pipeline.Guardrails {
	return pipeline.Guardrails{
		MinMargin:          c.Guardrails.MinMargin,
		WarnAboveCompareAt: c.Guardrails.WarnAboveCompareAt,
	}
}

// ExpandPath expands a leading ~ and environment variables in a file path.
func ExpandPath(path string) string {
	switch {
	case path == "":
		return path
	case path == "~" || strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return os.ExpandEnv(path)
}

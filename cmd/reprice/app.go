package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Veraticus/the-price-must-flow/internal/apply"
	"github.com/Veraticus/the-price-must-flow/internal/cache"
	"github.com/Veraticus/the-price-must-flow/internal/config"
	"github.com/Veraticus/the-price-must-flow/internal/llm"
	"github.com/Veraticus/the-price-must-flow/internal/metrics"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/pipeline"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
	"github.com/Veraticus/the-price-must-flow/internal/search"
	"github.com/Veraticus/the-price-must-flow/internal/service"
	"github.com/Veraticus/the-price-must-flow/internal/shopify"
	"github.com/Veraticus/the-price-must-flow/internal/storage"
)

// app owns the long-lived collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	store   *storage.SQLiteStorage
	metrics *metrics.Metrics
	limits  *ratelimit.Set
	logger  *slog.Logger
	closers []func()
}

// newApp opens and migrates the database and builds the dependency limiters.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	m := metrics.New()
	limits, err := ratelimit.NewSet(
		cfg.Limits.AI.RateLimit(),
		cfg.Limits.Search.RateLimit(),
		cfg.Limits.Ecommerce.RateLimit(),
		m,
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		store:   store,
		metrics: m,
		limits:  limits,
		logger:  slog.Default(),
	}, nil
}

// Close releases everything the app opened, last opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

// analyzer builds the per-variant pipeline. Stage events go to stageEvents
// when it is non-nil.
func (a *app) analyzer(ctx context.Context, stageEvents chan<- pipeline.Event) (*pipeline.Analyzer, error) {
	llmCfg := a.cfg.LLMClientConfig()
	client, err := llm.NewLimitedClient(llmCfg, a.limits.AI, a.cfg.LLM.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	// AI search runs under the search limiter, so it gets an unwrapped client.
	var searchClient llm.Client
	if strings.EqualFold(a.cfg.Search.Mode, search.ModeAI) {
		if searchClient, err = llm.NewClient(llmCfg); err != nil {
			return nil, fmt.Errorf("failed to create search client: %w", err)
		}
	}
	searcher, err := search.New(a.cfg.SearchConfig(), searchClient, a.limits.Search)
	if err != nil {
		return nil, fmt.Errorf("failed to create searcher: %w", err)
	}
	if _, none := searcher.(search.None); !none {
		results, err := a.searchCache(ctx)
		if err != nil {
			return nil, err
		}
		searcher = search.NewCached(searcher, results, a.logger.With("component", "search_cache"))
	}

	identities := cache.NewMemory[model.Identification](cache.Options{
		TTL:        a.cfg.Cache.TTL,
		MaxEntries: a.cfg.Cache.MaxEntries,
	})
	a.closers = append(a.closers, identities.Close)
	if err := a.metrics.RegisterCache("identity", identities); err != nil {
		return nil, err
	}

	stages := pipeline.NewLLMStages(client, a.cfg.StageModels())
	return pipeline.NewAnalyzer(pipeline.Deps{
		Identifier:  stages,
		Searcher:    searcher,
		Scorer:      stages,
		Reflector:   stages,
		Deliberator: stages,
		Identities:  identities,
		Events:      stageEvents,
		Logger:      a.logger.With("component", "pipeline"),
		Guardrails:  a.cfg.PriceGuardrails(),
	})
}

// searchCache returns the configured search result store.
func (a *app) searchCache(ctx context.Context) (cache.Store[search.Result], error) {
	switch strings.ToLower(a.cfg.Cache.Backend) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Cache.RedisAddr, err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("Failed to close redis client", "error", err)
			}
		})
		return cache.NewRedis[search.Result](client, "reprice:search:", a.cfg.Cache.TTL), nil
	default:
		results := cache.NewMemory[search.Result](cache.Options{
			TTL:        a.cfg.Cache.TTL,
			MaxEntries: a.cfg.Cache.MaxEntries,
		})
		a.closers = append(a.closers, results.Close)
		if err := a.metrics.RegisterCache("search", results); err != nil {
			return nil, err
		}
		return results, nil
	}
}

// shopify returns a storefront client under the ecommerce limiter.
func (a *app) shopify() (*shopify.Client, error) {
	client, err := shopify.NewClient(a.cfg.ShopifyClientConfig(), a.limits.Ecommerce)
	if err != nil {
		return nil, fmt.Errorf("failed to create shopify client: %w", err)
	}
	return client, nil
}

// applier writes to Shopify, or only to the local mirror when localOnly is set.
func (a *app) applier(localOnly bool) (*apply.Applier, error) {
	var writer service.PriceWriter = a.store
	if !localOnly {
		client, err := a.shopify()
		if err != nil {
			return nil, err
		}
		writer = client
	}
	return apply.NewApplier(writer, a.store, a.logger.With("component", "apply")), nil
}

// logStageEvents logs pipeline stage transitions at debug level until events
// is closed.
func logStageEvents(events <-chan pipeline.Event) {
	for e := range events {
		slog.Debug("Pipeline stage",
			"stage", e.Stage,
			"kind", e.Kind,
			"product_id", e.ProductID,
			"variant_id", e.VariantID,
			"detail", e.Detail)
	}
}

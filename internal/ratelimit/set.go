package ratelimit

import "fmt"

// Dependency names used for the per-dependency limiters.
const (
	DependencyAI        = "ai"
	DependencySearch    = "search"
	DependencyEcommerce = "ecommerce"
)

// Set holds one independent limiter per external dependency.
type Set struct {
	AI        *Limiter
	Search    *Limiter
	Ecommerce *Limiter
}

// NewSet builds the three dependency limiters. Config names are overwritten
// with the dependency they guard.
func NewSet(ai, search, ecommerce Config, observer Observer) (*Set, error) {
	build := func(name string, cfg Config) (*Limiter, error) {
		cfg.Name = name
		l, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("%s limiter: %w", name, err)
		}
		if observer != nil {
			l.WithObserver(observer)
		}
		return l, nil
	}

	aiLimiter, err := build(DependencyAI, ai)
	if err != nil {
		return nil, err
	}
	searchLimiter, err := build(DependencySearch, search)
	if err != nil {
		return nil, err
	}
	ecommerceLimiter, err := build(DependencyEcommerce, ecommerce)
	if err != nil {
		return nil, err
	}

	return &Set{
		AI:        aiLimiter,
		Search:    searchLimiter,
		Ecommerce: ecommerceLimiter,
	}, nil
}

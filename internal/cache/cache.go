// Package cache provides the injectable per-run caches used by the analysis
// pipeline: product identifications and competitor search results.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store is a keyed cache with expiring entries. Implementations must be safe
// for concurrent use; concurrent writers of the same key are allowed and the
// last write wins.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
}

// Options configures a memory store.
type Options struct {
	// TTL is how long an entry stays valid. Defaults to 15 minutes.
	TTL time.Duration
	// MaxEntries bounds the store; when full the entry closest to expiry is
	// evicted. Zero means unbounded.
	MaxEntries int
	// CleanupInterval is how often expired entries are swept. Defaults to TTL/2,
	// at most 5 minutes.
	CleanupInterval time.Duration
}

type entry[T any] struct {
	expiry time.Time
	value  T
}

// Memory is an in-process Store with TTL expiry and bounded size.
type Memory[T any] struct {
	entries    map[string]entry[T]
	stopCh     chan struct{}
	ttl        time.Duration
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	mu         sync.RWMutex
	stopOnce   sync.Once
}

// NewMemory creates a memory store and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemory[T any](opts Options) *Memory[T] {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = opts.TTL / 2
		if opts.CleanupInterval > 5*time.Minute {
			opts.CleanupInterval = 5 * time.Minute
		}
	}

	m := &Memory[T]{
		entries:    make(map[string]entry[T]),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		stopCh:     make(chan struct{}),
	}
	go m.cleanup(opts.CleanupInterval)
	return m
}

// Get returns the cached value if present and not expired.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiry) {
		m.misses++
		var zero T
		return zero, false, nil
	}
	m.hits++
	return e.value, true, nil
}

// Set stores a value, evicting the entry closest to expiry when full.
func (m *Memory[T]) Set(_ context.Context, key string, value T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[key] = entry[T]{value: value, expiry: time.Now().Add(m.ttl)}
	return nil
}

// Delete removes a key.
func (m *Memory[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats reports lookups and evictions since creation.
func (m *Memory[T]) Stats() (hits, misses, evictions int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses, m.evictions
}

// Clear removes all entries.
func (m *Memory[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry[T])
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *Memory[T]) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Memory[T]) evictLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, e := range m.entries {
		if !found || e.expiry.Before(oldest) {
			victim, oldest, found = k, e.expiry, true
		}
	}
	if found {
		delete(m.entries, victim)
		m.evictions++
	}
}

func (m *Memory[T]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, e := range m.entries {
				if now.After(e.expiry) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

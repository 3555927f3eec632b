// Package ratelimit bounds concurrent and per-window throughput to a single
// external dependency and retries calls that fail with an overload signal.
//
// Each dependency (AI provider, search provider, storefront API) gets its own
// Limiter. Limiters never share state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/common"
)

var (
	// ErrInvalidLimit is returned when a limiter is configured with a non-positive bound.
	ErrInvalidLimit = errors.New("invalid rate limit")
	// ErrRetriesExhausted wraps the last transient failure once all retries are used.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Config describes the limits of one external dependency.
type Config struct {
	Name          string
	MaxConcurrent int
	MaxPerMinute  int
	// Window is the sliding window MaxPerMinute applies to. Defaults to one minute.
	Window      time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Observer receives limiter telemetry. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveWait(limiter string, wait time.Duration)
	ObserveRetry(limiter string)
	SetActive(limiter string, active int)
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Active     int
	Waiting    int
	InWindow   int
	PeakActive int
	Started    int64
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter bounds in-flight calls and call starts per sliding window.
// Waiters are served strictly in arrival order.
type Limiter struct {
	timer    *time.Timer
	observer Observer
	logger   *slog.Logger
	onGrant  func(time.Time)
	name     string
	starts   []time.Time
	waiters  []*waiter

	maxConcurrent int
	maxPerWindow  int
	window        time.Duration
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	active     int
	peakActive int
	started    int64
	mu         sync.Mutex
}

// New creates a limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if cfg.MaxPerMinute <= 0 {
		return nil, fmt.Errorf("%w: %s max per minute must be positive, got %d", ErrInvalidLimit, cfg.Name, cfg.MaxPerMinute)
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: %s max concurrent must be positive, got %d", ErrInvalidLimit, cfg.Name, cfg.MaxConcurrent)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	return &Limiter{
		name:          cfg.Name,
		maxConcurrent: cfg.MaxConcurrent,
		maxPerWindow:  cfg.MaxPerMinute,
		window:        cfg.Window,
		baseBackoff:   cfg.BaseBackoff,
		maxBackoff:    cfg.MaxBackoff,
		logger:        slog.Default(),
	}, nil
}

// WithObserver attaches a telemetry sink and returns the limiter.
func (l *Limiter) WithObserver(o Observer) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = o
	return l
}

// Name returns the dependency name the limiter guards.
func (l *Limiter) Name() string {
	return l.name
}

// Execute runs op once a slot is available, retrying transient failures up to
// maxRetries times. Every retry takes a fresh slot; the slot is never held
// while backing off.
func (l *Limiter) Execute(ctx context.Context, op func(context.Context) error, maxRetries int) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		err := l.runOnce(ctx, op)
		if err == nil {
			return nil
		}
		if !common.IsTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%s: %w after %d attempts: %w", l.name, ErrRetriesExhausted, attempt+1, err)
		}

		delay := common.Backoff(l.baseBackoff, l.maxBackoff, 2.0, attempt)
		l.logger.Warn("transient failure, backing off",
			"limiter", l.name,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err)
		if o := l.getObserver(); o != nil {
			o.ObserveRetry(l.name)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, l *Limiter, maxRetries int, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, maxRetries)
	return out, err
}

func (l *Limiter) runOnce(ctx context.Context, op func(context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return op(ctx)
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(time.Now())
	return Stats{
		Active:     l.active,
		Waiting:    len(l.waiters),
		InWindow:   len(l.starts),
		PeakActive: l.peakActive,
		Started:    l.started,
	}
}

func (l *Limiter) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	begin := time.Now()
	l.mu.Lock()
	if len(l.waiters) == 0 && l.canStartLocked(begin) {
		l.startLocked(begin)
		l.mu.Unlock()
		l.observeWait(0)
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		l.observeWait(time.Since(begin))
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Granted concurrently with cancellation: hand the slot back.
			l.mu.Unlock()
			l.release()
			return ctx.Err()
		}
		l.removeWaiterLocked(w)
		l.dispatchLocked()
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	if l.observer != nil {
		l.observer.SetActive(l.name, l.active)
	}
	l.dispatchLocked()
}

// dispatchLocked grants slots to queued waiters in FIFO order. When the head
// waiter is blocked only by the window, a timer wakes the dispatcher as soon
// as the oldest start leaves the window.
func (l *Limiter) dispatchLocked() {
	now := time.Now()
	for len(l.waiters) > 0 && l.canStartLocked(now) {
		w := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		l.startLocked(now)
		w.granted = true
		close(w.ready)
	}

	if len(l.waiters) == 0 || l.active >= l.maxConcurrent || l.timer != nil {
		return
	}

	// Concurrency is available, so the window is what blocks the head.
	wait := l.starts[0].Add(l.window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	l.timer = time.AfterFunc(wait, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.timer = nil
		l.dispatchLocked()
	})
}

func (l *Limiter) canStartLocked(now time.Time) bool {
	if l.active >= l.maxConcurrent {
		return false
	}
	l.pruneLocked(now)
	return len(l.starts) < l.maxPerWindow
}

func (l *Limiter) startLocked(now time.Time) {
	l.starts = append(l.starts, now)
	l.active++
	l.started++
	if l.active > l.peakActive {
		l.peakActive = l.active
	}
	if l.onGrant != nil {
		l.onGrant(now)
	}
	if l.observer != nil {
		l.observer.SetActive(l.name, l.active)
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}

func (l *Limiter) removeWaiterLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

func (l *Limiter) getObserver() Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observer
}

func (l *Limiter) observeWait(d time.Duration) {
	if o := l.getObserver(); o != nil {
		o.ObserveWait(l.name, d)
	}
}

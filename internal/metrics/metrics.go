// Package metrics exposes Prometheus collectors for the limiters, the batch
// controller and the caches, plus the /metrics HTTP endpoint.
//
// Limiter metrics:
//   - reprice_limiter_wait_seconds{limiter} (Histogram): time spent waiting for a slot
//   - reprice_limiter_retries_total{limiter} (Counter): transient retries
//   - reprice_limiter_active{limiter} (Gauge): calls in flight
//
// Batch metrics:
//   - reprice_variants_total{method, outcome} (Counter): variant outcomes
//   - reprice_product_duration_seconds (Histogram): wall time per product task
//   - reprice_fatal_total (Counter): fatal provider errors that halted dispatch
//
// Cache metrics:
//   - reprice_cache_hits_total{cache}, reprice_cache_misses_total{cache},
//     reprice_cache_evictions_total{cache} (CounterFunc)
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/the-price-must-flow/internal/batch"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
)

const namespace = "reprice"

var (
	_ ratelimit.Observer = (*Metrics)(nil)
	_ batch.Observer     = (*Metrics)(nil)
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	limiterWait    *prometheus.HistogramVec
	limiterRetries *prometheus.CounterVec
	limiterActive  *prometheus.GaugeVec

	variants        *prometheus.CounterVec
	productDuration prometheus.Histogram
	fatal           prometheus.Counter
}

// New registers all collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		limiterWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting for a limiter slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"limiter"}),
		limiterRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_retries_total",
			Help:      "Transient failures retried by a limiter",
		}, []string{"limiter"}),
		limiterActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_active",
			Help:      "Calls currently holding a limiter slot",
		}, []string{"limiter"}),
		variants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variants_total",
			Help:      "Variant outcomes by pricing method",
		}, []string{"method", "outcome"}),
		productDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "product_duration_seconds",
			Help:      "Wall time to price all variants of a product",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		fatal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Fatal provider errors that stopped dispatch",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveWait implements ratelimit.Observer.
func (m *Metrics) ObserveWait(limiter string, wait time.Duration) {
	m.limiterWait.WithLabelValues(limiter).Observe(wait.Seconds())
}

// ObserveRetry implements ratelimit.Observer.
func (m *Metrics) ObserveRetry(limiter string) {
	m.limiterRetries.WithLabelValues(limiter).Inc()
}

// SetActive implements ratelimit.Observer.
func (m *Metrics) SetActive(limiter string, active int) {
	m.limiterActive.WithLabelValues(limiter).Set(float64(active))
}

// VariantProcessed implements batch.Observer.
func (m *Metrics) VariantProcessed(method model.PricingMethod, outcome string) {
	m.variants.WithLabelValues(string(method), outcome).Inc()
}

// ProductProcessed implements batch.Observer.
func (m *Metrics) ProductProcessed(d time.Duration) {
	m.productDuration.Observe(d.Seconds())
}

// FatalDetected implements batch.Observer.
func (m *Metrics) FatalDetected() {
	m.fatal.Inc()
}

// CacheStats is satisfied by cache.Memory.
type CacheStats interface {
	Stats() (hits, misses, evictions int64)
}

// RegisterCache exports the counters of a cache under the given name.
func (m *Metrics) RegisterCache(name string, c CacheStats) error {
	read := func(pick func(h, mi, e int64) int64) func() float64 {
		return func() float64 {
			h, mi, e := c.Stats()
			return float64(pick(h, mi, e))
		}
	}
	cols := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Cache hits",
			ConstLabels: prometheus.Labels{"cache": name},
		}, read(func(h, _, _ int64) int64 { return h })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Cache misses",
			ConstLabels: prometheus.Labels{"cache": name},
		}, read(func(_, mi, _ int64) int64 { return mi })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_evictions_total",
			Help:        "Entries evicted to respect the size bound",
			ConstLabels: prometheus.Labels{"cache": name},
		}, read(func(_, _, e int64) int64 { return e })),
	}
	for _, col := range cols {
		if err := m.registry.Register(col); err != nil {
			return fmt.Errorf("register %s cache metrics: %w", name, err)
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}

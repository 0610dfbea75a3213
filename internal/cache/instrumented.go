package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/skillnet/skillnet-agent/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total content cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Content cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Cache with metrics instrumentation. The cache name
// distinguishes several caches of the same type.
type Instrumented[T any] struct {
	wrapped   Cache[T]
	cacheType string
	name      string
}

// NewInstrumented creates an instrumented cache wrapper.
func NewInstrumented[T any](c Cache[T], cacheType, name string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped:   c,
		cacheType: cacheType,
		name:      name,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()
	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.observe(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.observe(ctx, "set", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.observe(ctx, "invalidate", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) observe(ctx context.Context, operation, status string, duration time.Duration) {
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.name", i.name),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.name", i.name),
				attribute.String("cache.operation", operation),
			),
		)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cache."+i.name+"."+operation, status),
	)
}

package credential

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
	storeOperations metric.Int64Counter
	storeDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/skillnet/skillnet-agent/internal/credential")

		var err error
		storeOperations, err = meter.Int64Counter(
			"credential.operations",
			metric.WithDescription("Total credential store operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storeDuration, err = meter.Float64Histogram(
			"credential.operation.duration",
			metric.WithDescription("Credential store operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics instrumentation. Credential values
// are never recorded.
type Instrumented struct {
	wrapped   Store
	storeType string
}

// NewInstrumented creates an instrumented store wrapper.
func NewInstrumented(store Store, storeType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   store,
		storeType: storeType,
	}
}

func (i *Instrumented) Set(ctx context.Context, records ...Record) error {
	start := time.Now()

	err := i.wrapped.Set(ctx, records...)

	i.record(ctx, "set", statusOf(err), time.Since(start))

	return err
}

func (i *Instrumented) Get(ctx context.Context, name string) (Record, bool, error) {
	start := time.Now()

	rec, found, err := i.wrapped.Get(ctx, name)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return rec, found, err
}

func (i *Instrumented) Delete(ctx context.Context, names ...string) error {
	start := time.Now()

	err := i.wrapped.Delete(ctx, names...)

	i.record(ctx, "delete", statusOf(err), time.Since(start))

	return err
}

func (i *Instrumented) Close() error {
	return i.wrapped.Close()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented) record(ctx context.Context, operation, status string, duration time.Duration) {
	if storeOperations != nil {
		storeOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("credential.store", i.storeType),
				attribute.String("credential.operation", operation),
				attribute.String("credential.status", status),
			),
		)
	}

	if storeDuration != nil {
		storeDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("credential.store", i.storeType),
				attribute.String("credential.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("credential.store", i.storeType),
		attribute.String("credential."+operation+".status", status),
	)
}

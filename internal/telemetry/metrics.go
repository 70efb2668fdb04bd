// Package telemetry holds the OpenTelemetry instruments recorded by the
// sampler. Instruments come from the global meter provider unless one is
// passed in, so they are no-ops until an SDK provider is installed.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used for memwatch instruments.
const InstrumentationName = "github.com/thruflo/memwatch"

// Metric names.
const (
	MetricIterations = "memwatch.sampler.iterations"
	MetricActions    = "memwatch.sampler.actions"
	MetricFailures   = "memwatch.sampler.failures"
)

// SamplerMetrics counts sampler iterations, provider actions and provider
// failures. A nil *SamplerMetrics is valid and records nothing.
type SamplerMetrics struct {
	iterations metric.Int64Counter
	actions    metric.Int64Counter
	failures   metric.Int64Counter
}

// NewSamplerMetrics creates the sampler instruments on meter.
func NewSamplerMetrics(meter metric.Meter) (*SamplerMetrics, error) {
	var (
		m   SamplerMetrics
		err error
	)

	m.iterations, err = meter.Int64Counter(MetricIterations,
		metric.WithDescription("Completed sampler loop iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricIterations, err)
	}

	m.actions, err = meter.Int64Counter(MetricActions,
		metric.WithDescription("Sampler provider actions that completed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricActions, err)
	}

	m.failures, err = meter.Int64Counter(MetricFailures,
		metric.WithDescription("Sampler provider actions that failed with a non-cancellation error"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricFailures, err)
	}

	return &m, nil
}

// NewGlobalSamplerMetrics creates the instruments on the global meter provider.
func NewGlobalSamplerMetrics() (*SamplerMetrics, error) {
	return NewSamplerMetrics(otel.Meter(InstrumentationName))
}

// Iteration records one completed loop iteration.
func (m *SamplerMetrics) Iteration(ctx context.Context) {
	if m == nil {
		return
	}
	m.iterations.Add(ctx, 1)
}

// Action records a successful provider action ("log" or "snapshot").
func (m *SamplerMetrics) Action(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// Failure records a provider action that returned a non-cancellation error.
func (m *SamplerMetrics) Failure(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/logging"
)

// ServiceName is reported as service.name on exported metrics.
const ServiceName = "memwatch"

// Provider owns the SDK meter provider installed by Setup. A Provider
// returned for a config without an OTLP endpoint exports nothing.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *logging.Logger
}

// Setup installs a global meter provider that pushes to the configured OTLP
// collector over gRPC. With no endpoint configured it leaves the global
// provider alone and returns a disabled Provider.
func Setup(ctx context.Context, cfg config.Telemetry, version string) (*Provider, error) {
	logger := logging.With("component", "telemetry")
	if cfg.OTLPEndpoint == "" {
		logger.Debug("telemetry: no otlp endpoint, metrics export disabled")
		return &Provider{logger: logger}, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := time.Duration(cfg.ExportIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Duration(config.DefaultExportInterval * float64(time.Second))
	}
	p, err := newProvider(version, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("telemetry: exporting metrics", "endpoint", cfg.OTLPEndpoint, "interval", interval)
	return p, nil
}

// newProvider builds the SDK provider over reader and makes it global.
func newProvider(version string, reader sdkmetric.Reader, logger *logging.Logger) (*Provider, error) {
	// Schemaless so the merge never conflicts with the SDK default's schema.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	return &Provider{meterProvider: mp, logger: logger}, nil
}

// Enabled reports whether metrics are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

// Shutdown flushes pending metrics and stops the exporter. Safe on a nil or
// disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.Error("telemetry: failed to shutdown metric provider", "error", err)
		return fmt.Errorf("failed to shutdown metric provider: %w", err)
	}
	return nil
}

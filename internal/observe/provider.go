package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK provider.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "bristlenose".
	ServiceName string

	// ServiceVersion is the version reported in telemetry.
	ServiceVersion string
}

// InitProvider initialises the OTel metrics SDK and registers it as the
// global meter provider. A [sdkmetric.ManualReader] is returned so the final
// metric state can be collected at the end of a run; Bristlenose is a batch
// process, so there is no scrape endpoint.
//
// Returns the reader and a shutdown function that flushes the provider. Call
// shutdown in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (*sdkmetric.ManualReader, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bristlenose"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	return reader, mp.Shutdown, nil
}

package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// collectorEndpoint splits a collector address into its scheme and host:port.
// Schemeless addresses such as "localhost:4317" default to grpc.
func collectorEndpoint(collectorAddr string) (scheme, endpoint string, err error) {
	if !strings.Contains(collectorAddr, "://") {
		if collectorAddr == "" || strings.Contains(collectorAddr, "/") || !strings.Contains(collectorAddr, ":") {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
		return "grpc", collectorAddr, nil
	}

	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}
	if parsedURL.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
	}
	return strings.ToLower(parsedURL.Scheme), parsedURL.Host, nil
}

// newExporter creates an OTLP metric exporter for collectorAddr.
func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := collectorEndpoint(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

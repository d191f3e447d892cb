// Package telemetry exports PA server metrics over OTLP.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/paserver/internal/pa"
)

const exportInterval = 10 * time.Second

// Metrics contains the instruments of the PA server. It implements
// pa.Recorder.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	admissionCounter   metric.Int64Counter
	transferCounter    metric.Int64Counter
	transferHistogram  metric.Float64Histogram
	checksumCounter    metric.Int64Counter
	sendFailureCounter metric.Int64Counter
	poolRegistration   metric.Registration
}

var _ pa.Recorder = (*Metrics)(nil)

// NewMetrics creates metrics exported periodically to collectorAddr.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}
	m, err := NewMetricsWithReader(instanceID, sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(exportInterval),
	))
	if err != nil {
		return nil, err
	}

	// Set the global meter provider
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader creates metrics collected by reader.
func NewMetricsWithReader(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	// Create a resource that identifies the server
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("paserver"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter("github.com/yuuki/paserver/pa")

	m := &Metrics{provider: provider, meter: meter}

	if m.admissionCounter, err = meter.Int64Counter(
		"paserver.admissions",
		metric.WithDescription("Inbound requests by admission result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.transferCounter, err = meter.Int64Counter(
		"paserver.transfers",
		metric.WithDescription("Finished RMPP transfers by outcome and abort reason"),
		metric.WithUnit("{transfer}"),
	); err != nil {
		return nil, err
	}

	if m.transferHistogram, err = meter.Float64Histogram(
		"paserver.transfer_duration",
		metric.WithDescription("RMPP transfer duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.checksumCounter, err = meter.Int64Counter(
		"paserver.checksum_mismatches",
		metric.WithDescription("Transfers whose payload changed while in flight"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}

	if m.sendFailureCounter, err = meter.Int64Counter(
		"paserver.send_failures",
		metric.WithDescription("Packets the transport failed to send"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// StatsSource is polled for the context pool gauges.
type StatsSource interface {
	Stats() pa.Stats
}

// ObservePool registers gauges reporting the context pool occupancy of src.
func (m *Metrics) ObservePool(src StatsSource) error {
	allocated, err := m.meter.Int64ObservableGauge(
		"paserver.contexts.allocated",
		metric.WithDescription("Contexts currently in use"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return err
	}
	hashed, err := m.meter.Int64ObservableGauge(
		"paserver.contexts.hashed",
		metric.WithDescription("Contexts with an RMPP transfer in progress"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return err
	}
	free, err := m.meter.Int64ObservableGauge(
		"paserver.contexts.free",
		metric.WithDescription("Contexts available for new requests"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return err
	}

	m.poolRegistration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Stats()
		o.ObserveInt64(allocated, int64(st.Allocated))
		o.ObserveInt64(hashed, int64(st.Hashed))
		o.ObserveInt64(free, int64(st.Free))
		return nil
	}, allocated, hashed, free)
	return err
}

func (m *Metrics) RecordAdmission(result pa.Admission) {
	m.admissionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result.String())))
}

func (m *Metrics) RecordTransfer(outcome pa.Outcome, reason pa.AbortReason, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.String("reason", reason.String()),
	)
	ctx := context.Background()
	m.transferCounter.Add(ctx, 1, attrs)
	// Convert to milliseconds
	m.transferHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

func (m *Metrics) RecordChecksumMismatch() {
	m.checksumCounter.Add(context.Background(), 1)
}

func (m *Metrics) RecordSendFailure() {
	m.sendFailureCounter.Add(context.Background(), 1)
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.poolRegistration != nil {
		if err := m.poolRegistration.Unregister(); err != nil {
			return err
		}
	}
	return m.provider.Shutdown(ctx)
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/paserver/internal/pa"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

type fixedStats pa.Stats

func (f fixedStats) Stats() pa.Stats { return pa.Stats(f) }

func TestMetricsRecordsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithReader("test", reader)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.RecordAdmission(pa.AdmitAllocated)
	m.RecordAdmission(pa.AdmitAllocated)
	m.RecordAdmission(pa.AdmitDuplicate)
	m.RecordTransfer(pa.OutcomeComplete, pa.AbortNone, 20*time.Millisecond)
	m.RecordTransfer(pa.OutcomeAborted, pa.AbortTooManyRetries, time.Second)
	m.RecordChecksumMismatch()
	m.RecordSendFailure()
	m.RecordSendFailure()

	got := collect(t, reader)
	admissions := got["paserver.admissions"]
	assert.Equal(t, int64(2), sumFor(t, admissions, attribute.String("result", pa.AdmitAllocated.String())))
	assert.Equal(t, int64(1), sumFor(t, admissions, attribute.String("result", pa.AdmitDuplicate.String())))

	transfers := got["paserver.transfers"]
	assert.Equal(t, int64(1), sumFor(t, transfers,
		attribute.String("outcome", pa.OutcomeAborted.String()),
		attribute.String("reason", pa.AbortTooManyRetries.String())))

	assert.Equal(t, int64(1), sumFor(t, got["paserver.checksum_mismatches"]))
	assert.Equal(t, int64(2), sumFor(t, got["paserver.send_failures"]))

	hist, ok := got["paserver.transfer_duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	var total float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		total += dp.Sum
	}
	assert.Equal(t, uint64(2), count)
	assert.InDelta(t, 1020.0, total, 0.001)
}

func TestMetricsObservePool(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithReader("test", reader)
	require.NoError(t, err)
	require.NoError(t, m.ObservePool(fixedStats{PoolSize: 16, Allocated: 5, Hashed: 2, Free: 11}))

	got := collect(t, reader)
	for name, want := range map[string]int64{
		"paserver.contexts.allocated": 5,
		"paserver.contexts.hashed":    2,
		"paserver.contexts.free":      11,
	} {
		gauge, ok := got[name].Data.(metricdata.Gauge[int64])
		require.True(t, ok, name)
		require.Len(t, gauge.DataPoints, 1, name)
		assert.Equal(t, want, gauge.DataPoints[0].Value, name)
	}

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestCollectorEndpoint(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{"localhost:4317", "grpc", "localhost:4317", false},
		{"10.0.0.1:4317", "grpc", "10.0.0.1:4317", false},
		{"grpc://collector:4317", "grpc", "collector:4317", false},
		{"GRPCS://collector:4317", "grpcs", "collector:4317", false},
		{"http://collector:4318", "http", "collector:4318", false},
		{"https://collector:4318/v1/metrics", "https", "collector:4318", false},
		{"", "", "", true},
		{"collector", "", "", true},
		{"http:///nohost", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := collectorEndpoint(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}

func TestNewExporterRejectsUnknownScheme(t *testing.T) {
	_, err := newExporter(context.Background(), "ftp://collector:21")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported OTLP exporter protocol scheme")
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "crosswalk", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Recording on a disabled provider is a no-op.
	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordDiagnostics(ctx, []diagnostics.Diagnostic{{Kind: diagnostics.KindConsistency}})
	p.RecordCoverage(ctx, 28.57)
	require.NoError(t, p.Shutdown(ctx))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewProviderEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	reader := sdkmetric.NewManualReader()
	p, err := New(context.Background(), cfg, WithMetricReader(reader))
	require.NoError(t, err)
	require.NotNil(t, p.traces)

	p.RecordRequest(context.Background(), AttrOperation.String("engine.Analyze"))
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Equal(t, semconv.SchemaURL, rm.Resource.SchemaURL())
	name, ok := rm.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "crosswalk", name.AsString())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := New(context.Background(), &Config{ServiceName: "crosswalk-test"}, WithMetricReader(reader))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	for i := range 3 {
		_, finish := p.TrackOperation(ctx, "engine.GetCoverage", PairOperation("soc2", "iso27001")...)
		if i == 2 {
			finish(fmt.Errorf("%w: nope", diagnostics.ErrUnknownFramework))
			continue
		}
		finish(nil)
	}
	p.RecordDiagnostics(ctx, []diagnostics.Diagnostic{
		{Kind: diagnostics.KindConsistency},
		{Kind: diagnostics.KindRuleConflict},
	})

	p.RecordCoverage(ctx, 28.57, PairOperation("soc2", "iso27001")...)
	p.RecordCoverage(ctx, 33.33, PairOperation("iso27001", "soc2")...)

	metrics := collect(t, reader)
	require.Equal(t, int64(3), sum(t, metrics["crosswalk.operations.total"]))
	require.Equal(t, int64(1), sum(t, metrics["crosswalk.errors.total"]))
	require.Equal(t, int64(0), sum(t, metrics["crosswalk.operations.active"]))
	require.Equal(t, int64(2), sum(t, metrics["crosswalk.diagnostics.total"]))

	errs := metrics["crosswalk.errors.total"].Data.(metricdata.Sum[int64])
	kind, ok := errs.DataPoints[0].Attributes.Value(AttrErrorKind)
	require.True(t, ok)
	require.Equal(t, "UnknownFramework", kind.AsString())

	hist, ok := metrics["crosswalk.operation.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(3), count)

	cov, ok := metrics["crosswalk.coverage.percent"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, cov.DataPoints, 2)
}

func TestOperationAttributes(t *testing.T) {
	attrs := PairOperation("soc2", "nist-csf")
	require.Len(t, attrs, 2)
	require.Equal(t, "crosswalk.framework.source", string(attrs[0].Key))
	require.Equal(t, "nist-csf", attrs[1].Value.AsString())

	attrs = ControlOperation("soc2", "CC6.1")
	require.Equal(t, "crosswalk.control", string(attrs[1].Key))
	require.Equal(t, "CC6.1", attrs[1].Value.AsString())

	require.Equal(t, "crosswalk.rule.id", string(RuleOperation("r-1")[0].Key))
	require.Equal(t, "crosswalk.mapping.id", string(MappingOperation("m-1")[0].Key))
	require.Equal(t, "crosswalk.framework", string(FrameworkOperation("soc2")[0].Key))
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}

package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// instruments are created once per provider. A nil *instruments records
// nothing.
type instruments struct {
	operations  metric.Int64Counter
	failures    metric.Int64Counter
	latency     metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
	diagnostics metric.Int64Counter
	coverage    metric.Float64Histogram
}

var (
	latencyBuckets  = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	coverageBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
)

func newInstruments(m metric.Meter) (*instruments, error) {
	var in instruments
	var errs [6]error
	in.operations, errs[0] = m.Int64Counter("crosswalk.operations.total",
		metric.WithDescription("Engine operations started"), metric.WithUnit("{operation}"))
	in.failures, errs[1] = m.Int64Counter("crosswalk.errors.total",
		metric.WithDescription("Engine operations that returned an error"), metric.WithUnit("{error}"))
	in.latency, errs[2] = m.Float64Histogram("crosswalk.operation.duration",
		metric.WithDescription("Engine operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	in.inflight, errs[3] = m.Int64UpDownCounter("crosswalk.operations.active",
		metric.WithDescription("Engine operations in flight"), metric.WithUnit("{operation}"))
	in.diagnostics, errs[4] = m.Int64Counter("crosswalk.diagnostics.total",
		metric.WithDescription("Non-fatal diagnostics reported by engine operations"), metric.WithUnit("{diagnostic}"))
	in.coverage, errs[5] = m.Float64Histogram("crosswalk.coverage.percent",
		metric.WithDescription("Coverage percentage of completed analyses"), metric.WithUnit("%"),
		metric.WithExplicitBucketBoundaries(coverageBuckets...))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &in, nil
}

// with appends extra to a copy of attrs.
func with(attrs []attribute.KeyValue, extra ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	all = append(append(all, attrs...), extra...)
	return metric.WithAttributes(all...)
}

func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.operations.Add(ctx, 1, with(attrs))
	}
}

// RecordError counts a failed operation under the error's taxonomy kind.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.failures.Add(ctx, 1, with(attrs, AttrErrorKind.String(diagnostics.KindOf(err))))
	}
}

func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.latency.Record(ctx, d.Seconds(), with(attrs))
	}
}

// RecordDiagnostics counts ds by kind.
func (p *Provider) RecordDiagnostics(ctx context.Context, ds []diagnostics.Diagnostic, attrs ...attribute.KeyValue) {
	if p.inst == nil {
		return
	}
	for _, d := range ds {
		p.inst.diagnostics.Add(ctx, 1, with(attrs, AttrDiagnosticKind.String(string(d.Kind))))
	}
}

// RecordCoverage records the coverage percentage of one analysis.
func (p *Provider) RecordCoverage(ctx context.Context, pct float64, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.coverage.Record(ctx, pct, with(attrs))
	}
}

// TrackOperation opens a span for name and counts it as in flight. The
// returned finish func must be called once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(append([]attribute.KeyValue(nil), attrs...), AttrOperation.String(name))
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	if p.inst != nil {
		p.inst.inflight.Add(ctx, 1, with(attrs))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		if p.inst != nil {
			p.inst.inflight.Add(ctx, -1, with(attrs))
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			p.RecordError(ctx, err, attrs...)
		}
		SetSpanStatus(ctx, err)
		span.End()
	}
}

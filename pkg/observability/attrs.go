package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic attributes for engine operations.
var (
	AttrOperation       = attribute.Key("crosswalk.operation")
	AttrFramework       = attribute.Key("crosswalk.framework")
	AttrSourceFramework = attribute.Key("crosswalk.framework.source")
	AttrTargetFramework = attribute.Key("crosswalk.framework.target")
	AttrControl         = attribute.Key("crosswalk.control")
	AttrMappingID       = attribute.Key("crosswalk.mapping.id")
	AttrRuleID          = attribute.Key("crosswalk.rule.id")
	AttrErrorKind       = attribute.Key("crosswalk.error.kind")
	AttrDiagnosticKind  = attribute.Key("crosswalk.diagnostic.kind")
)

// PairOperation labels an operation over a source -> target framework pair.
func PairOperation(source, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSourceFramework.String(source),
		AttrTargetFramework.String(target),
	}
}

func ControlOperation(framework, control string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFramework.String(framework),
		AttrControl.String(control),
	}
}

func FrameworkOperation(framework string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrFramework.String(framework)}
}

func MappingOperation(id string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrMappingID.String(id)}
}

func RuleOperation(id string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrRuleID.String(id)}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

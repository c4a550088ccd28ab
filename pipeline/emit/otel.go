package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const attrPrefix = "pipecore."

// OTelEmitter turns execution core events into OpenTelemetry spans, one
// zero-length span per event named after Msg.
//
// Plan and node ids become pipecore.plan_execution_id and
// pipecore.node_execution_id; Meta entries are copied under the same
// prefix. A transition_noop span is tagged pipecore.noop=true so lost CAS
// races can be filtered in a trace backend, and an "error" entry marks the
// span failed.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter. A nil tracer uses the global
// provider.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("pipecore")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	attrs := make([]attribute.KeyValue, 0, len(event.Meta)+3)
	attrs = append(attrs, attribute.String(attrPrefix+"plan_execution_id", event.PlanExecutionID))
	if event.NodeExecutionID != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"node_execution_id", event.NodeExecutionID))
	}
	if event.Msg == MsgTransitionNoop {
		attrs = append(attrs, attribute.Bool(attrPrefix+"noop", true))
	}
	for key, value := range event.Meta {
		attrs = append(attrs, metaAttribute(key, value))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	defer span.End()

	if msg, ok := event.Meta["error"].(string); ok && msg != "" {
		span.RecordError(errors.New(msg))
		span.SetStatus(codes.Error, msg)
	}
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	k := attrPrefix + key
	switch v := value.(type) {
	case string:
		return attribute.String(k, v)
	case bool:
		return attribute.Bool(k, v)
	case int:
		return attribute.Int(k, v)
	case int64:
		return attribute.Int64(k, v)
	case float64:
		return attribute.Float64(k, v)
	case []string:
		return attribute.StringSlice(k, v)
	case time.Duration:
		return attribute.Int64(k+"_ms", v.Milliseconds())
	case fmt.Stringer:
		return attribute.String(k, v.String())
	default:
		return attribute.String(k, fmt.Sprint(v))
	}
}

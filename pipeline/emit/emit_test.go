package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		PlanExecutionID: "plan-001",
		NodeExecutionID: "node-a",
		Msg:             MsgTransitionApplied,
		Meta:            map[string]interface{}{"status": "DISCONTINUING", "version": 3},
	})

	output := buf.String()
	for _, want := range []string{"plan-001", "node-a", MsgTransitionApplied, "status=DISCONTINUING", "version=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		PlanExecutionID: "plan-001",
		Msg:             MsgInterruptFailed,
		Meta:            map[string]interface{}{"error": "boom"},
	})

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if record["msg"] != MsgInterruptFailed {
		t.Errorf("msg = %v, want %q", record["msg"], MsgInterruptFailed)
	}
	if record["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for events carrying an error", record["level"])
	}
	if _, ok := record["node"]; ok {
		t.Error("plan-wide events must not carry a node attribute")
	}
}

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{PlanExecutionID: "p1", NodeExecutionID: "a", Msg: MsgTransitionApplied})
	b.Emit(Event{PlanExecutionID: "p1", NodeExecutionID: "b", Msg: MsgTransitionNoop})
	b.Emit(Event{PlanExecutionID: "p2", NodeExecutionID: "a", Msg: MsgTransitionApplied})

	if got := len(b.GetHistory("p1")); got != 2 {
		t.Fatalf("p1 history = %d events, want 2", got)
	}
	filtered := b.GetHistoryWithFilter("p1", HistoryFilter{Msg: MsgTransitionNoop})
	if len(filtered) != 1 || filtered[0].NodeExecutionID != "b" {
		t.Errorf("filtered = %+v, want the single noop on b", filtered)
	}

	b.Clear("p1")
	if got := b.GetHistory("p1"); len(got) != 0 {
		t.Errorf("history after Clear = %d events, want 0", len(got))
	}
	if got := len(b.GetHistory("p2")); got != 1 {
		t.Errorf("Clear(p1) removed p2 events: %d left", got)
	}

	b.Clear("")
	if got := len(b.GetHistory("p2")); got != 0 {
		t.Errorf("Clear(\"\") left %d events", got)
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	first, second := NewBufferedEmitter(), NewBufferedEmitter()
	MultiEmitter{first, nil, second}.Emit(Event{PlanExecutionID: "p", Msg: MsgAdvise})

	if len(first.GetHistory("p")) != 1 || len(second.GetHistory("p")) != 1 {
		t.Error("every emitter should receive the event")
	}
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("test"))
	emitter.Emit(Event{
		PlanExecutionID: "plan-001",
		NodeExecutionID: "node-a",
		Msg:             MsgInterruptFailed,
		Meta: map[string]interface{}{
			"type":    "ABORT",
			"attempt": 2,
			"error":   "node left abortable statuses",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgInterruptFailed {
		t.Errorf("span name = %q, want %q", span.Name, MsgInterruptFailed)
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["pipecore.plan_execution_id"].AsString(); got != "plan-001" {
		t.Errorf("plan attribute = %q", got)
	}
	if got := attrs["pipecore.type"].AsString(); got != "ABORT" {
		t.Errorf("type attribute = %q", got)
	}
	if got := attrs["pipecore.attempt"].AsInt64(); got != 2 {
		t.Errorf("attempt attribute = %d", got)
	}
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
}

func TestNullEmitter_Discards(t *testing.T) {
	var e Emitter = OrNull(nil)
	if _, ok := e.(*NullEmitter); !ok {
		t.Fatalf("OrNull(nil) = %T, want *NullEmitter", e)
	}
	e.Emit(Event{Msg: "ignored"})
}

func TestOTelEmitter_NoopTransitionTagged(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	NewOTelEmitter(tp.Tracer("test")).Emit(Event{
		PlanExecutionID: "plan-001",
		NodeExecutionID: "node-a",
		Msg:             MsgTransitionNoop,
		Meta:            map[string]interface{}{"target": "DISCONTINUING", "current": "SUCCEEDED"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if !attrs["pipecore.noop"].AsBool() {
		t.Error("noop transition should be tagged")
	}
	if got := attrs["pipecore.current"].AsString(); got != "SUCCEEDED" {
		t.Errorf("current attribute = %q", got)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("noop is not an error")
	}
}

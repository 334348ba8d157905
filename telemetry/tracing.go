package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HengYangDS/sage-kb-sub007/ops"
)

const tracerName = "github.com/HengYangDS/sage-kb-sub007/telemetry"

// spanTracker maintains one span per in-flight load, keyed by correlation
// id. The tracer comes from the global provider: without an SDK installed
// this is a no-op, so tracing can stay enabled unconditionally.
type spanTracker struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

func newSpanTracker() *spanTracker {
	return &spanTracker{
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		spans:  make(map[string]trace.Span),
	}
}

func (t *spanTracker) observe(ev ops.Event) {
	if ev.Correlation == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Kind == ops.LoadStart {
		// A repeated correlation id would leak the prior span; end it.
		if prior, ok := t.spans[ev.Correlation]; ok {
			prior.End()
		}
		var _, span = t.tracer.Start(context.Background(), "kb.load",
			trace.WithAttributes(attribute.String("kb.correlation_id", ev.Correlation)))
		t.spans[ev.Correlation] = span
		return
	}

	var span, ok = t.spans[ev.Correlation]
	if !ok {
		return
	}

	switch ev.Kind {
	case ops.LoadComplete:
		span.SetAttributes(
			attribute.String("kb.status", ev.Status),
			attribute.Int("kb.layers_loaded", ev.Count),
		)
		if ev.Status != "success" {
			span.SetStatus(codes.Error, ev.Status)
		}
		span.End()
		delete(t.spans, ev.Correlation)
	case ops.LoadLayerStart, ops.LoadLayerComplete, ops.LoadLayerTimeout, ops.LoadLayerFallback:
		span.AddEvent(string(ev.Kind), trace.WithAttributes(
			attribute.String("kb.layer", ev.Layer),
			attribute.String("kb.reason", ev.Reason),
		))
	case ops.CacheHit, ops.CacheMiss, ops.CacheStaleHit:
		span.AddEvent(string(ev.Kind), trace.WithAttributes(
			attribute.String("kb.file", ev.File),
		))
	}
}

// drain ends any span left open by a subscription cancelled mid-load.
func (t *spanTracker) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, span := range t.spans {
		span.End()
		delete(t.spans, id)
	}
}

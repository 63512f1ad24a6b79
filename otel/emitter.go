package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowrun/runtime"
)

// EnrichEmitter stamps events with the trace and span ids of the matching
// open span: the node span first, then the run span, then the session span.
// Events with no open span pass through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.NodeID != "" {
			stamp(&e, tracing.ActiveSpanContext(e.RunID, e.NodeID))
		}
		if e.TraceID == "" {
			stamp(&e, tracing.ActiveRunSpanContext(e.RunID))
		}
		if e.TraceID == "" && e.SessionID() != e.RunID {
			stamp(&e, tracing.ActiveRunSpanContext(e.SessionID()))
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}

func stamp(e *runtime.Event, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	e.TraceID = sc.TraceID().String()
	e.SpanID = sc.SpanID().String()
}

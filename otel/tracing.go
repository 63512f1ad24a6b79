// Package otel turns flowrun lifecycle events and model calls into
// OpenTelemetry spans and metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowrun/runtime"
)

// TracingHandler builds a span tree from lifecycle events: one span per
// observed session, one per child run below it and one per node.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	nodeSpans map[string]trace.Span // runID:nodeID
	// children lists the child runs opened under each session.
	children map[string][]string
}

// NewTracingHandler creates a TracingHandler.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
		children:  make(map[string][]string),
	}
}

// Handle has the shape of runtime.EventHandler.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventFlowStart:
		h.startRun(e)
	case runtime.EventNodeStart:
		h.startNode(e)
	case runtime.EventNodeComplete:
		h.endNode(e, "")
	case runtime.EventFlowWaiting:
		h.waiting(e)
	case runtime.EventFlowError:
		if e.NodeID != "" {
			h.endNode(e, errorOf(e))
		}
		if e.SessionID() == e.RunID {
			h.endSession(e, errorOf(e))
		}
	case runtime.EventFlowComplete:
		h.endSession(e, "")
	}
}

func (h *TracingHandler) startRun(e runtime.Event) {
	name := "flow:" + e.RunID
	if e.WorkflowID != "" {
		name = "flow:" + e.WorkflowID
	}
	ctx, span := h.tracer.Start(context.Background(), name,
		trace.WithAttributes(
			attribute.String("flowrun.run_id", e.RunID),
			attribute.String("flowrun.workflow_id", e.WorkflowID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// runContext returns the span context of a run, opening a child-run span
// under its session on first use.
func (h *TracingHandler) runContext(e runtime.Event) context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ctx, ok := h.runCtxs[e.RunID]; ok {
		return ctx
	}
	parent, ok := h.runCtxs[e.SessionID()]
	if !ok {
		parent = context.Background()
	}
	ctx, span := h.tracer.Start(parent, "run:"+e.WorkflowID,
		trace.WithAttributes(
			attribute.String("flowrun.run_id", e.RunID),
			attribute.String("flowrun.root_run_id", e.SessionID()),
			attribute.String("flowrun.workflow_id", e.WorkflowID),
		),
		trace.WithTimestamp(e.Time),
	)
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	if e.RunID != e.SessionID() {
		h.children[e.SessionID()] = append(h.children[e.SessionID()], e.RunID)
	}
	return ctx
}

func (h *TracingHandler) startNode(e runtime.Event) {
	parent := h.runContext(e)
	_, span := h.tracer.Start(parent, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("flowrun.run_id", e.RunID),
			attribute.String("flowrun.node_id", e.NodeID),
			attribute.String("flowrun.node_kind", e.NodeKind),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endNode(e runtime.Event, errMsg string) {
	key := e.RunID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	delete(h.nodeSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowrun.duration", e.Elapsed.String()))
	if tokens, ok := e.Payload["tokens"].(map[string]any); ok {
		if n, ok := tokens["total_tokens"].(int); ok {
			span.SetAttributes(attribute.Int("flowrun.total_tokens", n))
		}
	}
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) waiting(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	wk, _ := e.Payload["wait_key"].(string)
	span.AddEvent("flow_waiting", trace.WithTimestamp(e.Time),
		trace.WithAttributes(attribute.String("flowrun.wait_key", wk)))
}

// endSession ends the session span together with every child-run span
// and node span still open under it.
func (h *TracingHandler) endSession(e runtime.Event, errMsg string) {
	root := e.SessionID()

	h.mu.Lock()
	ids := append([]string{root}, h.children[root]...)
	delete(h.children, root)
	var spans []trace.Span
	for _, id := range ids {
		for key, s := range h.nodeSpans {
			if len(key) > len(id) && key[:len(id)+1] == id+":" {
				spans = append(spans, s)
				delete(h.nodeSpans, key)
			}
		}
	}
	var runs []trace.Span
	for _, id := range ids {
		if s, ok := h.runSpans[id]; ok {
			runs = append(runs, s)
			delete(h.runSpans, id)
			delete(h.runCtxs, id)
		}
	}
	h.mu.Unlock()

	for _, s := range spans {
		s.End(trace.WithTimestamp(e.Time))
	}
	for i := len(runs) - 1; i >= 0; i-- {
		s := runs[i]
		if i == 0 {
			s.SetAttributes(attribute.String("flowrun.duration", e.Elapsed.String()))
			if errMsg != "" {
				s.SetStatus(codes.Error, errMsg)
			} else {
				s.SetStatus(codes.Ok, "")
			}
		}
		s.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveSpanContext returns the span context of an open node span.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[runID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of an open run span.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func errorOf(e runtime.Event) string {
	if s, ok := e.Payload["error"].(string); ok && s != "" {
		return s
	}
	return "run failed"
}

type spanError string

func (e spanError) Error() string { return string(e) }

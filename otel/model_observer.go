package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowrun/llmprovider"
	"github.com/petal-labs/flowrun/runtime"
)

// ModelObserver wraps an llmprovider.Client and records each completion as
// a span plus call, failure and latency metrics.
type ModelObserver struct {
	next   llmprovider.Client
	tracer trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewModelObserver wraps next. A nil tracer records metrics only.
func NewModelObserver(next llmprovider.Client, meter metric.Meter, tracer trace.Tracer) (*ModelObserver, error) {
	calls, err := meter.Int64Counter("flowrun.llm.calls",
		metric.WithDescription("Number of model completions"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("flowrun.llm.failures",
		metric.WithDescription("Number of failed model completions"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("flowrun.llm.latency",
		metric.WithDescription("Model completion latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &ModelObserver{
		next:     next,
		tracer:   tracer,
		calls:    calls,
		failures: failures,
		latency:  latency,
	}, nil
}

// Complete implements llmprovider.Client.
func (o *ModelObserver) Complete(ctx context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
	}
	if step, ok := runtime.StepFromContext(ctx); ok {
		attrs = append(attrs,
			attribute.String("workflow_id", step.WorkflowID),
			attribute.String("node_id", step.NodeID),
		)
	}

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "llm.complete", trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	resp, err := o.next.Complete(ctx, req)
	elapsed := time.Since(start)

	opts := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, opts)
	o.latency.Record(ctx, elapsed.Seconds(), opts)
	if err != nil {
		o.failures.Add(ctx, 1, opts)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
		span.SetStatus(codes.Ok, "")
	}
	return resp, nil
}

var _ llmprovider.Client = (*ModelObserver)(nil)

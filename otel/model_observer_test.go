package otel_test

import (
	"context"
	"errors"
	"testing"

	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/llmprovider"
	flowotel "github.com/petal-labs/flowrun/otel"
	"github.com/petal-labs/flowrun/runtime"
)

type stubClient struct{ err error }

func (c stubClient) Complete(_ context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	if c.err != nil {
		return llmprovider.Response{}, c.err
	}
	return llmprovider.Response{Text: "ok", Model: req.Model, Usage: core.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}}, nil
}

func TestModelObserver(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()

	ok, err := flowotel.NewModelObserver(stubClient{}, mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewModelObserver: %v", err)
	}
	bad, _ := flowotel.NewModelObserver(stubClient{err: errors.New("rate limited")}, mp.Meter("test"), tp.Tracer("test"))

	ctx := runtime.ContextWithStep(context.Background(), runtime.StepInfo{RunID: "r", WorkflowID: "wf", NodeID: "llm"})
	if resp, err := ok.Complete(ctx, llmprovider.Request{Provider: "mock", Model: "m"}); err != nil || resp.Text != "ok" {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
	if _, err := bad.Complete(ctx, llmprovider.Request{Provider: "mock", Model: "m"}); err == nil {
		t.Fatal("expected error")
	}

	rm := collectMetrics(t, reader)
	if n := sumInt(t, rm, "flowrun.llm.calls"); n != 2 {
		t.Errorf("calls = %d", n)
	}
	if n := sumInt(t, rm, "flowrun.llm.failures"); n != 1 {
		t.Errorf("failures = %d", n)
	}
	spans := exporter.GetSpans()
	if len(spans) != 2 || spans[1].Status.Code != otelcodes.Error {
		t.Fatalf("spans = %+v", spans)
	}
}

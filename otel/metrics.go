package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/flowrun/runtime"
)

// MetricsHandler records node and session metrics from lifecycle events.
type MetricsHandler struct {
	nodeExecutions  metric.Int64Counter
	nodeFailures    metric.Int64Counter
	nodeDuration    metric.Float64Histogram
	sessionDuration metric.Float64Histogram
	userWaits       metric.Int64Counter
	tokens          metric.Int64Counter
}

// NewMetricsHandler creates the handler's instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("flowrun.node.executions",
		metric.WithDescription("Number of completed node steps"),
	)
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("flowrun.node.failures",
		metric.WithDescription("Number of failed node steps"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("flowrun.node.duration",
		metric.WithDescription("Duration of a node from start to completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	sessDur, err := meter.Float64Histogram("flowrun.session.duration",
		metric.WithDescription("Duration of an observed session in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	waits, err := meter.Int64Counter("flowrun.user.waits",
		metric.WithDescription("Number of times a run waited on a user"),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("flowrun.llm.tokens",
		metric.WithDescription("Model tokens consumed by llm_call effects"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions:  nodeExec,
		nodeFailures:    nodeFail,
		nodeDuration:    nodeDur,
		sessionDuration: sessDur,
		userWaits:       waits,
		tokens:          tokens,
	}, nil
}

// Handle has the shape of runtime.EventHandler.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventNodeComplete:
		attrs := metric.WithAttributes(
			attribute.String("node_kind", e.NodeKind),
			attribute.String("workflow_id", e.WorkflowID),
		)
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
		if tokens, ok := e.Payload["tokens"].(map[string]any); ok {
			h.recordTokens(ctx, e.WorkflowID, tokens)
		}
	case runtime.EventFlowError:
		if e.NodeID != "" {
			h.nodeFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("node_kind", e.NodeKind),
				attribute.String("workflow_id", e.WorkflowID),
			))
		}
		if e.SessionID() == e.RunID {
			h.recordSession(ctx, e, "failed")
		}
	case runtime.EventFlowWaiting:
		h.userWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", e.WorkflowID)))
	case runtime.EventFlowComplete:
		h.recordSession(ctx, e, "completed")
	}
}

func (h *MetricsHandler) recordSession(ctx context.Context, e runtime.Event, status string) {
	h.sessionDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("workflow_id", e.WorkflowID),
		attribute.String("status", status),
	))
}

func (h *MetricsHandler) recordTokens(ctx context.Context, workflowID string, tokens map[string]any) {
	for _, dir := range []string{"input", "output"} {
		n, ok := tokens[dir+"_tokens"].(int)
		if !ok || n <= 0 {
			continue
		}
		h.tokens.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("direction", dir),
		))
	}
}

package runtime

import (
	"context"
	"log/slog"
)

// StepInfo identifies the step a handler or effect fulfilment runs in.
type StepInfo struct {
	RunID      string
	WorkflowID string
	NodeID     string
}

type stepKey struct{}

// ContextWithStep attaches step information to the context.
func ContextWithStep(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, stepKey{}, info)
}

// StepFromContext returns the step attached to ctx, if any.
func StepFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepKey{}).(StepInfo)
	return info, ok
}

// stepLogger returns logger annotated with the step carried by ctx.
func stepLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	info, ok := StepFromContext(ctx)
	if !ok {
		return logger
	}
	return logger.With("run_id", info.RunID, "workflow_id", info.WorkflowID, "node_id", info.NodeID)
}

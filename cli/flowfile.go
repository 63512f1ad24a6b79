package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/loader"
)

// loadFlowFile loads and validates a flow document, printing diagnostics
// to stderr when it is invalid.
func loadFlowFile(cmd *cobra.Command, filePath string) (*graph.FlowDef, error) {
	fd, _, err := loader.LoadFile(filePath)
	if err == nil {
		return fd, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
	}
	var de *graph.DiagnosticError
	if errors.As(err, &de) {
		printDiagnosticsText(cmd.ErrOrStderr(), de.Diagnostics)
		return nil, exitError(exitValidation, "validation failed")
	}
	return nil, exitError(exitValidation, "%v", err)
}

// flowsDir returns the directory subflows are resolved from: --flows-dir,
// or the directory of the flow file.
func flowsDir(cmd *cobra.Command, filePath string) string {
	if dir, _ := cmd.Flags().GetString("flows-dir"); dir != "" {
		return dir
	}
	return filepath.Dir(filePath)
}

// compileFlowFile compiles fd with subflows resolved from dir.
func compileFlowFile(ctx context.Context, cmd *cobra.Command, comp *compiler.Compiler, fd *graph.FlowDef, inputs map[string]any) (*compiler.Spec, error) {
	spec, err := comp.Compile(ctx, fd, compiler.Options{Inputs: inputs})
	if err == nil {
		return spec, nil
	}
	var de *graph.DiagnosticError
	switch {
	case errors.As(err, &de):
		printDiagnosticsText(cmd.ErrOrStderr(), de.Diagnostics)
		return nil, exitError(exitValidation, "compilation failed")
	case errors.Is(err, compiler.ErrFlowNotFound):
		return nil, exitError(exitValidation, "unresolved subflow: %v", err)
	default:
		return nil, exitError(exitValidation, "compilation failed: %v", err)
	}
}

package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/registry"
)

// Parse decodes and validates a flow document. Schema violations and
// structural problems are returned as *graph.DiagnosticError; warnings
// alone do not fail.
func Parse(data []byte, path string) (*graph.FlowDef, []graph.Diagnostic, error) {
	jsonData, err := ToJSON(data, path)
	if err != nil {
		return nil, nil, err
	}
	diags, err := graph.ValidateDocument(jsonData)
	if err != nil {
		return nil, nil, err
	}
	if graph.HasErrors(diags) {
		return nil, diags, &graph.DiagnosticError{Diagnostics: diags}
	}

	var fd graph.FlowDef
	if err := json.Unmarshal(jsonData, &fd); err != nil {
		return nil, nil, fmt.Errorf("parsing flow document: %w", err)
	}
	diags = fd.Validate()
	diags = append(diags, fd.ValidateKinds(registry.New().Has)...)
	if graph.HasErrors(diags) {
		return nil, diags, &graph.DiagnosticError{Diagnostics: diags}
	}
	return &fd, diags, nil
}

// LoadFile reads and parses one flow document.
func LoadFile(path string) (*graph.FlowDef, []graph.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	fd, diags, err := Parse(data, path)
	if err != nil {
		return nil, diags, fmt.Errorf("%s: %w", path, err)
	}
	return fd, diags, nil
}

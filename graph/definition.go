// Package graph holds the serializable flow document: nodes, edges and the
// handles that distinguish execution edges from data edges.
package graph

import (
	"fmt"
	"sort"
)

// Diagnostic represents a validation error or warning.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Handles that mark an edge as an execution edge.
const (
	HandleExecIn  = "exec-in"
	HandleExecOut = "exec-out"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	switch len(errs) {
	case 0:
		return "validation failed"
	case 1:
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}

// FlowDef is a flow document as authored in the editor.
type FlowDef struct {
	ID       string            `json:"id"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Nodes    []NodeDef         `json:"nodes"`
	Edges    []EdgeDef         `json:"edges"`
	Entry    string            `json:"entry,omitempty"`
}

// NodeDef is one node of a flow. Flow carries the body of an inline nested flow.
type NodeDef struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
	Flow   *FlowDef       `json:"flow,omitempty"`
}

// EdgeDef connects a source handle to a target handle.
type EdgeDef struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
}

// IsExec reports whether the edge carries control rather than data.
func (e EdgeDef) IsExec() bool {
	return e.TargetHandle == HandleExecIn
}

// ExecHandle normalizes the source handle of an execution edge.
func (e EdgeDef) ExecHandle() string {
	if e.SourceHandle == "" {
		return HandleExecOut
	}
	return e.SourceHandle
}

// Node returns the node with the given id.
func (fd *FlowDef) Node(id string) (NodeDef, bool) {
	for _, n := range fd.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// ResolveEntry returns the declared entry, else the first on_flow_start node.
func (fd *FlowDef) ResolveEntry() string {
	if fd.Entry != "" {
		return fd.Entry
	}
	for _, n := range fd.Nodes {
		if n.Type == "on_flow_start" {
			return n.ID
		}
	}
	return ""
}

// ExecSuccessors maps node id to its wired exec handles and their targets.
func (fd *FlowDef) ExecSuccessors() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, e := range fd.Edges {
		if !e.IsExec() {
			continue
		}
		if out[e.Source] == nil {
			out[e.Source] = make(map[string]string)
		}
		out[e.Source][e.ExecHandle()] = e.Target
	}
	return out
}

// Reachable walks execution edges from the given roots.
func (fd *FlowDef) Reachable(roots ...string) map[string]bool {
	succ := fd.ExecSuccessors()
	seen := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		handles := make([]string, 0, len(succ[id]))
		for h := range succ[id] {
			handles = append(handles, h)
		}
		sort.Strings(handles)
		for _, h := range handles {
			stack = append(stack, succ[id][h])
		}
	}
	return seen
}

// Roots returns the entry plus every on_event node, in declaration order.
func (fd *FlowDef) Roots() []string {
	var roots []string
	if entry := fd.ResolveEntry(); entry != "" {
		roots = append(roots, entry)
	}
	for _, n := range fd.Nodes {
		if n.Type == "on_event" && n.ID != fd.ResolveEntry() {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Validate checks structural integrity of the flow:
//   - GR-001: edge source/target reference existing nodes
//   - GR-002: node unreachable from any root (warning)
//   - GR-005: duplicate node IDs
//   - GR-007: entry missing or unknown
//   - GR-010: an exec handle wired to more than one target
//
// Loops are allowed: the runtime has a single cursor and no stack to overflow.
func (fd *FlowDef) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(fd.Nodes))
	for i, node := range fd.Nodes {
		if node.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  "Node has an empty ID",
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
			continue
		}
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true
	}

	type handleKey struct{ source, handle string }
	wired := make(map[handleKey]int)
	for i, edge := range fd.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
		if edge.IsExec() {
			k := handleKey{edge.Source, edge.ExecHandle()}
			wired[k]++
			if wired[k] == 2 {
				diags = append(diags, Diagnostic{
					Code:     "GR-010",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Exec handle %q of node %q is wired to more than one target", k.handle, k.source),
					Path:     fmt.Sprintf("edges[%d]", i),
				})
			}
		}
	}

	entry := fd.ResolveEntry()
	switch {
	case entry == "":
		diags = append(diags, Diagnostic{
			Code:     "GR-007",
			Severity: SeverityError,
			Message:  "Flow has no entry node",
			Path:     "entry",
		})
	case !nodeIDs[entry]:
		diags = append(diags, Diagnostic{
			Code:     "GR-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Entry node %q does not exist", entry),
			Path:     "entry",
		})
	}

	if !HasErrors(diags) {
		reach := fd.Reachable(fd.Roots()...)
		dataOnly := dataSources(fd)
		for i, node := range fd.Nodes {
			if reach[node.ID] || dataOnly[node.ID] {
				continue
			}
			diags = append(diags, Diagnostic{
				Code:     "GR-002",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Node %q is not reachable from the entry or any event listener and will be ignored", node.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
	}

	return diags
}

// dataSources returns literal nodes that feed a data edge.
func dataSources(fd *FlowDef) map[string]bool {
	kinds := make(map[string]string, len(fd.Nodes))
	for _, n := range fd.Nodes {
		kinds[n.ID] = n.Type
	}
	out := make(map[string]bool)
	for _, e := range fd.Edges {
		if !e.IsExec() && kinds[e.Source] == "literal" {
			out[e.Source] = true
		}
	}
	return out
}

// ValidateKinds reports GR-003 for node types the caller does not know.
func (fd *FlowDef) ValidateKinds(known func(kind string) bool) []Diagnostic {
	var diags []Diagnostic
	for i, node := range fd.Nodes {
		if known(node.Type) {
			continue
		}
		diags = append(diags, Diagnostic{
			Code:     "GR-003",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
			Path:     fmt.Sprintf("nodes[%d].type", i),
		})
	}
	return diags
}

// Package compiler turns flow documents into executable specs.
//
// Only execution edges shape routing. Data edges become per-node bindings
// that the runtime resolves before each step. Subflows, inline flows and
// agents compile into separate specs that the parent starts as child runs;
// a visited set keyed by flow id lets a flow reference itself. Every
// on_event node additionally yields a listener spec with the listener as
// its entry, so a host can run it alongside the root in the same session.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/flowrun/control"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/nodes"
	"github.com/petal-labs/flowrun/registry"
)

// FlowSource resolves subflow references by flow id.
type FlowSource interface {
	Flow(ctx context.Context, id string) (*graph.FlowDef, error)
}

// Options are per-compilation inputs.
type Options struct {
	// Inputs are the run inputs; "provider" and "model" take precedence
	// over any binding found in the flow.
	Inputs   map[string]any
	Builtins map[string]nodes.BuiltinFunc
	Code     nodes.CodeRunner
	Now      func() time.Time
}

// Config configures a Compiler.
type Config struct {
	Nodes  *registry.Registry
	Source FlowSource
	Specs  *Registry
	Logger *slog.Logger
}

// Compiler compiles flows and registers the resulting specs.
type Compiler struct {
	nodes  *registry.Registry
	source FlowSource
	specs  *Registry
	logger *slog.Logger
}

// New creates a Compiler. Missing registries are created empty.
func New(cfg Config) *Compiler {
	if cfg.Nodes == nil {
		cfg.Nodes = registry.New()
	}
	if cfg.Specs == nil {
		cfg.Specs = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compiler{
		nodes:  cfg.Nodes,
		source: cfg.Source,
		specs:  cfg.Specs,
		logger: cfg.Logger,
	}
}

// Specs returns the registry compiled specs are stored in.
func (c *Compiler) Specs() *Registry {
	return c.specs
}

type binding struct {
	provider string
	model    string
}

type compilation struct {
	ctx     context.Context
	opts    Options
	visited map[string]*Spec
	order   []*Spec
}

// Compile compiles flow and every flow it references, registers all
// resulting specs and returns the root spec.
func (c *Compiler) Compile(ctx context.Context, flow *graph.FlowDef, opts Options) (*Spec, error) {
	if flow == nil {
		return nil, errors.New("compiler: nil flow")
	}
	comp := &compilation{ctx: ctx, opts: opts, visited: make(map[string]*Spec)}
	root, err := c.compileFlow(comp, flow, binding{})
	if err != nil {
		return nil, err
	}
	for _, s := range comp.order {
		c.specs.Register(s)
		if s != root {
			root.Children = append(root.Children, s.WorkflowID)
		}
	}
	c.logger.Debug("compiled flow",
		"workflow_id", root.WorkflowID,
		"nodes", len(root.Handlers),
		"specs", len(comp.order),
	)
	return root, nil
}

func (c *Compiler) compileFlow(comp *compilation, flow *graph.FlowDef, inherited binding) (*Spec, error) {
	if s, ok := comp.visited[flow.ID]; ok {
		return s, nil
	}
	diags := flow.Validate()
	diags = append(diags, flow.ValidateKinds(c.nodes.Has)...)
	if graph.HasErrors(diags) {
		return nil, &graph.DiagnosticError{Diagnostics: diags}
	}

	reach := flow.Reachable(flow.Roots()...)
	b, err := resolveBinding(flow, reach, comp.opts.Inputs, inherited)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		WorkflowID: flow.ID,
		Entry:      flow.ResolveEntry(),
		Provider:   b.provider,
		Model:      b.model,
	}
	comp.visited[flow.ID] = spec
	comp.order = append(comp.order, spec)

	nodeSpecs, err := c.nodeSpecs(comp, flow, reach, b)
	if err != nil {
		return nil, err
	}
	if spec.Handlers, err = c.handlers(flow, nodeSpecs, reach, ""); err != nil {
		return nil, err
	}
	spec.Kinds, spec.Bindings = kindsAndBindings(flow, reach)

	for _, n := range flow.Nodes {
		if n.Type != nodes.KindOnEvent || !reach[n.ID] {
			continue
		}
		lreach := flow.Reachable(n.ID)
		listener := &Spec{
			WorkflowID: flow.ID + "#on_event/" + n.ID,
			Entry:      n.ID,
			Root:       flow.ID,
			Event:      core.AsString(n.Config["event"]),
			Provider:   b.provider,
			Model:      b.model,
		}
		if listener.Handlers, err = c.handlers(flow, nodeSpecs, lreach, n.ID); err != nil {
			return nil, err
		}
		listener.Kinds, listener.Bindings = kindsAndBindings(flow, lreach)
		spec.Listeners = append(spec.Listeners, listener.WorkflowID)
		comp.order = append(comp.order, listener)
	}
	return spec, nil
}

// nodeSpecs builds the static description of every reachable node and
// compiles the flows that composite nodes start.
func (c *Compiler) nodeSpecs(comp *compilation, flow *graph.FlowDef, reach map[string]bool, b binding) (map[string]nodes.NodeSpec, error) {
	succ := flow.ExecSuccessors()
	out := make(map[string]nodes.NodeSpec, len(reach))
	var diags []graph.Diagnostic

	for i, n := range flow.Nodes {
		if !reach[n.ID] {
			continue
		}
		cfg := core.CloneVars(n.Config)
		if cfg == nil {
			cfg = map[string]any{}
		}
		ns := nodes.NodeSpec{
			ID:       n.ID,
			Kind:     n.Type,
			Config:   cfg,
			Handles:  map[string]string{},
			Provider: b.provider,
			Model:    b.model,
			Builtins: comp.opts.Builtins,
			Code:     comp.opts.Code,
			Now:      comp.opts.Now,
		}
		for h, target := range succ[n.ID] {
			if h == graph.HandleExecOut {
				ns.Next = target
				continue
			}
			ns.Handles[h] = target
		}

		var child *Spec
		var err error
		path := fmt.Sprintf("nodes[%d]", i)
		switch n.Type {
		case nodes.KindSubflow:
			target := core.AsString(cfg["flow_id"])
			if target == "" {
				diags = append(diags, missingConfig(path+".config.flow_id", "Subflow node %q has no flow_id", n.ID))
				continue
			}
			child, err = c.subflow(comp, target, b)
			if err != nil {
				var de *graph.DiagnosticError
				if errors.As(err, &de) {
					return nil, err
				}
				diags = append(diags, graph.Diagnostic{
					Code:     "GR-012",
					Severity: graph.SeverityError,
					Message:  fmt.Sprintf("Subflow node %q: %v", n.ID, err),
					Path:     path + ".config.flow_id",
				})
				continue
			}
		case nodes.KindFlow:
			if n.Flow == nil {
				diags = append(diags, missingConfig(path+".flow", "Flow node %q has no inline flow", n.ID))
				continue
			}
			inline := *n.Flow
			inline.ID = flow.ID + "/" + n.ID
			if child, err = c.compileFlow(comp, &inline, b); err != nil {
				return nil, err
			}
		case nodes.KindAgent:
			if child, err = c.compileFlow(comp, agentFlow(flow.ID, n), b); err != nil {
				return nil, err
			}
		}
		if child != nil {
			ns.Config["workflow_id"] = child.WorkflowID
		}
		out[n.ID] = ns
	}
	if len(diags) > 0 {
		return nil, &graph.DiagnosticError{Diagnostics: diags}
	}
	return out, nil
}

func (c *Compiler) subflow(comp *compilation, target string, b binding) (*Spec, error) {
	if s, ok := comp.visited[target]; ok {
		return s, nil
	}
	if c.source == nil {
		return nil, fmt.Errorf("%w: %s (no flow source configured)", ErrFlowNotFound, target)
	}
	fd, err := c.source.Flow(comp.ctx, target)
	if err != nil {
		return nil, err
	}
	return c.compileFlow(comp, fd, b)
}

// handlers instantiates handlers for the reachable nodes. Non-control nodes
// are wrapped so a missing successor returns to the active control node, or
// to fallback for listener specs.
func (c *Compiler) handlers(flow *graph.FlowDef, specs map[string]nodes.NodeSpec, reach map[string]bool, fallback string) (map[string]core.StepHandler, error) {
	out := make(map[string]core.StepHandler, len(reach))
	var diags []graph.Diagnostic
	for i, n := range flow.Nodes {
		if !reach[n.ID] {
			continue
		}
		factory, ok := c.nodes.Factory(n.Type)
		if !ok {
			diags = append(diags, graph.Diagnostic{
				Code:     "GR-003",
				Severity: graph.SeverityError,
				Message:  fmt.Sprintf("Node %q has type %q which cannot be executed", n.ID, n.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
			continue
		}
		h, err := factory(specs[n.ID])
		if err != nil {
			diags = append(diags, missingConfig(fmt.Sprintf("nodes[%d].config", i), "%v", err))
			continue
		}
		if n.Type != nodes.KindSequence && n.Type != nodes.KindParallel {
			h = control.TerminalTo(h, fallback)
		}
		out[n.ID] = h
	}
	if len(diags) > 0 {
		return nil, &graph.DiagnosticError{Diagnostics: diags}
	}
	return out, nil
}

func kindsAndBindings(flow *graph.FlowDef, reach map[string]bool) (map[string]string, map[string][]Binding) {
	all := make(map[string]graph.NodeDef, len(flow.Nodes))
	kinds := make(map[string]string, len(reach))
	for _, n := range flow.Nodes {
		all[n.ID] = n
		if reach[n.ID] {
			kinds[n.ID] = n.Type
		}
	}
	bindings := make(map[string][]Binding)
	for _, e := range flow.Edges {
		if e.IsExec() || !reach[e.Target] {
			continue
		}
		pin := e.TargetHandle
		if pin == "" {
			pin = "input"
		}
		b := Binding{Pin: pin, FromNode: e.Source, FromHandle: e.SourceHandle}
		if src := all[e.Source]; src.Type == nodes.KindLiteral {
			b.Literal = core.CloneValue(src.Config["value"])
			b.HasLiteral = true
		}
		bindings[e.Target] = append(bindings[e.Target], b)
	}
	return kinds, bindings
}

// agentFlow derives the child flow of an agent node: one model call whose
// result is returned to the parent.
func agentFlow(parentID string, n graph.NodeDef) *graph.FlowDef {
	cfg := map[string]any{}
	for _, k := range []string{"provider", "model", "temperature", "max_tokens"} {
		if v, ok := n.Config[k]; ok {
			cfg[k] = v
		}
	}
	if v, ok := n.Config["instructions"]; ok {
		cfg["system"] = v
	} else if v, ok := n.Config["system"]; ok {
		cfg["system"] = v
	}
	if v, ok := n.Config["prompt"]; ok {
		cfg["prompt"] = v
	} else {
		cfg["input_key"] = "prompt"
	}
	return &graph.FlowDef{
		ID:    parentID + "/agent/" + n.ID,
		Entry: "llm",
		Nodes: []graph.NodeDef{
			{ID: "llm", Type: nodes.KindLLMCall, Config: cfg},
			{ID: "return", Type: nodes.KindReturn},
		},
		Edges: []graph.EdgeDef{
			{Source: "llm", SourceHandle: graph.HandleExecOut, Target: "return", TargetHandle: graph.HandleExecIn},
		},
	}
}

func missingConfig(path, format string, args ...any) graph.Diagnostic {
	return graph.Diagnostic{
		Code:     "GR-011",
		Severity: graph.SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Path:     path,
	}
}

package compiler

import (
	"fmt"

	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/nodes"
)

func needsModel(kind string) bool {
	return kind == nodes.KindLLMCall || kind == nodes.KindAgent
}

// resolveBinding picks the provider and model a flow's model calls default
// to. Run inputs win over static node config, which wins over literals wired
// into provider/model pins, which win over the binding of the parent flow.
// Flows without model calls inherit the parent binding unchecked.
func resolveBinding(flow *graph.FlowDef, reach map[string]bool, inputs map[string]any, inherited binding) (binding, error) {
	kinds := make(map[string]string, len(flow.Nodes))
	needs := false
	for _, n := range flow.Nodes {
		kinds[n.ID] = n.Type
		if reach[n.ID] && needsModel(n.Type) {
			needs = true
		}
	}
	if !needs {
		return inherited, nil
	}

	b := binding{
		provider: core.AsString(inputs["provider"]),
		model:    core.AsString(inputs["model"]),
	}
	for _, n := range flow.Nodes {
		if !reach[n.ID] || !needsModel(n.Type) {
			continue
		}
		if b.provider == "" {
			b.provider = core.AsString(n.Config["provider"])
		}
		if b.model == "" {
			b.model = core.AsString(n.Config["model"])
		}
	}
	for _, e := range flow.Edges {
		if e.IsExec() || !reach[e.Target] || !needsModel(kinds[e.Target]) {
			continue
		}
		src, ok := flow.Node(e.Source)
		if !ok || src.Type != nodes.KindLiteral {
			continue
		}
		v := core.AsString(src.Config["value"])
		switch e.TargetHandle {
		case "provider":
			if b.provider == "" {
				b.provider = v
			}
		case "model":
			if b.model == "" {
				b.model = v
			}
		}
	}
	if b.provider == "" {
		b.provider = inherited.provider
	}
	if b.model == "" {
		b.model = inherited.model
	}
	if b.provider == "" || b.model == "" {
		return binding{}, fmt.Errorf("%w: flow %q has model calls but provider=%q model=%q; set them in run inputs, node config or a wired literal",
			ErrNoModelBinding, flow.ID, b.provider, b.model)
	}
	return b, nil
}

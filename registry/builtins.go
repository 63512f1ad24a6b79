package registry

import (
	"github.com/petal-labs/flowrun/control"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/nodes"
)

var execOut = []string{nodes.HandleExecOut}

func sequenceFactory(spec nodes.NodeSpec) (core.StepHandler, error) {
	return control.Sequence(spec.ID, spec.Then()), nil
}

func parallelFactory(spec nodes.NodeSpec) (core.StepHandler, error) {
	return control.Parallel(spec.ID, spec.Then(), spec.Handles[nodes.HandleCompleted]), nil
}

func in(name, typ string, required bool) PortDef {
	return PortDef{Name: name, Type: typ, Required: required}
}

var outputPort = []PortDef{{Name: "output", Type: "any"}}

// registerBuiltins registers every node kind the compiler understands.
func registerBuiltins(r *Registry) {
	r.Register(NodeTypeDef{
		Type:        nodes.KindStart,
		Category:    "flow",
		DisplayName: "On Flow Start",
		Description: "Entry point of a flow",
		ExecOutputs: execOut,
		Factory:     nodes.Start,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindOnEvent,
		Category:    "flow",
		DisplayName: "On Event",
		Description: "Listener entry that runs its chain each time the named event is emitted",
		Ports:       PortSchema{Outputs: outputPort},
		ExecOutputs: execOut,
		Factory:     nodes.OnEvent,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindReturn,
		Category:    "flow",
		DisplayName: "Return",
		Description: "Complete the run with a value",
		Ports:       PortSchema{Inputs: []PortDef{in("input", "any", false), in("value", "any", false)}},
		Factory:     nodes.Return,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindLiteral,
		Category:    "data",
		DisplayName: "Literal",
		Description: "Constant value for data pins",
		Ports:       PortSchema{Outputs: outputPort},
		ExecOutputs: execOut,
		Factory:     nodes.Literal,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindSetVar,
		Category:    "data",
		DisplayName: "Set Variable",
		Description: "Write one variable by dotted path",
		Ports:       PortSchema{Inputs: []PortDef{in("name", "string", false), in("value", "any", false)}},
		ExecOutputs: execOut,
		Factory:     nodes.SetVar,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindSetVars,
		Category:    "data",
		DisplayName: "Set Variables",
		Description: "Write several variables from an object",
		Ports:       PortSchema{Inputs: []PortDef{in("values", "object", false)}},
		ExecOutputs: execOut,
		Factory:     nodes.SetVars,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindBranch,
		Category:    "control",
		DisplayName: "Branch",
		Description: "Route on a JMESPath condition",
		ExecOutputs: []string{nodes.HandleTrue, nodes.HandleFalse},
		Factory:     nodes.Branch,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindSequence,
		Category:    "control",
		DisplayName: "Sequence",
		Description: "Run each connected branch in pin order",
		ExecOutputs: []string{nodes.HandleThen + "N"},
		Factory:     sequenceFactory,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindParallel,
		Category:    "control",
		DisplayName: "Parallel",
		Description: "Fork into every connected branch, then join",
		ExecOutputs: []string{nodes.HandleThen + "N", nodes.HandleCompleted},
		Factory:     parallelFactory,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindCode,
		Category:    "data",
		DisplayName: "Code",
		Description: "Run a sandboxed script",
		Ports:       PortSchema{Inputs: []PortDef{in("input", "any", false)}, Outputs: outputPort},
		ExecOutputs: execOut,
		Factory:     nodes.Code,
	})
	r.Register(NodeTypeDef{
		Type:        nodes.KindBuiltin,
		Category:    "data",
		DisplayName: "Builtin Function",
		Description: "Call a registered pure function",
		Ports:       PortSchema{Inputs: []PortDef{in("input", "any", false)}, Outputs: outputPort},
		ExecOutputs: execOut,
		Factory:     nodes.Builtin,
	})

	effects := []struct {
		kind, name, desc string
		inputs           []PortDef
		factory          nodes.Factory
	}{
		{nodes.KindAskUser, "Ask User", "Pause until the user answers", []PortDef{in("prompt", "string", false), in("choices", "array", false)}, nodes.AskUser},
		{nodes.KindAnswerUser, "Answer User", "Send a message to the user", []PortDef{in("message", "string", false)}, nodes.AnswerUser},
		{nodes.KindWaitUntil, "Wait Until", "Pause until a deadline", []PortDef{in("duration", "any", false), in("until", "any", false)}, nodes.WaitUntil},
		{nodes.KindWaitEvent, "Wait Event", "Pause until an event is emitted", []PortDef{in("event", "string", false)}, nodes.WaitEvent},
		{nodes.KindEmitEvent, "Emit Event", "Emit an event to the session's listeners", []PortDef{in("event", "string", false), in("payload", "any", false)}, nodes.EmitEvent},
		{nodes.KindMemoryNote, "Memory Note", "Store a note", []PortDef{in("text", "string", false), in("tags", "array", false)}, nodes.MemoryNote},
		{nodes.KindMemoryQuery, "Memory Query", "Search stored notes", []PortDef{in("query", "string", false), in("limit", "number", false)}, nodes.MemoryQuery},
		{nodes.KindLLMCall, "LLM Call", "Ask a model for a completion", []PortDef{in("prompt", "string", false), in("provider", "string", false), in("model", "string", false)}, nodes.LLMCall},
		{nodes.KindStartSub, "Start Subworkflow", "Run another workflow as a child run", []PortDef{in("vars", "object", false)}, nodes.StartSubworkflow},
		{nodes.KindSubflow, "Subflow", "Run a flow by id as a child run", []PortDef{in("vars", "object", false)}, nodes.StartSubworkflow},
		{nodes.KindFlow, "Nested Flow", "Run an inline flow as a child run", []PortDef{in("vars", "object", false)}, nodes.StartSubworkflow},
		{nodes.KindAgent, "Agent", "Run a model call as a child workflow", []PortDef{in("prompt", "string", false), in("provider", "string", false), in("model", "string", false)}, nodes.StartSubworkflow},
	}
	for _, e := range effects {
		r.Register(NodeTypeDef{
			Type:        e.kind,
			Category:    "effect",
			DisplayName: e.name,
			Description: e.desc,
			Ports:       PortSchema{Inputs: e.inputs, Outputs: outputPort},
			ExecOutputs: execOut,
			Factory:     e.factory,
		})
	}
}

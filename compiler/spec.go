package compiler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/flowrun/core"
)

var (
	ErrSpecNotFound   = errors.New("compiler: spec not found")
	ErrFlowNotFound   = errors.New("compiler: flow not found")
	ErrNoModelBinding = errors.New("compiler: no provider/model binding")
)

// Binding feeds one data pin of a node from another node's output or from
// a literal resolved at compile time.
type Binding struct {
	Pin        string `json:"pin"`
	FromNode   string `json:"from_node"`
	FromHandle string `json:"from_handle,omitempty"`
	Literal    any    `json:"literal,omitempty"`
	HasLiteral bool   `json:"has_literal,omitempty"`
}

// Spec is an executable workflow: node handlers keyed by id plus the entry.
type Spec struct {
	WorkflowID string
	Entry      string

	// Root is the workflow a derived spec belongs to; "" for top-level flows.
	Root string
	// Event is the event a listener spec waits for.
	Event string

	Handlers map[string]core.StepHandler
	Kinds    map[string]string
	Bindings map[string][]Binding

	// Listeners are the ids of the listener specs derived from this flow.
	Listeners []string
	// Children are the ids of every spec compiled as part of this one.
	Children []string

	Provider string
	Model    string
}

// Handler returns the handler of a node.
func (s *Spec) Handler(nodeID string) (core.StepHandler, bool) {
	h, ok := s.Handlers[nodeID]
	return h, ok
}

// Kind returns the node type of a node, or "".
func (s *Spec) Kind(nodeID string) string {
	return s.Kinds[nodeID]
}

// NodeIDs returns the compiled node ids in sorted order.
func (s *Spec) NodeIDs() []string {
	ids := make([]string, 0, len(s.Handlers))
	for id := range s.Handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsListener reports whether the spec was derived from an on_event node.
func (s *Spec) IsListener() bool {
	return s.Event != ""
}

// Registry holds compiled specs by workflow id. It replaces any process-wide
// cache: callers create one and pass it where specs must be looked up.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry returns an empty spec registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register stores a spec, replacing any spec with the same workflow id.
func (r *Registry) Register(spec *Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.WorkflowID] = spec
}

// Get returns the spec for a workflow id.
func (r *Registry) Get(workflowID string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, workflowID)
	}
	return spec, nil
}

// Listeners returns the listener specs derived from a workflow.
func (r *Registry) Listeners(workflowID string) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.specs[workflowID]
	if !ok {
		return nil
	}
	out := make([]*Spec, 0, len(root.Listeners))
	for _, id := range root.Listeners {
		if s, ok := r.specs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// IDs returns every registered workflow id in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every registered spec.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = make(map[string]*Spec)
}

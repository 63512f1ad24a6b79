// Package registry maps node type names to their metadata and handler
// factories. The compiler dispatches on it; the server lists it.
package registry

import (
	"sync"

	"github.com/petal-labs/flowrun/nodes"
)

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type        string        `json:"type"`
	Category    string        `json:"category"` // "control", "effect", "data", "flow"
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Ports       PortSchema    `json:"ports"`
	ExecOutputs []string      `json:"exec_outputs,omitempty"`
	Factory     nodes.Factory `json:"-"`
}

// PortSchema defines the data input and output pins of a node type.
type PortSchema struct {
	Inputs  []PortDef `json:"inputs"`
	Outputs []PortDef `json:"outputs"`
}

// PortDef describes a single pin.
type PortDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "string", "object", "array", "any"
	Required bool   `json:"required"`
}

// Registry holds all known node types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeTypeDef
	order []string // preserves registration order
}

// New returns a registry with every built-in node type registered.
func New() *Registry {
	r := &Registry{types: make(map[string]NodeTypeDef)}
	registerBuiltins(r)
	return r
}

// Register adds a node type definition. If a type with the same name
// already exists it is overwritten.
func (r *Registry) Register(def NodeTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a node type definition by type name.
func (r *Registry) Get(typeName string) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	_, ok := r.Get(typeName)
	return ok
}

// Factory returns the handler factory for a type.
func (r *Registry) Factory(typeName string) (nodes.Factory, bool) {
	def, ok := r.Get(typeName)
	if !ok || def.Factory == nil {
		return nil, false
	}
	return def.Factory, true
}

// All returns all registered node types in registration order.
func (r *Registry) All() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

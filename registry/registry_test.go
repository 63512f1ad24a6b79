package registry

import (
	"sync"
	"testing"

	"github.com/petal-labs/flowrun/nodes"
)

func TestNew_HasBuiltins(t *testing.T) {
	r := New()
	for _, kind := range []string{
		nodes.KindStart, nodes.KindOnEvent, nodes.KindReturn, nodes.KindSequence, nodes.KindParallel,
		nodes.KindSetVar, nodes.KindSetVars, nodes.KindAskUser, nodes.KindEmitEvent, nodes.KindLLMCall,
		nodes.KindSubflow, nodes.KindAgent, nodes.KindCode, nodes.KindBranch,
	} {
		if _, ok := r.Factory(kind); !ok {
			t.Errorf("no factory for %q", kind)
		}
	}
}

func TestNew_InstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Register(NodeTypeDef{Type: "custom"})
	if b.Has("custom") {
		t.Fatal("registries share state")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	r.Register(NodeTypeDef{
		Type:        "test_node",
		Category:    "test",
		DisplayName: "Test Node",
		Ports: PortSchema{
			Inputs: []PortDef{{Name: "in", Type: "string", Required: true}},
		},
	})

	got, ok := r.Get("test_node")
	if !ok {
		t.Fatal("Get should find registered type")
	}
	if got.DisplayName != "Test Node" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Test Node")
	}
	if _, ok := r.Factory("test_node"); ok {
		t.Error("type without factory should not report one")
	}
}

func TestRegistry_OverwriteKeepsOrder(t *testing.T) {
	r := New()
	before := r.Len()
	first := r.All()[0].Type

	r.Register(NodeTypeDef{Type: first, DisplayName: "Replaced"})
	if r.Len() != before {
		t.Errorf("Len() = %d, want %d", r.Len(), before)
	}
	if all := r.All(); all[0].Type != first || all[0].DisplayName != "Replaced" {
		t.Errorf("All()[0] = %+v", all[0])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(NodeTypeDef{Type: "concurrent"})
		}()
		go func() {
			defer wg.Done()
			_ = r.All()
			_ = r.Has("concurrent")
		}()
	}
	wg.Wait()
	if !r.Has("concurrent") {
		t.Fatal("concurrent type missing")
	}
}

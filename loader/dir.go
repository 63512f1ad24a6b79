package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/graph"
)

// Dir serves the flow documents of a directory by their id. It implements
// compiler.FlowSource. Documents are read on first use and after Reload.
type Dir struct {
	root string

	mu     sync.Mutex
	loaded bool
	flows  map[string]*graph.FlowDef
	paths  map[string]string
}

// NewDir creates a Dir over root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Reload re-reads every flow file of the directory. Two documents with
// the same id are an error.
func (d *Dir) Reload() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("reading flow directory: %w", err)
	}
	flows := make(map[string]*graph.FlowDef)
	paths := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !IsFlowFile(e.Name()) {
			continue
		}
		path := filepath.Join(d.root, e.Name())
		fd, _, err := LoadFile(path)
		if err != nil {
			return err
		}
		if prev, ok := paths[fd.ID]; ok {
			return fmt.Errorf("flow %q defined in both %s and %s", fd.ID, prev, path)
		}
		flows[fd.ID] = fd
		paths[fd.ID] = path
	}

	d.mu.Lock()
	d.flows, d.paths, d.loaded = flows, paths, true
	d.mu.Unlock()
	return nil
}

func (d *Dir) ensure() error {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if loaded {
		return nil
	}
	return d.Reload()
}

// Flow implements compiler.FlowSource.
func (d *Dir) Flow(_ context.Context, id string) (*graph.FlowDef, error) {
	if err := d.ensure(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, ok := d.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", compiler.ErrFlowNotFound, id)
	}
	return fd, nil
}

// IDs lists the flow ids of the directory, sorted.
func (d *Dir) IDs() ([]string, error) {
	if err := d.ensure(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.flows))
	for id := range d.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ compiler.FlowSource = (*Dir)(nil)
